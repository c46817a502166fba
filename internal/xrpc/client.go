// Package xrpc wraps indigo's atclient for the atproto XRPC read endpoints
// this service calls: com.atproto.repo.getRecord,
// com.atproto.repo.listRecords and app.bsky.feed.getTimeline.
//
// Records are decoded as plain JSON maps. Lexicons such as
// site.standard.document are not registered with any typed decoder, and the
// callers only pass record values through. Non-2xx responses surface as
// *atclient.APIError.
package xrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bluesky-social/indigo/atproto/atclient"
	"github.com/bluesky-social/indigo/atproto/syntax"
)

// DefaultTimelineLimit is the getTimeline page size when none is given.
const DefaultTimelineLimit = 30

// UserAgent is sent with every XRPC request.
const UserAgent = "skytry"

// Endpoints called by this package.
var (
	GetRecordNSID   = syntax.NSID("com.atproto.repo.getRecord")
	ListRecordsNSID = syntax.NSID("com.atproto.repo.listRecords")
	GetTimelineNSID = syntax.NSID("app.bsky.feed.getTimeline")
)

// Client calls XRPC methods on one host.
type Client struct {
	API *atclient.APIClient
}

// NewClient returns a client for host. A nil httpClient uses
// http.DefaultClient; a nil auth sends unauthenticated requests.
func NewClient(host string, httpClient *http.Client, auth atclient.AuthMethod) *Client {
	api := atclient.NewAPIClient(strings.TrimRight(host, "/"))
	if httpClient != nil {
		api.Client = httpClient
	}
	api.Auth = auth
	api.Headers.Set("User-Agent", UserAgent)
	return &Client{API: api}
}

// Record is a single repository record.
type Record struct {
	URI   string         `json:"uri"`
	CID   string         `json:"cid,omitempty"`
	Value map[string]any `json:"value"`
}

// RecordList is one page of listRecords output.
type RecordList struct {
	Cursor  string   `json:"cursor,omitempty"`
	Records []Record `json:"records"`
}

// Timeline is one page of getTimeline output. Feed items are passed through
// untouched.
type Timeline struct {
	Cursor string            `json:"cursor,omitempty"`
	Feed   []json.RawMessage `json:"feed"`
}

// GetRecord fetches one record by repo, collection and record key.
func (c *Client) GetRecord(ctx context.Context, repo, collection, rkey string) (*Record, error) {
	params := map[string]any{
		"repo":       repo,
		"collection": collection,
		"rkey":       rkey,
	}

	var out Record
	if err := c.query(ctx, GetRecordNSID, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRecords fetches one page of a collection. A zero limit leaves the
// server default in place.
func (c *Client) ListRecords(ctx context.Context, repo, collection, cursor string, limit int) (*RecordList, error) {
	params := map[string]any{
		"repo":       repo,
		"collection": collection,
	}
	if cursor != "" {
		params["cursor"] = cursor
	}
	if limit > 0 {
		params["limit"] = limit
	}

	var out RecordList
	if err := c.query(ctx, ListRecordsNSID, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTimeline fetches the authenticated account's home timeline.
func (c *Client) GetTimeline(ctx context.Context, cursor string, limit int) (*Timeline, error) {
	if limit <= 0 {
		limit = DefaultTimelineLimit
	}
	params := map[string]any{
		"limit": limit,
	}
	if cursor != "" {
		params["cursor"] = cursor
	}

	var out Timeline
	if err := c.query(ctx, GetTimelineNSID, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// query wraps everything but *atclient.APIError, which callers match on
// directly.
func (c *Client) query(ctx context.Context, endpoint syntax.NSID, params map[string]any, out any) error {
	err := c.API.Get(ctx, endpoint, params, out)
	if err == nil {
		return nil
	}
	if AsAPIError(err) != nil {
		return err
	}
	return fmt.Errorf("xrpc: %s: %w", endpoint, err)
}

// AsAPIError returns the XRPC error response wrapped in err, or nil.
func AsAPIError(err error) *atclient.APIError {
	var aerr *atclient.APIError
	if errors.As(err, &aerr) {
		return aerr
	}
	return nil
}
