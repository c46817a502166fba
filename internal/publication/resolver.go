// Package publication resolves a website origin to the standard.site
// publication it declares and the documents published under it.
//
// A site opts in by serving an AT-URI at
// /.well-known/site.standard.publication. The URI names a
// site.standard.publication record; its repository's PDS is found through
// the identity resolver and queried for the publication record and the
// repository's site.standard.document records.
package publication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"github.com/primal-host/skytry/internal/xrpc"
)

// Record collections and list size.
const (
	DocumentCollection = "site.standard.document"
	WellKnownPath      = "/.well-known/site.standard.publication"
	DocumentLimit      = 50
)

// Sentinel errors returned by ListDocuments.
var (
	ErrNotAPublication = errors.New("publication: not a standard.site publication")
	ErrInvalidATURI    = errors.New("publication: invalid AT-URI")
	ErrPDSNotFound     = errors.New("publication: could not find PDS for this publication")
)

// Document is a document record's value with its repository URI added.
type Document map[string]any

// URI returns the record's AT-URI.
func (d Document) URI() string {
	s, _ := d["uri"].(string)
	return s
}

// Path returns the document's declared path relative to the site base URL.
func (d Document) Path() string {
	s, _ := d["path"].(string)
	return s
}

// Listing is a resolved publication and its documents.
type Listing struct {
	// Publication is the publication record value.
	Publication map[string]any `json:"publication"`
	ATURI       string         `json:"atUri"`
	Origin      string         `json:"origin"`
	BaseURL     string         `json:"baseUrl"`
	Name        string         `json:"name"`
	Documents   []Document     `json:"documents"`
}

// PDSResolver maps a DID to its PDS endpoint, "" when unbound.
type PDSResolver interface {
	ResolvePDS(ctx context.Context, did string) (string, error)
}

// Resolver lists publications. HTTP is used for the well-known fetch and
// the unauthenticated XRPC reads.
type Resolver struct {
	HTTP     *http.Client
	Identity PDSResolver
	Logger   *slog.Logger
}

// New returns a Resolver.
func New(httpClient *http.Client, ident PDSResolver) *Resolver {
	return &Resolver{HTTP: httpClient, Identity: ident, Logger: slog.Default()}
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Resolver) httpClient() *http.Client {
	if r.HTTP != nil {
		return r.HTTP
	}
	return http.DefaultClient
}

// ListDocuments resolves origin to its publication and lists up to
// DocumentLimit documents from the publication's repository.
func (r *Resolver) ListDocuments(ctx context.Context, origin string) (*Listing, error) {
	start := time.Now()
	listing, err := r.listDocuments(ctx, origin)
	listingsResolved.WithLabelValues(resultLabel(err)).Inc()
	listingDuration.Observe(time.Since(start).Seconds())
	return listing, err
}

func (r *Resolver) listDocuments(ctx context.Context, origin string) (*Listing, error) {
	origin = strings.TrimRight(origin, "/")

	atURI, err := r.fetchWellKnown(ctx, origin)
	if err != nil {
		return nil, err
	}

	did, collection, rkey, err := ParseATURI(atURI)
	if err != nil {
		return nil, err
	}

	pds, err := r.Identity.ResolvePDS(ctx, did.String())
	if err != nil {
		return nil, fmt.Errorf("publication: resolve %s: %w", did, err)
	}
	if pds == "" {
		return nil, fmt.Errorf("%w: %s", ErrPDSNotFound, did)
	}

	client := xrpc.NewClient(pds, r.httpClient(), nil)

	pub, err := r.fetchPublicationRecord(ctx, client, did, collection, rkey)
	if err != nil {
		return nil, err
	}

	docs, err := client.ListRecords(ctx, did.String(), DocumentCollection, "", DocumentLimit)
	if err != nil {
		return nil, fmt.Errorf("publication: list documents: %w", err)
	}

	return compose(origin, atURI, pub, docs.Records), nil
}

func (r *Resolver) fetchWellKnown(ctx context.Context, origin string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+WellKnownPath, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrNotAPublication, origin, err)
	}

	resp, err := r.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("publication: fetch well-known: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: %s (HTTP %d)", ErrNotAPublication, origin, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if err != nil {
		return "", fmt.Errorf("publication: read well-known: %w", err)
	}
	atURI := strings.TrimSpace(string(body))
	if !strings.HasPrefix(atURI, "at://") {
		return "", fmt.Errorf("%w: %s", ErrNotAPublication, origin)
	}
	return atURI, nil
}

// fetchPublicationRecord returns the publication record value. An error
// status from the PDS fails the listing like a transport error does.
func (r *Resolver) fetchPublicationRecord(ctx context.Context, client *xrpc.Client, did syntax.DID, collection syntax.NSID, rkey syntax.RecordKey) (map[string]any, error) {
	rec, err := client.GetRecord(ctx, did.String(), collection.String(), rkey.String())
	if err != nil {
		if aerr := xrpc.AsAPIError(err); aerr != nil {
			r.logger().Debug("publication record unavailable", "did", did, "collection", collection, "statusCode", aerr.StatusCode)
		}
		return nil, fmt.Errorf("publication: get record: %w", err)
	}
	return rec.Value, nil
}

// ParseATURI splits at://<did>/<collection>/<rkey>. The authority must be a
// DID and both path segments are required.
func ParseATURI(raw string) (syntax.DID, syntax.NSID, syntax.RecordKey, error) {
	uri, err := syntax.ParseATURI(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: %s", ErrInvalidATURI, raw)
	}
	did, err := uri.Authority().AsDID()
	if err != nil {
		return "", "", "", fmt.Errorf("%w: authority is not a DID: %s", ErrInvalidATURI, raw)
	}
	collection := uri.Collection()
	rkey := uri.RecordKey()
	if collection == "" || rkey == "" {
		return "", "", "", fmt.Errorf("%w: %s", ErrInvalidATURI, raw)
	}
	return did, collection, rkey, nil
}

func compose(origin, atURI string, pub map[string]any, records []xrpc.Record) *Listing {
	listing := &Listing{
		Publication: pub,
		ATURI:       atURI,
		Origin:      origin,
		BaseURL:     origin,
		Documents:   make([]Document, 0, len(records)),
	}

	if u, ok := pub["url"].(string); ok && u != "" {
		listing.BaseURL = strings.TrimSuffix(u, "/")
	}
	if name, ok := pub["name"].(string); ok && name != "" {
		listing.Name = name
	} else if parsed, err := url.Parse(origin); err == nil {
		listing.Name = parsed.Hostname()
	}

	for _, rec := range records {
		doc := make(Document, len(rec.Value)+1)
		for k, v := range rec.Value {
			doc[k] = v
		}
		doc["uri"] = rec.URI
		listing.Documents = append(listing.Documents, doc)
	}
	return listing
}

// NormalizeOrigin turns user input (a bare host or any URL on the site)
// into a scheme://host origin. Input without an http(s) scheme is treated
// as an https host.
func NormalizeOrigin(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("publication: empty site address")
	}
	if !strings.HasPrefix(input, "http") {
		input = "https://" + input
	}
	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("publication: parse site address: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("publication: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("publication: site address has no host: %s", input)
	}
	return u.Scheme + "://" + u.Host, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotAPublication):
		return "not_publication"
	case errors.Is(err, ErrInvalidATURI):
		return "invalid_uri"
	case errors.Is(err, ErrPDSNotFound):
		return "no_pds"
	}
	return "error"
}
