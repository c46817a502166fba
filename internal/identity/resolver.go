// Package identity resolves atproto decentralized identifiers (DIDs) to the
// personal data server (PDS) that hosts the account's repository.
//
// Two directory mechanisms are supported: did:web identities publish their
// own document at https://<host>/.well-known/did.json, and every other
// method (in practice did:plc) is looked up in a PLC directory. Results are
// never cached; resolution is cheap, idempotent, and safe to repeat.
//
// A DID without a PDS binding is an expected outcome, not an error:
// ResolvePDS returns "" with a nil error for missing or malformed documents
// and reserves errors for transport failures.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	indigoid "github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

// DefaultPLCDirectory is the public PLC directory.
const DefaultPLCDirectory = "https://plc.directory"

// maxDocumentSize bounds how much of a DID document is read.
const maxDocumentSize = 1 << 20

// Sentinel errors for identity operations.
var (
	ErrInvalidDID     = errors.New("identity: invalid DID")
	ErrHandleNotFound = errors.New("identity: handle not found")
)

// Identity is the resolved view of an account.
type Identity struct {
	DID syntax.DID `json:"did"`

	// Handle is the handle declared in the DID document, or "" if none.
	Handle string `json:"handle,omitempty"`

	// PDS is the service endpoint of the account's PDS, or "" if unbound.
	PDS string `json:"pds,omitempty"`
}

// Config holds the tunables for a Resolver.
type Config struct {
	// PLCDirectory is the base URL for non-web DID lookups.
	PLCDirectory string

	// Timeout bounds each HTTP request (default 30s).
	Timeout time.Duration

	// PLCRateLimit caps requests per second to the PLC directory; zero
	// disables limiting.
	PLCRateLimit float64

	// RetryMax is the number of retries for idempotent GETs on transport
	// errors and 5xx responses.
	RetryMax int
}

// Resolver maps DIDs and handles to identities.
type Resolver struct {
	// HTTP is used for document and well-known fetches.
	HTTP *http.Client

	// PLCDirectory has scheme, host and optional port; no trailing slash.
	PLCDirectory string

	// PLCLimiter, if set, rate-limits PLC directory requests.
	PLCLimiter *rate.Limiter

	// Handles resolves handles; nil uses an indigo BaseDirectory over HTTP.
	Handles HandleDirectory

	Logger *slog.Logger
}

// NewResolver builds a Resolver with a retrying HTTP client.
func NewResolver(cfg Config) *Resolver {
	if cfg.PLCDirectory == "" {
		cfg.PLCDirectory = DefaultPLCDirectory
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpClient := NewHTTPClient(cfg.Timeout, cfg.RetryMax)
	r := &Resolver{
		HTTP:         httpClient,
		PLCDirectory: cfg.PLCDirectory,
		Handles:      &indigoid.BaseDirectory{HTTPClient: *httpClient},
		Logger:       slog.Default(),
	}
	if cfg.PLCRateLimit > 0 {
		r.PLCLimiter = rate.NewLimiter(rate.Limit(cfg.PLCRateLimit), 1)
	}
	return r
}

// NewHTTPClient returns an http.Client that retries idempotent requests on
// transport errors and 5xx responses, and hands the final response back to
// the caller instead of converting it into an error.
func NewHTTPClient(timeout time.Duration, retryMax int) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = slog.Default()
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client := rc.StandardClient()
	client.Timeout = timeout
	return client
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

// ResolvePDS returns the PDS endpoint bound to did, or "" if the DID has no
// resolvable PDS service.
func (r *Resolver) ResolvePDS(ctx context.Context, did string) (string, error) {
	ident, err := r.Lookup(ctx, did)
	if err != nil {
		return "", err
	}
	if ident == nil {
		return "", nil
	}
	return ident.PDS, nil
}

// Lookup fetches the DID document for did and returns the identity it
// declares. A nil Identity with a nil error means the document could not
// be found or parsed.
func (r *Resolver) Lookup(ctx context.Context, did string) (*Identity, error) {
	parsed, err := syntax.ParseDID(did)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDID, did)
	}

	start := time.Now()
	var (
		doc    *Document
		policy MatchPolicy
	)
	switch parsed.Method() {
	case "web":
		doc, err = r.resolveWeb(ctx, parsed)
		policy = MatchExactID
	default:
		doc, err = r.resolvePLC(ctx, parsed)
		policy = MatchIDSuffix
	}

	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case doc == nil:
		status = "not_found"
	case doc.PDSEndpoint(policy) == "":
		status = "no_pds"
	}
	didResolution.WithLabelValues(parsed.Method(), status).Inc()
	didResolutionDuration.WithLabelValues(parsed.Method(), status).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	return &Identity{
		DID:    parsed,
		Handle: doc.DeclaredHandle(),
		PDS:    doc.PDSEndpoint(policy),
	}, nil
}

// fetchDocument GETs a DID document. Only transport failures are errors;
// non-2xx responses and undecodable bodies yield a nil document.
func (r *Resolver) fetchDocument(ctx context.Context, docURL string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: create request: %w", err)
	}
	req.Header.Set("Accept", "application/did+json, application/json")

	resp, err := r.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: GET %s: %w", docURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.logger().Debug("DID document not available", "url", docURL, "statusCode", resp.StatusCode)
		return nil, nil
	}

	var doc Document
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&doc); err != nil {
		r.logger().Debug("malformed DID document", "url", docURL, "err", err)
		return nil, nil
	}
	return &doc, nil
}
