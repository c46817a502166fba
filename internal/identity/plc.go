package identity

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// resolvePLC fetches {PLCDirectory}/{did} for any non-web DID method.
// The directory is rate-limited when a limiter is configured.
func (r *Resolver) resolvePLC(ctx context.Context, did syntax.DID) (*Document, error) {
	if r.PLCLimiter != nil {
		if err := r.PLCLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("identity: plc rate limit: %w", err)
		}
	}

	base := r.PLCDirectory
	if base == "" {
		base = DefaultPLCDirectory
	}
	docURL := strings.TrimRight(base, "/") + "/" + url.PathEscape(did.String())
	return r.fetchDocument(ctx, docURL)
}
