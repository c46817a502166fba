package identity

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// WebDocumentURL returns the well-known document URL for a did:web
// identifier. Colons in the method-specific id become path separators and
// percent-encoded ports are decoded, so did:web:alice.example maps to
// https://alice.example/.well-known/did.json.
func WebDocumentURL(did syntax.DID) (string, error) {
	if did.Method() != "web" {
		return "", fmt.Errorf("%w: expected did:web, got %s", ErrInvalidDID, did)
	}
	hostPath, err := url.PathUnescape(strings.ReplaceAll(did.Identifier(), ":", "/"))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrInvalidDID, did, err)
	}
	if hostPath == "" || strings.HasPrefix(hostPath, "/") {
		return "", fmt.Errorf("%w: empty did:web host: %s", ErrInvalidDID, did)
	}
	return "https://" + strings.TrimRight(hostPath, "/") + "/.well-known/did.json", nil
}

func (r *Resolver) resolveWeb(ctx context.Context, did syntax.DID) (*Document, error) {
	docURL, err := WebDocumentURL(did)
	if err != nil {
		return nil, err
	}
	return r.fetchDocument(ctx, docURL)
}
