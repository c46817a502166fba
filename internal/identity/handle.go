package identity

import (
	"context"
	"fmt"
	"strings"

	indigoid "github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
)

// HandleDirectory resolves handles through DNS and the HTTPS well-known
// document. *indigoid.BaseDirectory satisfies it.
type HandleDirectory interface {
	ResolveHandleDNS(ctx context.Context, handle syntax.Handle) (syntax.DID, error)
	ResolveHandleWellKnown(ctx context.Context, handle syntax.Handle) (syntax.DID, error)
}

// ResolveHandle maps a handle to its DID, trying the _atproto DNS TXT
// record first and then https://<handle>/.well-known/atproto-did.
func (r *Resolver) ResolveHandle(ctx context.Context, raw string) (syntax.DID, error) {
	handle, err := syntax.ParseHandle(strings.TrimPrefix(raw, "@"))
	if err != nil {
		return "", fmt.Errorf("identity: %w", err)
	}
	handle = handle.Normalize()

	dir := r.handles()
	did, dnsErr := dir.ResolveHandleDNS(ctx, handle)
	if dnsErr == nil {
		return did, nil
	}
	r.logger().Debug("handle DNS lookup failed", "handle", handle, "err", dnsErr)

	did, err = dir.ResolveHandleWellKnown(ctx, handle)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrHandleNotFound, handle, err)
	}
	return did, nil
}

func (r *Resolver) handles() HandleDirectory {
	if r.Handles != nil {
		return r.Handles
	}
	return &indigoid.BaseDirectory{HTTPClient: *r.httpClient()}
}
