package identity

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	indigoid "github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTripFunc lets a test answer requests for hosts it cannot bind.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type recordedTransport struct {
	mu   sync.Mutex
	urls []string
	body map[string]string
	code map[string]int
}

func (rt *recordedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	u := req.URL.String()
	rt.urls = append(rt.urls, u)
	code, ok := rt.code[u]
	if !ok {
		code = http.StatusOK
	}
	body, found := rt.body[u]
	if !found && !ok {
		code = http.StatusNotFound
	}
	return &http.Response{
		StatusCode: code,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

func newTestResolver(rt http.RoundTripper) *Resolver {
	return &Resolver{
		HTTP:         &http.Client{Transport: rt},
		PLCDirectory: "https://plc.test",
	}
}

func TestResolvePDSWeb(t *testing.T) {
	rt := &recordedTransport{body: map[string]string{
		"https://alice.example/.well-known/did.json": `{
			"id": "did:web:alice.example",
			"alsoKnownAs": ["at://alice.example"],
			"service": [{"id": "#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": "https://pds.example"}]
		}`,
	}}
	r := newTestResolver(rt)

	pds, err := r.ResolvePDS(context.Background(), "did:web:alice.example")
	require.NoError(t, err)
	assert.Equal(t, "https://pds.example", pds)
	assert.Equal(t, []string{"https://alice.example/.well-known/did.json"}, rt.urls)
}

func TestResolvePDSObjectEndpoint(t *testing.T) {
	rt := &recordedTransport{body: map[string]string{
		"https://plc.test/did:plc:abc123": `{
			"id": "did:plc:abc123",
			"service": [{"id": "#atproto_pds", "type": "Other", "serviceEndpoint": {"uri": "https://obj.example"}}]
		}`,
	}}
	r := newTestResolver(rt)

	pds, err := r.ResolvePDS(context.Background(), "did:plc:abc123")
	require.NoError(t, err)
	assert.Equal(t, "https://obj.example", pds)
}

func TestResolvePDSPLCSuffixMatch(t *testing.T) {
	rt := &recordedTransport{body: map[string]string{
		"https://plc.test/did:plc:abc123": `{
			"id": "did:plc:abc123",
			"service": [
				{"id": "#bsky_chat", "type": "BskyChatService", "serviceEndpoint": "https://chat.example"},
				{"id": "did:plc:abc123#atproto_pds", "type": "Custom", "serviceEndpoint": "https://suffix.example"}
			]
		}`,
	}}
	r := newTestResolver(rt)

	pds, err := r.ResolvePDS(context.Background(), "did:plc:abc123")
	require.NoError(t, err)
	assert.Equal(t, "https://suffix.example", pds)
}

func TestResolvePDSWebRequiresExactID(t *testing.T) {
	rt := &recordedTransport{body: map[string]string{
		"https://bob.example/.well-known/did.json": `{
			"id": "did:web:bob.example",
			"service": [{"id": "did:web:bob.example#atproto_pds", "type": "Custom", "serviceEndpoint": "https://pds.example"}]
		}`,
	}}
	r := newTestResolver(rt)

	pds, err := r.ResolvePDS(context.Background(), "did:web:bob.example")
	require.NoError(t, err)
	assert.Empty(t, pds)
}

func TestResolvePDSAbsent(t *testing.T) {
	rt := &recordedTransport{
		body: map[string]string{
			"https://plc.test/did:plc:nopds":  `{"id": "did:plc:nopds", "service": []}`,
			"https://plc.test/did:plc:broken": `{not json`,
		},
		code: map[string]int{"https://plc.test/did:plc:gone": http.StatusNotFound},
	}
	r := newTestResolver(rt)

	for _, did := range []string{"did:plc:nopds", "did:plc:broken", "did:plc:gone", "did:plc:unknown"} {
		pds, err := r.ResolvePDS(context.Background(), did)
		require.NoError(t, err, did)
		assert.Empty(t, pds, did)
	}
}

func TestResolvePDSTransportError(t *testing.T) {
	r := newTestResolver(roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}))

	_, err := r.ResolvePDS(context.Background(), "did:plc:abc123")
	require.Error(t, err)
}

func TestResolvePDSInvalidDID(t *testing.T) {
	r := newTestResolver(roundTripFunc(func(*http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	}))

	_, err := r.ResolvePDS(context.Background(), "not-a-did")
	assert.ErrorIs(t, err, ErrInvalidDID)
}

func TestLookupDeclaredHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/did:plc:abc123", req.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "did:plc:abc123",
			"alsoKnownAs": ["https://elsewhere.example", "at://alice.test"],
			"service": [{"id": "#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": "https://pds.example"}]
		}`)
	}))
	defer srv.Close()

	r := &Resolver{HTTP: srv.Client(), PLCDirectory: srv.URL}
	ident, err := r.Lookup(context.Background(), "did:plc:abc123")
	require.NoError(t, err)
	require.NotNil(t, ident)
	assert.Equal(t, syntax.DID("did:plc:abc123"), ident.DID)
	assert.Equal(t, "alice.test", ident.Handle)
	assert.Equal(t, "https://pds.example", ident.PDS)
}

func TestWebDocumentURL(t *testing.T) {
	cases := map[string]string{
		"did:web:alice.example":           "https://alice.example/.well-known/did.json",
		"did:web:localhost%3A8080":        "https://localhost:8080/.well-known/did.json",
		"did:web:example.com:users:alice": "https://example.com/users/alice/.well-known/did.json",
	}
	for raw, want := range cases {
		got, err := WebDocumentURL(syntax.DID(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := WebDocumentURL(syntax.DID("did:plc:abc123"))
	assert.ErrorIs(t, err, ErrInvalidDID)
}

// stubHandles answers DNS lookups from a table and falls through to an
// optional directory for the well-known document.
type stubHandles struct {
	txt       map[string]syntax.DID
	wellKnown HandleDirectory
	dnsCalls  []syntax.Handle
}

func (s *stubHandles) ResolveHandleDNS(_ context.Context, handle syntax.Handle) (syntax.DID, error) {
	s.dnsCalls = append(s.dnsCalls, handle)
	if did, ok := s.txt[handle.String()]; ok {
		return did, nil
	}
	return "", indigoid.ErrHandleNotFound
}

func (s *stubHandles) ResolveHandleWellKnown(ctx context.Context, handle syntax.Handle) (syntax.DID, error) {
	if s.wellKnown == nil {
		return "", indigoid.ErrHandleNotFound
	}
	return s.wellKnown.ResolveHandleWellKnown(ctx, handle)
}

func TestResolveHandleDNS(t *testing.T) {
	r := newTestResolver(roundTripFunc(func(*http.Request) (*http.Response, error) {
		t.Fatal("well-known fallback should not run")
		return nil, nil
	}))
	handles := &stubHandles{txt: map[string]syntax.DID{"alice.test": "did:plc:abc123"}}
	r.Handles = handles

	did, err := r.ResolveHandle(context.Background(), "@Alice.Test")
	require.NoError(t, err)
	assert.Equal(t, syntax.DID("did:plc:abc123"), did)
	assert.Equal(t, []syntax.Handle{"alice.test"}, handles.dnsCalls)
}

func TestResolveHandleWellKnownFallback(t *testing.T) {
	rt := &recordedTransport{body: map[string]string{
		"https://alice.test/.well-known/atproto-did": "did:plc:abc123\n",
	}}
	r := newTestResolver(rt)
	r.Handles = &stubHandles{wellKnown: &indigoid.BaseDirectory{HTTPClient: http.Client{Transport: rt}}}

	did, err := r.ResolveHandle(context.Background(), "alice.test")
	require.NoError(t, err)
	assert.Equal(t, syntax.DID("did:plc:abc123"), did)
	assert.Equal(t, []string{"https://alice.test/.well-known/atproto-did"}, rt.urls)
}

func TestResolveHandleNotFound(t *testing.T) {
	rt := &recordedTransport{}
	r := newTestResolver(rt)
	r.Handles = &stubHandles{wellKnown: &indigoid.BaseDirectory{HTTPClient: http.Client{Transport: rt}}}

	_, err := r.ResolveHandle(context.Background(), "missing.test")
	assert.ErrorIs(t, err, ErrHandleNotFound)

	_, err = r.ResolveHandle(context.Background(), "not a handle")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrHandleNotFound)
}
