package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheRequestStore(t *testing.T) {
	ctx := context.Background()
	s := NewCacheRequestStore(8, time.Minute)

	require.NoError(t, s.SaveAuthRequest(ctx, &AuthRequest{DeviceID: "dev-1", State: "a"}))
	require.NoError(t, s.SaveAuthRequest(ctx, &AuthRequest{DeviceID: "dev-1", State: "b"}))
	assert.Equal(t, 1, s.Len())

	got, err := s.GetAuthRequest(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "b", got.State)

	got.State = "mutated"
	again, err := s.GetAuthRequest(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "b", again.State)

	require.NoError(t, s.DeleteAuthRequest(ctx, "dev-1"))
	_, err = s.GetAuthRequest(ctx, "dev-1")
	assert.ErrorIs(t, err, ErrAuthRequestNotFound)
}

func TestCacheRequestStoreExpires(t *testing.T) {
	ctx := context.Background()
	s := NewCacheRequestStore(8, 20*time.Millisecond)
	require.NoError(t, s.SaveAuthRequest(ctx, &AuthRequest{DeviceID: "dev-1", State: "a"}))

	assert.Eventually(t, func() bool {
		_, err := s.GetAuthRequest(ctx, "dev-1")
		return errors.Is(err, ErrAuthRequestNotFound)
	}, time.Second, 10*time.Millisecond)
}

func TestMemSessionStoreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemSessionStore()

	sess := &Session{DeviceID: "dev-1", DID: "did:plc:alice", AccessToken: "a"}
	require.NoError(t, s.SaveSession(ctx, sess))
	sess.AccessToken = "changed"

	got, err := s.GetSession(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.AccessToken)

	_, err = s.GetSession(ctx, "dev-2")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestMemSessionStoreSaveNonce(t *testing.T) {
	ctx := context.Background()
	s := NewMemSessionStore()
	require.NoError(t, s.SaveSession(ctx, &Session{DeviceID: "dev-1", AccessToken: "a", DPoPNonce: "old"}))

	require.NoError(t, s.SaveNonce(ctx, "dev-1", "new"))
	got, err := s.GetSession(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.DPoPNonce)
	assert.Equal(t, "a", got.AccessToken)

	assert.ErrorIs(t, s.SaveNonce(ctx, "dev-2", "new"), ErrNoSession)
	_, err = s.GetSession(ctx, "dev-2")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestNonceStore(t *testing.T) {
	n := NewNonceStore()
	n.Set("https://pds.example", "one")
	n.Set("https://pds.example", "")
	assert.Equal(t, "one", n.Get("https://pds.example"))
	n.Set("https://pds.example", "two")
	assert.Equal(t, "two", n.Get("https://pds.example"))
	assert.Empty(t, n.Get("https://other.example"))

	assert.Equal(t, "https://pds.example:8443", originOf("https://pds.example:8443/xrpc/x?y=1"))
	assert.Empty(t, originOf("not a url"))
}

func TestFlowStateTransitions(t *testing.T) {
	assert.Equal(t, "IDLE", FlowIdle.String())
	assert.Equal(t, "TOKEN_EXCHANGED", FlowTokenExchanged.String())
	assert.Equal(t, "UNKNOWN", FlowState(42).String())

	assert.True(t, FlowIdle.next(FlowMetadataDiscovered))
	assert.False(t, FlowIdle.next(FlowPARSubmitted))
	assert.True(t, FlowRedirected.next(FlowFailed))
	assert.False(t, FlowFailed.next(FlowFailed))
	assert.False(t, FlowActive.next(FlowIdle))
}

func TestClientMetadataDocument(t *testing.T) {
	cfg := NewClientConfig("https://skytry.example/", "SkyTry", "")
	out, err := json.Marshal(cfg.Metadata())
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"client_id": "https://skytry.example/oauth-client-metadata.json",
		"client_name": "SkyTry",
		"client_uri": "https://skytry.example/",
		"application_type": "web",
		"grant_types": ["authorization_code", "refresh_token"],
		"scope": "atproto repo:site.standard.document repo:com.atproto.repo.record transition:generic",
		"response_types": ["code"],
		"redirect_uris": ["https://skytry.example/oauth/callback"],
		"token_endpoint_auth_method": "none",
		"dpop_bound_access_tokens": true
	}`, string(out))
}

func TestUserMessage(t *testing.T) {
	assert.Empty(t, UserMessage(nil))
	assert.Equal(t, "Bad scope", UserMessage(&AuthorizationRequestError{Status: 400, Code: "invalid_scope", Description: "Bad scope"}))
	assert.Equal(t, "Sign-in was refused: invalid_scope", UserMessage(&AuthorizationRequestError{Status: 400, Code: "invalid_scope"}))
	assert.Equal(t, "Your session has expired. Please sign in again.", UserMessage(&RefreshError{Status: 400}))
	assert.Equal(t, "Could not find the sign-in server for this account.", UserMessage(ErrDiscovery))
	assert.Equal(t, "Sign-in failed.", UserMessage(errors.New("boom")))
}
