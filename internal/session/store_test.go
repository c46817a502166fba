package session

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/primal-host/skytry/internal/dpop"
	"github.com/primal-host/skytry/internal/oauth"
)

// fakeRow scans a fixed list of values into the destinations, the way a
// pgx.Row would for a SELECT of sessionColumns.
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(r.values))
	}
	for i, v := range r.values {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
	}
	return nil
}

func testSession(t *testing.T) *oauth.Session {
	t.Helper()
	key, err := dpop.GenerateKeypair()
	require.NoError(t, err)
	return &oauth.Session{
		DeviceID:         "dev-1",
		DID:              "did:plc:alice",
		PDSURL:           "https://pds.example",
		AuthServerIssuer: "https://auth.example",
		TokenEndpoint:    "https://auth.example/oauth/token",
		AccessToken:      "access",
		RefreshToken:     "refresh",
		Scope:            "atproto",
		IssuedAt:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		DPoPKey:          key,
		DPoPNonce:        "pds-nonce",
		AuthServerNonce:  "as-nonce",
	}
}

func TestSessionRowRoundTrip(t *testing.T) {
	sess := testSession(t)
	args, err := sessionArgs(sess)
	require.NoError(t, err)
	require.Len(t, args, 13)
	assert.Equal(t, "did:plc:alice", args[1])
	assert.Empty(t, args[2], "empty handle is stored as NULL")

	got, err := scanSession(fakeRow{values: args})
	require.NoError(t, err)
	assert.Equal(t, sess.DID, got.DID)
	assert.Equal(t, sess.TokenEndpoint, got.TokenEndpoint)
	assert.Equal(t, sess.DPoPNonce, got.DPoPNonce)
	assert.Equal(t, sess.AuthServerNonce, got.AuthServerNonce)
	assert.True(t, sess.IssuedAt.Equal(got.IssuedAt))

	want, err := sess.DPoPKey.Thumbprint()
	require.NoError(t, err)
	have, err := got.DPoPKey.Thumbprint()
	require.NoError(t, err)
	assert.Equal(t, want, have)
}

func TestSessionArgsRequireKey(t *testing.T) {
	sess := testSession(t)
	sess.DPoPKey = nil
	_, err := sessionArgs(sess)
	assert.ErrorIs(t, err, dpop.ErrConfiguration)
}

func TestScanSessionErrors(t *testing.T) {
	_, err := scanSession(fakeRow{err: pgx.ErrNoRows})
	assert.ErrorIs(t, err, oauth.ErrNoSession)

	boom := errors.New("conn reset")
	_, err = scanSession(fakeRow{err: boom})
	assert.ErrorIs(t, err, boom)

	args, err := sessionArgs(testSession(t))
	require.NoError(t, err)

	args[1] = "not-a-did"
	_, err = scanSession(fakeRow{values: args})
	assert.Error(t, err)

	args[1] = "did:plc:alice"
	args[9] = []byte(nil)
	_, err = scanSession(fakeRow{values: args})
	assert.ErrorIs(t, err, dpop.ErrConfiguration)
}

func TestUpdatedMissingRow(t *testing.T) {
	assert.NoError(t, updated(pgconn.NewCommandTag("UPDATE 1"), "dev-1"))
	assert.ErrorIs(t, updated(pgconn.NewCommandTag("UPDATE 0"), "dev-1"), oauth.ErrNoSession)
}
