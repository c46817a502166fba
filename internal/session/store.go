// Package session persists signed-in OAuth sessions in PostgreSQL. One row
// is kept per browser device; the DPoP private key travels with it as a
// JWK so a restarted process can keep using the bound tokens.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/primal-host/skytry/internal/database"
	"github.com/primal-host/skytry/internal/dpop"
	"github.com/primal-host/skytry/internal/oauth"
)

const sessionColumns = `device_id, did, COALESCE(handle, ''), pds_url, issuer,
	token_endpoint, access_token, refresh_token, scope, dpop_key,
	dpop_nonce, authserver_nonce, issued_at`

// Summary is one row of the session listing.
type Summary struct {
	DeviceID  string    `json:"deviceId"`
	DID       string    `json:"did"`
	Handle    string    `json:"handle,omitempty"`
	PDS       string    `json:"pds"`
	IssuedAt  time.Time `json:"issuedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store implements oauth.SessionStore backed by PostgreSQL.
type Store struct {
	db *database.DB
}

var _ oauth.SessionStore = (*Store)(nil)

// NewStore creates a session Store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// GetSession returns the session for a device, or oauth.ErrNoSession.
func (s *Store) GetSession(ctx context.Context, deviceID string) (*oauth.Session, error) {
	row := s.db.Pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM oauth_sessions WHERE device_id = $1`,
		deviceID,
	)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("session: get %q: %w", deviceID, err)
	}
	return sess, nil
}

// SaveSession inserts or replaces the session for sess.DeviceID.
func (s *Store) SaveSession(ctx context.Context, sess *oauth.Session) error {
	args, err := sessionArgs(sess)
	if err != nil {
		return fmt.Errorf("session: save %q: %w", sess.DeviceID, err)
	}
	_, err = s.db.Pool.Exec(ctx,
		`INSERT INTO oauth_sessions (device_id, did, handle, pds_url, issuer,
			token_endpoint, access_token, refresh_token, scope, dpop_key,
			dpop_nonce, authserver_nonce, issued_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (device_id) DO UPDATE SET
			did = EXCLUDED.did,
			handle = EXCLUDED.handle,
			pds_url = EXCLUDED.pds_url,
			issuer = EXCLUDED.issuer,
			token_endpoint = EXCLUDED.token_endpoint,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			scope = EXCLUDED.scope,
			dpop_key = EXCLUDED.dpop_key,
			dpop_nonce = EXCLUDED.dpop_nonce,
			authserver_nonce = EXCLUDED.authserver_nonce,
			issued_at = EXCLUDED.issued_at,
			updated_at = NOW()`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("session: save %q: %w", sess.DeviceID, err)
	}
	return nil
}

// SaveNonce updates only the device's stored PDS nonce, leaving tokens a
// concurrent refresh may have written untouched.
func (s *Store) SaveNonce(ctx context.Context, deviceID, nonce string) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE oauth_sessions SET dpop_nonce = $2, updated_at = NOW() WHERE device_id = $1`,
		deviceID, nonce,
	)
	if err != nil {
		return fmt.Errorf("session: save nonce %q: %w", deviceID, err)
	}
	return updated(tag, deviceID)
}

// updated maps an UPDATE that matched no row to oauth.ErrNoSession.
func updated(tag pgconn.CommandTag, deviceID string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session: %q: %w", deviceID, oauth.ErrNoSession)
	}
	return nil
}

// DeleteSession removes the device's session. Deleting a missing session
// is not an error.
func (s *Store) DeleteSession(ctx context.Context, deviceID string) error {
	if _, err := s.db.Pool.Exec(ctx,
		`DELETE FROM oauth_sessions WHERE device_id = $1`, deviceID,
	); err != nil {
		return fmt.Errorf("session: delete %q: %w", deviceID, err)
	}
	return nil
}

// List returns every stored session, most recently updated first. Tokens
// and keys are not included.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT device_id, did, COALESCE(handle, ''), pds_url, issued_at, updated_at
		 FROM oauth_sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.DeviceID, &sum.DID, &sum.Handle, &sum.PDS, &sum.IssuedAt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("session: list scan: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Prune deletes sessions not updated since before. It returns the number
// of rows removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`DELETE FROM oauth_sessions WHERE updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("session: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

// sessionArgs returns the insert arguments for sess in column order.
func sessionArgs(sess *oauth.Session) ([]any, error) {
	if sess.DPoPKey == nil {
		return nil, dpop.ErrConfiguration
	}
	key, err := sess.DPoPKey.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return []any{
		sess.DeviceID,
		sess.DID.String(),
		sess.Handle,
		sess.PDSURL,
		sess.AuthServerIssuer,
		sess.TokenEndpoint,
		sess.AccessToken,
		sess.RefreshToken,
		sess.Scope,
		key,
		sess.DPoPNonce,
		sess.AuthServerNonce,
		sess.IssuedAt,
	}, nil
}

// scanSession reads a row selected with sessionColumns. pgx.ErrNoRows maps
// to oauth.ErrNoSession.
func scanSession(row pgx.Row) (*oauth.Session, error) {
	var (
		sess oauth.Session
		did  string
		key  []byte
	)
	err := row.Scan(
		&sess.DeviceID, &did, &sess.Handle, &sess.PDSURL, &sess.AuthServerIssuer,
		&sess.TokenEndpoint, &sess.AccessToken, &sess.RefreshToken, &sess.Scope, &key,
		&sess.DPoPNonce, &sess.AuthServerNonce, &sess.IssuedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oauth.ErrNoSession
	}
	if err != nil {
		return nil, err
	}

	parsed, err := syntax.ParseDID(did)
	if err != nil {
		return nil, fmt.Errorf("stored did: %w", err)
	}
	sess.DID = parsed

	sess.DPoPKey, err = dpop.ParseKeypair(key)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
