package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/primal-host/skytry/internal/dpop"
	"github.com/primal-host/skytry/internal/identity"
)

// DefaultRefreshThreshold is the token age at which EnsureFresh refreshes.
const DefaultRefreshThreshold = 4 * time.Minute

// IdentityLookup resolves a DID to its declared handle and PDS.
type IdentityLookup interface {
	Lookup(ctx context.Context, did string) (*identity.Identity, error)
}

// Manager owns stored sessions: it loads them, keeps their tokens fresh and
// removes them on logout or a failed refresh.
type Manager struct {
	Client    ClientConfig
	HTTP      *http.Client
	Sessions  SessionStore
	Identity  IdentityLookup
	Proofs    dpop.Builder
	Threshold time.Duration
	Now       func() time.Time
	Logger    *slog.Logger

	group singleflight.Group
}

// NewManager returns a Manager with the default refresh threshold.
func NewManager(client ClientConfig, httpClient *http.Client, sessions SessionStore, ident IdentityLookup) *Manager {
	return &Manager{
		Client:    client,
		HTTP:      httpClient,
		Sessions:  sessions,
		Identity:  ident,
		Threshold: DefaultRefreshThreshold,
		Logger:    slog.Default(),
	}
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *Manager) httpClient() *http.Client {
	if m.HTTP != nil {
		return m.HTTP
	}
	return http.DefaultClient
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) threshold() time.Duration {
	if m.Threshold > 0 {
		return m.Threshold
	}
	return DefaultRefreshThreshold
}

// Session loads the device's session, or returns ErrNoSession.
func (m *Manager) Session(ctx context.Context, deviceID string) (*Session, error) {
	if deviceID == "" {
		return nil, ErrNoSession
	}
	return m.Sessions.GetSession(ctx, deviceID)
}

func (m *Manager) stale(sess *Session) bool {
	return m.now().Sub(sess.IssuedAt) >= m.threshold()
}

// EnsureFresh returns sess unchanged while its access token is younger than
// the threshold and refreshes it otherwise. When another caller refreshed
// the same device in the meantime, the stored session is returned instead
// of refreshing again.
func (m *Manager) EnsureFresh(ctx context.Context, sess *Session) (*Session, error) {
	if !m.stale(sess) {
		return sess, nil
	}
	return m.singleRefresh(ctx, sess, true)
}

// Refresh exchanges the refresh token for new tokens. On a terminal failure
// the session is deleted and a *RefreshError (or dpop.ErrConfiguration when
// the key is gone) is returned. Transport failures leave the session in
// place.
func (m *Manager) Refresh(ctx context.Context, sess *Session) (*Session, error) {
	return m.singleRefresh(ctx, sess, false)
}

// singleRefresh collapses concurrent refreshes of one device into a single
// token request. The refresh ignores the first caller's cancellation. A
// device whose stored session is gone (logged out meanwhile) is never
// refreshed.
func (m *Manager) singleRefresh(ctx context.Context, sess *Session, onlyIfStale bool) (*Session, error) {
	v, err, shared := m.group.Do(sess.DeviceID, func() (any, error) {
		rctx := context.WithoutCancel(ctx)
		current, err := m.Sessions.GetSession(rctx, sess.DeviceID)
		if err != nil {
			if errors.Is(err, ErrNoSession) {
				return nil, ErrNoSession
			}
			return nil, fmt.Errorf("oauth: load session: %w", err)
		}
		if onlyIfStale && !m.stale(current) {
			return current, nil
		}
		return m.refresh(rctx, current)
	})
	if shared {
		m.logger().Debug("joined in-flight refresh", "deviceID", sess.DeviceID)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Session).Clone(), nil
}

func (m *Manager) refresh(ctx context.Context, sess *Session) (*Session, error) {
	if sess.DPoPKey == nil || sess.RefreshToken == "" || sess.TokenEndpoint == "" {
		m.drop(ctx, sess, "missing key material")
		refreshes.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("oauth: refresh: %w: session has no DPoP key or refresh token", dpop.ErrConfiguration)
	}

	res, err := postForm(ctx, m.httpClient(), m.Proofs, m.logger(), formPost{
		Kind:     "refresh",
		Endpoint: sess.TokenEndpoint,
		Form: refreshRequest{
			GrantType:    "refresh_token",
			RefreshToken: sess.RefreshToken,
			ClientID:     m.Client.ClientID,
		},
		Key:   sess.DPoPKey,
		Nonce: sess.AuthServerNonce,
	})
	if err != nil {
		refreshes.WithLabelValues("transport").Inc()
		return nil, err
	}
	if !res.ok() {
		eb := res.errorBody()
		m.drop(ctx, sess, "refresh rejected")
		refreshes.WithLabelValues("rejected").Inc()
		return nil, &RefreshError{Status: res.Status, Code: eb.Error, Description: eb.ErrorDescription}
	}

	tok, did, err := decodeTokenResponse(res.Body)
	if err == nil && did != sess.DID {
		err = fmt.Errorf("%w: subject changed from %s to %s", ErrInvalidTokenResponse, sess.DID, did)
	}
	if err != nil {
		m.drop(ctx, sess, "invalid refresh response")
		refreshes.WithLabelValues("invalid").Inc()
		return nil, &RefreshError{Status: res.Status, Err: err}
	}

	updated := sess.Clone()
	updated.AccessToken = tok.AccessToken
	updated.RefreshToken = tok.RefreshToken
	if tok.Scope != "" {
		updated.Scope = tok.Scope
	}
	updated.IssuedAt = m.now()
	updated.AuthServerNonce = res.Nonce

	if err := m.Sessions.SaveSession(ctx, updated); err != nil {
		refreshes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("oauth: save refreshed session: %w", err)
	}
	refreshes.WithLabelValues("ok").Inc()
	m.logger().Debug("refreshed tokens", "deviceID", sess.DeviceID, "did", sess.DID)
	return updated, nil
}

// drop deletes a session that can no longer be refreshed.
func (m *Manager) drop(ctx context.Context, sess *Session, reason string) {
	m.logger().Info("dropping session", "deviceID", sess.DeviceID, "did", sess.DID, "reason", reason)
	if err := m.Sessions.DeleteSession(ctx, sess.DeviceID); err != nil {
		m.logger().Warn("failed to delete session", "deviceID", sess.DeviceID, "err", err)
	}
}

// Logout forgets the device's session. Logging out without a session is
// not an error.
func (m *Manager) Logout(ctx context.Context, deviceID string) error {
	if err := m.Sessions.DeleteSession(ctx, deviceID); err != nil && !errors.Is(err, ErrNoSession) {
		return fmt.Errorf("oauth: logout: %w", err)
	}
	return nil
}

// ResolveHandle fills in the session's handle from its DID document when
// it is not known yet. Lookup failures leave the handle empty.
func (m *Manager) ResolveHandle(ctx context.Context, sess *Session) *Session {
	if sess.Handle != "" || m.Identity == nil {
		return sess
	}
	ident, err := m.Identity.Lookup(ctx, sess.DID.String())
	if err != nil || ident == nil || ident.Handle == "" {
		if err != nil {
			m.logger().Debug("handle lookup failed", "did", sess.DID, "err", err)
		}
		return sess
	}

	updated := sess.Clone()
	updated.Handle = ident.Handle
	if err := m.Sessions.SaveSession(ctx, updated); err != nil {
		m.logger().Warn("failed to store handle", "deviceID", sess.DeviceID, "err", err)
	}
	return updated
}

// recordNonce persists the PDS nonce on the stored session so the next
// request after a restart starts with it. Only the nonce column is written;
// tokens saved by a concurrent refresh are left alone.
func (m *Manager) recordNonce(ctx context.Context, deviceID, nonce string) {
	err := m.Sessions.SaveNonce(ctx, deviceID, nonce)
	if err != nil && !errors.Is(err, ErrNoSession) {
		m.logger().Warn("failed to store DPoP nonce", "deviceID", deviceID, "err", err)
	}
}
