package oauth

import (
	"context"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"github.com/primal-host/skytry/internal/dpop"
)

// Session is a signed-in device. Tokens are bound to DPoPKey for the whole
// lifetime of the session.
type Session struct {
	DeviceID string
	DID      syntax.DID

	// Handle is resolved lazily and may be empty.
	Handle string

	PDSURL           string
	AuthServerIssuer string
	TokenEndpoint    string
	AccessToken      string
	RefreshToken     string
	Scope            string
	IssuedAt         time.Time
	DPoPKey          *dpop.Keypair

	// DPoPNonce is the last nonce seen from the PDS; AuthServerNonce the
	// last one seen from the token endpoint.
	DPoPNonce       string
	AuthServerNonce string
}

// Clone returns a copy that can be mutated without affecting s. The key is
// shared; keypairs are never modified.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// Snapshot is the read-only view handed to the browser.
type Snapshot struct {
	DID    string `json:"did"`
	Handle string `json:"handle,omitempty"`
	PDS    string `json:"pds"`
}

// Snapshot returns the public fields of s.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{DID: s.DID.String(), Handle: s.Handle, PDS: s.PDSURL}
}

// SessionStore persists one session per device. GetSession and SaveNonce
// return ErrNoSession when the device has none.
type SessionStore interface {
	GetSession(ctx context.Context, deviceID string) (*Session, error)
	SaveSession(ctx context.Context, sess *Session) error
	DeleteSession(ctx context.Context, deviceID string) error

	// SaveNonce updates only the stored PDS nonce.
	SaveNonce(ctx context.Context, deviceID, nonce string) error
}

// MemSessionStore is an in-process SessionStore.
type MemSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemSessionStore() *MemSessionStore {
	return &MemSessionStore{sessions: make(map[string]*Session)}
}

func (m *MemSessionStore) GetSession(_ context.Context, deviceID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[deviceID]
	if !ok {
		return nil, ErrNoSession
	}
	return sess.Clone(), nil
}

func (m *MemSessionStore) SaveSession(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.DeviceID] = sess.Clone()
	return nil
}

func (m *MemSessionStore) SaveNonce(_ context.Context, deviceID, nonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[deviceID]
	if !ok {
		return ErrNoSession
	}
	cp := sess.Clone()
	cp.DPoPNonce = nonce
	m.sessions[deviceID] = cp
	return nil
}

func (m *MemSessionStore) DeleteSession(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, deviceID)
	return nil
}
