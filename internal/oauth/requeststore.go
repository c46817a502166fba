package oauth

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/primal-host/skytry/internal/dpop"
)

// DefaultAuthRequestTTL bounds how long a sign-in may wait at the
// authorization server before its exchange state is discarded.
const DefaultAuthRequestTTL = 10 * time.Minute

// AuthRequest is the PKCE exchange state kept between the pushed
// authorization request and the callback.
type AuthRequest struct {
	DeviceID      string
	State         string
	CodeVerifier  string
	CodeChallenge string
	Issuer        string
	TokenEndpoint string
	RequestURI    string
	PDSURL        string
	LoginHint     string
	PARNonce      string
	DPoPKey       *dpop.Keypair
	Flow          FlowState
	CreatedAt     time.Time
}

// AuthRequestStore holds at most one pending request per device.
type AuthRequestStore interface {
	SaveAuthRequest(ctx context.Context, req *AuthRequest) error
	GetAuthRequest(ctx context.Context, deviceID string) (*AuthRequest, error)
	DeleteAuthRequest(ctx context.Context, deviceID string) error
}

// CacheRequestStore keeps pending requests in an expiring LRU. Abandoned
// sign-ins age out after the TTL.
type CacheRequestStore struct {
	cache *expirable.LRU[string, *AuthRequest]
}

// NewCacheRequestStore returns a store holding up to size pending requests.
func NewCacheRequestStore(size int, ttl time.Duration) *CacheRequestStore {
	if ttl <= 0 {
		ttl = DefaultAuthRequestTTL
	}
	return &CacheRequestStore{cache: expirable.NewLRU[string, *AuthRequest](size, nil, ttl)}
}

// SaveAuthRequest replaces any pending request for the same device.
func (s *CacheRequestStore) SaveAuthRequest(_ context.Context, req *AuthRequest) error {
	cp := *req
	s.cache.Add(req.DeviceID, &cp)
	return nil
}

func (s *CacheRequestStore) GetAuthRequest(_ context.Context, deviceID string) (*AuthRequest, error) {
	req, ok := s.cache.Get(deviceID)
	if !ok {
		return nil, ErrAuthRequestNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *CacheRequestStore) DeleteAuthRequest(_ context.Context, deviceID string) error {
	s.cache.Remove(deviceID)
	return nil
}

// Len reports the number of pending requests.
func (s *CacheRequestStore) Len() int {
	return s.cache.Len()
}
