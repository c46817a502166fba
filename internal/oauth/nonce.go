package oauth

import (
	"net/url"
	"sync"
)

// NonceStore remembers the most recent DPoP nonce per origin. Writes are
// last-write-wins; a stale read costs at most one extra retry.
type NonceStore struct {
	mu     sync.Mutex
	nonces map[string]string
}

func NewNonceStore() *NonceStore {
	return &NonceStore{nonces: make(map[string]string)}
}

func (n *NonceStore) Get(origin string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nonces[origin]
}

// Set records nonce for origin. Empty nonces are ignored.
func (n *NonceStore) Set(origin, nonce string) {
	if nonce == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nonces[origin] = nonce
}

// originOf returns scheme://host of u, or "" for an unparseable URL.
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
