// Package dpop provides the cryptographic building blocks for DPoP-bound
// OAuth sessions: SHA-256 digests, base64url encoding, ES256 (P-256)
// keypairs that round-trip through JSON Web Key form, compact JWT signing,
// and the per-request proof-of-possession tokens themselves (RFC 9449).
//
// A Keypair is bound to one OAuth session for its whole lifetime. The
// authorization server pins issued tokens to the public key, so the key is
// persisted alongside the session and is only ever generated at sign-in.
package dpop

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ErrConfiguration is returned when key material is missing or incomplete,
// e.g. a public JWK without curve parameters.
var ErrConfiguration = errors.New("dpop: key material missing or incomplete")

// Digest returns the SHA-256 hash of b.
func Digest(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// Base64URL encodes b as unpadded base64url, the encoding used for every
// JWT segment and PKCE value.
func Base64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// S256 returns base64url(SHA-256(s)). It is both the PKCE S256 code
// challenge transform and the DPoP "ath" access-token hash.
func S256(s string) string {
	sum := Digest([]byte(s))
	return Base64URL(sum[:])
}

// Keypair is an ES256 signing key together with its exported public JWK.
type Keypair struct {
	private   *ecdsa.PrivateKey
	publicJWK map[string]any
}

// GenerateKeypair creates a fresh P-256 keypair.
func GenerateKeypair() (*Keypair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("dpop: generate key: %w", err)
	}
	return newKeypair(priv)
}

// ParseKeypair re-imports a keypair previously exported with MarshalJSON.
func ParseKeypair(data []byte) (*Keypair, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty private jwk", ErrConfiguration)
	}
	key, err := jwk.ParseKey(data)
	if err != nil {
		return nil, fmt.Errorf("dpop: parse private jwk: %w", err)
	}

	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("dpop: extract private key: %w", err)
	}
	priv, ok := raw.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: jwk is %T, want EC private key", ErrConfiguration, raw)
	}
	if priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: curve %s, want P-256", ErrConfiguration, priv.Curve.Params().Name)
	}
	return newKeypair(priv)
}

func newKeypair(priv *ecdsa.PrivateKey) (*Keypair, error) {
	key, err := jwk.FromRaw(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("dpop: public jwk: %w", err)
	}
	b, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("dpop: marshal public jwk: %w", err)
	}
	var pub map[string]any
	if err := json.Unmarshal(b, &pub); err != nil {
		return nil, fmt.Errorf("dpop: decode public jwk: %w", err)
	}
	return &Keypair{private: priv, publicJWK: pub}, nil
}

// PrivateKey returns the raw signing key.
func (k *Keypair) PrivateKey() *ecdsa.PrivateKey {
	return k.private
}

// PublicJWK returns a copy of the public key in JWK form, as embedded in
// the "jwk" header of every proof.
func (k *Keypair) PublicJWK() map[string]any {
	out := make(map[string]any, len(k.publicJWK))
	for name, v := range k.publicJWK {
		out[name] = v
	}
	return out
}

// Thumbprint returns the RFC 7638 SHA-256 thumbprint of the public key,
// base64url encoded. It is stable for the lifetime of the keypair.
func (k *Keypair) Thumbprint() (string, error) {
	key, err := jwk.FromRaw(&k.private.PublicKey)
	if err != nil {
		return "", fmt.Errorf("dpop: thumbprint: %w", err)
	}
	sum, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("dpop: thumbprint: %w", err)
	}
	return Base64URL(sum), nil
}

// MarshalJSON exports the private key as a JWK so it can be persisted
// with the session.
func (k *Keypair) MarshalJSON() ([]byte, error) {
	if k == nil || k.private == nil {
		return nil, ErrConfiguration
	}
	key, err := jwk.FromRaw(k.private)
	if err != nil {
		return nil, fmt.Errorf("dpop: private jwk: %w", err)
	}
	return json.Marshal(key)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (k *Keypair) UnmarshalJSON(data []byte) error {
	parsed, err := ParseKeypair(data)
	if err != nil {
		return err
	}
	*k = *parsed
	return nil
}
