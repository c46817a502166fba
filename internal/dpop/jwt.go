package dpop

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// AlgES256 is the only JWS algorithm used for DPoP proofs.
const AlgES256 = "ES256"

// ErrSigning is returned when a compact JWT cannot be produced with the
// given key (nil, wrong curve, or an algorithm other than ES256).
var ErrSigning = errors.New("dpop: signing failed")

// SignCompactJWT signs payload with key and returns the compact
// serialization base64url(header).base64url(payload).base64url(signature).
// The signature covers the ASCII bytes of the first two dot-joined
// segments. header must declare alg ES256; typ and any other members are
// passed through unchanged.
func SignCompactJWT(header, payload map[string]any, key *ecdsa.PrivateKey) (string, error) {
	if key == nil {
		return "", fmt.Errorf("%w: no private key", ErrSigning)
	}
	if alg, _ := header["alg"].(string); alg != AlgES256 {
		return "", fmt.Errorf("%w: unsupported alg %q", ErrSigning, header["alg"])
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims(payload))
	token.Header = make(map[string]any, len(header))
	for name, v := range header {
		token.Header[name] = v
	}

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSigning, err)
	}
	return signed, nil
}
