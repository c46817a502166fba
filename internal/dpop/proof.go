package dpop

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProofType is the "typ" header value of a DPoP proof.
const ProofType = "dpop+jwt"

// ProofParams describes the request a proof is bound to.
type ProofParams struct {
	// Method is the HTTP method; it is upper-cased into the htm claim.
	Method string

	// URL is the full request URL. Any fragment is stripped for htu.
	URL string

	// Nonce is the most recent server-issued DPoP-Nonce, if any.
	Nonce string

	// AccessToken, when set, is hashed into the ath claim. Leave empty
	// for token-endpoint requests.
	AccessToken string
}

// Builder signs DPoP proofs. The zero value uses the wall clock.
type Builder struct {
	Now func() time.Time
}

// BuildProof signs a proof with the default Builder.
func BuildProof(key *Keypair, p ProofParams) (string, error) {
	var b Builder
	return b.Build(key, p)
}

// Build returns a freshly signed proof for p. Every call carries a new
// random jti, so two proofs for the same request never collide.
func (b Builder) Build(key *Keypair, p ProofParams) (string, error) {
	if key == nil || key.private == nil {
		return "", fmt.Errorf("%w: no dpop key", ErrConfiguration)
	}
	pub := key.PublicJWK()
	if err := checkPublicJWK(pub); err != nil {
		return "", err
	}

	htu, err := stripFragment(p.URL)
	if err != nil {
		return "", err
	}

	now := time.Now
	if b.Now != nil {
		now = b.Now
	}

	header := map[string]any{
		"typ": ProofType,
		"alg": AlgES256,
		"jwk": pub,
	}
	payload := map[string]any{
		"jti": uuid.NewString(),
		"htm": strings.ToUpper(p.Method),
		"htu": htu,
		"iat": now().Unix(),
	}
	if p.Nonce != "" {
		payload["nonce"] = p.Nonce
	}
	if p.AccessToken != "" {
		payload["ath"] = S256(p.AccessToken)
	}

	return SignCompactJWT(header, payload, key.private)
}

// checkPublicJWK verifies that the key was exported with its curve
// parameters rather than handed over as an opaque handle.
func checkPublicJWK(pub map[string]any) error {
	for _, name := range []string{"kty", "crv", "x", "y"} {
		v, _ := pub[name].(string)
		if v == "" {
			return fmt.Errorf("%w: public jwk missing %q", ErrConfiguration, name)
		}
	}
	return nil
}

func stripFragment(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("dpop: parse htu %q: %w", raw, err)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}
