package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS256(t *testing.T) {
	// RFC 7636 appendix B
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		S256("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))
}

func TestBase64URLHasNoPadding(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("_-8", Base64URL([]byte{0xff, 0xef}))
	assert.NotContains(Base64URL([]byte("a")), "=")
}

func TestKeypairRoundTrip(t *testing.T) {
	require := require.New(t)

	kp, err := GenerateKeypair()
	require.NoError(err)

	pub := kp.PublicJWK()
	require.Equal("EC", pub["kty"])
	require.Equal("P-256", pub["crv"])
	require.NotContains(pub, "d", "public jwk must not leak the private scalar")

	data, err := json.Marshal(kp)
	require.NoError(err)
	require.Contains(string(data), `"d"`)

	var back Keypair
	require.NoError(json.Unmarshal(data, &back))
	require.Equal(pub, back.PublicJWK())
	require.True(kp.PrivateKey().Equal(back.PrivateKey()))

	tp1, err := kp.Thumbprint()
	require.NoError(err)
	tp2, err := back.Thumbprint()
	require.NoError(err)
	require.Equal(tp1, tp2)
}

func TestParseKeypairRejectsOtherCurves(t *testing.T) {
	assert := assert.New(t)

	_, err := ParseKeypair(nil)
	assert.ErrorIs(err, ErrConfiguration)

	_, err = ParseKeypair([]byte(`{"kty":"oct","k":"c2VjcmV0"}`))
	assert.ErrorIs(err, ErrConfiguration)

	_, err = ParseKeypair([]byte(`not json`))
	assert.Error(err)
}

func TestSignCompactJWT(t *testing.T) {
	require := require.New(t)

	kp, err := GenerateKeypair()
	require.NoError(err)

	header := map[string]any{"typ": "dpop+jwt", "alg": "ES256"}
	payload := map[string]any{"hello": "world"}
	signed, err := SignCompactJWT(header, payload, kp.PrivateKey())
	require.NoError(err)

	parts := strings.Split(signed, ".")
	require.Len(parts, 3)

	rawHeader, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(err)
	var gotHeader map[string]any
	require.NoError(json.Unmarshal(rawHeader, &gotHeader))
	require.Equal(header, gotHeader)

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	require.NoError(err)
	require.Len(sig, 64)

	// signature covers "<header>.<payload>"
	require.NoError(jwt.SigningMethodES256.Verify(parts[0]+"."+parts[1], sig, &kp.PrivateKey().PublicKey))
}

func TestSignCompactJWTErrors(t *testing.T) {
	assert := assert.New(t)

	kp, err := GenerateKeypair()
	require.NoError(t, err)

	_, err = SignCompactJWT(map[string]any{"alg": "ES256"}, map[string]any{}, nil)
	assert.ErrorIs(err, ErrSigning)

	_, err = SignCompactJWT(map[string]any{"alg": "HS256"}, map[string]any{}, kp.PrivateKey())
	assert.ErrorIs(err, ErrSigning)

	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	_, err = SignCompactJWT(map[string]any{"alg": "ES256"}, map[string]any{}, p384)
	assert.ErrorIs(err, ErrSigning)
}
