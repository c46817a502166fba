package oauth

import (
	"encoding/json"
	"fmt"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// Form bodies are URL-encoded with go-querystring.

type parRequest struct {
	ResponseType        string `url:"response_type"`
	CodeChallengeMethod string `url:"code_challenge_method"`
	Scope               string `url:"scope"`
	ClientID            string `url:"client_id"`
	RedirectURI         string `url:"redirect_uri"`
	CodeChallenge       string `url:"code_challenge"`
	State               string `url:"state"`
	LoginHint           string `url:"login_hint,omitempty"`
}

type parResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

type authCodeRequest struct {
	GrantType    string `url:"grant_type"`
	Code         string `url:"code"`
	RedirectURI  string `url:"redirect_uri"`
	ClientID     string `url:"client_id"`
	CodeVerifier string `url:"code_verifier"`
}

type refreshRequest struct {
	GrantType    string `url:"grant_type"`
	RefreshToken string `url:"refresh_token"`
	ClientID     string `url:"client_id"`
}

// tokenResponse is returned by the token endpoint for both grants.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	Subject      string `json:"sub"`
	ExpiresIn    int    `json:"expires_in"`
}

// decodeTokenResponse parses body and checks that both tokens and a DID
// subject are present.
func decodeTokenResponse(body []byte) (*tokenResponse, syntax.DID, error) {
	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidTokenResponse, err)
	}
	switch {
	case tok.AccessToken == "":
		return nil, "", fmt.Errorf("%w: missing access_token", ErrInvalidTokenResponse)
	case tok.RefreshToken == "":
		return nil, "", fmt.Errorf("%w: missing refresh_token", ErrInvalidTokenResponse)
	case tok.Subject == "":
		return nil, "", fmt.Errorf("%w: missing sub", ErrInvalidTokenResponse)
	}
	did, err := syntax.ParseDID(tok.Subject)
	if err != nil {
		return nil, "", fmt.Errorf("%w: sub is not a DID: %s", ErrInvalidTokenResponse, tok.Subject)
	}
	return &tok, did, nil
}
