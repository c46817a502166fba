// Package oauth implements the atproto OAuth client: discovery, pushed
// authorization requests with PKCE, DPoP-bound token exchange, refresh, and
// authenticated requests to the account's PDS.
//
// All token endpoint calls and resource requests share one retry rule: a
// 400 or 401 that carries a DPoP-Nonce different from the one sent is
// retried exactly once with a proof bound to the new nonce. Anything else,
// including a second challenge, is returned to the caller.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/primal-host/skytry/internal/dpop"
)

// Flow runs the browser sign-in. One Flow serves every device.
type Flow struct {
	Client   ClientConfig
	HTTP     *http.Client
	Requests AuthRequestStore
	Sessions SessionStore
	Proofs   dpop.Builder
	Now      func() time.Time
	Logger   *slog.Logger
}

// NewFlow returns a Flow with default clock and logger.
func NewFlow(client ClientConfig, httpClient *http.Client, requests AuthRequestStore, sessions SessionStore) *Flow {
	return &Flow{
		Client:   client,
		HTTP:     httpClient,
		Requests: requests,
		Sessions: sessions,
		Logger:   slog.Default(),
	}
}

func (f *Flow) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

func (f *Flow) httpClient() *http.Client {
	if f.HTTP != nil {
		return f.HTTP
	}
	return http.DefaultClient
}

func (f *Flow) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// transition records a state change for logs and metrics.
func (f *Flow) transition(req *AuthRequest, to FlowState) {
	if !req.Flow.next(to) {
		f.logger().Warn("unexpected sign-in transition", "from", req.Flow, "to", to, "deviceID", req.DeviceID)
	}
	req.Flow = to
	flowTransitions.WithLabelValues(to.String()).Inc()
}

// StartParams begins a sign-in for one device.
type StartParams struct {
	PDSURL    string
	LoginHint string
	DeviceID  string
}

// StartAuth discovers the authorization server, submits the pushed
// authorization request and stores the exchange state. It returns the URL
// to send the browser to. A pending sign-in for the same device is
// replaced.
func (f *Flow) StartAuth(ctx context.Context, p StartParams) (string, error) {
	if p.DeviceID == "" {
		return "", errors.New("oauth: start: empty device id")
	}
	req := &AuthRequest{
		DeviceID:  p.DeviceID,
		PDSURL:    strings.TrimRight(p.PDSURL, "/"),
		LoginHint: p.LoginHint,
		Flow:      FlowIdle,
		CreatedAt: f.now(),
	}

	meta, err := f.Discover(ctx, req.PDSURL)
	if err != nil {
		f.transition(req, FlowFailed)
		return "", err
	}
	f.transition(req, FlowMetadataDiscovered)
	req.Issuer = meta.Issuer
	req.TokenEndpoint = meta.TokenEndpoint

	if err := f.preparePKCE(req); err != nil {
		f.transition(req, FlowFailed)
		return "", err
	}

	res, err := postForm(ctx, f.httpClient(), f.Proofs, f.logger(), formPost{
		Kind:     "par",
		Endpoint: meta.PushedAuthorizationRequestEndpoint,
		Form: parRequest{
			ResponseType:        "code",
			CodeChallengeMethod: "S256",
			Scope:               f.Client.Scope,
			ClientID:            f.Client.ClientID,
			RedirectURI:         f.Client.RedirectURI,
			CodeChallenge:       req.CodeChallenge,
			State:               req.State,
			LoginHint:           p.LoginHint,
		},
		Key:      req.DPoPKey,
		Unsigned: true,
	})
	if err != nil {
		f.transition(req, FlowFailed)
		return "", err
	}
	if !res.ok() {
		f.transition(req, FlowFailed)
		eb := res.errorBody()
		f.logger().Warn("PAR request failed", "authServer", meta.Issuer, "statusCode", res.Status, "error", eb.Error)
		return "", &AuthorizationRequestError{Status: res.Status, Code: eb.Error, Description: eb.ErrorDescription}
	}

	var par parResponse
	if err := json.Unmarshal(res.Body, &par); err != nil || par.RequestURI == "" {
		f.transition(req, FlowFailed)
		return "", &AuthorizationRequestError{Status: res.Status, Code: "invalid_response", Description: "authorization server returned no request_uri"}
	}
	f.transition(req, FlowPARSubmitted)
	req.RequestURI = par.RequestURI
	req.PARNonce = res.Nonce

	authURL, err := authorizationURL(meta.AuthorizationEndpoint, f.Client.ClientID, par.RequestURI)
	if err != nil {
		f.transition(req, FlowFailed)
		return "", err
	}

	f.transition(req, FlowRedirected)
	if err := f.Requests.SaveAuthRequest(ctx, req); err != nil {
		return "", fmt.Errorf("oauth: save auth request: %w", err)
	}

	f.logger().Info("sign-in started", "deviceID", p.DeviceID, "authServer", meta.Issuer)
	return authURL, nil
}

// preparePKCE fills in state, verifier, challenge and a fresh DPoP key.
func (f *Flow) preparePKCE(req *AuthRequest) error {
	stateBytes := make([]byte, 32)
	if _, err := rand.Read(stateBytes); err != nil {
		return fmt.Errorf("oauth: generate state: %w", err)
	}
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return fmt.Errorf("oauth: generate verifier: %w", err)
	}
	key, err := dpop.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("oauth: %w", err)
	}

	req.State = hex.EncodeToString(stateBytes)
	req.CodeVerifier = dpop.Base64URL(verifierBytes)
	req.CodeChallenge = dpop.S256(req.CodeVerifier)
	req.DPoPKey = key
	return nil
}

func authorizationURL(endpoint, clientID, requestURI string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: invalid authorization endpoint: %w", ErrDiscovery, err)
	}
	q := u.Query()
	q.Set("client_id", clientID)
	q.Set("request_uri", requestURI)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CallbackParams carries the redirect query parameters for one device.
type CallbackParams struct {
	DeviceID string
	State    string
	Code     string
	Issuer   string

	// Error is the error parameter sent instead of a code.
	Error string
}

// HandleCallback validates the redirect against the device's pending
// request, exchanges the code and stores the new session. The pending
// request is consumed whether or not the callback is valid, so a replayed
// or reloaded callback always fails with ErrCallbackValidation.
func (f *Flow) HandleCallback(ctx context.Context, p CallbackParams) (*Session, error) {
	req, err := f.Requests.GetAuthRequest(ctx, p.DeviceID)
	if delErr := f.Requests.DeleteAuthRequest(ctx, p.DeviceID); delErr != nil {
		f.logger().Warn("failed to delete auth request", "deviceID", p.DeviceID, "err", delErr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: no pending sign-in", ErrCallbackValidation)
	}

	if err := validateCallback(req, p); err != nil {
		f.transition(req, FlowFailed)
		return nil, err
	}
	f.transition(req, FlowCallbackReceived)

	res, err := postForm(ctx, f.httpClient(), f.Proofs, f.logger(), formPost{
		Kind:     "token",
		Endpoint: req.TokenEndpoint,
		Form: authCodeRequest{
			GrantType:    "authorization_code",
			Code:         p.Code,
			RedirectURI:  f.Client.RedirectURI,
			ClientID:     f.Client.ClientID,
			CodeVerifier: req.CodeVerifier,
		},
		Key:   req.DPoPKey,
		Nonce: req.PARNonce,
	})
	if err != nil {
		f.transition(req, FlowFailed)
		return nil, err
	}
	if !res.ok() {
		f.transition(req, FlowFailed)
		eb := res.errorBody()
		f.logger().Warn("initial token request failed", "authServer", req.Issuer, "statusCode", res.Status, "error", eb.Error)
		return nil, &TokenExchangeError{Status: res.Status, Code: eb.Error, Description: eb.ErrorDescription}
	}

	tok, did, err := decodeTokenResponse(res.Body)
	if err != nil {
		f.transition(req, FlowFailed)
		return nil, err
	}
	f.transition(req, FlowTokenExchanged)

	sess := &Session{
		DeviceID:         p.DeviceID,
		DID:              did,
		PDSURL:           req.PDSURL,
		AuthServerIssuer: req.Issuer,
		TokenEndpoint:    req.TokenEndpoint,
		AccessToken:      tok.AccessToken,
		RefreshToken:     tok.RefreshToken,
		Scope:            tok.Scope,
		IssuedAt:         f.now(),
		DPoPKey:          req.DPoPKey,
		AuthServerNonce:  res.Nonce,
	}
	if err := f.Sessions.SaveSession(ctx, sess); err != nil {
		f.transition(req, FlowFailed)
		return nil, fmt.Errorf("oauth: save session: %w", err)
	}
	f.transition(req, FlowActive)

	f.logger().Info("sign-in complete", "deviceID", p.DeviceID, "did", did)
	return sess, nil
}

func validateCallback(req *AuthRequest, p CallbackParams) error {
	switch {
	case p.Error != "":
		return fmt.Errorf("%w: authorization server returned %s", ErrCallbackValidation, p.Error)
	case p.State == "" || subtle.ConstantTimeCompare([]byte(p.State), []byte(req.State)) != 1:
		return fmt.Errorf("%w: state mismatch", ErrCallbackValidation)
	case p.Issuer != "" && p.Issuer != req.Issuer:
		return fmt.Errorf("%w: issuer mismatch", ErrCallbackValidation)
	case p.Code == "":
		return fmt.Errorf("%w: missing code", ErrCallbackValidation)
	}
	return nil
}
