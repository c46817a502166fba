package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// DefaultScope is requested when the configuration names no scope.
const DefaultScope = "atproto repo:site.standard.document repo:com.atproto.repo.record transition:generic"

// ClientMetadataPath is where the client metadata document is served,
// relative to the public URL. The document URL is the client_id.
const ClientMetadataPath = "/oauth-client-metadata.json"

// CallbackPath receives the authorization server redirect.
const CallbackPath = "/oauth/callback"

const maxMetadataSize = 1 << 20

// ClientConfig identifies this application to authorization servers.
type ClientConfig struct {
	ClientID    string
	RedirectURI string
	ClientURI   string
	ClientName  string
	Scope       string
}

// NewClientConfig derives a public client's identifiers from the URL the
// application is served at.
func NewClientConfig(publicURL, clientName, scope string) ClientConfig {
	base := strings.TrimRight(publicURL, "/")
	if scope == "" {
		scope = DefaultScope
	}
	return ClientConfig{
		ClientID:    base + ClientMetadataPath,
		RedirectURI: base + CallbackPath,
		ClientURI:   base + "/",
		ClientName:  clientName,
		Scope:       scope,
	}
}

// ClientMetadata is the document published at the client_id URL.
type ClientMetadata struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	ApplicationType         string   `json:"application_type"`
	GrantTypes              []string `json:"grant_types"`
	Scope                   string   `json:"scope"`
	ResponseTypes           []string `json:"response_types"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	DPoPBoundAccessTokens   bool     `json:"dpop_bound_access_tokens"`
}

// Metadata returns the client metadata document for c.
func (c ClientConfig) Metadata() ClientMetadata {
	return ClientMetadata{
		ClientID:                c.ClientID,
		ClientName:              c.ClientName,
		ClientURI:               c.ClientURI,
		ApplicationType:         "web",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		Scope:                   c.Scope,
		ResponseTypes:           []string{"code"},
		RedirectURIs:            []string{c.RedirectURI},
		TokenEndpointAuthMethod: "none",
		DPoPBoundAccessTokens:   true,
	}
}

// ProtectedResourceMetadata is served by a PDS at
// /.well-known/oauth-protected-resource.
type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
}

// AuthServerMetadata is served by an authorization server at
// /.well-known/oauth-authorization-server.
type AuthServerMetadata struct {
	Issuer                             string   `json:"issuer"`
	AuthorizationEndpoint              string   `json:"authorization_endpoint"`
	TokenEndpoint                      string   `json:"token_endpoint"`
	PushedAuthorizationRequestEndpoint string   `json:"pushed_authorization_request_endpoint"`
	ScopesSupported                    []string `json:"scopes_supported,omitempty"`
	DPoPSigningAlgValuesSupported      []string `json:"dpop_signing_alg_values_supported,omitempty"`
	CodeChallengeMethodsSupported      []string `json:"code_challenge_methods_supported,omitempty"`
}

// Validate checks the fields the flow depends on. serverURL is the URL the
// document was fetched from; the issuer must share its origin.
func (m *AuthServerMetadata) Validate(serverURL string) error {
	if m.Issuer == "" {
		return fmt.Errorf("%w: empty issuer", ErrDiscovery)
	}
	iss, err := url.Parse(m.Issuer)
	if err != nil {
		return fmt.Errorf("%w: invalid issuer URL: %w", ErrDiscovery, err)
	}
	srv, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("%w: invalid request URL: %w", ErrDiscovery, err)
	}
	if iss.Scheme != srv.Scheme || iss.Host != srv.Host {
		return fmt.Errorf("%w: issuer %s does not match %s", ErrDiscovery, m.Issuer, serverURL)
	}

	for name, endpoint := range map[string]string{
		"authorization_endpoint":                m.AuthorizationEndpoint,
		"token_endpoint":                        m.TokenEndpoint,
		"pushed_authorization_request_endpoint": m.PushedAuthorizationRequestEndpoint,
	} {
		if endpoint == "" {
			return fmt.Errorf("%w: %s is required", ErrDiscovery, name)
		}
		u, err := url.Parse(endpoint)
		if err != nil || u.Host == "" || u.Fragment != "" {
			return fmt.Errorf("%w: invalid %s: %s", ErrDiscovery, name, endpoint)
		}
	}

	if len(m.DPoPSigningAlgValuesSupported) > 0 && !slices.Contains(m.DPoPSigningAlgValuesSupported, "ES256") {
		return fmt.Errorf("%w: dpop_signing_alg_values_supported must include ES256", ErrDiscovery)
	}
	if len(m.CodeChallengeMethodsSupported) > 0 && !slices.Contains(m.CodeChallengeMethodsSupported, "S256") {
		return fmt.Errorf("%w: code_challenge_methods_supported must include S256", ErrDiscovery)
	}
	return nil
}

// Discover finds the authorization server for a PDS and returns its
// validated metadata.
func (f *Flow) Discover(ctx context.Context, pdsURL string) (*AuthServerMetadata, error) {
	pdsURL = strings.TrimRight(pdsURL, "/")

	var resource ProtectedResourceMetadata
	if err := f.getJSON(ctx, pdsURL+"/.well-known/oauth-protected-resource", &resource); err != nil {
		return nil, err
	}
	if len(resource.AuthorizationServers) == 0 || resource.AuthorizationServers[0] == "" {
		return nil, fmt.Errorf("%w: %s lists no authorization server", ErrDiscovery, pdsURL)
	}

	authServer := strings.TrimRight(resource.AuthorizationServers[0], "/")
	var meta AuthServerMetadata
	if err := f.getJSON(ctx, authServer+"/.well-known/oauth-authorization-server", &meta); err != nil {
		return nil, err
	}
	if err := meta.Validate(authServer); err != nil {
		return nil, err
	}

	f.logger().Debug("discovered authorization server", "pds", pdsURL, "authServer", meta.Issuer)
	return &meta, nil
}

func (f *Flow) getJSON(ctx context.Context, docURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %w", ErrDiscovery, docURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: GET %s: HTTP %d", ErrDiscovery, docURL, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataSize)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrDiscovery, docURL, err)
	}
	return nil
}
