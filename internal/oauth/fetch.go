package oauth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/bluesky-social/indigo/atproto/atclient"
	"github.com/bluesky-social/indigo/atproto/syntax"

	"github.com/primal-host/skytry/internal/dpop"
)

// Client sends DPoP-authenticated requests on behalf of one device. It is
// the atclient.AuthMethod behind the XRPC client.
type Client struct {
	Manager  *Manager
	DeviceID string
	HTTP     *http.Client

	nonces *NonceStore
}

var _ atclient.AuthMethod = (*Client)(nil)

// AuthClient returns an authenticated client bound to deviceID.
func (m *Manager) AuthClient(deviceID string) *Client {
	return &Client{
		Manager:  m,
		DeviceID: deviceID,
		HTTP:     m.HTTP,
		nonces:   NewNonceStore(),
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// DoWithAuth implements atclient.AuthMethod. httpClient, when set, carries
// the request instead of c.HTTP.
func (c *Client) DoWithAuth(httpClient *http.Client, req *http.Request, _ syntax.NSID) (*http.Response, error) {
	if httpClient == nil {
		httpClient = c.httpClient()
	}
	return c.do(httpClient, req)
}

// Do sends req with the session's access token and a fresh DPoP proof.
// The token is refreshed first when it is due. A 401 (or 400) carrying a
// new DPoP-Nonce is retried once with that nonce; any other response,
// including a second challenge, is returned as is. Do returns ErrNoSession
// when the device is signed out, and the refresh error when the session had
// to be dropped.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.do(c.httpClient(), req)
}

func (c *Client) do(httpClient *http.Client, req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	sess, err := c.Manager.Session(ctx, c.DeviceID)
	if err != nil {
		return nil, err
	}
	sess, err = c.Manager.EnsureFresh(ctx, sess)
	if err != nil {
		return nil, err
	}

	var body []byte
	if req.Body != nil {
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("oauth: buffer request body: %w", err)
		}
	}

	origin := originOf(req.URL.String())
	pdsOrigin := originOf(sess.PDSURL)
	if origin == pdsOrigin && c.nonces.Get(origin) == "" {
		c.nonces.Set(origin, sess.DPoPNonce)
	}
	htu := proofTarget(req.URL)

	for attempt := 1; ; attempt++ {
		sent := c.nonces.Get(origin)
		resp, err := c.send(ctx, httpClient, req, body, sess, htu, sent)
		if err != nil {
			return nil, err
		}

		issued := resp.Header.Get("DPoP-Nonce")
		c.nonces.Set(origin, issued)

		if attempt == 1 && isNonceChallenge(resp.StatusCode, issued, sent) {
			c.Manager.logger().Debug("retrying with server nonce", "kind", "resource", "url", htu, "statusCode", resp.StatusCode)
			nonceRetries.WithLabelValues("resource").Inc()
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			continue
		}

		if latest := c.nonces.Get(origin); origin == pdsOrigin && latest != sess.DPoPNonce {
			c.Manager.recordNonce(ctx, c.DeviceID, latest)
		}
		return resp, nil
	}
}

func (c *Client) send(ctx context.Context, httpClient *http.Client, orig *http.Request, body []byte, sess *Session, htu, nonce string) (*http.Response, error) {
	req := orig.Clone(ctx)
	if body != nil {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	proof, err := c.Manager.Proofs.Build(sess.DPoPKey, dpop.ProofParams{
		Method:      req.Method,
		URL:         htu,
		Nonce:       nonce,
		AccessToken: sess.AccessToken,
	})
	if err != nil {
		return nil, fmt.Errorf("oauth: %w", err)
	}
	req.Header.Set("Authorization", "DPoP "+sess.AccessToken)
	req.Header.Set("DPoP", proof)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: %s %s: %w", req.Method, htu, err)
	}
	return resp, nil
}

// proofTarget is the htu for a resource request: the URL without query or
// fragment.
func proofTarget(u *url.URL) string {
	cp := *u
	cp.RawQuery = ""
	cp.Fragment = ""
	cp.RawFragment = ""
	return cp.String()
}
