package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/go-querystring/query"

	"github.com/primal-host/skytry/internal/dpop"
)

const maxTokenResponseSize = 1 << 20

// formResult is the final response of a form POST, after at most one
// nonce retry.
type formResult struct {
	Status   int
	Body     []byte
	Nonce    string
	Attempts int
}

// errorBody decodes the OAuth error response, tolerating non-JSON bodies.
func (r *formResult) errorBody() errorBody {
	var eb errorBody
	_ = json.Unmarshal(r.Body, &eb)
	return eb
}

func (r *formResult) ok() bool {
	return r.Status >= 200 && r.Status < 300
}

// formPost describes one authorization server request.
type formPost struct {
	// Kind labels logs and metrics: par, token or refresh.
	Kind     string
	Endpoint string
	Form     any

	// Key signs DPoP proofs. When Unsigned is set the first attempt goes
	// out without a proof and only a nonce challenge adds one.
	Key      *dpop.Keypair
	Unsigned bool
	Nonce    string
}

// isNonceChallenge reports whether a response asks the client to retry
// with a fresh DPoP nonce.
func isNonceChallenge(status int, got, sent string) bool {
	if status != http.StatusBadRequest && status != http.StatusUnauthorized {
		return false
	}
	return got != "" && got != sent
}

// postForm sends p and retries exactly once when the server answers with a
// nonce challenge. The returned nonce is the newest one the server issued.
func postForm(ctx context.Context, client *http.Client, proofs dpop.Builder, logger *slog.Logger, p formPost) (*formResult, error) {
	vals, err := query.Values(p.Form)
	if err != nil {
		return nil, fmt.Errorf("oauth: %s: encode form: %w", p.Kind, err)
	}
	body := vals.Encode()

	nonce := p.Nonce
	sign := !p.Unsigned
	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, strings.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("oauth: %s: create request: %w", p.Kind, err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		if sign {
			proof, err := proofs.Build(p.Key, dpop.ProofParams{
				Method: http.MethodPost,
				URL:    p.Endpoint,
				Nonce:  nonce,
			})
			if err != nil {
				return nil, fmt.Errorf("oauth: %s: %w", p.Kind, err)
			}
			req.Header.Set("DPoP", proof)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("oauth: %s: POST %s: %w", p.Kind, p.Endpoint, err)
		}
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("oauth: %s: read response: %w", p.Kind, err)
		}

		issued := resp.Header.Get("DPoP-Nonce")
		if attempt == 1 && isNonceChallenge(resp.StatusCode, issued, nonce) {
			logger.Debug("retrying with server nonce", "kind", p.Kind, "endpoint", p.Endpoint, "statusCode", resp.StatusCode)
			nonceRetries.WithLabelValues(p.Kind).Inc()
			nonce = issued
			sign = true
			continue
		}
		if issued != "" {
			nonce = issued
		}

		return &formResult{
			Status:   resp.StatusCode,
			Body:     respBody,
			Nonce:    nonce,
			Attempts: attempt,
		}, nil
	}
}
