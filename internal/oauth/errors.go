package oauth

import (
	"errors"
	"fmt"
)

// Sentinel errors for the sign-in flow and session lifecycle.
var (
	ErrDiscovery            = errors.New("oauth: metadata discovery failed")
	ErrCallbackValidation   = errors.New("oauth: callback validation failed")
	ErrInvalidTokenResponse = errors.New("oauth: invalid token response")
	ErrNoSession            = errors.New("oauth: no session")
	ErrAuthRequestNotFound  = errors.New("oauth: auth request not found")
)

// errorBody is the RFC 6749 error response body.
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// serverError is implemented by errors that carry an authorization server's
// error response.
type serverError interface {
	error
	serverDescription() string
}

// AuthorizationRequestError is a non-2xx answer to the pushed authorization
// request.
type AuthorizationRequestError struct {
	Status      int
	Code        string
	Description string
}

func (e *AuthorizationRequestError) Error() string {
	return formatServerError("oauth: authorization request", e.Status, e.Code, e.Description)
}

func (e *AuthorizationRequestError) serverDescription() string { return e.Description }

// TokenExchangeError is a non-2xx answer to the authorization code grant.
type TokenExchangeError struct {
	Status      int
	Code        string
	Description string
}

func (e *TokenExchangeError) Error() string {
	return formatServerError("oauth: token exchange", e.Status, e.Code, e.Description)
}

func (e *TokenExchangeError) serverDescription() string { return e.Description }

// RefreshError is a terminal refresh failure. The session it was raised for
// has already been deleted.
type RefreshError struct {
	Status      int
	Code        string
	Description string

	// Err is set when the failure was not an HTTP error status, for example
	// a response missing its tokens.
	Err error
}

func (e *RefreshError) Error() string {
	if e.Err != nil {
		return "oauth: refresh: " + e.Err.Error()
	}
	return formatServerError("oauth: refresh", e.Status, e.Code, e.Description)
}

func (e *RefreshError) Unwrap() error { return e.Err }

func (e *RefreshError) serverDescription() string { return e.Description }

func formatServerError(prefix string, status int, code, desc string) string {
	switch {
	case code != "" && desc != "":
		return fmt.Sprintf("%s: HTTP %d: %s: %s", prefix, status, code, desc)
	case code != "":
		return fmt.Sprintf("%s: HTTP %d: %s", prefix, status, code)
	}
	return fmt.Sprintf("%s: HTTP %d", prefix, status)
}

// UserMessage renders err as one line for the person signing in. A server
// supplied error_description wins over generic text.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var se serverError
	if errors.As(err, &se) && se.serverDescription() != "" {
		return se.serverDescription()
	}

	var rerr *RefreshError
	switch {
	case errors.As(err, &rerr):
		return "Your session has expired. Please sign in again."
	case errors.Is(err, ErrDiscovery):
		return "Could not find the sign-in server for this account."
	case errors.Is(err, ErrCallbackValidation):
		return "Sign-in could not be completed. Please try again."
	case errors.Is(err, ErrNoSession):
		return "You are not signed in."
	}

	var aerr *AuthorizationRequestError
	var terr *TokenExchangeError
	switch {
	case errors.As(err, &aerr) && aerr.Code != "":
		return "Sign-in was refused: " + aerr.Code
	case errors.As(err, &terr) && terr.Code != "":
		return "Sign-in was refused: " + terr.Code
	}
	return "Sign-in failed."
}
