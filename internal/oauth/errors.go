package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
)

var (
	// ErrNoAuthorizationServer means discovery found nothing to authorize
	// against.
	ErrNoAuthorizationServer = errors.New("no authorization server metadata discovered")

	// ErrStateMismatch is returned when a callback carries the wrong state.
	ErrStateMismatch = errors.New("state mismatch (CSRF protection)")

	// ErrNoRefreshToken is returned by RefreshToken when none is stored.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrPKCENotSupported is returned when the server advertises PKCE methods
	// without S256.
	ErrPKCENotSupported = errors.New("authorization server does not support S256 PKCE")

	// ErrStepUpExhausted is returned once step-up retries are used up.
	ErrStepUpExhausted = errors.New("step-up authorization retries exhausted")
)

// Error is an RFC 6749 error response.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	// StatusCode is the HTTP status the error came with, when known.
	StatusCode int `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("oauth error: ")
	b.WriteString(e.Code)
	if e.Description != "" {
		b.WriteString(" - ")
		b.WriteString(e.Description)
	}
	if e.URI != "" {
		fmt.Fprintf(&b, " (%s)", e.URI)
	}
	return b.String()
}

// parseErrorBody turns an error response body into an *Error when it has the
// RFC 6749 shape.
func parseErrorBody(status int, body []byte) error {
	var e Error
	if err := json.Unmarshal(body, &e); err == nil && e.Code != "" {
		e.StatusCode = status
		return &e
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("request failed with status %d", status)
	}
	return fmt.Errorf("request failed with status %d: %s", status, msg)
}

// fromRetrieveError converts x/oauth2 token endpoint failures.
func fromRetrieveError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	if re.ErrorCode != "" {
		return &Error{Code: re.ErrorCode, Description: re.ErrorDescription, URI: re.ErrorURI, StatusCode: status}
	}
	return parseErrorBody(status, re.Body)
}
