package transport

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrClosed is returned for sends on a transport that has been closed,
	// including sends that were in flight when Close was called.
	ErrClosed = errors.New("transport closed")

	// ErrProcessExited is the close cause reported when a stdio server exits.
	ErrProcessExited = errors.New("server process exited")

	// ErrStreamClosed is the close cause reported when the server ends an SSE
	// event stream.
	ErrStreamClosed = errors.New("event stream closed by server")
)

// UnauthorizedError is returned when the server answers 401, or 403 with an
// insufficient_scope challenge. mcp-go wraps it, so use errors.As.
type UnauthorizedError struct {
	StatusCode int
	URL        string
	// Challenge is the raw WWW-Authenticate header value.
	Challenge string
	Body      string
}

func (e *UnauthorizedError) Error() string {
	msg := fmt.Sprintf("server returned %d for %s", e.StatusCode, e.URL)
	if body := strings.TrimSpace(e.Body); body != "" {
		msg += ": " + body
	}
	return msg
}

// InsufficientScope reports whether the challenge asks for more scopes.
func (e *UnauthorizedError) InsufficientScope() bool {
	return strings.Contains(strings.ToLower(e.Challenge), "insufficient_scope")
}

// AsUnauthorized extracts an UnauthorizedError from err's chain.
func AsUnauthorized(err error) (*UnauthorizedError, bool) {
	var ue *UnauthorizedError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
