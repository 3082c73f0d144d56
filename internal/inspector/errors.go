package inspector

import (
	"errors"
	"net"
	"strings"

	"github.com/giantswarm/mcp-inspect/internal/transport"
)

var (
	// ErrAuthorizationRequired is returned by Connect when the server demands
	// authorization that could not be obtained.
	ErrAuthorizationRequired = errors.New("authorization required")

	// ErrNotConnected is returned by requests on a session that is not
	// connected.
	ErrNotConnected = errors.New("not connected")

	// ErrDisconnected is returned by a connect that was superseded by
	// Disconnect.
	ErrDisconnected = errors.New("disconnected while connecting")

	// ErrLoggingUnsupported is returned by SetLoggingLevel when the server
	// does not advertise the logging capability.
	ErrLoggingUnsupported = errors.New("server does not support logging")
)

// IsAuthorizationRequired reports whether err means the user has to
// authorize before the session can connect. UIs use it to tell this state
// apart from a plain connection failure.
func IsAuthorizationRequired(err error) bool {
	if errors.Is(err, ErrAuthorizationRequired) {
		return true
	}
	_, ok := transport.AsUnauthorized(err)
	return ok
}

// isConnectionLost reports whether err looks like the connection went away,
// in which case one reconnect is worth trying.
func isConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, transport.ErrClosed) ||
		errors.Is(err, transport.ErrProcessExited) ||
		errors.Is(err, transport.ErrStreamClosed) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset by peer") ||
		strings.Contains(errMsg, "transport is closing") ||
		strings.Contains(errMsg, "broken pipe") ||
		strings.Contains(errMsg, "unexpected eof")
}
