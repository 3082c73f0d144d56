// Package inspector provides the inspector session: one MCP client
// connection with full traffic capture.
//
// A Client owns its transport and tracks what a user interface needs to show:
//
//   - connection status (disconnected, connecting, connected, error)
//   - the correlated JSON-RPC message history
//   - stderr of stdio servers and every HTTP exchange, OAuth included
//   - server capabilities and the tool, resource and prompt listings
//
// # Authorization
//
// When a server answers 401, or 403 with insufficient_scope, and an
// oauth.Engine is configured, Connect refreshes or runs the authorization
// flow and retries once. Without an engine the error wraps
// ErrAuthorizationRequired so callers can prompt the user.
//
// # Events
//
// Subscribe delivers status changes, messages, stderr lines, fetches,
// notifications and errors as they happen.
package inspector
