package oauth

import (
	"fmt"
	"strings"
)

// Challenge is a parsed WWW-Authenticate header (RFC 6750, RFC 9728).
type Challenge struct {
	// Scheme is the authentication scheme, typically "Bearer".
	Scheme              string
	ResourceMetadataURL string
	Scopes              []string
	// Error is e.g. "invalid_token" or "insufficient_scope".
	Error            string
	ErrorDescription string
}

// InsufficientScope reports whether the challenge asks for more scopes.
func (c *Challenge) InsufficientScope() bool {
	return c != nil && c.Error == "insufficient_scope"
}

// ParseChallenge parses a WWW-Authenticate header value such as
//
//	Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource",
//	       scope="files:read", error="insufficient_scope"
func ParseChallenge(header string) (*Challenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	parts := strings.SplitN(header, " ", 2)
	challenge := &Challenge{Scheme: parts[0]}

	if len(parts) == 2 {
		params := parseAuthParams(parts[1])
		challenge.ResourceMetadataURL = params["resource_metadata"]
		challenge.Error = params["error"]
		challenge.ErrorDescription = params["error_description"]
		if scope := params["scope"]; scope != "" {
			challenge.Scopes = strings.Fields(scope)
		}
	}

	return challenge, nil
}

// parseAuthParams parses comma separated key=value pairs, quoted or not.
func parseAuthParams(params string) map[string]string {
	result := make(map[string]string)

	for _, part := range splitPreservingQuotes(params, ',') {
		part = strings.TrimSpace(part)
		eq := strings.Index(part, "=")
		if eq <= 0 {
			continue
		}

		key := strings.ToLower(strings.TrimSpace(part[:eq]))
		value := strings.TrimSpace(part[eq+1:])
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		result[key] = value
	}

	return result
}

func splitPreservingQuotes(s string, delimiter byte) []string {
	var (
		result   []string
		current  strings.Builder
		inQuotes bool
	)

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '"':
			inQuotes = !inQuotes
			current.WriteByte(ch)
		case ch == delimiter && !inQuotes:
			result = append(result, current.String())
			current.Reset()
		default:
			current.WriteByte(ch)
		}
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}

	return result
}
