package devauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is what the protected endpoint learns from a valid access token.
type Claims struct {
	Subject  string
	Scope    string
	Resource string
}

// HasScopes reports whether every space separated scope in required was
// granted.
func (c Claims) HasScopes(required string) bool {
	granted := make(map[string]bool)
	for _, s := range strings.Fields(c.Scope) {
		granted[s] = true
	}
	for _, s := range strings.Fields(required) {
		if !granted[s] {
			return false
		}
	}
	return true
}

type claimsKey struct{}

// ClaimsFromContext returns the claims of the request's access token.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(Claims)
	return c, ok
}

// IssueAccessToken signs an access token for the fixed client.
func (s *Server) IssueAccessToken(scope, resource string) (string, error) {
	now := s.now()
	claims := jwtlib.MapClaims{
		"sub":   ClientID,
		"jti":   uuid.NewString(),
		"iat":   now.Unix(),
		"exp":   now.Add(s.opts.TokenLifetime).Unix(),
		"scope": scope,
	}
	if resource != "" {
		claims["aud"] = resource
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies signature and expiry of an access token.
func (s *Server) ValidateToken(tokenStr string) (Claims, error) {
	token, err := jwtlib.Parse(tokenStr, func(token *jwtlib.Token) (interface{}, error) {
		return s.key, nil
	},
		jwtlib.WithValidMethods([]string{"HS256"}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(s.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("invalid token: %w", err)
	}

	mc, ok := token.Claims.(jwtlib.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("unexpected claims type")
	}
	c := Claims{}
	c.Subject, _ = mc["sub"].(string)
	c.Scope, _ = mc["scope"].(string)
	c.Resource, _ = mc["aud"].(string)
	return c, nil
}

// RequireToken rejects requests without a valid bearer token using RFC 6750
// challenges that point at the protected resource metadata.
func (s *Server) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prm := baseURL(r) + "/.well-known/oauth-protected-resource" + MCPPath

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer resource_metadata="%s"`, prm))
			writeError(w, http.StatusUnauthorized, "invalid_token", "missing bearer token")
			return
		}

		claims, err := s.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			w.Header().Set("WWW-Authenticate",
				fmt.Sprintf(`Bearer resource_metadata="%s", error="invalid_token", error_description="%s"`, prm, "token is invalid or expired"))
			writeError(w, http.StatusUnauthorized, "invalid_token", err.Error())
			return
		}

		if s.opts.RequiredScope != "" && !claims.HasScopes(s.opts.RequiredScope) {
			w.Header().Set("WWW-Authenticate",
				fmt.Sprintf(`Bearer resource_metadata="%s", error="insufficient_scope", scope="%s"`, prm, s.opts.RequiredScope))
			writeError(w, http.StatusForbidden, "insufficient_scope", "additional scopes required")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}
