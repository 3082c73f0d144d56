package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxMetadataSize bounds every metadata document.
const maxMetadataSize = 1024 * 1024

const pkceMethodS256 = "S256"

// ProtectedResourceMetadata is an RFC 9728 document.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// AuthorizationServerMetadata is an RFC 8414 or OpenID Connect discovery
// document.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	CodeChallengeMethods              []string `json:"code_challenge_methods_supported,omitempty"`
	ClientIDMetadataDocumentSupported bool     `json:"client_id_metadata_document_supported,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// fetchJSON GETs a JSON document into v.
func fetchJSON(ctx context.Context, client *http.Client, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "application/json") {
		return fmt.Errorf("unexpected Content-Type: %s (expected application/json)", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) >= maxMetadataSize {
		return fmt.Errorf("response exceeds maximum size of %d bytes", maxMetadataSize)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}

// protectedResourceMetadataURLs lists the RFC 9728 well-known locations for
// an endpoint, path-specific first.
func protectedResourceMetadataURLs(endpoint string) ([]string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("endpoint URL must include scheme and host")
	}

	base := parsed.Scheme + "://" + parsed.Host
	var uris []string
	if p := normalizePath(parsed.Path); p != "" {
		uris = append(uris, fmt.Sprintf("%s/.well-known/oauth-protected-resource/%s", base, p))
	}
	uris = append(uris, base+"/.well-known/oauth-protected-resource")
	return uris, nil
}

func validateProtectedResourceMetadata(m *ProtectedResourceMetadata) error {
	if m.Resource == "" {
		return fmt.Errorf("missing required field: resource")
	}
	if len(m.AuthorizationServers) == 0 {
		return fmt.Errorf("missing required field: authorization_servers (at least one required)")
	}
	for i, as := range m.AuthorizationServers {
		parsed, err := url.Parse(as)
		if err != nil {
			return fmt.Errorf("invalid authorization server URL at index %d: %w", i, err)
		}
		if !parsed.IsAbs() || parsed.Host == "" {
			return fmt.Errorf("authorization server URL at index %d must be absolute: %s", i, as)
		}
		if parsed.Scheme != "https" && parsed.Scheme != "http" {
			return fmt.Errorf("authorization server URL at index %d must use http or https scheme: %s", i, as)
		}
	}
	return nil
}

// selectAuthorizationServer picks the preferred server when listed, else the
// first one.
func selectAuthorizationServer(m *ProtectedResourceMetadata, preferred string) (string, error) {
	if len(m.AuthorizationServers) == 0 {
		return "", fmt.Errorf("no authorization servers available")
	}
	if preferred == "" {
		return m.AuthorizationServers[0], nil
	}
	for _, s := range m.AuthorizationServers {
		if s == preferred {
			return s, nil
		}
	}
	return "", fmt.Errorf("preferred authorization server not found: %s", preferred)
}

// authorizationServerMetadataURLs returns the discovery endpoints for an
// issuer in lookup order. The order is relied on by servers that only serve
// one of the legacy locations.
func authorizationServerMetadataURLs(issuer string) ([]string, error) {
	parsed, err := url.Parse(issuer)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer URL: %w", err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return nil, fmt.Errorf("issuer URL must be absolute")
	}
	if parsed.Scheme == "http" {
		if !isLocalhost(parsed.Host) {
			return nil, fmt.Errorf("issuer URL must use https scheme (http only allowed for localhost, got: %s)", parsed.Host)
		}
	} else if parsed.Scheme != "https" {
		return nil, fmt.Errorf("issuer URL must use http or https scheme")
	}

	base := parsed.Scheme + "://" + parsed.Host
	p := normalizePath(parsed.Path)
	if p == "" {
		return []string{
			base + "/.well-known/oauth-authorization-server",
			base + "/.well-known/openid-configuration",
		}, nil
	}
	return []string{
		fmt.Sprintf("%s/.well-known/oauth-authorization-server/%s", base, p),
		base + "/.well-known/oauth-authorization-server",
		fmt.Sprintf("%s/.well-known/openid-configuration/%s", base, p),
		fmt.Sprintf("%s/%s/.well-known/openid-configuration", base, p),
	}, nil
}

func validateAuthorizationServerMetadata(m *AuthorizationServerMetadata) error {
	if m.Issuer == "" {
		return fmt.Errorf("missing required field: issuer")
	}
	if m.AuthorizationEndpoint == "" {
		return fmt.Errorf("missing required field: authorization_endpoint")
	}
	if m.TokenEndpoint == "" {
		return fmt.Errorf("missing required field: token_endpoint")
	}

	endpoints := map[string]string{
		"issuer":                 m.Issuer,
		"authorization_endpoint": m.AuthorizationEndpoint,
		"token_endpoint":         m.TokenEndpoint,
	}
	if m.RegistrationEndpoint != "" {
		endpoints["registration_endpoint"] = m.RegistrationEndpoint
	}
	for name, endpoint := range endpoints {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("invalid %s URL: %w", name, err)
		}
		if !parsed.IsAbs() || parsed.Host == "" {
			return fmt.Errorf("%s must be absolute URL: %s", name, endpoint)
		}
		if parsed.Scheme == "http" {
			if !isLocalhost(parsed.Host) {
				return fmt.Errorf("%s must use https scheme (http only allowed for localhost): %s", name, endpoint)
			}
		} else if parsed.Scheme != "https" {
			return fmt.Errorf("%s must use http or https scheme: %s", name, endpoint)
		}
	}
	return nil
}

// checkPKCESupport fails when S256 is not among advertised methods. A
// missing field is tolerated; the second return value reports it.
func checkPKCESupport(m *AuthorizationServerMetadata) (advertised bool, err error) {
	if len(m.CodeChallengeMethods) == 0 {
		return false, nil
	}
	for _, method := range m.CodeChallengeMethods {
		if method == pkceMethodS256 {
			return true, nil
		}
	}
	return true, fmt.Errorf("%w (only: %v)", ErrPKCENotSupported, m.CodeChallengeMethods)
}

func normalizePath(p string) string {
	return strings.Trim(p, "/")
}

func isLocalhost(host string) bool {
	h := host
	if i := strings.LastIndex(host, ":"); i != -1 && !strings.HasSuffix(host, "]") {
		h = host[:i]
	}
	h = strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
	return h == "localhost" || h == "127.0.0.1" || h == "::1"
}
