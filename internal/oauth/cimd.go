package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// ClientMetadataDocument is a Client ID Metadata Document: an HTTPS URL used
// as client_id that serves the client's own metadata.
type ClientMetadataDocument struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// GenerateClientMetadata builds the document to host at cfg.ClientIDMetadataURL.
func GenerateClientMetadata(cfg Config) (*ClientMetadataDocument, error) {
	cfg = cfg.WithDefaults()
	if cfg.ClientIDMetadataURL == "" {
		return nil, fmt.Errorf("client id metadata URL is required")
	}
	if err := ValidateClientIDURL(cfg.ClientIDMetadataURL); err != nil {
		return nil, fmt.Errorf("invalid client_id URL: %w", err)
	}

	redirects := []string{cfg.RedirectURL}
	if cfg.GuidedRedirectURL != "" && cfg.GuidedRedirectURL != cfg.RedirectURL {
		redirects = append(redirects, cfg.GuidedRedirectURL)
	}

	return &ClientMetadataDocument{
		ClientID:                cfg.ClientIDMetadataURL,
		ClientName:              cfg.ClientName,
		ClientURI:               "https://github.com/giantswarm/mcp-inspect",
		RedirectURIs:            redirects,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: AuthMethodNone,
	}, nil
}

// ValidateClientIDURL checks that a client_id URL is absolute https with a
// path component.
func ValidateClientIDURL(clientIDURL string) error {
	if clientIDURL == "" {
		return fmt.Errorf("client_id URL cannot be empty")
	}

	parsed, err := url.Parse(clientIDURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("client_id URL must be absolute")
	}
	// http is not allowed, even for localhost.
	if parsed.Scheme != "https" {
		return fmt.Errorf("client_id URL must use https scheme, got: %s", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("client_id URL missing host")
	}
	if parsed.Path == "" || parsed.Path == "/" {
		return fmt.Errorf("client_id URL must contain a path component (cannot be just https://%s)", parsed.Host)
	}
	return nil
}

// FetchClientMetadata downloads and validates a hosted document.
func FetchClientMetadata(ctx context.Context, client *http.Client, clientIDURL string) (*ClientMetadataDocument, error) {
	if err := ValidateClientIDURL(clientIDURL); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}

	var doc ClientMetadataDocument
	if err := fetchJSON(ctx, client, clientIDURL, &doc); err != nil {
		return nil, err
	}
	if err := ValidateClientMetadata(&doc); err != nil {
		return nil, fmt.Errorf("invalid client metadata: %w", err)
	}
	return &doc, nil
}

// ValidateClientMetadata checks the required fields of a document.
func ValidateClientMetadata(doc *ClientMetadataDocument) error {
	if err := ValidateClientIDURL(doc.ClientID); err != nil {
		return fmt.Errorf("invalid client_id: %w", err)
	}
	if len(doc.RedirectURIs) == 0 {
		return fmt.Errorf("redirect_uris is required (at least one)")
	}
	for i, uri := range doc.RedirectURIs {
		parsed, err := url.Parse(uri)
		if err != nil {
			return fmt.Errorf("invalid redirect_uri at index %d: %w", i, err)
		}
		if !parsed.IsAbs() {
			return fmt.Errorf("redirect_uri at index %d must be absolute: %s", i, uri)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("redirect_uri at index %d must use http or https scheme: %s", i, uri)
		}
	}
	return nil
}

// SupportsClientIDMetadata reports whether the server accepts document URLs
// as client ids.
func SupportsClientIDMetadata(m *AuthorizationServerMetadata) bool {
	return m != nil && m.ClientIDMetadataDocumentSupported
}
