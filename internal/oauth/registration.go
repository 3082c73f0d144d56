package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
)

// Token endpoint client authentication methods.
const (
	AuthMethodBasic = "client_secret_basic"
	AuthMethodPost  = "client_secret_post"
	AuthMethodNone  = "none"
)

// ClientInformation identifies the client at the authorization server.
type ClientInformation struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
}

// clientRegistrationRequest is the RFC 7591 request body.
type clientRegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegisterParams are the inputs of RegisterClient.
type RegisterParams struct {
	Metadata    *AuthorizationServerMetadata
	RedirectURL string
	Scope       string
}

// RegisterClient returns the client to authorize as. A configured static
// client id wins, then a Client ID Metadata Document URL when the server
// supports it, then a stored registration, and finally RFC 7591 dynamic
// registration. The result is persisted.
func (e *Engine) RegisterClient(ctx context.Context, p RegisterParams) (*ClientInformation, error) {
	if e.cfg.ClientID != "" {
		info := &ClientInformation{
			ClientID:                e.cfg.ClientID,
			ClientSecret:            e.cfg.ClientSecret,
			TokenEndpointAuthMethod: AuthMethodNone,
		}
		if info.ClientSecret != "" {
			info.TokenEndpointAuthMethod = AuthMethodBasic
		}
		if err := e.storage.SaveStaticClientInformation(ctx, e.cfg.ServerURL, info); err != nil {
			return nil, err
		}
		return info, nil
	}

	if e.cfg.ClientIDMetadataURL != "" && SupportsClientIDMetadata(p.Metadata) {
		e.logger.Info("Using Client ID Metadata Document: %s", e.cfg.ClientIDMetadataURL)
		return &ClientInformation{
			ClientID:                e.cfg.ClientIDMetadataURL,
			TokenEndpointAuthMethod: AuthMethodNone,
			RedirectURIs:            []string{p.RedirectURL},
		}, nil
	}

	if stored, err := e.storage.GetClientInformation(ctx, e.cfg.ServerURL, false); err != nil {
		return nil, err
	} else if stored != nil {
		if stored.AllowsRedirect(p.RedirectURL) {
			return stored, nil
		}
		e.logger.Info("Stored client %s is not registered for %s, registering again", stored.ClientID, p.RedirectURL)
	}

	if p.Metadata == nil || p.Metadata.RegistrationEndpoint == "" {
		return nil, fmt.Errorf("authorization server does not support dynamic client registration; provide a client id")
	}

	e.logger.Info("No client ID configured, attempting dynamic client registration...")
	info, err := e.registerDynamic(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("client registration failed: %w", err)
	}
	if len(info.RedirectURIs) == 0 {
		info.RedirectURIs = []string{p.RedirectURL}
	}
	if err := e.storage.SaveClientInformation(ctx, e.cfg.ServerURL, info); err != nil {
		return nil, err
	}
	e.logger.Success("Client registered successfully with ID: %s", info.ClientID)
	return info, nil
}

func (e *Engine) registerDynamic(ctx context.Context, p RegisterParams) (*ClientInformation, error) {
	body, err := json.Marshal(clientRegistrationRequest{
		ClientName:              e.cfg.ClientName,
		RedirectURIs:            []string{p.RedirectURL},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: AuthMethodNone,
		Scope:                   p.Scope,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Metadata.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	// RFC 7591 section 3.2 initial access token.
	if e.cfg.RegistrationToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.RegistrationToken)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, parseErrorBody(resp.StatusCode, respBody)
	}

	var info ClientInformation
	if err := json.Unmarshal(respBody, &info); err != nil {
		return nil, fmt.Errorf("failed to parse registration response: %w", err)
	}
	if info.ClientID == "" {
		return nil, fmt.Errorf("registration response missing client_id")
	}
	if info.TokenEndpointAuthMethod == "" {
		info.TokenEndpointAuthMethod = AuthMethodBasic
		if info.ClientSecret == "" {
			info.TokenEndpointAuthMethod = AuthMethodNone
		}
	}
	return &info, nil
}

// AllowsRedirect reports whether the client was registered for redirectURL.
// Loopback redirects match on any port (RFC 8252 section 7.3). A client
// without recorded redirect URIs is assumed to match.
func (c *ClientInformation) AllowsRedirect(redirectURL string) bool {
	if len(c.RedirectURIs) == 0 {
		return true
	}
	for _, registered := range c.RedirectURIs {
		if redirectMatches(registered, redirectURL) {
			return true
		}
	}
	return false
}

func redirectMatches(registered, requested string) bool {
	if registered == requested {
		return true
	}
	a, err := url.Parse(registered)
	if err != nil {
		return false
	}
	b, err := url.Parse(requested)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	return a.Scheme == b.Scheme &&
		a.Hostname() == b.Hostname() &&
		a.Path == b.Path &&
		a.RawQuery == b.RawQuery
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
