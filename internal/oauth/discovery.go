package oauth

import (
	"context"
	"fmt"
	"strings"
)

// Discovery is the outcome of metadata discovery for one MCP server.
type Discovery struct {
	ResourceMetadata       *ProtectedResourceMetadata
	AuthorizationServerURL string
	Metadata               *AuthorizationServerMetadata
	Challenge              *Challenge
}

// RequiresAuth reports whether an authorization server was found.
func (d *Discovery) RequiresAuth() bool {
	return d != nil && d.Metadata != nil
}

// Discover locates the protected resource metadata and the authorization
// server metadata for the engine's server. Failures never abort discovery;
// they leave the corresponding fields nil.
func (e *Engine) Discover(ctx context.Context, challenge *Challenge) *Discovery {
	d := &Discovery{Challenge: challenge}

	prm, err := e.discoverProtectedResource(ctx, challenge)
	if err != nil {
		e.logger.InfoVerbose("Protected resource metadata not available: %v", err)
	} else {
		d.ResourceMetadata = prm
		if err := e.storage.SaveResourceMetadata(ctx, e.cfg.ServerURL, prm); err != nil {
			e.logger.Warning("Failed to store resource metadata: %v", err)
		}
	}

	issuer := e.cfg.ServerURL
	if prm != nil {
		as, err := selectAuthorizationServer(prm, e.cfg.PreferredAuthServer)
		if err != nil {
			e.logger.Warning("Falling back to server URL for authorization server discovery: %v", err)
		} else {
			issuer = as
		}
	}
	d.AuthorizationServerURL = issuer

	m, err := e.discoverAuthorizationServer(ctx, issuer)
	if err != nil {
		e.logger.InfoVerbose("Authorization server metadata not available: %v", err)
		return d
	}
	d.Metadata = m
	if err := e.storage.SaveServerMetadata(ctx, e.cfg.ServerURL, m); err != nil {
		e.logger.Warning("Failed to store authorization server metadata: %v", err)
	}
	return d
}

// discoverProtectedResource tries the challenge URL, then the path-specific
// well-known location, then the root one.
func (e *Engine) discoverProtectedResource(ctx context.Context, challenge *Challenge) (*ProtectedResourceMetadata, error) {
	wellKnown, err := protectedResourceMetadataURLs(e.cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	var candidates []string
	if challenge != nil && challenge.ResourceMetadataURL != "" {
		e.logger.InfoVerbose("Using resource_metadata URL from WWW-Authenticate: %s", challenge.ResourceMetadataURL)
		candidates = append(candidates, challenge.ResourceMetadataURL)
	}
	candidates = append(candidates, wellKnown...)

	var lastErr error
	for i, uri := range candidates {
		e.logger.InfoVerbose("Trying protected resource metadata URI (%d/%d): %s", i+1, len(candidates), uri)

		var m ProtectedResourceMetadata
		if err := fetchJSON(ctx, e.httpClient, uri, &m); err != nil {
			e.logger.WarningVerbose("Failed to fetch from %s: %v", uri, err)
			lastErr = err
			continue
		}
		if err := validateProtectedResourceMetadata(&m); err != nil {
			e.logger.WarningVerbose("Invalid metadata at %s: %v", uri, err)
			lastErr = err
			continue
		}
		e.logger.Info("Discovered protected resource metadata from: %s", uri)
		return &m, nil
	}
	return nil, fmt.Errorf("no protected resource metadata found: %w", lastErr)
}

// discoverAuthorizationServer tries the RFC 8414 and OIDC locations for
// issuer. The first valid document wins.
func (e *Engine) discoverAuthorizationServer(ctx context.Context, issuer string) (*AuthorizationServerMetadata, error) {
	uris, err := authorizationServerMetadataURLs(issuer)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, uri := range uris {
		e.logger.InfoVerbose("Trying authorization server metadata URI (%d/%d): %s", i+1, len(uris), uri)

		var m AuthorizationServerMetadata
		if err := fetchJSON(ctx, e.httpClient, uri, &m); err != nil {
			e.logger.WarningVerbose("Failed to fetch from %s: %v", uri, err)
			lastErr = err
			continue
		}
		if err := validateAuthorizationServerMetadata(&m); err != nil {
			e.logger.WarningVerbose("Invalid metadata at %s: %v", uri, err)
			lastErr = err
			continue
		}
		e.logger.Info("Discovered authorization server metadata from: %s", uri)
		return &m, nil
	}
	return nil, fmt.Errorf("no authorization server metadata found for %s: %w", issuer, lastErr)
}

// DiscoverScopes returns the scopes advertised by the protected resource,
// falling back to the authorization server's. ok is false when neither lists
// any.
func (e *Engine) DiscoverScopes(ctx context.Context, prm *ProtectedResourceMetadata) (string, bool) {
	if prm != nil && len(prm.ScopesSupported) > 0 {
		return strings.Join(prm.ScopesSupported, " "), true
	}

	m, err := e.storage.GetServerMetadata(ctx, e.cfg.ServerURL)
	if err != nil || m == nil {
		return "", false
	}
	if len(m.ScopesSupported) > 0 {
		return strings.Join(m.ScopesSupported, " "), true
	}
	return "", false
}

// ResolveScope picks the scope to request. Manual mode always uses the
// configured scopes. Auto mode prefers the challenge, then discovered scopes,
// then omits the parameter.
func (e *Engine) ResolveScope(ctx context.Context, challenge *Challenge, d *Discovery) string {
	if e.cfg.ScopeMode == ScopeModeManual {
		return strings.Join(e.cfg.Scopes, " ")
	}
	if challenge != nil && len(challenge.Scopes) > 0 {
		return strings.Join(challenge.Scopes, " ")
	}
	var prm *ProtectedResourceMetadata
	if d != nil {
		prm = d.ResourceMetadata
		if prm == nil && d.Metadata != nil && len(d.Metadata.ScopesSupported) > 0 {
			return strings.Join(d.Metadata.ScopesSupported, " ")
		}
	}
	if scope, ok := e.DiscoverScopes(ctx, prm); ok {
		return scope
	}
	return ""
}
