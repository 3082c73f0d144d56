package oauth

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"golang.org/x/oauth2"
)

// StartParams are the inputs of StartAuthorization.
type StartParams struct {
	Metadata    *AuthorizationServerMetadata
	Client      *ClientInformation
	RedirectURL string
	Scope       string
	// State is generated when empty.
	State string
}

// AuthorizationRequest is an authorization URL ready to be visited, with
// the values needed to finish the flow.
type AuthorizationRequest struct {
	URL          string
	State        string
	CodeVerifier string
	RedirectURL  string
	Scope        string
}

// StartAuthorization builds a PKCE (S256) authorization URL and persists the
// code verifier and requested scope.
func (e *Engine) StartAuthorization(ctx context.Context, p StartParams) (*AuthorizationRequest, error) {
	if p.Metadata == nil || p.Client == nil {
		return nil, fmt.Errorf("authorization requires server metadata and client information")
	}

	advertised, err := checkPKCESupport(p.Metadata)
	if err != nil {
		return nil, err
	}
	if !advertised {
		e.logger.Warning("Authorization server does not advertise code_challenge_methods_supported; assuming S256")
	}

	state := p.State
	if state == "" {
		state, err = client.GenerateState()
		if err != nil {
			return nil, fmt.Errorf("failed to generate state: %w", err)
		}
	}

	verifier := oauth2.GenerateVerifier()
	conf := e.oauth2Config(p.Metadata, p.Client, p.RedirectURL, p.Scope)

	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if !e.cfg.SkipResourceParam && e.cfg.ResourceURI != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", e.cfg.ResourceURI))
	}
	authURL := conf.AuthCodeURL(state, opts...)

	if err := e.storage.SaveCodeVerifier(ctx, e.cfg.ServerURL, verifier); err != nil {
		return nil, err
	}
	if err := e.storage.SaveScope(ctx, e.cfg.ServerURL, p.Scope); err != nil {
		return nil, err
	}

	return &AuthorizationRequest{
		URL:          authURL,
		State:        state,
		CodeVerifier: verifier,
		RedirectURL:  p.RedirectURL,
		Scope:        p.Scope,
	}, nil
}
