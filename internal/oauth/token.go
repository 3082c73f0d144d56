package oauth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// expiryDelta treats tokens as expired slightly early.
const expiryDelta = 10 * time.Second

// TokenSet is a token endpoint response plus the time it was issued.
// Expiry is derived, never stored.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
}

// ExpiresAt returns when the access token stops being valid. ok is false
// when the token never expires. A JWT without a usable exp claim is treated
// as already expired.
func (t *TokenSet) ExpiresAt() (at time.Time, ok bool) {
	if t.ExpiresIn > 0 {
		return t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second), true
	}
	if strings.Count(t.AccessToken, ".") != 2 {
		return time.Time{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(t.AccessToken, claims); err != nil {
		return time.Time{}, true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, true
	}
	return exp.Time, true
}

// Valid reports whether the access token can still be used at now.
func (t *TokenSet) Valid(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	at, ok := t.ExpiresAt()
	if !ok {
		return true
	}
	return now.Add(expiryDelta).Before(at)
}

func tokenSetFromOAuth2(tok *oauth2.Token, issued time.Time) *TokenSet {
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
		RefreshToken: tok.RefreshToken,
		IssuedAt:     issued,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		ts.Scope = scope
	}
	if ts.TokenType == "" {
		ts.TokenType = "Bearer"
	}
	return ts
}

// oauth2Config maps client and server metadata to x/oauth2.
func (e *Engine) oauth2Config(m *AuthorizationServerMetadata, client *ClientInformation, redirectURL, scope string) *oauth2.Config {
	style := oauth2.AuthStyleInParams
	secret := client.ClientSecret
	switch client.TokenEndpointAuthMethod {
	case AuthMethodBasic:
		style = oauth2.AuthStyleInHeader
	case AuthMethodNone:
		secret = ""
	case AuthMethodPost:
	default:
		if secret != "" {
			style = oauth2.AuthStyleInHeader
		}
	}

	return &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RedirectURL:  redirectURL,
		Scopes:       strings.Fields(scope),
		Endpoint: oauth2.Endpoint{
			AuthURL:   m.AuthorizationEndpoint,
			TokenURL:  m.TokenEndpoint,
			AuthStyle: style,
		},
	}
}

// oauth2Context routes x/oauth2 traffic through the engine's client.
func (e *Engine) oauth2Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
}

// ExchangeParams are the inputs of ExchangeToken.
type ExchangeParams struct {
	Metadata     *AuthorizationServerMetadata
	Client       *ClientInformation
	Code         string
	CodeVerifier string
	RedirectURL  string
}

// ExchangeToken redeems an authorization code and persists the tokens.
func (e *Engine) ExchangeToken(ctx context.Context, p ExchangeParams) (*TokenSet, error) {
	if p.Code == "" {
		return nil, fmt.Errorf("no authorization code received")
	}
	if p.Metadata == nil || p.Client == nil {
		return nil, fmt.Errorf("token exchange requires server metadata and client information")
	}

	verifier := p.CodeVerifier
	if verifier == "" {
		v, err := e.storage.GetCodeVerifier(ctx, e.cfg.ServerURL)
		if err != nil {
			return nil, err
		}
		verifier = v
	}

	conf := e.oauth2Config(p.Metadata, p.Client, p.RedirectURL, "")
	issued := e.now()
	tok, err := conf.Exchange(e.oauth2Context(ctx), p.Code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", fromRetrieveError(err))
	}

	tokens := tokenSetFromOAuth2(tok, issued)
	if tokens.Scope == "" {
		tokens.Scope, _ = e.storage.GetScope(ctx, e.cfg.ServerURL)
	}
	if err := e.storage.SaveTokens(ctx, e.cfg.ServerURL, tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// RefreshParams are the inputs of RefreshToken. Empty fields are read from
// storage.
type RefreshParams struct {
	Metadata     *AuthorizationServerMetadata
	Client       *ClientInformation
	RefreshToken string
}

// RefreshToken runs the refresh grant and persists the new tokens. Failures
// are returned as is; callers fall back to a full authorization.
func (e *Engine) RefreshToken(ctx context.Context, p RefreshParams) (*TokenSet, error) {
	if p.RefreshToken == "" {
		tokens, err := e.storage.GetTokens(ctx, e.cfg.ServerURL)
		if err != nil {
			return nil, err
		}
		if tokens == nil || tokens.RefreshToken == "" {
			return nil, ErrNoRefreshToken
		}
		p.RefreshToken = tokens.RefreshToken
	}
	if p.Metadata == nil {
		m, err := e.storage.GetServerMetadata(ctx, e.cfg.ServerURL)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, ErrNoAuthorizationServer
		}
		p.Metadata = m
	}
	if p.Client == nil {
		c, err := e.storage.GetClientInformation(ctx, e.cfg.ServerURL, e.cfg.ClientID != "")
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, fmt.Errorf("no client information stored for %s", e.cfg.ServerURL)
		}
		p.Client = c
	}

	conf := e.oauth2Config(p.Metadata, p.Client, "", "")
	issued := e.now()
	tok, err := conf.TokenSource(e.oauth2Context(ctx), &oauth2.Token{RefreshToken: p.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", fromRetrieveError(err))
	}

	tokens := tokenSetFromOAuth2(tok, issued)
	if tokens.Scope == "" {
		tokens.Scope, _ = e.storage.GetScope(ctx, e.cfg.ServerURL)
	}
	if err := e.storage.SaveTokens(ctx, e.cfg.ServerURL, tokens); err != nil {
		return nil, err
	}
	e.logger.Debug("Access token refreshed")
	return tokens, nil
}

// Token returns a valid access token, refreshing when possible. It returns
// "" when no usable token exists, so it can serve as a transport token
// source before the first authorization.
func (e *Engine) Token(ctx context.Context) (string, error) {
	tokens, err := e.storage.GetTokens(ctx, e.cfg.ServerURL)
	if err != nil {
		return "", err
	}
	if tokens == nil {
		return "", nil
	}
	if tokens.Valid(e.now()) {
		return tokens.AccessToken, nil
	}
	if tokens.RefreshToken == "" {
		return "", nil
	}

	v, err, _ := e.refreshGroup.Do("refresh", func() (any, error) {
		return e.RefreshToken(ctx, RefreshParams{RefreshToken: tokens.RefreshToken})
	})
	if err != nil {
		e.logger.Warning("Token refresh failed: %v", err)
		return "", nil
	}
	return v.(*TokenSet).AccessToken, nil
}
