// Package oauth implements the OAuth 2.1 client side of MCP authorization:
// metadata discovery, client registration, PKCE authorization code flows,
// token refresh and step-up authorization.
package oauth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/mcp-inspect/internal/logging"
	"github.com/giantswarm/mcp-inspect/internal/transport"
)

// Engine authorizes against the authorization server protecting one MCP
// server.
type Engine struct {
	cfg       Config
	storage   *Storage
	navigator Navigator
	logger    *logging.Logger
	now       func() time.Time

	baseClient *http.Client
	onFetch    func(transport.FetchEntry)
	httpClient *http.Client

	authGroup    singleflight.Group
	refreshGroup singleflight.Group
	stepUp       *scopeRetryTracker
}

// Option configures an Engine.
type Option func(*Engine)

// WithStorage sets where state is persisted. The default is in memory.
func WithStorage(s *Storage) Option {
	return func(e *Engine) { e.storage = s }
}

// WithNavigator sets how authorization URLs are shown to the user.
func WithNavigator(n Navigator) Option {
	return func(e *Engine) { e.navigator = n }
}

// WithHTTPClient sets the client used for every authorization server
// request. Its transport is wrapped, not replaced.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.baseClient = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithFetchRecorder reports every authorization server exchange.
func WithFetchRecorder(fn func(transport.FetchEntry)) Option {
	return func(e *Engine) { e.onFetch = fn }
}

// NewEngine validates cfg and builds an engine. It performs no I/O.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid oauth config: %w", err)
	}

	e := &Engine{
		cfg: cfg,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.storage == nil {
		e.storage = NewStorage(nil)
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	if e.navigator == nil {
		e.navigator = &BrowserNavigator{Logger: e.logger}
	}

	if e.cfg.ResourceURI == "" && !e.cfg.SkipResourceParam {
		uri, err := DeriveResourceURI(e.cfg.ServerURL)
		if err != nil {
			return nil, err
		}
		e.cfg.ResourceURI = uri
	}

	base := e.baseClient
	if base == nil {
		base = &http.Client{Timeout: defaultHTTPTimeout}
	}
	rt := transport.NewRecordingRoundTripper(base.Transport, transport.FetchAuth, e.onFetch)
	if !e.cfg.SkipResourceParam {
		rt = newResourceRoundTripper(e.cfg.ResourceURI, rt, e.logger)
	}
	client := *base
	client.Transport = rt
	e.httpClient = &client

	e.stepUp = newScopeRetryTracker(e.cfg.StepUpMaxRetries)
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Storage returns the engine's state storage.
func (e *Engine) Storage() *Storage {
	return e.storage
}

// HTTPClient returns the client used for authorization server requests.
func (e *Engine) HTTPClient() *http.Client {
	return e.httpClient
}

// Navigator returns the navigator used to surface authorization URLs.
func (e *Engine) Navigator() Navigator {
	return e.navigator
}

// Clear forgets every token, registration and cached metadata for the
// server.
func (e *Engine) Clear(ctx context.Context) error {
	e.stepUp.reset(e.cfg.ServerURL)
	return e.storage.Clear(ctx, e.cfg.ServerURL)
}

// HasTokens reports whether tokens are stored, valid or not.
func (e *Engine) HasTokens(ctx context.Context) bool {
	tokens, err := e.storage.GetTokens(ctx, e.cfg.ServerURL)
	return err == nil && tokens != nil && tokens.AccessToken != ""
}
