package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/giantswarm/mcp-inspect/internal/metrics"
)

// Step is a stage of an authorization flow.
type Step string

const (
	StepMetadataDiscovery  Step = "metadata_discovery"
	StepClientRegistration Step = "client_registration"
	StepAuthorization      Step = "authorization"
	StepTokenExchange      Step = "token_exchange"
	StepCompleted          Step = "completed"
	StepFailed             Step = "failed"
)

// Flow modes, as reported in metrics.
const (
	ModeAutomatic = "automatic"
	ModeGuided    = "guided"
)

// ErrAwaitingCode is returned by Next at the token exchange step of a guided
// flow until SubmitCode is called.
var ErrAwaitingCode = errors.New("waiting for authorization code")

// ErrFlowFinished is returned by Next once the flow completed.
var ErrFlowFinished = errors.New("authorization flow already finished")

// AuthorizeOption tunes a single authorization.
type AuthorizeOption func(*authorizeOptions)

type authorizeOptions struct {
	challenge *Challenge
	scope     string
	hasScope  bool
}

// WithChallenge passes the WWW-Authenticate challenge that triggered the
// authorization.
func WithChallenge(c *Challenge) AuthorizeOption {
	return func(o *authorizeOptions) { o.challenge = c }
}

// WithScope requests exactly scope, bypassing scope selection.
func WithScope(scope string) AuthorizeOption {
	return func(o *authorizeOptions) {
		o.scope = scope
		o.hasScope = true
	}
}

// Flow walks one authorization through its steps. A Flow is single-use:
// once completed or failed, it stays there.
type Flow struct {
	engine      *Engine
	mode        string
	redirectURL string
	receiver    CodeReceiver
	opts        authorizeOptions

	mu        sync.Mutex
	step      Step
	err       error
	discovery *Discovery
	client    *ClientInformation
	request   *AuthorizationRequest
	code      string
	tokens    *TokenSet
}

// NewGuidedFlow starts a flow driven by the caller: Next runs one step, the
// authorization URL is read with Request, and the code is provided with
// SubmitCode.
func (e *Engine) NewGuidedFlow(opts ...AuthorizeOption) *Flow {
	return e.newFlow(ModeGuided, e.cfg.GuidedRedirectURL, nil, opts)
}

func (e *Engine) newFlow(mode, redirectURL string, receiver CodeReceiver, opts []AuthorizeOption) *Flow {
	f := &Flow{
		engine:      e,
		mode:        mode,
		redirectURL: redirectURL,
		receiver:    receiver,
		step:        StepMetadataDiscovery,
	}
	for _, opt := range opts {
		opt(&f.opts)
	}
	return f
}

// Step returns the current step.
func (f *Flow) Step() Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

// Err returns the error that failed the flow.
func (f *Flow) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Flow) Discovery() *Discovery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discovery
}

func (f *Flow) Client() *ClientInformation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.client
}

// Request returns the authorization request once the authorization step ran.
func (f *Flow) Request() *AuthorizationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.request
}

func (f *Flow) Tokens() *TokenSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens
}

// SubmitCode provides the authorization code, or a pasted redirect URL, to a
// flow waiting at the token exchange step.
func (f *Flow) SubmitCode(input string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.step != StepTokenExchange {
		return fmt.Errorf("cannot submit code at step %s", f.step)
	}
	code, err := ParseCodeInput(input, f.request.State)
	if err != nil {
		return err
	}
	f.code = code
	return nil
}

// Next executes the current step and advances on success. An error fails
// the flow, except ErrAwaitingCode which leaves it at token exchange.
func (f *Flow) Next(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	e := f.engine
	switch f.step {
	case StepMetadataDiscovery:
		d := e.Discover(ctx, f.opts.challenge)
		if !d.RequiresAuth() {
			return f.fail(ErrNoAuthorizationServer)
		}
		f.discovery = d
		if !f.opts.hasScope {
			f.opts.scope = e.ResolveScope(ctx, f.opts.challenge, d)
		}
		f.step = StepClientRegistration

	case StepClientRegistration:
		client, err := e.RegisterClient(ctx, RegisterParams{
			Metadata:    f.discovery.Metadata,
			RedirectURL: f.redirectURL,
			Scope:       f.opts.scope,
		})
		if err != nil {
			return f.fail(err)
		}
		f.client = client
		f.step = StepAuthorization

	case StepAuthorization:
		req, err := e.StartAuthorization(ctx, StartParams{
			Metadata:    f.discovery.Metadata,
			Client:      f.client,
			RedirectURL: f.redirectURL,
			Scope:       f.opts.scope,
		})
		if err != nil {
			return f.fail(err)
		}
		f.request = req
		if f.receiver != nil {
			code, err := f.receiver.WaitForCode(ctx, req)
			if err != nil {
				return f.fail(err)
			}
			e.logger.Success("Authorization code received")
			f.code = code
		}
		f.step = StepTokenExchange

	case StepTokenExchange:
		if f.code == "" {
			return ErrAwaitingCode
		}
		e.logger.Info("Exchanging code for access token...")
		tokens, err := e.ExchangeToken(ctx, ExchangeParams{
			Metadata:     f.discovery.Metadata,
			Client:       f.client,
			Code:         f.code,
			CodeVerifier: f.request.CodeVerifier,
			RedirectURL:  f.redirectURL,
		})
		if err != nil {
			return f.fail(err)
		}
		f.tokens = tokens
		f.step = StepCompleted
		metrics.AuthorizationsTotal.WithLabelValues(f.mode, metrics.ResultSuccess).Inc()
		e.logger.Success("Access token obtained successfully!")

	case StepCompleted:
		return ErrFlowFinished

	case StepFailed:
		return f.err
	}
	return nil
}

func (f *Flow) fail(err error) error {
	f.step = StepFailed
	f.err = err
	metrics.AuthorizationsTotal.WithLabelValues(f.mode, metrics.ResultError).Inc()
	return err
}

// Run drives the flow to completion.
func (f *Flow) Run(ctx context.Context) (*TokenSet, error) {
	for {
		switch f.Step() {
		case StepCompleted:
			return f.Tokens(), nil
		case StepFailed:
			return nil, f.Err()
		}
		if err := f.Next(ctx); err != nil {
			return nil, err
		}
	}
}

// Authorize runs the complete authorization code flow and returns the new
// tokens. A nil receiver uses a CallbackReceiver on the configured redirect
// URL. Concurrent calls share one attempt.
func (e *Engine) Authorize(ctx context.Context, receiver CodeReceiver, opts ...AuthorizeOption) (*TokenSet, error) {
	v, err, _ := e.authGroup.Do("authorize", func() (any, error) {
		return e.authorize(ctx, receiver, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*TokenSet), nil
}

func (e *Engine) authorize(ctx context.Context, receiver CodeReceiver, opts []AuthorizeOption) (*TokenSet, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AuthorizationTimeout)
	defer cancel()

	if receiver == nil {
		receiver = NewCallbackReceiver(e.cfg.RedirectURL, e.navigator)
	}
	if c, ok := receiver.(io.Closer); ok {
		defer c.Close()
	}

	mode := ModeAutomatic
	if _, ok := receiver.(*PromptReceiver); ok {
		mode = ModeGuided
	}

	redirectURL, err := receiver.RedirectURL(ctx)
	if err != nil {
		return nil, err
	}

	e.logger.Info("OAuth authorization required")
	return e.newFlow(mode, redirectURL, receiver, opts).Run(ctx)
}

// Reauthorize restores a usable token after the server rejected the current
// one. insufficient_scope challenges step up; otherwise a refresh is tried
// before a full authorization.
func (e *Engine) Reauthorize(ctx context.Context, challenge *Challenge, receiver CodeReceiver) (*TokenSet, error) {
	if challenge.InsufficientScope() {
		return e.StepUp(ctx, challenge, receiver)
	}

	if tokens, err := e.RefreshToken(ctx, RefreshParams{}); err == nil {
		return tokens, nil
	} else if !errors.Is(err, ErrNoRefreshToken) {
		e.logger.Warning("Token refresh failed, starting a new authorization: %v", err)
	}
	return e.Authorize(ctx, receiver, WithChallenge(challenge))
}
