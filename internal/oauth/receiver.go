package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

// CodeReceiver obtains the authorization code for a started authorization
// request. Implementations surface req.URL to the user.
type CodeReceiver interface {
	// RedirectURL is called before registration and returns the redirect
	// URI the code will arrive at.
	RedirectURL(ctx context.Context) (string, error)
	WaitForCode(ctx context.Context, req *AuthorizationRequest) (string, error)
}

// CallbackReceiver runs a CallbackServer and navigates to the authorization
// URL.
type CallbackReceiver struct {
	redirectURL string
	navigator   Navigator

	mu     sync.Mutex
	server *CallbackServer
}

// NewCallbackReceiver creates a receiver listening on redirectURL once
// RedirectURL is first called.
func NewCallbackReceiver(redirectURL string, navigator Navigator) *CallbackReceiver {
	return &CallbackReceiver{redirectURL: redirectURL, navigator: navigator}
}

func (r *CallbackReceiver) RedirectURL(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.server == nil {
		s, err := NewCallbackServer(r.redirectURL)
		if err != nil {
			return "", err
		}
		r.server = s
	}
	return r.server.RedirectURL(), nil
}

func (r *CallbackReceiver) WaitForCode(ctx context.Context, req *AuthorizationRequest) (string, error) {
	if _, err := r.RedirectURL(ctx); err != nil {
		return "", err
	}
	r.mu.Lock()
	server := r.server
	r.mu.Unlock()

	server.ExpectState(req.State)
	if r.navigator != nil {
		if err := r.navigator.Navigate(ctx, req.URL); err != nil {
			return "", fmt.Errorf("failed to open authorization URL: %w", err)
		}
	}
	return server.Wait(ctx)
}

// Close stops the callback server. The next authorization binds a new one.
func (r *CallbackReceiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.server == nil {
		return nil
	}
	err := r.server.Close()
	r.server = nil
	return err
}

// PromptReceiver asks the user to paste the code, or the whole redirect
// URL, after authorizing in a browser.
type PromptReceiver struct {
	Redirect string
	Stdin    io.ReadCloser
	Stdout   io.Writer
}

func (p *PromptReceiver) RedirectURL(context.Context) (string, error) {
	if p.Redirect == "" {
		return DefaultGuidedRedirectURL, nil
	}
	return p.Redirect, nil
}

func (p *PromptReceiver) WaitForCode(ctx context.Context, req *AuthorizationRequest) (string, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "Authorization code or redirect URL: ",
		Stdin:           p.Stdin,
		Stdout:          p.Stdout,
		InterruptPrompt: "^C",
	})
	if err != nil {
		return "", fmt.Errorf("failed to create prompt: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(rl.Stdout(), "Open this URL in your browser and authorize:\n\n  %s\n\n", req.URL)
	fmt.Fprintf(rl.Stdout(), "You will be redirected to %s. Paste the code or the full URL below.\n", req.RedirectURL)

	type line struct {
		text string
		err  error
	}
	lines := make(chan line, 1)
	go func() {
		text, err := rl.Readline()
		lines <- line{text, err}
	}()

	select {
	case <-ctx.Done():
		rl.Close()
		return "", ctx.Err()
	case l := <-lines:
		if errors.Is(l.err, readline.ErrInterrupt) || errors.Is(l.err, io.EOF) {
			return "", fmt.Errorf("authorization cancelled")
		}
		if l.err != nil {
			return "", l.err
		}
		return ParseCodeInput(l.text, req.State)
	}
}

// ParseCodeInput accepts either a bare authorization code or a pasted
// redirect URL. A URL is checked for an error response and for state.
func ParseCodeInput(input, state string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("no authorization code received")
	}
	if !strings.HasPrefix(input, "http://") && !strings.HasPrefix(input, "https://") {
		return input, nil
	}

	parsed, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URL: %w", err)
	}
	q := parsed.Query()
	if code := q.Get("error"); code != "" {
		return "", &Error{Code: code, Description: q.Get("error_description"), URI: q.Get("error_uri")}
	}
	if got := q.Get("state"); got != "" && state != "" && got != state {
		return "", ErrStateMismatch
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("redirect URL carries no code parameter")
	}
	return code, nil
}
