package oauth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const callbackSuccessPage = `<html><body><h1>Authorization Successful</h1><p>You can close this window.</p></body></html>`

const callbackFailurePage = `<html><body><h1>Authorization Failed</h1><p>%s</p></body></html>`

type callbackResult struct {
	code string
	err  error
}

// CallbackServer receives exactly one OAuth redirect on a loopback address.
// After the first request to its path it stops accepting connections.
type CallbackServer struct {
	redirectURL string
	path        string
	listener    net.Listener
	server      *http.Server

	mu    sync.Mutex
	state string

	handled atomic.Bool
	result  chan callbackResult
	once    sync.Once
}

// NewCallbackServer binds the loopback address of redirectURL. A zero or
// missing port binds an ephemeral one; RedirectURL reports the result.
func NewCallbackServer(redirectURL string) (*CallbackServer, error) {
	parsed, err := url.Parse(redirectURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI: %w", err)
	}
	if parsed.Scheme != "http" {
		return nil, fmt.Errorf("callback server requires an http redirect URI, got: %s", parsed.Scheme)
	}

	host := parsed.Hostname()
	bindHost := host
	switch host {
	case "localhost":
		bindHost = "127.0.0.1"
	case "127.0.0.1", "::1":
	default:
		return nil, fmt.Errorf("callback server only binds loopback addresses, got: %s", host)
	}
	port := parsed.Port()
	if port == "" {
		port = "0"
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(bindHost, port))
	if err != nil {
		return nil, fmt.Errorf("failed to start callback server: %w", err)
	}

	path := parsed.Path
	if path == "" {
		path = "/"
	}
	actual := *parsed
	actual.Host = net.JoinHostPort(host, strconv.Itoa(listener.Addr().(*net.TCPAddr).Port))
	actual.RawQuery = ""

	s := &CallbackServer{
		redirectURL: actual.String(),
		path:        path,
		listener:    listener,
		result:      make(chan callbackResult, 1),
	}
	s.server = &http.Server{
		Handler:      http.HandlerFunc(s.handle),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	go func() { _ = s.server.Serve(listener) }()
	return s, nil
}

// RedirectURL is the URL the server is reachable at.
func (s *CallbackServer) RedirectURL() string {
	return s.redirectURL
}

// ExpectState sets the state value the callback must carry.
func (s *CallbackServer) ExpectState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *CallbackServer) expectedState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CallbackServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.path {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.handled.CompareAndSwap(false, true) {
		http.Error(w, "Callback already received", http.StatusConflict)
		return
	}

	// One request only: refuse new connections before answering.
	_ = s.listener.Close()
	w.Header().Set("Connection", "close")

	res := s.parse(r.URL.Query())
	s.result <- res

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if res.err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, callbackFailurePage, html.EscapeString(res.err.Error()))
		return
	}
	_, _ = w.Write([]byte(callbackSuccessPage))
}

func (s *CallbackServer) parse(q url.Values) callbackResult {
	if code := q.Get("error"); code != "" {
		return callbackResult{err: &Error{
			Code:        code,
			Description: q.Get("error_description"),
			URI:         q.Get("error_uri"),
		}}
	}
	if want := s.expectedState(); want != "" && q.Get("state") != want {
		return callbackResult{err: ErrStateMismatch}
	}
	code := q.Get("code")
	if code == "" {
		return callbackResult{err: errors.New("no authorization code received")}
	}
	return callbackResult{code: code}
}

// Wait blocks until the callback arrives or ctx ends.
func (s *CallbackServer) Wait(ctx context.Context) (string, error) {
	select {
	case res := <-s.result:
		return res.code, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for authorization callback: %w", ctx.Err())
	}
}

// Close stops the server. It is safe to call more than once.
func (s *CallbackServer) Close() error {
	var err error
	s.once.Do(func() {
		err = s.server.Close()
	})
	return err
}
