// Package transport adapts the three MCP wire transports (stdio, SSE and
// streamable HTTP) to a single lifecycle with side-channel capture of stderr
// and HTTP traffic.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/mcp-inspect/internal/config"
	"github.com/giantswarm/mcp-inspect/internal/logging"
)

// DefaultCloseGracePeriod is how long a stdio server gets to exit after its
// stdin is closed before it is killed.
const DefaultCloseGracePeriod = 2 * time.Second

// UserAgent is sent on every HTTP request unless a header overrides it.
var UserAgent = "mcp-inspect/dev"

// Options configures a Transport. Every field is optional.
type Options struct {
	// HTTPClient supplies the base round tripper and timeout for HTTP kinds.
	HTTPClient *http.Client
	// Headers are merged under the server config headers.
	Headers     map[string]string
	TokenSource TokenSource
	// OnStderr receives each stderr line of a stdio server.
	OnStderr func(line string)
	// OnClose is called once when the server side ends the connection. It is
	// not called for Close.
	OnClose func(err error)
	// OnFetch receives every HTTP exchange.
	OnFetch          func(FetchEntry)
	Logger           *logging.Logger
	CloseGracePeriod time.Duration
}

// Transport is an mcp-go transport bound to one ServerConfig. It also
// implements the bidirectional and HTTP connection extensions.
type Transport struct {
	cfg   config.ServerConfig
	opts  Options
	inner mcptransport.Interface

	// closing is cancelled by Close and bounds every send.
	closing       context.Context
	cancelClosing context.CancelFunc
	// proc owns the child process and the SSE stream.
	proc       context.Context
	cancelProc context.CancelFunc

	startMu sync.Mutex
	started bool

	closed   atomic.Bool
	done     chan struct{}
	closeErr error

	causeMu sync.Mutex
	cause   error
}

var (
	_ mcptransport.BidirectionalInterface = (*Transport)(nil)
	_ mcptransport.HTTPConnection         = (*Transport)(nil)
)

// New builds the transport for cfg. No I/O happens until Start.
func New(cfg config.ServerConfig, opts Options) (*Transport, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.CloseGracePeriod <= 0 {
		opts.CloseGracePeriod = DefaultCloseGracePeriod
	}

	t := &Transport{
		cfg:  cfg,
		opts: opts,
		done: make(chan struct{}),
	}
	t.closing, t.cancelClosing = context.WithCancel(context.Background())
	t.proc, t.cancelProc = context.WithCancel(context.Background())

	var err error
	switch cfg.Kind() {
	case config.KindStdio:
		t.inner = mcptransport.NewStdioWithOptions(cfg.Command, cfg.EnvList(), cfg.Args,
			mcptransport.WithCommandFunc(t.command),
			mcptransport.WithCommandLogger(opts.Logger),
		)
	case config.KindSSE:
		t.inner, err = mcptransport.NewSSE(cfg.URL,
			mcptransport.WithHTTPClient(t.httpClient(true)),
			mcptransport.WithSSELogger(opts.Logger),
		)
	case config.KindStreamableHTTP:
		t.inner, err = mcptransport.NewStreamableHTTP(cfg.URL,
			mcptransport.WithHTTPBasicClient(t.httpClient(false)),
			mcptransport.WithHTTPLogger(opts.Logger),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s transport: %w", cfg.Kind(), err)
	}
	return t, nil
}

// Kind returns the resolved transport kind.
func (t *Transport) Kind() config.TransportKind {
	return t.cfg.Kind()
}

// Config returns a copy of the server config.
func (t *Transport) Config() config.ServerConfig {
	return t.cfg.Clone()
}

// command spawns the stdio server. ctx is the transport's process context.
func (t *Transport) command(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Dir = t.cfg.Cwd
	return cmd, nil
}

func (t *Transport) httpClient(watchStream bool) *http.Client {
	base := t.opts.HTTPClient
	if base == nil {
		base = &http.Client{}
	}

	rt := NewRecordingRoundTripper(base.Transport, FetchTransport, t.opts.OnFetch)
	srt := &sessionRoundTripper{
		base:        rt,
		headers:     mergeHeaders(map[string]string{"User-Agent": UserAgent}, t.opts.Headers, t.cfg.Headers),
		tokenSource: t.opts.TokenSource,
	}
	if watchStream {
		srt.onStreamEnd = func(error) { go t.remoteClosed(ErrStreamClosed) }
	}

	return &http.Client{
		Transport:     srt,
		Timeout:       base.Timeout,
		CheckRedirect: base.CheckRedirect,
		Jar:           base.Jar,
	}
}

// Start connects the transport. Cancelling ctx aborts the connect but does
// not bound the lifetime of a started transport.
func (t *Transport) Start(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.startMu.Lock()
	if t.started {
		t.startMu.Unlock()
		return nil
	}
	t.started = true
	t.startMu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- t.inner.Start(t.proc) }()

	select {
	case err := <-errCh:
		if err != nil {
			_ = t.shutdown(nil)
			return fmt.Errorf("failed to start %s transport: %w", t.Kind(), err)
		}
	case <-ctx.Done():
		_ = t.shutdown(nil)
		return ctx.Err()
	}

	if stdio, ok := t.inner.(*mcptransport.Stdio); ok {
		if stderr := stdio.Stderr(); stderr != nil {
			go t.pumpStderr(stderr)
		}
	}
	return nil
}

// pumpStderr forwards stderr lines. EOF means the process is gone.
func (t *Transport) pumpStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if t.opts.OnStderr != nil {
			t.opts.OnStderr(scanner.Text())
		}
	}
	t.remoteClosed(ErrProcessExited)
}

func (t *Transport) remoteClosed(cause error) {
	if t.closed.Load() {
		return
	}
	t.opts.Logger.Debug("%s transport closed: %v", t.Kind(), cause)
	_ = t.shutdown(cause)
}

// bind derives a context that is also cancelled by Close.
func (t *Transport) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.closing, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (t *Transport) closedErr() error {
	t.causeMu.Lock()
	cause := t.cause
	t.causeMu.Unlock()
	if cause != nil {
		return fmt.Errorf("%w: %v", ErrClosed, cause)
	}
	return ErrClosed
}

// SendRequest sends a request and waits for its response.
func (t *Transport) SendRequest(ctx context.Context, req mcptransport.JSONRPCRequest) (*mcptransport.JSONRPCResponse, error) {
	if t.closed.Load() {
		return nil, t.closedErr()
	}
	ctx, cancel := t.bind(ctx)
	defer cancel()

	resp, err := t.inner.SendRequest(ctx, req)
	if err != nil && t.closing.Err() != nil {
		return nil, t.closedErr()
	}
	return resp, err
}

// SendNotification sends a notification.
func (t *Transport) SendNotification(ctx context.Context, n mcp.JSONRPCNotification) error {
	if t.closed.Load() {
		return t.closedErr()
	}
	ctx, cancel := t.bind(ctx)
	defer cancel()

	err := t.inner.SendNotification(ctx, n)
	if err != nil && t.closing.Err() != nil {
		return t.closedErr()
	}
	return err
}

// SetNotificationHandler sets the handler for server notifications.
func (t *Transport) SetNotificationHandler(handler func(mcp.JSONRPCNotification)) {
	t.inner.SetNotificationHandler(handler)
}

// SetRequestHandler sets the handler for server-initiated requests where the
// underlying transport supports them.
func (t *Transport) SetRequestHandler(handler mcptransport.RequestHandler) {
	if bidi, ok := t.inner.(mcptransport.BidirectionalInterface); ok {
		bidi.SetRequestHandler(handler)
	}
}

// SetProtocolVersion records the negotiated version for HTTP kinds.
func (t *Transport) SetProtocolVersion(version string) {
	if hc, ok := t.inner.(mcptransport.HTTPConnection); ok {
		hc.SetProtocolVersion(version)
	}
}

// GetSessionId returns the server-assigned session id, if any.
func (t *Transport) GetSessionId() string {
	return t.inner.GetSessionId()
}

// Closed is closed once the transport has shut down.
func (t *Transport) Closed() <-chan struct{} {
	return t.done
}

// Close shuts the transport down. It is safe to call more than once.
func (t *Transport) Close() error {
	return t.shutdown(nil)
}

func (t *Transport) shutdown(cause error) error {
	if !t.closed.CompareAndSwap(false, true) {
		<-t.done
		return t.closeErr
	}

	t.causeMu.Lock()
	t.cause = cause
	t.causeMu.Unlock()
	t.cancelClosing()

	innerDone := make(chan error, 1)
	go func() { innerDone <- t.inner.Close() }()

	timer := time.NewTimer(t.opts.CloseGracePeriod)
	var err error
	select {
	case err = <-innerDone:
		timer.Stop()
	case <-timer.C:
		t.opts.Logger.Debug("%s transport did not close within %s, killing", t.Kind(), t.opts.CloseGracePeriod)
		t.cancelProc()
		err = <-innerDone
	}
	t.cancelProc()

	// The exit status of a server we asked to stop is not a close failure.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		err = nil
	}
	t.closeErr = err
	close(t.done)

	if cause != nil && t.opts.OnClose != nil {
		t.opts.OnClose(cause)
	}
	return err
}
