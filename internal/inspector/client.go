package inspector

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/mcp-inspect/internal/config"
	"github.com/giantswarm/mcp-inspect/internal/logging"
	"github.com/giantswarm/mcp-inspect/internal/metrics"
	"github.com/giantswarm/mcp-inspect/internal/oauth"
	"github.com/giantswarm/mcp-inspect/internal/tracking"
	"github.com/giantswarm/mcp-inspect/internal/transport"
)

const (
	DefaultClientName     = "mcp-inspect"
	DefaultConnectTimeout = 30 * time.Second
	DefaultMaxStderrLines = 1000
	DefaultMaxFetches     = 1000
)

// Options configures a Client.
type Options struct {
	Config        config.ServerConfig
	Logger        *logging.Logger
	ClientName    string
	ClientVersion string

	// MaxMessages bounds the message history. Zero disables tracking.
	MaxMessages      int
	MaxStderrLines   int
	MaxFetchRequests int

	// OAuth handles authorization challenges. Nil leaves them to the caller.
	OAuth        *oauth.Engine
	CodeReceiver oauth.CodeReceiver

	HTTPClient     *http.Client
	Headers        map[string]string
	ConnectTimeout time.Duration
}

// Client is one inspector session against one MCP server.
type Client struct {
	opts    Options
	logger  *logging.Logger
	history *tracking.History

	connectGroup singleflight.Group
	reqID        atomic.Int64

	mu             sync.RWMutex
	status         Status
	lastErr        error
	gen            uint64
	cancelConnect  context.CancelFunc
	attempt        *connectAttempt
	connectWaiters int
	mcpClient      *client.Client
	conn           mcptransport.Interface

	capabilities *mcp.ServerCapabilities
	serverInfo   *mcp.Implementation
	instructions string
	tools        []mcp.Tool
	resources    []mcp.Resource
	prompts      []mcp.Prompt

	stderr  []StderrEntry
	fetches []transport.FetchEntry

	subMu   sync.Mutex
	subs    []subscriber
	nextSub int
}

// NewClient creates a disconnected session. No I/O happens until Connect.
func NewClient(opts Options) (*Client, error) {
	opts.Config = opts.Config.WithDefaults()
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.ClientName == "" {
		opts.ClientName = DefaultClientName
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "dev"
	}
	if opts.MaxStderrLines <= 0 {
		opts.MaxStderrLines = DefaultMaxStderrLines
	}
	if opts.MaxFetchRequests <= 0 {
		opts.MaxFetchRequests = DefaultMaxFetches
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}

	c := &Client{
		opts:   opts,
		logger: opts.Logger,
		status: StatusDisconnected,
	}
	if opts.MaxMessages > 0 {
		c.history = tracking.NewHistory(opts.MaxMessages)
		c.history.OnEntry(func(entry tracking.MessageEntry, updated bool) {
			if !updated {
				metrics.MessagesTotal.WithLabelValues(string(entry.Direction)).Inc()
			}
			c.emit(Event{Type: EventMessage, Message: &entry, Updated: updated})
		})
	}
	return c, nil
}

// Config returns the server config of the session.
func (c *Client) Config() config.ServerConfig {
	return c.opts.Config.Clone()
}

// Connect connects and initializes the session. It is a no-op when already
// connected, and concurrent callers share one attempt. A caller whose ctx ends
// returns early without failing the others; the attempt is cancelled once
// every caller has given up.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusConnected {
		return nil
	}

	c.mu.Lock()
	c.connectWaiters++
	c.mu.Unlock()

	ch := c.connectGroup.DoChan("connect", func() (any, error) {
		attemptCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()

		attempt := &connectAttempt{cancel: cancel}
		c.mu.Lock()
		c.attempt = attempt
		if c.connectWaiters == 0 {
			cancel()
		}
		c.mu.Unlock()

		err := c.connect(attemptCtx)

		c.mu.Lock()
		if c.attempt == attempt {
			c.attempt = nil
		}
		c.mu.Unlock()
		return nil, err
	})

	select {
	case res := <-ch:
		c.leaveConnect(false)
		return res.Err
	case <-ctx.Done():
		c.leaveConnect(true)
		return ctx.Err()
	}
}

type connectAttempt struct {
	cancel context.CancelFunc
}

// leaveConnect drops one waiter of the shared attempt. The last waiter to
// give up cancels it, and later callers start a fresh one.
func (c *Client) leaveConnect(abandoned bool) {
	c.mu.Lock()
	c.connectWaiters--
	last := abandoned && c.connectWaiters == 0
	attempt := c.attempt
	if last {
		c.attempt = nil
	}
	c.mu.Unlock()

	if !last {
		return
	}
	c.connectGroup.Forget("connect")
	if attempt != nil {
		attempt.cancel()
	}
}

func (c *Client) connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.cancelConnect = cancel
	c.mu.Unlock()

	cfg := c.opts.Config
	c.setStatus(gen, StatusConnecting, nil)
	c.logger.Info("Connecting to MCP server at %s using %s transport...", cfg.Target(), cfg.Kind())

	err := c.dial(ctx, gen)
	if ue, ok := transport.AsUnauthorized(err); ok {
		err = c.handleUnauthorized(ctx, gen, ue)
	}
	metrics.ConnectionAttemptsTotal.WithLabelValues(string(cfg.Kind()), metrics.Result(err)).Inc()

	if err != nil {
		if c.setStatus(gen, StatusError, err) {
			c.logger.Error("Connection failed: %v", err)
			c.emit(Event{Type: EventError, Err: err})
		}
		return err
	}
	if !c.setStatus(gen, StatusConnected, nil) {
		return ErrDisconnected
	}
	c.logger.Success("Connected to %s", cfg.Target())

	c.refreshAll(ctx)
	return nil
}

// handleUnauthorized authorizes with the engine and dials once more.
func (c *Client) handleUnauthorized(ctx context.Context, gen uint64, ue *transport.UnauthorizedError) error {
	challenge, _ := oauth.ParseChallenge(ue.Challenge)
	c.emit(Event{Type: EventAuthorizationRequired, Err: ue})

	engine := c.opts.OAuth
	if engine == nil {
		return fmt.Errorf("%w: %w", ErrAuthorizationRequired, ue)
	}

	c.logger.Info("OAuth authorization required, starting authorization flow...")
	if _, err := engine.Reauthorize(ctx, challenge, c.opts.CodeReceiver); err != nil {
		return fmt.Errorf("%w: OAuth authorization failed: %w", ErrAuthorizationRequired, err)
	}
	c.logger.Success("OAuth authorization completed, reconnecting...")

	err := c.dial(ctx, gen)
	if ue, ok := transport.AsUnauthorized(err); ok {
		return fmt.Errorf("%w: server rejected the new token: %w", ErrAuthorizationRequired, ue)
	}
	if err == nil && challenge.InsufficientScope() {
		engine.StepUpSucceeded()
	}
	return err
}

// dial builds the transport, starts the mcp-go client and runs initialize.
func (c *Client) dial(ctx context.Context, gen uint64) error {
	opts := transport.Options{
		HTTPClient: c.opts.HTTPClient,
		Headers:    c.opts.Headers,
		OnStderr:   c.recordStderr,
		OnClose:    func(err error) { c.transportClosed(gen, err) },
		OnFetch:    c.RecordFetch,
		Logger:     c.logger,
	}
	if c.opts.OAuth != nil {
		opts.TokenSource = c.opts.OAuth.Token
	}

	tr, err := transport.New(c.opts.Config, opts)
	if err != nil {
		return err
	}
	conn := tracking.Wrap(tr, c.history)
	mc := client.NewClient(conn)

	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	if err := mc.Start(ctx); err != nil {
		_ = tr.Close()
		return err
	}
	mc.OnNotification(func(n mcp.JSONRPCNotification) {
		c.handleNotification(gen, n)
	})

	req := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    c.opts.ClientName,
				Version: c.opts.ClientVersion,
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}
	c.logger.Request("initialize", req.Params)

	result, err := mc.Initialize(ctx, req)
	if err != nil {
		_ = mc.Close()
		return fmt.Errorf("initialize failed: %w", err)
	}
	c.logger.Response("initialize", result)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = mc.Close()
		return ErrDisconnected
	}
	c.mcpClient = mc
	c.conn = conn
	c.capabilities = &result.Capabilities
	info := result.ServerInfo
	c.serverInfo = &info
	c.instructions = result.Instructions
	c.tools, c.resources, c.prompts = nil, nil, nil
	c.mu.Unlock()

	c.emit(Event{Type: EventCapabilitiesChanged})
	return nil
}

// setStatus moves generation gen to status. It reports false when gen is
// stale, i.e. Disconnect or a newer connect took over.
func (c *Client) setStatus(gen uint64, status Status, err error) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	prev := c.status
	c.status = status
	c.lastErr = err
	if status != StatusConnected {
		c.mcpClient, c.conn = nil, nil
	}
	c.mu.Unlock()

	c.statusChanged(prev, status)
	return true
}

func (c *Client) statusChanged(prev, status Status) {
	if prev == status {
		return
	}
	switch {
	case status == StatusConnected:
		metrics.SessionsActive.Inc()
	case prev == StatusConnected:
		metrics.SessionsActive.Dec()
	}
	c.emit(Event{Type: EventStatusChanged, Status: status})
}

// transportClosed handles the server side ending a connected session.
func (c *Client) transportClosed(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.status != StatusConnected {
		c.mu.Unlock()
		return
	}
	mc := c.mcpClient
	c.status = StatusDisconnected
	c.lastErr = cause
	c.mcpClient, c.conn = nil, nil
	c.mu.Unlock()

	if mc != nil {
		_ = mc.Close()
	}
	c.logger.Warning("Connection to %s closed: %v", c.opts.Config.Target(), cause)
	c.statusChanged(StatusConnected, StatusDisconnected)
}

// Disconnect closes the session. An in-flight Connect is abandoned.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.gen++
	prev := c.status
	mc := c.mcpClient
	cancel := c.cancelConnect
	c.status = StatusDisconnected
	c.lastErr = nil
	c.mcpClient, c.conn, c.cancelConnect = nil, nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if mc != nil {
		err = mc.Close()
	}
	c.statusChanged(prev, StatusDisconnected)
	return err
}

// Reconnect disconnects and connects again.
func (c *Client) Reconnect(ctx context.Context) error {
	c.logger.Info("Attempting to reconnect to MCP server...")
	_ = c.Disconnect(ctx)
	return c.Connect(ctx)
}

func (c *Client) handleNotification(gen uint64, n mcp.JSONRPCNotification) {
	c.mu.RLock()
	current := c.gen == gen
	c.mu.RUnlock()
	if !current {
		return
	}

	c.logger.Notification(n.Method, n.Params)
	c.emit(Event{Type: EventNotification, Notification: &n})

	var refresh func(context.Context, bool) error
	switch n.Method {
	case mcp.MethodNotificationToolsListChanged:
		refresh = c.listTools
	case mcp.MethodNotificationResourcesListChanged:
		refresh = c.listResources
	case mcp.MethodNotificationPromptsListChanged:
		refresh = c.listPrompts
	default:
		return
	}

	// Notifications are delivered on the transport's read loop, so requests
	// must not be issued from here.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
		defer cancel()
		if err := refresh(ctx, false); err != nil {
			c.logger.Warning("Failed to refresh after %s: %v", n.Method, err)
		}
	}()
}

// refreshAll lists tools, resources and prompts for every advertised
// capability. Failures leave the list empty.
func (c *Client) refreshAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	list := func(name string, supported bool, fn func(context.Context, bool) error) {
		if !supported {
			c.logger.Info("Server does not support %s capability", name)
			return
		}
		g.Go(func() error {
			if err := fn(gctx, true); err != nil {
				c.logger.Warning("Listing %s failed: %v", name, err)
			}
			return nil
		})
	}
	list("tools", c.ServerSupportsTools(), c.listTools)
	list("resources", c.ServerSupportsResources(), c.listResources)
	list("prompts", c.ServerSupportsPrompts(), c.listPrompts)
	_ = g.Wait()
}

func (c *Client) recordStderr(line string) {
	entry := StderrEntry{Timestamp: time.Now(), Line: line}
	c.mu.Lock()
	c.stderr = appendBounded(c.stderr, entry, c.opts.MaxStderrLines)
	c.mu.Unlock()

	c.logger.InfoVerbose("[stderr] %s", line)
	c.emit(Event{Type: EventStdioLog, Stderr: &entry})
}

// RecordFetch adds an HTTP exchange to the fetch history. It is the hook for
// traffic made on the session's behalf, such as OAuth requests.
func (c *Client) RecordFetch(entry transport.FetchEntry) {
	c.mu.Lock()
	c.fetches = appendBounded(c.fetches, entry, c.opts.MaxFetchRequests)
	c.mu.Unlock()

	c.emit(Event{Type: EventFetchRequest, Fetch: &entry})
}

func appendBounded[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if over := len(s) - limit; over > 0 {
		s = append(s[:0:0], s[over:]...)
	}
	return s
}

// Status returns the connection status.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// LastError returns the error behind the error status, or the cause of the
// last remote close.
func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Messages returns the tracked message history, oldest first.
func (c *Client) Messages() []tracking.MessageEntry {
	if c.history == nil {
		return nil
	}
	return c.history.Entries()
}

// ClearMessages empties the message history.
func (c *Client) ClearMessages() {
	if c.history != nil {
		c.history.Clear()
	}
}

func (c *Client) StderrLogs() []StderrEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]StderrEntry(nil), c.stderr...)
}

func (c *Client) FetchRequests() []transport.FetchEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]transport.FetchEntry(nil), c.fetches...)
}

// Capabilities returns the server capabilities from the last initialize.
func (c *Client) Capabilities() *mcp.ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

func (c *Client) ServerInfo() *mcp.Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

func (c *Client) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instructions
}

func (c *Client) Tools() []mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]mcp.Tool(nil), c.tools...)
}

func (c *Client) Resources() []mcp.Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]mcp.Resource(nil), c.resources...)
}

func (c *Client) Prompts() []mcp.Prompt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]mcp.Prompt(nil), c.prompts...)
}

// Helper methods to check server capabilities
func (c *Client) ServerSupportsTools() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities != nil && c.capabilities.Tools != nil
}

func (c *Client) ServerSupportsResources() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities != nil && c.capabilities.Resources != nil
}

func (c *Client) ServerSupportsPrompts() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities != nil && c.capabilities.Prompts != nil
}

func (c *Client) ServerSupportsLogging() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities != nil && c.capabilities.Logging != nil
}

// connection returns the live mcp-go client and tracked transport.
func (c *Client) connection() (*client.Client, mcptransport.Interface, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status != StatusConnected || c.mcpClient == nil {
		if c.lastErr != nil && isConnectionLost(c.lastErr) {
			return nil, nil, fmt.Errorf("%w: %w", ErrNotConnected, c.lastErr)
		}
		return nil, nil, ErrNotConnected
	}
	return c.mcpClient, c.conn, nil
}
