package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/mcp-inspect/internal/config"
	"github.com/giantswarm/mcp-inspect/internal/tracking"
	"github.com/giantswarm/mcp-inspect/internal/transport"
)

// Event types pushed to the SSE consumer.
const (
	EventMessage      = "message"
	EventFetchRequest = "fetch_request"
	EventStdioLog     = "stdio_log"
)

// errInvalidMessage marks messages that cannot be relayed.
var errInvalidMessage = errors.New("invalid JSON-RPC message")

// maxQueuedEvents bounds the events kept while no consumer is attached.
const maxQueuedEvents = 10000

// Event is one SSE payload.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type stderrLine struct {
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line"`
}

// session relays one upstream MCP connection.
type session struct {
	id      string
	cfg     config.ServerConfig
	tr      *transport.Transport
	conn    mcptransport.Interface
	history *tracking.History

	mu       sync.Mutex
	queue    []Event
	attached bool
	wake     chan struct{}

	closed    chan struct{}
	closeOnce sync.Once

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage
}

func newSession(cfg config.ServerConfig, opts transport.Options, historySize int) (*session, error) {
	s := &session{
		id:      uuid.NewString(),
		cfg:     cfg,
		history: tracking.NewHistory(historySize),
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
		pending: make(map[string]chan json.RawMessage),
	}
	s.history.OnEntry(func(entry tracking.MessageEntry, _ bool) {
		s.push(Event{Type: EventMessage, Data: entry})
	})

	opts.OnStderr = func(line string) {
		s.push(Event{Type: EventStdioLog, Data: stderrLine{Timestamp: time.Now(), Line: line}})
	}
	opts.OnFetch = func(f transport.FetchEntry) {
		s.push(Event{Type: EventFetchRequest, Data: f})
	}
	opts.OnClose = func(error) { s.markClosed() }

	tr, err := transport.New(cfg, opts)
	if err != nil {
		return nil, err
	}
	s.tr = tr
	s.conn = tracking.Wrap(tr, s.history)
	return s, nil
}

func (s *session) start(ctx context.Context) error {
	if err := s.conn.Start(ctx); err != nil {
		return err
	}
	s.conn.SetNotificationHandler(func(mcp.JSONRPCNotification) {})
	if bidi, ok := s.conn.(mcptransport.BidirectionalInterface); ok {
		bidi.SetRequestHandler(s.handleServerRequest)
	}
	return nil
}

func (s *session) close() error {
	s.markClosed()
	return s.conn.Close()
}

func (s *session) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// push queues an event for the consumer.
func (s *session) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	if over := len(s.queue) - maxQueuedEvents; over > 0 {
		s.queue = append(s.queue[:0:0], s.queue[over:]...)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// attach claims the event stream. Only one consumer may hold it.
func (s *session) attach() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return false
	}
	s.attached = true
	return true
}

func (s *session) detach() {
	s.mu.Lock()
	s.attached = false
	s.mu.Unlock()
}

func (s *session) drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.queue
	s.queue = nil
	return events
}

// send forwards a client message upstream. Requests return the response;
// notifications and responses to server requests return nil.
func (s *session) send(ctx context.Context, raw json.RawMessage, relatedRequestID json.RawMessage) (*mcptransport.JSONRPCResponse, error) {
	var msg struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidMessage, err)
	}
	hasID := len(msg.ID) > 0 && string(msg.ID) != "null"

	switch {
	case msg.Method == "" && (hasID || len(relatedRequestID) > 0):
		id := msg.ID
		if len(relatedRequestID) > 0 {
			id = relatedRequestID
		}
		return nil, s.answerServerRequest(id, raw)

	case msg.Method == "":
		return nil, fmt.Errorf("%w: no method", errInvalidMessage)

	case !hasID:
		var n mcp.JSONRPCNotification
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("%w: %w", errInvalidMessage, err)
		}
		return nil, s.conn.SendNotification(ctx, n)
	}

	id, err := parseRequestID(msg.ID)
	if err != nil {
		return nil, err
	}
	req := mcptransport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Method:  msg.Method,
	}
	if len(msg.Params) > 0 {
		req.Params = msg.Params
	}

	resp, err := s.conn.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if msg.Method == string(mcp.MethodInitialize) && resp.Error == nil {
		s.negotiated(resp.Result)
	}
	return resp, nil
}

// negotiated passes the agreed protocol version to HTTP transports.
func (s *session) negotiated(result json.RawMessage) {
	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if json.Unmarshal(result, &init) != nil || init.ProtocolVersion == "" {
		return
	}
	if hc, ok := s.conn.(mcptransport.HTTPConnection); ok {
		hc.SetProtocolVersion(init.ProtocolVersion)
	}
}

// handleServerRequest pushes a server to client request to the consumer and
// waits for its answer through send.
func (s *session) handleServerRequest(ctx context.Context, req mcptransport.JSONRPCRequest) (*mcptransport.JSONRPCResponse, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	idRaw, err := json.Marshal(req.ID)
	if err != nil {
		return nil, err
	}
	key := idKey(idRaw)

	ch := make(chan json.RawMessage, 1)
	s.pendingMu.Lock()
	s.pending[key] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, key)
		s.pendingMu.Unlock()
	}()

	s.push(Event{Type: EventMessage, Data: tracking.MessageEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Direction: tracking.DirectionRequest,
		Message:   raw,
	}})

	select {
	case answer := <-ch:
		var resp mcptransport.JSONRPCResponse
		if err := json.Unmarshal(answer, &resp); err != nil {
			return nil, fmt.Errorf("invalid response from client: %w", err)
		}
		return &resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, transport.ErrClosed
	}
}

func (s *session) answerServerRequest(id, raw json.RawMessage) error {
	s.pendingMu.Lock()
	ch, ok := s.pending[idKey(id)]
	s.pendingMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no pending server request with id %s", errInvalidMessage, id)
	}
	select {
	case ch <- raw:
		return nil
	default:
		return fmt.Errorf("%w: server request %s was already answered", errInvalidMessage, id)
	}
}

// parseRequestID keeps numeric ids as int64 so the transport can match the
// response.
func parseRequestID(raw json.RawMessage) (mcp.RequestId, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return mcp.RequestId{}, fmt.Errorf("%w: bad id: %w", errInvalidMessage, err)
	}
	switch id := v.(type) {
	case string:
		return mcp.NewRequestId(id), nil
	case json.Number:
		n, err := id.Int64()
		if err != nil {
			return mcp.RequestId{}, fmt.Errorf("%w: bad id %s", errInvalidMessage, id)
		}
		return mcp.NewRequestId(n), nil
	default:
		return mcp.RequestId{}, fmt.Errorf("%w: bad id %s", errInvalidMessage, raw)
	}
}

func idKey(raw json.RawMessage) string {
	return string(bytes.TrimSpace(raw))
}
