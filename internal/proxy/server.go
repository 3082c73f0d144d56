// Package proxy is the remote boundary for browser and terminal front ends.
// It relays MCP sessions over HTTP, streams their traffic as server-sent
// events, stores OAuth state for remote storage clients and exposes metrics.
//
// Every route except /healthz requires the bearer token the proxy was
// started with.
package proxy

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/giantswarm/mcp-inspect/internal/config"
	"github.com/giantswarm/mcp-inspect/internal/logging"
	"github.com/giantswarm/mcp-inspect/internal/oauth"
	"github.com/giantswarm/mcp-inspect/internal/tracking"
	"github.com/giantswarm/mcp-inspect/internal/transport"
)

// ErrUnknownSession is returned for session ids the proxy does not know.
var ErrUnknownSession = errors.New("unknown session")

// maxBodySize bounds request bodies.
const maxBodySize = 4 << 20

// Options configures a Server.
type Options struct {
	// Token authenticates every request. It must not be empty.
	Token  string
	Logger *logging.Logger
	// Storage backs the /storage/oauth endpoints. Nil keeps state in memory.
	Storage     oauth.Backend
	MaxMessages int
	HTTPClient  *http.Client
}

// Server is the proxy HTTP handler and its sessions.
type Server struct {
	opts   Options
	logger *logging.Logger
	mux    *http.ServeMux

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a proxy server.
func New(opts Options) (*Server, error) {
	if opts.Token == "" {
		return nil, errors.New("proxy token must not be empty")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Storage == nil {
		opts.Storage = oauth.NewMemoryBackend()
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = tracking.DefaultCapacity
	}

	s := &Server{
		opts:     opts,
		logger:   opts.Logger,
		mux:      http.NewServeMux(),
		sessions: make(map[string]*session),
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("POST /connect", s.authenticated(http.HandlerFunc(s.handleConnect)))
	s.mux.Handle("POST /send", s.authenticated(http.HandlerFunc(s.handleSend)))
	s.mux.Handle("GET /events", s.authenticated(http.HandlerFunc(s.handleEvents)))
	s.mux.Handle("POST /disconnect", s.authenticated(http.HandlerFunc(s.handleDisconnect)))
	s.mux.Handle(oauth.StoragePath, s.authenticated(http.HandlerFunc(s.handleStorage)))
	s.mux.Handle("GET /metrics", s.authenticated(promhttp.Handler()))
	return s, nil
}

// Handler returns the HTTP handler of the proxy.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Close ends every session.
func (s *Server) Close() error {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	var errs []error
	for _, sess := range sessions {
		if err := sess.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) authenticated(next http.Handler) http.Handler {
	want := []byte("Bearer " + s.opts.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mcp-inspect"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) session(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return sess, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

type connectRequest struct {
	Config  config.ServerConfig `json:"config"`
	Headers map[string]string   `json:"headers,omitempty"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg := req.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := newSession(cfg, transport.Options{
		HTTPClient: s.opts.HTTPClient,
		Headers:    req.Headers,
		Logger:     s.logger,
	}, s.opts.MaxMessages)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := sess.start(r.Context()); err != nil {
		s.logger.Error("Failed to start %s session for %s: %v", cfg.Kind(), cfg.Target(), err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	go s.forgetOnClose(sess)

	s.logger.Info("Session %s connected to %s using %s transport", sess.id, cfg.Target(), cfg.Kind())
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sess.id})
}

// forgetOnClose drops sess once its upstream ends.
func (s *Server) forgetOnClose(sess *session) {
	<-sess.closed
	s.mu.Lock()
	current, ok := s.sessions[sess.id]
	owned := ok && current == sess
	if owned {
		delete(s.sessions, sess.id)
	}
	s.mu.Unlock()
	if owned {
		s.logger.Info("Session %s ended by upstream", sess.id)
	}
}

type sendRequest struct {
	SessionID        string          `json:"sessionId"`
	Message          json.RawMessage `json:"message"`
	RelatedRequestID json.RawMessage `json:"relatedRequestId,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.session(req.SessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if len(req.Message) == 0 {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	resp, err := sess.send(r.Context(), req.Message, req.RelatedRequestID)
	if ue, ok := transport.AsUnauthorized(err); ok {
		// Pass the upstream challenge through so the client can authorize.
		if ue.Challenge != "" {
			w.Header().Set("WWW-Authenticate", ue.Challenge)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(ue.Body))
		return
	}
	if errors.Is(err, errInvalidMessage) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r.URL.Query().Get("sessionId"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if !sess.attach() {
		writeError(w, http.StatusConflict, "session already has an event consumer")
		return
	}
	defer sess.detach()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		for _, ev := range sess.drain() {
			if err := writeEvent(w, ev); err != nil {
				return
			}
		}
		flusher.Flush()

		select {
		case <-sess.wake:
		case <-sess.closed:
			for _, ev := range sess.drain() {
				_ = writeEvent(w, ev)
			}
			flusher.Flush()
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

type disconnectRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[req.SessionID]
	delete(s.sessions, req.SessionID)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%v: %s", ErrUnknownSession, req.SessionID))
		return
	}

	if err := sess.close(); err != nil {
		s.logger.Warning("Closing session %s: %v", sess.id, err)
	}
	s.logger.Info("Session %s disconnected", sess.id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	serverURL := strings.TrimSpace(r.URL.Query().Get("serverUrl"))
	if serverURL == "" {
		writeError(w, http.StatusBadRequest, "serverUrl is required")
		return
	}
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		st, err := s.opts.Storage.Load(ctx, serverURL)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if st == nil {
			writeError(w, http.StatusNotFound, "no state stored")
			return
		}
		writeJSON(w, http.StatusOK, st)

	case http.MethodPut:
		var st oauth.State
		if err := decodeBody(w, r, &st); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.opts.Storage.Save(ctx, serverURL, &st); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		if err := s.opts.Storage.Delete(ctx, serverURL); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.Header().Set("Allow", "GET, PUT, DELETE")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
