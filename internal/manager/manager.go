// Package manager keeps many inspector sessions alive side by side. It adds
// bounded retries with exponential backoff to connects, makes sure failures
// of a server's first connection are never swallowed by later retries, and
// serializes logging level synchronization per server.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/mcp-inspect/internal/config"
	"github.com/giantswarm/mcp-inspect/internal/inspector"
	"github.com/giantswarm/mcp-inspect/internal/logging"
	"github.com/giantswarm/mcp-inspect/internal/metrics"
	"github.com/giantswarm/mcp-inspect/internal/tracking"
)

// ErrUnknownServer is returned for ids that were never added or have been
// removed.
var ErrUnknownServer = errors.New("unknown server")

// Factory builds the session for a server.
type Factory func(name string, cfg config.ServerConfig) (*inspector.Client, error)

// Options configures a Manager.
type Options struct {
	Logger    *logging.Logger
	Factory   Factory
	Retry     RetryOptions
	SyncRetry RetryOptions
}

// Summary describes one managed server.
type Summary struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Config    config.ServerConfig `json:"config"`
	Status    inspector.Status    `json:"status"`
	LastError string              `json:"lastError,omitempty"`
}

type entry struct {
	id     string
	name   string
	client *inspector.Client

	reliability  Reliability
	sync         *SyncRecord
	syncTail     chan struct{}
	desiredLevel mcp.LoggingLevel
}

// Manager owns sessions keyed by a generated server id.
type Manager struct {
	opts   Options
	logger *logging.Logger

	connectGroup singleflight.Group
	connectMu    sync.Mutex
	connects     map[string]*connectState

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// New creates an empty manager.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Factory == nil {
		logger := opts.Logger
		opts.Factory = func(_ string, cfg config.ServerConfig) (*inspector.Client, error) {
			return inspector.NewClient(inspector.Options{
				Config:      cfg,
				Logger:      logger,
				MaxMessages: tracking.DefaultCapacity,
			})
		}
	}
	opts.Retry = opts.Retry.withDefaults(DefaultRetry)
	opts.SyncRetry = opts.SyncRetry.withDefaults(DefaultSyncRetry)

	return &Manager{
		opts:     opts,
		logger:   opts.Logger,
		entries:  make(map[string]*entry),
		connects: make(map[string]*connectState),
	}
}

// Add registers a server and returns its id. No connection is made.
func (m *Manager) Add(name string, cfg config.ServerConfig) (string, error) {
	c, err := m.opts.Factory(name, cfg)
	if err != nil {
		return "", fmt.Errorf("failed to create session for %s: %w", name, err)
	}

	id := uuid.NewString()
	m.mu.Lock()
	m.entries[id] = &entry{
		id:          id,
		name:        name,
		client:      c,
		reliability: Reliability{IsFirstConnection: true},
	}
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.logger.Debug("Added server %s (%s)", name, id)
	return id, nil
}

// Get returns the session of a server.
func (m *Manager) Get(id string) (*inspector.Client, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	return e.client, nil
}

// Lookup finds a server id by name.
func (m *Manager) Lookup(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		if m.entries[id].name == name {
			return id, true
		}
	}
	return "", false
}

// List returns the servers in the order they were added.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.order))
	for _, id := range m.order {
		entries = append(entries, m.entries[id])
	}
	m.mu.RUnlock()

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		s := Summary{
			ID:     e.id,
			Name:   e.name,
			Config: e.client.Config(),
			Status: e.client.Status(),
		}
		if err := e.client.LastError(); err != nil {
			s.LastError = err.Error()
		}
		out = append(out, s)
	}
	return out
}

// Remove disconnects a server and forgets it together with its reliability
// and sync records.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	delete(m.entries, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.logger.Debug("Removed server %s (%s)", e.name, id)
	return e.client.Disconnect(ctx)
}

// Close disconnects and forgets every server.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.order = nil
	m.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.client.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}

// Connect connects a server, retrying with backoff. Concurrent calls for the
// same id share one attempt, which outlives a caller whose ctx ends as long as
// another caller still waits. Authorization failures are not retried.
func (m *Manager) Connect(ctx context.Context, id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	m.joinConnect(id)
	ch := m.connectGroup.DoChan(id, func() (any, error) {
		ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		running := m.startConnect(id, cancel)
		defer m.finishConnect(id, running)

		retry := m.opts.Retry
		retry.Notify = func(attempt int, err error, delay time.Duration) {
			metrics.RetriesTotal.WithLabelValues("connect").Inc()
			m.logger.Warning("Connecting to %s failed (%v), retry %d/%d in %s",
				e.name, err, attempt, retry.MaxRetries, delay)
		}
		return nil, RetryWithBackoff(ctx, func(ctx context.Context) error {
			err := m.EnsureErrorVisibility(ctx, id, e.client.Connect)
			if inspector.IsAuthorizationRequired(err) {
				return backoff.Permanent(err)
			}
			return err
		}, retry)
	})

	select {
	case res := <-ch:
		m.leaveConnect(id, false)
		if res.Err != nil {
			return res.Err
		}
	case <-ctx.Done():
		m.leaveConnect(id, true)
		return ctx.Err()
	}

	m.reapplyLoggingLevel(ctx, e)
	return nil
}

// connectState counts the callers waiting on a server's shared connect.
type connectState struct {
	waiters int
	attempt *connectAttempt
}

type connectAttempt struct {
	cancel context.CancelFunc
}

func (m *Manager) joinConnect(id string) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()
	st, ok := m.connects[id]
	if !ok {
		st = &connectState{}
		m.connects[id] = st
	}
	st.waiters++
}

// startConnect registers the running attempt, cancelling it at once when
// every caller already left.
func (m *Manager) startConnect(id string, cancel context.CancelFunc) *connectAttempt {
	attempt := &connectAttempt{cancel: cancel}
	m.connectMu.Lock()
	defer m.connectMu.Unlock()
	st, ok := m.connects[id]
	if !ok || st.waiters == 0 {
		cancel()
		return attempt
	}
	st.attempt = attempt
	return attempt
}

func (m *Manager) finishConnect(id string, attempt *connectAttempt) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()
	if st, ok := m.connects[id]; ok && st.attempt == attempt {
		st.attempt = nil
	}
}

// leaveConnect drops one waiter. The last caller to give up cancels the
// attempt, and later callers start a fresh one.
func (m *Manager) leaveConnect(id string, abandoned bool) {
	m.connectMu.Lock()
	st, ok := m.connects[id]
	if !ok {
		m.connectMu.Unlock()
		return
	}
	st.waiters--
	last := abandoned && st.waiters == 0
	attempt := st.attempt
	if st.waiters == 0 {
		delete(m.connects, id)
	}
	m.connectMu.Unlock()

	if !last {
		return
	}
	m.connectGroup.Forget(id)
	if attempt != nil {
		attempt.cancel()
	}
}

// ConnectAll connects every server concurrently and returns the joined
// errors.
func (m *Manager) ConnectAll(ctx context.Context) error {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		g.Go(func() error {
			if err := m.Connect(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Disconnect closes the session of a server and keeps it registered.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	return e.client.Disconnect(ctx)
}

// reapplyLoggingLevel restores the desired logging level on a fresh
// connection. Failures only warn.
func (m *Manager) reapplyLoggingLevel(ctx context.Context, e *entry) {
	m.mu.RLock()
	level := e.desiredLevel
	m.mu.RUnlock()
	if level == "" || !e.client.ServerSupportsLogging() {
		return
	}
	err := m.SyncLoggingLevel(ctx, e.id, level, func(ctx context.Context) error {
		return e.client.SetLoggingLevel(ctx, level)
	})
	if err != nil {
		m.logger.Warning("Failed to restore logging level %s on %s: %v", level, e.name, err)
	}
}

func (m *Manager) entry(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	return e, nil
}
