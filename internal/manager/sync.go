package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/mcp-inspect/internal/inspector"
	"github.com/giantswarm/mcp-inspect/internal/metrics"
)

// SyncRecord is the outcome of the last logging level sync of a server.
type SyncRecord struct {
	Level               mcp.LoggingLevel `json:"level"`
	LastAttempt         time.Time        `json:"lastAttempt"`
	Success             bool             `json:"success"`
	Error               string           `json:"error,omitempty"`
	LastSuccessfulLevel mcp.LoggingLevel `json:"lastSuccessfulLevel,omitempty"`
}

// SyncLoggingLevel runs op to move a server to level. Syncs of the same
// server run one at a time in call order; a caller whose ctx ends while
// queued gives up without disturbing the queue. op is retried with the sync
// budget and the outcome is recorded.
func (m *Manager) SyncLoggingLevel(ctx context.Context, id string, level mcp.LoggingLevel, op func(context.Context) error) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	prev := e.syncTail
	done := make(chan struct{})
	e.syncTail = done
	m.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Hand the turn on only after the predecessor is finished.
			go func() {
				<-prev
				m.finishSync(e, done)
			}()
			return ctx.Err()
		}
	}
	defer m.finishSync(e, done)

	retry := m.opts.SyncRetry
	retry.Notify = func(attempt int, err error, delay time.Duration) {
		metrics.RetriesTotal.WithLabelValues("logging_sync").Inc()
		m.logger.Warning("Setting logging level %s on %s failed (%v), retry %d/%d in %s",
			level, e.name, err, attempt, retry.MaxRetries, delay)
	}
	err := RetryWithBackoff(ctx, op, retry)
	metrics.LoggingSyncTotal.WithLabelValues(metrics.Result(err)).Inc()

	m.mu.Lock()
	rec := SyncRecord{Level: level, LastAttempt: time.Now(), Success: err == nil}
	if e.sync != nil {
		rec.LastSuccessfulLevel = e.sync.LastSuccessfulLevel
	}
	if err != nil {
		rec.Error = err.Error()
	} else {
		rec.LastSuccessfulLevel = level
	}
	e.sync = &rec
	m.mu.Unlock()

	return err
}

func (m *Manager) finishSync(e *entry, done chan struct{}) {
	m.mu.Lock()
	if e.syncTail == done {
		e.syncTail = nil
	}
	m.mu.Unlock()
	close(done)
}

// SyncRecord returns the last sync outcome of a server, or nil when none ran.
func (m *Manager) SyncRecord(id string) (*SyncRecord, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if e.sync == nil {
		return nil, nil
	}
	rec := *e.sync
	return &rec, nil
}

// SetLoggingLevel remembers level as the desired level of a server and
// applies it when the server is connected. It is applied again after every
// successful Connect.
func (m *Manager) SetLoggingLevel(ctx context.Context, id string, level mcp.LoggingLevel) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	e.desiredLevel = level
	m.mu.Unlock()

	if e.client.Status() != inspector.StatusConnected {
		m.logger.Info("Logging level %s for %s will be applied on connect", level, e.name)
		return nil
	}
	if !e.client.ServerSupportsLogging() {
		return inspector.ErrLoggingUnsupported
	}
	return m.SyncLoggingLevel(ctx, id, level, func(ctx context.Context) error {
		return e.client.SetLoggingLevel(ctx, level)
	})
}
