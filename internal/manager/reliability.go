package manager

import (
	"context"
	"time"
)

// ConnectionError is a failure of a server's first connection.
type ConnectionError struct {
	Attempt int       `json:"attempt"`
	Time    time.Time `json:"time"`
	Error   string    `json:"error"`
}

// Reliability is the connection record of a server.
type Reliability struct {
	ConnectionAttempts       int               `json:"connectionAttempts"`
	LastSuccessfulConnection *time.Time        `json:"lastSuccessfulConnection,omitempty"`
	FirstConnectionErrors    []ConnectionError `json:"firstConnectionErrors,omitempty"`
	IsFirstConnection        bool              `json:"isFirstConnection"`
}

// EnsureErrorVisibility runs a connection attempt for a server and records
// it. Until a connection has succeeded once, every failure is kept in
// FirstConnectionErrors and logged right away, so retries that succeed later
// do not hide why the first attempts failed.
func (m *Manager) EnsureErrorVisibility(ctx context.Context, id string, op func(context.Context) error) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	e.reliability.ConnectionAttempts++
	attempt := e.reliability.ConnectionAttempts
	m.mu.Unlock()

	err = op(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if e.reliability.IsFirstConnection {
			e.reliability.FirstConnectionErrors = append(e.reliability.FirstConnectionErrors, ConnectionError{
				Attempt: attempt,
				Time:    time.Now(),
				Error:   err.Error(),
			})
			m.logger.Error("First connection to %s failed (attempt %d): %v", e.name, attempt, err)
		}
		return err
	}

	now := time.Now()
	e.reliability.LastSuccessfulConnection = &now
	e.reliability.IsFirstConnection = false
	return nil
}

// Reliability returns a snapshot of a server's connection record.
func (m *Manager) Reliability(id string) (Reliability, error) {
	e, err := m.entry(id)
	if err != nil {
		return Reliability{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	r := e.reliability
	r.FirstConnectionErrors = append([]ConnectionError(nil), r.FirstConnectionErrors...)
	if r.LastSuccessfulConnection != nil {
		t := *r.LastSuccessfulConnection
		r.LastSuccessfulConnection = &t
	}
	return r, nil
}
