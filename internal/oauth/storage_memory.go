package oauth

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryBackend keeps state in process memory. Values are stored encoded so
// callers never share pointers with the backend.
type MemoryBackend struct {
	mu     sync.RWMutex
	states map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{states: make(map[string][]byte)}
}

func (m *MemoryBackend) Load(_ context.Context, serverURL string) (*State, error) {
	m.mu.RLock()
	data, ok := m.states[serverURL]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (m *MemoryBackend) Save(_ context.Context, serverURL string, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.states[serverURL] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, serverURL string) error {
	m.mu.Lock()
	delete(m.states, serverURL)
	m.mu.Unlock()
	return nil
}
