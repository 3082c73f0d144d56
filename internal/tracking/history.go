// Package tracking records correlated JSON-RPC traffic for a session.
package tracking

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Direction classifies a MessageEntry.
type Direction string

const (
	DirectionRequest      Direction = "request"
	DirectionResponse     Direction = "response"
	DirectionNotification Direction = "notification"
)

// DefaultCapacity is used when a session does not configure a history size.
const DefaultCapacity = 1000

// MessageEntry is one row of the message history. A request entry gains its
// Response and DurationMs exactly once.
type MessageEntry struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	Direction  Direction       `json:"direction"`
	Message    json.RawMessage `json:"message"`
	Response   json.RawMessage `json:"response,omitempty"`
	DurationMs *int64          `json:"durationMs,omitempty"`
}

// Listener is told about new entries and about request entries that just
// received their response (updated is true).
type Listener func(entry MessageEntry, updated bool)

// envelope holds the fields used for correlation.
type envelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

// History is a bounded, correlated log of JSON-RPC messages. It is safe for
// concurrent use.
type History struct {
	mu       sync.Mutex
	capacity int
	entries  []*MessageEntry
	// pending maps a compact request id to its unanswered entry.
	pending  map[string]*MessageEntry
	listener Listener
	now      func() time.Time
}

// NewHistory creates a history holding at most capacity entries. A
// non-positive capacity selects DefaultCapacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{
		capacity: capacity,
		pending:  make(map[string]*MessageEntry),
		now:      time.Now,
	}
}

// OnEntry sets the listener. It is called outside the history lock.
func (h *History) OnEntry(fn Listener) {
	h.mu.Lock()
	h.listener = fn
	h.mu.Unlock()
}

// RecordOutbound records a message sent to the server. Only requests, which
// carry both method and id, are kept.
func (h *History) RecordOutbound(raw json.RawMessage) {
	env, ok := parseEnvelope(raw)
	if !ok || env.Method == "" || !hasID(env.ID) {
		return
	}

	entry := &MessageEntry{
		ID:        uuid.NewString(),
		Timestamp: h.now(),
		Direction: DirectionRequest,
		Message:   clone(raw),
	}

	h.mu.Lock()
	h.append(entry)
	h.pending[idKey(env.ID)] = entry
	snapshot, listener := *entry, h.listener
	h.mu.Unlock()

	if listener != nil {
		listener(snapshot, false)
	}
}

// RecordInbound records a message received from the server.
func (h *History) RecordInbound(raw json.RawMessage) {
	env, ok := parseEnvelope(raw)
	if !ok {
		return
	}

	now := h.now()
	var (
		snapshot MessageEntry
		updated  bool
	)

	h.mu.Lock()
	switch {
	case env.Method == "" && hasID(env.ID):
		key := idKey(env.ID)
		if req, found := h.pending[key]; found {
			delete(h.pending, key)
			d := now.Sub(req.Timestamp).Milliseconds()
			if d < 0 {
				d = 0
			}
			req.Response = clone(raw)
			req.DurationMs = &d
			snapshot, updated = *req, true
			break
		}
		orphan := &MessageEntry{ID: uuid.NewString(), Timestamp: now, Direction: DirectionResponse, Message: clone(raw)}
		h.append(orphan)
		snapshot = *orphan
	case env.Method != "" && !hasID(env.ID):
		n := &MessageEntry{ID: uuid.NewString(), Timestamp: now, Direction: DirectionNotification, Message: clone(raw)}
		h.append(n)
		snapshot = *n
	default:
		// Server-initiated requests are not part of the request history.
		h.mu.Unlock()
		return
	}
	listener := h.listener
	h.mu.Unlock()

	if listener != nil {
		listener(snapshot, updated)
	}
}

// append adds an entry and evicts the oldest ones past capacity. Callers hold
// the lock.
func (h *History) append(e *MessageEntry) {
	h.entries = append(h.entries, e)
	for len(h.entries) > h.capacity {
		evicted := h.entries[0]
		h.entries[0] = nil
		h.entries = h.entries[1:]
		if evicted.Direction == DirectionRequest && evicted.Response == nil {
			for k, p := range h.pending {
				if p == evicted {
					delete(h.pending, k)
					break
				}
			}
		}
	}
}

// Entries returns a copy of the history, oldest first.
func (h *History) Entries() []MessageEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]MessageEntry, len(h.entries))
	for i, e := range h.entries {
		out[i] = *e
	}
	return out
}

// Len returns the number of entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Pending returns the number of requests still waiting for a response.
func (h *History) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Clear drops every entry and pending request.
func (h *History) Clear() {
	h.mu.Lock()
	h.entries = nil
	h.pending = make(map[string]*MessageEntry)
	h.mu.Unlock()
}

func parseEnvelope(raw json.RawMessage) (envelope, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, false
	}
	return env, true
}

func hasID(id json.RawMessage) bool {
	return len(id) > 0 && !bytes.Equal(bytes.TrimSpace(id), []byte("null"))
}

// idKey normalizes an id so 1 and "1" stay distinct but whitespace does not
// matter.
func idKey(id json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, id); err != nil {
		return string(id)
	}
	return buf.String()
}

func clone(raw json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), raw...)
}
