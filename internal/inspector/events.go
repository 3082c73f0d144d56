package inspector

import (
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/mcp-inspect/internal/tracking"
	"github.com/giantswarm/mcp-inspect/internal/transport"
)

// Status is the connection state of a session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// EventType names what an Event carries.
type EventType string

const (
	EventStatusChanged         EventType = "status_changed"
	EventMessage               EventType = "message"
	EventStdioLog              EventType = "stdio_log"
	EventFetchRequest          EventType = "fetch_request"
	EventCapabilitiesChanged   EventType = "capabilities_changed"
	EventNotification          EventType = "notification"
	EventAuthorizationRequired EventType = "authorization_required"
	EventError                 EventType = "error"
)

// StderrEntry is one line written to stderr by a stdio server.
type StderrEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line"`
}

// Event is delivered to subscribers. Only the field matching Type is set.
type Event struct {
	Type EventType

	Status       Status
	Message      *tracking.MessageEntry
	Updated      bool
	Stderr       *StderrEntry
	Fetch        *transport.FetchEntry
	Notification *mcp.JSONRPCNotification
	Err          error
}

// Subscribe registers fn for every event of the session. Handlers run on the
// goroutine raising the event and must not block.
func (c *Client) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subs = append(c.subs, subscriber{id: id, fn: fn})

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

type subscriber struct {
	id int
	fn func(Event)
}

func (c *Client) emit(ev Event) {
	c.subMu.Lock()
	handlers := make([]func(Event), 0, len(c.subs))
	for _, s := range c.subs {
		handlers = append(handlers, s.fn)
	}
	c.subMu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
