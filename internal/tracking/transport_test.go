package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// fakeTransport answers every request with an empty result.
type fakeTransport struct {
	notify   func(mcp.JSONRPCNotification)
	version  string
	closed   bool
	sendErr  error
	notified int
}

func (f *fakeTransport) Start(context.Context) error { return nil }

func (f *fakeTransport) SendRequest(_ context.Context, req mcptransport.JSONRPCRequest) (*mcptransport.JSONRPCResponse, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &mcptransport.JSONRPCResponse{JSONRPC: mcp.JSONRPC_VERSION, ID: req.ID, Result: json.RawMessage(`{}`)}, nil
}

func (f *fakeTransport) SendNotification(context.Context, mcp.JSONRPCNotification) error {
	f.notified++
	return nil
}

func (f *fakeTransport) SetNotificationHandler(h func(mcp.JSONRPCNotification)) { f.notify = h }
func (f *fakeTransport) SetProtocolVersion(v string)                            { f.version = v }
func (f *fakeTransport) GetSessionId() string                                   { return "sess" }
func (f *fakeTransport) Close() error                                           { f.closed = true; return nil }

func TestWrapNilHistoryIsTransparent(t *testing.T) {
	inner := &fakeTransport{}
	if got := Wrap(inner, nil); got != mcptransport.Interface(inner) {
		t.Errorf("Wrap with nil history should return inner")
	}
}

func TestWrapRecordsTraffic(t *testing.T) {
	inner := &fakeTransport{}
	h := NewHistory(10)
	tr := Wrap(inner, h).(*Transport)

	var seen []string
	tr.SetNotificationHandler(func(n mcp.JSONRPCNotification) { seen = append(seen, n.Method) })

	resp, err := tr.SendRequest(context.Background(), mcptransport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(int64(1)),
		Method:  "tools/list",
	})
	if err != nil || resp == nil {
		t.Fatalf("SendRequest failed: %v", err)
	}

	if err := tr.SendNotification(context.Background(), mcp.JSONRPCNotification{
		JSONRPC:      mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{Method: "notifications/initialized"},
	}); err != nil {
		t.Fatal(err)
	}

	inner.notify(mcp.JSONRPCNotification{
		JSONRPC:      mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{Method: "notifications/tools/list_changed"},
	})

	entries := h.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(entries), entries)
	}
	if entries[0].Direction != DirectionRequest || entries[0].Response == nil {
		t.Errorf("unexpected request entry: %+v", entries[0])
	}
	if entries[1].Direction != DirectionNotification {
		t.Errorf("got %q, want notification", entries[1].Direction)
	}
	if len(seen) != 1 || seen[0] != "notifications/tools/list_changed" {
		t.Errorf("handler not forwarded: %v", seen)
	}
	if inner.notified != 1 {
		t.Errorf("outbound notification not forwarded")
	}

	tr.SetProtocolVersion("2025-06-18")
	if inner.version != "2025-06-18" {
		t.Errorf("protocol version not forwarded")
	}
	if tr.GetSessionId() != "sess" {
		t.Errorf("session id not forwarded")
	}
	if err := tr.Close(); err != nil || !inner.closed {
		t.Errorf("Close not forwarded")
	}
}

func TestWrapFailedRequestStaysPending(t *testing.T) {
	inner := &fakeTransport{sendErr: errors.New("boom")}
	h := NewHistory(10)
	tr := Wrap(inner, h)

	_, err := tr.SendRequest(context.Background(), mcptransport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId("x"),
		Method:  "ping",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if h.Len() != 1 || h.Pending() != 1 {
		t.Errorf("got len=%d pending=%d, want 1 and 1", h.Len(), h.Pending())
	}
}
