package tracking

import (
	"context"
	"encoding/json"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// Transport records traffic of an inner transport into a History.
type Transport struct {
	inner   mcptransport.Interface
	history *History
}

var (
	_ mcptransport.BidirectionalInterface = (*Transport)(nil)
	_ mcptransport.HTTPConnection         = (*Transport)(nil)
)

// Wrap decorates inner with message tracking. A nil history returns inner
// unchanged.
func Wrap(inner mcptransport.Interface, history *History) mcptransport.Interface {
	if history == nil {
		return inner
	}
	return &Transport{inner: inner, history: history}
}

// History returns the history being written to.
func (t *Transport) History() *History {
	return t.history
}

// Unwrap returns the decorated transport.
func (t *Transport) Unwrap() mcptransport.Interface {
	return t.inner
}

func (t *Transport) Start(ctx context.Context) error {
	return t.inner.Start(ctx)
}

func (t *Transport) SendRequest(ctx context.Context, req mcptransport.JSONRPCRequest) (*mcptransport.JSONRPCResponse, error) {
	if raw, err := json.Marshal(req); err == nil {
		t.history.RecordOutbound(raw)
	}

	resp, err := t.inner.SendRequest(ctx, req)
	if resp != nil {
		if raw, merr := json.Marshal(resp); merr == nil {
			t.history.RecordInbound(raw)
		}
	}
	return resp, err
}

func (t *Transport) SendNotification(ctx context.Context, n mcp.JSONRPCNotification) error {
	return t.inner.SendNotification(ctx, n)
}

func (t *Transport) SetNotificationHandler(handler func(mcp.JSONRPCNotification)) {
	t.inner.SetNotificationHandler(func(n mcp.JSONRPCNotification) {
		if raw, err := json.Marshal(n); err == nil {
			t.history.RecordInbound(raw)
		}
		if handler != nil {
			handler(n)
		}
	})
}

func (t *Transport) SetRequestHandler(handler mcptransport.RequestHandler) {
	if bidi, ok := t.inner.(mcptransport.BidirectionalInterface); ok {
		bidi.SetRequestHandler(handler)
	}
}

func (t *Transport) SetProtocolVersion(version string) {
	if hc, ok := t.inner.(mcptransport.HTTPConnection); ok {
		hc.SetProtocolVersion(version)
	}
}

func (t *Transport) GetSessionId() string {
	return t.inner.GetSessionId()
}

func (t *Transport) Close() error {
	return t.inner.Close()
}
