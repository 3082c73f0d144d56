package tracking

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

func TestRecordClassification(t *testing.T) {
	tests := []struct {
		name     string
		outbound []string
		inbound  []string
		want     []Direction
	}{
		{
			name:     "request and response",
			outbound: []string{`{"jsonrpc":"2.0","id":1,"method":"ping"}`},
			inbound:  []string{`{"jsonrpc":"2.0","id":1,"result":{}}`},
			want:     []Direction{DirectionRequest},
		},
		{
			name:    "orphan response",
			inbound: []string{`{"jsonrpc":"2.0","id":7,"result":{}}`},
			want:    []Direction{DirectionResponse},
		},
		{
			name:    "notification",
			inbound: []string{`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`},
			want:    []Direction{DirectionNotification},
		},
		{
			name:     "outbound notification ignored",
			outbound: []string{`{"jsonrpc":"2.0","method":"notifications/initialized"}`},
		},
		{
			name:    "server request ignored",
			inbound: []string{`{"jsonrpc":"2.0","id":1,"method":"sampling/createMessage"}`},
		},
		{
			name:     "string and number ids differ",
			outbound: []string{`{"jsonrpc":"2.0","id":"1","method":"ping"}`},
			inbound:  []string{`{"jsonrpc":"2.0","id":1,"result":{}}`},
			want:     []Direction{DirectionRequest, DirectionResponse},
		},
		{
			name:     "null id is not an id",
			outbound: []string{`{"jsonrpc":"2.0","id":null,"method":"ping"}`},
		},
		{
			name:    "invalid json ignored",
			inbound: []string{`{not json`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHistory(10)
			for _, m := range tt.outbound {
				h.RecordOutbound(json.RawMessage(m))
			}
			for _, m := range tt.inbound {
				h.RecordInbound(json.RawMessage(m))
			}

			entries := h.Entries()
			if len(entries) != len(tt.want) {
				t.Fatalf("got %d entries, want %d: %+v", len(entries), len(tt.want), entries)
			}
			for i, e := range entries {
				if e.Direction != tt.want[i] {
					t.Errorf("entry %d: got %q, want %q", i, e.Direction, tt.want[i])
				}
			}
		})
	}
}

func TestResponseMatchedOnce(t *testing.T) {
	h := NewHistory(10)
	h.RecordOutbound(json.RawMessage(`{"jsonrpc":"2.0","id":"a","method":"tools/list"}`))
	h.RecordInbound(json.RawMessage(`{"jsonrpc":"2.0","id":"a","result":{"tools":[]}}`))
	h.RecordInbound(json.RawMessage(`{"jsonrpc":"2.0","id":"a","result":{"dup":true}}`))

	entries := h.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if string(entries[0].Response) != `{"jsonrpc":"2.0","id":"a","result":{"tools":[]}}` {
		t.Errorf("request got response %s", entries[0].Response)
	}
	if entries[1].Direction != DirectionResponse {
		t.Errorf("duplicate should be an orphan, got %q", entries[1].Direction)
	}
	if h.Pending() != 0 {
		t.Errorf("got %d pending, want 0", h.Pending())
	}
}

func TestDurationNeverNegative(t *testing.T) {
	h := NewHistory(10)
	base := time.Now()
	times := []time.Time{base, base.Add(-time.Second)}
	h.now = func() time.Time {
		next := times[0]
		times = times[1:]
		return next
	}

	h.RecordOutbound(json.RawMessage(`{"id":1,"method":"ping"}`))
	h.RecordInbound(json.RawMessage(`{"id":1,"result":{}}`))

	e := h.Entries()[0]
	if e.DurationMs == nil || *e.DurationMs != 0 {
		t.Errorf("got duration %v, want 0", e.DurationMs)
	}
}

func TestEvictionDropsPending(t *testing.T) {
	h := NewHistory(2)
	h.RecordOutbound(json.RawMessage(`{"id":1,"method":"a"}`))
	h.RecordOutbound(json.RawMessage(`{"id":2,"method":"b"}`))
	h.RecordOutbound(json.RawMessage(`{"id":3,"method":"c"}`))

	if h.Len() != 2 {
		t.Fatalf("got %d entries, want 2", h.Len())
	}
	if h.Pending() != 2 {
		t.Errorf("got %d pending, want 2", h.Pending())
	}

	// The evicted request's response is now an orphan.
	h.RecordInbound(json.RawMessage(`{"id":1,"result":{}}`))
	entries := h.Entries()
	if last := entries[len(entries)-1]; last.Direction != DirectionResponse {
		t.Errorf("got %q, want orphan response", last.Direction)
	}
}

func TestListenerSeesNewAndUpdated(t *testing.T) {
	h := NewHistory(10)
	var got []bool
	h.OnEntry(func(e MessageEntry, updated bool) {
		got = append(got, updated)
	})

	h.RecordOutbound(json.RawMessage(`{"id":1,"method":"ping"}`))
	h.RecordInbound(json.RawMessage(`{"id":1,"result":{}}`))
	h.RecordInbound(json.RawMessage(`{"method":"notifications/message"}`))

	want := []bool{false, true, false}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestClear(t *testing.T) {
	h := NewHistory(10)
	h.RecordOutbound(json.RawMessage(`{"id":1,"method":"ping"}`))
	h.Clear()
	if h.Len() != 0 || h.Pending() != 0 {
		t.Errorf("history not cleared: len=%d pending=%d", h.Len(), h.Pending())
	}
}

func TestConcurrentInterleaving(t *testing.T) {
	const n = 200
	h := NewHistory(2 * n)

	for i := 0; i < n; i++ {
		h.RecordOutbound(json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"m"}`, i)))
	}

	order := rand.Perm(n)
	var wg sync.WaitGroup
	for _, i := range order {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.RecordInbound(json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, i)))
		}(i)
	}
	wg.Wait()

	entries := h.Entries()
	if len(entries) != n {
		t.Fatalf("got %d entries, want %d", len(entries), n)
	}
	for i, e := range entries {
		if e.Direction != DirectionRequest || e.Response == nil {
			t.Fatalf("entry %d has no response: %+v", i, e)
		}
		if e.DurationMs == nil || *e.DurationMs < 0 {
			t.Fatalf("entry %d has bad duration", i)
		}
		var resp struct {
			ID int `json:"id"`
		}
		if err := json.Unmarshal(e.Response, &resp); err != nil || resp.ID != i {
			t.Fatalf("entry %d matched response id %d", i, resp.ID)
		}
	}
	if h.Pending() != 0 {
		t.Errorf("got %d pending, want 0", h.Pending())
	}
}
