package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/mcp-inspect/internal/config"
	"github.com/giantswarm/mcp-inspect/internal/inspector"
)

var fastRetry = RetryOptions{
	MaxRetries:        3,
	BaseDelay:         time.Millisecond,
	MaxDelay:          5 * time.Millisecond,
	BackoffMultiplier: 2,
}

func TestRetryWithBackoff(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		failures   int
		permanent  bool
		wantCalls  int
		wantErr    bool
	}{
		{name: "succeeds on third attempt", maxRetries: 3, failures: 2, wantCalls: 3},
		{name: "budget exhausted", maxRetries: 1, failures: 5, wantCalls: 2, wantErr: true},
		{name: "first attempt succeeds", maxRetries: 3, failures: 0, wantCalls: 1},
		{name: "retries disabled", maxRetries: -1, failures: 5, wantCalls: 1, wantErr: true},
		{name: "permanent error", maxRetries: 3, failures: 5, permanent: true, wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			var last error
			op := func(context.Context) error {
				calls++
				if calls > tt.failures {
					return nil
				}
				last = fmt.Errorf("failure %d", calls)
				if tt.permanent {
					return backoff.Permanent(last)
				}
				return last
			}

			opts := fastRetry
			opts.MaxRetries = tt.maxRetries
			err := RetryWithBackoff(context.Background(), op, opts)

			if calls != tt.wantCalls {
				t.Errorf("got %d calls, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr {
				if err != last {
					t.Errorf("got error %v, want the last error %v unchanged", err, last)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestRetryDelays(t *testing.T) {
	var delays []time.Duration
	opts := RetryOptions{
		MaxRetries:        4,
		BaseDelay:         time.Millisecond,
		MaxDelay:          3 * time.Millisecond,
		BackoffMultiplier: 2,
		Notify: func(attempt int, err error, delay time.Duration) {
			if attempt != len(delays)+1 {
				t.Errorf("got attempt %d, want %d", attempt, len(delays)+1)
			}
			delays = append(delays, delay)
		},
	}
	_ = RetryWithBackoff(context.Background(), func(context.Context) error {
		return errors.New("down")
	}, opts)

	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond, 3 * time.Millisecond}
	if fmt.Sprint(delays) != fmt.Sprint(want) {
		t.Errorf("got delays %v, want %v", delays, want)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := RetryOptions{MaxRetries: 10, BaseDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiplier: 2}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- RetryWithBackoff(ctx, func(context.Context) error {
			calls++
			return errors.New("down")
		}, opts)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry loop ignored cancellation")
	}
	if calls != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
}

func TestRetryOptionsDefaults(t *testing.T) {
	got := RetryOptions{}.withDefaults(DefaultRetry)
	if got.MaxRetries != DefaultRetry.MaxRetries || got.BaseDelay != DefaultRetry.BaseDelay ||
		got.MaxDelay != DefaultRetry.MaxDelay || got.BackoffMultiplier != DefaultRetry.BackoffMultiplier {
		t.Errorf("got %+v, want defaults", got)
	}
	if got := (RetryOptions{MaxRetries: -1}).withDefaults(DefaultRetry); got.MaxRetries != 0 {
		t.Errorf("got MaxRetries %d, want 0", got.MaxRetries)
	}

	s := config.RetrySettings{MaxRetries: 7, BaseDelay: time.Second, MaxDelay: time.Minute, BackoffMultiplier: 3}
	if got := RetryOptionsFromSettings(s); got.MaxRetries != 7 || got.BackoffMultiplier != 3 {
		t.Errorf("unexpected conversion %+v", got)
	}
}

func newLoggingServer(t *testing.T) string {
	t.Helper()
	s := server.NewMCPServer("test-server", "1.0.0", server.WithLogging(), server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("echo"), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("ok"), nil
	})
	ts := server.NewTestStreamableHTTPServer(s)
	t.Cleanup(ts.Close)
	return ts.URL + "/mcp"
}

// flakyServer answers the first n initialize requests with 500.
func flakyServer(t *testing.T, n int32) (string, *atomic.Int32) {
	t.Helper()
	var initializes atomic.Int32
	handler := server.NewStreamableHTTPServer(server.NewMCPServer("flaky", "1.0.0"))
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			if strings.Contains(string(body), `"method":"initialize"`) && initializes.Add(1) <= n {
				http.Error(w, "warming up", http.StatusInternalServerError)
				return
			}
			r.Body = io.NopCloser(strings.NewReader(string(body)))
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts.URL + "/mcp", &initializes
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	m := New(Options{Retry: fastRetry, SyncRetry: fastRetry})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestConnectRecordsFirstConnectionErrors(t *testing.T) {
	url, initializes := flakyServer(t, 2)
	m := newManager(t)

	id, err := m.Add("flaky", config.ServerConfig{URL: url})
	if err != nil {
		t.Fatal(err)
	}
	r, _ := m.Reliability(id)
	if !r.IsFirstConnection || r.ConnectionAttempts != 0 {
		t.Fatalf("unexpected fresh record %+v", r)
	}

	if err := m.Connect(context.Background(), id); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if n := initializes.Load(); n != 3 {
		t.Errorf("got %d initialize requests, want 3", n)
	}

	r, err = m.Reliability(id)
	if err != nil {
		t.Fatal(err)
	}
	if r.ConnectionAttempts != 3 {
		t.Errorf("got %d attempts, want 3", r.ConnectionAttempts)
	}
	if len(r.FirstConnectionErrors) != 2 {
		t.Fatalf("got %d first connection errors, want 2", len(r.FirstConnectionErrors))
	}
	if r.FirstConnectionErrors[0].Attempt != 1 || r.FirstConnectionErrors[1].Attempt != 2 {
		t.Errorf("unexpected attempts in %+v", r.FirstConnectionErrors)
	}
	if r.IsFirstConnection || r.LastSuccessfulConnection == nil {
		t.Errorf("success not recorded: %+v", r)
	}

	// Later failures are no longer first connection errors.
	_ = m.EnsureErrorVisibility(context.Background(), id, func(context.Context) error {
		return errors.New("later failure")
	})
	r, _ = m.Reliability(id)
	if r.ConnectionAttempts != 4 || len(r.FirstConnectionErrors) != 2 {
		t.Errorf("got %d attempts and %d errors, want 4 and 2", r.ConnectionAttempts, len(r.FirstConnectionErrors))
	}
}

func TestConnectSurvivesCancelledCaller(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var initializes atomic.Int32
	handler := server.NewStreamableHTTPServer(server.NewMCPServer("slow", "1.0.0"))
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			if strings.Contains(string(body), `"method":"initialize"`) {
				initializes.Add(1)
				once.Do(func() { close(entered) })
				select {
				case <-release:
				case <-r.Context().Done():
					return
				}
			}
			r.Body = io.NopCloser(strings.NewReader(string(body)))
		}
		handler.ServeHTTP(w, r)
	}))
	defer ts.Close()

	m := newManager(t)
	id, _ := m.Add("slow", config.ServerConfig{URL: ts.URL + "/mcp"})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	firstErr := make(chan error, 1)
	go func() { firstErr <- m.Connect(firstCtx, id) }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the initialize request")
	}

	secondErr := make(chan error, 1)
	go func() { secondErr <- m.Connect(context.Background(), id) }()
	deadline := time.Now().Add(5 * time.Second)
	for {
		m.connectMu.Lock()
		waiters := 0
		if st, ok := m.connects[id]; ok {
			waiters = st.waiters
		}
		m.connectMu.Unlock()
		if waiters == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d waiters, want 2", waiters)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("first caller got %v, want context.Canceled", err)
	}

	close(release)
	select {
	case err := <-secondErr:
		if err != nil {
			t.Fatalf("second caller: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("second caller did not return")
	}
	client, _ := m.Get(id)
	if client.Status() != inspector.StatusConnected {
		t.Errorf("got status %s, want connected", client.Status())
	}
	if n := initializes.Load(); n != 1 {
		t.Errorf("got %d initialize requests, want 1", n)
	}
}

func TestConnectExhaustsRetries(t *testing.T) {
	url, initializes := flakyServer(t, 100)
	m := New(Options{Retry: RetryOptions{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}})
	defer m.Close(context.Background())

	id, _ := m.Add("down", config.ServerConfig{URL: url})
	if err := m.Connect(context.Background(), id); err == nil {
		t.Fatal("expected an error")
	}
	if n := initializes.Load(); n != 2 {
		t.Errorf("got %d initialize requests, want 2", n)
	}
	client, _ := m.Get(id)
	if client.Status() != inspector.StatusError {
		t.Errorf("got status %s, want error", client.Status())
	}
}

func TestConnectDoesNotRetryAuthorizationRequired(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("WWW-Authenticate", `Bearer realm="mcp"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	m := newManager(t)
	id, _ := m.Add("protected", config.ServerConfig{URL: ts.URL + "/mcp"})

	err := m.Connect(context.Background(), id)
	if !inspector.IsAuthorizationRequired(err) {
		t.Fatalf("got %v, want an authorization error", err)
	}
	if r, _ := m.Reliability(id); r.ConnectionAttempts != 1 {
		t.Errorf("got %d attempts, want 1", r.ConnectionAttempts)
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("got %d requests, want 1", n)
	}
}

func TestRegistry(t *testing.T) {
	url := newLoggingServer(t)
	m := newManager(t)

	a, err := m.Add("alpha", config.ServerConfig{URL: url})
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Add("beta", config.ServerConfig{URL: url})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Add("broken", config.ServerConfig{Type: config.KindStdio}); err == nil {
		t.Error("expected an error for an invalid config")
	}

	if id, ok := m.Lookup("beta"); !ok || id != b {
		t.Errorf("Lookup(beta) = %q, %v", id, ok)
	}
	if err := m.ConnectAll(context.Background()); err != nil {
		t.Fatalf("ConnectAll: %v", err)
	}

	list := m.List()
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "beta" {
		t.Fatalf("unexpected list %+v", list)
	}
	for _, s := range list {
		if s.Status != inspector.StatusConnected {
			t.Errorf("%s: got status %s, want connected", s.Name, s.Status)
		}
	}

	if err := m.Disconnect(context.Background(), a); err != nil {
		t.Errorf("Disconnect: %v", err)
	}
	if c, _ := m.Get(a); c.Status() != inspector.StatusDisconnected {
		t.Errorf("got status %s, want disconnected", c.Status())
	}

	if err := m.Remove(context.Background(), b); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := m.Get(b); !errors.Is(err, ErrUnknownServer) {
		t.Errorf("got %v, want ErrUnknownServer", err)
	}
	if _, err := m.Reliability(b); !errors.Is(err, ErrUnknownServer) {
		t.Errorf("reliability record survived Remove: %v", err)
	}
	if err := m.Connect(context.Background(), b); !errors.Is(err, ErrUnknownServer) {
		t.Errorf("got %v, want ErrUnknownServer", err)
	}
	if len(m.List()) != 1 {
		t.Errorf("got %d servers, want 1", len(m.List()))
	}
}

func TestSyncLoggingLevelSerializes(t *testing.T) {
	m := newManager(t)
	id, _ := m.Add("s", config.ServerConfig{URL: "http://127.0.0.1:1/mcp"})

	var active, maxActive atomic.Int32
	entered := make(chan struct{})
	op := func(delay time.Duration, signal bool) func(context.Context) error {
		return func(context.Context) error {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				cur := maxActive.Load()
				if n <= cur || maxActive.CompareAndSwap(cur, n) {
					break
				}
			}
			if signal {
				close(entered)
			}
			time.Sleep(delay)
			return nil
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = m.SyncLoggingLevel(context.Background(), id, mcp.LoggingLevelDebug, op(50*time.Millisecond, true))
	}()
	<-entered
	go func() {
		defer wg.Done()
		_ = m.SyncLoggingLevel(context.Background(), id, mcp.LoggingLevelError, op(0, false))
	}()
	wg.Wait()

	if n := maxActive.Load(); n != 1 {
		t.Errorf("got %d concurrent syncs, want 1", n)
	}
	rec, err := m.SyncRecord(id)
	if err != nil || rec == nil {
		t.Fatalf("SyncRecord: %v %v", rec, err)
	}
	if rec.Level != mcp.LoggingLevelError || !rec.Success || rec.LastSuccessfulLevel != mcp.LoggingLevelError {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestSyncLoggingLevelRecordsFailure(t *testing.T) {
	m := newManager(t)
	id, _ := m.Add("s", config.ServerConfig{URL: "http://127.0.0.1:1/mcp"})

	if rec, _ := m.SyncRecord(id); rec != nil {
		t.Fatalf("got record %+v before any sync", rec)
	}
	_ = m.SyncLoggingLevel(context.Background(), id, mcp.LoggingLevelInfo, func(context.Context) error { return nil })

	calls := 0
	err := m.SyncLoggingLevel(context.Background(), id, mcp.LoggingLevelDebug, func(context.Context) error {
		calls++
		return errors.New("rejected")
	})
	if err == nil || err.Error() != "rejected" {
		t.Fatalf("got %v, want the op error", err)
	}
	if calls != fastRetry.MaxRetries+1 {
		t.Errorf("got %d calls, want %d", calls, fastRetry.MaxRetries+1)
	}

	rec, _ := m.SyncRecord(id)
	if rec.Success || rec.Error != "rejected" || rec.Level != mcp.LoggingLevelDebug {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.LastSuccessfulLevel != mcp.LoggingLevelInfo {
		t.Errorf("got last successful level %q, want info", rec.LastSuccessfulLevel)
	}
}

func TestSyncLoggingLevelCancelledWhileQueued(t *testing.T) {
	m := newManager(t)
	id, _ := m.Add("s", config.ServerConfig{URL: "http://127.0.0.1:1/mcp"})

	release := make(chan struct{})
	entered := make(chan struct{})
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_ = m.SyncLoggingLevel(context.Background(), id, mcp.LoggingLevelDebug, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		cancelled <- m.SyncLoggingLevel(ctx, id, mcp.LoggingLevelInfo, func(context.Context) error {
			t.Error("cancelled sync ran")
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-cancelled; !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}

	var thirdStarted atomic.Bool
	thirdDone := make(chan struct{})
	go func() {
		defer close(thirdDone)
		_ = m.SyncLoggingLevel(context.Background(), id, mcp.LoggingLevelError, func(context.Context) error {
			thirdStarted.Store(true)
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)
	if thirdStarted.Load() {
		t.Fatal("queued sync started while the first was still running")
	}

	close(release)
	<-firstDone
	<-thirdDone
	if rec, _ := m.SyncRecord(id); rec.Level != mcp.LoggingLevelError {
		t.Errorf("got level %q, want error", rec.Level)
	}
}

func TestSyncLoggingLevelUnknownServer(t *testing.T) {
	m := newManager(t)
	err := m.SyncLoggingLevel(context.Background(), "nope", mcp.LoggingLevelDebug, func(context.Context) error { return nil })
	if !errors.Is(err, ErrUnknownServer) {
		t.Errorf("got %v, want ErrUnknownServer", err)
	}
}

func TestSetLoggingLevelAppliedOnConnect(t *testing.T) {
	url := newLoggingServer(t)
	m := newManager(t)
	id, _ := m.Add("logging", config.ServerConfig{URL: url})
	ctx := context.Background()

	if err := m.SetLoggingLevel(ctx, id, mcp.LoggingLevelDebug); err != nil {
		t.Fatalf("SetLoggingLevel before connect: %v", err)
	}
	if rec, _ := m.SyncRecord(id); rec != nil {
		t.Fatalf("sync ran while disconnected: %+v", rec)
	}

	if err := m.Connect(ctx, id); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec, _ := m.SyncRecord(id)
	if rec == nil || !rec.Success || rec.Level != mcp.LoggingLevelDebug {
		t.Fatalf("desired level not applied on connect: %+v", rec)
	}

	if err := m.SetLoggingLevel(ctx, id, mcp.LoggingLevelWarning); err != nil {
		t.Fatalf("SetLoggingLevel: %v", err)
	}
	if rec, _ := m.SyncRecord(id); rec.Level != mcp.LoggingLevelWarning {
		t.Errorf("got level %q, want warning", rec.Level)
	}
}
