package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fetch categories.
const (
	FetchAuth      = "auth"
	FetchTransport = "transport"
)

// maxErrorBody caps how much of a 401/403 body is kept.
const maxErrorBody = 64 << 10

// FetchEntry records one HTTP exchange made on behalf of a session.
type FetchEntry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Category   string    `json:"category"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	Status     int       `json:"status,omitempty"`
	DurationMs int64     `json:"durationMs"`
	Error      string    `json:"error,omitempty"`
}

// TokenSource returns the bearer token to attach, or "" for none.
type TokenSource func(ctx context.Context) (string, error)

// recordingRoundTripper reports every exchange to a callback.
type recordingRoundTripper struct {
	base     http.RoundTripper
	category string
	record   func(FetchEntry)
}

// NewRecordingRoundTripper wraps base so every exchange is passed to record.
// A nil record returns base unchanged.
func NewRecordingRoundTripper(base http.RoundTripper, category string, record func(FetchEntry)) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if record == nil {
		return base
	}
	return &recordingRoundTripper{base: base, category: category, record: record}
}

func (rt *recordingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := rt.base.RoundTrip(req)

	entry := FetchEntry{
		ID:         uuid.NewString(),
		Timestamp:  start,
		Category:   rt.category,
		Method:     req.Method,
		URL:        req.URL.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	} else {
		entry.Status = resp.StatusCode
	}
	rt.record(entry)

	return resp, err
}

// sessionRoundTripper applies session headers and the bearer token, and turns
// authorization failures into *UnauthorizedError.
type sessionRoundTripper struct {
	base        http.RoundTripper
	headers     map[string]string
	tokenSource TokenSource
	// onStreamEnd is called once when a server-sent event stream ends.
	onStreamEnd func(error)
}

func (rt *sessionRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original
	clonedReq := req.Clone(req.Context())
	for k, v := range rt.headers {
		clonedReq.Header.Set(k, v)
	}

	if rt.tokenSource != nil && clonedReq.Header.Get("Authorization") == "" {
		token, err := rt.tokenSource(req.Context())
		if err != nil {
			return nil, fmt.Errorf("failed to obtain access token: %w", err)
		}
		if token != "" {
			clonedReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := rt.base.RoundTrip(clonedReq)
	if err != nil {
		return nil, err
	}

	challenge := resp.Header.Get("WWW-Authenticate")
	if resp.StatusCode == http.StatusUnauthorized ||
		(resp.StatusCode == http.StatusForbidden && strings.Contains(strings.ToLower(challenge), "insufficient_scope")) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &UnauthorizedError{
			StatusCode: resp.StatusCode,
			URL:        req.URL.String(),
			Challenge:  challenge,
			Body:       string(body),
		}
	}

	if rt.onStreamEnd != nil && req.Method == http.MethodGet && resp.StatusCode == http.StatusOK &&
		strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		resp.Body = &watchedBody{ReadCloser: resp.Body, onEnd: rt.onStreamEnd}
	}

	return resp, nil
}

// mergeHeaders layers each map over the previous one.
func mergeHeaders(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			out[http.CanonicalHeaderKey(k)] = v
		}
	}
	return out
}

// watchedBody reports the first read error or Close of a stream body.
type watchedBody struct {
	io.ReadCloser
	once  sync.Once
	onEnd func(error)
}

func (b *watchedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil {
		b.once.Do(func() { b.onEnd(err) })
	}
	return n, err
}

func (b *watchedBody) Close() error {
	b.once.Do(func() { b.onEnd(io.EOF) })
	return b.ReadCloser.Close()
}
