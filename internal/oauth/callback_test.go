package oauth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newCallbackServer(t *testing.T) *CallbackServer {
	t.Helper()
	s, err := NewCallbackServer(DefaultRedirectURL)
	if err != nil {
		t.Fatalf("NewCallbackServer: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func noKeepAliveClient() *http.Client {
	return &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
}

func TestCallbackServerServesExactlyOnce(t *testing.T) {
	s := newCallbackServer(t)
	s.ExpectState("xyz")
	client := noKeepAliveClient()

	if !strings.HasPrefix(s.RedirectURL(), "http://127.0.0.1:") || strings.HasSuffix(s.RedirectURL(), ":0/callback") {
		t.Fatalf("unexpected redirect URL %q", s.RedirectURL())
	}

	resp, err := client.Get(s.RedirectURL() + "?code=X&state=xyz")
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", resp.StatusCode, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	code, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != "X" {
		t.Errorf("got code %q, want %q", code, "X")
	}

	if resp, err := client.Get(s.RedirectURL() + "?code=Y&state=xyz"); err == nil {
		resp.Body.Close()
		t.Fatalf("second request succeeded with status %d, want connection refused", resp.StatusCode)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if _, err := s.Wait(ctx2); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want no second callback", err)
	}
}

func TestCallbackServerRejections(t *testing.T) {
	tests := []struct {
		name  string
		query string
		check func(t *testing.T, err error)
	}{
		{
			name:  "authorization error",
			query: "?error=access_denied&error_description=nope&state=xyz",
			check: func(t *testing.T, err error) {
				var oauthErr *Error
				if !errors.As(err, &oauthErr) {
					t.Fatalf("got %T %v, want *Error", err, err)
				}
				if oauthErr.Code != "access_denied" || oauthErr.Description != "nope" {
					t.Errorf("unexpected error fields: %+v", oauthErr)
				}
			},
		},
		{
			name:  "state mismatch",
			query: "?code=X&state=other",
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrStateMismatch) {
					t.Errorf("got %v, want ErrStateMismatch", err)
				}
			},
		},
		{
			name:  "missing code",
			query: "?state=xyz",
			check: func(t *testing.T, err error) {
				if err == nil || !strings.Contains(err.Error(), "no authorization code") {
					t.Errorf("got %v, want missing code error", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newCallbackServer(t)
			s.ExpectState("xyz")

			resp, err := noKeepAliveClient().Get(s.RedirectURL() + tt.query)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("got status %d, want 400", resp.StatusCode)
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, err = s.Wait(ctx)
			tt.check(t, err)
		})
	}
}

func TestCallbackServerWrongPathAndMethod(t *testing.T) {
	s := newCallbackServer(t)
	client := noKeepAliveClient()
	base := strings.TrimSuffix(s.RedirectURL(), "/callback")

	resp, err := client.Get(base + "/other?code=X")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("other path: got status %d, want 404", resp.StatusCode)
	}

	resp, err = client.Post(s.RedirectURL()+"?code=X", "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST: got status %d, want 405", resp.StatusCode)
	}

	// Neither counted as the callback.
	resp, err = client.Get(s.RedirectURL() + "?code=X")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("callback: got status %d, want 200", resp.StatusCode)
	}
}

func TestCallbackServerRejectsNonLoopback(t *testing.T) {
	for _, u := range []string{"http://example.com:0/callback", "https://127.0.0.1:0/callback"} {
		if s, err := NewCallbackServer(u); err == nil {
			s.Close()
			t.Errorf("NewCallbackServer(%q) succeeded, want error", u)
		}
	}
}

func TestCallbackReceiverNavigates(t *testing.T) {
	var navigated atomic.Value
	r := NewCallbackReceiver(DefaultRedirectURL, NavigatorFunc(func(ctx context.Context, authURL string) error {
		navigated.Store(authURL)
		go func() {
			// The authorization server redirects straight back.
			redirect, _ := fakeAuthorizationRedirect(authURL)
			resp, err := noKeepAliveClient().Get(redirect)
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}))
	defer r.Close()

	redirect, err := r.RedirectURL(context.Background())
	if err != nil {
		t.Fatalf("RedirectURL: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := &AuthorizationRequest{URL: "https://auth.example.com/authorize?redirect=" + redirect, State: "s1"}
	code, err := r.WaitForCode(ctx, req)
	if err != nil {
		t.Fatalf("WaitForCode: %v", err)
	}
	if code != "c1" {
		t.Errorf("got code %q, want c1", code)
	}
	if got, _ := navigated.Load().(string); got != req.URL {
		t.Errorf("navigated to %q, want %q", got, req.URL)
	}
}

// fakeAuthorizationRedirect plays the authorization server: it returns the
// redirect target with a code and state appended.
func fakeAuthorizationRedirect(authURL string) (string, error) {
	_, redirect, _ := strings.Cut(authURL, "?redirect=")
	return redirect + "?code=c1&state=s1", nil
}

func TestParseCodeInput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{name: "raw code", input: "  abc123 \n", want: "abc123"},
		{name: "redirect URL", input: "http://localhost/oauth/callback/guided?code=xyz&state=s", want: "xyz"},
		{name: "redirect URL with wrong state", input: "http://localhost/cb?code=xyz&state=evil", wantErr: ErrStateMismatch},
		{name: "empty", input: "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCodeInput(tt.input, "s")
			if tt.want == "" {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Errorf("got %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	var oauthErr *Error
	if _, err := ParseCodeInput("https://app.example.com/cb?error=access_denied", "s"); !errors.As(err, &oauthErr) {
		t.Errorf("got %v, want *Error", err)
	}
}
