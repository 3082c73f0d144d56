package oauth

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

func TestDeriveResourceURI(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
		wantErr  bool
	}{
		{endpoint: "https://MCP.Example.Com:443/mcp", want: "https://mcp.example.com/mcp"},
		{endpoint: "http://localhost:8090/mcp/", want: "http://localhost:8090/mcp"},
		{endpoint: "http://example.com:80/api?x=1#frag", want: "http://example.com/api"},
		{endpoint: "https://example.com:8443", want: "https://example.com:8443"},
		{endpoint: "https://example.com/", want: "https://example.com/"},
		{endpoint: "https://[::1]:443/mcp", want: "https://[::1]/mcp"},
		{endpoint: "example.com/mcp", wantErr: true},
		{endpoint: "https:///mcp", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			got, err := DeriveResourceURI(tt.endpoint)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
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
}

type captureTransport struct {
	body string
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		c.body = string(b)
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("")), Request: req}, nil
}

func TestResourceRoundTripper(t *testing.T) {
	const resource = "https://mcp.example.com/mcp"

	tests := []struct {
		name         string
		method       string
		contentType  string
		form         url.Values
		wantResource bool
	}{
		{
			name:         "authorization code grant",
			method:       http.MethodPost,
			contentType:  "application/x-www-form-urlencoded",
			form:         url.Values{"grant_type": {"authorization_code"}, "code": {"abc"}},
			wantResource: true,
		},
		{
			name:         "refresh grant",
			method:       http.MethodPost,
			contentType:  "application/x-www-form-urlencoded",
			form:         url.Values{"grant_type": {"refresh_token"}},
			wantResource: true,
		},
		{
			name:        "client credentials untouched",
			method:      http.MethodPost,
			contentType: "application/x-www-form-urlencoded",
			form:        url.Values{"grant_type": {"client_credentials"}},
		},
		{
			name:        "json body untouched",
			method:      http.MethodPost,
			contentType: "application/json",
			form:        url.Values{"grant_type": {"authorization_code"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			capture := &captureTransport{}
			rt := newResourceRoundTripper(resource, capture, nil)

			req, err := http.NewRequest(tt.method, "https://auth.example.com/token", strings.NewReader(tt.form.Encode()))
			if err != nil {
				t.Fatal(err)
			}
			req.Header.Set("Content-Type", tt.contentType)
			if _, err := rt.RoundTrip(req); err != nil {
				t.Fatalf("RoundTrip: %v", err)
			}

			sent, err := url.ParseQuery(capture.body)
			if err != nil {
				t.Fatalf("parse sent body: %v", err)
			}
			got := sent.Get("resource")
			if tt.wantResource && got != resource {
				t.Errorf("got resource %q, want %q", got, resource)
			}
			if !tt.wantResource && got != "" {
				t.Errorf("unexpected resource %q", got)
			}
		})
	}
}

func TestResourceRoundTripperEmptyURIIsBase(t *testing.T) {
	base := &captureTransport{}
	if rt := newResourceRoundTripper("", base, nil); rt != base {
		t.Error("expected base transport to be returned for an empty resource")
	}
}
