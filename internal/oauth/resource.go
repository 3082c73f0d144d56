package oauth

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/giantswarm/mcp-inspect/internal/logging"
)

// DeriveResourceURI canonicalizes an MCP endpoint into an RFC 8707 resource
// indicator: lowercase scheme and host, default ports dropped, no query,
// fragment or trailing slash.
//
//	https://MCP.Example.Com:443/mcp -> https://mcp.example.com/mcp
//	http://localhost:8090/mcp/     -> http://localhost:8090/mcp
func DeriveResourceURI(endpoint string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if parsed.Scheme == "" {
		return "", fmt.Errorf("endpoint URL missing scheme: %s", endpoint)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("endpoint URL missing host: %s", endpoint)
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Host)

	hostname, port, err := net.SplitHostPort(host)
	if err != nil {
		hostname, port = strings.Trim(host, "[]"), ""
	}
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port != "" {
		host = hostname + ":" + port
	} else {
		host = hostname
	}

	path := parsed.Path
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	return scheme + "://" + host + path, nil
}

// resourceRoundTripper adds the resource parameter to token endpoint grants.
// Authorization URLs carry it as a query parameter set by the engine.
type resourceRoundTripper struct {
	base        http.RoundTripper
	resourceURI string
	logger      *logging.Logger
}

func newResourceRoundTripper(resourceURI string, base http.RoundTripper, logger *logging.Logger) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if resourceURI == "" {
		return base
	}
	return &resourceRoundTripper{base: base, resourceURI: resourceURI, logger: logger}
}

func (t *resourceRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodPost || req.Body == nil ||
		!strings.HasPrefix(req.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		return t.base.RoundTrip(req)
	}

	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		t.logger.Warning("Failed to add resource parameter: %v", err)
		return t.base.RoundTrip(withBody(req, body))
	}

	switch values.Get("grant_type") {
	case "authorization_code", "refresh_token":
		values.Set("resource", t.resourceURI)
		body = []byte(values.Encode())
		t.logger.Debug("Added resource parameter to token request: %s", t.resourceURI)
	}
	return t.base.RoundTrip(withBody(req, body))
}

// withBody clones req with a replayable body.
func withBody(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return clone
}
