// Package devauth is a development OAuth 2.1 authorization server. It
// approves every authorization request, issues short-lived HS256 JWT access
// tokens for a single fixed client, and can protect an MCP endpoint with
// them.
package devauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/mcp-inspect/internal/logging"
)

// Fixed client credentials returned by every registration.
const (
	ClientID     = "dummy_client_12345"
	ClientSecret = "dummy_secret_abcdef123456"
)

const (
	// DefaultScope is granted when a request names no scope.
	DefaultScope         = "read write"
	DefaultTokenLifetime = time.Hour

	// MCPPath is where the protected MCP endpoint is mounted.
	MCPPath = "/mcp"
)

var supportedScopes = []string{"read", "write", "admin"}

// Options configures a Server.
type Options struct {
	Logger *logging.Logger
	// SigningKey signs access tokens. A random key is generated when empty.
	SigningKey    []byte
	TokenLifetime time.Duration
	// ProtectedResource serves RFC 9728 metadata and mounts MCPHandler at
	// MCPPath behind bearer authentication.
	ProtectedResource bool
	MCPHandler        http.Handler
	// RequiredScope makes the MCP endpoint answer 403 insufficient_scope to
	// tokens lacking any of these space separated scopes.
	RequiredScope string
	// Deny rejects every authorization request with access_denied.
	Deny bool
}

// Authorization records what an authorization request asked for.
type Authorization struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
}

type grant struct {
	Authorization
	issued time.Time
}

// Server is the authorization server. It is safe for concurrent use.
type Server struct {
	opts Options
	key  []byte
	now  func() time.Time

	mu             sync.Mutex
	codes          map[string]grant
	refreshTokens  map[string]grant
	authorizations []Authorization
	tokenRequests  []url.Values
	redirectURIs   []string
}

// New creates a server.
func New(opts Options) (*Server, error) {
	if opts.TokenLifetime <= 0 {
		opts.TokenLifetime = DefaultTokenLifetime
	}
	key := opts.SigningKey
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
	}
	if opts.MCPHandler == nil {
		opts.MCPHandler = http.HandlerFunc(echoHandler)
	}
	return &Server{
		opts:          opts,
		key:           key,
		now:           time.Now,
		codes:         make(map[string]grant),
		refreshTokens: make(map[string]grant),
	}, nil
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/authorize", s.handleAuthorize)
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.handleMetadata)
	mux.HandleFunc("/.well-known/oauth-authorization-server/", s.handleMetadata)
	if s.opts.ProtectedResource {
		mux.HandleFunc("/.well-known/oauth-protected-resource", s.handleResourceMetadata)
		mux.HandleFunc("/.well-known/oauth-protected-resource/", s.handleResourceMetadata)
		mux.Handle(MCPPath, s.RequireToken(s.opts.MCPHandler))
		mux.Handle(MCPPath+"/", s.RequireToken(s.opts.MCPHandler))
	}
	return cors(mux)
}

// Authorizations returns every authorization request seen so far.
func (s *Server) Authorizations() []Authorization {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Authorization(nil), s.authorizations...)
}

// TokenRequests returns the form of every token request seen so far.
func (s *Server) TokenRequests() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.tokenRequests...)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type,Authorization,Accept,Mcp-Session-Id,Mcp-Protocol-Version")
		h.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		h.Set("Access-Control-Expose-Headers", "WWW-Authenticate,Mcp-Session-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	writeJSON(w, status, body)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request", "registration requires POST")
		return
	}

	var req struct {
		RedirectURIs []string `json:"redirect_uris"`
		ClientName   string   `json:"client_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_client_metadata", err.Error())
		return
	}
	name := req.ClientName
	if name == "" {
		name = "Dummy OAuth Client"
	}

	s.mu.Lock()
	s.redirectURIs = append(s.redirectURIs, req.RedirectURIs...)
	s.mu.Unlock()

	s.opts.Logger.Info("[REGISTER] Client registered: %s (%s)", ClientID, name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":                  ClientID,
		"client_secret":              ClientSecret,
		"client_id_issued_at":        s.now().Unix(),
		"client_secret_expires_at":   0,
		"redirect_uris":              req.RedirectURIs,
		"token_endpoint_auth_method": "client_secret_basic",
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"client_name":                name,
		"scope":                      strings.Join(supportedScopes, " "),
	})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	base := baseURL(r)
	issuer := base
	if p := strings.Trim(strings.TrimPrefix(r.URL.Path, "/.well-known/oauth-authorization-server"), "/"); p != "" {
		issuer = base + "/" + p
	}

	s.opts.Logger.Debug("[WELL-KNOWN] Served metadata for issuer: %s", issuer)
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"registration_endpoint":                 base + "/register",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"scopes_supported":                      supportedScopes,
		"code_challenge_methods_supported":      []string{"S256", "plain"},
	})
}

func (s *Server) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	base := baseURL(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":                 base + MCPPath,
		"authorization_servers":    []string{base},
		"scopes_supported":         supportedScopes,
		"bearer_methods_supported": []string{"header"},
	})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	a := Authorization{
		ClientID:            r.Form.Get("client_id"),
		RedirectURI:         r.Form.Get("redirect_uri"),
		Scope:               r.Form.Get("scope"),
		State:               r.Form.Get("state"),
		CodeChallenge:       r.Form.Get("code_challenge"),
		CodeChallengeMethod: r.Form.Get("code_challenge_method"),
		Resource:            r.Form.Get("resource"),
	}
	s.opts.Logger.Info("[AUTHORIZE] client_id=%s redirect_uri=%s scope=%q", a.ClientID, a.RedirectURI, a.Scope)

	if a.ClientID == "" || a.RedirectURI == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Missing required parameters")
		return
	}
	if rt := r.Form.Get("response_type"); rt != "" && rt != "code" {
		writeError(w, http.StatusBadRequest, "unsupported_response_type", "")
		return
	}
	if a.CodeChallenge != "" && a.CodeChallengeMethod == "" {
		a.CodeChallengeMethod = "plain"
	}
	if m := a.CodeChallengeMethod; m != "" && m != "S256" && m != "plain" {
		writeError(w, http.StatusBadRequest, "invalid_request", "unsupported code_challenge_method")
		return
	}

	redirect, err := url.Parse(a.RedirectURI)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid redirect_uri")
		return
	}
	if !s.redirectRegistered(a.ClientID, redirect) {
		s.opts.Logger.Warning("[AUTHORIZE] Unregistered redirect_uri: %s", a.RedirectURI)
		writeError(w, http.StatusBadRequest, "invalid_request", "redirect_uri was not registered for this client")
		return
	}

	s.mu.Lock()
	s.authorizations = append(s.authorizations, a)
	s.mu.Unlock()

	q := redirect.Query()
	if s.opts.Deny {
		q.Set("error", "access_denied")
		q.Set("error_description", "The resource owner denied the request")
	} else {
		code := uuid.NewString()
		s.mu.Lock()
		s.codes[code] = grant{Authorization: a, issued: s.now()}
		s.mu.Unlock()
		q.Set("code", code)
	}
	if a.State != "" {
		q.Set("state", a.State)
	}
	redirect.RawQuery = q.Encode()

	s.opts.Logger.Info("[AUTHORIZE] Redirecting to: %s", redirect.String())
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// redirectRegistered checks redirect against the URIs sent to /register.
// Loopback redirects match on any port. Clients that never registered are
// not checked.
func (s *Server) redirectRegistered(clientID string, redirect *url.URL) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clientID != ClientID || len(s.redirectURIs) == 0 {
		return true
	}
	for _, raw := range s.redirectURIs {
		registered, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if registered.String() == redirect.String() {
			return true
		}
		if isLoopback(registered.Hostname()) && isLoopback(redirect.Hostname()) &&
			registered.Scheme == redirect.Scheme &&
			registered.Hostname() == redirect.Hostname() &&
			registered.Path == redirect.Path {
			return true
		}
	}
	return false
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// clientCredentials reads Basic auth first, then the form.
func clientCredentials(r *http.Request) (id, secret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request", "token requests require POST")
		return
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		writeError(w, http.StatusBadRequest, "invalid_request", "Unsupported content type")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	s.mu.Lock()
	s.tokenRequests = append(s.tokenRequests, cloneValues(r.PostForm))
	s.mu.Unlock()

	id, secret := clientCredentials(r)
	if subtle.ConstantTimeCompare([]byte(id), []byte(ClientID)) != 1 ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(ClientSecret)) != 1 {
		s.opts.Logger.Warning("[TOKEN] Invalid client credentials: %s", id)
		writeError(w, http.StatusUnauthorized, "invalid_client", "invalid client credentials")
		return
	}

	switch gt := r.PostForm.Get("grant_type"); gt {
	case "authorization_code":
		s.exchangeCode(w, r)
	case "refresh_token":
		s.refresh(w, r)
	default:
		s.opts.Logger.Warning("[TOKEN] Unsupported grant type: %s", gt)
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (s *Server) exchangeCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")

	s.mu.Lock()
	g, ok := s.codes[code]
	delete(s.codes, code)
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_grant", "unknown or already used authorization code")
		return
	}
	if ru := r.PostForm.Get("redirect_uri"); ru != g.RedirectURI {
		writeError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri does not match the authorization request")
		return
	}
	if !verifyPKCE(g.CodeChallenge, g.CodeChallengeMethod, r.PostForm.Get("code_verifier")) {
		writeError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	if res := r.PostForm.Get("resource"); res != "" {
		g.Resource = res
	}
	s.issue(w, g)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	token := r.PostForm.Get("refresh_token")

	s.mu.Lock()
	g, ok := s.refreshTokens[token]
	delete(s.refreshTokens, token)
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_grant", "unknown refresh token")
		return
	}
	if res := r.PostForm.Get("resource"); res != "" {
		g.Resource = res
	}
	s.issue(w, g)
}

func (s *Server) issue(w http.ResponseWriter, g grant) {
	scope := g.Scope
	if scope == "" {
		scope = DefaultScope
	}

	access, err := s.IssueAccessToken(scope, g.Resource)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	refresh := uuid.NewString()
	s.mu.Lock()
	s.refreshTokens[refresh] = grant{Authorization: Authorization{ClientID: g.ClientID, Scope: scope, Resource: g.Resource}, issued: s.now()}
	s.mu.Unlock()

	s.opts.Logger.Info("[TOKEN] Issuing tokens for client %s with scope %q", g.ClientID, scope)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    int64(s.opts.TokenLifetime / time.Second),
		"refresh_token": refresh,
		"scope":         scope,
	})
}

func verifyPKCE(challenge, method, verifier string) bool {
	if challenge == "" {
		return true
	}
	if verifier == "" {
		return false
	}
	expected := verifier
	if method == "S256" {
		sum := sha256.Sum256([]byte(verifier))
		expected = base64.RawURLEncoding.EncodeToString(sum[:])
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) == 1
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func echoHandler(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"scope": claims.Scope,
	})
}
