package oauth

import (
	"fmt"
	"net/url"
	"time"

	"github.com/giantswarm/mcp-inspect/internal/config"
)

// Scope selection modes.
const (
	ScopeModeAuto   = "auto"
	ScopeModeManual = "manual"
)

const (
	DefaultClientName        = "mcp-inspect"
	DefaultRedirectURL       = "http://127.0.0.1:0/callback"
	DefaultGuidedRedirectURL = "http://localhost/oauth/callback/guided"
	DefaultAuthTimeout       = 5 * time.Minute
	DefaultStepUpMaxRetries  = 2

	defaultHTTPTimeout = 30 * time.Second
)

// Config configures an Engine for one MCP server.
type Config struct {
	// ServerURL is the MCP endpoint being protected.
	ServerURL    string
	ClientName   string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// ScopeMode is "auto" (challenge, then discovery) or "manual" (Scopes).
	ScopeMode string
	// RedirectURL is used by the automatic flow. Port 0 binds an ephemeral
	// loopback port.
	RedirectURL       string
	GuidedRedirectURL string
	// RegistrationToken is the RFC 7591 initial access token.
	RegistrationToken string
	// ResourceURI overrides the RFC 8707 resource derived from ServerURL.
	ResourceURI          string
	SkipResourceParam    bool
	PreferredAuthServer  string
	ClientIDMetadataURL  string
	AuthorizationTimeout time.Duration
	StepUpMaxRetries     int
}

// ConfigFromSettings maps the config file settings for one server.
func ConfigFromSettings(serverURL string, s config.OAuthSettings) Config {
	return Config{
		ServerURL:            serverURL,
		ClientID:             s.ClientID,
		ClientSecret:         s.ClientSecret,
		Scopes:               s.Scopes,
		ScopeMode:            s.ScopeMode,
		RedirectURL:          s.RedirectURL,
		GuidedRedirectURL:    s.GuidedRedirectURL,
		RegistrationToken:    s.RegistrationToken,
		ResourceURI:          s.ResourceURI,
		SkipResourceParam:    s.SkipResourceParam,
		PreferredAuthServer:  s.PreferredAuthServer,
		ClientIDMetadataURL:  s.ClientIDMetadataURL,
		AuthorizationTimeout: s.Timeout,
		StepUpMaxRetries:     s.StepUpMaxRetries,
	}
}

// WithDefaults returns a copy with empty fields defaulted.
func (c Config) WithDefaults() Config {
	if c.ClientName == "" {
		c.ClientName = DefaultClientName
	}
	if c.ScopeMode == "" {
		c.ScopeMode = ScopeModeAuto
	}
	if c.RedirectURL == "" {
		c.RedirectURL = DefaultRedirectURL
	}
	if c.GuidedRedirectURL == "" {
		c.GuidedRedirectURL = DefaultGuidedRedirectURL
	}
	if c.AuthorizationTimeout <= 0 {
		c.AuthorizationTimeout = DefaultAuthTimeout
	}
	if c.StepUpMaxRetries <= 0 {
		c.StepUpMaxRetries = DefaultStepUpMaxRetries
	}
	c.Scopes = append([]string(nil), c.Scopes...)
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("server URL must be an absolute http(s) URL, got: %q", c.ServerURL)
	}

	if c.ScopeMode != ScopeModeAuto && c.ScopeMode != ScopeModeManual {
		return fmt.Errorf("scope mode must be %q or %q, got: %q", ScopeModeAuto, ScopeModeManual, c.ScopeMode)
	}

	if err := validateRedirectURL(c.RedirectURL); err != nil {
		return fmt.Errorf("invalid redirect URL: %w", err)
	}
	if err := validateRedirectURL(c.GuidedRedirectURL); err != nil {
		return fmt.Errorf("invalid guided redirect URL: %w", err)
	}

	if c.ClientIDMetadataURL != "" {
		if err := ValidateClientIDURL(c.ClientIDMetadataURL); err != nil {
			return fmt.Errorf("invalid client id metadata URL: %w", err)
		}
	}
	return nil
}

// validateRedirectURL only allows http for loopback hosts.
func validateRedirectURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("redirect URL is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}

	switch parsed.Scheme {
	case "http":
		// Hostname strips the brackets from [::1].
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return fmt.Errorf("HTTP redirect URIs are only allowed for localhost/127.0.0.1/[::1], use HTTPS for other hosts")
		}
	case "https":
	default:
		return fmt.Errorf("redirect URI scheme must be http (localhost only) or https, got: %s", parsed.Scheme)
	}
	return nil
}
