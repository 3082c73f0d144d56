package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-inspect/internal/config"
	"github.com/giantswarm/mcp-inspect/internal/inspector"
	"github.com/giantswarm/mcp-inspect/internal/logging"
	"github.com/giantswarm/mcp-inspect/internal/manager"
	"github.com/giantswarm/mcp-inspect/internal/oauth"
	"github.com/giantswarm/mcp-inspect/internal/tracking"
	"github.com/giantswarm/mcp-inspect/internal/transport"
)

// inlineServerName names the server given with --url or --command.
const inlineServerName = "default"

// serverFlags describes one server on the command line.
type serverFlags struct {
	transport string
	url       string
	command   string
	args      []string
	env       map[string]string
	cwd       string
	headers   map[string]string
}

func (f *serverFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.transport, "transport", "", "Transport to use: stdio, sse or streamable-http (inferred when empty)")
	cmd.Flags().StringVar(&f.url, "url", "", "URL of an SSE or streamable HTTP server")
	cmd.Flags().StringVar(&f.command, "command", "", "Command starting a stdio server")
	cmd.Flags().StringSliceVar(&f.args, "arg", nil, "Argument for --command (repeatable)")
	cmd.Flags().StringToStringVar(&f.env, "env", nil, "Environment variable for --command, as KEY=VALUE")
	cmd.Flags().StringVar(&f.cwd, "cwd", "", "Working directory for --command")
	cmd.Flags().StringToStringVar(&f.headers, "header", nil, "HTTP header sent to --url, as NAME=VALUE")
	cmd.MarkFlagsMutuallyExclusive("url", "command")
}

// inline returns the server given by flags, if any.
func (f *serverFlags) inline() (config.ServerConfig, bool) {
	if f.url == "" && f.command == "" {
		return config.ServerConfig{}, false
	}
	return config.ServerConfig{
		Type:    config.TransportKind(f.transport),
		Command: f.command,
		Args:    f.args,
		Env:     f.env,
		Cwd:     f.cwd,
		URL:     f.url,
		Headers: f.headers,
	}.WithDefaults(), true
}

// servers merges the inline server into the config file servers and picks
// the ones named in args. No names selects every server.
func (f *serverFlags) servers(file *config.File, names []string) (map[string]config.ServerConfig, error) {
	all := make(map[string]config.ServerConfig, len(file.Servers)+1)
	for name, sc := range file.Servers {
		all[name] = sc
	}
	if sc, ok := f.inline(); ok {
		if err := sc.Validate(); err != nil {
			return nil, err
		}
		all[inlineServerName] = sc
	}
	if len(all) == 0 {
		return nil, errors.New("no servers given, use --url, --command or --config")
	}
	if len(names) == 0 {
		return all, nil
	}

	selected := make(map[string]config.ServerConfig, len(names))
	for _, name := range names {
		sc, ok := all[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", manager.ErrUnknownServer, name)
		}
		selected[name] = sc
	}
	return selected, nil
}

// oauthFlags mirror config.OAuthSettings. Flags that were set override the
// config file.
type oauthFlags struct {
	enabled             bool
	guided              bool
	clientID            string
	clientSecret        string
	scopes              []string
	scopeMode           string
	redirectURL         string
	registrationToken   string
	resourceURI         string
	skipResourceParam   bool
	preferredAuthServer string
	clientIDMetadataURL string
	timeout             time.Duration
	stepUpMaxRetries    int
}

func (f *oauthFlags) register(cmd *cobra.Command, withEnable bool) {
	if withEnable {
		cmd.Flags().BoolVar(&f.enabled, "oauth", false, "Enable OAuth authentication for connecting to protected MCP servers")
	}
	cmd.Flags().BoolVar(&f.guided, "guided", false, "Authorize by pasting the code instead of running a local callback server")
	cmd.Flags().StringVar(&f.clientID, "oauth-client-id", "", "OAuth client ID (optional - will use Dynamic Client Registration if not provided)")
	cmd.Flags().StringVar(&f.clientSecret, "oauth-client-secret", "", "OAuth client secret (optional, prefer OAUTH_CLIENT_SECRET)")
	cmd.Flags().StringSliceVar(&f.scopes, "oauth-scopes", nil, "OAuth scopes to request (used with --oauth-scope-mode=manual)")
	cmd.Flags().StringVar(&f.scopeMode, "oauth-scope-mode", "", "Scope selection mode: 'auto' (challenge, then discovery) or 'manual' (use --oauth-scopes only)")
	cmd.Flags().StringVar(&f.redirectURL, "oauth-redirect-url", "", "OAuth redirect URL for the callback server (port 0 picks a free port)")
	cmd.Flags().StringVar(&f.registrationToken, "oauth-registration-token", "", "Initial access token for Dynamic Client Registration")
	cmd.Flags().StringVar(&f.resourceURI, "oauth-resource-uri", "", "Target resource URI for RFC 8707 (derived from the server URL if not specified)")
	cmd.Flags().BoolVar(&f.skipResourceParam, "oauth-skip-resource-param", false, "Skip the RFC 8707 resource parameter")
	cmd.Flags().StringVar(&f.preferredAuthServer, "oauth-preferred-auth-server", "", "Preferred authorization server URL when multiple are available")
	cmd.Flags().StringVar(&f.clientIDMetadataURL, "oauth-client-id-metadata-url", "", "HTTPS URL hosting a Client ID Metadata Document")
	cmd.Flags().DurationVar(&f.timeout, "oauth-timeout", 5*time.Minute, "Maximum time to wait for OAuth authorization")
	cmd.Flags().IntVar(&f.stepUpMaxRetries, "oauth-step-up-max-retries", 2, "Maximum number of step-up authorization attempts")
}

// settings applies the flags that were set on top of the file settings.
func (f *oauthFlags) settings(cmd *cobra.Command, logger *logging.Logger, s config.OAuthSettings) config.OAuthSettings {
	changed := cmd.Flags().Changed
	if changed("oauth") {
		s.Enabled = f.enabled
	}
	if changed("guided") {
		s.Guided = f.guided
	}
	if changed("oauth-client-id") {
		s.ClientID = f.clientID
	}
	if changed("oauth-client-secret") {
		logger.Warning("Security Warning: Client secret passed via CLI flag is visible in process listings")
		logger.Info("Consider using environment variables instead: export OAUTH_CLIENT_SECRET=\"...\"")
		s.ClientSecret = f.clientSecret
	} else if secret := os.Getenv("OAUTH_CLIENT_SECRET"); secret != "" {
		s.ClientSecret = secret
	}
	if changed("oauth-scopes") {
		s.Scopes = f.scopes
	}
	if changed("oauth-scope-mode") {
		s.ScopeMode = f.scopeMode
	}
	if changed("oauth-redirect-url") {
		s.RedirectURL = f.redirectURL
	}
	if changed("oauth-registration-token") {
		s.RegistrationToken = f.registrationToken
	}
	if changed("oauth-resource-uri") {
		s.ResourceURI = f.resourceURI
	}
	if changed("oauth-skip-resource-param") {
		s.SkipResourceParam = f.skipResourceParam
	}
	if changed("oauth-preferred-auth-server") {
		s.PreferredAuthServer = f.preferredAuthServer
	}
	if changed("oauth-client-id-metadata-url") {
		s.ClientIDMetadataURL = f.clientIDMetadataURL
	}
	if changed("oauth-timeout") || s.Timeout == 0 {
		s.Timeout = f.timeout
	}
	if changed("oauth-step-up-max-retries") || s.StepUpMaxRetries == 0 {
		s.StepUpMaxRetries = f.stepUpMaxRetries
	}
	return s
}

// receiver returns how authorization codes are obtained.
func receiver(s config.OAuthSettings, logger *logging.Logger) oauth.CodeReceiver {
	if s.Guided {
		return &oauth.PromptReceiver{Redirect: s.GuidedRedirectURL, Stdin: os.Stdin, Stdout: os.Stderr}
	}
	return oauth.NewCallbackReceiver(s.RedirectURL, &oauth.BrowserNavigator{Logger: logger})
}

// sessionFactory builds inspector sessions for the manager.
type sessionFactory struct {
	logger  *logging.Logger
	oauth   config.OAuthSettings
	history config.HistorySettings
	storage *oauth.Storage
}

func (f *sessionFactory) build(name string, cfg config.ServerConfig) (*inspector.Client, error) {
	maxMessages := tracking.DefaultCapacity
	if f.history.MaxMessages != nil {
		maxMessages = *f.history.MaxMessages
	}
	opts := inspector.Options{
		Config:           cfg,
		Logger:           f.logger,
		ClientVersion:    clientVersion(),
		MaxMessages:      maxMessages,
		MaxStderrLines:   f.history.MaxStderrLines,
		MaxFetchRequests: f.history.MaxFetchRequests,
	}

	if !f.oauth.Enabled || cfg.Kind() == config.KindStdio {
		return inspector.NewClient(opts)
	}

	// The engine reports its requests to the session it serves.
	var session *inspector.Client
	engine, err := oauth.NewEngine(oauth.ConfigFromSettings(cfg.URL, f.oauth),
		oauth.WithStorage(f.storage),
		oauth.WithLogger(f.logger),
		oauth.WithNavigator(&oauth.BrowserNavigator{Logger: f.logger}),
		oauth.WithFetchRecorder(func(e transport.FetchEntry) {
			if session != nil {
				session.RecordFetch(e)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid OAuth configuration for %s: %w", name, err)
	}
	opts.OAuth = engine
	opts.CodeReceiver = receiver(f.oauth, f.logger)

	session, err = inspector.NewClient(opts)
	return session, err
}

// newManager builds a manager over the given servers, using the retry,
// history, oauth and storage settings of file.
func newManager(ctx context.Context, file *config.File, oauthSettings config.OAuthSettings, logger *logging.Logger) (*manager.Manager, error) {
	storage, err := oauth.NewStorageFromSettings(ctx, file.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open OAuth storage: %w", err)
	}
	factory := &sessionFactory{
		logger:  logger,
		oauth:   oauthSettings,
		history: file.History,
		storage: storage,
	}
	return manager.New(manager.Options{
		Logger:  logger,
		Factory: factory.build,
		Retry:   manager.RetryOptionsFromSettings(file.Retry),
	}), nil
}
