package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-inspect/internal/config"
	"github.com/giantswarm/mcp-inspect/internal/logging"
	"github.com/giantswarm/mcp-inspect/internal/oauth"
)

func newAuthorizeCmd() *cobra.Command {
	var (
		servers    serverFlags
		auth       oauthFlags
		scope      string
		clearState bool
	)

	cmd := &cobra.Command{
		Use:   "authorize [server]",
		Short: "Run the OAuth authorization flow for a server",
		Long: `Authorize against an OAuth protected MCP server and store the tokens.

By default a local callback server receives the authorization code and the
browser is opened automatically. With --guided every step is shown and the
code (or the whole redirect URL) is pasted by hand.

Tokens are kept in the storage selected in the config file, so later
connect, serve and proxy runs reuse them.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx, cancel := signalContext(cmd.Context(), logger)
			defer cancel()

			file, err := loadConfigFile()
			if err != nil {
				return err
			}
			selected, err := servers.servers(file, args)
			if err != nil {
				return err
			}
			if len(selected) != 1 {
				return fmt.Errorf("%d servers configured, name the one to authorize", len(selected))
			}
			var sc config.ServerConfig
			for _, s := range selected {
				sc = s
			}
			if sc.Kind() == config.KindStdio {
				return errors.New("stdio servers do not use OAuth")
			}

			storage, err := oauth.NewStorageFromSettings(ctx, file.Storage)
			if err != nil {
				return fmt.Errorf("failed to open OAuth storage: %w", err)
			}
			settings := auth.settings(cmd, logger, file.OAuth)
			engine, err := oauth.NewEngine(oauth.ConfigFromSettings(sc.URL, settings),
				oauth.WithStorage(storage),
				oauth.WithLogger(logger),
				oauth.WithNavigator(&oauth.BrowserNavigator{Logger: logger}),
			)
			if err != nil {
				return fmt.Errorf("invalid OAuth configuration: %w", err)
			}

			if clearState {
				if err := engine.Clear(ctx); err != nil {
					return err
				}
				logger.Success("Cleared stored OAuth state for %s", sc.URL)
				return nil
			}

			var opts []oauth.AuthorizeOption
			if scope != "" {
				opts = append(opts, oauth.WithScope(scope))
			}

			var tokens *oauth.TokenSet
			if settings.Guided {
				tokens, err = runGuidedFlow(ctx, engine, settings, logger, opts)
			} else {
				tokens, err = engine.Authorize(ctx, receiver(settings, logger), opts...)
			}
			if err != nil {
				return fmt.Errorf("authorization failed: %w", err)
			}

			printTokens(logger, tokens)
			return nil
		},
	}

	servers.register(cmd)
	auth.register(cmd, false)
	cmd.Flags().StringVar(&scope, "scope", "", "Request exactly this space separated scope")
	cmd.Flags().BoolVar(&clearState, "clear", false, "Forget the stored client, tokens and metadata instead of authorizing")
	return cmd
}

// runGuidedFlow walks the flow one step at a time and asks for the code.
func runGuidedFlow(ctx context.Context, engine *oauth.Engine, settings config.OAuthSettings, logger *logging.Logger, opts []oauth.AuthorizeOption) (*oauth.TokenSet, error) {
	ctx, cancel := context.WithTimeout(ctx, settings.Timeout)
	defer cancel()

	flow := engine.NewGuidedFlow(opts...)
	prompt := &oauth.PromptReceiver{Redirect: settings.GuidedRedirectURL, Stdin: os.Stdin, Stdout: os.Stderr}

	for {
		step := flow.Step()
		switch step {
		case oauth.StepCompleted:
			return flow.Tokens(), nil
		case oauth.StepFailed:
			return nil, flow.Err()
		}

		logger.Info("Step: %s", step)
		err := flow.Next(ctx)
		if errors.Is(err, oauth.ErrAwaitingCode) {
			code, err := prompt.WaitForCode(ctx, flow.Request())
			if err != nil {
				return nil, err
			}
			if err := flow.SubmitCode(code); err != nil {
				logger.Error("%v", err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		switch flow.Step() {
		case oauth.StepClientRegistration:
			if d := flow.Discovery(); d != nil && d.Metadata != nil {
				logger.Success("Authorization server: %s", d.Metadata.Issuer)
			}
		case oauth.StepAuthorization:
			if c := flow.Client(); c != nil {
				logger.Success("Client ID: %s", c.ClientID)
			}
		}
	}
}

func printTokens(logger *logging.Logger, tokens *oauth.TokenSet) {
	logger.Success("Authorized")
	if tokens.Scope != "" {
		logger.Info("Scope: %s", tokens.Scope)
	}
	if at, ok := tokens.ExpiresAt(); ok {
		logger.Info("Access token expires at %s", at.Format(time.RFC3339))
	}
	if tokens.RefreshToken != "" {
		logger.Info("A refresh token was issued")
	}
}
