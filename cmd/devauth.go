package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-inspect/internal/devauth"
	"github.com/giantswarm/mcp-inspect/internal/mcpserver"
)

func newDevAuthServerCmd() *cobra.Command {
	var (
		listenAddr        string
		protectedResource bool
		inspectorMCP      bool
		requiredScope     string
		deny              bool
		tokenLifetime     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "dev-auth-server",
		Short: "Run a local OAuth authorization server for testing",
		Long: `Run a development OAuth 2.1 authorization server.

It supports dynamic client registration, PKCE, refresh tokens and RFC 8414
metadata, approves every authorization request and issues short-lived JWT
access tokens.

With --protected-resource it also serves RFC 9728 metadata and a bearer
protected endpoint at /mcp, so the whole flow can be exercised with:

  mcp-inspect connect --oauth --url http://localhost:9000/mcp

The endpoint echoes the granted scope, or with --mcp serves the mcp-inspect
MCP server over the servers of --config. --required-scope answers 403
insufficient_scope to tokens lacking it, which exercises step-up
authorization. --deny rejects every authorization request.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx, cancel := signalContext(cmd.Context(), logger)
			defer cancel()

			opts := devauth.Options{
				Logger:            logger,
				TokenLifetime:     tokenLifetime,
				ProtectedResource: protectedResource,
				RequiredScope:     requiredScope,
				Deny:              deny,
			}

			if inspectorMCP {
				file, err := loadConfigFile()
				if err != nil {
					return err
				}
				m, err := newManager(ctx, file, file.OAuth, logger)
				if err != nil {
					return err
				}
				defer func() { _ = m.Close(context.Background()) }()
				for _, name := range file.ServerNames() {
					if _, err := m.Add(name, file.Servers[name]); err != nil {
						return err
					}
				}
				inspector := mcpserver.New(m, logger, clientVersion())
				opts.MCPHandler = server.NewStreamableHTTPServer(inspector.MCPServer(),
					server.WithEndpointPath(devauth.MCPPath))
			}

			as, err := devauth.New(opts)
			if err != nil {
				return err
			}

			logger.Info("Client ID: %s", devauth.ClientID)
			logger.Info("Client secret: %s", devauth.ClientSecret)
			return serveHTTP(ctx, &http.Server{
				Addr:              listenAddr,
				Handler:           as.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}, "dev authorization server", logger)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen-addr", "localhost:9000", "Address the authorization server listens on")
	cmd.Flags().BoolVar(&protectedResource, "protected-resource", false, "Also serve a bearer protected MCP endpoint at /mcp")
	cmd.Flags().BoolVar(&inspectorMCP, "mcp", false, "Serve the mcp-inspect MCP server at /mcp instead of an echo endpoint")
	cmd.Flags().StringVar(&requiredScope, "required-scope", "", "Space separated scopes the /mcp endpoint requires")
	cmd.Flags().BoolVar(&deny, "deny", false, "Reject every authorization request with access_denied")
	cmd.Flags().DurationVar(&tokenLifetime, "token-lifetime", devauth.DefaultTokenLifetime, "Lifetime of issued access tokens")
	return cmd
}
