package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-inspect/internal/logging"
	"github.com/giantswarm/mcp-inspect/internal/oauth"
	"github.com/giantswarm/mcp-inspect/internal/proxy"
	"github.com/giantswarm/mcp-inspect/internal/tracking"
)

// proxyTokenEnv holds the bearer token the proxy requires.
const proxyTokenEnv = "MCP_INSPECT_PROXY_TOKEN"

func newProxyCmd() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Relay MCP sessions over HTTP for remote front ends",
		Long: `Run an HTTP proxy that opens MCP sessions on behalf of remote front ends.

Routes:
- POST /connect     open a session to the server described in the body
- POST /send        send a JSON-RPC message on a session
- GET  /events      stream the session traffic as server-sent events
- POST /disconnect  close a session
- /storage/oauth    read and write OAuth state for remote storage clients
- GET  /metrics     Prometheus metrics
- GET  /healthz     liveness

Every route except /healthz requires "Authorization: Bearer <token>". The
token is read from ` + proxyTokenEnv + `; when unset a random one is
generated and printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx, cancel := signalContext(cmd.Context(), logger)
			defer cancel()

			file, err := loadConfigFile()
			if err != nil {
				return err
			}
			storage, err := oauth.NewStorageFromSettings(ctx, file.Storage)
			if err != nil {
				return fmt.Errorf("failed to open OAuth storage: %w", err)
			}

			token := os.Getenv(proxyTokenEnv)
			if token == "" {
				token = uuid.NewString()
				logger.Info("Generated proxy token: %s", token)
			}

			maxMessages := tracking.DefaultCapacity
			if file.History.MaxMessages != nil {
				maxMessages = *file.History.MaxMessages
			}
			p, err := proxy.New(proxy.Options{
				Token:       token,
				Logger:      logger,
				Storage:     storage.Backend(),
				MaxMessages: maxMessages,
			})
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			return serveHTTP(ctx, &http.Server{
				Addr:              listenAddr,
				Handler:           p.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}, "proxy", logger)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen-addr", "localhost:6277", "Address the proxy listens on")
	return cmd
}

// serveHTTP runs srv until ctx ends, then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server, what string, logger *logging.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Success("Serving %s on http://%s", what, srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server error: %w", what, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown: %w", what, err)
		}
		return nil
	}
}
