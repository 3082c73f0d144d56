package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-inspect/internal/mcpserver"
)

func newServeCmd() *cobra.Command {
	var (
		servers         serverFlags
		auth            oauthFlags
		serverTransport string
		listenAddr      string
		connect         bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an MCP server that inspects other MCP servers",
		Long: `Run mcp-inspect as an MCP server so AI assistants can inspect MCP servers.

Every shell command is exposed as a tool taking the name of the server to act
on: connect_server, list_tools, call_tool, get_messages and so on. Servers come
from --url / --command or from the config file.

With --server-transport=stdio (the default) configure the command in your AI
assistant's MCP settings. With --server-transport=streamable-http the server
listens on --listen-addr at /mcp.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx, cancel := signalContext(cmd.Context(), logger)
			defer cancel()

			file, err := loadConfigFile()
			if err != nil {
				return err
			}
			selected, err := servers.servers(file, nil)
			if err != nil {
				return err
			}

			m, err := newManager(ctx, file, auth.settings(cmd, logger, file.OAuth), logger)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close(context.Background()) }()

			for _, name := range sortedNames(selected) {
				if _, err := m.Add(name, selected[name]); err != nil {
					return err
				}
			}
			if connect {
				if err := m.ConnectAll(ctx); err != nil {
					logger.Warning("Some servers failed to connect: %v", err)
				}
			}

			logger.Info("Starting mcp-inspect MCP server (%s transport)...", serverTransport)
			if err := mcpserver.New(m, logger, clientVersion()).Serve(ctx, serverTransport, listenAddr); err != nil {
				return fmt.Errorf("MCP server error: %w", err)
			}
			return nil
		},
	}

	servers.register(cmd)
	auth.register(cmd, true)
	cmd.Flags().StringVar(&serverTransport, "server-transport", mcpserver.TransportStdio, "Transport to serve on: stdio or streamable-http")
	cmd.Flags().StringVar(&listenAddr, "listen-addr", ":8899", "Listen address for the streamable-http transport")
	cmd.Flags().BoolVar(&connect, "connect", false, "Connect to every server on startup instead of waiting for connect_server")
	return cmd
}
