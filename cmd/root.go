package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-inspect/internal/config"
	"github.com/giantswarm/mcp-inspect/internal/logging"
)

var (
	version    string
	configPath string
	verbose    bool
	noColor    bool
	jsonRPC    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mcp-inspect",
	Short: "MCP inspection tool",
	Long: `mcp-inspect is a tool for inspecting MCP (Model Context Protocol) servers.

It connects to MCP servers over stdio, SSE or streamable HTTP, authorizes
against OAuth protected servers and records every JSON-RPC message, stderr
line and HTTP request of a session.

Commands:
- connect: Connect to one or more servers and explore them in a shell
- authorize: Run the OAuth authorization flow for a server and store the tokens
- serve: Act as an MCP server so AI assistants can inspect other servers
- proxy: Relay sessions over HTTP and server-sent events for remote front ends
- dev-auth-server: Run a local OAuth authorization server for testing
- self-update: Update mcp-inspect to the latest release

Servers are given on the command line (--url or --command) or in a YAML
config file (--config) with a "servers" or "mcpServers" map.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// SetVersion sets the version for the application
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file with servers, oauth, storage and retry settings")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&jsonRPC, "json-rpc", false, "Enable full JSON-RPC message logging")

	rootCmd.AddCommand(
		newConnectCmd(),
		newAuthorizeCmd(),
		newServeCmd(),
		newProxyCmd(),
		newDevAuthServerCmd(),
		newSelfUpdateCmd(),
	)
}

func newLogger() *logging.Logger {
	return logging.NewLogger(verbose, !noColor, jsonRPC)
}

// loadConfigFile reads --config, or returns an empty file when none is given.
func loadConfigFile() (*config.File, error) {
	if configPath == "" {
		return &config.File{}, nil
	}
	return config.Load(configPath)
}

// signalContext returns a context cancelled on interrupt signals.
func signalContext(parent context.Context, logger *logging.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			logger.Info("Received interrupt signal, shutting down gracefully...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// clientVersion is sent as the client version during initialize.
func clientVersion() string {
	if version == "" {
		return "dev"
	}
	return version
}
