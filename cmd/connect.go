package cmd

import (
	"context"
	"fmt"
	"reflect"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-inspect/internal/config"
	"github.com/giantswarm/mcp-inspect/internal/logging"
	"github.com/giantswarm/mcp-inspect/internal/manager"
	"github.com/giantswarm/mcp-inspect/internal/shell"
)

func newConnectCmd() *cobra.Command {
	var (
		servers serverFlags
		auth    oauthFlags
		watch   bool
		noShell bool
	)

	cmd := &cobra.Command{
		Use:   "connect [server...]",
		Short: "Connect to MCP servers and explore them interactively",
		Long: `Connect to one or more MCP servers and start an interactive shell.

Servers come from --url / --command or from the config file. Naming servers
connects only those; otherwise every configured server is connected.

In the shell you can:
- List and describe tools, resources and prompts
- Execute tools and prompts with JSON arguments
- Send raw JSON-RPC requests
- Inspect the recorded messages, stderr output and HTTP requests
- Switch between servers and set their logging level

With --watch the config file is reloaded on change: added servers are
connected, removed ones disconnected and changed ones reconnected.`,
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
			if watch && configPath == "" {
				return fmt.Errorf("--watch requires --config")
			}

			oauthSettings := auth.settings(cmd, logger, file.OAuth)
			m, err := newManager(ctx, file, oauthSettings, logger)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close(context.Background()) }()

			var first string
			for _, name := range sortedNames(selected) {
				if _, err := m.Add(name, selected[name]); err != nil {
					return err
				}
				if first == "" {
					first = name
				}
			}

			if err := m.ConnectAll(ctx); err != nil {
				logger.Error("Some servers failed to connect: %v", err)
			}

			if watch {
				if err := watchConfig(ctx, m, servers, args, logger); err != nil {
					return err
				}
			}

			if noShell {
				logger.Info("Connected. Press Ctrl+C to exit.")
				<-ctx.Done()
				return nil
			}

			sh := shell.New(m, logger)
			if err := sh.Use(first); err != nil {
				return err
			}
			if err := sh.Run(ctx); err != nil {
				return fmt.Errorf("shell error: %w", err)
			}
			return nil
		},
	}

	servers.register(cmd)
	auth.register(cmd, true)
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload the config file when it changes")
	cmd.Flags().BoolVar(&noShell, "no-shell", false, "Stay connected and log traffic without starting the shell")
	return cmd
}

func sortedNames(servers map[string]config.ServerConfig) []string {
	f := config.File{Servers: servers}
	return f.ServerNames()
}

// watchConfig applies config file changes to the manager until ctx ends.
func watchConfig(ctx context.Context, m *manager.Manager, flags serverFlags, names []string, logger *logging.Logger) error {
	updates, err := config.Watch(ctx, configPath, func(err error) {
		logger.Warning("Ignoring invalid config: %v", err)
	})
	if err != nil {
		return err
	}

	go func() {
		for file := range updates {
			selected, err := flags.servers(file, names)
			if err != nil {
				logger.Warning("Ignoring config: %v", err)
				continue
			}
			applyServers(ctx, m, selected, logger)
		}
	}()
	logger.Info("Watching %s for changes", configPath)
	return nil
}

// applyServers reconciles the managed servers with the wanted set.
func applyServers(ctx context.Context, m *manager.Manager, wanted map[string]config.ServerConfig, logger *logging.Logger) {
	current := make(map[string]manager.Summary)
	for _, s := range m.List() {
		current[s.Name] = s
	}

	for name, s := range current {
		sc, ok := wanted[name]
		if ok && reflect.DeepEqual(sc.WithDefaults(), s.Config) {
			continue
		}
		if err := m.Remove(ctx, s.ID); err != nil {
			logger.Warning("Disconnecting %s: %v", name, err)
		}
		if !ok {
			logger.Info("Server %s removed", name)
		}
	}

	for _, name := range sortedNames(wanted) {
		if s, ok := current[name]; ok && reflect.DeepEqual(wanted[name].WithDefaults(), s.Config) {
			continue
		}
		id, err := m.Add(name, wanted[name])
		if err != nil {
			logger.Error("Adding %s: %v", name, err)
			continue
		}
		logger.Info("Server %s configured, connecting...", name)
		go func() {
			if err := m.Connect(ctx, id); err != nil {
				logger.Error("Connecting to %s: %v", name, err)
			}
		}()
	}
}
