package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-inspect/internal/logging"
)

const (
	githubRepoSlug    = "giantswarm/mcp-inspect"
	checksumsFilename = "checksums.txt"
)

func newSelfUpdateCmd() *cobra.Command {
	var checkOnly bool

	cmd := &cobra.Command{
		Use:   "self-update",
		Short: "Update mcp-inspect to the latest version",
		Long: `Checks for the latest release of mcp-inspect on GitHub and
replaces the running binary with it. Release assets are verified against
the published checksums. Set GITHUB_TOKEN to avoid API rate limits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			return runSelfUpdate(cmd.Context(), logger, checkOnly)
		},
	}

	cmd.Flags().BoolVar(&checkOnly, "check", false, "Only report whether a newer version is available")
	return cmd
}

func runSelfUpdate(ctx context.Context, logger *logging.Logger, checkOnly bool) error {
	current := clientVersion()
	if current == "dev" && !checkOnly {
		return errors.New("cannot self-update a development build, install a release instead")
	}

	source, err := selfupdate.NewGitHubSource(selfupdate.GitHubConfig{
		APIToken: os.Getenv("GITHUB_TOKEN"),
	})
	if err != nil {
		return fmt.Errorf("failed to create GitHub source: %w", err)
	}
	updater, err := selfupdate.NewUpdater(selfupdate.Config{
		Source:    source,
		Validator: &selfupdate.ChecksumValidator{UniqueFilename: checksumsFilename},
	})
	if err != nil {
		return fmt.Errorf("failed to create updater: %w", err)
	}

	logger.Info("Checking for updates (current version: %s)...", current)
	latest, found, err := updater.DetectLatest(ctx, selfupdate.ParseSlug(githubRepoSlug))
	if err != nil {
		return fmt.Errorf("failed to detect latest version: %w", err)
	}
	if !found {
		return fmt.Errorf("no release found for %s", githubRepoSlug)
	}

	if current != "dev" && latest.LessOrEqual(current) {
		logger.Success("Already up to date (%s)", current)
		return nil
	}
	logger.Info("New version available: %s", latest.Version())
	if latest.URL != "" {
		logger.Info("Release notes: %s", latest.URL)
	}
	if checkOnly {
		return nil
	}

	exe, err := selfupdate.ExecutablePath()
	if err != nil {
		return fmt.Errorf("could not locate executable path: %w", err)
	}
	logger.Info("Downloading %s...", latest.AssetName)
	if err := updater.UpdateTo(ctx, latest, exe); err != nil {
		return fmt.Errorf("failed to update binary: %w", err)
	}
	logger.Success("Updated to version %s", latest.Version())
	return nil
}
