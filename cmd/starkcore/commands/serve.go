package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/starkcore/starkcore/internal/app"
	"github.com/starkcore/starkcore/internal/config"
)

// newServeCmd creates the `starkcore serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon: channel adapters, dispatcher, event gateway",
		Long: `Starts starkcore as a long-running daemon: connects every
configured channel adapter, runs the dispatcher's dialog loop, drives the
compaction and confirmation-timeout scheduler, and serves the Event
Gateway's WebSocket RPC surface.

Examples:
  starkcore serve
  starkcore serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("starkcore: building app: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("starkcore: starting: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping")
	done := make(chan struct{})
	go func() {
		a.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
	return nil
}

// resolveConfig loads config from the --config path and builds the
// logger the rest of the CLI shares, following the teacher's
// resolveConfig shape but returning the logger alongside the config
// since every command (not just serve) needs one.
func resolveConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("starkcore: loading config from %s: %w", path, err)
	}

	cfg.Provider.APIKey = config.ResolveSecret(nil, "provider_api_key", "STARKCORE_PROVIDER_API_KEY", cfg.Provider.APIKey, logger)
	cfg.Channels.Discord.Token = config.ResolveSecret(nil, "discord_token", "STARKCORE_DISCORD_TOKEN", cfg.Channels.Discord.Token, logger)

	return cfg, logger, nil
}
