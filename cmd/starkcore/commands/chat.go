package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/starkcore/starkcore/internal/app"
)

// newChatCmd creates the `starkcore chat` command: a local REPL against
// the same dispatcher/tool/memory stack `serve` runs, driven by
// internal/channels/repl instead of a network adapter. Channel adapters
// other than repl are left disabled for this process regardless of
// config, since a REPL session should not also stand up a second
// Discord/WhatsApp connection alongside `serve`.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive local chat session",
		Long: `Starts a terminal REPL wired to the same dispatcher, tools,
skills, and memory subsystem as the daemon, without connecting any
network channel adapter.

Examples:
  starkcore chat`,
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	// Only the repl adapter runs in this process.
	cfg.Channels.Discord.Token = ""
	cfg.Channels.WhatsApp.DatabasePath = ""
	cfg.Gateway.ListenAddr = ""

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Facade.Start(ctx); err != nil {
		return err
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	_ = a.Facade.Stop()
	return a.Store.Close()
}
