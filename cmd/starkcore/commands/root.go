// Package commands implements the starkcore CLI's cobra command tree,
// grounded on the teacher's cmd/copilot/commands package.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "starkcore",
		Short: "starkcore - self-hosted conversational agent runtime",
		Long: `starkcore is a self-hosted conversational agent runtime: chat
ingestion across multiple channels, an LLM dialog loop, sandboxed tool
execution, hot-reloadable skills, and a hybrid memory subsystem.

Examples:
  starkcore serve
  starkcore chat
  starkcore setup
  starkcore skill list`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
		newSkillCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
