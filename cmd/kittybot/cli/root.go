// Package cli holds the kittybot command line.
package cli

import (
	"github.com/spf13/cobra"
)

func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "kittybot",
		Short: "Chat bot that answers with an LLM and web plugins",
		Long: `kittybot connects a Discord or Telegram bot to an OpenAI compatible model,
with Google search, image, YouTube and Maps plugins per channel.

Configuration is read from the environment and an optional .env file.

Examples:
  kittybot serve
  kittybot migrate
  kittybot usage 123456789`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newRotateKeysCmd(),
		newUsageCmd(),
	)

	root.PersistentFlags().StringP("log-level", "l", "", "override LOG_LEVEL (debug, info, warn, error)")
	return root
}
