package cli

import (
	"github.com/spf13/cobra"

	"collabsync/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	LogLevel string
}

// NewRootCommand creates the root command of collabctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "collabctl",
		Short: "Join and inspect collaboration sessions",
		Long:  "collabctl joins a collaboration room on a relay as one participant and drives it from the terminal.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.Init(opts.LogLevel)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level (debug|info|warn|error)")

	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewJoinCommand(opts))

	return cmd
}
