package cli

import (
	"log/slog"

	"github.com/dmarro89/go-dav-sched/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the davsim CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "davsim",
		Short: "davsim boots the dav task scheduler on a simulated machine",
		Long:  "davsim builds FAT16 boot images and runs the scheduler core against them with a simulated timer.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, cmd.ErrOrStderr())
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newMkimageCmd(),
		newLsCmd(),
	)

	return root
}
