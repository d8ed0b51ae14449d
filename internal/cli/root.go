package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/rtdispatch/internal/logging"
)

var (
	flagServer    string
	flagDB        string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
)

// defaultServer returns the trace server URL from RTDISPATCH_SERVER. Empty
// means the local database is used.
func defaultServer() string {
	return os.Getenv("RTDISPATCH_SERVER")
}

// NewRootCmd creates the root cobra command for the rtdispatch CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rtdispatch",
		Short: "Run fixed-priority dispatcher scenarios and inspect their traces",
		Long: `rtdispatch runs task-table scenarios against a simulated interrupt
controller and clock, records their dispatch traces, and serves them.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, cmd.ErrOrStderr())
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Trace server URL (or RTDISPATCH_SERVER env); empty uses the local database")
	root.PersistentFlags().StringVar(&flagDB, "db", "", "Database path (default ~/.rtdispatch/rtdispatch.db)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newRunsCmd(),
		newShowCmd(),
		newTraceCmd(),
		newSubmitCmd(),
		newServeCmd(),
	)

	return root
}
