package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/cyclecast/internal/logging"
)

var (
	flagServer    string
	flagToken     string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking CYCLECAST_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("CYCLECAST_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the cyclecast CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cyclecast",
		Short: "cyclecast: runtime broadcast overrides for cycling suites",
		Long: "cyclecast broadcasts runtime settings to the namespaces of a running suite,\n" +
			"for all cycle points or for specific ones, and inspects or expires them.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
			client.Token = flagToken
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "cyclecast server URL (or CYCLECAST_SERVER env)")
	root.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("CYCLECAST_TOKEN"), "Operator token for changes (or CYCLECAST_TOKEN env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newPutCmd(),
		newGetCmd(),
		newExpireCmd(),
		newClearCmd(),
		newDumpCmd(),
		newLoadCmd(),
		newJournalCmd(),
		newHistoryCmd(),
	)

	return root
}
