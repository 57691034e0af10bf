// taskpulse streams task-queue events from the shared real-time channel to
// the console, optionally journaling them to Postgres.
//
// Usage:
//
//	taskpulse tap --config taskpulse.yaml --room global --worker 123
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rickgao/taskpulse/internal/logging"
	"github.com/rickgao/taskpulse/internal/version"
)

type rootOptions struct {
	configPath string
	logLevel   string
	debug      bool
}

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var opts rootOptions

	root := &cobra.Command{
		Use:           "taskpulse",
		Short:         "Real-time task queue event channel",
		Version:       version.String(),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.Configure(opts.level(""))
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file (environment only when empty)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	root.AddCommand(tapCmd(&opts))
	root.AddCommand(versionCmd())
	return root
}

// level resolves the effective log level: --debug, then --log-level, then
// the configured level.
func (o *rootOptions) level(configured string) string {
	switch {
	case o.debug:
		return logging.LevelDebug
	case o.logLevel != "":
		return o.logLevel
	case configured != "":
		return configured
	default:
		return logging.LevelInfo
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Get()
			fmt.Fprint(cmd.OutOrStdout(), keyValues(
				kv("version", info.Version),
				kv("commit", info.Commit),
				kv("built", info.BuildTime),
				kv("user agent", version.UserAgent()),
			))
		},
	}
}
