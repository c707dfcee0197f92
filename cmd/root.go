package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/markb/sbrealtime/internal/client"
	"github.com/markb/sbrealtime/internal/log"
)

// Version information set via ldflags at build time
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

var rootCmd = &cobra.Command{
	Use:   "sbrealtime",
	Short: "Realtime pub/sub server and client",
	Long: `A single-binary realtime service with channels, presence and push
notifications, plus a client for subscribing, publishing and inspecting
presence from the command line.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: initLogging,
}

func init() {
	rootCmd.SetVersionTemplate("sbrealtime version {{.Version}}\n")
	addLoggingFlags(rootCmd)
}

func addLoggingFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("log-mode", "", "Log output: console, file or database (env SBREALTIME_LOG_MODE)")
	flags.String("log-level", "", "Log level: debug, info, warn or error (env SBREALTIME_LOG_LEVEL)")
	flags.String("log-format", "", "Log format: text or json (env SBREALTIME_LOG_FORMAT)")
	flags.String("log-file", "", "Log file path for file mode")
	flags.String("log-db", "", "Log database path for database mode")
}

// loggingConfig builds the log configuration.
// Priority: CLI flags > environment variables > client options file > defaults
func loggingConfig(cmd *cobra.Command) (*log.Config, error) {
	cfg := log.DefaultConfig()
	flags := cmd.Flags()

	// Client commands carry --config; its log_level applies to the CLI too.
	if path, _ := flags.GetString("config"); path != "" {
		opts, err := client.LoadOptionsFile(path)
		if err != nil {
			return nil, err
		}
		if opts.LogLevel != "" {
			cfg.Level = opts.LogLevel
		}
	}

	if v := os.Getenv("SBREALTIME_LOG_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("SBREALTIME_LOG_LEVEL"); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv("SBREALTIME_LOG_FORMAT"); v != "" {
		cfg.Format = v
	}

	if v, _ := flags.GetString("log-mode"); v != "" {
		cfg.Mode = v
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.Level = v
	}
	if v, _ := flags.GetString("log-format"); v != "" {
		cfg.Format = v
	}
	if v, _ := flags.GetString("log-file"); v != "" {
		cfg.FilePath = v
	}
	if v, _ := flags.GetString("log-db"); v != "" {
		cfg.DBPath = v
	}
	return cfg, nil
}

func initLogging(cmd *cobra.Command, args []string) error {
	cfg, err := loggingConfig(cmd)
	if err != nil {
		return err
	}
	if err := log.Init(cfg); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
