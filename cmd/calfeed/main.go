package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"calfeed/internal/config"
	appLog "calfeed/internal/log"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "calfeed",
	Short: "Keep remote iCalendar feeds fetched, filtered and fresh",
	Long: `calfeed subscribes to remote iCalendar feeds, refreshes them on an
interval, and keeps a filtered, ordered set of upcoming events per feed.

Failed fetches are retried at the regular interval; the last good event
set is kept until a fetch succeeds again.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "/etc/calfeed/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON instead of console output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(fetchCmd)
}

// loadConfig reads the config named by --config and initializes logging
// from it and the logging flags.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	level, _ := cmd.Flags().GetString("log-level")
	jsonOut, _ := cmd.Flags().GetBool("log-json")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config: %w", err)
	}

	if level == "" {
		level = cfg.LogLevel
	}
	appLog.Init(appLog.Config{
		Level:      appLog.ParseLevel(level),
		JSONOutput: jsonOut || cfg.LogJSON,
	})
	return cfg, path, nil
}

func userAgent() string {
	return "calfeed/" + Version
}
