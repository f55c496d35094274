package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"canopy/api/internal/config"
	"canopy/api/internal/logging"
)

var (
	cfg     = config.Load()
	rootCmd = &cobra.Command{
		Use:   "canopy",
		Short: "Canopy collaboration server",
		Long: `Canopy coordinates real-time editing of a shared workspace: node locks with
FIFO waiting queues, presence, and broadcast of node updates and cursors.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres connection string")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	log := logging.New(cfg.LogLevel, os.Stderr)
	slog.SetDefault(log)
	return log
}
