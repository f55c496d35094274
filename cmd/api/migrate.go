package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"canopy/api/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		applied, err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		log.Info("migrations applied", "count", len(applied), "versions", applied)
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&cfg.MigrationsDir, "dir", cfg.MigrationsDir, "migrations directory")
	rootCmd.AddCommand(migrateCmd)
}
