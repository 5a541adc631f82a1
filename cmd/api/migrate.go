package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"fieldshare/internal/config"
	"fieldshare/internal/store"
)

func newMigrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if dir != "" {
				cfg.MigrationsDir = dir
			}
			db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()
			if err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			log.Printf("migrations applied from %s", cfg.MigrationsDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "migrations directory (overrides FIELDSHARE_MIGRATIONS_DIR)")
	return cmd
}
