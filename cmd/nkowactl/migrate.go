package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"nkowa/api/internal/store"
)

var migrateDown bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply (or roll back) database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		db, dialect, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()

		if migrateDown {
			if err := store.RollbackMigrations(ctx, db, dialect, cfg.MigrationsDir); err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			fmt.Println("Migrations rolled back")
			return nil
		}
		if err := store.ApplyMigrations(ctx, db, dialect, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		fmt.Printf("Migrations applied (%s)\n", dialect.Name())
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "run the down migrations instead")
	rootCmd.AddCommand(migrateCmd)
}
