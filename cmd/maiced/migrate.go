package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atoms-tech/maice/internal/repository"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Postgres schema this backend expects",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := sql.Open("postgres", cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("maiced migrate: opening postgres: %w", err)
			}
			defer db.Close()
			if err := repository.Migrate(cmd.Context(), db); err != nil {
				return fmt.Errorf("maiced migrate: applying schema: %w", err)
			}
			fmt.Println("schema up to date")
			return nil
		},
	}
}
