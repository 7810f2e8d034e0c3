package main

import (
	"fmt"

	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/spf13/cobra"

	"github.com/inaiurai/pointsmith/internal/db"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema and River migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			log := ctx.logger()
			pool, err := db.Connect(cmd.Context(), cfg.Database.URL, int32(cfg.Database.MaxConns))
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(cmd.Context(), pool, log)
			if err != nil {
				return err
			}

			migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
			if err != nil {
				return fmt.Errorf("river migrator: %w", err)
			}
			res, err := migrator.Migrate(cmd.Context(), rivermigrate.DirectionUp, nil)
			if err != nil {
				return fmt.Errorf("river migrate up: %w", err)
			}
			log.Info("migrations applied", "schema", applied, "river", len(res.Versions))
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d schema and %d River migrations\n", applied, len(res.Versions))
			return nil
		},
	}
}
