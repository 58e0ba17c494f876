package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"mealroute/internal/config"
	"mealroute/internal/store"
)

func newMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  "Creates or upgrades the planned_stops, actual_stops, journey_summaries and route_reoptimizations tables. Safe to run repeatedly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("migrate: DATABASE_URL is not set")
			}
			pg, err := store.NewPostgres(cfg.Database.URL, 1)
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}
