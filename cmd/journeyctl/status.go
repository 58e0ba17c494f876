package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"mealroute/internal/app"
	"mealroute/internal/config"
	"mealroute/internal/model"
	"mealroute/internal/reconcile"
)

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		date       string
		driverID   string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "status ROUTE_ID",
		Short: "Show the reconciled journey status of a route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			clock, err := model.NewClock(cfg.Journey.TimeZone)
			if err != nil {
				return err
			}
			st, closeStore, err := app.OpenStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer closeStore()

			rc := reconcile.New(st, clock, reconcile.Options{UnavailableCountsComplete: cfg.Journey.UnavailableCountsComplete})
			status, err := rc.GetStatus(cmd.Context(), reconcile.Query{RouteID: args[0], DriverID: driverID, Date: date})
			if err != nil {
				return err
			}
			progress, err := rc.Progress(cmd.Context(), args[0], status.Date)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"status": status, "progress": progress})
			}
			_, err = out.Write([]byte(formatStatus(status, progress)))
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&date, "date", "", "delivery date YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&driverID, "driver", "", "restrict start and session-end markers to one driver")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
