package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"mealroute/internal/app"
	"mealroute/internal/config"
)

func newSweepCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one traffic check over every active route of today",
		Long:  "Runs checkTraffic for each route that was started and not ended today, reoptimizing where the slowdown threshold is exceeded and the cooldown allows.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			a, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Monitor.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			_, err = out.Write([]byte(formatSweep(rep)))
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
