// Command journeyctl is the operator CLI for the journey service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mealroute/internal/buildinfo"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "journeyctl",
		Short:        "Operate the meal-delivery journey service",
		Long:         "journeyctl migrates the journey store, inspects reconciled route status and runs traffic sweeps on demand.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newSweepCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := buildinfo.Info()
			fmt.Fprintf(cmd.OutOrStdout(), "journeyctl %s (commit: %s, built: %s, %s)\n", info["version"], orNone(info["commit"]), orNone(info["builtAt"]), info["goVersion"])
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
