package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger counts by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.Ledger.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), renderStats(stats))
		return nil
	},
}
