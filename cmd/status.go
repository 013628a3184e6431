package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nutrino/carbonctl/internal/report"
)

var statusOrgID int64

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored event, factor, and emission totals",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		snap, err := report.NewCollector(st).Collect(ctx, statusOrgID)
		if err != nil {
			return err
		}

		if snap.OrgID > 0 {
			fmt.Printf("Organization:    %d\n", snap.OrgID)
		}
		fmt.Printf("Activity events: %d\n", snap.Events)
		fmt.Printf("Emission factors: %d\n", snap.Factors)
		fmt.Printf("Emissions:       %d\n", snap.Emissions)
		fmt.Printf("Total co2e_kg:   %.3f\n", snap.TotalCO2eKg)
		for _, t := range snap.ByScope {
			fmt.Printf("  scope %s: %.3f kg (%d rows)\n", t.Scope, t.CO2eKg, t.Count)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Int64Var(&statusOrgID, "org", 0, "organization id (default: all organizations)")
	rootCmd.AddCommand(statusCmd)
}
