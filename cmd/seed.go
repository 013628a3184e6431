package main

import (
	"github.com/spf13/cobra"

	"github.com/nutrino/carbonctl/internal/seed"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo organizations, facilities, and activity events",
	Long:  "Provisions demo tenants with randomized activity events over the last six months, ensures the default factor catalog, and recalculates emissions. Existing data is left in place.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		_, err = seed.NewSeeder(st).Run(ctx)
		return err
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
