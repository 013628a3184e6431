package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nutrino/carbonctl/internal/model"
	"github.com/nutrino/carbonctl/internal/seed"
)

var (
	factorsFile     string
	factorsDefaults bool
)

var factorsCmd = &cobra.Command{
	Use:   "factors",
	Short: "Manage the emission factor catalog",
}

var factorsLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load emission factors from a YAML catalog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if factorsFile == "" && !factorsDefaults {
			return eris.New("either --file or --defaults is required")
		}

		var factors []model.EmissionFactor
		if factorsDefaults {
			factors = seed.DefaultFactors()
		} else {
			var err error
			factors, err = seed.LoadCatalog(factorsFile)
			if err != nil {
				return err
			}
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := st.UpsertFactors(ctx, factors)
		if err != nil {
			return eris.Wrap(err, "load factors")
		}

		zap.L().Info("factor catalog loaded",
			zap.Int64("upserted", n),
			zap.String("file", factorsFile),
			zap.Bool("defaults", factorsDefaults),
		)
		return nil
	},
}

func init() {
	factorsLoadCmd.Flags().StringVar(&factorsFile, "file", "", "path to YAML factor catalog")
	factorsLoadCmd.Flags().BoolVar(&factorsDefaults, "defaults", false, "load the built-in default catalog")
	factorsCmd.AddCommand(factorsLoadCmd)
	rootCmd.AddCommand(factorsCmd)
}
