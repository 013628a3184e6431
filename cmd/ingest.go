package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nutrino/carbonctl/internal/ingest"
)

var (
	ingestOrgID int64
	ingestFile  string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Import activity events from a CSV or XLSX file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if ingestOrgID <= 0 {
			return eris.New("--org is required")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		res, err := ingest.New(st).File(ctx, ingestOrgID, ingestFile)
		if err != nil {
			return err
		}

		for _, re := range res.Invalid {
			zap.L().Warn("rejected row", zap.Int("line", re.Line), zap.String("error", re.Err))
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().Int64Var(&ingestOrgID, "org", 0, "organization id (required)")
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "path to CSV or XLSX file (required)")
	_ = ingestCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(ingestCmd)
}
