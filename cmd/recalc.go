package main

import (
	"context"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nutrino/carbonctl/internal/calc"
	"github.com/nutrino/carbonctl/internal/store"
)

var (
	recalcOrgID  int64
	recalcEvents string
)

var recalcCmd = &cobra.Command{
	Use:   "recalc",
	Short: "Recalculate emissions for activity events",
	Long:  "Replaces emission records for the selected events inside one transaction per organization. Events without a matching factor are skipped and reported; re-running without data changes is a no-op in effect.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		engine := calc.New(st)

		if recalcOrgID > 0 {
			eventIDs, err := selectEventIDs(ctx, st, recalcOrgID, recalcEvents)
			if err != nil {
				return err
			}
			_, err = engine.Recalculate(ctx, recalcOrgID, eventIDs)
			return err
		}

		if recalcEvents != "" {
			return eris.New("--events requires --org")
		}

		// All organizations, one batch each.
		orgIDs, err := st.ListOrganizationIDs(ctx)
		if err != nil {
			return err
		}
		batches := make(map[int64][]int64, len(orgIDs))
		for _, orgID := range orgIDs {
			ids, err := st.ListEventIDs(ctx, orgID)
			if err != nil {
				return err
			}
			batches[orgID] = ids
		}

		results, err := engine.RecalculateOrgs(ctx, batches, cfg.Calc.MaxConcurrentOrgs)
		if err != nil {
			return err
		}

		var created, skipped int
		for _, res := range results {
			created += res.Created
			skipped += len(res.Skipped)
		}
		zap.L().Info("recalculation finished",
			zap.Int("organizations", len(results)),
			zap.Int("created", created),
			zap.Int("skipped", skipped),
		)
		return nil
	},
}

func selectEventIDs(ctx context.Context, st store.Store, orgID int64, raw string) ([]int64, error) {
	if raw == "" {
		return st.ListEventIDs(ctx, orgID)
	}

	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, eris.Errorf("bad event id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func init() {
	recalcCmd.Flags().Int64Var(&recalcOrgID, "org", 0, "organization id (default: all organizations)")
	recalcCmd.Flags().StringVar(&recalcEvents, "events", "", "comma-separated event ids (default: all events for the org)")
	rootCmd.AddCommand(recalcCmd)
}
