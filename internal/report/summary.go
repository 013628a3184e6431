// Package report exposes the analytics read path over computed
// emissions: counts and per-scope totals. Read-only; it never touches
// events or factors beyond counting them.
package report

import (
	"context"
	"time"

	"github.com/nutrino/carbonctl/internal/store"
)

// Snapshot holds a point-in-time view of stored data and computed
// emissions, optionally scoped to one organization.
type Snapshot struct {
	OrgID       int64              `json:"org_id,omitempty"`
	Events      int                `json:"events"`
	Emissions   int                `json:"emissions"`
	Factors     int                `json:"factors"`
	TotalCO2eKg float64            `json:"total_co2e_kg"`
	ByScope     []store.ScopeTotal `json:"by_scope,omitempty"`
	CollectedAt time.Time          `json:"collected_at"`
}

// Collector gathers snapshots from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a new snapshot collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect builds a snapshot. orgID <= 0 means all organizations.
func (c *Collector) Collect(ctx context.Context, orgID int64) (*Snapshot, error) {
	snap := &Snapshot{
		OrgID:       max(orgID, 0),
		CollectedAt: time.Now().UTC(),
	}

	var err error
	if snap.Events, err = c.store.CountEvents(ctx, orgID); err != nil {
		return nil, err
	}
	if snap.Emissions, err = c.store.CountEmissions(ctx, orgID); err != nil {
		return nil, err
	}
	if snap.Factors, err = c.store.CountFactors(ctx); err != nil {
		return nil, err
	}
	if snap.ByScope, err = c.store.ScopeTotals(ctx, orgID); err != nil {
		return nil, err
	}
	for _, t := range snap.ByScope {
		snap.TotalCO2eKg += t.CO2eKg
	}
	return snap, nil
}
