package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nutrino/carbonctl/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestDefaultFactors(t *testing.T) {
	factors := DefaultFactors()
	require.Len(t, factors, 10)

	byCategory := make(map[string]int)
	for _, f := range factors {
		byCategory[f.Category]++
		assert.Positive(t, f.FactorValue)
		assert.Equal(t, "GLOBAL", f.Geography)
		assert.True(t, f.ValidFrom.Before(f.ValidTo))
	}
	for cat, n := range byCategory {
		assert.Equal(t, 2, n, "category %s should have two versions", cat)
	}

	// The current lineage must cover events happening now.
	now := time.Now().UTC()
	for _, f := range factors {
		if f.Version == 2 {
			assert.True(t, f.Covers(now), "v2 %s should cover the present", f.Category)
		}
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`factors:
  - category: electricity.kwh
    factor_value: 0.71
    geography: IN
    version: 3
    valid_from: 2024-01-01T00:00:00Z
    valid_to: 2026-12-31T23:59:59Z
  - category: diesel.litre
    factor_value: 2.68
    valid_from: 2024-01-01T00:00:00Z
    valid_to: 2026-12-31T23:59:59Z
`), 0o644))

	factors, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, factors, 2)

	assert.Equal(t, "IN", factors[0].Geography)
	assert.Equal(t, 3, factors[0].Version)

	// Defaults fill in when omitted.
	assert.Equal(t, "GLOBAL", factors[1].Geography)
	assert.Equal(t, 1, factors[1].Version)
}

func TestLoadCatalog_RejectsIncompleteEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`factors:
  - category: electricity.kwh
    factor_value: 0.71
`), 0o644))

	_, err := LoadCatalog(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete")
}

func TestLoadCatalog_RejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("factors: []\n"), 0o644))

	_, err := LoadCatalog(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no factors")
}

func TestSeeder_Run(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sum, err := NewSeeder(st).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, len(demoOrgIDs), sum.Organizations)
	assert.Positive(t, sum.Facilities)
	// 5-15 events per org.
	assert.GreaterOrEqual(t, sum.Events, 5*len(demoOrgIDs))
	assert.LessOrEqual(t, sum.Events, 15*len(demoOrgIDs))

	// Every demo category has a current factor, so nothing is skipped.
	assert.Equal(t, sum.Events, sum.Emissions)
	assert.Zero(t, sum.Skipped)

	orgs, err := st.ListOrganizationIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, demoOrgIDs, orgs)

	nFactors, err := st.CountFactors(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(DefaultFactors()), nFactors)
}

func TestSeeder_Run_ReusesExistingData(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first, err := NewSeeder(st).Run(ctx)
	require.NoError(t, err)

	second, err := NewSeeder(st).Run(ctx)
	require.NoError(t, err)

	// No new events or facilities on re-run, but everything is
	// recalculated again.
	assert.Zero(t, second.Events)
	assert.Zero(t, second.Facilities)
	assert.Equal(t, first.Emissions, second.Emissions)

	total := 0
	for _, orgID := range demoOrgIDs {
		n, err := st.CountEvents(ctx, orgID)
		require.NoError(t, err)
		total += n
	}
	assert.Equal(t, first.Events, total)
}
