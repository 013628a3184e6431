package seed

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nutrino/carbonctl/internal/calc"
	"github.com/nutrino/carbonctl/internal/dedupe"
	"github.com/nutrino/carbonctl/internal/model"
	"github.com/nutrino/carbonctl/internal/store"
)

// demoOrgIDs are the tenant ids the demo seeder provisions.
var demoOrgIDs = []int64{3, 4, 5, 6, 7, 8, 9}

// facilityTemplates mirror the sample locations used for demo data.
var facilityTemplates = []model.Facility{
	{Name: "Headquarters", Country: "IN", GridRegion: "IN-N"},
	{Name: "Manufacturing Plant", Country: "US"},
	{Name: "Distribution Center", Country: "GB"},
}

// eventCategories lists the sample categories with typical value ranges.
var eventCategories = []struct {
	category string
	unit     string
	min, max float64
}{
	{"electricity.kwh", "kWh", 100, 5000},
	{"diesel.litre", "l", 10, 500},
	{"petrol.litre", "l", 5, 300},
	{"air.travel.km.short", "km", 100, 5000},
	{"spend.generic.inr", "INR", 10000, 500000},
}

// Summary reports what a demo seeding run created.
type Summary struct {
	Organizations int `json:"organizations"`
	Facilities    int `json:"facilities"`
	Events        int `json:"events"`
	Emissions     int `json:"emissions"`
	Skipped       int `json:"skipped"`
}

// Seeder provisions demo tenants with randomized activity events and
// runs a full recalculation over them.
type Seeder struct {
	store  store.Store
	engine *calc.Engine
	rng    *rand.Rand
}

// NewSeeder creates a Seeder. The rng is seeded from the clock; demo
// data is intentionally randomized.
func NewSeeder(st store.Store) *Seeder {
	return &Seeder{
		store:  st,
		engine: calc.New(st),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run seeds demo organizations, facilities, and events, then
// recalculates emissions for everything it touched. Existing data is
// left alone: orgs that already have facilities or events keep them,
// and their existing events are still recalculated.
func (s *Seeder) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{}

	// The engine fails gracefully without factors, but a demo run
	// without them would be all skips, so ensure the default catalog.
	nFactors, err := s.store.CountFactors(ctx)
	if err != nil {
		return nil, err
	}
	if nFactors == 0 {
		if _, err := s.store.UpsertFactors(ctx, DefaultFactors()); err != nil {
			return nil, err
		}
		zap.L().Info("seeded default factor catalog")
	}

	batches := make(map[int64][]int64, len(demoOrgIDs))
	for _, orgID := range demoOrgIDs {
		org := &model.Organization{ID: orgID, Name: fmt.Sprintf("Organization %d", orgID)}
		if err := s.store.EnsureOrganization(ctx, org); err != nil {
			return nil, err
		}
		sum.Organizations++

		facilityIDs, err := s.ensureFacilities(ctx, orgID, sum)
		if err != nil {
			return nil, err
		}

		eventIDs, err := s.ensureEvents(ctx, orgID, facilityIDs, sum)
		if err != nil {
			return nil, err
		}
		batches[orgID] = eventIDs
	}

	results, err := s.engine.RecalculateOrgs(ctx, batches, len(demoOrgIDs))
	if err != nil {
		return nil, err
	}
	for _, res := range results {
		sum.Emissions += res.Created
		sum.Skipped += len(res.Skipped)
	}

	zap.L().Info("demo seed complete",
		zap.Int("organizations", sum.Organizations),
		zap.Int("facilities", sum.Facilities),
		zap.Int("events", sum.Events),
		zap.Int("emissions", sum.Emissions),
		zap.Int("skipped", sum.Skipped),
	)
	return sum, nil
}

func (s *Seeder) ensureFacilities(ctx context.Context, orgID int64, sum *Summary) ([]int64, error) {
	existing, err := s.store.ListFacilityIDs(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	n := 1 + s.rng.Intn(3)
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		tpl := facilityTemplates[s.rng.Intn(len(facilityTemplates))]
		f := &model.Facility{
			OrgID:      orgID,
			Name:       tpl.Name,
			Country:    tpl.Country,
			GridRegion: tpl.GridRegion,
		}
		if n > 1 {
			f.Name = fmt.Sprintf("%s %d", tpl.Name, i+1)
		}
		if err := s.store.InsertFacility(ctx, f); err != nil {
			return nil, err
		}
		ids = append(ids, f.ID)
		sum.Facilities++
	}
	return ids, nil
}

func (s *Seeder) ensureEvents(ctx context.Context, orgID int64, facilityIDs []int64, sum *Summary) ([]int64, error) {
	existing, err := s.store.ListEventIDs(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	n := 5 + s.rng.Intn(11)
	start := time.Now().UTC().AddDate(0, 0, -180)
	ids := make([]int64, 0, n)

	for i := 0; i < n; i++ {
		cat := eventCategories[s.rng.Intn(len(eventCategories))]
		occurredAt := start.
			AddDate(0, 0, s.rng.Intn(180)).
			Add(time.Duration(s.rng.Intn(24)) * time.Hour).
			Truncate(time.Second)
		// Two decimal places, like values arriving from meter readings.
		value := float64(int((cat.min+s.rng.Float64()*(cat.max-cat.min))*100)) / 100

		ev := &model.ActivityEvent{
			OrgID:        orgID,
			SourceID:     fmt.Sprintf("seed_%d", i+1),
			OccurredAt:   occurredAt,
			Category:     cat.category,
			Unit:         cat.unit,
			ValueNumeric: value,
		}
		if len(facilityIDs) > 0 {
			id := facilityIDs[s.rng.Intn(len(facilityIDs))]
			ev.FacilityID = &id
		}
		if cat.category == "spend.generic.inr" {
			ev.Currency = "INR"
			ev.SpendValue = &value
		}
		ev.HashDedupe = dedupe.EventDigest(ev)

		if err := s.store.InsertEvent(ctx, ev); err != nil {
			// Randomized draws can collide on the dedupe digest; the
			// event already exists, so just move on.
			if errors.Is(err, store.ErrDuplicateEvent) {
				continue
			}
			return nil, eris.Wrapf(err, "seed: org %d event %d", orgID, i+1)
		}
		ids = append(ids, ev.ID)
		sum.Events++
	}
	return ids, nil
}
