package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/nutrino/carbonctl/internal/model"
)

// ErrDuplicateEvent indicates an insert collided with an existing
// (org_id, hash_dedupe) pair. The event was already recorded; callers
// report it as a duplicate, not a failure.
var ErrDuplicateEvent = eris.New("duplicate event")

// ErrFactorNotFound indicates no emission factor matches a category and
// timestamp. Recoverable per event: the engine skips and reports, never
// aborting the batch.
var ErrFactorNotFound = eris.New("no matching emission factor")

// ScopeTotal is an aggregate of emissions for one regulatory scope.
type ScopeTotal struct {
	Scope  string  `json:"scope"`
	CO2eKg float64 `json:"co2e_kg"`
	Count  int     `json:"count"`
}

// RecalcTx is the transactional view the calculation engine runs in.
// Every call is bound to one transaction, so the delete-then-insert
// replace sequence is atomic with respect to concurrent readers: they
// observe the old emission row or the new one, never neither.
type RecalcTx interface {
	// LockEvents loads the batch's events and takes row locks on them
	// (SELECT ... FOR UPDATE on Postgres) so concurrent recalculations
	// of the same event serialize instead of interleaving.
	LockEvents(ctx context.Context, orgID int64, eventIDs []int64) ([]model.ActivityEvent, error)
	DeleteEmissions(ctx context.Context, orgID int64, eventIDs []int64) (int64, error)
	ResolveFactor(ctx context.Context, category string, at time.Time) (*model.EmissionFactor, error)
	InsertEmission(ctx context.Context, em *model.Emission) error
}

// Store defines the persistence interface for the emission engine.
type Store interface {
	// Activity events
	InsertEvent(ctx context.Context, ev *model.ActivityEvent) error
	ListEventIDs(ctx context.Context, orgID int64) ([]int64, error)
	CountEvents(ctx context.Context, orgID int64) (int, error)

	// Emission factors
	UpsertFactors(ctx context.Context, factors []model.EmissionFactor) (int64, error)
	CountFactors(ctx context.Context) (int, error)
	ResolveFactor(ctx context.Context, category string, at time.Time) (*model.EmissionFactor, error)

	// Emissions (analytics read path)
	GetEmissionByEvent(ctx context.Context, eventID int64) (*model.Emission, error)
	CountEmissions(ctx context.Context, orgID int64) (int, error)
	ScopeTotals(ctx context.Context, orgID int64) ([]ScopeTotal, error)

	// RecalcBatch runs fn inside a single transaction scoped to one
	// organization's batch. An error from fn rolls the whole batch back.
	RecalcBatch(ctx context.Context, orgID int64, fn func(RecalcTx) error) error

	// Tenancy (seeding only; the engine never creates these)
	EnsureOrganization(ctx context.Context, org *model.Organization) error
	InsertFacility(ctx context.Context, f *model.Facility) error
	ListFacilityIDs(ctx context.Context, orgID int64) ([]int64, error)
	ListOrganizationIDs(ctx context.Context) ([]int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
