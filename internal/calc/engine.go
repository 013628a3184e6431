package calc

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nutrino/carbonctl/internal/model"
	"github.com/nutrino/carbonctl/internal/resilience"
	"github.com/nutrino/carbonctl/internal/store"
)

// formulaTag names the calculation formula in provenance records.
const formulaTag = "value * factor_value"

// SkipReasonNoFactor is the only per-event skip reason today.
const SkipReasonNoFactor = "no matching factor"

// Skip records one event left without an emission, with enough context
// for audit.
type Skip struct {
	EventID  int64  `json:"event_id"`
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

// BatchResult summarizes one organization's recalculation batch.
type BatchResult struct {
	BatchID string `json:"batch_id"`
	OrgID   int64  `json:"org_id"`
	Created int    `json:"created"`
	Skipped []Skip `json:"skipped,omitempty"`
}

// Engine orchestrates emission recalculation against a Store.
type Engine struct {
	store store.Store
}

// New creates an Engine backed by the given store.
func New(st store.Store) *Engine {
	return &Engine{store: st}
}

// Recalculate replaces the emissions for one organization's batch of
// events inside a single transaction. Per event: delete any prior
// emission, resolve the factor in force at occurred_at, compute
// co2e_kg = value_numeric * factor_value, infer scope (explicit hint
// wins), and insert a fresh row tagged with the current calc version.
//
// Events with no matching factor are skipped and reported, never
// aborting the batch. Any storage error rolls the whole batch back, so
// the call is safely re-runnable. Re-running with unchanged events and
// factors produces identical co2e_kg, scope, and provenance.
func (e *Engine) Recalculate(ctx context.Context, orgID int64, eventIDs []int64) (*BatchResult, error) {
	res := &BatchResult{BatchID: uuid.New().String(), OrgID: orgID}
	if len(eventIDs) == 0 {
		return res, nil
	}

	// Concurrent batches can deadlock on factor reads versus emission
	// writes; the transaction rolls back completely, so retrying is safe.
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.OnRetry = resilience.RetryLogger("recalculate")

	err := resilience.Do(ctx, retryCfg, func(ctx context.Context) error {
		res.Created = 0
		res.Skipped = nil
		return e.recalcOnce(ctx, orgID, eventIDs, res)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "calc: recalculate org %d", orgID)
	}

	zap.L().Info("recalculation complete",
		zap.String("batch_id", res.BatchID),
		zap.Int64("org_id", orgID),
		zap.Int("created", res.Created),
		zap.Int("skipped", len(res.Skipped)),
	)
	return res, nil
}

func (e *Engine) recalcOnce(ctx context.Context, orgID int64, eventIDs []int64, res *BatchResult) error {
	return e.store.RecalcBatch(ctx, orgID, func(tx store.RecalcTx) error {
		events, err := tx.LockEvents(ctx, orgID, eventIDs)
		if err != nil {
			return err
		}

		// Precondition check before any writes: an invalid value is a
		// caller error and must surface, not be silently zeroed.
		for i := range events {
			if err := events[i].Validate(); err != nil {
				return eris.Wrapf(err, "calc: event %d", events[i].ID)
			}
		}

		// Replace, not update: clear prior emissions for the requested
		// ids so an event whose factor no longer resolves ends with none.
		if _, err := tx.DeleteEmissions(ctx, orgID, eventIDs); err != nil {
			return err
		}

		for i := range events {
			ev := &events[i]

			factor, err := tx.ResolveFactor(ctx, ev.Category, ev.OccurredAt)
			if err != nil {
				if errors.Is(err, store.ErrFactorNotFound) {
					zap.L().Warn("skipping event without factor",
						zap.String("batch_id", res.BatchID),
						zap.Int64("event_id", ev.ID),
						zap.String("category", ev.Category),
					)
					res.Skipped = append(res.Skipped, Skip{
						EventID:  ev.ID,
						Category: ev.Category,
						Reason:   SkipReasonNoFactor,
					})
					continue
				}
				return err
			}

			em := &model.Emission{
				OrgID:       ev.OrgID,
				EventID:     ev.ID,
				FactorID:    factor.ID,
				Scope:       scopeFor(ev),
				CO2eKg:      ev.ValueNumeric * factor.FactorValue,
				CalcVersion: model.CalcVersion,
				Provenance: model.Provenance{
					Formula:       formulaTag,
					FactorVersion: factor.Version,
					Geography:     factor.Geography,
					Method:        model.MethodActivity,
				},
			}
			if err := tx.InsertEmission(ctx, em); err != nil {
				return err
			}
			res.Created++
		}
		return nil
	})
}

// RecalculateOrgs runs one batch per organization, up to maxConcurrent
// at a time. Batches never share mutable state across organization
// boundaries, so concurrent runs are safe. The first failing batch
// cancels the rest; completed batches stay committed.
func (e *Engine) RecalculateOrgs(ctx context.Context, batches map[int64][]int64, maxConcurrent int) (map[int64]*BatchResult, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	var mu sync.Mutex
	results := make(map[int64]*BatchResult, len(batches))

	for orgID, ids := range batches {
		g.Go(func() error {
			res, err := e.Recalculate(ctx, orgID, ids)
			if err != nil {
				return err
			}
			mu.Lock()
			results[orgID] = res
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
