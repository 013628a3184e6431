package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/nutrino/carbonctl/internal/db"
	"github.com/nutrino/carbonctl/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// resolveFactorSQL selects the single best factor for a category and
// timestamp. The ORDER BY is the documented deterministic total order
// for overlapping windows: highest version wins, then most recent
// valid_from, then geography, then id. This ordering is safety-critical
// for audit reproducibility; do not rely on storage-engine defaults.
const resolveFactorSQL = `SELECT id, category, factor_value, geography, version, valid_from, valid_to
	 FROM emission_factors
	 WHERE category = $1 AND valid_from <= $2 AND valid_to >= $2
	 ORDER BY version DESC, valid_from DESC, geography ASC, id ASC
	 LIMIT 1`

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest engine operations.
var preparedStatements = map[string]string{
	"resolve_factor":   resolveFactorSQL,
	"delete_emissions": `DELETE FROM emissions WHERE org_id = $1 AND event_id = ANY($2)`,
	"count_factors":    `SELECT COUNT(*) FROM emission_factors`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access (e.g., bulk ingestion via COPY).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS organizations (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL,
	plan       TEXT NOT NULL DEFAULT 'free',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS facilities (
	id          BIGSERIAL PRIMARY KEY,
	org_id      BIGINT NOT NULL REFERENCES organizations(id),
	name        TEXT NOT NULL,
	country     TEXT NOT NULL DEFAULT '',
	grid_region TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS activity_events (
	id               BIGSERIAL PRIMARY KEY,
	org_id           BIGINT NOT NULL,
	facility_id      BIGINT,
	source_id        TEXT NOT NULL DEFAULT '',
	occurred_at      TIMESTAMPTZ NOT NULL,
	category         TEXT NOT NULL,
	subcategory      TEXT,
	unit             TEXT NOT NULL,
	value_numeric    DOUBLE PRECISION NOT NULL,
	currency         TEXT,
	spend_value      DOUBLE PRECISION,
	raw_payload      JSONB,
	extracted_fields JSONB,
	scope_hint       TEXT,
	hash_dedupe      TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT uq_activity_events_org_hash UNIQUE (org_id, hash_dedupe)
);

CREATE INDEX IF NOT EXISTS idx_activity_events_org ON activity_events(org_id);
CREATE INDEX IF NOT EXISTS idx_activity_events_category ON activity_events(category);
CREATE INDEX IF NOT EXISTS idx_activity_events_occurred ON activity_events(occurred_at);

CREATE TABLE IF NOT EXISTS emission_factors (
	id           BIGSERIAL PRIMARY KEY,
	category     TEXT NOT NULL,
	factor_value DOUBLE PRECISION NOT NULL,
	geography    TEXT NOT NULL DEFAULT 'GLOBAL',
	version      INTEGER NOT NULL DEFAULT 1,
	valid_from   TIMESTAMPTZ NOT NULL,
	valid_to     TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT uq_emission_factors_cat_geo_ver UNIQUE (category, geography, version)
);

CREATE INDEX IF NOT EXISTS idx_emission_factors_window ON emission_factors(category, valid_from, valid_to);

CREATE TABLE IF NOT EXISTS emissions (
	id              BIGSERIAL PRIMARY KEY,
	org_id          BIGINT NOT NULL,
	event_id        BIGINT NOT NULL,
	factor_id       BIGINT NOT NULL REFERENCES emission_factors(id),
	scope           TEXT NOT NULL,
	co2e_kg         DOUBLE PRECISION NOT NULL,
	calc_version    TEXT NOT NULL,
	uncertainty_pct DOUBLE PRECISION,
	provenance      JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT uq_emissions_event UNIQUE (event_id)
);

CREATE INDEX IF NOT EXISTS idx_emissions_org_scope ON emissions(org_id, scope);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, ev *model.ActivityEvent) error {
	rawJSON, extractedJSON, err := marshalEventPayloads(ev)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	err = s.pool.QueryRow(ctx,
		`INSERT INTO activity_events (
			org_id, facility_id, source_id, occurred_at, category, subcategory,
			unit, value_numeric, currency, spend_value, raw_payload,
			extracted_fields, scope_hint, hash_dedupe, created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 RETURNING id`,
		ev.OrgID, ev.FacilityID, ev.SourceID, ev.OccurredAt.UTC(),
		ev.Category, nullString(ev.Subcategory), ev.Unit, ev.ValueNumeric,
		nullString(ev.Currency), ev.SpendValue, rawJSON, extractedJSON,
		nullString(ev.ScopeHint), ev.HashDedupe, now, now,
	).Scan(&ev.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return eris.Wrapf(ErrDuplicateEvent, "postgres: org %d hash %s", ev.OrgID, ev.HashDedupe)
		}
		return eris.Wrap(err, "postgres: insert event")
	}
	ev.CreatedAt = now
	ev.UpdatedAt = now
	return nil
}

func (s *PostgresStore) ListEventIDs(ctx context.Context, orgID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM activity_events WHERE org_id = $1 ORDER BY id`, orgID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list event ids")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: list event ids iterate")
}

func (s *PostgresStore) CountEvents(ctx context.Context, orgID int64) (int, error) {
	return s.countScoped(ctx, "activity_events", orgID)
}

func (s *PostgresStore) UpsertFactors(ctx context.Context, factors []model.EmissionFactor) (int64, error) {
	rows := make([][]any, 0, len(factors))
	for _, f := range factors {
		rows = append(rows, []any{
			f.Category, f.FactorValue, f.Geography, f.Version,
			f.ValidFrom.UTC(), f.ValidTo.UTC(),
		})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "emission_factors",
		Columns:      []string{"category", "factor_value", "geography", "version", "valid_from", "valid_to"},
		ConflictKeys: []string{"category", "geography", "version"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert factors")
}

func (s *PostgresStore) CountFactors(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM emission_factors`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count factors")
}

func (s *PostgresStore) ResolveFactor(ctx context.Context, category string, at time.Time) (*model.EmissionFactor, error) {
	return scanFactor(s.pool.QueryRow(ctx, resolveFactorSQL, category, at.UTC()), category)
}

// GetEmissionByEvent returns the current emission for an event, or nil
// when the event has none (skipped or never calculated).
func (s *PostgresStore) GetEmissionByEvent(ctx context.Context, eventID int64) (*model.Emission, error) {
	var em model.Emission
	var provJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, org_id, event_id, factor_id, scope, co2e_kg, calc_version,
		        uncertainty_pct, provenance, created_at, updated_at
		 FROM emissions WHERE event_id = $1`,
		eventID,
	).Scan(&em.ID, &em.OrgID, &em.EventID, &em.FactorID, &em.Scope,
		&em.CO2eKg, &em.CalcVersion, &em.UncertaintyPct, &provJSON,
		&em.CreatedAt, &em.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get emission for event %d", eventID)
	}
	if err := json.Unmarshal(provJSON, &em.Provenance); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal provenance")
	}
	return &em, nil
}

func (s *PostgresStore) CountEmissions(ctx context.Context, orgID int64) (int, error) {
	return s.countScoped(ctx, "emissions", orgID)
}

func (s *PostgresStore) ScopeTotals(ctx context.Context, orgID int64) ([]ScopeTotal, error) {
	query := `SELECT scope, SUM(co2e_kg), COUNT(*) FROM emissions`
	args := []any{}
	if orgID > 0 {
		query += ` WHERE org_id = $1`
		args = append(args, orgID)
	}
	query += ` GROUP BY scope ORDER BY scope`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scope totals")
	}
	defer rows.Close()

	var totals []ScopeTotal
	for rows.Next() {
		var t ScopeTotal
		if err := rows.Scan(&t.Scope, &t.CO2eKg, &t.Count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan scope total")
		}
		totals = append(totals, t)
	}
	return totals, eris.Wrap(rows.Err(), "postgres: scope totals iterate")
}

// RecalcBatch runs fn inside a single transaction. A failure anywhere in
// the batch rolls the whole thing back, so recalculation is safely
// re-runnable after any failure.
func (s *PostgresStore) RecalcBatch(ctx context.Context, orgID int64, fn func(RecalcTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "postgres: begin recalc batch org %d", orgID)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgRecalcTx{tx: tx}); err != nil {
		return err
	}
	return eris.Wrapf(tx.Commit(ctx), "postgres: commit recalc batch org %d", orgID)
}

func (s *PostgresStore) EnsureOrganization(ctx context.Context, org *model.Organization) error {
	plan := org.Plan
	if plan == "" {
		plan = "free"
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO organizations (id, name, plan, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		org.ID, org.Name, plan, now, now,
	)
	return eris.Wrapf(err, "postgres: ensure organization %d", org.ID)
}

func (s *PostgresStore) InsertFacility(ctx context.Context, f *model.Facility) error {
	now := time.Now().UTC()
	err := s.pool.QueryRow(ctx,
		`INSERT INTO facilities (org_id, name, country, grid_region, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		f.OrgID, f.Name, f.Country, nullString(f.GridRegion), now, now,
	).Scan(&f.ID)
	return eris.Wrap(err, "postgres: insert facility")
}

func (s *PostgresStore) ListFacilityIDs(ctx context.Context, orgID int64) ([]int64, error) {
	return s.listIDs(ctx, `SELECT id FROM facilities WHERE org_id = $1 ORDER BY id`, orgID)
}

func (s *PostgresStore) ListOrganizationIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM organizations ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list organization ids")
	}
	defer rows.Close()
	return collectIDs(rows, "postgres")
}

func (s *PostgresStore) listIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ids")
	}
	defer rows.Close()
	return collectIDs(rows, "postgres")
}

func (s *PostgresStore) countScoped(ctx context.Context, table string, orgID int64) (int, error) {
	query := `SELECT COUNT(*) FROM ` + table
	args := []any{}
	if orgID > 0 {
		query += ` WHERE org_id = $1`
		args = append(args, orgID)
	}
	var count int
	err := s.pool.QueryRow(ctx, query, args...).Scan(&count)
	return count, eris.Wrapf(err, "postgres: count %s", table)
}

// pgRecalcTx binds RecalcTx operations to one pgx transaction.
type pgRecalcTx struct {
	tx pgx.Tx
}

func (t *pgRecalcTx) LockEvents(ctx context.Context, orgID int64, eventIDs []int64) ([]model.ActivityEvent, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, org_id, facility_id, source_id, occurred_at, category, subcategory,
		        unit, value_numeric, currency, spend_value, scope_hint, hash_dedupe
		 FROM activity_events
		 WHERE org_id = $1 AND id = ANY($2)
		 ORDER BY id
		 FOR UPDATE`,
		orgID, eventIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: lock events")
	}
	defer rows.Close()

	var events []model.ActivityEvent
	for rows.Next() {
		var ev model.ActivityEvent
		var subcategory, currency, scopeHint *string
		if err := rows.Scan(&ev.ID, &ev.OrgID, &ev.FacilityID, &ev.SourceID,
			&ev.OccurredAt, &ev.Category, &subcategory, &ev.Unit,
			&ev.ValueNumeric, &currency, &ev.SpendValue, &scopeHint,
			&ev.HashDedupe); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		ev.Subcategory = deref(subcategory)
		ev.Currency = deref(currency)
		ev.ScopeHint = deref(scopeHint)
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: lock events iterate")
}

func (t *pgRecalcTx) DeleteEmissions(ctx context.Context, orgID int64, eventIDs []int64) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM emissions WHERE org_id = $1 AND event_id = ANY($2)`,
		orgID, eventIDs,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete emissions")
	}
	return tag.RowsAffected(), nil
}

func (t *pgRecalcTx) ResolveFactor(ctx context.Context, category string, at time.Time) (*model.EmissionFactor, error) {
	return scanFactor(t.tx.QueryRow(ctx, resolveFactorSQL, category, at.UTC()), category)
}

func (t *pgRecalcTx) InsertEmission(ctx context.Context, em *model.Emission) error {
	provJSON, err := json.Marshal(em.Provenance)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal provenance")
	}

	now := time.Now().UTC()
	err = t.tx.QueryRow(ctx,
		`INSERT INTO emissions (
			org_id, event_id, factor_id, scope, co2e_kg, calc_version,
			uncertainty_pct, provenance, created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		em.OrgID, em.EventID, em.FactorID, em.Scope, em.CO2eKg,
		em.CalcVersion, em.UncertaintyPct, provJSON, now, now,
	).Scan(&em.ID)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert emission for event %d", em.EventID)
	}
	em.CreatedAt = now
	em.UpdatedAt = now
	return nil
}

func scanFactor(row pgx.Row, category string) (*model.EmissionFactor, error) {
	var f model.EmissionFactor
	err := row.Scan(&f.ID, &f.Category, &f.FactorValue, &f.Geography,
		&f.Version, &f.ValidFrom, &f.ValidTo)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrFactorNotFound, "category %s", category)
		}
		return nil, eris.Wrapf(err, "postgres: resolve factor %s", category)
	}
	return &f, nil
}

func collectIDs(rows pgx.Rows, backend string) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrapf(err, "%s: scan id", backend)
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrapf(rows.Err(), "%s: iterate ids", backend)
}

func marshalEventPayloads(ev *model.ActivityEvent) (raw, extracted []byte, err error) {
	if ev.RawPayload != nil {
		raw, err = json.Marshal(ev.RawPayload)
		if err != nil {
			return nil, nil, eris.Wrap(err, "store: marshal raw payload")
		}
	}
	if ev.Extracted != nil {
		extracted, err = json.Marshal(ev.Extracted)
		if err != nil {
			return nil, nil, eris.Wrap(err, "store: marshal extracted fields")
		}
	}
	return raw, extracted, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
