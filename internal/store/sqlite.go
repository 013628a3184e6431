package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/nutrino/carbonctl/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Intended for
// local development and tests; SQLite's single-writer model makes the
// per-event row lock implicit, so LockEvents is a plain select here.
type SQLiteStore struct {
	db *sql.DB
}

// sqliteTimeLayout is how timestamps are rendered in SQLite columns.
// Text in this fixed UTC layout compares lexicographically in timestamp
// order, which the factor window query depends on.
const sqliteTimeLayout = "2006-01-02 15:04:05"

func sqTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS organizations (
	id         INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	plan       TEXT NOT NULL DEFAULT 'free',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS facilities (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	org_id      INTEGER NOT NULL REFERENCES organizations(id),
	name        TEXT NOT NULL,
	country     TEXT NOT NULL DEFAULT '',
	grid_region TEXT,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS activity_events (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	org_id           INTEGER NOT NULL,
	facility_id      INTEGER,
	source_id        TEXT NOT NULL DEFAULT '',
	occurred_at      TEXT NOT NULL,
	category         TEXT NOT NULL,
	subcategory      TEXT,
	unit             TEXT NOT NULL,
	value_numeric    REAL NOT NULL,
	currency         TEXT,
	spend_value      REAL,
	raw_payload      TEXT,
	extracted_fields TEXT,
	scope_hint       TEXT,
	hash_dedupe      TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	UNIQUE (org_id, hash_dedupe)
);

CREATE INDEX IF NOT EXISTS idx_activity_events_org ON activity_events(org_id);
CREATE INDEX IF NOT EXISTS idx_activity_events_category ON activity_events(category);

CREATE TABLE IF NOT EXISTS emission_factors (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	category     TEXT NOT NULL,
	factor_value REAL NOT NULL,
	geography    TEXT NOT NULL DEFAULT 'GLOBAL',
	version      INTEGER NOT NULL DEFAULT 1,
	valid_from   TEXT NOT NULL,
	valid_to     TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	UNIQUE (category, geography, version)
);

CREATE INDEX IF NOT EXISTS idx_emission_factors_window ON emission_factors(category, valid_from, valid_to);

CREATE TABLE IF NOT EXISTS emissions (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	org_id          INTEGER NOT NULL,
	event_id        INTEGER NOT NULL UNIQUE,
	factor_id       INTEGER NOT NULL REFERENCES emission_factors(id),
	scope           TEXT NOT NULL,
	co2e_kg         REAL NOT NULL,
	calc_version    TEXT NOT NULL,
	uncertainty_pct REAL,
	provenance      TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_emissions_org_scope ON emissions(org_id, scope);
`

const sqliteResolveFactorSQL = `SELECT id, category, factor_value, geography, version, valid_from, valid_to
	 FROM emission_factors
	 WHERE category = ? AND valid_from <= ? AND valid_to >= ?
	 ORDER BY version DESC, valid_from DESC, geography ASC, id ASC
	 LIMIT 1`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, ev *model.ActivityEvent) error {
	rawJSON, extractedJSON, err := marshalEventPayloads(ev)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_events (
			org_id, facility_id, source_id, occurred_at, category, subcategory,
			unit, value_numeric, currency, spend_value, raw_payload,
			extracted_fields, scope_hint, hash_dedupe, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.OrgID, ev.FacilityID, ev.SourceID, sqTime(ev.OccurredAt),
		ev.Category, nullString(ev.Subcategory), ev.Unit, ev.ValueNumeric,
		nullString(ev.Currency), ev.SpendValue, nullBytes(rawJSON), nullBytes(extractedJSON),
		nullString(ev.ScopeHint), ev.HashDedupe, sqTime(now), sqTime(now),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return eris.Wrapf(ErrDuplicateEvent, "sqlite: org %d hash %s", ev.OrgID, ev.HashDedupe)
		}
		return eris.Wrap(err, "sqlite: insert event")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "sqlite: insert event id")
	}
	ev.ID = id
	ev.CreatedAt = now
	ev.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) ListEventIDs(ctx context.Context, orgID int64) ([]int64, error) {
	return s.listIDs(ctx, `SELECT id FROM activity_events WHERE org_id = ? ORDER BY id`, orgID)
}

func (s *SQLiteStore) CountEvents(ctx context.Context, orgID int64) (int, error) {
	return s.countScoped(ctx, "activity_events", orgID)
}

func (s *SQLiteStore) UpsertFactors(ctx context.Context, factors []model.EmissionFactor) (int64, error) {
	if len(factors) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert factors")
	}
	defer tx.Rollback()

	now := sqTime(time.Now())
	var n int64
	for _, f := range factors {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO emission_factors (category, factor_value, geography, version, valid_from, valid_to, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (category, geography, version) DO UPDATE SET
			   factor_value = excluded.factor_value,
			   valid_from = excluded.valid_from,
			   valid_to = excluded.valid_to`,
			f.Category, f.FactorValue, f.Geography, f.Version,
			sqTime(f.ValidFrom), sqTime(f.ValidTo), now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert factor %s/%s v%d", f.Category, f.Geography, f.Version)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert factors")
	}
	return n, nil
}

func (s *SQLiteStore) CountFactors(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM emission_factors`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count factors")
}

func (s *SQLiteStore) ResolveFactor(ctx context.Context, category string, at time.Time) (*model.EmissionFactor, error) {
	row := s.db.QueryRowContext(ctx, sqliteResolveFactorSQL, category, sqTime(at), sqTime(at))
	return scanSQLiteFactor(row, category)
}

// GetEmissionByEvent returns the current emission for an event, or nil
// when the event has none.
func (s *SQLiteStore) GetEmissionByEvent(ctx context.Context, eventID int64) (*model.Emission, error) {
	var em model.Emission
	var provJSON, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, event_id, factor_id, scope, co2e_kg, calc_version,
		        uncertainty_pct, provenance, created_at, updated_at
		 FROM emissions WHERE event_id = ?`,
		eventID,
	).Scan(&em.ID, &em.OrgID, &em.EventID, &em.FactorID, &em.Scope,
		&em.CO2eKg, &em.CalcVersion, &em.UncertaintyPct, &provJSON,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get emission for event %d", eventID)
	}
	if err := json.Unmarshal([]byte(provJSON), &em.Provenance); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal provenance")
	}
	if em.CreatedAt, err = parseSQTime(createdAt); err != nil {
		return nil, err
	}
	if em.UpdatedAt, err = parseSQTime(updatedAt); err != nil {
		return nil, err
	}
	return &em, nil
}

func (s *SQLiteStore) CountEmissions(ctx context.Context, orgID int64) (int, error) {
	return s.countScoped(ctx, "emissions", orgID)
}

func (s *SQLiteStore) ScopeTotals(ctx context.Context, orgID int64) ([]ScopeTotal, error) {
	query := `SELECT scope, SUM(co2e_kg), COUNT(*) FROM emissions`
	args := []any{}
	if orgID > 0 {
		query += ` WHERE org_id = ?`
		args = append(args, orgID)
	}
	query += ` GROUP BY scope ORDER BY scope`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scope totals")
	}
	defer rows.Close()

	var totals []ScopeTotal
	for rows.Next() {
		var t ScopeTotal
		if err := rows.Scan(&t.Scope, &t.CO2eKg, &t.Count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan scope total")
		}
		totals = append(totals, t)
	}
	return totals, eris.Wrap(rows.Err(), "sqlite: scope totals iterate")
}

func (s *SQLiteStore) RecalcBatch(ctx context.Context, orgID int64, fn func(RecalcTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin recalc batch org %d", orgID)
	}
	defer tx.Rollback()

	if err := fn(&sqliteRecalcTx{tx: tx}); err != nil {
		return err
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit recalc batch org %d", orgID)
}

func (s *SQLiteStore) EnsureOrganization(ctx context.Context, org *model.Organization) error {
	plan := org.Plan
	if plan == "" {
		plan = "free"
	}
	now := sqTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, plan, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		org.ID, org.Name, plan, now, now,
	)
	return eris.Wrapf(err, "sqlite: ensure organization %d", org.ID)
}

func (s *SQLiteStore) InsertFacility(ctx context.Context, f *model.Facility) error {
	now := sqTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO facilities (org_id, name, country, grid_region, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.OrgID, f.Name, f.Country, nullString(f.GridRegion), now, now,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert facility")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "sqlite: insert facility id")
	}
	f.ID = id
	return nil
}

func (s *SQLiteStore) ListFacilityIDs(ctx context.Context, orgID int64) ([]int64, error) {
	return s.listIDs(ctx, `SELECT id FROM facilities WHERE org_id = ? ORDER BY id`, orgID)
}

func (s *SQLiteStore) ListOrganizationIDs(ctx context.Context) ([]int64, error) {
	return s.listIDs(ctx, `SELECT id FROM organizations ORDER BY id`)
}

func (s *SQLiteStore) listIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ids")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate ids")
}

func (s *SQLiteStore) countScoped(ctx context.Context, table string, orgID int64) (int, error) {
	query := `SELECT COUNT(*) FROM ` + table
	args := []any{}
	if orgID > 0 {
		query += ` WHERE org_id = ?`
		args = append(args, orgID)
	}
	var count int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, eris.Wrapf(err, "sqlite: count %s", table)
}

// sqliteRecalcTx binds RecalcTx operations to one database/sql transaction.
type sqliteRecalcTx struct {
	tx *sql.Tx
}

func (t *sqliteRecalcTx) LockEvents(ctx context.Context, orgID int64, eventIDs []int64) ([]model.ActivityEvent, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}

	query := `SELECT id, org_id, facility_id, source_id, occurred_at, category, subcategory,
	                 unit, value_numeric, currency, spend_value, scope_hint, hash_dedupe
	          FROM activity_events
	          WHERE org_id = ? AND id IN (` + placeholders(len(eventIDs)) + `)
	          ORDER BY id`
	args := make([]any, 0, len(eventIDs)+1)
	args = append(args, orgID)
	for _, id := range eventIDs {
		args = append(args, id)
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: lock events")
	}
	defer rows.Close()

	var events []model.ActivityEvent
	for rows.Next() {
		var ev model.ActivityEvent
		var occurredAt string
		var subcategory, currency, scopeHint *string
		if err := rows.Scan(&ev.ID, &ev.OrgID, &ev.FacilityID, &ev.SourceID,
			&occurredAt, &ev.Category, &subcategory, &ev.Unit,
			&ev.ValueNumeric, &currency, &ev.SpendValue, &scopeHint,
			&ev.HashDedupe); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		if ev.OccurredAt, err = parseSQTime(occurredAt); err != nil {
			return nil, err
		}
		ev.Subcategory = deref(subcategory)
		ev.Currency = deref(currency)
		ev.ScopeHint = deref(scopeHint)
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: lock events iterate")
}

func (t *sqliteRecalcTx) DeleteEmissions(ctx context.Context, orgID int64, eventIDs []int64) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}

	query := `DELETE FROM emissions WHERE org_id = ? AND event_id IN (` + placeholders(len(eventIDs)) + `)`
	args := make([]any, 0, len(eventIDs)+1)
	args = append(args, orgID)
	for _, id := range eventIDs {
		args = append(args, id)
	}

	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete emissions")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: delete emissions rows affected")
}

func (t *sqliteRecalcTx) ResolveFactor(ctx context.Context, category string, at time.Time) (*model.EmissionFactor, error) {
	row := t.tx.QueryRowContext(ctx, sqliteResolveFactorSQL, category, sqTime(at), sqTime(at))
	return scanSQLiteFactor(row, category)
}

func (t *sqliteRecalcTx) InsertEmission(ctx context.Context, em *model.Emission) error {
	provJSON, err := json.Marshal(em.Provenance)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal provenance")
	}

	now := time.Now().UTC()
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO emissions (
			org_id, event_id, factor_id, scope, co2e_kg, calc_version,
			uncertainty_pct, provenance, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		em.OrgID, em.EventID, em.FactorID, em.Scope, em.CO2eKg,
		em.CalcVersion, em.UncertaintyPct, string(provJSON), sqTime(now), sqTime(now),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert emission for event %d", em.EventID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "sqlite: insert emission id")
	}
	em.ID = id
	em.CreatedAt = now
	em.UpdatedAt = now
	return nil
}

// sqlRow lets scanSQLiteFactor accept *sql.Row from both the store and
// the transactional view.
type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLiteFactor(row sqlRow, category string) (*model.EmissionFactor, error) {
	var f model.EmissionFactor
	var validFrom, validTo string
	err := row.Scan(&f.ID, &f.Category, &f.FactorValue, &f.Geography,
		&f.Version, &validFrom, &validTo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrFactorNotFound, "category %s", category)
		}
		return nil, eris.Wrapf(err, "sqlite: resolve factor %s", category)
	}
	if f.ValidFrom, err = parseSQTime(validFrom); err != nil {
		return nil, err
	}
	if f.ValidTo, err = parseSQTime(validTo); err != nil {
		return nil, err
	}
	return &f, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullBytes(b []byte) *string {
	if b == nil {
		return nil
	}
	s := string(b)
	return &s
}
