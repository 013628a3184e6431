package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nutrino/carbonctl/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_InsertEvent_DuplicateHash(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO activity_events`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uq_activity_events_org_hash"})

	err := s.InsertEvent(context.Background(), &model.ActivityEvent{
		OrgID:        3,
		OccurredAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Category:     "diesel.litre",
		Unit:         "l",
		ValueNumeric: 50,
		HashDedupe:   "abc",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateEvent))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertEvent_AssignsID(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO activity_events`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(17)))

	ev := &model.ActivityEvent{
		OrgID:        3,
		OccurredAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Category:     "diesel.litre",
		Unit:         "l",
		ValueNumeric: 50,
		HashDedupe:   "abc",
	}
	require.NoError(t, s.InsertEvent(context.Background(), ev))
	assert.Equal(t, int64(17), ev.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveFactor_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, category, factor_value, geography, version, valid_from, valid_to`).
		WithArgs("unknown.category", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.ResolveFactor(context.Background(), "unknown.category", time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFactorNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveFactor_ReturnsBestMatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	from := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT id, category, factor_value, geography, version, valid_from, valid_to`).
		WithArgs("electricity.kwh", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.
			NewRows([]string{"id", "category", "factor_value", "geography", "version", "valid_from", "valid_to"}).
			AddRow(int64(5), "electricity.kwh", 0.82, "GLOBAL", 2, from, to))

	f, err := s.ResolveFactor(context.Background(), "electricity.kwh", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(5), f.ID)
	assert.Equal(t, 0.82, f.FactorValue)
	assert.Equal(t, 2, f.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEmissionByEvent_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, org_id, event_id, factor_id, scope, co2e_kg`).
		WithArgs(int64(99)).
		WillReturnError(pgx.ErrNoRows)

	em, err := s.GetEmissionByEvent(context.Background(), 99)
	require.NoError(t, err)
	assert.Nil(t, em)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ScopeTotals(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT scope, SUM\(co2e_kg\), COUNT\(\*\) FROM emissions`).
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.
			NewRows([]string{"scope", "sum", "count"}).
			AddRow("1", 134.0, 2).
			AddRow("2", 357.0, 3))

	totals, err := s.ScopeTotals(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, ScopeTotal{Scope: "1", CO2eKg: 134, Count: 2}, totals[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecalcBatch_CommitsOnSuccess(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM emissions WHERE org_id = \$1 AND event_id = ANY\(\$2\)`).
		WithArgs(int64(3), []int64{1, 2}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCommit()

	err := s.RecalcBatch(context.Background(), 3, func(tx RecalcTx) error {
		n, err := tx.DeleteEmissions(context.Background(), 3, []int64{1, 2})
		if err != nil {
			return err
		}
		assert.Equal(t, int64(2), n)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecalcBatch_RollsBackOnError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.RecalcBatch(context.Background(), 3, func(tx RecalcTx) error {
		return boom
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecalcBatch_InsertEmission(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO emissions`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()

	em := &model.Emission{
		OrgID:       3,
		EventID:     1,
		FactorID:    5,
		Scope:       "2",
		CO2eKg:      210,
		CalcVersion: model.CalcVersion,
		Provenance: model.Provenance{
			Formula:       "value * factor_value",
			FactorVersion: 2,
			Geography:     "GLOBAL",
			Method:        model.MethodActivity,
		},
	}
	err := s.RecalcBatch(context.Background(), 3, func(tx RecalcTx) error {
		return tx.InsertEmission(context.Background(), em)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), em.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
