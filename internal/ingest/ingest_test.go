package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

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

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleCSV = `occurred_at,category,unit,value_numeric,facility_id,scope_hint
2024-01-15T10:00:00,electricity.kwh,kWh,420.5,12,
2024-02-01,diesel.litre,l,50,,
2024-02-02 08:30:00,spend.generic.inr,INR,1000,,1
`

func TestFile_CSV_CreatesEvents(t *testing.T) {
	st := newTestStore(t)
	path := writeCSV(t, sampleCSV)

	res, err := New(st).File(context.Background(), 3, path)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 0, res.Duplicates)
	assert.Empty(t, res.Invalid)

	n, err := st.CountEvents(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestFile_CSV_ResubmitCountsDuplicates(t *testing.T) {
	st := newTestStore(t)
	path := writeCSV(t, sampleCSV)
	ing := New(st)
	ctx := context.Background()

	_, err := ing.File(ctx, 3, path)
	require.NoError(t, err)

	res, err := ing.File(ctx, 3, path)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 3, res.Duplicates)

	n, err := st.CountEvents(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestFile_CSV_InvalidRowsReportedAndSkipped(t *testing.T) {
	st := newTestStore(t)
	path := writeCSV(t, `occurred_at,category,unit,value_numeric
2024-01-15,electricity.kwh,kWh,100
not-a-date,electricity.kwh,kWh,100
2024-01-16,electricity.kwh,kWh,-5
2024-01-17,electricity.kwh,kWh,abc
2024-01-18,diesel.litre,l,50
`)

	res, err := New(st).File(context.Background(), 3, path)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	require.Len(t, res.Invalid, 3)
	assert.Equal(t, 3, res.Invalid[0].Line)
	assert.Equal(t, 4, res.Invalid[1].Line)
	assert.Equal(t, 5, res.Invalid[2].Line)
}

func TestFile_CSV_MissingRequiredColumn(t *testing.T) {
	st := newTestStore(t)
	path := writeCSV(t, "occurred_at,category,unit\n2024-01-15,electricity.kwh,kWh\n")

	_, err := New(st).File(context.Background(), 3, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "value_numeric")
}

func TestFile_UnsupportedExtension(t *testing.T) {
	st := newTestStore(t)
	path := filepath.Join(t.TempDir(), "events.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	_, err := New(st).File(context.Background(), 3, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")
}

func TestFile_XLSX_CreatesEvents(t *testing.T) {
	st := newTestStore(t)

	wb := xlsx.NewFile()
	sheet, err := wb.AddSheet("Activity")
	require.NoError(t, err)
	for _, cells := range [][]string{
		{"occurred_at", "category", "unit", "value_numeric"},
		{"2024-01-15T10:00:00", "electricity.kwh", "kWh", "420.5"},
		{"2024-02-01", "diesel.litre", "l", "50"},
	} {
		row := sheet.AddRow()
		for _, c := range cells {
			row.AddCell().SetString(c)
		}
	}
	path := filepath.Join(t.TempDir(), "events.xlsx")
	require.NoError(t, wb.Save(path))

	res, err := New(st).File(context.Background(), 3, path)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Empty(t, res.Invalid)
}

func TestParseTime_AcceptedLayouts(t *testing.T) {
	for raw, want := range map[string]time.Time{
		"2024-01-15T10:00:00Z":      time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		"2024-01-15T10:00:00":       time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		"2024-01-15 10:00:00":       time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		"2024-01-15":                time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		"2024-01-15T10:00:00+05:30": time.Date(2024, 1, 15, 4, 30, 0, 0, time.UTC),
	} {
		got, err := parseTime(raw)
		require.NoError(t, err, raw)
		assert.True(t, got.Equal(want), "parse %q: got %s want %s", raw, got, want)
	}

	_, err := parseTime("")
	require.Error(t, err)
	_, err = parseTime("15/01/2024")
	require.Error(t, err)
}
