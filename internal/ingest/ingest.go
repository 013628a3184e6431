// Package ingest imports activity events from CSV and XLSX files.
// Every insert goes through the dedupe digest, so resubmitting the same
// file reports duplicates instead of double-counting.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nutrino/carbonctl/internal/dedupe"
	"github.com/nutrino/carbonctl/internal/model"
	"github.com/nutrino/carbonctl/internal/store"
)

// RowError records one rejected input row.
type RowError struct {
	Line int    `json:"line"`
	Err  string `json:"error"`
}

// Result summarizes one file import.
type Result struct {
	Created    int        `json:"created"`
	Duplicates int        `json:"duplicates"`
	Invalid    []RowError `json:"invalid,omitempty"`
}

// Ingestor parses activity files and inserts events through the
// dedupe-guarded store path.
type Ingestor struct {
	store store.Store
}

// New creates an Ingestor backed by the given store.
func New(st store.Store) *Ingestor {
	return &Ingestor{store: st}
}

// acceptedTimeLayouts are tried in order when parsing occurred_at.
var acceptedTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// File imports a CSV or XLSX file of activity events for one
// organization. The first row must be a header naming at least
// occurred_at, category, unit, and value_numeric; facility_id,
// source_id, subcategory, currency, spend_value, and scope_hint are
// optional columns.
//
// Invalid rows are reported and skipped. Duplicate events (same dedupe
// digest) are counted, not failed. Storage errors abort the import.
func (in *Ingestor) File(ctx context.Context, orgID int64, path string) (*Result, error) {
	var rows [][]string
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		rows, err = readCSV(path)
	case ".xlsx":
		rows, err = readXLSX(path)
	default:
		return nil, eris.Errorf("ingest: unsupported file type %s", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, eris.New("ingest: file is empty")
	}

	header := indexHeader(rows[0])
	for _, required := range []string{"occurred_at", "category", "unit", "value_numeric"} {
		if _, ok := header[required]; !ok {
			return nil, eris.Errorf("ingest: missing required column %q", required)
		}
	}

	res := &Result{}
	for i, row := range rows[1:] {
		line := i + 2 // 1-based, after header

		ev, err := parseEvent(orgID, header, row)
		if err != nil {
			res.Invalid = append(res.Invalid, RowError{Line: line, Err: err.Error()})
			continue
		}
		ev.HashDedupe = dedupe.EventDigest(ev)

		if err := in.store.InsertEvent(ctx, ev); err != nil {
			if errors.Is(err, store.ErrDuplicateEvent) {
				res.Duplicates++
				continue
			}
			return nil, eris.Wrapf(err, "ingest: line %d", line)
		}
		res.Created++
	}

	zap.L().Info("ingest complete",
		zap.String("file", path),
		zap.Int64("org_id", orgID),
		zap.Int("created", res.Created),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("invalid", len(res.Invalid)),
	)
	return res, nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: open csv")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read csv")
	}
	return rows, nil
}

func indexHeader(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return idx
}

func field(header map[string]int, row []string, name string) string {
	i, ok := header[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func parseEvent(orgID int64, header map[string]int, row []string) (*model.ActivityEvent, error) {
	occurredAt, err := parseTime(field(header, row, "occurred_at"))
	if err != nil {
		return nil, err
	}

	value, err := strconv.ParseFloat(field(header, row, "value_numeric"), 64)
	if err != nil {
		return nil, eris.Errorf("bad value_numeric %q", field(header, row, "value_numeric"))
	}

	ev := &model.ActivityEvent{
		OrgID:        orgID,
		SourceID:     field(header, row, "source_id"),
		OccurredAt:   occurredAt,
		Category:     field(header, row, "category"),
		Subcategory:  field(header, row, "subcategory"),
		Unit:         field(header, row, "unit"),
		ValueNumeric: value,
		Currency:     field(header, row, "currency"),
		ScopeHint:    field(header, row, "scope_hint"),
	}

	if raw := field(header, row, "facility_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, eris.Errorf("bad facility_id %q", raw)
		}
		ev.FacilityID = &id
	}
	if raw := field(header, row, "spend_value"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, eris.Errorf("bad spend_value %q", raw)
		}
		ev.SpendValue = &v
	}

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, eris.New("missing occurred_at")
	}
	for _, layout := range acceptedTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("bad occurred_at %q", raw)
}
