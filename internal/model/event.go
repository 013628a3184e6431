package model

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
)

// ErrInvalidActivityValue indicates an activity value that cannot be
// calculated against (negative or non-finite). Callers must reject the
// event before it reaches the engine; it is never silently zeroed.
var ErrInvalidActivityValue = eris.New("invalid activity value")

// ActivityEvent is a single observed activity (e.g. 420 kWh of electricity
// on a date). Events are immutable once created: the engine reads them and
// never mutates or deletes them.
type ActivityEvent struct {
	ID           int64          `json:"id,omitempty"`
	OrgID        int64          `json:"org_id"`
	FacilityID   *int64         `json:"facility_id,omitempty"`
	SourceID     string         `json:"source_id"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Category     string         `json:"category"`
	Subcategory  string         `json:"subcategory,omitempty"`
	Unit         string         `json:"unit"`
	ValueNumeric float64        `json:"value_numeric"`
	Currency     string         `json:"currency,omitempty"`
	SpendValue   *float64       `json:"spend_value,omitempty"`
	RawPayload   map[string]any `json:"raw_payload,omitempty"`
	Extracted    map[string]any `json:"extracted_fields,omitempty"`
	ScopeHint    string         `json:"scope_hint,omitempty"`
	HashDedupe   string         `json:"hash_dedupe"`
	CreatedAt    time.Time      `json:"created_at,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at,omitempty"`
}

// Validate checks the preconditions the calculation engine relies on.
func (e *ActivityEvent) Validate() error {
	if e.OrgID <= 0 {
		return eris.New("event: org_id is required")
	}
	if e.Category == "" {
		return eris.New("event: category is required")
	}
	if e.Unit == "" {
		return eris.New("event: unit is required")
	}
	if e.OccurredAt.IsZero() {
		return eris.New("event: occurred_at is required")
	}
	if e.ValueNumeric < 0 || math.IsNaN(e.ValueNumeric) || math.IsInf(e.ValueNumeric, 0) {
		return eris.Wrapf(ErrInvalidActivityValue, "event: value_numeric %v", e.ValueNumeric)
	}
	return nil
}

// Organization is tenancy context owned by an external subsystem. The
// engine only reads org ids and never creates or mutates organizations.
type Organization struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Facility is a physical location within an organization.
type Facility struct {
	ID         int64     `json:"id"`
	OrgID      int64     `json:"org_id"`
	Name       string    `json:"name"`
	Country    string    `json:"country"`
	GridRegion string    `json:"grid_region,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}
