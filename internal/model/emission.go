package model

import "time"

// CalcVersion tags emission rows with the revision of the calculation
// logic that produced them. Bump when the formula changes.
const CalcVersion = "v1"

// CalcMethod identifies how an emission value was derived.
type CalcMethod string

// MethodActivity is the linear activity-based formula, the only
// supported calculation method in this version.
const MethodActivity CalcMethod = "activity"

// Provenance is the audit trail recording how an emission value was
// derived. It is a fixed tagged structure rather than an open document so
// it stays typed and testable while remaining serializable for storage.
type Provenance struct {
	Formula       string     `json:"formula"`
	FactorVersion int        `json:"factor_version"`
	Geography     string     `json:"geography"`
	Method        CalcMethod `json:"method"`
}

// Emission is the computed carbon-equivalent result for exactly one
// ActivityEvent. At most one emission exists per event at any time;
// recalculation deletes the prior row and inserts a new one within the
// same transaction, never updating in place.
type Emission struct {
	ID             int64      `json:"id,omitempty"`
	OrgID          int64      `json:"org_id"`
	EventID        int64      `json:"event_id"`
	FactorID       int64      `json:"factor_id"`
	Scope          string     `json:"scope"`
	CO2eKg         float64    `json:"co2e_kg"`
	CalcVersion    string     `json:"calc_version"`
	UncertaintyPct *float64   `json:"uncertainty_pct,omitempty"`
	Provenance     Provenance `json:"provenance"`
	CreatedAt      time.Time  `json:"created_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at,omitempty"`
}
