package model

import "time"

// EmissionFactor converts one unit of activity in a category into co2e_kg.
// Factors are versioned and valid over a closed time window so historical
// events can always be recomputed with the factor in force at the time.
// They are created by offline seeding and read-only to the engine.
type EmissionFactor struct {
	ID          int64     `json:"id,omitempty"`
	Category    string    `json:"category"`
	FactorValue float64   `json:"factor_value"`
	Geography   string    `json:"geography"`
	Version     int       `json:"version"`
	ValidFrom   time.Time `json:"valid_from"`
	ValidTo     time.Time `json:"valid_to"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// Covers reports whether t falls inside the factor's validity window.
// Both bounds are inclusive.
func (f *EmissionFactor) Covers(t time.Time) bool {
	return !t.Before(f.ValidFrom) && !t.After(f.ValidTo)
}
