// Package calc converts activity events into emission records: it
// resolves the factor in force at the event's timestamp, computes the
// carbon-equivalent value, infers the regulatory scope, and persists an
// auditable emission row per event.
package calc

import (
	"strings"

	"github.com/nutrino/carbonctl/internal/model"
)

// ClassifyScope infers the regulatory scope (1/2/3) from category text.
// Case-insensitive substring containment, checked in this order:
// fuel/diesel/petrol is direct combustion (scope 1), electric/kwh is
// purchased energy (scope 2), everything else falls through to scope 3.
//
// Known limitation: containment is coarse and can misclassify categories
// that carry these substrings incidentally. The ordering is kept as-is
// for compatibility with previously calculated rows.
func ClassifyScope(category string) string {
	c := strings.ToLower(category)
	switch {
	case strings.Contains(c, "fuel") || strings.Contains(c, "diesel") || strings.Contains(c, "petrol"):
		return "1"
	case strings.Contains(c, "electric") || strings.Contains(c, "kwh"):
		return "2"
	default:
		return "3"
	}
}

// scopeFor returns the scope for an event. An explicit, well-formed
// scope hint on the event wins; the heuristic is a fallback, not an
// override. Malformed hints fall back to the heuristic.
func scopeFor(ev *model.ActivityEvent) string {
	switch strings.TrimSpace(ev.ScopeHint) {
	case "1":
		return "1"
	case "2":
		return "2"
	case "3":
		return "3"
	}
	return ClassifyScope(ev.Category)
}
