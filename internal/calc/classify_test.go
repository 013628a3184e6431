package calc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nutrino/carbonctl/internal/model"
)

func TestClassifyScope(t *testing.T) {
	t.Parallel()

	cases := []struct {
		category string
		want     string
	}{
		{"diesel.litre", "1"},
		{"petrol.litre", "1"},
		{"fuel.oil.kg", "1"},
		{"electricity.kwh", "2"},
		{"grid.electric.import", "2"},
		{"air.travel.km.short", "3"},
		{"spend.generic.inr", "3"},
		{"unknown.category", "3"},
		{"DIESEL.LITRE", "1"}, // case-insensitive
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyScope(tc.category), "category %s", tc.category)
	}
}

func TestScopeFor_HintWins(t *testing.T) {
	t.Parallel()

	ev := &model.ActivityEvent{Category: "spend.generic.inr", ScopeHint: "1"}
	assert.Equal(t, "1", scopeFor(ev))

	// Heuristic would say scope 2; hint takes precedence.
	ev = &model.ActivityEvent{Category: "electricity.kwh", ScopeHint: "3"}
	assert.Equal(t, "3", scopeFor(ev))
}

func TestScopeFor_FallbackWithoutHint(t *testing.T) {
	t.Parallel()

	ev := &model.ActivityEvent{Category: "electricity.kwh"}
	assert.Equal(t, "2", scopeFor(ev))

	// Malformed hints fall back to the heuristic.
	ev = &model.ActivityEvent{Category: "diesel.litre", ScopeHint: "scope one"}
	assert.Equal(t, "1", scopeFor(ev))
}
