package model

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent() *ActivityEvent {
	return &ActivityEvent{
		OrgID:        3,
		OccurredAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Category:     "diesel.litre",
		Unit:         "l",
		ValueNumeric: 50,
	}
}

func TestActivityEvent_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, validEvent().Validate())

	t.Run("NegativeValue", func(t *testing.T) {
		ev := validEvent()
		ev.ValueNumeric = -1
		err := ev.Validate()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidActivityValue))
	})

	t.Run("NaNValue", func(t *testing.T) {
		ev := validEvent()
		ev.ValueNumeric = math.NaN()
		err := ev.Validate()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidActivityValue))
	})

	t.Run("ZeroValueAllowed", func(t *testing.T) {
		ev := validEvent()
		ev.ValueNumeric = 0
		assert.NoError(t, ev.Validate())
	})

	t.Run("MissingCategory", func(t *testing.T) {
		ev := validEvent()
		ev.Category = ""
		assert.Error(t, ev.Validate())
	})

	t.Run("MissingOccurredAt", func(t *testing.T) {
		ev := validEvent()
		ev.OccurredAt = time.Time{}
		assert.Error(t, ev.Validate())
	})
}

func TestEmissionFactor_Covers(t *testing.T) {
	t.Parallel()

	f := EmissionFactor{
		ValidFrom: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:   time.Date(2020, 12, 31, 23, 59, 59, 0, time.UTC),
	}

	assert.True(t, f.Covers(f.ValidFrom))
	assert.True(t, f.Covers(f.ValidTo))
	assert.True(t, f.Covers(time.Date(2020, 7, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, f.Covers(f.ValidFrom.Add(-time.Second)))
	assert.False(t, f.Covers(f.ValidTo.Add(time.Second)))
}

func TestProvenance_JSON(t *testing.T) {
	t.Parallel()

	p := Provenance{
		Formula:       "value * factor_value",
		FactorVersion: 2,
		Geography:     "GLOBAL",
		Method:        MethodActivity,
	}

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"formula":"value * factor_value","factor_version":2,"geography":"GLOBAL","method":"activity"}`,
		string(raw),
	)
}
