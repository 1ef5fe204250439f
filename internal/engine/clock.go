package engine

import (
	"math"
	"math/rand"
	"time"

	"github.com/rendis/carepath/pkg/schema"
)

// maxLookbackYears caps how far before now a patient's timeline starts.
const maxLookbackYears = 5

// clock is a run's virtual time. It only moves forward.
type clock struct {
	t time.Time
}

// newClock anchors at now minus min(age-1, 5) years.
func newClock(now time.Time, age int) *clock {
	years := age - 1
	if years < 0 {
		years = 0
	}
	if years > maxLookbackYears {
		years = maxLookbackYears
	}
	return &clock{t: now.AddDate(-years, 0, 0)}
}

func (c *clock) now() time.Time { return c.t }

func (c *clock) advanceDays(days float64) {
	if days <= 0 || math.IsNaN(days) || math.IsInf(days, 0) {
		return
	}
	c.t = c.t.Add(time.Duration(days * float64(24*time.Hour)))
}

// defaultAdvance is the number of days a state type moves the clock when it
// declares no advance_days.
func defaultAdvance(t schema.StateType) float64 {
	if t == schema.StateTypeEncounter {
		return 1
	}
	return 0
}

// advancesClock reports whether advance_days applies to a state type.
func advancesClock(t schema.StateType) bool {
	switch t {
	case schema.StateTypeEncounter, schema.StateTypeEncounterEnd,
		schema.StateTypeConditionOnset, schema.StateTypeConditionEnd,
		schema.StateTypeMedicationStart, schema.StateTypeMedicationEnd,
		schema.StateTypeProcedure, schema.StateTypeImmunization,
		schema.StateTypeObservation, schema.StateTypeSymptom, schema.StateTypeCarePlan:
		return true
	default:
		return false
	}
}

// sampleNumber reads a number, a [low, high] pair or a {low, high} mapping,
// sampling uniformly for ranges. ok is false when v has none of those shapes.
func sampleNumber(rng *rand.Rand, v any) (float64, bool) {
	if n, ok := schema.ToFloat(v); ok {
		return n, true
	}
	low, high, ok := numberRange(v)
	if !ok {
		return 0, false
	}
	return low + rng.Float64()*(high-low), true
}

func numberRange(v any) (low, high float64, ok bool) {
	var lo, hi any
	switch r := v.(type) {
	case []any:
		if len(r) != 2 {
			return 0, 0, false
		}
		lo, hi = r[0], r[1]
	case map[string]any:
		lo, hi = r["low"], r["high"]
	default:
		return 0, 0, false
	}
	low, ok1 := schema.ToFloat(lo)
	high, ok2 := schema.ToFloat(hi)
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	if high < low {
		low, high = high, low
	}
	return low, high, true
}
