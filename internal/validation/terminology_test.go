package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/carepath/pkg/schema"
)

func coded(name string, typ schema.StateType, key string, entries ...map[string]any) *schema.State {
	s := state(name, typ, "end")
	list := make([]any, len(entries))
	for i, e := range entries {
		list[i] = e
	}
	s.Data[key] = list
	return s
}

func TestValidateTerminology(t *testing.T) {
	d := def("diabetes",
		state("start", schema.StateTypeStart, "dx"),
		coded("dx", schema.StateTypeConditionOnset, "conditions",
			map[string]any{"name": "Diabetes", "system": "ICD-10-CM", "code": "E11.9"},
			map[string]any{"name": "Hypertension", "system": "SNOMED-CT", "code": "38341003"},
		),
		coded("rx", schema.StateTypeMedicationStart, "medications",
			map[string]any{"name": "Metformin", "system": "RxNorm", "code": "860975"},
		),
		coded("a1c", schema.StateTypeObservation, "observations",
			map[string]any{"name": "HbA1c", "system": "LOINC", "code": "4548-4"},
		),
		coded("flu", schema.StateTypeImmunization, "immunizations",
			map[string]any{"name": "Influenza", "system": "CVX", "code": 141},
		),
		coded("eye", schema.StateTypeProcedure, "procedures",
			map[string]any{"name": "Retinal exam", "system": "CPT", "code": "92250"},
		),
	)
	r := ValidateTerminology(d)
	assert.True(t, r.Valid(), r.Errors)
}

func TestValidateTerminology_Failures(t *testing.T) {
	d := def("m",
		state("start", schema.StateTypeStart, "dx"),
		coded("dx", schema.StateTypeConditionOnset, "conditions",
			map[string]any{"name": "Diabetes", "system": "LOINC", "code": "4548-4"},
			map[string]any{"name": "Asthma"},
		),
		coded("rx", schema.StateTypeMedicationStart, "medications",
			map[string]any{"name": "Metformin", "code": "860975"},
		),
		coded("eye", schema.StateTypeProcedure, "procedures",
			map[string]any{"name": "Retinal exam", "code": "92250"},
		),
		state("lab", schema.StateTypeObservation, "end"),
	)
	r := ValidateTerminology(d)
	require.Len(t, r.Errors, 5)
	assert.Equal(t, []string{
		schema.ErrCodeUnsupportedSystem,
		schema.ErrCodeMissingCode,
		schema.ErrCodeMissingCode,
		schema.ErrCodeMissingCode,
		schema.ErrCodeMissingCode,
	}, codes(r.Errors))
	assert.Equal(t, "states.dx.conditions[0].system", r.Errors[0].Path)
	assert.Equal(t, "states.lab", r.Errors[4].Path)
}

func TestEntries(t *testing.T) {
	data := map[string]any{
		"conditions": []any{map[string]any{"name": "A"}, "B"},
		"condition":  map[string]any{"name": "C"},
	}
	got := Entries(data, "conditions", "condition")
	require.Len(t, got, 3)
	assert.Equal(t, "B", got[1]["name"])
	assert.Equal(t, "C", got[2]["name"])
}

func TestNormalizeSystem(t *testing.T) {
	assert.Equal(t, "ICD10CM", NormalizeSystem("icd-10-cm"))
	assert.Equal(t, "SNOMEDCT", NormalizeSystem("SNOMED CT"))
	assert.Equal(t, "RXNORM", NormalizeSystem("RxNorm"))
}

func TestLint_MergesPasses(t *testing.T) {
	d := def("m",
		state("start", schema.StateTypeStart, "dx"),
		coded("dx", schema.StateTypeConditionOnset, "conditions", map[string]any{"name": "X"}),
		state("orphan", schema.StateTypeDelay, "end"),
	)
	r := Lint(d)
	assert.Equal(t, "m", r.Module)
	assert.ElementsMatch(t, []string{schema.ErrCodeUnreachable, schema.ErrCodeMissingCode}, codes(r.Errors))

	assert.Equal(t, []string{schema.ErrCodeUnreachable}, codes(Structural(d).Errors))
}

func TestEntries_StateLevelCode(t *testing.T) {
	data := map[string]any{"name": "Asthma", "system": "SNOMED-CT", "code": "195967001"}
	got := Entries(data, "conditions", "condition")
	require.Len(t, got, 1)
	assert.Equal(t, "Asthma", got[0]["name"])

	assert.Empty(t, Entries(map[string]any{"advance_days": 3}, "conditions", "condition"))
}
