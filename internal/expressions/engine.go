// Package expressions evaluates the expression forms modules may embed:
// CEL for transition conditions and expr for computed attribute values.
package expressions

import (
	"context"

	"github.com/rendis/carepath/pkg/schema"
)

// Engine evaluates one expression language against a variable map.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Variables builds the evaluation environment shared by both engines:
// `attributes` (the run's attribute store) and `patient` (id, age, birth_date).
func Variables(attrs *schema.Attributes, patient schema.Patient) map[string]any {
	a := map[string]any{}
	if attrs != nil {
		a = attrs.Snapshot()
	}
	return map[string]any{
		"attributes": a,
		"patient": map[string]any{
			"id":         patient.ID,
			"age":        int64(patient.Age),
			"birth_date": patient.BirthDate.Format("2006-01-02"),
		},
	}
}
