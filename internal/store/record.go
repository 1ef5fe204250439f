package store

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/rendis/carepath/pkg/schema"
)

// NewRun builds the audit record for one executed patient. modules are the
// definitions that were loaded for the run; their parameter tokens become the
// run's provenance.
func NewRun(cohortID string, seed int64, patient schema.Patient, modules []*schema.ModuleDefinition,
	result *schema.ExecutionResult) (*Run, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal execution result: %w", err)
	}

	run := &Run{
		ID:          uuid.NewString(),
		CohortID:    cohortID,
		PatientID:   patient.ID,
		PatientAge:  patient.Age,
		Seed:        seed,
		Counts:      make(map[string]int, len(schema.AllCategories)),
		Result:      body,
		Diagnostics: len(result.Diagnostics),
	}
	for _, c := range result.ReplacementList() {
		run.Replacements = append(run.Replacements, string(c))
	}
	for c, n := range result.Counts() {
		run.Counts[string(c)] = n
	}
	for _, def := range modules {
		run.Modules = append(run.Modules, def.Name)
		for _, st := range def.OrderedStates() {
			for _, p := range st.Parameters {
				run.Parameters = append(run.Parameters, ParameterUsage{
					Module:   def.Name,
					State:    st.Name,
					Token:    p.Token,
					Domain:   p.Domain,
					Path:     p.Path,
					SourceID: p.SourceID,
				})
			}
		}
	}
	for i, t := range result.Trace {
		run.Trace = append(run.Trace, TraceEntry{
			Sequence: i + 1,
			Module:   t.Module,
			State:    t.State,
			Type:     string(t.Type),
			At:       t.At,
		})
	}
	return run, nil
}

// DecodeResult unmarshals the stored execution result.
func (r *Run) DecodeResult() (*schema.ExecutionResult, error) {
	res := schema.NewExecutionResult()
	if len(r.Result) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(r.Result, res); err != nil {
		return nil, fmt.Errorf("decode run %s result: %w", r.ID, err)
	}
	return res, nil
}
