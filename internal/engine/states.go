package engine

import (
	"fmt"
	"math"

	"github.com/rendis/carepath/internal/validation"
	"github.com/rendis/carepath/pkg/schema"
)

func (r *runner) delay(st *schema.State) {
	days, ok := sampleNumber(r.s.rng(), st.Data["duration_days"])
	if !ok {
		return
	}
	r.s.clock.advanceDays(days)
}

func (r *runner) encounter(st *schema.State) {
	enc := &schema.Encounter{
		ID:        r.s.newID(),
		PatientID: r.s.patient.ID,
		Module:    r.def.Name,
		Class:     stringOr(st.Data, "class", "ambulatory"),
		Name:      stringOr(st.Data, "name", st.Name),
		Coding:    codingOf(st.Data),
		Reason:    stringOr(st.Data, "reason", ""),
		Status:    schema.StatusActive,
		Start:     r.s.clock.now(),
	}
	r.result.Encounters = append(r.result.Encounters, enc)
	r.s.lastEncounter = enc
}

func (r *runner) encounterEnd(st *schema.State) {
	enc := r.s.lastEncounter
	if enc == nil {
		r.diagnose(st.Name, schema.DiagUnresolvedRef, "no open encounter to end")
		return
	}
	end := r.s.clock.now()
	enc.End = &end
	enc.Status = schema.StatusFinished
	r.s.lastEncounter = nil
}

// encounterID returns the last encounter's ID when the state attaches to it.
// attach_to_encounter defaults to true.
func (r *runner) encounterID(st *schema.State) string {
	if r.s.lastEncounter == nil {
		return ""
	}
	if attach, ok := st.Data["attach_to_encounter"].(bool); ok && !attach {
		return ""
	}
	return r.s.lastEncounter.ID
}

// assign stores the first created record ID under assign_to_attribute.
func (r *runner) assign(st *schema.State, ids []string) {
	name, _ := st.Data["assign_to_attribute"].(string)
	if name == "" || len(ids) == 0 {
		return
	}
	r.s.attrs.Set(name, schema.RecordValue(ids[0]))
}

func (r *runner) conditionOnset(st *schema.State) {
	encID := r.encounterID(st)
	var ids []string
	for _, e := range entries(st.Data, "conditions", "condition") {
		c := &schema.Condition{
			ID:          r.s.newID(),
			PatientID:   r.s.patient.ID,
			EncounterID: encID,
			Module:      r.def.Name,
			Name:        entryName(e, st.Name),
			Coding:      codingOf(e),
			Status:      schema.StatusActive,
			Onset:       r.s.clock.now(),
		}
		r.result.Conditions = append(r.result.Conditions, c)
		r.s.records[c.ID] = c
		ids = append(ids, c.ID)
	}
	r.assign(st, ids)
}

func (r *runner) conditionEnd(st *schema.State) {
	rec, ok := r.referenced(st)
	if !ok {
		return
	}
	c, ok := rec.(*schema.Condition)
	if !ok {
		r.diagnose(st.Name, schema.DiagUnresolvedRef, "referenced record is not a condition")
		return
	}
	if c.End != nil {
		r.diagnose(st.Name, schema.DiagRecordClosed, fmt.Sprintf("condition %s already ended", c.ID))
		return
	}
	end := r.s.clock.now()
	c.End = &end
	c.Status = stringOr(st.Data, "status", schema.StatusResolved)
}

func (r *runner) medicationStart(st *schema.State) {
	encID := r.encounterID(st)
	var ids []string
	for _, e := range entries(st.Data, "medications", "medication") {
		m := &schema.Medication{
			ID:          r.s.newID(),
			PatientID:   r.s.patient.ID,
			EncounterID: encID,
			Module:      r.def.Name,
			Name:        entryName(e, st.Name),
			Coding:      codingOf(e),
			Dosage:      stringOr(e, "dosage", ""),
			Status:      schema.StatusActive,
			Start:       r.s.clock.now(),
		}
		r.result.Medications = append(r.result.Medications, m)
		r.s.records[m.ID] = m
		ids = append(ids, m.ID)
	}
	r.assign(st, ids)
}

func (r *runner) medicationEnd(st *schema.State) {
	rec, ok := r.referenced(st)
	if !ok {
		return
	}
	m, ok := rec.(*schema.Medication)
	if !ok {
		r.diagnose(st.Name, schema.DiagUnresolvedRef, "referenced record is not a medication")
		return
	}
	if m.End != nil {
		r.diagnose(st.Name, schema.DiagRecordClosed, fmt.Sprintf("medication %s already ended", m.ID))
		return
	}
	end := r.s.clock.now()
	m.End = &end
	m.Status = stringOr(st.Data, "status", schema.StatusStopped)
}

// referenced resolves referenced_by_attribute to an open-record index entry.
// Misses are diagnosed and skip the close.
func (r *runner) referenced(st *schema.State) (any, bool) {
	name, _ := st.Data["referenced_by_attribute"].(string)
	v, ok := r.s.attrs.Get(name)
	if name == "" || !ok {
		r.diagnose(st.Name, schema.DiagUnresolvedRef,
			fmt.Sprintf("attribute %q is not set", name))
		return nil, false
	}
	id, _ := v.Str()
	rec, ok := r.s.records[id]
	if !ok {
		r.diagnose(st.Name, schema.DiagUnresolvedRef,
			fmt.Sprintf("attribute %q does not reference a known record", name))
		return nil, false
	}
	return rec, true
}

func (r *runner) procedure(st *schema.State) {
	encID := r.encounterID(st)
	for _, e := range entries(st.Data, "procedures", "procedure") {
		r.result.Procedures = append(r.result.Procedures, &schema.Procedure{
			ID:          r.s.newID(),
			PatientID:   r.s.patient.ID,
			EncounterID: encID,
			Module:      r.def.Name,
			Name:        entryName(e, st.Name),
			Coding:      codingOf(e),
			Reason:      stringOr(e, "reason", stringOr(st.Data, "reason", "")),
			Date:        r.s.clock.now(),
		})
	}
}

func (r *runner) immunization(st *schema.State) {
	encID := r.encounterID(st)
	for _, e := range entries(st.Data, "immunizations", "immunization") {
		r.result.Immunizations = append(r.result.Immunizations, &schema.Immunization{
			ID:          r.s.newID(),
			PatientID:   r.s.patient.ID,
			EncounterID: encID,
			Module:      r.def.Name,
			Name:        entryName(e, st.Name),
			Coding:      codingOf(e),
			Date:        r.s.clock.now(),
		})
	}
}

func (r *runner) carePlan(st *schema.State) {
	encID := r.encounterID(st)
	var ids []string
	for _, e := range entries(st.Data, "care_plans", "care_plan") {
		cp := &schema.CarePlan{
			ID:          r.s.newID(),
			PatientID:   r.s.patient.ID,
			EncounterID: encID,
			Module:      r.def.Name,
			Name:        entryName(e, st.Name),
			Coding:      codingOf(e),
			Activities:  activities(e["activities"]),
			Status:      schema.StatusActive,
			Start:       r.s.clock.now(),
		}
		r.result.CarePlans = append(r.result.CarePlans, cp)
		ids = append(ids, cp.ID)
	}
	r.assign(st, ids)
}

func (r *runner) observation(st *schema.State) {
	encID := r.encounterID(st)
	for _, e := range entries(st.Data, "observations", "observation") {
		var value any
		if v, ok := e["value"]; ok {
			value = v
		} else if n, ok := sampleNumber(r.s.rng(), e["value_range"]); ok {
			value = round(n, e["precision"])
		}
		r.result.Observations = append(r.result.Observations, &schema.Observation{
			ID:          r.s.newID(),
			PatientID:   r.s.patient.ID,
			EncounterID: encID,
			Module:      r.def.Name,
			Name:        entryName(e, st.Name),
			Coding:      codingOf(e),
			Category:    stringOr(e, "category", "laboratory"),
			Value:       value,
			Unit:        stringOr(e, "unit", ""),
			Date:        r.s.clock.now(),
		})
	}
}

// symptom records a symptom score as an observation.
func (r *runner) symptom(st *schema.State) {
	var value any
	if n, ok := sampleNumber(r.s.rng(), st.Data["range"]); ok {
		value = round(n, st.Data["precision"])
	}
	r.result.Observations = append(r.result.Observations, &schema.Observation{
		ID:          r.s.newID(),
		PatientID:   r.s.patient.ID,
		EncounterID: r.encounterID(st),
		Module:      r.def.Name,
		Name:        stringOr(st.Data, "symptom", st.Name),
		Coding:      codingOf(st.Data),
		Category:    "symptom",
		Value:       value,
		Unit:        stringOr(st.Data, "unit", "score"),
		Date:        r.s.clock.now(),
	})
}

// setAttribute stores a literal value, or the result of an expr expression.
// A null literal clears the attribute.
func (r *runner) setAttribute(st *schema.State) {
	name, _ := st.Data["attribute"].(string)
	if name == "" {
		r.diagnose(st.Name, schema.DiagBadAttribute, "set_attribute without attribute name")
		return
	}

	var raw any
	if expr, ok := st.Data["expression"].(string); ok && expr != "" {
		out, err := r.s.e.expr.Evaluate(r.ctx, expr, r.variables())
		if err != nil {
			r.diagnose(st.Name, schema.DiagBadAttribute, err.Error())
			return
		}
		raw = out
	} else {
		raw = st.Data["value"]
	}

	if raw == nil {
		r.s.attrs.Delete(name)
		return
	}
	v, err := schema.ValueOf(raw)
	if err != nil {
		r.diagnose(st.Name, schema.DiagBadAttribute, fmt.Sprintf("attribute %q: %v", name, err))
		return
	}
	r.s.attrs.Set(name, v)
}

func stringOr(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return def
}

func entryName(e map[string]any, fallback string) string {
	if s := stringOr(e, "name", ""); s != "" {
		return s
	}
	return stringOr(e, "display", fallback)
}

func codingOf(m map[string]any) schema.Coding {
	c := schema.Coding{
		System:  stringOr(m, "system", ""),
		Display: stringOr(m, "display", ""),
	}
	switch code := m["code"].(type) {
	case string:
		c.Code = code
	case nil:
	default:
		c.Code = fmt.Sprint(code)
	}
	return c
}

func activities(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, a := range list {
		switch x := a.(type) {
		case string:
			out = append(out, x)
		case map[string]any:
			if s := entryName(x, ""); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// round applies an optional decimal precision.
func round(n float64, precision any) float64 {
	p, ok := schema.ToFloat(precision)
	if !ok || p < 0 {
		return n
	}
	scale := math.Pow(10, math.Trunc(p))
	return math.Round(n*scale) / scale
}

// entries returns a clinical state's entries. A state without coded entries
// but with a name stands for a single uncoded entry.
func entries(data map[string]any, plural, singular string) []map[string]any {
	out := validation.Entries(data, plural, singular)
	if len(out) == 0 {
		if _, ok := data["name"].(string); ok {
			out = []map[string]any{data}
		}
	}
	return out
}
