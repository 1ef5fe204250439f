package schema

import (
	"encoding/json"
	"sort"
	"time"
)

// Patient is the read-only input to a run.
type Patient struct {
	ID        string    `json:"id"`
	BirthDate time.Time `json:"birth_date"`
	Age       int       `json:"age"`
}

// Category names an event collection in an ExecutionResult.
type Category string

const (
	CategoryEncounters    Category = "encounters"
	CategoryConditions    Category = "conditions"
	CategoryMedications   Category = "medications"
	CategoryObservations  Category = "observations"
	CategoryProcedures    Category = "procedures"
	CategoryImmunizations Category = "immunizations"
	CategoryCarePlans     Category = "care_plans"
)

// AllCategories lists every event collection in result order.
var AllCategories = []Category{
	CategoryEncounters, CategoryConditions, CategoryMedications, CategoryObservations,
	CategoryProcedures, CategoryImmunizations, CategoryCarePlans,
}

// Record status values.
const (
	StatusActive    = "active"
	StatusResolved  = "resolved"
	StatusStopped   = "stopped"
	StatusFinished  = "finished"
	StatusCompleted = "completed"
)

// Coding is a code in a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Encounter is a clinical visit; records created while it is open attach to it.
type Encounter struct {
	ID        string     `json:"id"`
	PatientID string     `json:"patient_id"`
	Module    string     `json:"module"`
	Class     string     `json:"class,omitempty"`
	Name      string     `json:"name"`
	Coding    Coding     `json:"coding,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Status    string     `json:"status"`
	Start     time.Time  `json:"start"`
	End       *time.Time `json:"end,omitempty"`
}

// Condition is a diagnosis with onset and optional resolution.
type Condition struct {
	ID          string     `json:"id"`
	PatientID   string     `json:"patient_id"`
	EncounterID string     `json:"encounter_id,omitempty"`
	Module      string     `json:"module"`
	Name        string     `json:"name"`
	Coding      Coding     `json:"coding,omitempty"`
	Status      string     `json:"status"`
	Onset       time.Time  `json:"onset"`
	End         *time.Time `json:"end,omitempty"`
}

// Medication is a prescription, open until a medication_end state stops it.
type Medication struct {
	ID          string     `json:"id"`
	PatientID   string     `json:"patient_id"`
	EncounterID string     `json:"encounter_id,omitempty"`
	Module      string     `json:"module"`
	Name        string     `json:"name"`
	Coding      Coding     `json:"coding,omitempty"`
	Dosage      string     `json:"dosage,omitempty"`
	Status      string     `json:"status"`
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end,omitempty"`
}

// Observation is a measured or sampled value, including symptom scores.
type Observation struct {
	ID          string    `json:"id"`
	PatientID   string    `json:"patient_id"`
	EncounterID string    `json:"encounter_id,omitempty"`
	Module      string    `json:"module"`
	Name        string    `json:"name"`
	Coding      Coding    `json:"coding,omitempty"`
	Category    string    `json:"category,omitempty"` // laboratory, vital-signs, symptom, ...
	Value       any       `json:"value"`
	Unit        string    `json:"unit,omitempty"`
	Date        time.Time `json:"date"`
}

// Procedure is a point-in-time intervention.
type Procedure struct {
	ID          string    `json:"id"`
	PatientID   string    `json:"patient_id"`
	EncounterID string    `json:"encounter_id,omitempty"`
	Module      string    `json:"module"`
	Name        string    `json:"name"`
	Coding      Coding    `json:"coding,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Date        time.Time `json:"date"`
}

// Immunization is an administered vaccine.
type Immunization struct {
	ID          string    `json:"id"`
	PatientID   string    `json:"patient_id"`
	EncounterID string    `json:"encounter_id,omitempty"`
	Module      string    `json:"module"`
	Name        string    `json:"name"`
	Coding      Coding    `json:"coding,omitempty"`
	Date        time.Time `json:"date"`
}

// CarePlan groups the activities of an ongoing treatment plan.
type CarePlan struct {
	ID          string    `json:"id"`
	PatientID   string    `json:"patient_id"`
	EncounterID string    `json:"encounter_id,omitempty"`
	Module      string    `json:"module"`
	Name        string    `json:"name"`
	Coding      Coding    `json:"coding,omitempty"`
	Activities  []string  `json:"activities,omitempty"`
	Status      string    `json:"status"`
	Start       time.Time `json:"start"`
}

// TraceStep records one visited state.
type TraceStep struct {
	Module string    `json:"module"`
	State  string    `json:"state"`
	Type   StateType `json:"type"`
	At     time.Time `json:"at"`
}

// Diagnostic codes for lenient runtime handling.
const (
	DiagMissingState     = "missing_state"
	DiagUnresolvedRef    = "unresolved_reference"
	DiagRecordClosed     = "record_already_closed"
	DiagRecursiveCall    = "recursive_call_skipped"
	DiagUnknownSubmodule = "unknown_submodule"
	DiagStepLimit        = "step_limit_reached"
	DiagBadCondition     = "condition_error"
	DiagBadAttribute     = "attribute_error"
	DiagUnknownStateType = "unknown_state_type"
)

// Diagnostic is a non-fatal finding raised while executing a module.
type Diagnostic struct {
	Module  string `json:"module"`
	State   string `json:"state,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ExecutionResult holds everything a run produced. Slices only grow; records
// are pointers so open-record links can close them in place.
type ExecutionResult struct {
	Encounters    []*Encounter    `json:"encounters"`
	Conditions    []*Condition    `json:"conditions"`
	Medications   []*Medication   `json:"medications"`
	Observations  []*Observation  `json:"observations"`
	Procedures    []*Procedure    `json:"procedures"`
	Immunizations []*Immunization `json:"immunizations"`
	CarePlans     []*CarePlan     `json:"care_plans"`

	// Replacements is encoded as a sorted "replacements" list.
	Replacements map[Category]struct{} `json:"-"`
	Trace        []TraceStep           `json:"trace,omitempty"`
	Diagnostics  []Diagnostic          `json:"diagnostics,omitempty"`
}

type resultJSON ExecutionResult

// MarshalJSON encodes the result with its replacement set as a sorted list.
func (r ExecutionResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		resultJSON
		Replacements []Category `json:"replacements"`
	}{resultJSON(r), r.ReplacementList()})
}

// UnmarshalJSON restores a result written by MarshalJSON.
func (r *ExecutionResult) UnmarshalJSON(data []byte) error {
	aux := struct {
		*resultJSON
		Replacements []Category `json:"replacements"`
	}{resultJSON: (*resultJSON)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Replacements = make(map[Category]struct{}, len(aux.Replacements))
	for _, c := range aux.Replacements {
		r.AddReplacement(c)
	}
	return nil
}

// NewExecutionResult returns an empty result.
func NewExecutionResult() *ExecutionResult {
	return &ExecutionResult{Replacements: make(map[Category]struct{})}
}

// Merge appends other's records after r's and unions replacements.
func (r *ExecutionResult) Merge(other *ExecutionResult) {
	if other == nil {
		return
	}
	r.Encounters = append(r.Encounters, other.Encounters...)
	r.Conditions = append(r.Conditions, other.Conditions...)
	r.Medications = append(r.Medications, other.Medications...)
	r.Observations = append(r.Observations, other.Observations...)
	r.Procedures = append(r.Procedures, other.Procedures...)
	r.Immunizations = append(r.Immunizations, other.Immunizations...)
	r.CarePlans = append(r.CarePlans, other.CarePlans...)
	r.Trace = append(r.Trace, other.Trace...)
	r.Diagnostics = append(r.Diagnostics, other.Diagnostics...)
	for c := range other.Replacements {
		r.AddReplacement(c)
	}
}

// AddReplacement marks a category as replaced.
func (r *ExecutionResult) AddReplacement(c Category) {
	if r.Replacements == nil {
		r.Replacements = make(map[Category]struct{})
	}
	r.Replacements[c] = struct{}{}
}

// Replaces reports whether category c is marked for replacement.
func (r *ExecutionResult) Replaces(c Category) bool {
	_, ok := r.Replacements[c]
	return ok
}

// ReplacementList returns replaced categories in sorted order.
func (r *ExecutionResult) ReplacementList() []Category {
	out := make([]Category, 0, len(r.Replacements))
	for c := range r.Replacements {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Counts returns the number of records per category.
func (r *ExecutionResult) Counts() map[Category]int {
	return map[Category]int{
		CategoryEncounters:    len(r.Encounters),
		CategoryConditions:    len(r.Conditions),
		CategoryMedications:   len(r.Medications),
		CategoryObservations:  len(r.Observations),
		CategoryProcedures:    len(r.Procedures),
		CategoryImmunizations: len(r.Immunizations),
		CategoryCarePlans:     len(r.CarePlans),
	}
}

// Total returns the number of records across all categories.
func (r *ExecutionResult) Total() int {
	n := 0
	for _, c := range r.Counts() {
		n += c
	}
	return n
}
