package store

import (
	"encoding/json"
	"time"
)

// Run is one persisted execution of a patient through a module set.
type Run struct {
	ID           string          `json:"id"`
	CohortID     string          `json:"cohort_id,omitempty"`
	PatientID    string          `json:"patient_id"`
	PatientAge   int             `json:"patient_age"`
	Modules      []string        `json:"modules"`
	Seed         int64           `json:"seed"`
	Replacements []string        `json:"replacements"`
	Counts       map[string]int  `json:"counts"`
	Result       json.RawMessage `json:"result,omitempty"`
	Diagnostics  int             `json:"diagnostics"`
	CreatedAt    time.Time       `json:"created_at"`

	Parameters []ParameterUsage `json:"parameters,omitempty"`
	Trace      []TraceEntry     `json:"trace,omitempty"`
}

// ParameterUsage links a run to one parameter token a state consumed.
type ParameterUsage struct {
	Module   string `json:"module"`
	State    string `json:"state"`
	Token    string `json:"token"`
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	SourceID string `json:"source_id,omitempty"`
}

// TraceEntry is one visited state.
type TraceEntry struct {
	Sequence int       `json:"sequence"`
	Module   string    `json:"module"`
	State    string    `json:"state"`
	Type     string    `json:"type"`
	At       time.Time `json:"at"`
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	CohortID  string `json:"cohort_id,omitempty"`
	PatientID string `json:"patient_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// CohortJob is a cron-triggered cohort generation.
type CohortJob struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	CronExpression string     `json:"cron_expression"`
	Modules        []string   `json:"modules"`
	Size           int        `json:"size"`
	Seed           int64      `json:"seed"`
	MinAge         int        `json:"min_age"`
	MaxAge         int        `json:"max_age"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CohortJobUpdate carries the mutable fields of a cohort job.
type CohortJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// CohortJobFilter narrows ListCohortJobs.
type CohortJobFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
