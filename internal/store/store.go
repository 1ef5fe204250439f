package store

import "context"

// Store persists run audits and cohort jobs.
// Implementations must be safe for concurrent use.
type Store interface {
	// Runs
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	GetTrace(ctx context.Context, runID string) ([]TraceEntry, error)
	GetParameterUsage(ctx context.Context, runID string) ([]ParameterUsage, error)
	DeleteRun(ctx context.Context, id string) error

	// Cohort jobs
	CreateCohortJob(ctx context.Context, job *CohortJob) error
	GetCohortJob(ctx context.Context, id string) (*CohortJob, error)
	UpdateCohortJob(ctx context.Context, id string, update CohortJobUpdate) error
	ListCohortJobs(ctx context.Context, filter CohortJobFilter) ([]*CohortJob, error)
	DeleteCohortJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Close() error
}
