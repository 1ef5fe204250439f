package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/carepath/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens the database at dbPath, a file URI such as
// "file:/var/lib/carepath/runs.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so QueryRow rather than Exec.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		var ignored string
		_ = db.QueryRow(p).Scan(&ignored)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying handle.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// SchemaVersion reports the highest applied migration.
func (s *LibSQLStore) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

// --- Runs ---

// SaveRun inserts a run with its parameter usage and trace in one transaction.
func (s *LibSQLStore) SaveRun(ctx context.Context, run *Run) error {
	modules, err := json.Marshal(stringsOrEmpty(run.Modules))
	if err != nil {
		return fmt.Errorf("marshal modules: %w", err)
	}
	replacements, err := json.Marshal(stringsOrEmpty(run.Replacements))
	if err != nil {
		return fmt.Errorf("marshal replacements: %w", err)
	}
	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}
	result := run.Result
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, cohort_id, patient_id, patient_age, modules, seed, replacements, counts, result, diagnostics, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.CohortID), run.PatientID, run.PatientAge, string(modules), run.Seed,
		string(replacements), string(counts), string(result), run.Diagnostics, run.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, p := range run.Parameters {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO parameter_usage (run_id, module, state, token, domain, path, source_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID, p.Module, p.State, p.Token, p.Domain, p.Path, nullStr(p.SourceID),
		); err != nil {
			return fmt.Errorf("insert parameter usage: %w", err)
		}
	}

	for i, t := range run.Trace {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_trace (run_id, sequence, module, state, type, at) VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, i+1, t.Module, t.State, t.Type, t.At,
		); err != nil {
			return fmt.Errorf("insert trace: %w", err)
		}
	}

	return tx.Commit()
}

const runColumns = `id, cohort_id, patient_id, patient_age, modules, seed, replacements, counts, result, diagnostics, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	r := &Run{}
	var (
		cohortID                               sql.NullString
		modules, replacements, counts, resultJ string
	)
	if err := row.Scan(&r.ID, &cohortID, &r.PatientID, &r.PatientAge, &modules, &r.Seed,
		&replacements, &counts, &resultJ, &r.Diagnostics, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.CohortID = cohortID.String
	if err := json.Unmarshal([]byte(modules), &r.Modules); err != nil {
		return nil, fmt.Errorf("decode modules: %w", err)
	}
	if err := json.Unmarshal([]byte(replacements), &r.Replacements); err != nil {
		return nil, fmt.Errorf("decode replacements: %w", err)
	}
	if err := json.Unmarshal([]byte(counts), &r.Counts); err != nil {
		return nil, fmt.Errorf("decode counts: %w", err)
	}
	r.Result = json.RawMessage(resultJ)
	return r, nil
}

// GetRun returns a run with its parameter usage and trace.
func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	if r.Parameters, err = s.GetParameterUsage(ctx, id); err != nil {
		return nil, err
	}
	if r.Trace, err = s.GetTrace(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

// ListRuns returns runs newest first, without result bodies, usage or trace.
func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var (
		where []string
		args  []any
	)
	if filter.CohortID != "" {
		where = append(where, "cohort_id = ?")
		args = append(args, filter.CohortID)
	}
	if filter.PatientID != "" {
		where = append(where, "patient_id = ?")
		args = append(args, filter.PatientID)
	}

	q := `SELECT ` + strings.Replace(runColumns, "result,", "'{}',", 1) + ` FROM runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		r.Result = nil
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) GetTrace(ctx context.Context, runID string) ([]TraceEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, module, state, type, at FROM run_trace WHERE run_id = ? ORDER BY sequence`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TraceEntry
	for rows.Next() {
		var t TraceEntry
		if err := rows.Scan(&t.Sequence, &t.Module, &t.State, &t.Type, &t.At); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) GetParameterUsage(ctx context.Context, runID string) ([]ParameterUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT module, state, token, domain, path, source_id FROM parameter_usage
		 WHERE run_id = ? ORDER BY module, state, token`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ParameterUsage
	for rows.Next() {
		var (
			p   ParameterUsage
			src sql.NullString
		)
		if err := rows.Scan(&p.Module, &p.State, &p.Token, &p.Domain, &p.Path, &src); err != nil {
			return nil, err
		}
		p.SourceID = src.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// --- Cohort jobs ---

func (s *LibSQLStore) CreateCohortJob(ctx context.Context, job *CohortJob) error {
	modules, err := json.Marshal(stringsOrEmpty(job.Modules))
	if err != nil {
		return fmt.Errorf("marshal modules: %w", err)
	}
	job.CreatedAt = timeOrNow(job.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cohort_jobs (id, name, cron_expression, modules, size, seed, min_age, max_age, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.CronExpression, string(modules), job.Size, job.Seed, job.MinAge, job.MaxAge,
		job.Enabled, nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus), job.CreatedAt,
	)
	return err
}

const jobColumns = `id, name, cron_expression, modules, size, seed, min_age, max_age, enabled, last_run_at, next_run_at, last_run_status, created_at`

func scanJob(row rowScanner) (*CohortJob, error) {
	j := &CohortJob{}
	var (
		modules          string
		lastRun, nextRun sql.NullTime
		status           sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Name, &j.CronExpression, &modules, &j.Size, &j.Seed, &j.MinAge, &j.MaxAge,
		&j.Enabled, &lastRun, &nextRun, &status, &j.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(modules), &j.Modules); err != nil {
		return nil, fmt.Errorf("decode modules: %w", err)
	}
	if lastRun.Valid {
		j.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		j.NextRunAt = &nextRun.Time
	}
	j.LastRunStatus = status.String
	return j, nil
}

func (s *LibSQLStore) GetCohortJob(ctx context.Context, id string) (*CohortJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM cohort_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("cohort job", id)
	}
	return j, err
}

func (s *LibSQLStore) UpdateCohortJob(ctx context.Context, id string, update CohortJobUpdate) error {
	var (
		sets []string
		args []any
	)
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE cohort_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "cohort job", id)
}

func (s *LibSQLStore) ListCohortJobs(ctx context.Context, filter CohortJobFilter) ([]*CohortJob, error) {
	q := `SELECT ` + jobColumns + ` FROM cohort_jobs`
	var args []any
	if filter.Enabled != nil {
		q += " WHERE enabled = ?"
		args = append(args, *filter.Enabled)
	}
	q += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CohortJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteCohortJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cohort_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "cohort job", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ModuleError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ Store = (*LibSQLStore)(nil)
