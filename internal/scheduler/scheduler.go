// Package scheduler runs stored cohort jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/carepath/internal/cohort"
	"github.com/rendis/carepath/internal/logging"
	"github.com/rendis/carepath/internal/store"
)

// DefaultInterval is how often the store is polled for due jobs.
const DefaultInterval = time.Minute

// Job run statuses recorded on the store.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// CohortRunner generates a cohort. Satisfied by *cohort.Generator.
type CohortRunner interface {
	Generate(ctx context.Context, cfg cohort.Config) (*cohort.Summary, error)
}

// Scheduler polls the store for due cohort jobs and runs them.
type Scheduler struct {
	store    store.Store
	runner   CohortRunner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval overrides the polling interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock overrides the wall clock used to decide whether a job is due.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. Cron expressions use the standard five fields
// plus descriptors such as @daily.
func New(s store.Store, runner CohortRunner, logger *slog.Logger, opts ...Option) *Scheduler {
	sch := &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logging.OrDiscard(logger),
		interval: DefaultInterval,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(sch)
	}
	return sch
}

// Start launches the polling loop. It ticks once immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled job whose next run is unset or not in the future.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListCohortJobs(ctx, store.CohortJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("list cohort jobs failed", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("cohort job failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
		s.releaseJob(job.ID)
	}
}

// runJob generates the job's cohort and records the outcome. The cohort seed
// is offset by the run time so each scheduled run yields a new population.
func (s *Scheduler) runJob(ctx context.Context, job *store.CohortJob, now time.Time) error {
	s.logger.Info("running cohort job",
		slog.String("job_id", job.ID),
		slog.String("name", job.Name),
		slog.Int("size", job.Size))

	cfg := cohort.Config{
		ID:      fmt.Sprintf("%s@%s", job.Name, now.Format(time.RFC3339)),
		Modules: job.Modules,
		Size:    job.Size,
		Seed:    job.Seed + now.Unix(),
		MinAge:  job.MinAge,
		MaxAge:  job.MaxAge,
	}
	summary, err := s.runner.Generate(ctx, cfg)

	status := StatusSuccess
	switch {
	case err != nil:
		status = StatusError
		s.logger.Error("cohort generation failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	case summary != nil && summary.Failed > 0:
		status = StatusPartial
	}
	return s.updateJobStatus(ctx, job, now, status)
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.CohortJob, now time.Time, status string) error {
	next, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		// An unparseable schedule would fire on every tick.
		disabled := false
		_ = s.store.UpdateCohortJob(ctx, job.ID, store.CohortJobUpdate{
			Enabled: &disabled, LastRunAt: &now, LastRunStatus: StatusError,
		})
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}
	return s.store.UpdateCohortJob(ctx, job.ID, store.CohortJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun returns the first activation of cronExpr after from.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop cancels the loop and waits for the in-progress tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs, once, every enabled job whose next run has passed.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListCohortJobs(ctx, store.CohortJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		err := s.runJob(ctx, job, now)
		s.releaseJob(job.ID)
		if err != nil {
			s.logger.Error("recover missed job failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed cohort jobs", slog.Int("count", recovered))
	}
	return nil
}
