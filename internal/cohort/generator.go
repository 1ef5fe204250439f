// Package cohort generates synthetic patient populations and runs each
// patient through a fresh engine.
package cohort

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/carepath/internal/engine"
	"github.com/rendis/carepath/internal/logging"
	"github.com/rendis/carepath/internal/store"
	"github.com/rendis/carepath/pkg/schema"
)

// Defaults applied to a zero Config.
const (
	DefaultMinAge  = 18
	DefaultMaxAge  = 90
	DefaultWorkers = 4
)

// Config describes one cohort.
type Config struct {
	// ID tags persisted runs. A random ID is assigned when empty.
	ID      string   `json:"id,omitempty"`
	Modules []string `json:"modules"`
	Size    int      `json:"size"`
	Seed    int64    `json:"seed"`
	MinAge  int      `json:"min_age,omitempty"`
	MaxAge  int      `json:"max_age,omitempty"`
	Workers int      `json:"workers,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.MinAge <= 0 && c.MaxAge <= 0 {
		c.MinAge, c.MaxAge = DefaultMinAge, DefaultMaxAge
	}
	if c.MaxAge < c.MinAge {
		c.MaxAge = c.MinAge
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	return c
}

func (c Config) validate() error {
	if len(c.Modules) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "cohort needs at least one module")
	}
	if c.Size <= 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "cohort size must be positive, got %d", c.Size)
	}
	if c.MinAge < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "min_age must not be negative, got %d", c.MinAge)
	}
	return nil
}

// Outcome is the result of one patient.
type Outcome struct {
	Patient     schema.Patient `json:"patient"`
	Seed        int64          `json:"seed"`
	RunID       string         `json:"run_id,omitempty"`
	Records     int            `json:"records"`
	Diagnostics int            `json:"diagnostics"`
	Error       string         `json:"error,omitempty"`

	result *schema.ExecutionResult
}

// Result returns the patient's execution result, nil when the run failed.
func (o Outcome) Result() *schema.ExecutionResult { return o.result }

// Summary aggregates a generated cohort.
type Summary struct {
	ID          string                  `json:"id"`
	Patients    int                     `json:"patients"`
	Succeeded   int                     `json:"succeeded"`
	Failed      int                     `json:"failed"`
	Records     map[schema.Category]int `json:"records"`
	Diagnostics int                     `json:"diagnostics"`
	Replaced    []schema.Category       `json:"categories_replaced"`
	Outcomes    []Outcome               `json:"outcomes"`
	Pool        PoolMetrics             `json:"pool"`
	Duration    time.Duration           `json:"duration"`
}

// Generator builds cohorts from a module source.
type Generator struct {
	source engine.Source
	runs   store.Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithStore persists every successful patient run.
func WithStore(s store.Store) Option {
	return func(g *Generator) { g.runs = s }
}

// WithLogger sets the generator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// WithNow fixes the reference time passed to each engine.
func WithNow(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// NewGenerator creates a Generator over src.
func NewGenerator(src engine.Source, opts ...Option) *Generator {
	g := &Generator{source: src}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrDiscard(g.logger)
	if g.now == nil {
		today := time.Now().UTC().Truncate(24 * time.Hour)
		g.now = func() time.Time { return today }
	}
	return g
}

// Patients derives size patients from seed. Each patient also gets its own
// engine seed, so the cohort is reproducible whatever the worker count.
func Patients(seed int64, size, minAge, maxAge int, now time.Time) ([]schema.Patient, []int64) {
	rng := rand.New(rand.NewSource(seed))
	patients := make([]schema.Patient, size)
	seeds := make([]int64, size)
	for i := range patients {
		age := minAge
		if maxAge > minAge {
			age += rng.Intn(maxAge - minAge + 1)
		}
		id, err := uuid.NewRandomFromReader(rng)
		if err != nil {
			id = uuid.New()
		}
		birth := now.AddDate(-age, 0, -rng.Intn(365))
		patients[i] = schema.Patient{ID: id.String(), Age: age, BirthDate: birth}
		seeds[i] = rng.Int63()
	}
	return patients, seeds
}

// Generate runs cfg.Size patients through cfg.Modules. Module loading or
// validation failures abort before any patient runs. Per-patient failures
// are recorded in the summary; only cancellation makes Generate return an
// error after work has started.
func (g *Generator) Generate(ctx context.Context, cfg Config) (*Summary, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	now := g.now()

	check, err := engine.NewEngine(g.source, cfg.Modules, engine.WithSeed(cfg.Seed), engine.WithNow(g.now), engine.WithLogger(g.logger))
	if err != nil {
		return nil, fmt.Errorf("prepare cohort %s: %w", cfg.ID, err)
	}

	patients, seeds := Patients(cfg.Seed, cfg.Size, cfg.MinAge, cfg.MaxAge, now)
	summary := &Summary{
		ID:       cfg.ID,
		Patients: cfg.Size,
		Records:  make(map[schema.Category]int),
		Replaced: check.CategoriesReplaced(),
		Outcomes: make([]Outcome, cfg.Size),
	}

	g.logger.InfoContext(ctx, "cohort started",
		"cohort_id", cfg.ID, "size", cfg.Size, "modules", cfg.Modules, "workers", cfg.Workers)
	start := time.Now()

	pool := NewPool(cfg.Workers)
	var mu sync.Mutex
	var submitErr error
	for i := range patients {
		if err := ctx.Err(); err != nil {
			submitErr = err
			break
		}
		i := i
		err := pool.Submit(ctx, func(ctx context.Context) error {
			out := g.runPatient(ctx, cfg, patients[i], seeds[i])
			mu.Lock()
			summary.Outcomes[i] = out
			mu.Unlock()
			if out.Error != "" {
				return errors.New(out.Error)
			}
			return nil
		})
		if err != nil {
			submitErr = err
			break
		}
	}
	pool.Shutdown()

	summary.Pool = pool.Metrics()
	summary.Duration = time.Since(start)
	for _, o := range summary.Outcomes {
		switch {
		case o.Patient.ID == "":
			// never submitted
		case o.Error != "":
			summary.Failed++
		default:
			summary.Succeeded++
			summary.Diagnostics += o.Diagnostics
			for c, n := range o.result.Counts() {
				summary.Records[c] += n
			}
		}
	}

	g.logger.InfoContext(ctx, "cohort finished",
		"cohort_id", cfg.ID,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"duration", summary.Duration)

	if submitErr != nil {
		return summary, fmt.Errorf("cohort %s interrupted: %w", cfg.ID, submitErr)
	}
	return summary, nil
}

func (g *Generator) runPatient(ctx context.Context, cfg Config, patient schema.Patient, seed int64) Outcome {
	out := Outcome{Patient: patient, Seed: seed}
	ctx = logging.WithPatientID(ctx, patient.ID)

	eng, err := engine.NewEngine(g.source, cfg.Modules,
		engine.WithSeed(seed), engine.WithNow(g.now), engine.WithLogger(g.logger))
	if err != nil {
		out.Error = err.Error()
		return out
	}
	res, err := eng.Execute(ctx, patient)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.result = res
	out.Records = res.Total()
	out.Diagnostics = len(res.Diagnostics)

	if g.runs == nil {
		return out
	}
	run, err := store.NewRun(cfg.ID, seed, patient, eng.Loaded(), res)
	if err == nil {
		err = g.runs.SaveRun(ctx, run)
	}
	if err != nil {
		g.logger.ErrorContext(ctx, "persist run failed", "error", err)
		out.Error = err.Error()
		return out
	}
	out.RunID = run.ID
	return out
}

// Categories returns the summary's record categories in sorted order.
func (s *Summary) Categories() []schema.Category {
	out := make([]schema.Category, 0, len(s.Records))
	for c := range s.Records {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
