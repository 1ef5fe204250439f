// Package engine executes validated modules against a patient.
package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rendis/carepath/internal/expressions"
	"github.com/rendis/carepath/internal/logging"
	"github.com/rendis/carepath/internal/validation"
	"github.com/rendis/carepath/pkg/schema"
)

// DefaultMaxSteps bounds the states visited by one module run.
const DefaultMaxSteps = 200

// Source resolves module names to loaded definitions.
type Source interface {
	Load(name string) (*schema.ModuleDefinition, error)
}

// Definitions is an in-memory Source keyed by module name.
type Definitions map[string]*schema.ModuleDefinition

// Load implements Source.
func (d Definitions) Load(name string) (*schema.ModuleDefinition, error) {
	def, ok := d[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no definition for module %q", name).WithModule(name)
	}
	return def, nil
}

// Engine owns a set of validated modules for a generation run. Execute calls
// are serialized because they draw from one random source.
type Engine struct {
	modules  []*schema.ModuleDefinition
	registry map[string]*schema.ModuleDefinition

	rng      *rand.Rand
	now      func() time.Time
	logger   *slog.Logger
	maxSteps int

	cel  *expressions.CELEngine
	expr *expressions.ExprEngine

	mu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithSeed seeds the engine's random source.
func WithSeed(seed int64) Option {
	return func(e *Engine) { e.rng = rand.New(rand.NewSource(seed)) }
}

// WithRand sets the engine's random source. The engine takes ownership.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

// WithNow sets the reference time the virtual clock is anchored to.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMaxSteps overrides the per-run step cap.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// NewEngine loads and validates every named module and every submodule they
// reference, transitively. Construction fails if any one of them cannot be
// loaded or has structural issues.
func NewEngine(src Source, names []string, opts ...Option) (*Engine, error) {
	e := &Engine{
		registry: make(map[string]*schema.ModuleDefinition),
		maxSteps: DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrDiscard(e.logger)
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if e.now == nil {
		// Day resolution keeps same-seed engines built moments apart identical.
		today := time.Now().UTC().Truncate(24 * time.Hour)
		e.now = func() time.Time { return today }
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	e.cel = cel
	e.expr = expressions.NewExprEngine()

	for _, name := range names {
		def, err := e.admit(src, name)
		if err != nil {
			return nil, err
		}
		e.modules = append(e.modules, def)
	}

	// Breadth-first over submodule references.
	queue := make([]string, 0, len(e.registry))
	for _, def := range e.modules {
		queue = append(queue, def.Submodules()...)
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, ok := e.registry[name]; ok {
			continue
		}
		def, err := e.admit(src, name)
		if err != nil {
			return nil, err
		}
		queue = append(queue, def.Submodules()...)
	}

	e.logger.Debug("engine ready", "modules", len(e.modules), "loaded", len(e.registry))
	return e, nil
}

func (e *Engine) admit(src Source, name string) (*schema.ModuleDefinition, error) {
	if def, ok := e.registry[name]; ok {
		return def, nil
	}
	def, err := src.Load(name)
	if err != nil {
		return nil, err
	}
	res := validation.ValidateModule(def)
	for _, w := range res.Warnings {
		e.logger.Warn("module warning", "module", name, "path", w.Path, "issue", w.Message)
	}
	if err := res.ToError(); err != nil {
		return nil, err
	}
	e.registry[name] = def
	return def, nil
}

// Modules returns the top-level modules in execution order.
func (e *Engine) Modules() []*schema.ModuleDefinition {
	out := make([]*schema.ModuleDefinition, len(e.modules))
	copy(out, e.modules)
	return out
}

// Module returns a loaded definition, top-level or submodule.
func (e *Engine) Module(name string) (*schema.ModuleDefinition, bool) {
	def, ok := e.registry[name]
	return def, ok
}

// Loaded returns every admitted definition: top-level modules in execution
// order, then submodules sorted by name.
func (e *Engine) Loaded() []*schema.ModuleDefinition {
	out := e.Modules()
	top := make(map[*schema.ModuleDefinition]bool, len(out))
	for _, def := range out {
		top[def] = true
	}
	var subs []string
	for name, def := range e.registry {
		if !top[def] {
			subs = append(subs, name)
		}
	}
	sort.Strings(subs)
	for _, name := range subs {
		out = append(out, e.registry[name])
	}
	return out
}

// CategoriesReplaced returns the sorted union of categories any loaded module
// marks "replace". The baseline generator suppresses these for patients run
// through this engine.
func (e *Engine) CategoriesReplaced() []schema.Category {
	set := make(map[schema.Category]struct{})
	for _, def := range e.registry {
		for _, c := range def.ReplacedCategories() {
			set[c] = struct{}{}
		}
	}
	out := make([]schema.Category, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Execute runs every top-level module against patient and merges the results.
// Each module gets its own attribute store and clock. ctx is checked between
// modules; a single module run is never interrupted.
func (e *Engine) Execute(ctx context.Context, patient schema.Patient) (*schema.ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx = logging.WithPatientID(ctx, patient.ID)
	result := schema.NewExecutionResult()
	for _, def := range e.modules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := e.newSession(ctx, patient)
		result.Merge(s.run(def))
	}

	e.logger.InfoContext(ctx, "patient executed",
		"modules", len(e.modules),
		"records", result.Total(),
		"diagnostics", len(result.Diagnostics))
	return result, nil
}
