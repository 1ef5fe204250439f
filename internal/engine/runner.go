package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/google/uuid"

	"github.com/rendis/carepath/internal/expressions"
	"github.com/rendis/carepath/internal/logging"
	"github.com/rendis/carepath/pkg/schema"
)

// session is the state shared by one top-level module run and every
// submodule it calls: attributes, clock, open records and the call stack.
type session struct {
	e       *Engine
	ctx     context.Context
	patient schema.Patient

	attrs *schema.Attributes
	clock *clock
	stack map[string]bool

	// records indexes closable records by ID for referenced_by_attribute.
	records       map[string]any
	lastEncounter *schema.Encounter
}

func (e *Engine) newSession(ctx context.Context, patient schema.Patient) *session {
	return &session{
		e:       e,
		ctx:     ctx,
		patient: patient,
		attrs:   schema.NewAttributes(),
		clock:   newClock(e.now(), patient.Age),
		stack:   make(map[string]bool),
		records: make(map[string]any),
	}
}

func (s *session) rng() *rand.Rand { return s.e.rng }

// newID draws a record identifier from the engine's random source so that
// identifiers are reproducible for a seed.
func (s *session) newID() string {
	id, err := uuid.NewRandomFromReader(s.e.rng)
	if err != nil {
		// (*rand.Rand).Read never fails.
		panic(fmt.Sprintf("draw record id: %v", err))
	}
	return id.String()
}

// run executes def with a fresh runner and returns what it produced.
func (s *session) run(def *schema.ModuleDefinition) *schema.ExecutionResult {
	r := &runner{
		s:      s,
		def:    def,
		result: schema.NewExecutionResult(),
		ctx:    logging.WithModule(s.ctx, def.Name),
	}
	r.run()
	return r.result
}

// runner executes one module's state machine. Nested calls get their own
// runner and step counter.
type runner struct {
	s      *session
	def    *schema.ModuleDefinition
	result *schema.ExecutionResult
	ctx    context.Context
	steps  int
}

func (r *runner) run() {
	r.s.stack[r.def.Name] = true
	defer delete(r.s.stack, r.def.Name)

	for _, c := range r.def.ReplacedCategories() {
		r.result.AddReplacement(c)
	}

	current := schema.StartState
	for {
		if r.steps >= r.s.e.maxSteps {
			r.diagnose(current, schema.DiagStepLimit,
				fmt.Sprintf("stopped after %d steps", r.steps))
			return
		}
		r.steps++

		st, ok := r.def.States[current]
		if !ok {
			r.diagnose(current, schema.DiagMissingState,
				fmt.Sprintf("transition target %q does not exist", current))
			return
		}

		r.result.Trace = append(r.result.Trace, schema.TraceStep{
			Module: r.def.Name,
			State:  st.Name,
			Type:   st.Type,
			At:     r.s.clock.now(),
		})
		if st.Type.IsTerminal() {
			return
		}

		r.step(st)
		r.advance(st)

		next, ok := r.choose(st)
		if !ok || next == schema.EndState {
			return
		}
		current = next
	}
}

// step applies a state's effect. Every state type is handled here.
func (r *runner) step(st *schema.State) {
	switch st.Type {
	case schema.StateTypeStart, schema.StateTypeDecision:
	case schema.StateTypeTerminal, schema.StateTypeEnd:
		// Handled by the run loop before step is reached.
	case schema.StateTypeDelay:
		r.delay(st)
	case schema.StateTypeEncounter:
		r.encounter(st)
	case schema.StateTypeEncounterEnd:
		r.encounterEnd(st)
	case schema.StateTypeConditionOnset:
		r.conditionOnset(st)
	case schema.StateTypeConditionEnd:
		r.conditionEnd(st)
	case schema.StateTypeMedicationStart:
		r.medicationStart(st)
	case schema.StateTypeMedicationEnd:
		r.medicationEnd(st)
	case schema.StateTypeProcedure:
		r.procedure(st)
	case schema.StateTypeImmunization:
		r.immunization(st)
	case schema.StateTypeCarePlan:
		r.carePlan(st)
	case schema.StateTypeObservation:
		r.observation(st)
	case schema.StateTypeSymptom:
		r.symptom(st)
	case schema.StateTypeSetAttribute:
		r.setAttribute(st)
	case schema.StateTypeCallSubmodule:
		r.callSubmodule(st)
	case schema.StateTypeUnknown:
		r.diagnose(st.Name, schema.DiagUnknownStateType,
			fmt.Sprintf("state type %q is not supported; passing through", st.RawType))
	default:
		panic(fmt.Sprintf("unhandled state type %q", st.Type))
	}
}

func (r *runner) advance(st *schema.State) {
	if !advancesClock(st.Type) {
		return
	}
	days := defaultAdvance(st.Type)
	if v, ok := st.Data["advance_days"]; ok {
		if n, ok := sampleNumber(r.s.rng(), v); ok {
			days = n
		}
	}
	r.s.clock.advanceDays(days)
}

func (r *runner) callSubmodule(st *schema.State) {
	name, _ := st.Data["module"].(string)
	if r.s.stack[name] {
		r.diagnose(st.Name, schema.DiagRecursiveCall,
			fmt.Sprintf("module %q is already executing; call skipped", name))
		return
	}
	def, ok := r.s.e.registry[name]
	if !ok {
		r.diagnose(st.Name, schema.DiagUnknownSubmodule,
			fmt.Sprintf("submodule %q is not loaded", name))
		return
	}
	r.result.Merge(r.s.run(def))
}

// diagnose records a non-fatal runtime finding.
func (r *runner) diagnose(state, code, msg string) {
	r.result.Diagnostics = append(r.result.Diagnostics, schema.Diagnostic{
		Module:  r.def.Name,
		State:   state,
		Code:    code,
		Message: msg,
	})
	r.s.e.logger.WarnContext(logging.WithState(r.ctx, state), "module diagnostic",
		slog.String("code", code), slog.String("detail", msg))
}

func (r *runner) variables() map[string]any {
	return expressions.Variables(r.s.attrs, r.s.patient)
}
