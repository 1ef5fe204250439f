package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/carepath/pkg/schema"
)

// celVariables are the top-level names declared in the CEL environment.
var celVariables = []string{"attributes", "patient"}

// CELEngine evaluates transition guards such as
// `attributes.smoker == true && patient.age >= 40`.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine declaring `attributes` and `patient`
// as map(string, dyn).
func NewCELEngine() (*CELEngine, error) {
	dynMap := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, 0, len(celVariables))
	for _, v := range celVariables {
		opts = append(opts, cel.Variable(v, dynMap))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression against data. Missing top-level variables are
// bound to empty maps so `has(attributes.x)` works on a fresh patient.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(celVariables))
	for _, key := range celVariables {
		activation[key] = map[string]any{}
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		}
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "evaluate %q: %v", expression, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression, "language": "cel"})
	}
	return out.Value(), nil
}

// EvaluateBool evaluates a guard. A non-boolean result is an error.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"condition %q returned %T, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression, "language": "cel"})
	}
	return b, nil
}

// Check compiles expression without running it.
func (e *CELEngine) Check(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	return e.programs.get(expression, func(src string) (cel.Program, error) {
		ast, issues := e.env.Compile(src)
		if issues != nil && issues.Err() != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile %q: %v", src, issues.Err()).
				WithCause(issues.Err()).
				WithDetails(map[string]any{"expression": src, "language": "cel"})
		}
		prg, err := e.env.Program(ast)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "build program for %q: %v", src, err).
				WithCause(err).
				WithDetails(map[string]any{"expression": src, "language": "cel"})
		}
		return prg, nil
	})
}

var _ Engine = (*CELEngine)(nil)
