package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/carepath/pkg/schema"
)

// ExprEngine computes set_attribute values with expr-lang, e.g.
// `attributes.pack_years * 1.5` or `patient.age >= 65 ? "senior" : "adult"`.
//
// Programs are compiled without a typed environment: attribute sets differ
// between patients, so every lookup is dynamic and a missing attribute is nil.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

// NewExprEngine creates an expr engine with an empty program cache.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with data as its environment.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "evaluate %q: %v", expression, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression, "language": "expr"})
	}
	return out, nil
}

// Check compiles expression without running it.
func (e *ExprEngine) Check(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *ExprEngine) program(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	return e.programs.get(expression, func(src string) (*vm.Program, error) {
		prg, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile %q: %v", src, err).
				WithCause(err).
				WithDetails(map[string]any{"expression": src, "language": "expr"})
		}
		return prg, nil
	})
}

var _ Engine = (*ExprEngine)(nil)
