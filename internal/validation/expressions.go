package validation

import (
	"fmt"
	"sync"

	"github.com/rendis/carepath/internal/expressions"
	"github.com/rendis/carepath/pkg/schema"
)

var (
	compilersOnce sync.Once
	celCompiler   *expressions.CELEngine
	exprCompiler  *expressions.ExprEngine
	compilersErr  error
)

func compilers() (*expressions.CELEngine, *expressions.ExprEngine, error) {
	compilersOnce.Do(func() {
		celCompiler, compilersErr = expressions.NewCELEngine()
		exprCompiler = expressions.NewExprEngine()
	})
	return celCompiler, exprCompiler, compilersErr
}

// ValidateExpressions compiles every CEL transition condition and every
// computed set_attribute expression. At run time a broken condition is
// false and a broken expression leaves the attribute unchanged, so these
// are lint errors rather than structural ones.
func ValidateExpressions(def *schema.ModuleDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		return result
	}
	result.Module = def.Name

	cel, expr, err := compilers()
	if err != nil {
		result.AddError("/", schema.ErrCodeInvalidExpression, err.Error())
		return result
	}

	for _, s := range def.OrderedStates() {
		for i, tr := range s.Transitions {
			if tr.Condition == nil || tr.Condition.Expression == "" {
				continue
			}
			if err := cel.Check(tr.Condition.Expression); err != nil {
				result.AddError(fmt.Sprintf("%s.transitions[%d].condition.expression", statePath(s.Name), i),
					schema.ErrCodeInvalidExpression,
					fmt.Sprintf("state %q: %v", s.Name, err))
			}
		}
		if s.Type != schema.StateTypeSetAttribute {
			continue
		}
		if src, ok := s.Data["expression"].(string); ok && src != "" {
			if err := expr.Check(src); err != nil {
				result.AddError(statePath(s.Name)+".expression", schema.ErrCodeInvalidExpression,
					fmt.Sprintf("state %q: %v", s.Name, err))
			}
		}
	}
	return result
}
