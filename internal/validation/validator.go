package validation

import "github.com/rendis/carepath/pkg/schema"

// Pass is one validation pass over a loaded module.
type Pass func(def *schema.ModuleDefinition) *schema.ValidationResult

// Structural is the pass the engine requires before accepting a module.
var Structural Pass = ValidateModule

// Lint runs the structural, terminology and expression passes and merges
// their issues. It is what the lint tool reports; the engine only gates on
// Structural.
func Lint(def *schema.ModuleDefinition) *schema.ValidationResult {
	return Run(def, ValidateModule, ValidateTerminology, ValidateExpressions)
}

// Run applies every pass in order and merges the results.
func Run(def *schema.ModuleDefinition, passes ...Pass) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def != nil {
		result.Module = def.Name
	}
	for _, p := range passes {
		result.Merge(p(def))
	}
	return result
}
