package schema

import "fmt"

// ValidationSeverity separates blocking issues from advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one finding against a module, located by a dotted path
// such as "states.diagnosis.transitions[0].to".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// ValidationResult collects the issues of every pass run against one module.
// Only errors block execution.
type ValidationResult struct {
	Module   string            `json:"module,omitempty"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether the module has no errors.
func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// HasIssue reports whether any error or warning carries code.
func (r *ValidationResult) HasIssue(code string) bool {
	for _, list := range [][]ValidationIssue{r.Errors, r.Warnings} {
		for _, is := range list {
			if is.Code == code {
				return true
			}
		}
	}
	return false
}

// Merge appends other's issues. The module name is kept.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns a *ModuleValidationError listing the errors, or nil when
// the module is valid. Warnings are dropped.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	return &ModuleValidationError{Module: r.Module, Issues: append([]ValidationIssue(nil), r.Errors...)}
}
