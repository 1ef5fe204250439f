package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeParse              = "PARSE_ERROR"
	ErrCodeParameterMalformed = "PARAMETER_MALFORMED"
	ErrCodeParameterNotFound  = "PARAMETER_NOT_FOUND"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeStore              = "STORE_ERROR"

	// Issue codes produced by the validator and the lint pass.
	ErrCodeMissingStart        = "MISSING_START"
	ErrCodeUnreachable         = "UNREACHABLE_STATE"
	ErrCodeDanglingTarget      = "DANGLING_TRANSITION"
	ErrCodeProbabilityMass     = "PROBABILITY_MASS"
	ErrCodeProbabilityType     = "PROBABILITY_NOT_NUMERIC"
	ErrCodeProbabilityNegative = "PROBABILITY_NEGATIVE"
	ErrCodeMissingSubmodule    = "MISSING_SUBMODULE_REF"
	ErrCodeUnknownStateType    = "UNKNOWN_STATE_TYPE"
	ErrCodeMissingCode         = "MISSING_CODE"
	ErrCodeUnsupportedSystem   = "UNSUPPORTED_CODE_SYSTEM"
	ErrCodeInvalidExpression   = "INVALID_EXPRESSION"
)

// ModuleError is the structured error type for loading and executing modules.
type ModuleError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Module  string         `json:"module,omitempty"`
	State   string         `json:"state,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ModuleError) Error() string {
	switch {
	case e.Module != "" && e.State != "":
		return fmt.Sprintf("[%s] module %s state %s: %s", e.Code, e.Module, e.State, e.Message)
	case e.Module != "":
		return fmt.Sprintf("[%s] module %s: %s", e.Code, e.Module, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

func (e *ModuleError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ModuleError.
func NewError(code, message string) *ModuleError {
	return &ModuleError{Code: code, Message: message}
}

// NewErrorf creates a new ModuleError with a formatted message.
func NewErrorf(code, format string, args ...any) *ModuleError {
	return &ModuleError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithModule attaches a module name to the error.
func (e *ModuleError) WithModule(name string) *ModuleError {
	e.Module = name
	return e
}

// WithState attaches a state name to the error.
func (e *ModuleError) WithState(name string) *ModuleError {
	e.State = name
	return e
}

// WithCause attaches an underlying cause.
func (e *ModuleError) WithCause(err error) *ModuleError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ModuleError) WithDetails(details map[string]any) *ModuleError {
	e.Details = details
	return e
}

// HasCode reports whether err, or anything it wraps, is a ModuleError with the given code.
// A ModuleValidationError matches ErrCodeValidation.
func HasCode(err error, code string) bool {
	var me *ModuleError
	if errors.As(err, &me) && me.Code == code {
		return true
	}
	var ve *ModuleValidationError
	return code == ErrCodeValidation && errors.As(err, &ve)
}

// ModuleValidationError carries every structural issue found in one module.
type ModuleValidationError struct {
	Module string            `json:"module"`
	Issues []ValidationIssue `json:"issues"`
}

func (e *ModuleValidationError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("[%s] module %s: %s", ErrCodeValidation, e.Module, e.Issues[0].String())
	}
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, is.String())
	}
	return fmt.Sprintf("[%s] module %s: %d issues: %s",
		ErrCodeValidation, e.Module, len(e.Issues), strings.Join(parts, "; "))
}
