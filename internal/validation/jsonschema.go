package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/carepath/pkg/schema"
)

// moduleSchemaJSON is the JSON Schema for raw module documents. It checks
// shape only; graph rules live in ValidateModule.
const moduleSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://carepath.dev/schemas/module.json",
  "type": "object",
  "required": ["states"],
  "properties": {
    "name": { "type": "string" },
    "description": { "type": "string" },
    "version": { "type": ["string", "number"] },
    "remarks": {},
    "categories": {
      "type": "object",
      "propertyNames": {
        "enum": ["encounters", "conditions", "medications", "observations", "procedures", "immunizations", "care_plans"]
      },
      "additionalProperties": { "enum": ["replace", "augment"] }
    },
    "states": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": { "$ref": "#/$defs/state" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "state": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "minLength": 1 },
        "transitions": { "$ref": "#/$defs/transitions" },
        "branches": { "$ref": "#/$defs/transitions" },
        "advance_days": { "$ref": "#/$defs/number_or_param" },
        "assign_to_attribute": { "type": "string", "minLength": 1 },
        "referenced_by_attribute": { "type": "string", "minLength": 1 },
        "module": { "type": "string" }
      },
      "not": { "required": ["transitions", "branches"] }
    },
    "transitions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "to": { "type": "string" },
          "condition": { "$ref": "#/$defs/condition" }
        }
      }
    },
    "condition": {
      "type": "object",
      "properties": {
        "attribute": { "type": "string", "minLength": 1 },
        "operator": { "enum": ["==", "!=", "<", "<=", ">", ">=", "is nil", "is not nil"] },
        "expression": { "type": "string", "minLength": 1 }
      },
      "oneOf": [
        { "required": ["attribute", "operator"] },
        { "required": ["expression"] }
      ]
    },
    "number_or_param": {
      "oneOf": [
        { "type": "number", "minimum": 0 },
        { "type": "object", "required": ["use"], "properties": { "use": { "type": "string" } }, "additionalProperties": false }
      ]
    }
  }
}`

// DocumentValidator checks raw module documents against the module JSON Schema.
// It is safe for concurrent use.
type DocumentValidator struct {
	moduleSchema *jsonschema.Schema
}

// NewDocumentValidator compiles the embedded module schema.
func NewDocumentValidator() (*DocumentValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(moduleSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal module schema: %w", err)
	}
	if err := c.AddResource("https://carepath.dev/schemas/module.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add module schema resource: %w", err)
	}

	compiled, err := c.Compile("https://carepath.dev/schemas/module.json")
	if err != nil {
		return nil, fmt.Errorf("compile module schema: %w", err)
	}

	return &DocumentValidator{moduleSchema: compiled}, nil
}

// ValidateDocument validates a decoded module document (maps, slices, scalars).
func (v *DocumentValidator) ValidateDocument(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeParse, "module document is empty")
	}

	val, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeParse, "module document is not JSON-compatible").WithCause(err)
	}

	if err := v.moduleSchema.Validate(val); err != nil {
		return toModuleError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toModuleError converts a jsonschema.ValidationError into a ModuleError
// listing every leaf violation.
func toModuleError(err error) *schema.ModuleError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeParse, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeParse, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeParse, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("module document has %d structural errors", len(violations))
	return schema.NewError(schema.ErrCodeParse, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
