package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/casaops/sopflow/pkg/schema"
)

// sopSchemaJSON is the JSON Schema for SOPDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const sopSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://sopflow.dev/schemas/sop.json",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "version": { "type": "integer", "minimum": 0 },
    "name": { "type": "string" },
    "department": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "entry_step": { "type": "string" },
    "required_roles": {
      "type": "array",
      "items": { "type": "string" }
    },
    "escalation_path": {
      "type": "array",
      "items": { "type": "string" }
    },
    "time_limit": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    },
    "triggers": {
      "type": "array",
      "items": { "type": "string" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["human_action", "automated", "decision", "parallel"]
        },
        "assigned_role": { "type": "string" },
        "completion_criteria": { "type": "string" },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "on_timeout": {
          "type": "string",
          "enum": ["fail", "escalate"]
        },
        "next_steps": {
          "type": "array",
          "items": { "$ref": "#/$defs/next_step" }
        },
        "on_rejected": { "type": "string" },
        "approval": { "$ref": "#/$defs/approval" },
        "action": { "type": "string" },
        "params": {},
        "retry": { "$ref": "#/$defs/retry" },
        "best_effort": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "next_step": {
      "type": "object",
      "required": ["step_id"],
      "properties": {
        "step_id": { "type": "string", "minLength": 1 },
        "when": { "type": "string" }
      },
      "additionalProperties": false
    },
    "approval": {
      "type": "object",
      "properties": {
        "amount_expr": { "type": "string" },
        "amount": { "type": "number", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": { "type": "integer", "minimum": 0 },
        "backoff": {
          "type": "string",
          "enum": ["none", "linear", "exponential"]
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// SOPValidator validates SOP definitions against the embedded JSON Schema.
// It is safe for concurrent use.
type SOPValidator struct {
	sopSchema *jsonschema.Schema
}

// NewSOPValidator creates a new SOPValidator with the SOP schema pre-compiled.
func NewSOPValidator() (*SOPValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(sopSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal sop schema: %w", err)
	}
	if err := c.AddResource("https://sopflow.dev/schemas/sop.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add sop schema resource: %w", err)
	}

	compiled, err := c.Compile("https://sopflow.dev/schemas/sop.json")
	if err != nil {
		return nil, fmt.Errorf("compile sop schema: %w", err)
	}

	return &SOPValidator{sopSchema: compiled}, nil
}

// ValidateDefinition validates an SOPDefinition against the SOP JSON Schema.
func (v *SOPValidator) ValidateDefinition(def *schema.SOPDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "sop definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize sop definition").WithCause(err)
	}

	if err := v.sopSchema.Validate(doc); err != nil {
		return toEngineError(err)
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

// toEngineError converts a jsonschema.ValidationError into an EngineError
// with clear, actionable messages.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
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
