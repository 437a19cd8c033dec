package actions

import (
	"context"
	"encoding/json"

	"github.com/casaops/sopflow/internal/expressions"
	"github.com/casaops/sopflow/pkg/schema"
)

const extractInputSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string"}
  },
  "required": ["query"]
}`

// ExtractAction implements the "extract" action: evaluate a jq query against
// the instance context and surface the output as the step result. Used to
// reshape prior step results for downstream predicates.
type ExtractAction struct {
	jq *expressions.GoJQEngine
}

// NewExtractAction creates an extract action over the given jq engine.
func NewExtractAction(jq *expressions.GoJQEngine) *ExtractAction {
	return &ExtractAction{jq: jq}
}

func (a *ExtractAction) Name() string { return "extract" }

func (a *ExtractAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Evaluate a jq query against the instance context.",
		InputSchema: json.RawMessage(extractInputSchema),
	}
}

func (a *ExtractAction) Validate(params map[string]any) error {
	if stringParam(params, "query", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "extract: missing required param 'query'")
	}
	return nil
}

func (a *ExtractAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	out, err := a.jq.Evaluate(ctx, stringParam(params, "query", ""), input.Context)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(map[string]any{"value": out})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "extract: marshal output: %s", err.Error()).WithCause(err)
	}
	return &ActionOutput{Data: data}, nil
}
