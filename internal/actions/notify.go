package actions

import (
	"context"
	"encoding/json"

	"github.com/casaops/sopflow/internal/notify"
	"github.com/casaops/sopflow/pkg/schema"
)

const notifyInputSchema = `{
  "type": "object",
  "properties": {
    "to_role": {"type": "string"},
    "to_user": {"type": "string"},
    "channel": {"type": "string", "enum": ["email", "sms", "chat"], "default": "chat"},
    "template": {"type": "string"},
    "variables": {"type": "object"}
  },
  "required": ["template"]
}`

// NotifyAction implements the "notify" action: automated steps that send a
// templated notification through the external dispatcher.
type NotifyAction struct {
	dispatcher notify.Dispatcher
}

// NewNotifyAction creates a notify action over the given dispatcher.
func NewNotifyAction(d notify.Dispatcher) *NotifyAction {
	return &NotifyAction{dispatcher: d}
}

func (a *NotifyAction) Name() string { return "notify" }

func (a *NotifyAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Send a templated notification to a role or user.",
		InputSchema: json.RawMessage(notifyInputSchema),
	}
}

func (a *NotifyAction) Validate(params map[string]any) error {
	if stringParam(params, "template", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "notify: missing required param 'template'")
	}
	if stringParam(params, "to_role", "") == "" && stringParam(params, "to_user", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "notify: one of 'to_role' or 'to_user' is required")
	}
	return nil
}

func (a *NotifyAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	variables, _ := params["variables"].(map[string]any)
	req := schema.NotificationRequest{
		ToRole:    stringParam(params, "to_role", ""),
		ToUser:    stringParam(params, "to_user", ""),
		Channel:   stringParam(params, "channel", "chat"),
		Template:  stringParam(params, "template", ""),
		Variables: variables,
	}
	if err := a.dispatcher.Dispatch(ctx, req); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "notify: dispatch failed: %s", err.Error()).WithCause(err)
	}

	data, _ := json.Marshal(map[string]any{"dispatched": true, "template": req.Template})
	return &ActionOutput{Data: data}, nil
}
