package actions

import (
	"context"
	"encoding/json"

	"github.com/casaops/sopflow/internal/expressions"
	"github.com/casaops/sopflow/internal/notify"
)

// RegisterBuiltins registers the standard action set on the registry.
func RegisterBuiltins(r *Registry, dispatcher notify.Dispatcher, jq *expressions.GoJQEngine, webhookCfg WebhookConfig) error {
	for _, a := range []Action{
		NewWebhookAction(webhookCfg),
		NewNotifyAction(dispatcher),
		NewExtractAction(jq),
		NoopAction{},
	} {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// NoopAction implements the "noop" action. It completes immediately and
// echoes its params, useful as a marker step in SOP definitions.
type NoopAction struct{}

func (NoopAction) Name() string { return "noop" }

func (NoopAction) Schema() ActionSchema {
	return ActionSchema{Description: "Complete immediately, echoing params."}
}

func (NoopAction) Validate(params map[string]any) error { return nil }

func (NoopAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if len(input.Params) == 0 {
		return &ActionOutput{}, nil
	}
	data, err := json.Marshal(input.Params)
	if err != nil {
		return nil, err
	}
	return &ActionOutput{Data: data}, nil
}
