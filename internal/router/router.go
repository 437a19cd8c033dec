// Package router turns external triggers into workflow instances. A trigger
// is matched against the routing-rule table and against SOPs that declare the
// trigger type; every match instantiates its own instance, so one event can
// fan out into several workflows.
package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/casaops/sopflow/internal/engine"
	"github.com/casaops/sopflow/internal/expressions"
	"github.com/casaops/sopflow/internal/registry"
	"github.com/casaops/sopflow/internal/store"
	"github.com/casaops/sopflow/pkg/schema"
)

// RoutingRule binds a trigger pattern to an SOP. When is an optional CEL
// predicate over the trigger payload and classification.
type RoutingRule struct {
	ID          string `json:"id"`
	TriggerType string `json:"trigger_type,omitempty"` // empty matches any type
	When        string `json:"when,omitempty"`
	SOPID       string `json:"sop_id"`
	SOPVersion  int    `json:"sop_version,omitempty"` // 0 = latest
}

// Router matches triggers to SOPs and starts instances.
type Router struct {
	registry   *registry.Registry
	executor   *engine.Executor
	classifier schema.Classifier
	cel        *expressions.CELEngine
	logger     *slog.Logger

	mu    sync.RWMutex
	rules []RoutingRule
}

// NewRouter creates a Router. classifier may be nil when triggers arrive
// pre-classified or rules do not inspect classification.
func NewRouter(reg *registry.Registry, exec *engine.Executor, classifier schema.Classifier, cel *expressions.CELEngine, logger *slog.Logger) *Router {
	return &Router{
		registry:   reg,
		executor:   exec,
		classifier: classifier,
		cel:        cel,
		logger:     logger,
	}
}

// SetRules replaces the routing-rule table.
func (r *Router) SetRules(rules []RoutingRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append([]RoutingRule(nil), rules...)
}

// AddRule appends a rule to the table.
func (r *Router) AddRule(rule RoutingRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

// Rules returns a copy of the current rule table.
func (r *Router) Rules() []RoutingRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]RoutingRule(nil), r.rules...)
}

// Route dispatches a trigger: classify it if needed, collect every matching
// SOP, and start one instance per match. A trigger matching nothing is not an
// error; it returns an empty slice.
func (r *Router) Route(ctx context.Context, trigger schema.Trigger) ([]*store.Instance, error) {
	if trigger.Type == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "trigger has no type")
	}

	r.classify(ctx, &trigger)

	targets, err := r.matchTargets(ctx, trigger)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		r.logger.InfoContext(ctx, "trigger matched no sop",
			slog.String("trigger_type", trigger.Type),
			slog.String("trigger_id", trigger.ID),
		)
		return nil, nil
	}

	instanceCtx := buildInstanceContext(trigger)

	instances := make([]*store.Instance, 0, len(targets))
	for _, t := range targets {
		sop, err := r.registry.Get(ctx, t.sopID, t.sopVersion)
		if err != nil {
			r.logger.ErrorContext(ctx, "routed sop not found",
				slog.String("sop_id", t.sopID),
				slog.String("error", err.Error()),
			)
			continue
		}
		inst, err := r.executor.StartInstance(ctx, sop, trigger, cloneMap(instanceCtx))
		if err != nil {
			return instances, err
		}
		instances = append(instances, inst)
	}

	r.logger.InfoContext(ctx, "trigger routed",
		slog.String("trigger_type", trigger.Type),
		slog.Int("instances", len(instances)),
	)
	return instances, nil
}

// classify fills in a missing classification from the configured classifier.
// Classification failure degrades to rule matching without it.
func (r *Router) classify(ctx context.Context, trigger *schema.Trigger) {
	if trigger.Classification != nil || r.classifier == nil {
		return
	}
	text, _ := trigger.Payload["description"].(string)
	if text == "" {
		text, _ = trigger.Payload["text"].(string)
	}
	if text == "" {
		return
	}
	cls, err := r.classifier.Classify(ctx, text)
	if err != nil {
		r.logger.WarnContext(ctx, "trigger classification failed", slog.String("error", err.Error()))
		return
	}
	trigger.Classification = &cls
}

type routeTarget struct {
	sopID      string
	sopVersion int
}

// matchTargets collects SOP targets from the rule table and from SOP trigger
// declarations, deduplicated by SOP ID (first match wins the version choice).
func (r *Router) matchTargets(ctx context.Context, trigger schema.Trigger) ([]routeTarget, error) {
	seen := make(map[string]bool)
	var targets []routeTarget

	for _, rule := range r.Rules() {
		if rule.TriggerType != "" && rule.TriggerType != trigger.Type {
			continue
		}
		if rule.When != "" {
			matched, err := r.cel.EvaluateBool(ctx, rule.When, ruleEnv(trigger))
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"routing rule %q predicate: %s", rule.ID, err.Error()).WithCause(err)
			}
			if !matched {
				continue
			}
		}
		if seen[rule.SOPID] {
			continue
		}
		seen[rule.SOPID] = true
		targets = append(targets, routeTarget{sopID: rule.SOPID, sopVersion: rule.SOPVersion})
	}

	declared, err := r.registry.ListByTrigger(ctx, trigger.Type)
	if err != nil {
		return nil, err
	}
	for _, sop := range declared {
		if seen[sop.ID] {
			continue
		}
		seen[sop.ID] = true
		targets = append(targets, routeTarget{sopID: sop.ID})
	}

	return targets, nil
}

func ruleEnv(trigger schema.Trigger) map[string]any {
	env := map[string]any{"trigger": trigger.Payload}
	if trigger.Classification != nil {
		env["classification"] = map[string]any{
			"category":   trigger.Classification.Category,
			"urgency":    trigger.Classification.Urgency,
			"confidence": trigger.Classification.Confidence,
		}
	}
	return env
}

// buildInstanceContext seeds the instance context from the trigger payload
// plus its classification.
func buildInstanceContext(trigger schema.Trigger) map[string]any {
	ctx := make(map[string]any, len(trigger.Payload)+1)
	for k, v := range trigger.Payload {
		ctx[k] = v
	}
	if trigger.Classification != nil {
		ctx["classification"] = map[string]any{
			"category":   trigger.Classification.Category,
			"urgency":    trigger.Classification.Urgency,
			"confidence": trigger.Classification.Confidence,
		}
	}
	return ctx
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
