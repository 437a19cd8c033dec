// Package registry stores versioned, immutable SOP definitions. Registration
// is the only write path; a definition that passed validation is never
// altered, so in-flight instances always see the exact version they started
// against.
package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/casaops/sopflow/internal/hierarchy"
	"github.com/casaops/sopflow/internal/store"
	"github.com/casaops/sopflow/internal/validation"
	"github.com/casaops/sopflow/pkg/schema"
)

// SOPStore is the slice of the Store the registry needs.
type SOPStore interface {
	StoreSOP(ctx context.Context, sop *store.SOP) error
	GetSOP(ctx context.Context, id string, version int) (*store.SOP, error)
	ListSOPs(ctx context.Context, filter store.SOPFilter) ([]*store.SOP, error)
}

// Registry validates and stores SOP definitions.
type Registry struct {
	store     SOPStore
	validator *validation.SOPValidator
	resolver  *hierarchy.Resolver
	logger    *slog.Logger
}

// NewRegistry creates a Registry backed by the given store. The resolver is
// used to check role references at registration time.
func NewRegistry(s SOPStore, v *validation.SOPValidator, r *hierarchy.Resolver, logger *slog.Logger) *Registry {
	return &Registry{store: s, validator: v, resolver: r, logger: logger}
}

// Register validates def and stores it as a new immutable version of def.ID.
// Returns the assigned version.
func (r *Registry) Register(ctx context.Context, def *schema.SOPDefinition) (int, error) {
	if err := r.validator.ValidateDefinition(def); err != nil {
		return 0, err
	}
	graph, err := BuildGraph(def)
	if err != nil {
		return 0, err
	}
	if err := r.checkRoles(def, graph); err != nil {
		return 0, err
	}
	if def.TimeLimit != "" {
		if _, err := time.ParseDuration(def.TimeLimit); err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid time_limit %q: %s", def.TimeLimit, err.Error())
		}
	}

	version := 1
	if latest, err := r.store.GetSOP(ctx, def.ID, 0); err == nil {
		version = latest.Version + 1
	} else if schema.CodeOf(err) != schema.ErrCodeNotFound {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "lookup latest version: %s", err.Error()).WithCause(err)
	}

	def.Version = version
	rec := &store.SOP{
		ID:         def.ID,
		Version:    version,
		Name:       def.Name,
		Department: def.Department,
		Definition: *def,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.StoreSOP(ctx, rec); err != nil {
		return 0, err
	}

	r.logger.Info("sop registered",
		slog.String("sop_id", def.ID),
		slog.Int("version", version),
		slog.Int("steps", len(def.Steps)),
	)
	return version, nil
}

// checkRoles verifies that every role named by the definition exists.
func (r *Registry) checkRoles(def *schema.SOPDefinition, graph *StepGraph) error {
	check := func(role, where string) error {
		if role == "" {
			return nil
		}
		if _, err := r.resolver.Get(role); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"%s references unknown role %q", where, role)
		}
		return nil
	}

	for _, role := range def.RequiredRoles {
		if err := check(role, "required_roles"); err != nil {
			return err
		}
	}
	for _, role := range def.EscalationPath {
		if err := check(role, "escalation_path"); err != nil {
			return err
		}
	}
	for id, step := range graph.Steps {
		if err := check(step.AssignedRole, "step "+id); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the requested SOP version; version <= 0 means latest.
func (r *Registry) Get(ctx context.Context, id string, version int) (*store.SOP, error) {
	return r.store.GetSOP(ctx, id, version)
}

// ListByDepartment returns the newest version of every SOP in a department.
func (r *Registry) ListByDepartment(ctx context.Context, dept string) ([]*store.SOP, error) {
	all, err := r.store.ListSOPs(ctx, store.SOPFilter{Department: dept})
	if err != nil {
		return nil, err
	}
	return newestOnly(all), nil
}

// ListByTrigger returns the newest version of every SOP declaring the trigger type.
func (r *Registry) ListByTrigger(ctx context.Context, triggerType string) ([]*store.SOP, error) {
	all, err := r.store.ListSOPs(ctx, store.SOPFilter{Trigger: triggerType})
	if err != nil {
		return nil, err
	}
	return newestOnly(all), nil
}

// newestOnly keeps the highest version per SOP id, preserving encounter order.
func newestOnly(sops []*store.SOP) []*store.SOP {
	newest := make(map[string]*store.SOP, len(sops))
	var order []string
	for _, sop := range sops {
		cur, ok := newest[sop.ID]
		if !ok {
			order = append(order, sop.ID)
			newest[sop.ID] = sop
			continue
		}
		if sop.Version > cur.Version {
			newest[sop.ID] = sop
		}
	}
	out := make([]*store.SOP, 0, len(order))
	for _, id := range order {
		out = append(out, newest[id])
	}
	return out
}
