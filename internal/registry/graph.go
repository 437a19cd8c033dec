package registry

import (
	"sort"

	"github.com/casaops/sopflow/pkg/schema"
)

// StepGraph is the in-memory successor graph of an SOP definition.
// Built at registration and reused by the executor to walk next_steps.
type StepGraph struct {
	Steps  map[string]*schema.StepDefinition // step ID → definition
	Edges  map[string][]string               // step ID → successors (next_steps order preserved)
	Entry  string                            // entry step ID
	Sorted []string                          // topological order from the entry
}

// validStepTypes is the set of recognized step types.
var validStepTypes = map[schema.StepType]bool{
	schema.StepTypeHumanAction: true,
	schema.StepTypeAutomated:   true,
	schema.StepTypeDecision:    true,
	schema.StepTypeParallel:    true,
}

// BuildGraph parses an SOPDefinition into an executable StepGraph.
// It validates the definition, builds adjacency lists, performs topological
// sorting using Kahn's algorithm, and detects cycles and dangling references.
func BuildGraph(def *schema.SOPDefinition) (*StepGraph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "sop definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "sop has no steps")
	}

	g := &StepGraph{
		Steps: make(map[string]*schema.StepDefinition, len(def.Steps)),
		Edges: make(map[string][]string, len(def.Steps)),
	}

	// First pass: register all steps and check for duplicates.
	for i := range def.Steps {
		step := &def.Steps[i]

		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty ID", i)
		}
		if _, exists := g.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
		}

		// Default step type to human_action when empty.
		if step.Type == "" {
			step.Type = schema.StepTypeHumanAction
		}
		if !validStepTypes[step.Type] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has unknown type: %s", step.ID, step.Type)
		}

		g.Steps[step.ID] = step
	}

	// Second pass: validate type-specific constraints.
	for _, step := range g.Steps {
		if err := validateStepConfig(step); err != nil {
			return nil, err
		}
	}

	// Third pass: build adjacency lists and validate successor references.
	inDegree := make(map[string]int, len(g.Steps))
	for id := range g.Steps {
		inDegree[id] = 0
	}
	for id, step := range g.Steps {
		seen := make(map[string]bool, len(step.NextSteps))
		succs := make([]string, 0, len(step.NextSteps))
		for _, next := range step.NextSteps {
			if _, exists := g.Steps[next.StepID]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %s references non-existent next step: %s", id, next.StepID)
			}
			if next.StepID == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s links to itself", id)
			}
			if seen[next.StepID] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %s has duplicate next step: %s", id, next.StepID)
			}
			seen[next.StepID] = true
			succs = append(succs, next.StepID)
			inDegree[next.StepID]++
		}
		if step.OnRejected != "" {
			if _, exists := g.Steps[step.OnRejected]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %s references non-existent on_rejected step: %s", id, step.OnRejected)
			}
		}
		g.Edges[id] = succs
	}

	// Resolve the entry step: explicit, or the first declared step.
	entry := def.EntryStep
	if entry == "" {
		entry = def.Steps[0].ID
	}
	if _, ok := g.Steps[entry]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "entry step %s does not exist", entry)
	}
	g.Entry = entry

	// Kahn's algorithm: topological sort + cycle detection.
	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	sorted := make([]string, 0, len(g.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		succs := make([]string, len(g.Edges[node]))
		copy(succs, g.Edges[node])
		sort.Strings(succs)

		for _, succ := range succs {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if len(sorted) != len(g.Steps) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "sop step graph contains a cycle")
	}
	g.Sorted = sorted

	// Every step must be reachable from the entry; dangling islands are
	// registration-time mistakes, not runtime surprises.
	reachable := make(map[string]bool, len(g.Steps))
	stack := []string{entry}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[cur] {
			continue
		}
		reachable[cur] = true
		stack = append(stack, g.Edges[cur]...)
		if step := g.Steps[cur]; step.OnRejected != "" {
			stack = append(stack, step.OnRejected)
		}
	}
	for id := range g.Steps {
		if !reachable[id] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"step %s is unreachable from entry step %s", id, entry)
		}
	}

	return g, nil
}

// validateStepConfig checks type-specific constraints on a step definition.
func validateStepConfig(step *schema.StepDefinition) error {
	switch step.Type {
	case schema.StepTypeHumanAction, schema.StepTypeDecision:
		if step.AssignedRole == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"%s step %s has no assigned role", step.Type, step.ID)
		}

	case schema.StepTypeAutomated:
		if step.Action == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "automated step %s has no action name", step.ID)
		}

	case schema.StepTypeParallel:
		if len(step.NextSteps) < 2 {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"parallel step %s must fan out to at least two steps", step.ID)
		}
		for _, next := range step.NextSteps {
			if next.When != "" {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"parallel step %s cannot use branch predicates", step.ID)
			}
		}
	}

	if step.Approval != nil && step.Approval.AmountExpr == "" && step.Approval.Amount <= 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"step %s approval declares neither amount_expr nor amount", step.ID)
	}

	return nil
}

// Successors returns the NextStep entries for a step in declaration order.
func (g *StepGraph) Successors(stepID string) []schema.NextStep {
	step, ok := g.Steps[stepID]
	if !ok {
		return nil
	}
	return step.NextSteps
}
