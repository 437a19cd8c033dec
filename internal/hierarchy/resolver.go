// Package hierarchy resolves approval escalation chains over the role
// reports_to graph. The resolver is immutable after construction and safe
// for concurrent use.
package hierarchy

import (
	"github.com/casaops/sopflow/pkg/schema"
)

// Resolver computes escalation chains over a validated role hierarchy.
type Resolver struct {
	roles map[string]*schema.RoleDefinition
	root  string
	depth int
}

// NewResolver validates the role configuration and builds a Resolver.
// The reports_to graph must be acyclic and rooted at exactly one role with
// unlimited approval authority.
func NewResolver(roles []schema.RoleDefinition) (*Resolver, error) {
	if len(roles) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "role configuration is empty")
	}

	byID := make(map[string]*schema.RoleDefinition, len(roles))
	for i := range roles {
		r := &roles[i]
		if r.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "role has empty id")
		}
		if _, exists := byID[r.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate role id: %s", r.ID)
		}
		byID[r.ID] = r
	}

	var root string
	for id, r := range byID {
		if r.ReportsTo == "" {
			if !r.Unlimited() {
				return nil, schema.NewErrorf(schema.ErrCodeAuthorityResolution,
					"root role %s has a bounded approval limit", id)
			}
			if root != "" {
				return nil, schema.NewErrorf(schema.ErrCodeAuthorityResolution,
					"multiple root roles: %s and %s", root, id)
			}
			root = id
			continue
		}
		if _, ok := byID[r.ReportsTo]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"role %s reports to unknown role %s", id, r.ReportsTo)
		}
		if r.Unlimited() {
			return nil, schema.NewErrorf(schema.ErrCodeAuthorityResolution,
				"non-root role %s has unlimited approval authority", id)
		}
	}
	if root == "" {
		return nil, schema.NewError(schema.ErrCodeAuthorityResolution,
			"role hierarchy has no unlimited root role")
	}

	// Walk every role to the root; bounded walk doubles as cycle detection.
	depth := 0
	for id := range byID {
		d, err := walkToRoot(byID, id)
		if err != nil {
			return nil, err
		}
		if d > depth {
			depth = d
		}
	}

	return &Resolver{roles: byID, root: root, depth: depth}, nil
}

// walkToRoot returns the number of reports_to hops from id to the root.
func walkToRoot(byID map[string]*schema.RoleDefinition, id string) (int, error) {
	hops := 0
	cur := id
	for {
		r := byID[cur]
		if r.ReportsTo == "" {
			return hops, nil
		}
		hops++
		if hops > len(byID) {
			return 0, schema.NewErrorf(schema.ErrCodeCycleDetected,
				"role hierarchy contains a cycle through %s", id)
		}
		cur = r.ReportsTo
	}
}

// Get returns the role definition for id, or a NOT_FOUND error.
func (r *Resolver) Get(id string) (*schema.RoleDefinition, error) {
	role, ok := r.roles[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "role %q not found", id)
	}
	return role, nil
}

// Root returns the ID of the unlimited-authority root role.
func (r *Resolver) Root() string { return r.root }

// Depth returns the maximum number of reports_to hops in the hierarchy.
// Every escalation chain terminates within this many hops.
func (r *Resolver) Depth() int { return r.depth }

// Roles returns all role definitions, keyed by ID. The map must not be mutated.
func (r *Resolver) Roles() map[string]*schema.RoleDefinition { return r.roles }

// ResolveEscalation returns the ordered chain of roles from roleID's parent
// upward, stopping at the first role whose approval limit covers amount, or
// at the root otherwise. Callers must only invoke it when roleID's own limit
// is insufficient; the chain is therefore always non-empty.
func (r *Resolver) ResolveEscalation(roleID string, amount float64) ([]string, error) {
	role, err := r.Get(roleID)
	if err != nil {
		return nil, err
	}

	var chain []string
	cur := role.ReportsTo
	for cur != "" {
		next, ok := r.roles[cur]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "role %q not found", cur)
		}
		chain = append(chain, cur)
		if next.Covers(amount) {
			return chain, nil
		}
		if len(chain) > len(r.roles) {
			// Unreachable after construction-time validation; defensive against
			// a resolver built over mutated configuration.
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
				"escalation from %s did not terminate", roleID)
		}
		cur = next.ReportsTo
	}

	if len(chain) == 0 {
		// roleID is the root; its unlimited authority covers any amount, so a
		// correct caller never reaches here.
		return nil, schema.NewErrorf(schema.ErrCodeInvariantViolation,
			"escalation requested for root role %s", roleID)
	}
	return chain, nil
}
