package schema

import "encoding/json"

// SOPDefinition is the JSON-serializable standard operating procedure format.
// Operators provide this via sopflow.register (CLI or MCP). Once a version is
// accepted it is immutable; re-registering the same ID creates a new version.
type SOPDefinition struct {
	ID             string           `json:"id"`
	Version        int              `json:"version,omitempty"` // assigned by the registry
	Name           string           `json:"name,omitempty"`
	Department     string           `json:"department,omitempty"`
	Steps          []StepDefinition `json:"steps"`
	EntryStep      string           `json:"entry_step,omitempty"` // default: first declared step
	RequiredRoles  []string         `json:"required_roles,omitempty"`
	EscalationPath []string         `json:"escalation_path,omitempty"`
	TimeLimit      string           `json:"time_limit,omitempty"` // SLA window, e.g. "48h"
	Triggers       []string         `json:"triggers,omitempty"`   // trigger types this SOP responds to
	Metadata       map[string]any   `json:"metadata,omitempty"`
}

// StepDefinition describes a single step in an SOP.
type StepDefinition struct {
	ID                 string          `json:"id"`
	Type               StepType        `json:"type,omitempty"` // human_action, automated, decision, parallel (default: human_action)
	AssignedRole       string          `json:"assigned_role,omitempty"`
	CompletionCriteria string          `json:"completion_criteria,omitempty"` // CEL over result/context
	Timeout            string          `json:"timeout,omitempty"`             // e.g. "30m"
	OnTimeout          string          `json:"on_timeout,omitempty"`          // escalate | fail (default: fail)
	NextSteps          []NextStep      `json:"next_steps,omitempty"`
	OnRejected         string          `json:"on_rejected,omitempty"` // step ID to jump to when approval is rejected
	Approval           *ApprovalSpec   `json:"approval,omitempty"`
	Action             string          `json:"action,omitempty"` // action name for automated steps
	Params             json.RawMessage `json:"params,omitempty"` // action-specific parameters
	Retry              *RetryPolicy    `json:"retry,omitempty"`  // automated steps only
	BestEffort         bool            `json:"best_effort,omitempty"`
}

// NextStep is one successor candidate. When is an expr predicate over instance
// context; candidates without a predicate are default candidates. If no
// predicate matches, the first declared successor is used.
type NextStep struct {
	StepID string `json:"step_id"`
	When   string `json:"when,omitempty"`
}

// ApprovalSpec declares that completing the step requires authority.
// AmountExpr is a jq expression extracting the amount from the step result.
type ApprovalSpec struct {
	AmountExpr string  `json:"amount_expr,omitempty"`
	Amount     float64 `json:"amount,omitempty"` // fixed amount when AmountExpr is empty
}

// StepType enumerates the kinds of steps in an SOP.
type StepType string

const (
	StepTypeHumanAction StepType = "human_action"
	StepTypeAutomated   StepType = "automated"
	StepTypeDecision    StepType = "decision"
	StepTypeParallel    StepType = "parallel"
)

// RetryPolicy configures retry behavior for an automated step.
type RetryPolicy struct {
	Max     int    `json:"max"`               // max retry attempts
	Backoff string `json:"backoff,omitempty"` // none | linear | exponential (default: none)
	Delay   string `json:"delay,omitempty"`   // initial delay (e.g. "1s", "500ms")
}

// OnTimeout behaviors for a step past its timeout.
const (
	OnTimeoutFail     = "fail"
	OnTimeoutEscalate = "escalate"
)

// RoleDefinition is one entry in the role hierarchy configuration.
// A nil ApprovalLimit means unlimited authority; exactly one such role must
// exist and it must be the root of the reports_to graph.
type RoleDefinition struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	Department    string   `json:"department,omitempty"`
	ApprovalLimit *float64 `json:"approval_limit,omitempty"`
	ReportsTo     string   `json:"reports_to,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	Users         []string `json:"users,omitempty"` // users that can act for this role
}

// Unlimited reports whether the role has unbounded approval authority.
func (r *RoleDefinition) Unlimited() bool {
	return r.ApprovalLimit == nil
}

// Covers reports whether the role may approve the given amount on its own.
func (r *RoleDefinition) Covers(amount float64) bool {
	return r.ApprovalLimit == nil || *r.ApprovalLimit >= amount
}
