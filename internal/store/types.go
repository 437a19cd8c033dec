package store

import (
	"encoding/json"
	"time"

	"github.com/casaops/sopflow/pkg/schema"
)

// SOP is the persisted representation of a registered SOP version.
type SOP struct {
	ID         string               `json:"id"`
	Version    int                  `json:"version"`
	Name       string               `json:"name,omitempty"`
	Department string               `json:"department,omitempty"`
	Definition schema.SOPDefinition `json:"definition"`
	CreatedAt  time.Time            `json:"created_at"`
}

// Instance is the persisted representation of one running SOP execution.
type Instance struct {
	ID             string                `json:"id"`
	SOPID          string                `json:"sop_id"`
	SOPVersion     int                   `json:"sop_version"`
	TriggerType    string                `json:"trigger_type"`
	TriggerID      string                `json:"trigger_id"`
	Context        map[string]any        `json:"context,omitempty"`
	Status         schema.InstanceStatus `json:"status"`
	CurrentStepIDs []string              `json:"current_step_ids,omitempty"`
	CompletedSteps []string              `json:"completed_steps,omitempty"`
	StepResults    map[string]any        `json:"step_results,omitempty"`
	AssignedTo     string                `json:"assigned_to,omitempty"`
	CurrentRole    string                `json:"current_role,omitempty"`
	FailureReason  string                `json:"failure_reason,omitempty"`
	SLABreached    bool                  `json:"sla_breached,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	StartedAt      *time.Time            `json:"started_at,omitempty"`
	DueAt          *time.Time            `json:"due_at,omitempty"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// Execution is the runtime record of one step within one instance.
type Execution struct {
	ID           string                 `json:"id"`
	InstanceID   string                 `json:"instance_id"`
	StepID       string                 `json:"step_id"`
	Status       schema.ExecutionStatus `json:"status"`
	AssignedRole string                 `json:"assigned_role,omitempty"`
	AssignedUser string                 `json:"assigned_user,omitempty"`
	ActionsTaken []string               `json:"actions_taken,omitempty"`
	Result       json.RawMessage        `json:"result,omitempty"`
	Error        json.RawMessage        `json:"error,omitempty"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	TimeoutAt    *time.Time             `json:"timeout_at,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Approval is a persisted approval request within the escalation chain.
type Approval struct {
	ID                string                `json:"id"`
	ExecutionID       string                `json:"step_execution_id"`
	InstanceID        string                `json:"instance_id"`
	RequestedByRole   string                `json:"requested_by_role"`
	RequestedFromRole string                `json:"requested_from_role"`
	Amount            float64               `json:"amount"`
	Status            schema.ApprovalStatus `json:"status"`
	Chain             []string              `json:"chain,omitempty"` // remaining escalation chain beyond requested_from_role
	Notes             string                `json:"notes,omitempty"`
	ResolvedBy        string                `json:"resolved_by,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	ResolvedAt        *time.Time            `json:"resolved_at,omitempty"`
}

// Message is an append-only entry in the inter-role communication log.
// Only AcknowledgedAt and RespondedAt may be set after creation.
type Message struct {
	ID             string             `json:"id"`
	InstanceID     string             `json:"instance_id"`
	FromRole       string             `json:"from_role"`
	ToRole         string             `json:"to_role"`
	Type           schema.MessageType `json:"message_type"`
	Payload        json.RawMessage    `json:"payload,omitempty"`
	Status         string             `json:"status,omitempty"`
	Sequence       int64              `json:"sequence"`
	CreatedAt      time.Time          `json:"created_at"`
	AcknowledgedAt *time.Time         `json:"acknowledged_at,omitempty"`
	RespondedAt    *time.Time         `json:"responded_at,omitempty"`
}

// --- Filter and update types ---

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	Status      *schema.InstanceStatus `json:"status,omitempty"`
	Role        string                 `json:"role,omitempty"`
	TriggerID   string                 `json:"trigger_id,omitempty"`
	SOPID       string                 `json:"sop_id,omitempty"`
	ActiveOnly  bool                   `json:"active_only,omitempty"` // pending, in_progress, waiting
	DueBefore   *time.Time             `json:"due_before,omitempty"`
	SLABreached *bool                  `json:"sla_breached,omitempty"`
	Limit       int                    `json:"limit,omitempty"`
	Offset      int                    `json:"offset,omitempty"`
}

// InstanceUpdate specifies mutable fields of an instance.
type InstanceUpdate struct {
	Status         *schema.InstanceStatus `json:"status,omitempty"`
	Context        map[string]any         `json:"context,omitempty"`
	CurrentStepIDs *[]string              `json:"current_step_ids,omitempty"`
	CompletedSteps *[]string              `json:"completed_steps,omitempty"`
	StepResults    map[string]any         `json:"step_results,omitempty"`
	AssignedTo     *string                `json:"assigned_to,omitempty"`
	CurrentRole    *string                `json:"current_role,omitempty"`
	FailureReason  *string                `json:"failure_reason,omitempty"`
	SLABreached    *bool                  `json:"sla_breached,omitempty"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	DueAt          *time.Time             `json:"due_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	InstanceID     string                  `json:"instance_id,omitempty"`
	StepID         string                  `json:"step_id,omitempty"`
	Status         *schema.ExecutionStatus `json:"status,omitempty"`
	Role           string                  `json:"role,omitempty"`
	TimedOutBefore *time.Time              `json:"timed_out_before,omitempty"` // timeout_at < value, non-terminal only
	Limit          int                     `json:"limit,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status       *schema.ExecutionStatus `json:"status,omitempty"`
	AssignedRole *string                 `json:"assigned_role,omitempty"`
	AssignedUser *string                 `json:"assigned_user,omitempty"`
	ActionsTaken *[]string               `json:"actions_taken,omitempty"`
	Result       json.RawMessage         `json:"result,omitempty"`
	Error        json.RawMessage         `json:"error,omitempty"`
	StartedAt    *time.Time              `json:"started_at,omitempty"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
	TimeoutAt    *time.Time              `json:"timeout_at,omitempty"`
}

// ApprovalFilter specifies criteria for listing approvals.
type ApprovalFilter struct {
	InstanceID    string                 `json:"instance_id,omitempty"`
	ExecutionID   string                 `json:"step_execution_id,omitempty"`
	FromRole      string                 `json:"requested_from_role,omitempty"`
	Status        *schema.ApprovalStatus `json:"status,omitempty"`
	CreatedBefore *time.Time             `json:"created_before,omitempty"`
	Limit         int                    `json:"limit,omitempty"`
}

// ApprovalUpdate specifies mutable fields of an approval. FromRole and Chain
// change together when a starved request escalates to the next authority.
type ApprovalUpdate struct {
	Status     *schema.ApprovalStatus `json:"status,omitempty"`
	FromRole   *string                `json:"requested_from_role,omitempty"`
	Chain      *[]string              `json:"chain,omitempty"`
	Notes      *string                `json:"notes,omitempty"`
	ResolvedBy *string                `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
}

// SOPFilter specifies criteria for listing SOPs.
type SOPFilter struct {
	Department string `json:"department,omitempty"`
	Trigger    string `json:"trigger,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
