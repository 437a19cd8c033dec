package schema

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusPending    InstanceStatus = "pending"
	InstanceStatusInProgress InstanceStatus = "in_progress"
	InstanceStatusWaiting    InstanceStatus = "waiting"
	InstanceStatusCompleted  InstanceStatus = "completed"
	InstanceStatusFailed     InstanceStatus = "failed"
	InstanceStatusCancelled  InstanceStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed || s == InstanceStatusCancelled
}

// ExecutionStatus represents the lifecycle state of a step execution.
type ExecutionStatus string

const (
	ExecStatusPending    ExecutionStatus = "pending"
	ExecStatusInProgress ExecutionStatus = "in_progress"
	ExecStatusCompleted  ExecutionStatus = "completed"
	ExecStatusFailed     ExecutionStatus = "failed"
	ExecStatusSkipped    ExecutionStatus = "skipped"
	ExecStatusTimeout    ExecutionStatus = "timeout"
)

// Terminal reports whether the execution status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecStatusCompleted, ExecStatusFailed, ExecStatusSkipped, ExecStatusTimeout:
		return true
	}
	return false
}

// ApprovalStatus represents the state of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// MessageType classifies inter-role agent messages.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeEscalation   MessageType = "escalation"
	MessageTypeNotification MessageType = "notification"
	MessageTypeHandoff      MessageType = "handoff"
)

// Event type constants published on the streaming hub and mirrored into
// message payloads for observability.
const (
	EventInstanceCreated   = "instance_created"
	EventInstanceStarted   = "instance_started"
	EventInstanceWaiting   = "instance_waiting"
	EventInstanceResumed   = "instance_resumed"
	EventInstanceCompleted = "instance_completed"
	EventInstanceFailed    = "instance_failed"
	EventInstanceCancelled = "instance_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepTimedOut  = "step_timed_out"

	EventApprovalRequested    = "approval_requested"
	EventApprovalAutoApproved = "approval_auto_approved"
	EventApprovalResolved     = "approval_resolved"
	EventApprovalEscalated    = "approval_escalated"

	EventSLABreached = "sla_breached"
)
