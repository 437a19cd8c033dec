package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// SOPs (immutable once stored)
	StoreSOP(ctx context.Context, sop *SOP) error
	GetSOP(ctx context.Context, id string, version int) (*SOP, error) // version 0 = latest
	ListSOPs(ctx context.Context, filter SOPFilter) ([]*SOP, error)

	// Instances
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)

	// Step executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Approvals
	CreateApproval(ctx context.Context, ap *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	UpdateApproval(ctx context.Context, id string, update ApprovalUpdate) error
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error)

	// Communication log (append-only)
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, instanceID string, since int64) ([]*Message, error)
	AcknowledgeMessage(ctx context.Context, id string) error
	MarkMessageResponded(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
