package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casaops/sopflow/pkg/schema"
)

// MemoryStore is an in-memory Store. It backs tests and the ephemeral mode;
// semantics match LibSQLStore, with insertion order standing in for the
// created_at ordering of the SQL queries.
type MemoryStore struct {
	mu         sync.RWMutex
	sops       []*SOP
	instances  []*Instance
	executions []*Execution
	approvals  []*Approval
	messages   []*Message
	sequences  map[string]int64 // instanceID → last message sequence
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sequences: make(map[string]int64)}
}

// --- SOPs ---

func (m *MemoryStore) StoreSOP(_ context.Context, sop *SOP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sops {
		if existing.ID == sop.ID && existing.Version == sop.Version {
			return schema.NewErrorf(schema.ErrCodeConflict, "sop %s version %d already exists", sop.ID, sop.Version)
		}
	}
	cp := *sop
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.sops = append(m.sops, &cp)
	return nil
}

func (m *MemoryStore) GetSOP(_ context.Context, id string, version int) (*SOP, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *SOP
	for _, sop := range m.sops {
		if sop.ID != id {
			continue
		}
		if version != 0 {
			if sop.Version == version {
				cp := *sop
				return &cp, nil
			}
			continue
		}
		if best == nil || sop.Version > best.Version {
			best = sop
		}
	}
	if best == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "sop %s version %d not found", id, version)
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) ListSOPs(_ context.Context, filter SOPFilter) ([]*SOP, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// Latest version per SOP ID, like the SQL grouping.
	latest := make(map[string]*SOP)
	var order []string
	for _, sop := range m.sops {
		if filter.Department != "" && sop.Department != filter.Department {
			continue
		}
		if filter.Trigger != "" && !containsTrigger(sop.Definition.Triggers, filter.Trigger) {
			continue
		}
		if cur, ok := latest[sop.ID]; !ok || sop.Version > cur.Version {
			if !ok {
				order = append(order, sop.ID)
			}
			latest[sop.ID] = sop
		}
	}
	out := make([]*SOP, 0, len(order))
	for _, id := range order {
		cp := *latest[id]
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func containsTrigger(triggers []string, t string) bool {
	for _, v := range triggers {
		if v == t {
			return true
		}
	}
	return false
}

// --- Instances ---

func (m *MemoryStore) CreateInstance(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.instances {
		if existing.ID == inst.ID {
			return schema.NewErrorf(schema.ErrCodeConflict, "instance %s already exists", inst.ID)
		}
	}
	cp := copyInstance(inst)
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.instances = append(m.instances, cp)
	return nil
}

func (m *MemoryStore) GetInstance(_ context.Context, id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst := m.findInstance(id)
	if inst == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "instance %s not found", id)
	}
	return copyInstance(inst), nil
}

func (m *MemoryStore) UpdateInstance(_ context.Context, id string, update InstanceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.findInstance(id)
	if inst == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "instance %s not found", id)
	}
	if update.Status != nil {
		inst.Status = *update.Status
	}
	if update.Context != nil {
		inst.Context = copyAnyMap(update.Context)
	}
	if update.CurrentStepIDs != nil {
		inst.CurrentStepIDs = append([]string(nil), *update.CurrentStepIDs...)
	}
	if update.CompletedSteps != nil {
		inst.CompletedSteps = append([]string(nil), *update.CompletedSteps...)
	}
	if update.StepResults != nil {
		inst.StepResults = copyAnyMap(update.StepResults)
	}
	if update.AssignedTo != nil {
		inst.AssignedTo = *update.AssignedTo
	}
	if update.CurrentRole != nil {
		inst.CurrentRole = *update.CurrentRole
	}
	if update.FailureReason != nil {
		inst.FailureReason = *update.FailureReason
	}
	if update.SLABreached != nil {
		inst.SLABreached = *update.SLABreached
	}
	if update.StartedAt != nil {
		inst.StartedAt = update.StartedAt
	}
	if update.DueAt != nil {
		inst.DueAt = update.DueAt
	}
	if update.CompletedAt != nil {
		inst.CompletedAt = update.CompletedAt
	}
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Instance
	skipped := 0
	for _, inst := range m.instances {
		if !matchInstance(inst, filter) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, copyInstance(inst))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func matchInstance(inst *Instance, filter InstanceFilter) bool {
	if filter.Status != nil && inst.Status != *filter.Status {
		return false
	}
	if filter.ActiveOnly && inst.Status.Terminal() {
		return false
	}
	if filter.Role != "" && inst.CurrentRole != filter.Role {
		return false
	}
	if filter.TriggerID != "" && inst.TriggerID != filter.TriggerID {
		return false
	}
	if filter.SOPID != "" && inst.SOPID != filter.SOPID {
		return false
	}
	if filter.DueBefore != nil && (inst.DueAt == nil || !inst.DueAt.Before(*filter.DueBefore)) {
		return false
	}
	if filter.SLABreached != nil && inst.SLABreached != *filter.SLABreached {
		return false
	}
	return true
}

func (m *MemoryStore) findInstance(id string) *Instance {
	for _, inst := range m.instances {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}

// copyInstance detaches the slice and map backing so callers mutating the
// returned value (or the one they passed in) cannot reach stored state.
func copyInstance(inst *Instance) *Instance {
	cp := *inst
	cp.Context = copyAnyMap(inst.Context)
	cp.StepResults = copyAnyMap(inst.StepResults)
	cp.CurrentStepIDs = append([]string(nil), inst.CurrentStepIDs...)
	cp.CompletedSteps = append([]string(nil), inst.CompletedSteps...)
	return &cp
}

func copyAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// --- Executions ---

func (m *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.executions {
		if existing.ID == exec.ID {
			return schema.NewErrorf(schema.ErrCodeConflict, "execution %s already exists", exec.ID)
		}
	}
	cp := copyExecution(exec)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.executions = append(m.executions, cp)
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, exec := range m.executions {
		if exec.ID == id {
			return copyExecution(exec), nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
}

func (m *MemoryStore) UpdateExecution(_ context.Context, id string, update ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, exec := range m.executions {
		if exec.ID != id {
			continue
		}
		if update.Status != nil {
			exec.Status = *update.Status
		}
		if update.AssignedRole != nil {
			exec.AssignedRole = *update.AssignedRole
		}
		if update.AssignedUser != nil {
			exec.AssignedUser = *update.AssignedUser
		}
		if update.ActionsTaken != nil {
			exec.ActionsTaken = append([]string(nil), *update.ActionsTaken...)
		}
		if update.Result != nil {
			exec.Result = append(json.RawMessage(nil), update.Result...)
		}
		if update.Error != nil {
			exec.Error = append(json.RawMessage(nil), update.Error...)
		}
		if update.StartedAt != nil {
			exec.StartedAt = update.StartedAt
		}
		if update.CompletedAt != nil {
			exec.CompletedAt = update.CompletedAt
		}
		if update.TimeoutAt != nil {
			exec.TimeoutAt = update.TimeoutAt
		}
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Execution
	for _, exec := range m.executions {
		if !matchExecution(exec, filter) {
			continue
		}
		out = append(out, copyExecution(exec))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func matchExecution(exec *Execution, filter ExecutionFilter) bool {
	if filter.InstanceID != "" && exec.InstanceID != filter.InstanceID {
		return false
	}
	if filter.StepID != "" && exec.StepID != filter.StepID {
		return false
	}
	if filter.Status != nil && exec.Status != *filter.Status {
		return false
	}
	if filter.Role != "" && exec.AssignedRole != filter.Role {
		return false
	}
	if filter.TimedOutBefore != nil {
		open := exec.Status == schema.ExecStatusPending || exec.Status == schema.ExecStatusInProgress
		if !open || exec.TimeoutAt == nil || !exec.TimeoutAt.Before(*filter.TimedOutBefore) {
			return false
		}
	}
	return true
}

func copyExecution(exec *Execution) *Execution {
	cp := *exec
	cp.ActionsTaken = append([]string(nil), exec.ActionsTaken...)
	cp.Result = append(json.RawMessage(nil), exec.Result...)
	cp.Error = append(json.RawMessage(nil), exec.Error...)
	return &cp
}

// --- Approvals ---

func (m *MemoryStore) CreateApproval(_ context.Context, ap *Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.approvals {
		if existing.ID == ap.ID {
			return schema.NewErrorf(schema.ErrCodeConflict, "approval %s already exists", ap.ID)
		}
	}
	cp := *ap
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.Chain = append([]string(nil), ap.Chain...)
	m.approvals = append(m.approvals, &cp)
	return nil
}

func (m *MemoryStore) GetApproval(_ context.Context, id string) (*Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ap := range m.approvals {
		if ap.ID == id {
			cp := *ap
			cp.Chain = append([]string(nil), ap.Chain...)
			return &cp, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "approval %s not found", id)
}

func (m *MemoryStore) UpdateApproval(_ context.Context, id string, update ApprovalUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ap := range m.approvals {
		if ap.ID != id {
			continue
		}
		if update.Status != nil {
			ap.Status = *update.Status
		}
		if update.FromRole != nil {
			ap.RequestedFromRole = *update.FromRole
		}
		if update.Chain != nil {
			ap.Chain = append([]string(nil), *update.Chain...)
		}
		if update.Notes != nil {
			ap.Notes = *update.Notes
		}
		if update.ResolvedBy != nil {
			ap.ResolvedBy = *update.ResolvedBy
		}
		if update.ResolvedAt != nil {
			ap.ResolvedAt = update.ResolvedAt
		}
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "approval %s not found", id)
}

func (m *MemoryStore) ListApprovals(_ context.Context, filter ApprovalFilter) ([]*Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Approval
	for _, ap := range m.approvals {
		if !matchApproval(ap, filter) {
			continue
		}
		cp := *ap
		cp.Chain = append([]string(nil), ap.Chain...)
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func matchApproval(ap *Approval, filter ApprovalFilter) bool {
	if filter.InstanceID != "" && ap.InstanceID != filter.InstanceID {
		return false
	}
	if filter.ExecutionID != "" && ap.ExecutionID != filter.ExecutionID {
		return false
	}
	if filter.FromRole != "" && ap.RequestedFromRole != filter.FromRole {
		return false
	}
	if filter.Status != nil && ap.Status != *filter.Status {
		return false
	}
	if filter.CreatedBefore != nil && !ap.CreatedAt.Before(*filter.CreatedBefore) {
		return false
	}
	return true
}

// --- Communication log ---

func (m *MemoryStore) AppendMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.InstanceID == "" {
		return fmt.Errorf("message has no instance_id")
	}
	m.sequences[msg.InstanceID]++
	msg.Sequence = m.sequences[msg.InstanceID]
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	cp := *msg
	m.messages = append(m.messages, &cp)
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, instanceID string, since int64) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Message
	for _, msg := range m.messages {
		if msg.InstanceID == instanceID && msg.Sequence > since {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) AcknowledgeMessage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ID == id {
			now := time.Now().UTC()
			msg.AcknowledgedAt = &now
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "message %s not found", id)
}

func (m *MemoryStore) MarkMessageResponded(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ID == id {
			now := time.Now().UTC()
			msg.RespondedAt = &now
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "message %s not found", id)
}

// --- Maintenance ---

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Vacuum(context.Context) error  { return nil }
func (m *MemoryStore) Close() error                  { return nil }

var _ Store = (*MemoryStore)(nil)
