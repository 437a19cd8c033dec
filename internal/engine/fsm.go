package engine

import (
	"context"
	"sync"

	"github.com/casaops/sopflow/internal/streaming"
	"github.com/casaops/sopflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// --- Instance FSM ---

type instanceHookKey struct {
	from, to schema.InstanceStatus
}

// InstanceFSM validates workflow-instance lifecycle transitions and publishes
// the corresponding lifecycle event on the hub. Persisting the new state is
// the caller's responsibility.
type InstanceFSM struct {
	mu     sync.Mutex
	hub    streaming.EventHub
	before map[instanceHookKey][]TransitionHook
	after  map[instanceHookKey][]TransitionHook
}

// NewInstanceFSM creates an InstanceFSM publishing events on hub.
func NewInstanceFSM(hub streaming.EventHub) *InstanceFSM {
	return &InstanceFSM{
		hub:    hub,
		before: make(map[instanceHookKey][]TransitionHook),
		after:  make(map[instanceHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before an instance transition.
func (f *InstanceFSM) OnBefore(from, to schema.InstanceStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := instanceHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after an instance transition.
func (f *InstanceFSM) OnAfter(from, to schema.InstanceStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := instanceHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes an instance state transition.
// An illegal transition is a CONFLICT: the caller raced another actor or is
// acting on a terminal instance.
func (f *InstanceFSM) Transition(ctx context.Context, instanceID string, from, to schema.InstanceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidInstanceTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"illegal instance transition: %s -> %s", from, to).
			WithDetails(map[string]any{"instance_id": instanceID, "from": string(from), "to": string(to)})
	}

	key := instanceHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := instanceEventType(from, to); eventType != "" && f.hub != nil {
		_ = f.hub.Publish(ctx, streaming.StreamEvent{
			InstanceID: instanceID,
			EventType:  eventType,
		})
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidInstanceTransition(from, to schema.InstanceStatus) bool {
	allowed, ok := ValidInstanceTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func instanceEventType(from, to schema.InstanceStatus) string {
	switch to {
	case schema.InstanceStatusInProgress:
		if from == schema.InstanceStatusWaiting {
			return schema.EventInstanceResumed
		}
		return schema.EventInstanceStarted
	case schema.InstanceStatusWaiting:
		return schema.EventInstanceWaiting
	case schema.InstanceStatusCompleted:
		return schema.EventInstanceCompleted
	case schema.InstanceStatusFailed:
		return schema.EventInstanceFailed
	case schema.InstanceStatusCancelled:
		return schema.EventInstanceCancelled
	default:
		return ""
	}
}

// --- Execution FSM ---

type executionHookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM validates step-execution lifecycle transitions and publishes
// the corresponding step event on the hub.
type ExecutionFSM struct {
	mu     sync.Mutex
	hub    streaming.EventHub
	before map[executionHookKey][]TransitionHook
	after  map[executionHookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM publishing events on hub.
func NewExecutionFSM(hub streaming.EventHub) *ExecutionFSM {
	return &ExecutionFSM{
		hub:    hub,
		before: make(map[executionHookKey][]TransitionHook),
		after:  make(map[executionHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before an execution transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after an execution transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes an execution state transition.
func (f *ExecutionFSM) Transition(ctx context.Context, instanceID, stepID string, from, to schema.ExecutionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"illegal execution transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"instance_id": instanceID, "from": string(from), "to": string(to)})
	}

	key := executionHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := executionEventType(to); eventType != "" && f.hub != nil {
		_ = f.hub.Publish(ctx, streaming.StreamEvent{
			InstanceID: instanceID,
			StepID:     stepID,
			EventType:  eventType,
		})
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := ValidExecutionTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func executionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecStatusInProgress:
		return schema.EventStepStarted
	case schema.ExecStatusCompleted:
		return schema.EventStepCompleted
	case schema.ExecStatusFailed:
		return schema.EventStepFailed
	case schema.ExecStatusSkipped:
		return schema.EventStepSkipped
	case schema.ExecStatusTimeout:
		return schema.EventStepTimedOut
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidInstanceTransitions defines the allowed instance state transitions.
// Any non-terminal status may be cancelled; terminal statuses admit nothing.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceStatusPending:    {schema.InstanceStatusInProgress, schema.InstanceStatusFailed, schema.InstanceStatusCancelled},
	schema.InstanceStatusInProgress: {schema.InstanceStatusWaiting, schema.InstanceStatusCompleted, schema.InstanceStatusFailed, schema.InstanceStatusCancelled},
	schema.InstanceStatusWaiting:    {schema.InstanceStatusInProgress, schema.InstanceStatusFailed, schema.InstanceStatusCancelled},
	schema.InstanceStatusCompleted:  {},
	schema.InstanceStatusFailed:     {},
	schema.InstanceStatusCancelled:  {},
}

// ValidExecutionTransitions defines the allowed execution state transitions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecStatusPending:    {schema.ExecStatusInProgress, schema.ExecStatusSkipped, schema.ExecStatusTimeout},
	schema.ExecStatusInProgress: {schema.ExecStatusCompleted, schema.ExecStatusFailed, schema.ExecStatusSkipped, schema.ExecStatusTimeout},
	schema.ExecStatusCompleted:  {},
	schema.ExecStatusFailed:     {},
	schema.ExecStatusSkipped:    {},
	schema.ExecStatusTimeout:    {},
}
