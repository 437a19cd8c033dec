package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/casaops/sopflow/internal/actions"
	"github.com/casaops/sopflow/internal/approval"
	"github.com/casaops/sopflow/internal/commlog"
	"github.com/casaops/sopflow/internal/expressions"
	"github.com/casaops/sopflow/internal/hierarchy"
	"github.com/casaops/sopflow/internal/registry"
	"github.com/casaops/sopflow/internal/store"
	"github.com/casaops/sopflow/internal/streaming"
	"github.com/casaops/sopflow/internal/validation"
	"github.com/casaops/sopflow/internal/workload"
	"github.com/casaops/sopflow/pkg/schema"
)

func limit(v float64) *float64 { return &v }

func testRoles() []schema.RoleDefinition {
	return []schema.RoleDefinition{
		{ID: "maintenance_tech", ApprovalLimit: limit(500), ReportsTo: "property_manager", Users: []string{"sam", "alex"}},
		{ID: "leasing_agent", ApprovalLimit: limit(1000), ReportsTo: "property_manager"},
		{ID: "property_manager", ApprovalLimit: limit(5000), ReportsTo: "regional_director", Users: []string{"morgan"}},
		{ID: "regional_director", ApprovalLimit: limit(25000), ReportsTo: "vp_operations"},
		{ID: "vp_operations"},
	}
}

// captureDispatcher records dispatched notifications for assertions.
type captureDispatcher struct {
	mu   sync.Mutex
	sent []schema.NotificationRequest
}

func (d *captureDispatcher) Dispatch(_ context.Context, req schema.NotificationRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, req)
	return nil
}

func (d *captureDispatcher) byTemplate(template string) []schema.NotificationRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []schema.NotificationRequest
	for _, req := range d.sent {
		if req.Template == template {
			out = append(out, req)
		}
	}
	return out
}

// stubAction is a scriptable action for automated-step tests.
type stubAction struct {
	name string
	mu   sync.Mutex
	runs int
	fn   func(call int, input actions.ActionInput) (*actions.ActionOutput, error)
}

func (a *stubAction) Name() string { return a.name }

func (a *stubAction) Schema() actions.ActionSchema { return actions.ActionSchema{} }

func (a *stubAction) Validate(params map[string]any) error { return nil }

func (a *stubAction) Execute(_ context.Context, input actions.ActionInput) (*actions.ActionOutput, error) {
	a.mu.Lock()
	a.runs++
	call := a.runs
	a.mu.Unlock()
	return a.fn(call, input)
}

func (a *stubAction) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runs
}

type harness struct {
	store     *store.MemoryStore
	resolver  *hierarchy.Resolver
	registry  *registry.Registry
	tracker   *workload.Tracker
	comms     *commlog.Log
	hub       *streaming.MemoryHub
	approvals *approval.Coordinator
	actions   *actions.Registry
	notifier  *captureDispatcher
	exec      *Executor
}

type harnessOptions struct {
	starvationPolicy approval.StarvationPolicy
	pendingTTL       time.Duration
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, harnessOptions{})
}

func newHarnessWith(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()

	resolver, err := hierarchy.NewResolver(testRoles())
	require.NoError(t, err)
	validator, err := validation.NewSOPValidator()
	require.NoError(t, err)
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)

	hub := streaming.NewMemoryHub()
	comms := commlog.NewLog(st, logger)
	coordinator := approval.NewCoordinator(st, resolver, comms, hub, logger,
		opts.starvationPolicy, opts.pendingTTL)

	h := &harness{
		store:     st,
		resolver:  resolver,
		registry:  registry.NewRegistry(st, validator, resolver, logger),
		tracker:   workload.NewTracker(),
		comms:     comms,
		hub:       hub,
		approvals: coordinator,
		actions:   actions.NewRegistry(),
		notifier:  &captureDispatcher{},
	}
	h.exec = NewExecutor(st, h.registry, resolver, coordinator, h.tracker, comms,
		h.actions, h.notifier, cel, expressions.NewExprEngine(), expressions.NewGoJQEngine(),
		hub, logger, Options{SweepConcurrency: 2})
	t.Cleanup(h.exec.Shutdown)
	return h
}

func (h *harness) registerSOP(t *testing.T, def *schema.SOPDefinition) *store.SOP {
	t.Helper()
	_, err := h.registry.Register(context.Background(), def)
	require.NoError(t, err)
	sop, err := h.registry.Get(context.Background(), def.ID, 0)
	require.NoError(t, err)
	return sop
}

func (h *harness) start(t *testing.T, def *schema.SOPDefinition, payload map[string]any) *store.Instance {
	t.Helper()
	sop := h.registerSOP(t, def)
	inst, err := h.exec.StartInstance(context.Background(), sop,
		schema.Trigger{Type: "test.event", ID: "trig-1", Payload: payload}, payload)
	require.NoError(t, err)
	return inst
}

func (h *harness) complete(t *testing.T, instanceID, stepID, role string, result map[string]any) *store.Execution {
	t.Helper()
	exec, err := h.exec.CompleteStep(context.Background(), schema.StepCompletion{
		InstanceID: instanceID,
		StepID:     stepID,
		Actor:      schema.Actor{Role: role},
		Result:     result,
	})
	require.NoError(t, err)
	return exec
}

func (h *harness) instance(t *testing.T, id string) *store.Instance {
	t.Helper()
	inst, err := h.store.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func (h *harness) executions(t *testing.T, instanceID, stepID string) []*store.Execution {
	t.Helper()
	execs, err := h.store.ListExecutions(context.Background(),
		store.ExecutionFilter{InstanceID: instanceID, StepID: stepID})
	require.NoError(t, err)
	return execs
}

func (h *harness) approvalsFor(t *testing.T, instanceID string) []*store.Approval {
	t.Helper()
	aps, err := h.store.ListApprovals(context.Background(), store.ApprovalFilter{InstanceID: instanceID})
	require.NoError(t, err)
	return aps
}

func (h *harness) messagesOfType(t *testing.T, instanceID string, msgType schema.MessageType) []*store.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), instanceID, 0)
	require.NoError(t, err)
	var out []*store.Message
	for _, msg := range msgs {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func requireCode(t *testing.T, err error, code string) *schema.EngineError {
	t.Helper()
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok, "expected EngineError, got %T: %v", err, err)
	require.Equal(t, code, engErr.Code, "unexpected error code: %v", err)
	return engErr
}

func rawParams(t *testing.T, v map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
