package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/casaops/sopflow/internal/store"
	"github.com/casaops/sopflow/pkg/schema"
)

// handleRegister validates and stores an SOP definition.
func (s *SopflowServer) handleRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var def schema.SOPDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	version, err := s.registry.Register(ctx, &def)
	if err != nil {
		return toolError(err), nil
	}

	return marshalResult(map[string]any{
		"sop_id":  def.ID,
		"version": version,
	})
}

// handleTrigger routes an external trigger into zero or more instances.
func (s *SopflowServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	triggerType, err := req.RequireString("trigger_type")
	if err != nil {
		return mcp.NewToolResultError("trigger_type is required"), nil
	}
	triggerID := req.GetString("trigger_id", "")
	if triggerID == "" {
		triggerID = uuid.NewString()
	}

	trigger := schema.Trigger{
		Type:    triggerType,
		ID:      triggerID,
		Payload: mcp.ParseStringMap(req, "payload", nil),
	}
	if cls := mcp.ParseStringMap(req, "classification", nil); cls != nil {
		trigger.Classification = &schema.Classification{
			Category:   stringField(cls, "category"),
			Urgency:    stringField(cls, "urgency"),
			Confidence: floatField(cls, "confidence"),
		}
	}

	instances, err := s.router.Route(ctx, trigger)
	if err != nil {
		return toolError(err), nil
	}

	summaries := make([]map[string]any, 0, len(instances))
	for _, inst := range instances {
		summaries = append(summaries, map[string]any{
			"instance_id":   inst.ID,
			"sop_id":        inst.SOPID,
			"sop_version":   inst.SOPVersion,
			"status":        inst.Status,
			"current_steps": inst.CurrentStepIDs,
		})
	}
	return marshalResult(map[string]any{
		"trigger_id": triggerID,
		"instances":  summaries,
	})
}

// handleCompleteStep reports a step completion.
func (s *SopflowServer) handleCompleteStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	actorRole, err := req.RequireString("actor_role")
	if err != nil {
		return mcp.NewToolResultError("actor_role is required"), nil
	}

	s.captureSession(ctx, actorRole)

	completion := schema.StepCompletion{
		InstanceID:   instanceID,
		StepID:       stepID,
		Actor:        schema.Actor{Role: actorRole, User: req.GetString("actor_user", "")},
		Result:       mcp.ParseStringMap(req, "result", nil),
		ActionsTaken: stringSliceArg(req, "actions_taken"),
	}

	exec, err := s.executor.CompleteStep(ctx, completion)
	if err != nil {
		return toolError(err), nil
	}

	inst, err := s.executor.Instance(ctx, instanceID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"execution_id":     exec.ID,
		"execution_status": exec.Status,
		"instance_status":  inst.Status,
		"current_steps":    inst.CurrentStepIDs,
	})
}

// handleApprove decides a pending approval request.
func (s *SopflowServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := req.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError("request_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	resolvingRole, err := req.RequireString("resolving_role")
	if err != nil {
		return mcp.NewToolResultError("resolving_role is required"), nil
	}

	s.captureSession(ctx, resolvingRole)

	ap, err := s.executor.ResolveApproval(ctx, schema.ApprovalDecision{
		RequestID:     requestID,
		Decision:      decision,
		ResolvingRole: resolvingRole,
		ResolvingUser: req.GetString("resolving_user", ""),
		Notes:         req.GetString("notes", ""),
	})
	if err != nil {
		return toolError(err), nil
	}

	inst, err := s.executor.Instance(ctx, ap.InstanceID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"request_id":      ap.ID,
		"status":          ap.Status,
		"instance_id":     ap.InstanceID,
		"instance_status": inst.Status,
	})
}

// handleQuery lists engine state.
func (s *SopflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "instances":
		return s.queryInstances(ctx, filter)
	case "sops":
		return s.querySOPs(ctx, filter)
	case "approvals":
		return s.queryApprovals(ctx, filter)
	case "messages":
		return s.queryMessages(ctx, filter)
	case "workload":
		return s.queryWorkload(filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleCancel cancels an active instance.
func (s *SopflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	inst, err := s.executor.CancelInstance(ctx, instanceID, req.GetString("reason", ""))
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"instance_id": inst.ID,
		"status":      inst.Status,
	})
}

// --- Query helpers ---

func (s *SopflowServer) queryInstances(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.InstanceFilter{
		Role:       stringField(filter, "role"),
		TriggerID:  stringField(filter, "trigger_id"),
		SOPID:      stringField(filter, "sop_id"),
		ActiveOnly: boolField(filter, "active_only"),
		Limit:      intField(filter, "limit", 50),
	}
	if status := stringField(filter, "status"); status != "" {
		st := schema.InstanceStatus(status)
		f.Status = &st
	}

	instances, err := s.store.ListInstances(ctx, f)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"instances": instances})
}

func (s *SopflowServer) querySOPs(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	sops, err := s.store.ListSOPs(ctx, store.SOPFilter{
		Department: stringField(filter, "department"),
		Trigger:    stringField(filter, "trigger"),
		Limit:      intField(filter, "limit", 50),
	})
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"sops": sops})
}

func (s *SopflowServer) queryApprovals(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.ApprovalFilter{
		InstanceID: stringField(filter, "instance_id"),
		FromRole:   stringField(filter, "role"),
		Limit:      intField(filter, "limit", 50),
	}
	if status := stringField(filter, "status"); status != "" {
		st := schema.ApprovalStatus(status)
		f.Status = &st
	}

	approvals, err := s.store.ListApprovals(ctx, f)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"approvals": approvals})
}

func (s *SopflowServer) queryMessages(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	instanceID := stringField(filter, "instance_id")
	if instanceID == "" {
		return mcp.NewToolResultError("message query requires 'instance_id' in filter"), nil
	}
	since := int64(intField(filter, "since", 0))

	messages, err := s.store.ListMessages(ctx, instanceID, since)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"messages": messages})
}

func (s *SopflowServer) queryWorkload(filter map[string]any) (*mcp.CallToolResult, error) {
	if role := stringField(filter, "role"); role != "" {
		return marshalResult(map[string]any{
			"role":  role,
			"users": s.workload.UserSnapshot(role),
		})
	}
	return marshalResult(map[string]any{"roles": s.workload.Snapshot()})
}

// --- Internal helpers ---

// captureSession maps the acting role to its MCP session for push notifications.
func (s *SopflowServer) captureSession(ctx context.Context, role string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(role, session.SessionID())
	}
}

// toolError renders an engine error as a structured tool result, keeping the
// error code and details visible to the calling agent.
func toolError(err error) *mcp.CallToolResult {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		data, marshalErr := json.Marshal(map[string]any{
			"code":    engErr.Code,
			"message": engErr.Message,
			"step_id": engErr.StepID,
			"details": engErr.Details,
		})
		if marshalErr == nil {
			return mcp.NewToolResultError(string(data))
		}
	}
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}

func intField(m map[string]any, key string, defaultVal int) int {
	if m == nil {
		return defaultVal
	}
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func floatField(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func stringSliceArg(req mcp.CallToolRequest, key string) []string {
	raw, ok := req.GetArguments()[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
