// Package mcp exposes the workflow engine to operator agents over the Model
// Context Protocol: registering SOPs, firing triggers, completing steps,
// deciding approvals, and querying engine state.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/casaops/sopflow/internal/engine"
	"github.com/casaops/sopflow/internal/registry"
	"github.com/casaops/sopflow/internal/router"
	"github.com/casaops/sopflow/internal/store"
	"github.com/casaops/sopflow/internal/workload"
)

// ServerDeps holds the dependencies for creating a SopflowServer.
type ServerDeps struct {
	Registry *registry.Registry
	Executor *engine.Executor
	Router   *router.Router
	Store    store.Store
	Workload *workload.Tracker
	Logger   *slog.Logger
}

// SopflowServer wraps an MCP server with the sopflow tool handlers.
type SopflowServer struct {
	registry  *registry.Registry
	executor  *engine.Executor
	router    *router.Router
	store     store.Store
	workload  *workload.Tracker
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewSopflowServer creates a SopflowServer with all tools registered.
func NewSopflowServer(deps ServerDeps) *SopflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &SopflowServer{
		registry: deps.Registry,
		executor: deps.Executor,
		router:   deps.Router,
		store:    deps.Store,
		workload: deps.Workload,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"sopflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Sopflow orchestrates property-management SOPs. Use sopflow.register to add SOP definitions, sopflow.trigger to fire events, sopflow.complete_step to report step completions, sopflow.approve to decide approval requests, sopflow.query to inspect engine state, and sopflow.cancel to cancel instances."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *SopflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *SopflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the role-session registry, used to wire the push notifier.
func (s *SopflowServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *SopflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: registerTool(), Handler: s.handleRegister},
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: completeStepTool(), Handler: s.handleCompleteStep},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: cancelTool(), Handler: s.handleCancel},
	}
}

// --- Tool definitions ---

func registerTool() mcp.Tool {
	return mcp.NewTool("sopflow.register",
		mcp.WithDescription("Register an SOP definition. Re-registering an existing SOP ID creates a new immutable version."),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("SOP definition object (id, steps, entry_step, triggers, time_limit, ...)")),
	)
}

func triggerTool() mcp.Tool {
	return mcp.NewTool("sopflow.trigger",
		mcp.WithDescription("Fire an external trigger. Every matching SOP starts its own workflow instance."),
		mcp.WithString("trigger_type", mcp.Required(), mcp.Description("Trigger type, e.g. maintenance.request or lease.created")),
		mcp.WithString("trigger_id", mcp.Description("External event ID (generated when omitted)")),
		mcp.WithObject("payload", mcp.Description("Trigger payload, becomes the instance context")),
		mcp.WithObject("classification", mcp.Description("Pre-computed classification: category, urgency, confidence")),
	)
}

func completeStepTool() mcp.Tool {
	return mcp.NewTool("sopflow.complete_step",
		mcp.WithDescription("Report completion of an assigned step. Approval-gated steps may leave the instance waiting."),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Workflow instance ID")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("Step being completed")),
		mcp.WithString("actor_role", mcp.Required(), mcp.Description("Role of the acting operator")),
		mcp.WithString("actor_user", mcp.Description("User acting for the role")),
		mcp.WithObject("result", mcp.Description("Step result payload, checked against completion criteria")),
		mcp.WithArray("actions_taken", mcp.Description("Free-form list of actions the operator took")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("sopflow.approve",
		mcp.WithDescription("Decide a pending approval request. Approval resumes the waiting step; rejection reroutes or fails it."),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("Approval request ID")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("approved", "rejected"),
			mcp.Description("The decision"),
		),
		mcp.WithString("resolving_role", mcp.Required(), mcp.Description("Role making the decision")),
		mcp.WithString("resolving_user", mcp.Description("User acting for the role")),
		mcp.WithString("notes", mcp.Description("Decision notes")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("sopflow.query",
		mcp.WithDescription("Query engine state: instances, sops, approvals, messages, or workload"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("instances", "sops", "approvals", "messages", "workload"),
			mcp.Description("Resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, role, instance_id, sop_id, trigger_id, department, active_only, limit)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("sopflow.cancel",
		mcp.WithDescription("Cancel a non-terminal workflow instance. Open steps are skipped and pending approvals rejected."),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Workflow instance ID")),
		mcp.WithString("reason", mcp.Description("Why the instance is being cancelled")),
	)
}
