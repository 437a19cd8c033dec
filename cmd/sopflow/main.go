// Command sopflow runs the workflow orchestration engine: an MCP stdio server
// plus the background sweeps, with small one-shot subcommands for operations.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casaops/sopflow/internal/actions"
	"github.com/casaops/sopflow/internal/approval"
	"github.com/casaops/sopflow/internal/commlog"
	"github.com/casaops/sopflow/internal/engine"
	"github.com/casaops/sopflow/internal/expressions"
	"github.com/casaops/sopflow/internal/hierarchy"
	"github.com/casaops/sopflow/internal/logging"
	"github.com/casaops/sopflow/internal/notify"
	"github.com/casaops/sopflow/internal/registry"
	"github.com/casaops/sopflow/internal/router"
	"github.com/casaops/sopflow/internal/scheduler"
	"github.com/casaops/sopflow/internal/store"
	"github.com/casaops/sopflow/internal/streaming"
	"github.com/casaops/sopflow/internal/validation"
	"github.com/casaops/sopflow/internal/workload"
	"github.com/casaops/sopflow/pkg/mcp"
	"github.com/casaops/sopflow/pkg/schema"
)

const usage = `sopflow - workflow orchestration engine

Usage:
  sopflow serve                  run the MCP server and background sweeps
  sopflow register-sop <file>    register an SOP definition from a JSON file
  sopflow list-active [-role r]  list active workflow instances
  sopflow cancel <id> [-reason]  cancel a workflow instance
  sopflow sweep                  run the timeout/SLA/approval sweeps once

Common flags:
  -config <path>                 settings file (default ~/.sopflow/settings.json)
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}

	var err error
	switch args[0] {
	case "serve":
		err = cmdServe(args[1:])
	case "register-sop":
		err = cmdRegisterSOP(args[1:])
	case "list-active":
		err = cmdListActive(args[1:])
	case "cancel":
		err = cmdCancel(args[1:])
	case "sweep":
		err = cmdSweep(args[1:])
	case "help", "-h", "--help":
		fmt.Fprint(os.Stderr, usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n%s", args[0], usage)
		return 1
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "sopflow: %v\n", err)
		return exitCode(err)
	}
	return 0
}

// exitCode maps engine error codes onto the documented exit codes:
// 1 validation/runtime, 2 not found, 3 conflict.
func exitCode(err error) int {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		switch engErr.Code {
		case schema.ErrCodeNotFound:
			return 2
		case schema.ErrCodeConflict:
			return 3
		}
	}
	return 1
}

// app bundles the wired engine for the subcommands.
type app struct {
	cfg      Config
	logger   *slog.Logger
	store    *store.LibSQLStore
	registry *registry.Registry
	executor *engine.Executor
	router   *router.Router
	workload *workload.Tracker
	relay    *notify.Relay
	sched    *scheduler.Scheduler
}

func buildApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.LogLevel)

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}

	roles, err := loadRoles(cfg.RolesPath)
	if err != nil {
		st.Close()
		return nil, err
	}
	resolver, err := hierarchy.NewResolver(roles)
	if err != nil {
		st.Close()
		return nil, err
	}

	validator, err := validation.NewSOPValidator()
	if err != nil {
		st.Close()
		return nil, err
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		st.Close()
		return nil, err
	}
	exprEng := expressions.NewExprEngine()
	jq := expressions.NewGoJQEngine()

	hub := streaming.NewMemoryHub()
	comms := commlog.NewLog(st, logger)
	reg := registry.NewRegistry(st, validator, resolver, logger)
	tracker := workload.NewTracker()
	relay := notify.NewRelay(notify.NewLogDispatcher(logger))

	coordinator := approval.NewCoordinator(st, resolver, comms, hub, logger,
		approval.StarvationPolicy(cfg.StarvationPolicy), cfg.approvalTTL())

	actionReg := actions.NewRegistry()
	if err := actions.RegisterBuiltins(actionReg, relay, jq, actions.WebhookConfig{}); err != nil {
		st.Close()
		return nil, err
	}

	exec := engine.NewExecutor(st, reg, resolver, coordinator, tracker, comms,
		actionReg, relay, cel, exprEng, jq, hub, logger,
		engine.Options{SweepConcurrency: cfg.SweepConcurrency})

	rules, err := loadRules(cfg.RulesPath)
	if err != nil {
		st.Close()
		return nil, err
	}
	rtr := router.NewRouter(reg, exec, nil, cel, logger)
	rtr.SetRules(rules)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: reg,
		executor: exec,
		router:   rtr,
		workload: tracker,
		relay:    relay,
		sched:    scheduler.NewScheduler(logger, cfg.schedulerTick()),
	}
	if err := a.registerSweeps(); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) registerSweeps() error {
	if err := a.sched.Register("timeout", a.cfg.TimeoutSweepCron, a.executor.RunTimeoutSweep); err != nil {
		return err
	}
	if err := a.sched.Register("sla", a.cfg.SLASweepCron, a.executor.RunSLASweep); err != nil {
		return err
	}
	return a.sched.Register("approval", a.cfg.ApprovalSweepCron, a.executor.RunApprovalSweep)
}

func (a *app) close() {
	a.executor.Shutdown()
	if err := a.store.Close(); err != nil {
		a.logger.Error("close store", slog.String("error", err.Error()))
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// loadRoles reads the role hierarchy from a JSON file. Without one a small
// built-in property-management hierarchy is used so the engine works out of
// the box.
func loadRoles(path string) ([]schema.RoleDefinition, error) {
	if path == "" {
		return defaultRoles(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roles file: %w", err)
	}
	var roles []schema.RoleDefinition
	if err := json.Unmarshal(data, &roles); err != nil {
		return nil, fmt.Errorf("parse roles file %s: %w", path, err)
	}
	return roles, nil
}

func defaultRoles() []schema.RoleDefinition {
	limit := func(v float64) *float64 { return &v }
	return []schema.RoleDefinition{
		{ID: "maintenance_tech", Department: "maintenance", ApprovalLimit: limit(500), ReportsTo: "property_manager"},
		{ID: "leasing_agent", Department: "leasing", ApprovalLimit: limit(1000), ReportsTo: "property_manager"},
		{ID: "property_manager", Department: "operations", ApprovalLimit: limit(5000), ReportsTo: "regional_director"},
		{ID: "regional_director", Department: "operations", ApprovalLimit: limit(25000), ReportsTo: "vp_operations"},
		{ID: "vp_operations", Department: "operations"},
	}
}

func loadRules(path string) ([]router.RoutingRule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var rules []router.RoutingRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return rules, nil
}

// --- Subcommands ---

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "settings file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.close()

	srv := mcp.NewSopflowServer(mcp.ServerDeps{
		Registry: a.registry,
		Executor: a.executor,
		Router:   a.router,
		Store:    a.store,
		Workload: a.workload,
		Logger:   a.logger,
	})
	a.relay.Attach(mcp.NewPushNotifier(srv.MCPServer(), srv.Sessions()))

	if err := a.sched.Start(ctx); err != nil {
		return err
	}
	defer a.sched.Stop()

	a.logger.Info("sopflow serving",
		slog.String("db", a.cfg.DBPath),
		slog.String("starvation_policy", a.cfg.StarvationPolicy),
	)
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func cmdRegisterSOP(args []string) error {
	fs := flag.NewFlagSet("register-sop", flag.ContinueOnError)
	configPath := fs.String("config", "", "settings file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: sopflow register-sop <definition.json>")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("read definition: %w", err)
	}
	var def schema.SOPDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "parse definition: %s", err.Error()).WithCause(err)
	}

	ctx := context.Background()
	a, err := buildApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.close()

	version, err := a.registry.Register(ctx, &def)
	if err != nil {
		return err
	}
	fmt.Printf("registered %s version %d\n", def.ID, version)
	return nil
}

func cmdListActive(args []string) error {
	fs := flag.NewFlagSet("list-active", flag.ContinueOnError)
	configPath := fs.String("config", "", "settings file path")
	role := fs.String("role", "", "only instances currently assigned to this role")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := buildApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.close()

	instances, err := a.executor.ListActive(ctx, *role)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(instances)
}

func cmdCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	configPath := fs.String("config", "", "settings file path")
	reason := fs.String("reason", "", "cancellation reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: sopflow cancel <instance-id>")
	}

	ctx := context.Background()
	a, err := buildApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.close()

	inst, err := a.executor.CancelInstance(ctx, fs.Arg(0), *reason)
	if err != nil {
		return err
	}
	fmt.Printf("cancelled %s (status %s)\n", inst.ID, inst.Status)
	return nil
}

func cmdSweep(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	configPath := fs.String("config", "", "settings file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := buildApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.close()

	processed, err := a.sched.RunAll(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Printf("sweeps processed %d items\n", processed)
	return nil
}
