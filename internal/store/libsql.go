package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/casaops/sopflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. message log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- SOPs ---

func (s *LibSQLStore) StoreSOP(ctx context.Context, sop *SOP) error {
	def, err := json.Marshal(sop.Definition)
	if err != nil {
		return fmt.Errorf("marshal sop definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sops (id, version, name, department, definition, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sop.ID, sop.Version, nullStr(sop.Name), nullStr(sop.Department),
		string(def), timeOrNow(sop.CreatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "sop %s version %d already exists", sop.ID, sop.Version)
	}
	return err
}

// GetSOP returns the requested SOP version, or the newest version when version <= 0.
func (s *LibSQLStore) GetSOP(ctx context.Context, id string, version int) (*SOP, error) {
	query := `SELECT id, version, name, department, definition, created_at FROM sops WHERE id = ?`
	args := []any{id}
	if version > 0 {
		query += ` AND version = ?`
		args = append(args, version)
	}
	query += ` ORDER BY version DESC LIMIT 1`

	sop := &SOP{}
	var name, dept sql.NullString
	var defJSON string
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&sop.ID, &sop.Version, &name, &dept, &defJSON, &sop.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("sop", id)
	}
	if err != nil {
		return nil, err
	}
	sop.Name = name.String
	sop.Department = dept.String
	if err := json.Unmarshal([]byte(defJSON), &sop.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal sop definition: %w", err)
	}
	return sop, nil
}

func (s *LibSQLStore) ListSOPs(ctx context.Context, filter SOPFilter) ([]*SOP, error) {
	var where []string
	var args []any

	if filter.Department != "" {
		where = append(where, "department = ?")
		args = append(args, filter.Department)
	}

	query := `SELECT id, version, name, department, definition, created_at FROM sops`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id, version DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sops []*SOP
	for rows.Next() {
		sop := &SOP{}
		var name, dept sql.NullString
		var defJSON string
		if err := rows.Scan(&sop.ID, &sop.Version, &name, &dept, &defJSON, &sop.CreatedAt); err != nil {
			return nil, err
		}
		sop.Name = name.String
		sop.Department = dept.String
		if err := json.Unmarshal([]byte(defJSON), &sop.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal sop definition: %w", err)
		}
		// Trigger filtering happens on the decoded definition; the trigger list
		// lives inside the JSON column.
		if filter.Trigger != "" && !containsString(sop.Definition.Triggers, filter.Trigger) {
			continue
		}
		sops = append(sops, sop)
	}
	return sops, rows.Err()
}

// --- Instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *Instance) error {
	contextJSON, err := marshalMapOrDefault(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	resultsJSON, err := marshalMapOrDefault(inst.StepResults)
	if err != nil {
		return fmt.Errorf("marshal step_results: %w", err)
	}
	currentJSON, err := marshalSliceOrDefault(inst.CurrentStepIDs)
	if err != nil {
		return fmt.Errorf("marshal current_step_ids: %w", err)
	}
	completedJSON, err := marshalSliceOrDefault(inst.CompletedSteps)
	if err != nil {
		return fmt.Errorf("marshal completed_steps: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, sop_id, sop_version, trigger_type, trigger_id, context, status,
		 current_step_ids, completed_steps, step_results, assigned_to, current_role, failure_reason,
		 sla_breached, created_at, started_at, due_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.SOPID, inst.SOPVersion, inst.TriggerType, inst.TriggerID,
		string(contextJSON), string(inst.Status), string(currentJSON), string(completedJSON),
		string(resultsJSON), nullStr(inst.AssignedTo), nullStr(inst.CurrentRole),
		nullStr(inst.FailureReason), boolInt(inst.SLABreached),
		timeOrNow(inst.CreatedAt), nullTime(inst.StartedAt), nullTime(inst.DueAt),
		nullTime(inst.CompletedAt), timeOrNow(inst.UpdatedAt),
	)
	return err
}

const instanceColumns = `id, sop_id, sop_version, trigger_type, trigger_id, context, status,
	current_step_ids, completed_steps, step_results, assigned_to, current_role, failure_reason,
	sla_breached, created_at, started_at, due_at, completed_at, updated_at`

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("instance", id)
	}
	return inst, err
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Context != nil {
		b, err := json.Marshal(update.Context)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
		sets = append(sets, "context = ?")
		args = append(args, string(b))
	}
	if update.CurrentStepIDs != nil {
		b, err := marshalSliceOrDefault(*update.CurrentStepIDs)
		if err != nil {
			return fmt.Errorf("marshal current_step_ids: %w", err)
		}
		sets = append(sets, "current_step_ids = ?")
		args = append(args, string(b))
	}
	if update.CompletedSteps != nil {
		b, err := marshalSliceOrDefault(*update.CompletedSteps)
		if err != nil {
			return fmt.Errorf("marshal completed_steps: %w", err)
		}
		sets = append(sets, "completed_steps = ?")
		args = append(args, string(b))
	}
	if update.StepResults != nil {
		b, err := json.Marshal(update.StepResults)
		if err != nil {
			return fmt.Errorf("marshal step_results: %w", err)
		}
		sets = append(sets, "step_results = ?")
		args = append(args, string(b))
	}
	if update.AssignedTo != nil {
		sets = append(sets, "assigned_to = ?")
		args = append(args, nullStr(*update.AssignedTo))
	}
	if update.CurrentRole != nil {
		sets = append(sets, "current_role = ?")
		args = append(args, nullStr(*update.CurrentRole))
	}
	if update.FailureReason != nil {
		sets = append(sets, "failure_reason = ?")
		args = append(args, nullStr(*update.FailureReason))
	}
	if update.SLABreached != nil {
		sets = append(sets, "sla_breached = ?")
		args = append(args, boolInt(*update.SLABreached))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.DueAt != nil {
		sets = append(sets, "due_at = ?")
		args = append(args, *update.DueAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE instances SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "instance", id)
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ActiveOnly {
		where = append(where, "status IN ('pending', 'in_progress', 'waiting')")
	}
	if filter.Role != "" {
		where = append(where, "current_role = ?")
		args = append(args, filter.Role)
	}
	if filter.TriggerID != "" {
		where = append(where, "trigger_id = ?")
		args = append(args, filter.TriggerID)
	}
	if filter.SOPID != "" {
		where = append(where, "sop_id = ?")
		args = append(args, filter.SOPID)
	}
	if filter.DueBefore != nil {
		where = append(where, "due_at IS NOT NULL AND due_at < ?")
		args = append(args, *filter.DueBefore)
	}
	if filter.SLABreached != nil {
		where = append(where, "sla_breached = ?")
		args = append(args, boolInt(*filter.SLABreached))
	}

	query := `SELECT ` + instanceColumns + ` FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (*Instance, error) {
	inst := &Instance{}
	var (
		contextJSON, currentJSON, completedJSON, resultsJSON string
		assignedTo, currentRole, failureReason               sql.NullString
		slaBreached                                          int
		startedAt, dueAt, completedAt                        sql.NullTime
		status                                               string
	)
	err := row.Scan(&inst.ID, &inst.SOPID, &inst.SOPVersion, &inst.TriggerType, &inst.TriggerID,
		&contextJSON, &status, &currentJSON, &completedJSON, &resultsJSON,
		&assignedTo, &currentRole, &failureReason, &slaBreached,
		&inst.CreatedAt, &startedAt, &dueAt, &completedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inst.Status = schema.InstanceStatus(status)
	inst.AssignedTo = assignedTo.String
	inst.CurrentRole = currentRole.String
	inst.FailureReason = failureReason.String
	inst.SLABreached = slaBreached != 0
	if err := json.Unmarshal([]byte(contextJSON), &inst.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if err := json.Unmarshal([]byte(currentJSON), &inst.CurrentStepIDs); err != nil {
		return nil, fmt.Errorf("unmarshal current_step_ids: %w", err)
	}
	if err := json.Unmarshal([]byte(completedJSON), &inst.CompletedSteps); err != nil {
		return nil, fmt.Errorf("unmarshal completed_steps: %w", err)
	}
	if err := json.Unmarshal([]byte(resultsJSON), &inst.StepResults); err != nil {
		return nil, fmt.Errorf("unmarshal step_results: %w", err)
	}
	if startedAt.Valid {
		inst.StartedAt = &startedAt.Time
	}
	if dueAt.Valid {
		inst.DueAt = &dueAt.Time
	}
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	return inst, nil
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	actionsJSON, err := marshalSliceOrDefault(exec.ActionsTaken)
	if err != nil {
		return fmt.Errorf("marshal actions_taken: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, instance_id, step_id, status, assigned_role, assigned_user,
		 actions_taken, result, error, started_at, completed_at, timeout_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.InstanceID, exec.StepID, string(exec.Status),
		nullStr(exec.AssignedRole), nullStr(exec.AssignedUser), string(actionsJSON),
		nullRaw(exec.Result), nullRaw(exec.Error),
		nullTime(exec.StartedAt), nullTime(exec.CompletedAt), nullTime(exec.TimeoutAt),
		timeOrNow(exec.CreatedAt),
	)
	return err
}

const executionColumns = `id, instance_id, step_id, status, assigned_role, assigned_user,
	actions_taken, result, error, started_at, completed_at, timeout_at, created_at`

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.AssignedRole != nil {
		sets = append(sets, "assigned_role = ?")
		args = append(args, nullStr(*update.AssignedRole))
	}
	if update.AssignedUser != nil {
		sets = append(sets, "assigned_user = ?")
		args = append(args, nullStr(*update.AssignedUser))
	}
	if update.ActionsTaken != nil {
		b, err := marshalSliceOrDefault(*update.ActionsTaken)
		if err != nil {
			return fmt.Errorf("marshal actions_taken: %w", err)
		}
		sets = append(sets, "actions_taken = ?")
		args = append(args, string(b))
	}
	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(update.Result))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.TimeoutAt != nil {
		sets = append(sets, "timeout_at = ?")
		args = append(args, *update.TimeoutAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Role != "" {
		where = append(where, "assigned_role = ?")
		args = append(args, filter.Role)
	}
	if filter.TimedOutBefore != nil {
		where = append(where, "timeout_at IS NOT NULL AND timeout_at < ? AND status IN ('pending', 'in_progress')")
		args = append(args, *filter.TimedOutBefore)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func scanExecution(row scanner) (*Execution, error) {
	exec := &Execution{}
	var (
		assignedRole, assignedUser        sql.NullString
		actionsJSON                       string
		result, errJSON                   sql.NullString
		startedAt, completedAt, timeoutAt sql.NullTime
		status                            string
	)
	err := row.Scan(&exec.ID, &exec.InstanceID, &exec.StepID, &status,
		&assignedRole, &assignedUser, &actionsJSON, &result, &errJSON,
		&startedAt, &completedAt, &timeoutAt, &exec.CreatedAt)
	if err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.AssignedRole = assignedRole.String
	exec.AssignedUser = assignedUser.String
	if err := json.Unmarshal([]byte(actionsJSON), &exec.ActionsTaken); err != nil {
		return nil, fmt.Errorf("unmarshal actions_taken: %w", err)
	}
	exec.Result = rawOrNil(result)
	exec.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	if timeoutAt.Valid {
		exec.TimeoutAt = &timeoutAt.Time
	}
	return exec, nil
}

// --- Approvals ---

func (s *LibSQLStore) CreateApproval(ctx context.Context, ap *Approval) error {
	chainJSON, err := marshalSliceOrDefault(ap.Chain)
	if err != nil {
		return fmt.Errorf("marshal chain: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, step_execution_id, instance_id, requested_by_role,
		 requested_from_role, amount, status, chain, notes, resolved_by, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ap.ID, ap.ExecutionID, ap.InstanceID, ap.RequestedByRole, ap.RequestedFromRole,
		ap.Amount, string(ap.Status), string(chainJSON), nullStr(ap.Notes),
		nullStr(ap.ResolvedBy), timeOrNow(ap.CreatedAt), nullTime(ap.ResolvedAt),
	)
	return err
}

const approvalColumns = `id, step_execution_id, instance_id, requested_by_role,
	requested_from_role, amount, status, chain, notes, resolved_by, created_at, resolved_at`

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	ap, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", id)
	}
	return ap, err
}

func (s *LibSQLStore) UpdateApproval(ctx context.Context, id string, update ApprovalUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.FromRole != nil {
		sets = append(sets, "requested_from_role = ?")
		args = append(args, *update.FromRole)
	}
	if update.Chain != nil {
		chainJSON, err := marshalSliceOrDefault(*update.Chain)
		if err != nil {
			return fmt.Errorf("marshal chain: %w", err)
		}
		sets = append(sets, "chain = ?")
		args = append(args, string(chainJSON))
	}
	if update.Notes != nil {
		sets = append(sets, "notes = ?")
		args = append(args, nullStr(*update.Notes))
	}
	if update.ResolvedBy != nil {
		sets = append(sets, "resolved_by = ?")
		args = append(args, nullStr(*update.ResolvedBy))
	}
	if update.ResolvedAt != nil {
		sets = append(sets, "resolved_at = ?")
		args = append(args, *update.ResolvedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE approvals SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "approval", id)
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error) {
	var where []string
	var args []any

	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.ExecutionID != "" {
		where = append(where, "step_execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.FromRole != "" {
		where = append(where, "requested_from_role = ?")
		args = append(args, filter.FromRole)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.CreatedBefore != nil {
		where = append(where, "created_at < ?")
		args = append(args, *filter.CreatedBefore)
	}

	query := `SELECT ` + approvalColumns + ` FROM approvals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		ap, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, ap)
	}
	return approvals, rows.Err()
}

func scanApproval(row scanner) (*Approval, error) {
	ap := &Approval{}
	var (
		chainJSON         string
		notes, resolvedBy sql.NullString
		resolvedAt        sql.NullTime
		status            string
	)
	err := row.Scan(&ap.ID, &ap.ExecutionID, &ap.InstanceID, &ap.RequestedByRole,
		&ap.RequestedFromRole, &ap.Amount, &status, &chainJSON, &notes, &resolvedBy,
		&ap.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	ap.Status = schema.ApprovalStatus(status)
	ap.Notes = notes.String
	ap.ResolvedBy = resolvedBy.String
	if err := json.Unmarshal([]byte(chainJSON), &ap.Chain); err != nil {
		return nil, fmt.Errorf("unmarshal chain: %w", err)
	}
	if resolvedAt.Valid {
		ap.ResolvedAt = &resolvedAt.Time
	}
	return ap, nil
}

// --- Messages (see messagelog.go for the append path) ---

func (s *LibSQLStore) ListMessages(ctx context.Context, instanceID string, since int64) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, from_role, to_role, message_type, payload, status, sequence,
		 created_at, acknowledged_at, responded_at
		 FROM messages WHERE instance_id = ? AND sequence > ? ORDER BY sequence ASC`,
		instanceID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m := &Message{}
		var payload, status sql.NullString
		var ackedAt, respondedAt sql.NullTime
		var msgType string
		if err := rows.Scan(&m.ID, &m.InstanceID, &m.FromRole, &m.ToRole, &msgType,
			&payload, &status, &m.Sequence, &m.CreatedAt, &ackedAt, &respondedAt); err != nil {
			return nil, err
		}
		m.Type = schema.MessageType(msgType)
		m.Payload = rawOrNil(payload)
		m.Status = status.String
		if ackedAt.Valid {
			m.AcknowledgedAt = &ackedAt.Time
		}
		if respondedAt.Valid {
			m.RespondedAt = &respondedAt.Time
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *LibSQLStore) AcknowledgeMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET acknowledged_at = CURRENT_TIMESTAMP WHERE id = ? AND acknowledged_at IS NULL`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "message", id)
}

func (s *LibSQLStore) MarkMessageResponded(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET responded_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "message", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalSliceOrDefault(s []string) (json.RawMessage, error) {
	if len(s) == 0 {
		return json.RawMessage("[]"), nil
	}
	return json.Marshal(s)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
