package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/procflow/pkg/api"
)

// SQLStore is an InstanceStore and TaskStore backed by database/sql. The
// same implementation serves SQLite and PostgreSQL; the dialect decides
// placeholder style and column types.
//
// The caller is responsible for importing the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//	import _ "github.com/jackc/pgx/v5/stdlib"
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     api.Clock
}

var (
	_ InstanceStore = (*SQLStore)(nil)
	_ TaskStore     = (*SQLStore)(nil)
)

// NewSQLStore creates the schema if needed and returns a store.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock sets the clock used for lease expiry and transition timestamps.
func (s *SQLStore) WithClock(c api.Clock) *SQLStore {
	s.now = c
	return s
}

// DB returns the underlying handle so other stores can share it.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the dialect the store was opened with.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) initSchema() error {
	blob := s.dialect.Blob
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_instances (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			definition_id TEXT NOT NULL,
			definition_version INTEGER NOT NULL DEFAULT 1,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			variables ` + blob + `,
			started_by TEXT NOT NULL DEFAULT '',
			current_element TEXT NOT NULL DEFAULT '',
			active_tokens INTEGER NOT NULL DEFAULT 0,
			join_arrivals ` + blob + `,
			waiting ` + blob + `,
			end_reason TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			ended_at BIGINT NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_process_instances_tenant ON process_instances(tenant_id, status)`,
		`CREATE TABLE IF NOT EXISTS task_instances (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			process_id TEXT NOT NULL,
			task_key TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			assignee_id TEXT NOT NULL DEFAULT '',
			assignee_role TEXT NOT NULL DEFAULT '',
			due_date BIGINT NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL DEFAULT '',
			form_data ` + blob + `,
			completed_by TEXT NOT NULL DEFAULT '',
			completed_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_instances_process ON task_instances(process_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_instances_assignee ON task_instances(tenant_id, assignee_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

const instanceColumns = `id, tenant_id, definition_id, definition_version, name, status, variables,
	started_by, current_element, active_tokens, join_arrivals, waiting, end_reason, created_at, updated_at, ended_at`

func (s *SQLStore) CreateInstance(ctx context.Context, inst *api.ProcessInstance) error {
	vars, err := EncodeValue(inst.Variables)
	if err != nil {
		return err
	}
	joins, err := EncodeValue(inst.JoinArrivals)
	if err != nil {
		return err
	}
	waiting, err := EncodeValue(inst.Waiting)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO process_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.TenantID,
		inst.DefinitionID,
		inst.DefinitionVersion,
		inst.Name,
		string(inst.Status),
		vars,
		inst.StartedBy,
		inst.CurrentElement,
		inst.ActiveTokens,
		joins,
		waiting,
		inst.EndReason,
		Nanos(inst.CreatedAt),
		Nanos(inst.UpdatedAt),
		NanosPtr(inst.EndedAt),
	)
	return err
}

// UpdateInstance overwrites everything except the lease columns.
func (s *SQLStore) UpdateInstance(ctx context.Context, inst *api.ProcessInstance) error {
	vars, err := EncodeValue(inst.Variables)
	if err != nil {
		return err
	}
	joins, err := EncodeValue(inst.JoinArrivals)
	if err != nil {
		return err
	}
	waiting, err := EncodeValue(inst.Waiting)
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, `
		UPDATE process_instances
		SET definition_version = ?, name = ?, status = ?, variables = ?, current_element = ?,
		    active_tokens = ?, join_arrivals = ?, waiting = ?, end_reason = ?, updated_at = ?, ended_at = ?
		WHERE id = ?`,
		inst.DefinitionVersion,
		inst.Name,
		string(inst.Status),
		vars,
		inst.CurrentElement,
		inst.ActiveTokens,
		joins,
		waiting,
		inst.EndReason,
		Nanos(inst.UpdatedAt),
		NanosPtr(inst.EndedAt),
		inst.ID,
	)
	if err != nil {
		return err
	}
	return expectRow(res, ErrInstanceNotFound)
}

func (s *SQLStore) GetInstance(ctx context.Context, id string) (*api.ProcessInstance, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT `+instanceColumns+`
		FROM process_instances
		WHERE id = ?`), id)

	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

func (s *SQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.ProcessInstance, error) {
	var (
		where []string
		args  []any
	)
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + instanceColumns + ` FROM process_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.ProcessInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

func (s *SQLStore) TransitionInstance(ctx context.Context, id string, to api.ProcessStatus, from ...api.ProcessStatus) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []any{string(to), Nanos(s.now.Now()), id}
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.exec(ctx, `
		UPDATE process_instances
		SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (`+Placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetInstance(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := s.now.Now()

	res, err := s.exec(ctx, `
		UPDATE process_instances
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ?
		AND (
			lease_owner = ''
			OR lease_expires_at <= ?
			OR lease_owner = ?
		)`,
		owner, now.Add(ttl).UnixNano(), instanceID, now.UnixNano(), owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.exec(ctx, `
		UPDATE process_instances
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND lease_owner = ?`,
		instanceID, owner,
	)
	return err
}

const taskColumns = `id, tenant_id, process_id, task_key, name, type, status, assignee_id, assignee_role,
	due_date, outcome, form_data, completed_by, completed_at, created_at, updated_at`

func (s *SQLStore) CreateTask(ctx context.Context, task *api.TaskInstance) error {
	form, err := EncodeValue(task.FormData)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO task_instances (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.TenantID,
		task.ProcessID,
		task.TaskKey,
		task.Name,
		string(task.Type),
		string(task.Status),
		task.AssigneeID,
		task.AssigneeRole,
		NanosPtr(task.DueDate),
		task.Outcome,
		form,
		task.CompletedBy,
		NanosPtr(task.CompletedAt),
		Nanos(task.CreatedAt),
		Nanos(task.UpdatedAt),
	)
	return err
}

func (s *SQLStore) UpdateTask(ctx context.Context, task *api.TaskInstance) error {
	form, err := EncodeValue(task.FormData)
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, `
		UPDATE task_instances
		SET name = ?, status = ?, assignee_id = ?, assignee_role = ?, due_date = ?, outcome = ?,
		    form_data = ?, completed_by = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		task.Name,
		string(task.Status),
		task.AssigneeID,
		task.AssigneeRole,
		NanosPtr(task.DueDate),
		task.Outcome,
		form,
		task.CompletedBy,
		NanosPtr(task.CompletedAt),
		Nanos(task.UpdatedAt),
		task.ID,
	)
	if err != nil {
		return err
	}
	return expectRow(res, ErrTaskNotFound)
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*api.TaskInstance, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT `+taskColumns+`
		FROM task_instances
		WHERE id = ?`), id)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

func (s *SQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*api.TaskInstance, error) {
	var (
		where []string
		args  []any
	)
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.ProcessID != "" {
		where = append(where, "process_id = ?")
		args = append(args, filter.ProcessID)
	}
	if filter.AssigneeID != "" {
		where = append(where, "assignee_id = ?")
		args = append(args, filter.AssigneeID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+Placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}

	query := `SELECT ` + taskColumns + ` FROM task_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.TaskInstance
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

func (s *SQLStore) TransitionTask(ctx context.Context, id string, to api.TaskStatus, from ...api.TaskStatus) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []any{string(to), Nanos(s.now.Now()), id}
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.exec(ctx, `
		UPDATE task_instances
		SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (`+Placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(sc scanner) (*api.ProcessInstance, error) {
	var (
		inst                        api.ProcessInstance
		status                      string
		vars, joins, waiting        []byte
		createdAt, updatedAt, ended int64
	)
	if err := sc.Scan(
		&inst.ID, &inst.TenantID, &inst.DefinitionID, &inst.DefinitionVersion, &inst.Name, &status, &vars,
		&inst.StartedBy, &inst.CurrentElement, &inst.ActiveTokens, &joins, &waiting, &inst.EndReason,
		&createdAt, &updatedAt, &ended,
	); err != nil {
		return nil, err
	}

	inst.Status = api.ProcessStatus(status)
	inst.CreatedAt = FromNanos(createdAt)
	inst.UpdatedAt = FromNanos(updatedAt)
	inst.EndedAt = FromNanosPtr(ended)

	var err error
	if inst.Variables, err = DecodeValue[map[string]any](vars); err != nil {
		return nil, err
	}
	if inst.JoinArrivals, err = DecodeValue[map[string][]string](joins); err != nil {
		return nil, err
	}
	if inst.Waiting, err = DecodeValue[[]string](waiting); err != nil {
		return nil, err
	}
	return &inst, nil
}

func scanTask(sc scanner) (*api.TaskInstance, error) {
	var (
		task                         api.TaskInstance
		typ, status                  string
		form                         []byte
		due, completed, created, upd int64
	)
	if err := sc.Scan(
		&task.ID, &task.TenantID, &task.ProcessID, &task.TaskKey, &task.Name, &typ, &status,
		&task.AssigneeID, &task.AssigneeRole, &due, &task.Outcome, &form, &task.CompletedBy,
		&completed, &created, &upd,
	); err != nil {
		return nil, err
	}

	task.Type = api.TaskType(typ)
	task.Status = api.TaskStatus(status)
	task.DueDate = FromNanosPtr(due)
	task.CompletedAt = FromNanosPtr(completed)
	task.CreatedAt = FromNanos(created)
	task.UpdatedAt = FromNanos(upd)

	var err error
	if task.FormData, err = DecodeValue[map[string]any](form); err != nil {
		return nil, err
	}
	return &task, nil
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
