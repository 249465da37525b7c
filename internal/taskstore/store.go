// Package taskstore implements the task subsystem (§4.A) plus the rest of
// the relational metadata store (§9 "Persisted state": collections, model
// info — clickstream sessions/batches live in internal/clickstream, same
// physical database, own file): idempotent task creation, status tracking,
// per-item failure accumulation, parent/child links between a REINDEX task
// and its spawned UPSERT children, collection metadata CRUD backing
// internal/cache, and embedding model CRUD. Backed by the same relational
// database as the vector store, using the teacher's prepared-statement
// database/sql idiom (internal/storage/sqlite/issues.go).
package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/EulerSearch/embedding-studio-sub001/internal/apperrors"
	"github.com/EulerSearch/embedding-studio-sub001/internal/idgen"
	"github.com/EulerSearch/embedding-studio-sub001/internal/types"
)

// Store is the task store & registry (§4.A). Safe for concurrent use; all
// mutations are single-row atomic SQL statements, relying on the database
// for isolation rather than an in-process lock.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Migrate creates the task store's tables if they do not already exist.
// Hand-rolled, numbered-statement migration matching the teacher's own
// migration idiom rather than introducing a migration-framework dependency
// for a handful of tables.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			embedding_model_id TEXT,
			payload JSON,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			broker_id TEXT,
			parent_id TEXT,
			last_error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS task_failed_items (
			task_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_children (
			parent_id TEXT NOT NULL,
			child_id TEXT NOT NULL,
			PRIMARY KEY (parent_id, child_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_kind_status ON tasks (kind, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_task_failed_items_task ON task_failed_items (task_id)`,
		`CREATE TABLE IF NOT EXISTS embedding_models (
			embedding_model_id TEXT PRIMARY KEY,
			plugin_name TEXT NOT NULL,
			dimensions INTEGER NOT NULL,
			metric_type TEXT NOT NULL,
			aggregation_type TEXT NOT NULL,
			hnsw_m INTEGER NOT NULL,
			hnsw_ef_construction INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS collections (
			collection_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			embedding_model_id TEXT NOT NULL,
			index_created BOOLEAN NOT NULL DEFAULT FALSE,
			work_state TEXT NOT NULL,
			applied_optimizations JSON,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (collection_id, kind)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return apperrors.Internal("taskstore.migrate", err)
		}
	}
	return nil
}

// Create inserts a new task, or returns the existing one unchanged if
// taskID already exists (§4.A create: idempotent create, §8 property 1).
func (s *Store) Create(ctx context.Context, kind types.TaskKind, taskID string, modelID string, payload interface{}) (types.Task, error) {
	if !kind.IsValid() {
		return types.Task{}, apperrors.Validation("invalid task kind %q", kind)
	}
	if taskID == "" {
		taskID = idgen.NewTaskID(string(kind))
	}

	if existing, err := s.Get(ctx, taskID); err == nil {
		return existing, nil
	} else if !apperrors.IsNotFound(err) {
		return types.Task{}, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return types.Task{}, apperrors.Validation("marshal payload: %v", err)
	}

	now := time.Now().UTC()
	task := types.Task{
		TaskID:           taskID,
		Kind:             kind,
		Status:           types.StatusPending,
		EmbeddingModelID: modelID,
		Payload:          raw,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, kind, status, embedding_model_id, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, task.TaskID, task.Kind, task.Status, nullableString(task.EmbeddingModelID), task.Payload, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		// A concurrent caller may have inserted the same task_id between our
		// Get and this Insert; re-read and return the winner rather than
		// erroring, preserving idempotent-create under races.
		if existing, getErr := s.Get(ctx, taskID); getErr == nil {
			return existing, nil
		}
		return types.Task{}, apperrors.Internal("taskstore.create", err)
	}

	s.logger.Debug("task created", "task_id", task.TaskID, "kind", task.Kind)
	return task, nil
}

// Get returns a task by ID, or apperrors.ErrNotFound.
func (s *Store) Get(ctx context.Context, taskID string) (types.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, kind, status, embedding_model_id, payload, created_at, updated_at, broker_id, parent_id, last_error
		FROM tasks WHERE task_id = ?
	`, taskID)

	var (
		task        types.Task
		modelID     sql.NullString
		brokerID    sql.NullString
		parentID    sql.NullString
		lastErr     sql.NullString
		payload     []byte
	)
	err := row.Scan(&task.TaskID, &task.Kind, &task.Status, &modelID, &payload, &task.CreatedAt, &task.UpdatedAt, &brokerID, &parentID, &lastErr)
	if err != nil {
		return types.Task{}, apperrors.WrapDBError(fmt.Sprintf("taskstore.get %s", taskID), err)
	}
	task.EmbeddingModelID = modelID.String
	task.BrokerID = brokerID.String
	task.ParentID = parentID.String
	task.LastError = lastErr.String
	task.Payload = payload

	if task.FailedItems, err = s.loadFailedItems(ctx, taskID); err != nil {
		return types.Task{}, err
	}
	if task.Children, err = s.loadChildren(ctx, taskID); err != nil {
		return types.Task{}, err
	}
	return task, nil
}

// List returns a page of tasks of the given kind, optionally filtered by
// status, ordered by created_at descending (§4.A list).
func (s *Store) List(ctx context.Context, kind types.TaskKind, status *types.TaskStatus, offset, limit int) ([]types.Task, error) {
	query := `SELECT task_id FROM tasks WHERE kind = ?`
	args := []interface{}{kind}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal("taskstore.list", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Internal("taskstore.list scan", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("taskstore.list rows", err)
	}

	tasks := make([]types.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// UpdateStatus performs an atomic compare-set status transition (§4.A
// update_status): the UPDATE's WHERE clause only matches rows currently in
// a legal predecessor status, so the database itself rejects illegal
// transitions without a read-modify-write race.
func (s *Store) UpdateStatus(ctx context.Context, taskID string, newStatus types.TaskStatus, patch *types.TaskPatch) error {
	allowedFrom, ok := allowedPredecessors[newStatus]
	if !ok {
		return apperrors.Validation("no task ever transitions to %q", newStatus)
	}

	query := `UPDATE tasks SET status = ?, updated_at = ?`
	args := []interface{}{newStatus, time.Now().UTC()}

	if newStatus == types.StatusPending {
		// Restart: reset broker_id and failed_items (§4.A "restart resets
		// status=PENDING, clears failed_items, and bumps broker_id on next
		// send").
		query += `, broker_id = NULL`
	}
	if patch != nil && patch.BrokerID != nil {
		query += `, broker_id = ?`
		args = append(args, *patch.BrokerID)
	}
	if patch != nil && patch.LastError != nil {
		query += `, last_error = ?`
		args = append(args, *patch.LastError)
	}

	query += ` WHERE task_id = ? AND status IN (` + placeholders(len(allowedFrom)) + `)`
	args = append(args, taskID)
	for _, from := range allowedFrom {
		args = append(args, from)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.Internal("taskstore.update_status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Internal("taskstore.update_status rows_affected", err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, taskID); apperrors.IsNotFound(getErr) {
			return apperrors.NotFound("task %s", taskID)
		}
		return apperrors.Conflict("task %s cannot transition to %s: invalid_state_transition", taskID, newStatus)
	}

	if newStatus == types.StatusPending {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM task_failed_items WHERE task_id = ?`, taskID); err != nil {
			return apperrors.Internal("taskstore.update_status clear_failures", err)
		}
	}
	return nil
}

// allowedPredecessors is the inverse of types.validTransitions: for a given
// target status, which statuses may legally transition into it.
var allowedPredecessors = map[types.TaskStatus][]types.TaskStatus{
	types.StatusProcessing: {types.StatusPending},
	types.StatusDone:       {types.StatusProcessing},
	types.StatusError:      {types.StatusProcessing},
	types.StatusCanceled:   {types.StatusPending, types.StatusProcessing},
	types.StatusRefused:    {types.StatusPending},
	types.StatusPending:    {types.StatusError, types.StatusCanceled, types.StatusRefused},
}

// AppendFailures appends per-item failures to a task (§4.A append_failures,
// append-only).
func (s *Store) AppendFailures(ctx context.Context, taskID string, items []types.FailedItem) error {
	if len(items) == 0 {
		return nil
	}
	stmt, err := s.db.PrepareContext(ctx, `
		INSERT INTO task_failed_items (task_id, item_id, reason, at) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return apperrors.Internal("taskstore.append_failures prepare", err)
	}
	defer stmt.Close()

	for _, item := range items {
		if _, err := stmt.ExecContext(ctx, taskID, item.ItemID, item.Reason, item.At); err != nil {
			return apperrors.Internal("taskstore.append_failures", err)
		}
	}
	return nil
}

// LinkChild adds childID to parentID's children list (§4.A link_child).
func (s *Store) LinkChild(ctx context.Context, parentID, childID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_children (parent_id, child_id) VALUES (?, ?)
	`, parentID, childID)
	if err != nil {
		return apperrors.Internal("taskstore.link_child", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE tasks SET parent_id = ? WHERE task_id = ?`, parentID, childID)
	if err != nil {
		return apperrors.Internal("taskstore.link_child set_parent", err)
	}
	return nil
}

func (s *Store) loadFailedItems(ctx context.Context, taskID string) ([]types.FailedItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, reason, at FROM task_failed_items WHERE task_id = ? ORDER BY at ASC
	`, taskID)
	if err != nil {
		return nil, apperrors.Internal("taskstore.load_failed_items", err)
	}
	defer rows.Close()

	var items []types.FailedItem
	for rows.Next() {
		var item types.FailedItem
		if err := rows.Scan(&item.ItemID, &item.Reason, &item.At); err != nil {
			return nil, apperrors.Internal("taskstore.load_failed_items scan", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) loadChildren(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT child_id FROM task_children WHERE parent_id = ?`, taskID)
	if err != nil {
		return nil, apperrors.Internal("taskstore.load_children", err)
	}
	defer rows.Close()

	var children []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Internal("taskstore.load_children scan", err)
		}
		children = append(children, id)
	}
	return children, rows.Err()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
