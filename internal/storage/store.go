// Package storage persists tasks and their status transitions.
//
// Every status change goes through Transition, a compare-and-set UPDATE
// gated on the expected statuses. Concurrent claimers, completers, and
// cancellers race on the database row, never on in-memory state, so the
// store needs no mutex of its own.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/randalmurphal/fab/internal/db"
	faberrors "github.com/randalmurphal/fab/internal/errors"
	"github.com/randalmurphal/fab/internal/task"
)

const (
	// DefaultListLimit is used when a list request does not set a limit.
	DefaultListLimit = 50

	// MaxListLimit caps a single list page.
	MaxListLimit = 500

	retryAttempts = 3
	retryBase     = 50 * time.Millisecond
)

// taskColumns is the column list every task scan uses, in scanTask order.
const taskColumns = "id, kind, priority, payload, status, attempts, worker_id, cancel_requested, workflow, result, error, created_at, claimed_at, completed_at, updated_at"

// Store provides durable task persistence over the database layer.
type Store struct {
	db     *db.DB
	logger *slog.Logger
}

// New creates a store over an open database.
func New(database *db.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: database, logger: logger}
}

// Filter narrows List results.
type Filter struct {
	Status task.Status
	Kind   string
	Limit  int
	Offset int
}

// TransitionRecord is one row of the append-only status audit trail.
type TransitionRecord struct {
	ID         int64       `json:"id"`
	TaskID     string      `json:"task_id"`
	FromStatus task.Status `json:"from_status"`
	ToStatus   task.Status `json:"to_status"`
	Phase      task.Phase  `json:"phase,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	WorkerID   string      `json:"worker_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// transitionChange collects the field updates a Transition applies
// alongside the status change.
type transitionChange struct {
	workerID       *string
	phase          task.Phase
	reason         string
	errMsg         *string
	result         map[string]any
	workflow       *task.WorkflowState
	bumpAttempts   bool
	stampClaimed   bool
	stampCompleted bool
}

// TransitionOption customizes a status transition.
type TransitionOption func(*transitionChange)

// WithWorkerID records the executor owning the task after the transition.
func WithWorkerID(id string) TransitionOption {
	return func(c *transitionChange) { c.workerID = &id }
}

// WithWorkerCleared releases executor ownership.
func WithWorkerCleared() TransitionOption {
	empty := ""
	return func(c *transitionChange) { c.workerID = &empty }
}

// WithPhase records the workflow phase on the audit row.
func WithPhase(p task.Phase) TransitionOption {
	return func(c *transitionChange) { c.phase = p }
}

// WithReason records a human-readable cause on the audit row.
func WithReason(r string) TransitionOption {
	return func(c *transitionChange) { c.reason = r }
}

// WithError sets the task's error summary.
func WithError(msg string) TransitionOption {
	return func(c *transitionChange) { c.errMsg = &msg }
}

// WithResult sets the task's final result.
func WithResult(result map[string]any) TransitionOption {
	return func(c *transitionChange) { c.result = result }
}

// WithWorkflow persists the workflow state alongside the status change.
func WithWorkflow(w task.WorkflowState) TransitionOption {
	return func(c *transitionChange) { c.workflow = &w }
}

// WithAttemptBump increments the claim counter.
func WithAttemptBump() TransitionOption {
	return func(c *transitionChange) { c.bumpAttempts = true }
}

// WithClaimStamp records the claim time.
func WithClaimStamp() TransitionOption {
	return func(c *transitionChange) { c.stampClaimed = true }
}

// WithCompletionStamp records the terminal time.
func WithCompletionStamp() TransitionOption {
	return func(c *transitionChange) { c.stampCompleted = true }
}

// Put inserts a new task. Fails with TASK_EXISTS if the id is taken.
func (s *Store) Put(ctx context.Context, t *task.Task) error {
	payload := string(t.Payload)
	if payload == "" {
		payload = "{}"
	}

	workflowJSON, err := json.Marshal(t.Workflow)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}

	var result sql.NullString
	if t.Result != nil {
		data, err := json.Marshal(t.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		result = sql.NullString{String: string(data), Valid: true}
	}

	return s.withRetry(ctx, "put", func() error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO tasks (id, kind, priority, payload, status, attempts, worker_id, cancel_requested, workflow, result, error, created_at, claimed_at, completed_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Kind, t.Priority, payload, string(t.Status), t.Attempts,
			t.WorkerID, boolToInt(t.CancelRequested), string(workflowJSON),
			result, t.Error, formatTime(t.CreatedAt), formatTimePtr(t.ClaimedAt),
			formatTimePtr(t.CompletedAt), formatTime(t.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return faberrors.ErrTaskExists(t.ID)
			}
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

// Get loads a task by id. Fails with TASK_NOT_FOUND if absent.
func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	var t *task.Task
	err := s.withRetry(ctx, "get", func() error {
		row := s.db.QueryRow(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
		loaded, err := scanTask(row)
		if err == sql.ErrNoRows {
			return faberrors.ErrTaskNotFound(id)
		}
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}
		t = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// List returns a page of tasks matching the filter plus the total match
// count. Order is priority desc, created_at asc, id asc.
func (s *Store) List(ctx context.Context, f Filter) ([]*task.Task, int, error) {
	where, args := buildWhere(f)

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var tasks []*task.Task
	var total int
	err := s.withRetry(ctx, "list", func() error {
		if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
			return fmt.Errorf("count tasks: %w", err)
		}

		query := "SELECT " + taskColumns + " FROM tasks" + where +
			" ORDER BY priority DESC, created_at ASC, id ASC LIMIT ? OFFSET ?"
		rows, err := s.db.Query(ctx, query, append(args, limit, offset)...)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		defer func() { _ = rows.Close() }()

		tasks = tasks[:0]
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return fmt.Errorf("scan task: %w", err)
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// Transition atomically moves a task from one of the expected statuses to
// the target status, applying the given field changes and appending an
// audit row in the same transaction. Fails with TASK_NOT_FOUND if the id
// is absent and TASK_CONFLICT if the current status is not expected.
func (s *Store) Transition(ctx context.Context, id string, from []task.Status, to task.Status, opts ...TransitionOption) (*task.Task, error) {
	if len(from) == 0 {
		return nil, faberrors.ErrInvalidArgument("from", "at least one expected status is required")
	}

	change := &transitionChange{}
	for _, opt := range opts {
		opt(change)
	}

	var updated *task.Task
	err := s.withRetry(ctx, "transition", func() error {
		t, err := s.transitionOnce(ctx, id, from, to, change)
		if err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) transitionOnce(ctx context.Context, id string, from []task.Status, to task.Status, change *transitionChange) (*task.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRow(ctx, s.db.Rewrite("SELECT status FROM tasks WHERE id = ?"), id).Scan(&current)
	if err == sql.ErrNoRows {
		return nil, faberrors.ErrTaskNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}

	if !statusIn(task.Status(current), from) {
		return nil, faberrors.ErrTaskConflict(id, current, statusList(from))
	}

	now := formatTime(time.Now().UTC())

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), now}
	if change.workerID != nil {
		sets = append(sets, "worker_id = ?")
		args = append(args, *change.workerID)
	}
	if change.bumpAttempts {
		sets = append(sets, "attempts = attempts + 1")
	}
	if change.stampClaimed {
		sets = append(sets, "claimed_at = ?")
		args = append(args, now)
	}
	if change.stampCompleted {
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}
	if change.errMsg != nil {
		sets = append(sets, "error = ?")
		args = append(args, *change.errMsg)
	}
	if change.result != nil {
		data, err := json.Marshal(change.result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		sets = append(sets, "result = ?")
		args = append(args, string(data))
	}
	if change.workflow != nil {
		data, err := json.Marshal(change.workflow)
		if err != nil {
			return nil, fmt.Errorf("encode workflow: %w", err)
		}
		sets = append(sets, "workflow = ?")
		args = append(args, string(data))
	}

	placeholders := strings.Repeat("?, ", len(from)-1) + "?"
	query := "UPDATE tasks SET " + strings.Join(sets, ", ") +
		" WHERE id = ? AND status IN (" + placeholders + ")"
	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := tx.Exec(ctx, s.db.Rewrite(query), args...)
	if err != nil {
		return nil, fmt.Errorf("transition update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check transition result: %w", err)
	}
	if affected == 0 {
		// Lost a race after the status read.
		return nil, faberrors.ErrTaskConflict(id, current, statusList(from))
	}

	workerID := ""
	if change.workerID != nil {
		workerID = *change.workerID
	}
	_, err = tx.Exec(ctx, s.db.Rewrite(`
		INSERT INTO task_transitions (task_id, from_status, to_status, phase, reason, worker_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		id, current, string(to), string(change.phase), change.reason, workerID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("append transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}

	return s.Get(ctx, id)
}

// UpdateWorkflow persists mid-phase workflow state without touching the
// task's status.
func (s *Store) UpdateWorkflow(ctx context.Context, id string, w task.WorkflowState) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}

	return s.withRetry(ctx, "update_workflow", func() error {
		res, err := s.db.Exec(ctx,
			"UPDATE tasks SET workflow = ?, updated_at = ? WHERE id = ?",
			string(data), formatTime(time.Now().UTC()), id,
		)
		if err != nil {
			return fmt.Errorf("update workflow: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("check workflow update: %w", err)
		}
		if affected == 0 {
			return faberrors.ErrTaskNotFound(id)
		}
		return nil
	})
}

// RequestCancel durably marks a RUNNING task for cooperative cancellation.
// The owning executor observes the flag at the next phase boundary.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	return s.withRetry(ctx, "request_cancel", func() error {
		res, err := s.db.Exec(ctx,
			"UPDATE tasks SET cancel_requested = 1, updated_at = ? WHERE id = ? AND status = ?",
			formatTime(time.Now().UTC()), id, string(task.StatusRunning),
		)
		if err != nil {
			return fmt.Errorf("request cancel: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("check cancel request: %w", err)
		}
		if affected == 0 {
			t, err := s.Get(ctx, id)
			if err != nil {
				return err
			}
			return faberrors.ErrTaskConflict(id, string(t.Status), string(task.StatusRunning))
		}
		return nil
	})
}

// CountByStatus returns the number of tasks in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[task.Status]int, error) {
	counts := make(map[task.Status]int)
	err := s.withRetry(ctx, "count_by_status", func() error {
		rows, err := s.db.Query(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
		if err != nil {
			return fmt.Errorf("count by status: %w", err)
		}
		defer func() { _ = rows.Close() }()

		clear(counts)
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return fmt.Errorf("scan count: %w", err)
			}
			counts[task.Status(status)] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// PurgeTerminalBefore deletes terminal tasks that completed before the
// cutoff. Transition audit rows cascade. Returns the number purged.
func (s *Store) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := s.withRetry(ctx, "purge", func() error {
		res, err := s.db.Exec(ctx,
			"DELETE FROM tasks WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?",
			string(task.StatusCompleted), string(task.StatusFailed), string(task.StatusCancelled),
			formatTime(cutoff.UTC()),
		)
		if err != nil {
			return fmt.Errorf("purge terminal tasks: %w", err)
		}
		purged, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("check purge result: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

// ListTransitions returns the audit trail for a task, oldest first.
func (s *Store) ListTransitions(ctx context.Context, taskID string) ([]TransitionRecord, error) {
	if _, err := s.Get(ctx, taskID); err != nil {
		return nil, err
	}

	var records []TransitionRecord
	err := s.withRetry(ctx, "list_transitions", func() error {
		rows, err := s.db.Query(ctx, `
			SELECT id, task_id, from_status, to_status, phase, reason, worker_id, created_at
			FROM task_transitions WHERE task_id = ? ORDER BY id ASC`, taskID)
		if err != nil {
			return fmt.Errorf("list transitions: %w", err)
		}
		defer func() { _ = rows.Close() }()

		records = records[:0]
		for rows.Next() {
			var r TransitionRecord
			var createdAt string
			if err := rows.Scan(&r.ID, &r.TaskID, &r.FromStatus, &r.ToStatus, &r.Phase, &r.Reason, &r.WorkerID, &createdAt); err != nil {
				return fmt.Errorf("scan transition: %w", err)
			}
			r.CreatedAt = parseTime(createdAt)
			records = append(records, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Ping verifies the backing database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return faberrors.ErrStoreUnavailable(err)
	}
	return nil
}

// Close closes the backing database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withRetry runs fn, retrying transient database errors with jittered
// doubling backoff. Exhausted retries surface as STORE_UNAVAILABLE.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := retryBase
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		delay := backoff + time.Duration(rand.Int63n(int64(backoff)))
		s.logger.Warn("store operation retrying",
			"op", op, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		backoff *= 2
	}
	return faberrors.ErrStoreUnavailable(err)
}

// isTransient reports whether a database error is worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if faberrors.AsFabError(err) != nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset")
}

// isUniqueViolation reports whether err is a primary key or unique
// constraint failure in either dialect.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

func buildWhere(f Filter) (string, []any) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, f.Kind)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func statusIn(status task.Status, set []task.Status) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func statusList(set []task.Status) string {
	names := make([]string, len(set))
	for i, s := range set {
		names[i] = string(s)
	}
	return strings.Join(names, " or ")
}

// scanTask reads one task row. The scanner must yield columns in
// taskColumns order.
func scanTask(row interface{ Scan(dest ...any) error }) (*task.Task, error) {
	var (
		t                      task.Task
		payload, workflow      string
		result                 sql.NullString
		claimedAt, completedAt sql.NullString
		cancelRequested        int
		createdAt, updatedAt   string
	)

	err := row.Scan(&t.ID, &t.Kind, &t.Priority, &payload, &t.Status,
		&t.Attempts, &t.WorkerID, &cancelRequested, &workflow, &result,
		&t.Error, &createdAt, &claimedAt, &completedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Payload = json.RawMessage(payload)
	t.CancelRequested = cancelRequested != 0
	if err := json.Unmarshal([]byte(workflow), &t.Workflow); err != nil {
		return nil, fmt.Errorf("decode workflow for %s: %w", t.ID, err)
	}
	if result.Valid && result.String != "" {
		_ = json.Unmarshal([]byte(result.String), &t.Result)
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.ClaimedAt = parseTimePtr(claimedAt)
	t.CompletedAt = parseTimePtr(completedAt)

	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeLayout is RFC3339 with fixed-width nanoseconds. The zero padding
// keeps every encoded timestamp the same length, so TEXT comparison
// matches chronological order even for tasks created inside the same
// second; RFC3339Nano trims trailing zeros and loses that property.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	// RFC3339Nano accepts both fractional and whole-second encodings, so
	// rows written before the fixed-width layout still read back.
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
