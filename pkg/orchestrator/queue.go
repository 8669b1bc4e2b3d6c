package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mnemoslab/mnemos/pkg/errors"
	"github.com/mnemoslab/mnemos/pkg/logging"
)

// TaskKind is the closed set of orchestrated work kinds.
type TaskKind string

const (
	KindSolve   TaskKind = "solve"
	KindExplore TaskKind = "explore"
	KindReflect TaskKind = "reflect"
)

// TaskStatus is the task state machine's state.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusRetrying  TaskStatus = "retrying"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// legalTransitions is the forward-only state machine:
// pending → running → {succeeded | retrying → running | failed}.
// pending → failed covers cancellation before pickup.
var legalTransitions = map[TaskStatus][]TaskStatus{
	StatusPending:  {StatusRunning, StatusFailed},
	StatusRunning:  {StatusSucceeded, StatusRetrying, StatusFailed},
	StatusRetrying: {StatusRunning, StatusFailed},
}

func transitionAllowed(from, to TaskStatus) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task is one queued unit of orchestrated work.
type Task struct {
	ID        string          `json:"id"`
	Kind      TaskKind        `json:"kind"`
	Status    TaskStatus      `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Queue is the durable task table, deliberately separate from the
// semantic memory collections. All status changes go through it and it
// rejects transitions the state machine does not allow.
type Queue struct {
	db *sql.DB
}

const queueSchema = `
CREATE TABLE IF NOT EXISTS tasks (
    id         TEXT PRIMARY KEY,
    kind       TEXT NOT NULL,
    status     TEXT NOT NULL,
    payload    TEXT NOT NULL DEFAULT '',
    result     TEXT NOT NULL DEFAULT '',
    attempts   INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// OpenQueue creates or opens the task queue at path (":memory:" for
// ephemeral queues).
func OpenQueue(path string) (*Queue, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to open task queue"),
			errors.Fields{"path": path},
		)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to enable WAL mode")
	}
	if _, err := db.Exec(queueSchema); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to initialize task table")
	}
	return &Queue{db: db}, nil
}

// Close releases the underlying database.
func (q *Queue) Close() error {
	if err := q.db.Close(); err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to close task queue")
	}
	return nil
}

// Create admits a new task in pending state.
func (q *Queue) Create(ctx context.Context, kind TaskKind, payload json.RawMessage) (*Task, error) {
	now := time.Now().UTC()
	task := &Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    StatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := q.db.ExecContext(ctx, `
    INSERT INTO tasks (id, kind, status, payload, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Kind), string(task.Status), string(task.Payload),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to admit task")
	}
	return task, nil
}

// Get returns a task by id or a not-found error.
func (q *Queue) Get(ctx context.Context, id string) (*Task, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT id, kind, status, payload, result, attempts, last_error, created_at, updated_at FROM tasks WHERE id = ?", id)

	var task Task
	var kind, status, payload, result, createdAt, updatedAt string
	err := row.Scan(&task.ID, &kind, &status, &payload, &result, &task.Attempts, &task.LastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.WithFields(
			errors.New(errors.ResourceNotFound, "task not found"),
			errors.Fields{"task_id": id},
		)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to load task")
	}

	task.Kind = TaskKind(kind)
	task.Status = TaskStatus(status)
	if payload != "" {
		task.Payload = json.RawMessage(payload)
	}
	if result != "" {
		task.Result = json.RawMessage(result)
	}
	if task.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to parse task created_at")
	}
	if task.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to parse task updated_at")
	}
	return &task, nil
}

// MarkRunning transitions a pending or retrying task to running and
// bumps its attempt count. Returns the refreshed task.
func (q *Queue) MarkRunning(ctx context.Context, id string) (*Task, error) {
	return q.transition(ctx, id, StatusRunning, func(task *Task) {
		task.Attempts++
	})
}

// MarkRetrying parks a running task for another attempt, recording the
// transient error.
func (q *Queue) MarkRetrying(ctx context.Context, id string, cause error) (*Task, error) {
	return q.transition(ctx, id, StatusRetrying, func(task *Task) {
		task.LastError = cause.Error()
	})
}

// MarkSucceeded finishes a running task with its result payload.
func (q *Queue) MarkSucceeded(ctx context.Context, id string, result json.RawMessage) (*Task, error) {
	return q.transition(ctx, id, StatusSucceeded, func(task *Task) {
		task.Result = result
		task.LastError = ""
	})
}

// MarkFailed terminally fails a task, recording the last error.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) (*Task, error) {
	return q.transition(ctx, id, StatusFailed, func(task *Task) {
		if cause != nil {
			task.LastError = cause.Error()
		}
	})
}

// FailPending fails a task only while it is still pending. A task a
// worker has already picked up is reported as an invalid transition so
// the caller can cancel the in-flight attempt instead.
func (q *Queue) FailPending(ctx context.Context, id string, cause error) (*Task, error) {
	return q.transitionFrom(ctx, id, StatusPending, StatusFailed, func(task *Task) {
		if cause != nil {
			task.LastError = cause.Error()
		}
	})
}

// RecoverStale requeues work left over from a previous process: running
// rows, whose attempts were interrupted mid-flight, move back to
// retrying, and the ids of all pending and retrying tasks are returned
// for dispatch.
func (q *Queue) RecoverStale(ctx context.Context) ([]string, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := q.db.ExecContext(ctx, `
    UPDATE tasks SET status = ?, last_error = ?, updated_at = ?
    WHERE status = ?`,
		string(StatusRetrying), "attempt interrupted by restart", now, string(StatusRunning))
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to requeue interrupted tasks")
	}

	rows, err := q.db.QueryContext(ctx,
		"SELECT id FROM tasks WHERE status IN (?, ?) ORDER BY created_at",
		string(StatusPending), string(StatusRetrying))
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to list unfinished tasks")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.Unknown, "failed to scan task id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "error iterating unfinished tasks")
	}
	return ids, nil
}

// Counts returns how many tasks sit in each status.
func (q *Queue) Counts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to count tasks")
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, errors.Unknown, "failed to scan task count")
		}
		counts[TaskStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "error iterating task counts")
	}
	return counts, nil
}

// transition applies a guarded status change in one transaction.
func (q *Queue) transition(ctx context.Context, id string, to TaskStatus, mutate func(*Task)) (*Task, error) {
	return q.transitionFrom(ctx, id, "", to, mutate)
}

// transitionFrom is transition with an optional required source status;
// an empty from accepts any legal source.
func (q *Queue) transitionFrom(ctx context.Context, id string, from, to TaskStatus, mutate func(*Task)) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to begin transaction")
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			logging.GetLogger().Error(context.Background(), "failed to rollback task transaction: %v", err)
		}
	}()

	row := tx.QueryRow("SELECT status, attempts, result, last_error FROM tasks WHERE id = ?", id)
	var status, result, lastError string
	var attempts int
	err = row.Scan(&status, &attempts, &result, &lastError)
	if err == sql.ErrNoRows {
		return nil, errors.WithFields(
			errors.New(errors.ResourceNotFound, "task not found"),
			errors.Fields{"task_id": id},
		)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to load task status")
	}

	cur := TaskStatus(status)
	if (from != "" && cur != from) || !transitionAllowed(cur, to) {
		return nil, errors.WithFields(
			errors.New(errors.InvalidTransition, "illegal task status transition"),
			errors.Fields{"task_id": id, "from": cur, "to": to},
		)
	}

	task := &Task{ID: id, Status: to, Attempts: attempts, LastError: lastError}
	if result != "" {
		task.Result = json.RawMessage(result)
	}
	if mutate != nil {
		mutate(task)
	}
	task.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(`
    UPDATE tasks SET status = ?, attempts = ?, result = ?, last_error = ?, updated_at = ?
    WHERE id = ?`,
		string(task.Status), task.Attempts, string(task.Result), task.LastError,
		task.UpdatedAt.Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to update task")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to commit task update")
	}
	return task, nil
}
