package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/datafabric/internal/bus"
	"github.com/basket/datafabric/internal/fabricerr"
	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusClaimed   TaskStatus = "claimed"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

type Task struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	RunID          string     `json:"run_id,omitempty"`
	Kind           string     `json:"kind"`
	Payload        string     `json:"payload"`
	Priority       int        `json:"priority"`
	Status         TaskStatus `json:"status"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Result         string     `json:"result,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TaskFilter narrows ListTasks. Zero values mean "any".
type TaskFilter struct {
	Status TaskStatus
	RunID  string
	Kind   string
	Limit  int
}

const taskColumns = `id, tenant_id, run_id, kind, payload, priority, status,
	COALESCE(claimed_by, ''), lease_expires_at, retry_count, max_retries,
	COALESCE(idempotency_key, ''), COALESCE(result, ''), COALESCE(last_error, ''),
	created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var status string
	var lease sql.NullTime
	if err := scanFn(
		&task.ID, &task.TenantID, &task.RunID, &task.Kind, &task.Payload, &task.Priority, &status,
		&task.ClaimedBy, &lease, &task.RetryCount, &task.MaxRetries,
		&task.IdempotencyKey, &task.Result, &task.LastError,
		&task.CreatedAt, &task.UpdatedAt,
	); err != nil {
		return err
	}
	task.Status = TaskStatus(status)
	task.LeaseExpiresAt = timePtr(lease)
	return nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (*Task, error) {
	var task Task
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE tenant_id = ? AND id = ?;`, tenantID, id)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fabricerr.NotFound("task", id)
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &task, nil
}

func taskEvent(t *Task, old TaskStatus) bus.TaskStateChangedEvent {
	return bus.TaskStateChangedEvent{
		TenantID:  t.TenantID,
		TaskID:    t.ID,
		RunID:     t.RunID,
		OldStatus: string(old),
		NewStatus: string(t.Status),
		WorkerID:  t.ClaimedBy,
		Retry:     t.RetryCount,
	}
}

// InsertTask persists a pending task. When the task carries an idempotency key
// already used by the tenant, the existing task is returned and created is false.
func (s *Store) InsertTask(ctx context.Context, task Task, now time.Time) (out *Task, created bool, err error) {
	if task.TenantID == "" || task.Kind == "" {
		return nil, false, fabricerr.Invalid("tenant and kind are required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Payload == "" {
		task.Payload = "{}"
	}
	task.Status = TaskStatusPending
	task.CreatedAt = now.UTC()
	task.UpdatedAt = task.CreatedAt

	err = s.withTx(ctx, "insert task", func(tx *sql.Tx, box *outbox) error {
		out, created = nil, false
		if task.IdempotencyKey != "" {
			var existingID string
			err := tx.QueryRowContext(ctx, `SELECT id FROM tasks WHERE tenant_id = ? AND idempotency_key = ?;`,
				task.TenantID, task.IdempotencyKey).Scan(&existingID)
			switch {
			case err == nil:
				existing, err := getTaskTx(ctx, tx, task.TenantID, existingID)
				if err != nil {
					return err
				}
				out = existing
				return nil
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("select idempotent task: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, tenant_id, run_id, kind, payload, priority, status, retry_count, max_retries,
				idempotency_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?);
		`, task.ID, task.TenantID, task.RunID, task.Kind, task.Payload, task.Priority, string(task.Status),
			task.MaxRetries, nullString(task.IdempotencyKey), task.CreatedAt, task.UpdatedAt); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := appendEventTx(ctx, tx, task.TenantID, StreamTask, task.ID, bus.TopicTaskEnqueued, task.RunID,
			map[string]any{"kind": task.Kind, "priority": task.Priority}, now); err != nil {
			return err
		}
		t := task
		out, created = &t, true
		box.add(bus.TopicTaskEnqueued, taskEvent(&t, ""))
		return nil
	})
	if err != nil && isUniqueViolation(err) && task.IdempotencyKey != "" {
		// A concurrent enqueue with the same key won; return its row.
		existing, getErr := s.getTaskByIdempotencyKey(ctx, task.TenantID, task.IdempotencyKey)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *Store) getTaskByIdempotencyKey(ctx context.Context, tenantID, key string) (*Task, error) {
	var task Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE tenant_id = ? AND idempotency_key = ?;`, tenantID, key)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fabricerr.NotFound("task idempotency key", key)
		}
		return nil, wrapErr("get task by idempotency key", err)
	}
	return &task, nil
}

// GetTask loads a task owned by tenantID.
func (s *Store) GetTask(ctx context.Context, tenantID, id string) (*Task, error) {
	var task Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE tenant_id = ? AND id = ?;`, tenantID, id)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fabricerr.NotFound("task", id)
		}
		return nil, wrapErr("get task", err)
	}
	return &task, nil
}

// ListClaimCandidates returns the ids of the next pending tasks for a tenant in
// claim order: priority DESC, created_at ASC, then insertion order. A non-empty
// kinds restricts the candidates to those task kinds.
func (s *Store) ListClaimCandidates(ctx context.Context, tenantID string, kinds []string, limit int) ([]string, error) {
	limit = clampLimit(limit, 8, 256)
	query := `SELECT id FROM tasks WHERE tenant_id = ? AND status = ?`
	args := []any{tenantID, string(TaskStatusPending)}
	if len(kinds) > 0 {
		query += ` AND kind IN (?` + strings.Repeat(`, ?`, len(kinds)-1) + `)`
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	query += ` ORDER BY priority DESC, created_at ASC, rowid ASC LIMIT ?;`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list claim candidates", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan claim candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list claim candidates", err)
	}
	return ids, nil
}

// ClaimTask conditionally moves one pending task to claimed. ok is false when
// another worker got there first; that is not an error.
func (s *Store) ClaimTask(ctx context.Context, tenantID, id, workerID string, leaseExpiresAt, now time.Time) (task *Task, ok bool, err error) {
	if workerID == "" {
		return nil, false, fabricerr.Invalid("worker id is required")
	}
	err = s.withTx(ctx, "claim task", func(tx *sql.Tx, box *outbox) error {
		task, ok = nil, false
		won, err := execCAS(ctx, tx, `
			UPDATE tasks
			SET status = ?, claimed_by = ?, lease_expires_at = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND status = ?;
		`, string(TaskStatusClaimed), workerID, leaseExpiresAt.UTC(), now.UTC(), tenantID, id, string(TaskStatusPending))
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		if !won {
			return nil
		}
		claimed, err := getTaskTx(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, tenantID, StreamTask, id, bus.TopicTaskClaimed, claimed.RunID,
			map[string]any{"worker_id": workerID, "lease_expires_at": leaseExpiresAt.UTC()}, now); err != nil {
			return err
		}
		task, ok = claimed, true
		box.add(bus.TopicTaskClaimed, taskEvent(claimed, TaskStatusPending))
		return nil
	})
	return task, ok, err
}

// leaseMissTx explains why a lease-guarded update touched no row.
func leaseMissTx(ctx context.Context, tx *sql.Tx, tenantID, id string) error {
	if _, err := getTaskTx(ctx, tx, tenantID, id); err != nil {
		return err
	}
	return fmt.Errorf("task %q: %w", id, fabricerr.ErrStaleLease)
}

// CompleteTask moves a claimed task to completed if workerID still holds an
// unexpired lease.
func (s *Store) CompleteTask(ctx context.Context, tenantID, id, workerID, result string, now time.Time) (*Task, error) {
	var out *Task
	err := s.withTx(ctx, "complete task", func(tx *sql.Tx, box *outbox) error {
		ok, err := execCAS(ctx, tx, `
			UPDATE tasks
			SET status = ?, result = ?, claimed_by = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND status = ? AND claimed_by = ? AND lease_expires_at > ?;
		`, string(TaskStatusCompleted), result, now.UTC(), tenantID, id, string(TaskStatusClaimed), workerID, now.UTC())
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if !ok {
			return leaseMissTx(ctx, tx, tenantID, id)
		}
		done, err := getTaskTx(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, tenantID, StreamTask, id, bus.TopicTaskCompleted, done.RunID,
			map[string]any{"worker_id": workerID}, now); err != nil {
			return err
		}
		out = done
		ev := taskEvent(done, TaskStatusClaimed)
		ev.WorkerID = workerID
		box.add(bus.TopicTaskCompleted, ev)
		return nil
	})
	return out, err
}

// FailTask records a failed attempt by the lease holder. The retry counter is
// incremented and the task goes back to pending while budget remains,
// otherwise to failed. The returned task carries the new status.
func (s *Store) FailTask(ctx context.Context, tenantID, id, workerID, errMsg string, now time.Time) (*Task, error) {
	var out *Task
	err := s.withTx(ctx, "fail task", func(tx *sql.Tx, box *outbox) error {
		ok, err := execCAS(ctx, tx, `
			UPDATE tasks
			SET retry_count = retry_count + 1,
				status = CASE WHEN retry_count + 1 < max_retries THEN ? ELSE ? END,
				last_error = ?, claimed_by = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND status = ? AND claimed_by = ? AND lease_expires_at > ?;
		`, string(TaskStatusPending), string(TaskStatusFailed), errMsg, now.UTC(),
			tenantID, id, string(TaskStatusClaimed), workerID, now.UTC())
		if err != nil {
			return fmt.Errorf("fail task: %w", err)
		}
		if !ok {
			return leaseMissTx(ctx, tx, tenantID, id)
		}
		failed, err := getTaskTx(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		topic := bus.TopicTaskRetrying
		if failed.Status == TaskStatusFailed {
			topic = bus.TopicTaskFailed
		}
		if err := appendEventTx(ctx, tx, tenantID, StreamTask, id, topic, failed.RunID,
			map[string]any{"worker_id": workerID, "retry_count": failed.RetryCount, "error": errMsg}, now); err != nil {
			return err
		}
		out = failed
		ev := taskEvent(failed, TaskStatusClaimed)
		ev.WorkerID = workerID
		box.add(topic, ev)
		return nil
	})
	return out, err
}

// HeartbeatTask extends a live lease held by workerID.
func (s *Store) HeartbeatTask(ctx context.Context, tenantID, id, workerID string, leaseExpiresAt, now time.Time) (*Task, error) {
	var out *Task
	err := s.withTx(ctx, "heartbeat task", func(tx *sql.Tx, box *outbox) error {
		ok, err := execCAS(ctx, tx, `
			UPDATE tasks
			SET lease_expires_at = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND status = ? AND claimed_by = ? AND lease_expires_at > ?;
		`, leaseExpiresAt.UTC(), now.UTC(), tenantID, id, string(TaskStatusClaimed), workerID, now.UTC())
		if err != nil {
			return fmt.Errorf("heartbeat task: %w", err)
		}
		if !ok {
			return leaseMissTx(ctx, tx, tenantID, id)
		}
		live, err := getTaskTx(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		out = live
		box.add(bus.TopicTaskHeartbeat, taskEvent(live, TaskStatusClaimed))
		return nil
	})
	return out, err
}

// ListExpiredLeases returns claimed tasks, across all tenants, whose lease
// ended strictly before now.
func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	limit = clampLimit(limit, 500, 5000)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		ORDER BY lease_expires_at ASC
		LIMIT ?;
	`, string(TaskStatusClaimed), now.UTC(), limit)
	if err != nil {
		return nil, wrapErr("list expired leases", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan expired lease task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list expired leases", err)
	}
	return out, nil
}

// RequeueExpiredTask resets one expired lease. The retry counter is charged;
// an exhausted budget ends in failed. ok is false when the lease was already
// settled by its worker or another sweeper.
func (s *Store) RequeueExpiredTask(ctx context.Context, tenantID, id string, now time.Time) (task *Task, ok bool, err error) {
	err = s.withTx(ctx, "requeue expired task", func(tx *sql.Tx, box *outbox) error {
		task, ok = nil, false
		var prevWorker sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT claimed_by FROM tasks WHERE tenant_id = ? AND id = ?;`, tenantID, id).Scan(&prevWorker); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select expired task: %w", err)
		}
		won, err := execCAS(ctx, tx, `
			UPDATE tasks
			SET retry_count = retry_count + 1,
				status = CASE WHEN retry_count + 1 < max_retries THEN ? ELSE ? END,
				last_error = 'lease expired', claimed_by = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?;
		`, string(TaskStatusPending), string(TaskStatusFailed), now.UTC(),
			tenantID, id, string(TaskStatusClaimed), now.UTC())
		if err != nil {
			return fmt.Errorf("requeue expired task: %w", err)
		}
		if !won {
			return nil
		}
		swept, err := getTaskTx(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, tenantID, StreamTask, id, bus.TopicTaskLeaseExpired, swept.RunID,
			map[string]any{"worker_id": prevWorker.String, "retry_count": swept.RetryCount, "status": swept.Status}, now); err != nil {
			return err
		}
		task, ok = swept, true
		ev := taskEvent(swept, TaskStatusClaimed)
		ev.WorkerID = prevWorker.String
		box.add(bus.TopicTaskLeaseExpired, ev)
		return nil
	})
	return task, ok, err
}

// ListTasks returns a tenant's tasks newest first.
func (s *Store) ListTasks(ctx context.Context, tenantID string, filter TaskFilter) ([]Task, error) {
	limit := clampLimit(filter.Limit, 100, 1000)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE tenant_id = ?
		  AND (? = '' OR status = ?)
		  AND (? = '' OR run_id = ?)
		  AND (? = '' OR kind = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?;
	`, tenantID,
		string(filter.Status), string(filter.Status),
		filter.RunID, filter.RunID,
		filter.Kind, filter.Kind,
		limit)
	if err != nil {
		return nil, wrapErr("list tasks", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list tasks", err)
	}
	return out, nil
}

// TaskCounts returns the number of a tenant's tasks per status.
func (s *Store) TaskCounts(ctx context.Context, tenantID string) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks WHERE tenant_id = ? GROUP BY status;
	`, tenantID)
	if err != nil {
		return nil, wrapErr("task counts", err)
	}
	defer rows.Close()

	out := map[TaskStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[TaskStatus(status)] = n
	}
	return out, rows.Err()
}
