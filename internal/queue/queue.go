// Package queue is the lease-based task queue. Workers claim the
// highest-priority pending task for a bounded lease, then ack or fail it.
// Crashed workers are recovered by sweeping expired leases.
package queue

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/datafabric/internal/fabricerr"
	fotel "github.com/basket/datafabric/internal/otel"
	"github.com/basket/datafabric/internal/persistence"
	"github.com/basket/datafabric/internal/shared"
	"github.com/basket/datafabric/internal/telemetry"
)

// Store is the persistence the queue needs.
type Store interface {
	InsertTask(ctx context.Context, task persistence.Task, now time.Time) (*persistence.Task, bool, error)
	GetTask(ctx context.Context, tenantID, id string) (*persistence.Task, error)
	ListClaimCandidates(ctx context.Context, tenantID string, kinds []string, limit int) ([]string, error)
	ClaimTask(ctx context.Context, tenantID, id, workerID string, leaseExpiresAt, now time.Time) (*persistence.Task, bool, error)
	CompleteTask(ctx context.Context, tenantID, id, workerID, result string, now time.Time) (*persistence.Task, error)
	FailTask(ctx context.Context, tenantID, id, workerID, errMsg string, now time.Time) (*persistence.Task, error)
	HeartbeatTask(ctx context.Context, tenantID, id, workerID string, leaseExpiresAt, now time.Time) (*persistence.Task, error)
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]persistence.Task, error)
	RequeueExpiredTask(ctx context.Context, tenantID, id string, now time.Time) (*persistence.Task, bool, error)
	ListTasks(ctx context.Context, tenantID string, filter persistence.TaskFilter) ([]persistence.Task, error)
	TaskCounts(ctx context.Context, tenantID string) (map[persistence.TaskStatus]int, error)
}

// Config tunes leases and claim behaviour.
type Config struct {
	DefaultLease      time.Duration
	DefaultMaxRetries int
	// ClaimBatch is how many candidates are read per claim round.
	ClaimBatch int
	// SweepBatch is how many expired leases are read per sweep pass.
	SweepBatch int
}

// DefaultConfig returns the standard queue settings.
func DefaultConfig() Config {
	return Config{
		DefaultLease:      30 * time.Second,
		DefaultMaxRetries: 3,
		ClaimBatch:        8,
		SweepBatch:        200,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultLease <= 0 {
		c.DefaultLease = d.DefaultLease
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = d.DefaultMaxRetries
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = d.ClaimBatch
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = d.SweepBatch
	}
	return c
}

// Options wires optional collaborators. Zero values are valid.
type Options struct {
	Config  Config
	Clock   shared.Clock
	Logger  *slog.Logger
	Metrics *fotel.Metrics
	Tracer  trace.Tracer
}

// Queue is safe for concurrent use by any number of workers and sweepers.
type Queue struct {
	store   Store
	cfg     Config
	clock   shared.Clock
	logger  *slog.Logger
	metrics *fotel.Metrics
	tracer  trace.Tracer
}

func New(store Store, opts Options) *Queue {
	q := &Queue{
		store:   store,
		cfg:     opts.Config.withDefaults(),
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  fotel.TracerOrNoop(opts.Tracer),
	}
	if q.clock == nil {
		q.clock = shared.SystemClock()
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	q.logger = q.logger.With("component", "queue")
	return q
}

// EnqueueRequest describes a new task. Payload determines the task kind.
type EnqueueRequest struct {
	RunID          string
	Payload        Payload
	Priority       int
	// MaxRetries caps failed attempts before the task fails for good. Nil
	// means the queue default; zero means the first failure is final.
	MaxRetries     *int
	IdempotencyKey string
}

// Retries returns a MaxRetries value for EnqueueRequest.
func Retries(n int) *int { return &n }

// FailOutcome reports where a failed task went.
type FailOutcome struct {
	Task *persistence.Task
	// Requeued is true when the task went back to pending for another attempt.
	Requeued bool
}

// Enqueue creates a pending task. With an idempotency key already used by
// the tenant, the existing task is returned unchanged.
func (q *Queue) Enqueue(ctx context.Context, tenantID string, req EnqueueRequest) (task *persistence.Task, err error) {
	ctx, span := fotel.StartSpan(ctx, q.tracer, "queue.enqueue", fotel.AttrTenantID.String(tenantID))
	defer func() { fotel.EndSpan(span, err) }()

	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return nil, fabricerr.Invalid("max_retries must not be negative")
	}
	payload, err := EncodePayload(req.Payload)
	if err != nil {
		return nil, err
	}
	maxRetries := q.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	runID := req.RunID
	if runID == "" {
		runID = shared.RunID(ctx)
	}

	task, created, err := q.store.InsertTask(ctx, persistence.Task{
		TenantID:       tenantID,
		RunID:          runID,
		Kind:           req.Payload.Kind(),
		Payload:        payload,
		Priority:       req.Priority,
		MaxRetries:     maxRetries,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	}, q.clock.Now())
	if err != nil {
		return nil, err
	}
	span.SetAttributes(fotel.AttrTaskID.String(task.ID), fotel.AttrTaskKind.String(task.Kind))
	if created {
		q.metrics.Count(ctx, fotel.Enqueued, 1, fotel.AttrTaskKind.String(task.Kind))
		telemetry.FromContext(ctx, q.logger).Info("task enqueued",
			"task_id", task.ID, "kind", task.Kind, "priority", task.Priority)
	}
	return task, nil
}

// ClaimNext leases the best pending task to workerID. With kinds set, only
// tasks of those kinds are considered. It returns (nil, nil) only when no
// candidate is pending. A lost race means another worker claimed the task,
// so candidates are re-read until one is won, none remain, or ctx is done.
func (q *Queue) ClaimNext(ctx context.Context, tenantID, workerID string, lease time.Duration, kinds ...string) (task *persistence.Task, err error) {
	ctx, span := fotel.StartSpan(ctx, q.tracer, "queue.claim",
		fotel.AttrTenantID.String(tenantID), fotel.AttrWorkerID.String(workerID))
	defer func() { fotel.EndSpan(span, err) }()

	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(workerID) == "" {
		return nil, fabricerr.Invalid("worker id is required")
	}
	if lease <= 0 {
		lease = q.cfg.DefaultLease
	}

	conflicts := 0
	defer func() { q.metrics.Count(ctx, fotel.ClaimConflicts, int64(conflicts)) }()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids, err := q.store.ListClaimCandidates(ctx, tenantID, kinds, q.cfg.ClaimBatch)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			if conflicts > 0 {
				q.logger.Debug("claim lost every race", "tenant_id", tenantID, "worker_id", workerID, "conflicts", conflicts)
			}
			return nil, nil
		}
		for _, id := range ids {
			now := q.clock.Now()
			claimed, ok, err := q.store.ClaimTask(ctx, tenantID, id, workerID, now.Add(lease), now)
			if err != nil {
				return nil, err
			}
			if !ok {
				conflicts++
				continue
			}
			span.SetAttributes(fotel.AttrTaskID.String(claimed.ID))
			q.metrics.Count(ctx, fotel.Claims, 1, fotel.AttrTaskKind.String(claimed.Kind))
			telemetry.FromContext(ctx, q.logger).Info("task claimed",
				"task_id", claimed.ID, "worker_id", workerID, "lease_expires_at", claimed.LeaseExpiresAt)
			return claimed, nil
		}
	}
}

// Ack completes a task held by workerID under a live lease.
func (q *Queue) Ack(ctx context.Context, tenantID, taskID, workerID, result string) (task *persistence.Task, err error) {
	ctx, span := fotel.StartSpan(ctx, q.tracer, "queue.ack",
		fotel.AttrTenantID.String(tenantID), fotel.AttrTaskID.String(taskID), fotel.AttrWorkerID.String(workerID))
	defer func() { fotel.EndSpan(span, err) }()

	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	task, err = q.store.CompleteTask(ctx, tenantID, taskID, workerID, result, q.clock.Now())
	if err != nil {
		return nil, err
	}
	q.metrics.Count(ctx, fotel.Acks, 1, fotel.AttrTaskKind.String(task.Kind))
	telemetry.FromContext(ctx, q.logger).Info("task completed", "task_id", taskID, "worker_id", workerID)
	return task, nil
}

// Fail records a failed attempt. The task is requeued while retries remain,
// otherwise it becomes failed.
func (q *Queue) Fail(ctx context.Context, tenantID, taskID, workerID, errMsg string) (out FailOutcome, err error) {
	ctx, span := fotel.StartSpan(ctx, q.tracer, "queue.fail",
		fotel.AttrTenantID.String(tenantID), fotel.AttrTaskID.String(taskID), fotel.AttrWorkerID.String(workerID))
	defer func() { fotel.EndSpan(span, err) }()

	if err := requireTenant(tenantID); err != nil {
		return FailOutcome{}, err
	}
	task, err := q.store.FailTask(ctx, tenantID, taskID, workerID, shared.Redact(errMsg), q.clock.Now())
	if err != nil {
		return FailOutcome{}, err
	}
	out = FailOutcome{Task: task, Requeued: task.Status == persistence.TaskStatusPending}
	outcome := "failed"
	if out.Requeued {
		outcome = "requeued"
	}
	q.metrics.Count(ctx, fotel.Failures, 1, fotel.AttrOutcome.String(outcome))
	telemetry.FromContext(ctx, q.logger).Warn("task attempt failed",
		"task_id", taskID, "worker_id", workerID, "retry_count", task.RetryCount,
		"max_retries", task.MaxRetries, "outcome", outcome)
	return out, nil
}

// Heartbeat extends a live lease held by workerID.
func (q *Queue) Heartbeat(ctx context.Context, tenantID, taskID, workerID string, lease time.Duration) (task *persistence.Task, err error) {
	ctx, span := fotel.StartSpan(ctx, q.tracer, "queue.heartbeat",
		fotel.AttrTenantID.String(tenantID), fotel.AttrTaskID.String(taskID))
	defer func() { fotel.EndSpan(span, err) }()

	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if lease <= 0 {
		lease = q.cfg.DefaultLease
	}
	now := q.clock.Now()
	return q.store.HeartbeatTask(ctx, tenantID, taskID, workerID, now.Add(lease), now)
}

// SweepExpiredLeases returns every task whose lease expired strictly before
// now to pending, or to failed once the retry budget is spent. It returns the
// number of tasks reset by this call; tasks reset concurrently by another
// sweeper are not counted.
func (q *Queue) SweepExpiredLeases(ctx context.Context) (n int, err error) {
	ctx, span := fotel.StartSpan(ctx, q.tracer, "queue.sweep")
	defer func() { fotel.EndSpan(span, err) }()

	now := q.clock.Now()
	seen := make(map[string]bool)
	for {
		expired, err := q.store.ListExpiredLeases(ctx, now, q.cfg.SweepBatch)
		if err != nil {
			return n, err
		}
		progressed := false
		for _, t := range expired {
			key := t.TenantID + "/" + t.ID
			if seen[key] {
				continue
			}
			seen[key] = true
			progressed = true
			swept, ok, err := q.store.RequeueExpiredTask(ctx, t.TenantID, t.ID, now)
			if err != nil {
				return n, err
			}
			if !ok {
				continue
			}
			n++
			q.logger.Info("lease expired",
				"tenant_id", t.TenantID, "task_id", t.ID, "worker_id", t.ClaimedBy,
				"retry_count", swept.RetryCount, "status", swept.Status)
		}
		if len(expired) < q.cfg.SweepBatch || !progressed {
			break
		}
	}
	q.metrics.Count(ctx, fotel.Swept, int64(n))
	return n, nil
}

// Get loads one task owned by tenantID.
func (q *Queue) Get(ctx context.Context, tenantID, taskID string) (*persistence.Task, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return q.store.GetTask(ctx, tenantID, taskID)
}

// List returns a tenant's tasks.
func (q *Queue) List(ctx context.Context, tenantID string, filter persistence.TaskFilter) ([]persistence.Task, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return q.store.ListTasks(ctx, tenantID, filter)
}

// Counts returns task counts by status.
func (q *Queue) Counts(ctx context.Context, tenantID string) (map[persistence.TaskStatus]int, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return q.store.TaskCounts(ctx, tenantID)
}

func requireTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return fabricerr.Invalid("tenant id is required")
	}
	return nil
}
