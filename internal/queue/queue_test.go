package queue_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/datafabric/internal/fabricerr"
	"github.com/basket/datafabric/internal/persistence"
	"github.com/basket/datafabric/internal/queue"
	"github.com/basket/datafabric/internal/shared"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T) (*queue.Queue, *persistence.Store, *shared.ManualClock) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "fabric.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	clock := shared.NewManualClock(t0)
	q := queue.New(store, queue.Options{Clock: clock})
	return q, store, clock
}

func enqueue(t *testing.T, q *queue.Queue, tenant string, req queue.EnqueueRequest) *persistence.Task {
	t.Helper()
	if req.Payload == nil {
		req.Payload = queue.ToolCall{Tool: "echo"}
	}
	task, err := q.Enqueue(context.Background(), tenant, req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return task
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	low := enqueue(t, q, "acme", queue.EnqueueRequest{Priority: 1})
	clock.Advance(time.Second)
	high := enqueue(t, q, "acme", queue.EnqueueRequest{Priority: 5})

	first, err := q.ClaimNext(ctx, "acme", "w1", time.Minute)
	if err != nil || first == nil {
		t.Fatalf("claim: task=%v err=%v", first, err)
	}
	if first.ID != high.ID {
		t.Fatalf("expected priority 5 task first, got %s", first.ID)
	}
	second, err := q.ClaimNext(ctx, "acme", "w1", time.Minute)
	if err != nil || second == nil || second.ID != low.ID {
		t.Fatalf("expected priority 1 task second, got %+v err=%v", second, err)
	}
}

func TestQueue_ClaimNextEmpty(t *testing.T) {
	q, _, _ := newTestQueue(t)
	task, err := q.ClaimNext(context.Background(), "acme", "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim on empty queue: %v", err)
	}
	if task != nil {
		t.Fatalf("expected nil task, got %+v", task)
	}
}

func TestQueue_TenantIsolation(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	enqueue(t, q, "acme", queue.EnqueueRequest{})

	task, err := q.ClaimNext(ctx, "globex", "w1", time.Minute)
	if err != nil || task != nil {
		t.Fatalf("other tenant must see nothing: task=%v err=%v", task, err)
	}
}

func TestQueue_ExclusiveClaimsUnderConcurrency(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	const tasks = 20
	for i := 0; i < tasks; i++ {
		enqueue(t, q, "acme", queue.EnqueueRequest{Priority: i % 3})
	}

	var mu sync.Mutex
	claimedBy := make(map[string]string)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < 8; w++ {
		worker := fmt.Sprintf("w-%d", w)
		g.Go(func() error {
			for {
				task, err := q.ClaimNext(gctx, "acme", worker, time.Minute)
				if err != nil {
					return err
				}
				if task == nil {
					return nil
				}
				mu.Lock()
				if prev, dup := claimedBy[task.ID]; dup {
					mu.Unlock()
					return fmt.Errorf("task %s claimed by %s and %s", task.ID, prev, worker)
				}
				claimedBy[task.ID] = worker
				mu.Unlock()
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("workers: %v", err)
	}
	if len(claimedBy) != tasks {
		t.Fatalf("expected %d distinct claims, got %d", tasks, len(claimedBy))
	}
}

func TestQueue_AckRequiresOwnerAndLiveLease(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	enqueue(t, q, "acme", queue.EnqueueRequest{})
	task, _ := q.ClaimNext(ctx, "acme", "w1", 30*time.Second)

	if _, err := q.Ack(ctx, "acme", task.ID, "w2", ""); !errors.Is(err, fabricerr.ErrStaleLease) {
		t.Fatalf("foreign ack: expected ErrStaleLease, got %v", err)
	}
	if _, err := q.Ack(ctx, "acme", "missing", "w1", ""); !errors.Is(err, fabricerr.ErrNotFound) {
		t.Fatalf("unknown task: expected ErrNotFound, got %v", err)
	}

	clock.Advance(31 * time.Second)
	if _, err := q.Ack(ctx, "acme", task.ID, "w1", ""); !errors.Is(err, fabricerr.ErrStaleLease) {
		t.Fatalf("expired lease: expected ErrStaleLease, got %v", err)
	}
}

func TestQueue_AckCompletes(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	enqueue(t, q, "acme", queue.EnqueueRequest{})
	task, _ := q.ClaimNext(ctx, "acme", "w1", time.Minute)

	done, err := q.Ack(ctx, "acme", task.ID, "w1", `{"ok":true}`)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if done.Status != persistence.TaskStatusCompleted || done.LeaseExpiresAt != nil || done.ClaimedBy != "" {
		t.Fatalf("unexpected completed task %+v", done)
	}
	next, err := q.ClaimNext(ctx, "acme", "w1", time.Minute)
	if err != nil || next != nil {
		t.Fatalf("completed task must not be claimable: %+v err=%v", next, err)
	}
}

func TestQueue_BoundedRetry(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	enqueue(t, q, "acme", queue.EnqueueRequest{MaxRetries: queue.Retries(3)})

	for attempt := 1; attempt <= 3; attempt++ {
		task, err := q.ClaimNext(ctx, "acme", "w1", time.Minute)
		if err != nil || task == nil {
			t.Fatalf("attempt %d claim: task=%v err=%v", attempt, task, err)
		}
		out, err := q.Fail(ctx, "acme", task.ID, "w1", "exit status 1")
		if err != nil {
			t.Fatalf("attempt %d fail: %v", attempt, err)
		}
		if wantRequeue := attempt < 3; out.Requeued != wantRequeue {
			t.Fatalf("attempt %d: requeued=%v want %v", attempt, out.Requeued, wantRequeue)
		}
		if out.Task.RetryCount != attempt {
			t.Fatalf("attempt %d: retry_count=%d", attempt, out.Task.RetryCount)
		}
		clock.Advance(time.Second)
	}

	task, err := q.ClaimNext(ctx, "acme", "w1", time.Minute)
	if err != nil || task != nil {
		t.Fatalf("exhausted task must not be claimable: %+v err=%v", task, err)
	}
	counts, _ := q.Counts(ctx, "acme")
	if counts[persistence.TaskStatusFailed] != 1 {
		t.Fatalf("expected 1 failed task, got %v", counts)
	}
}

func TestQueue_LeaseRecoveryNotBeforeExpiry(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	enqueue(t, q, "acme", queue.EnqueueRequest{MaxRetries: queue.Retries(3)})
	task, _ := q.ClaimNext(ctx, "acme", "crashed", 30*time.Second)

	clock.Advance(30 * time.Second)
	n, err := q.SweepExpiredLeases(ctx)
	if err != nil || n != 0 {
		t.Fatalf("sweep at expiry boundary: n=%d err=%v", n, err)
	}
	if again, _ := q.ClaimNext(ctx, "acme", "w2", time.Minute); again != nil {
		t.Fatalf("task must stay leased until its lease expires")
	}

	clock.Advance(time.Millisecond)
	n, err = q.SweepExpiredLeases(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep after expiry: n=%d err=%v", n, err)
	}
	recovered, err := q.ClaimNext(ctx, "acme", "w2", time.Minute)
	if err != nil || recovered == nil || recovered.ID != task.ID {
		t.Fatalf("expected recovered task, got %+v err=%v", recovered, err)
	}
	if recovered.RetryCount != 1 {
		t.Fatalf("sweep must count the lost attempt, retry_count=%d", recovered.RetryCount)
	}
	if _, err := q.Ack(ctx, "acme", task.ID, "crashed", ""); !errors.Is(err, fabricerr.ErrStaleLease) {
		t.Fatalf("crashed worker ack: expected ErrStaleLease, got %v", err)
	}
}

func TestQueue_SweepExhaustsBudget(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	task := enqueue(t, q, "acme", queue.EnqueueRequest{MaxRetries: queue.Retries(1)})
	if _, err := q.ClaimNext(ctx, "acme", "w1", time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	clock.Advance(2 * time.Second)
	if n, err := q.SweepExpiredLeases(ctx); err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	got, err := q.Get(ctx, "acme", task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != persistence.TaskStatusFailed || got.RetryCount != 1 {
		t.Fatalf("expected failed after budget exhausted by sweep, got %+v", got)
	}
}

func TestQueue_ConcurrentSweepersAreHarmless(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		enqueue(t, q, "acme", queue.EnqueueRequest{MaxRetries: queue.Retries(5)})
		if _, err := q.ClaimNext(ctx, "acme", "w1", time.Second); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}
	clock.Advance(2 * time.Second)

	var mu sync.Mutex
	total := 0
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 3; i++ {
		g.Go(func() error {
			n, err := q.SweepExpiredLeases(gctx)
			mu.Lock()
			total += n
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("sweepers: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected 5 resets across sweepers, got %d", total)
	}
	tasks, _ := q.List(ctx, "acme", persistence.TaskFilter{})
	for _, task := range tasks {
		if task.Status != persistence.TaskStatusPending || task.RetryCount != 1 {
			t.Fatalf("task %s: status=%s retry_count=%d", task.ID, task.Status, task.RetryCount)
		}
	}
}

func TestQueue_HeartbeatKeepsLeaseAlive(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	enqueue(t, q, "acme", queue.EnqueueRequest{})
	task, _ := q.ClaimNext(ctx, "acme", "w1", 10*time.Second)

	clock.Advance(8 * time.Second)
	if _, err := q.Heartbeat(ctx, "acme", task.ID, "w1", 10*time.Second); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	clock.Advance(8 * time.Second)
	if n, _ := q.SweepExpiredLeases(ctx); n != 0 {
		t.Fatalf("heartbeated lease must not be swept")
	}
	if _, err := q.Ack(ctx, "acme", task.ID, "w1", ""); err != nil {
		t.Fatalf("ack after heartbeat: %v", err)
	}
}

func TestQueue_IdempotentEnqueue(t *testing.T) {
	q, _, _ := newTestQueue(t)
	first := enqueue(t, q, "acme", queue.EnqueueRequest{IdempotencyKey: "deploy-7", Priority: 2})
	second := enqueue(t, q, "acme", queue.EnqueueRequest{IdempotencyKey: "deploy-7", Priority: 9})
	if first.ID != second.ID || second.Priority != 2 {
		t.Fatalf("expected the original task back unchanged, got %+v", second)
	}
}

func TestQueue_EnqueueValidation(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	cases := []struct {
		name   string
		tenant string
		req    queue.EnqueueRequest
	}{
		{"missing tenant", "", queue.EnqueueRequest{Payload: queue.ToolCall{Tool: "x"}}},
		{"missing payload", "acme", queue.EnqueueRequest{}},
		{"empty tool", "acme", queue.EnqueueRequest{Payload: queue.ToolCall{}}},
		{"negative retries", "acme", queue.EnqueueRequest{Payload: queue.ToolCall{Tool: "x"}, MaxRetries: queue.Retries(-1)}},
	}
	for _, tc := range cases {
		if _, err := q.Enqueue(ctx, tc.tenant, tc.req); !errors.Is(err, fabricerr.ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}

func TestQueue_DefaultMaxRetriesAndRunFromContext(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := shared.WithRunID(context.Background(), "run-9")
	task, err := q.Enqueue(ctx, "acme", queue.EnqueueRequest{Payload: queue.PlanStep{PlanID: "p1", Step: 0}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task.MaxRetries != queue.DefaultConfig().DefaultMaxRetries || task.RunID != "run-9" || task.Kind != queue.KindPlanStep {
		t.Fatalf("unexpected task %+v", task)
	}
}

// rivalStore lets another worker win the first n claim races.
type rivalStore struct {
	*persistence.Store
	mu    sync.Mutex
	steal int
}

func (r *rivalStore) ClaimTask(ctx context.Context, tenantID, id, workerID string, leaseExpiresAt, now time.Time) (*persistence.Task, bool, error) {
	r.mu.Lock()
	steal := r.steal > 0
	if steal {
		r.steal--
	}
	r.mu.Unlock()
	if steal {
		if _, _, err := r.Store.ClaimTask(ctx, tenantID, id, "rival", leaseExpiresAt, now); err != nil {
			return nil, false, err
		}
	}
	return r.Store.ClaimTask(ctx, tenantID, id, workerID, leaseExpiresAt, now)
}

func TestQueue_ClaimNextOutlastsLostRaces(t *testing.T) {
	_, store, clock := newTestQueue(t)
	ctx := context.Background()
	rival := &rivalStore{Store: store}
	q := queue.New(rival, queue.Options{Clock: clock})
	for i := 0; i < 40; i++ {
		enqueue(t, q, "acme", queue.EnqueueRequest{})
	}

	rival.steal = 32
	task, err := q.ClaimNext(ctx, "acme", "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task == nil {
		t.Fatalf("claim reported empty while tasks were pending")
	}
	if task.ClaimedBy != "w1" {
		t.Fatalf("claimed_by = %q, want w1", task.ClaimedBy)
	}
	counts, err := q.Counts(ctx, "acme")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[persistence.TaskStatusClaimed] != 33 || counts[persistence.TaskStatusPending] != 7 {
		t.Fatalf("unexpected counts %v", counts)
	}

	rival.steal = 7
	if task, err := q.ClaimNext(ctx, "acme", "w1", time.Minute); err != nil || task != nil {
		t.Fatalf("every remaining task went to the rival: task=%v err=%v", task, err)
	}
}

func TestQueue_ClaimNextHonoursCancellation(t *testing.T) {
	q, _, _ := newTestQueue(t)
	enqueue(t, q, "acme", queue.EnqueueRequest{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.ClaimNext(ctx, "acme", "w1", time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestQueue_ClaimNextByKind(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()
	plan := enqueue(t, q, "acme", queue.EnqueueRequest{Payload: queue.PlanStep{PlanID: "p1", Step: 1}, Priority: 9})
	clock.Advance(time.Second)
	tool := enqueue(t, q, "acme", queue.EnqueueRequest{Payload: queue.ToolCall{Tool: "lint"}})

	got, err := q.ClaimNext(ctx, "acme", "linter", time.Minute, queue.KindToolCall)
	if err != nil || got == nil || got.ID != tool.ID {
		t.Fatalf("tool_call worker claimed %+v err=%v", got, err)
	}
	if got, err := q.ClaimNext(ctx, "acme", "linter", time.Minute, queue.KindToolCall); err != nil || got != nil {
		t.Fatalf("tool_call worker must not see plan steps: task=%+v err=%v", got, err)
	}
	got, err = q.ClaimNext(ctx, "acme", "any", time.Minute)
	if err != nil || got == nil || got.ID != plan.ID {
		t.Fatalf("unfiltered claim got %+v err=%v", got, err)
	}
}

func TestQueue_MaxRetriesZeroFailsFirstAttempt(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	noRetry := enqueue(t, q, "acme", queue.EnqueueRequest{MaxRetries: queue.Retries(0), Priority: 1})
	defaulted := enqueue(t, q, "acme", queue.EnqueueRequest{})
	if noRetry.MaxRetries != 0 {
		t.Fatalf("explicit zero retries stored as %d", noRetry.MaxRetries)
	}
	if defaulted.MaxRetries != queue.DefaultConfig().DefaultMaxRetries {
		t.Fatalf("unset retries stored as %d", defaulted.MaxRetries)
	}

	claimed, err := q.ClaimNext(ctx, "acme", "w1", time.Minute)
	if err != nil || claimed == nil || claimed.ID != noRetry.ID {
		t.Fatalf("claim: task=%+v err=%v", claimed, err)
	}
	out, err := q.Fail(ctx, "acme", claimed.ID, "w1", "boom")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if out.Requeued || out.Task.Status != persistence.TaskStatusFailed {
		t.Fatalf("zero retries must fail on first failure, got %+v", out.Task)
	}
}
