package persistence_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/basket/datafabric/internal/fabricerr"
	"github.com/basket/datafabric/internal/persistence"
)

func insertTask(t *testing.T, store *persistence.Store, tenant string, priority, maxRetries int, at time.Time) *persistence.Task {
	t.Helper()
	task, created, err := store.InsertTask(context.Background(), persistence.Task{
		TenantID: tenant, Kind: "tool_call", Priority: priority, MaxRetries: maxRetries,
	}, at)
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if !created {
		t.Fatalf("expected a new task")
	}
	return task
}

func TestStore_ClaimCandidatesOrder(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	low := insertTask(t, store, "acme", 1, 3, t0)
	highOld := insertTask(t, store, "acme", 5, 3, t0.Add(time.Second))
	highNew := insertTask(t, store, "acme", 5, 3, t0.Add(2*time.Second))
	insertTask(t, store, "globex", 9, 3, t0)

	ids, err := store.ListClaimCandidates(ctx, "acme", nil, 10)
	if err != nil {
		t.Fatalf("list candidates: %v", err)
	}
	want := []string{highOld.ID, highNew.ID, low.ID}
	if len(ids) != len(want) {
		t.Fatalf("expected %d candidates, got %d", len(want), len(ids))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("candidate %d = %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestStore_ClaimCandidatesByKind(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	tool := insertTask(t, store, "acme", 1, 3, t0)
	plan, _, err := store.InsertTask(ctx, persistence.Task{TenantID: "acme", Kind: "plan_step", Priority: 9, MaxRetries: 3}, t0)
	if err != nil {
		t.Fatalf("insert plan step: %v", err)
	}
	index, _, err := store.InsertTask(ctx, persistence.Task{TenantID: "acme", Kind: "index_artifact", Priority: 5, MaxRetries: 3}, t0)
	if err != nil {
		t.Fatalf("insert index artifact: %v", err)
	}

	ids, err := store.ListClaimCandidates(ctx, "acme", []string{"tool_call"}, 10)
	if err != nil {
		t.Fatalf("list tool_call candidates: %v", err)
	}
	if len(ids) != 1 || ids[0] != tool.ID {
		t.Fatalf("kind filter returned %v, want [%s]", ids, tool.ID)
	}

	ids, err = store.ListClaimCandidates(ctx, "acme", []string{"tool_call", "index_artifact"}, 10)
	if err != nil {
		t.Fatalf("list two kinds: %v", err)
	}
	if len(ids) != 2 || ids[0] != index.ID || ids[1] != tool.ID {
		t.Fatalf("two-kind filter returned %v", ids)
	}

	ids, err = store.ListClaimCandidates(ctx, "acme", nil, 10)
	if err != nil {
		t.Fatalf("list all kinds: %v", err)
	}
	if len(ids) != 3 || ids[0] != plan.ID {
		t.Fatalf("unfiltered list returned %v", ids)
	}
}

func TestStore_ClaimSetsLeaseFields(t *testing.T) {
	store, _ := openTestStore(t)
	task := insertTask(t, store, "acme", 0, 3, t0)

	lease := t0.Add(30 * time.Second)
	claimed, ok, err := store.ClaimTask(context.Background(), "acme", task.ID, "worker-1", lease, t0)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if claimed.Status != persistence.TaskStatusClaimed || claimed.ClaimedBy != "worker-1" {
		t.Fatalf("unexpected claimed task %+v", claimed)
	}
	if claimed.LeaseExpiresAt == nil || !claimed.LeaseExpiresAt.Equal(lease) {
		t.Fatalf("lease_expires_at = %v, want %v", claimed.LeaseExpiresAt, lease)
	}

	// A second claim on the same row loses the conditional update.
	_, ok, err = store.ClaimTask(context.Background(), "acme", task.ID, "worker-2", lease, t0)
	if err != nil {
		t.Fatalf("second claim err: %v", err)
	}
	if ok {
		t.Fatalf("second claim must lose")
	}
}

func TestStore_ConcurrentClaimRace(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, store, "acme", 0, 3, t0)

	const racers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := store.ClaimTask(ctx, "acme", task.ID, fmt.Sprintf("w-%d", i), t0.Add(time.Minute), t0)
			if err != nil {
				t.Errorf("racer %d: %v", i, err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}
}

func TestStore_CompleteRequiresLiveLease(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, store, "acme", 0, 3, t0)
	lease := t0.Add(30 * time.Second)
	if _, _, err := store.ClaimTask(ctx, "acme", task.ID, "w1", lease, t0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := store.CompleteTask(ctx, "acme", task.ID, "w2", "", t0.Add(time.Second)); !errors.Is(err, fabricerr.ErrStaleLease) {
		t.Fatalf("wrong worker: expected ErrStaleLease, got %v", err)
	}
	if _, err := store.CompleteTask(ctx, "acme", task.ID, "w1", "", lease); !errors.Is(err, fabricerr.ErrStaleLease) {
		t.Fatalf("expired lease: expected ErrStaleLease, got %v", err)
	}
	if _, err := store.CompleteTask(ctx, "acme", "missing", "w1", "", t0); !errors.Is(err, fabricerr.ErrNotFound) {
		t.Fatalf("unknown task: expected ErrNotFound, got %v", err)
	}
	if _, err := store.CompleteTask(ctx, "globex", task.ID, "w1", "", t0); !errors.Is(err, fabricerr.ErrNotFound) {
		t.Fatalf("other tenant: expected ErrNotFound, got %v", err)
	}

	done, err := store.CompleteTask(ctx, "acme", task.ID, "w1", `{"rows":3}`, t0.Add(time.Second))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != persistence.TaskStatusCompleted || done.Result != `{"rows":3}` || done.LeaseExpiresAt != nil {
		t.Fatalf("unexpected completed task %+v", done)
	}
}

func TestStore_FailTaskRetriesThenFails(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, store, "acme", 0, 2, t0)

	now := t0
	for attempt := 1; attempt <= 2; attempt++ {
		if _, ok, err := store.ClaimTask(ctx, "acme", task.ID, "w1", now.Add(time.Minute), now); err != nil || !ok {
			t.Fatalf("claim attempt %d: ok=%v err=%v", attempt, ok, err)
		}
		failed, err := store.FailTask(ctx, "acme", task.ID, "w1", "boom", now.Add(time.Second))
		if err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		if failed.RetryCount != attempt {
			t.Fatalf("retry_count = %d, want %d", failed.RetryCount, attempt)
		}
		want := persistence.TaskStatusPending
		if attempt == 2 {
			want = persistence.TaskStatusFailed
		}
		if failed.Status != want {
			t.Fatalf("attempt %d status = %s, want %s", attempt, failed.Status, want)
		}
		if failed.LastError != "boom" || failed.ClaimedBy != "" {
			t.Fatalf("unexpected failed task %+v", failed)
		}
		now = now.Add(2 * time.Second)
	}

	if _, ok, err := store.ClaimTask(ctx, "acme", task.ID, "w1", now.Add(time.Minute), now); err != nil || ok {
		t.Fatalf("failed task must not be claimable: ok=%v err=%v", ok, err)
	}
}

func TestStore_HeartbeatLeaseExtendsExpiry(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, store, "acme", 0, 3, t0)
	if _, _, err := store.ClaimTask(ctx, "acme", task.ID, "w1", t0.Add(10*time.Second), t0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	extended, err := store.HeartbeatTask(ctx, "acme", task.ID, "w1", t0.Add(time.Minute), t0.Add(5*time.Second))
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !extended.LeaseExpiresAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("lease not extended: %v", extended.LeaseExpiresAt)
	}
	if _, err := store.HeartbeatTask(ctx, "acme", task.ID, "w2", t0.Add(2*time.Minute), t0.Add(6*time.Second)); !errors.Is(err, fabricerr.ErrStaleLease) {
		t.Fatalf("foreign heartbeat: expected ErrStaleLease, got %v", err)
	}
}

func TestStore_RequeueExpiredLeases(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, store, "acme", 0, 3, t0)
	lease := t0.Add(30 * time.Second)
	if _, _, err := store.ClaimTask(ctx, "acme", task.ID, "w1", lease, t0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// At the expiry instant the lease is not yet strictly expired.
	expired, err := store.ListExpiredLeases(ctx, lease, 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("lease must not be expired at its boundary, got %d", len(expired))
	}

	after := lease.Add(time.Millisecond)
	expired, err = store.ListExpiredLeases(ctx, after, 10)
	if err != nil || len(expired) != 1 {
		t.Fatalf("expected 1 expired lease, got %d err=%v", len(expired), err)
	}
	swept, ok, err := store.RequeueExpiredTask(ctx, "acme", task.ID, after)
	if err != nil || !ok {
		t.Fatalf("requeue: ok=%v err=%v", ok, err)
	}
	if swept.Status != persistence.TaskStatusPending || swept.RetryCount != 1 || swept.ClaimedBy != "" {
		t.Fatalf("unexpected swept task %+v", swept)
	}

	// A duplicate sweeper finds nothing to do.
	if _, ok, err := store.RequeueExpiredTask(ctx, "acme", task.ID, after); err != nil || ok {
		t.Fatalf("duplicate sweep: ok=%v err=%v", ok, err)
	}
}

func TestStore_InsertTaskIdempotencyKey(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first, created, err := store.InsertTask(ctx, persistence.Task{TenantID: "acme", Kind: "index_artifact", IdempotencyKey: "build-42", MaxRetries: 3}, t0)
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	second, created, err := store.InsertTask(ctx, persistence.Task{TenantID: "acme", Kind: "index_artifact", IdempotencyKey: "build-42", MaxRetries: 3}, t0.Add(time.Second))
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected existing task %s, got %s created=%v", first.ID, second.ID, created)
	}
	other, created, err := store.InsertTask(ctx, persistence.Task{TenantID: "globex", Kind: "index_artifact", IdempotencyKey: "build-42", MaxRetries: 3}, t0)
	if err != nil || !created || other.ID == first.ID {
		t.Fatalf("keys are per tenant: created=%v err=%v", created, err)
	}
}

func TestStore_ListTasksAndCounts(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	a := insertTask(t, store, "acme", 0, 3, t0)
	insertTask(t, store, "acme", 0, 3, t0.Add(time.Second))
	if _, _, err := store.ClaimTask(ctx, "acme", a.ID, "w1", t0.Add(time.Minute), t0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	pending, err := store.ListTasks(ctx, "acme", persistence.TaskFilter{Status: persistence.TaskStatusPending})
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected 1 pending task, got %d err=%v", len(pending), err)
	}
	counts, err := store.TaskCounts(ctx, "acme")
	if err != nil {
		t.Fatalf("task counts: %v", err)
	}
	if counts[persistence.TaskStatusPending] != 1 || counts[persistence.TaskStatusClaimed] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}
