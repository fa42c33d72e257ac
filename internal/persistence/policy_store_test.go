package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/datafabric/internal/fabricerr"
	"github.com/basket/datafabric/internal/persistence"
)

func TestStore_InsertDecisionWithEscalation(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	d := persistence.PolicyDecision{
		ID: "dec-1", TenantID: "acme", Action: "delete_prod_db", Actor: "svc-1", Resource: "db:prod",
		Decision: "escalate", RiskLevel: "critical", Reason: "no rule matched", PolicyVersion: "builtin", CreatedAt: t0,
	}
	esc := &persistence.Escalation{
		ID: "esc-1", Action: d.Action, Actor: d.Actor, Resource: d.Resource, RiskLevel: d.RiskLevel, CreatedAt: t0,
	}
	if err := store.InsertDecision(ctx, d, esc); err != nil {
		t.Fatalf("insert decision: %v", err)
	}

	got, err := store.GetDecision(ctx, "acme", "dec-1")
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if got.EscalationID != "esc-1" || got.Decision != "escalate" || got.Context != "{}" {
		t.Fatalf("unexpected decision %+v", got)
	}
	pending, err := store.ListEscalations(ctx, "acme", persistence.EscalationPending, 10)
	if err != nil || len(pending) != 1 || pending[0].DecisionID != "dec-1" {
		t.Fatalf("expected one pending escalation, got %+v err=%v", pending, err)
	}
	if _, err := store.GetDecision(ctx, "globex", "dec-1"); !errors.Is(err, fabricerr.ErrNotFound) {
		t.Fatalf("cross-tenant decision read must be NotFound, got %v", err)
	}
}

func TestStore_ResolveEscalationOnce(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.InsertDecision(ctx, persistence.PolicyDecision{
		ID: "dec-1", TenantID: "acme", Action: "deploy", Actor: "svc", Decision: "escalate", RiskLevel: "high", Reason: "r", CreatedAt: t0,
	}, &persistence.Escalation{ID: "esc-1", Action: "deploy", Actor: "svc", RiskLevel: "high", CreatedAt: t0}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	resolved, err := store.ResolveEscalation(ctx, "acme", "esc-1", persistence.EscalationApproved, "oncall", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != persistence.EscalationApproved || resolved.ResolvedBy != "oncall" || resolved.ResolvedAt == nil {
		t.Fatalf("unexpected resolved escalation %+v", resolved)
	}
	if _, err := store.ResolveEscalation(ctx, "acme", "esc-1", persistence.EscalationRejected, "other", t0.Add(2*time.Minute)); !errors.Is(err, fabricerr.ErrConflict) {
		t.Fatalf("second resolution: expected ErrConflict, got %v", err)
	}
	if _, err := store.ResolveEscalation(ctx, "acme", "nope", persistence.EscalationRejected, "x", t0); !errors.Is(err, fabricerr.ErrNotFound) {
		t.Fatalf("unknown escalation: expected ErrNotFound, got %v", err)
	}
	if _, err := store.ResolveEscalation(ctx, "acme", "esc-1", persistence.EscalationPending, "x", t0); !errors.Is(err, fabricerr.ErrInvalidInput) {
		t.Fatalf("pending is not a resolution: got %v", err)
	}
}

func TestStore_ListDecisionsFilters(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	rows := []persistence.PolicyDecision{
		{ID: "d1", TenantID: "acme", Action: "read", Actor: "a", Decision: "allow", RiskLevel: "low", Reason: "r", CreatedAt: t0},
		{ID: "d2", TenantID: "acme", Action: "deploy", Actor: "a", Decision: "deny", RiskLevel: "high", Reason: "r", CreatedAt: t0.Add(time.Second)},
		{ID: "d3", TenantID: "acme", Action: "deploy", Actor: "b", Decision: "allow", RiskLevel: "high", Reason: "r", CreatedAt: t0.Add(2 * time.Second)},
	}
	for _, d := range rows {
		if err := store.InsertDecision(ctx, d, nil); err != nil {
			t.Fatalf("insert %s: %v", d.ID, err)
		}
	}

	all, err := store.ListDecisions(ctx, "acme", persistence.DecisionFilter{})
	if err != nil || len(all) != 3 || all[0].ID != "d3" {
		t.Fatalf("expected newest-first listing, got %+v err=%v", all, err)
	}
	deploys, _ := store.ListDecisions(ctx, "acme", persistence.DecisionFilter{Action: "deploy", Decision: "allow"})
	if len(deploys) != 1 || deploys[0].ID != "d3" {
		t.Fatalf("unexpected filtered decisions %+v", deploys)
	}
	recent, _ := store.ListDecisions(ctx, "acme", persistence.DecisionFilter{Since: t0.Add(time.Second)})
	if len(recent) != 2 {
		t.Fatalf("expected 2 decisions since t0+1s, got %d", len(recent))
	}
}

func TestStore_RateCounterCAS(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	got, err := store.GetRateCounter(ctx, "acme", "svc", "write", 60)
	if err != nil || got != nil {
		t.Fatalf("expected no counter yet, got %+v err=%v", got, err)
	}
	c := persistence.RateCounter{TenantID: "acme", Actor: "svc", ActionClass: "write", WindowSeconds: 60, WindowStart: t0, Count: 1}
	ok, err := store.InsertRateCounter(ctx, c, t0)
	if err != nil || !ok {
		t.Fatalf("insert counter: ok=%v err=%v", ok, err)
	}
	if ok, _ := store.InsertRateCounter(ctx, c, t0); ok {
		t.Fatalf("second insert must report existing row")
	}

	cur, err := store.GetRateCounter(ctx, "acme", "svc", "write", 60)
	if err != nil || cur.Count != 1 || cur.Version != 0 || !cur.WindowStart.Equal(t0) {
		t.Fatalf("unexpected counter %+v err=%v", cur, err)
	}
	next := *cur
	next.Count = 2
	if ok, err := store.CASRateCounter(ctx, next, t0); err != nil || !ok {
		t.Fatalf("cas: ok=%v err=%v", ok, err)
	}
	// Same expected version again loses.
	if ok, err := store.CASRateCounter(ctx, next, t0); err != nil || ok {
		t.Fatalf("stale cas must lose: ok=%v err=%v", ok, err)
	}
	cur, _ = store.GetRateCounter(ctx, "acme", "svc", "write", 60)
	if cur.Count != 2 || cur.Version != 1 {
		t.Fatalf("unexpected counter after cas %+v", cur)
	}
}

func TestStore_PolicyBundleVersions(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	rec := persistence.PolicyBundleRecord{Version: "v1", Checksum: "abc", Bundle: `{"rules":[]}`, Source: "test", CreatedAt: t0}
	if err := store.PutPolicyBundle(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutPolicyBundle(ctx, rec); err != nil {
		t.Fatalf("identical re-put must be a no-op: %v", err)
	}
	rec.Checksum = "different"
	if err := store.PutPolicyBundle(ctx, rec); !errors.Is(err, fabricerr.ErrConflict) {
		t.Fatalf("expected conflict for changed checksum, got %v", err)
	}
	got, err := store.GetPolicyBundle(ctx, "v1")
	if err != nil || got.Checksum != "abc" {
		t.Fatalf("unexpected bundle %+v err=%v", got, err)
	}
	if _, err := store.GetPolicyBundle(ctx, "v9"); !errors.Is(err, fabricerr.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	list, err := store.ListPolicyBundles(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected 1 bundle, got %d err=%v", len(list), err)
	}
}
