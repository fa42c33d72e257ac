package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx := WithTraceID(context.Background(), "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
}

func TestRunID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RunID(ctx); got != "" {
		t.Fatalf("expected empty run id, got %q", got)
	}
	ctx = WithRunID(ctx, "run-9")
	if got := RunID(ctx); got != "run-9" {
		t.Fatalf("expected run-9, got %q", got)
	}
}

func TestIdentity_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if _, ok := IdentityFrom(ctx); ok {
		t.Fatalf("expected no identity on empty context")
	}
	if TenantID(ctx) != "" {
		t.Fatalf("expected empty tenant")
	}
	ctx = WithIdentity(ctx, Identity{TenantID: "acme", Actor: "svc-1", Role: RoleBuilder})
	id, ok := IdentityFrom(ctx)
	if !ok || id.Actor != "svc-1" || id.Role != RoleBuilder {
		t.Fatalf("unexpected identity %+v", id)
	}
	if TenantID(ctx) != "acme" {
		t.Fatalf("expected acme, got %q", TenantID(ctx))
	}
}

func TestParseRole(t *testing.T) {
	cases := map[string]Role{
		"admin":   RoleAdmin,
		" Builder": RoleBuilder,
		"viewer":  RoleViewer,
		"root":    RoleViewer,
		"":        RoleViewer,
	}
	for in, want := range cases {
		if got := ParseRole(in); got != want {
			t.Fatalf("ParseRole(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatalf("expected unique trace ids")
	}
}
