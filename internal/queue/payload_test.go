package queue_test

import (
	"errors"
	"testing"

	"github.com/basket/datafabric/internal/fabricerr"
	"github.com/basket/datafabric/internal/queue"
)

func TestPayload_KnownKindsRoundTrip(t *testing.T) {
	cases := []queue.Payload{
		queue.ToolCall{Tool: "git_diff", Args: map[string]any{"path": "main.go"}},
		queue.PlanStep{PlanID: "plan-1", Step: 2, Description: "run tests"},
		queue.IndexArtifact{Repo: "org/app", Path: "docs/adr-7.md"},
	}
	for _, p := range cases {
		raw, err := queue.EncodePayload(p)
		if err != nil {
			t.Fatalf("encode %s: %v", p.Kind(), err)
		}
		got, err := queue.DecodePayload(p.Kind(), raw)
		if err != nil {
			t.Fatalf("decode %s: %v", p.Kind(), err)
		}
		if got.Kind() != p.Kind() {
			t.Fatalf("kind changed: %s -> %s", p.Kind(), got.Kind())
		}
	}

	got, _ := queue.DecodePayload(queue.KindPlanStep, `{"plan_id":"p","step":3}`)
	if step, ok := got.(queue.PlanStep); !ok || step.Step != 3 {
		t.Fatalf("unexpected decoded plan step %#v", got)
	}
}

func TestPayload_OpaqueFallback(t *testing.T) {
	raw, err := queue.EncodePayload(queue.Opaque{Type: "webhook", Value: map[string]any{"url": "https://example.test"}})
	if err != nil {
		t.Fatalf("encode opaque: %v", err)
	}
	got, err := queue.DecodePayload("webhook", raw)
	if err != nil {
		t.Fatalf("decode opaque: %v", err)
	}
	op, ok := got.(queue.Opaque)
	if !ok || op.Type != "webhook" {
		t.Fatalf("expected opaque webhook payload, got %#v", got)
	}
	if m, ok := op.Value.(map[string]any); !ok || m["url"] != "https://example.test" {
		t.Fatalf("unexpected opaque value %#v", op.Value)
	}

	empty, err := queue.EncodePayload(queue.Opaque{Type: "noop"})
	if err != nil || empty != "{}" {
		t.Fatalf("nil opaque value must encode as {}, got %q err=%v", empty, err)
	}
}

func TestPayload_SchemaViolations(t *testing.T) {
	bad := []struct{ kind, raw string }{
		{queue.KindToolCall, `{"args":{}}`},
		{queue.KindPlanStep, `{"plan_id":"p","step":-1}`},
		{queue.KindIndexArtifact, `{"repo":"org/app"}`},
		{"webhook", `{not json`},
	}
	for _, tc := range bad {
		if _, err := queue.DecodePayload(tc.kind, tc.raw); !errors.Is(err, fabricerr.ErrInvalidInput) {
			t.Fatalf("%s %s: expected ErrInvalidInput, got %v", tc.kind, tc.raw, err)
		}
	}
	if _, err := queue.EncodePayload(nil); !errors.Is(err, fabricerr.ErrInvalidInput) {
		t.Fatalf("nil payload: expected ErrInvalidInput, got %v", err)
	}
	if _, err := queue.EncodePayload(queue.Opaque{}); !errors.Is(err, fabricerr.ErrInvalidInput) {
		t.Fatalf("untyped opaque: expected ErrInvalidInput, got %v", err)
	}
}
