package otel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	mp := sdkmetric.NewMeterProvider()
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(MeterName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.TasksEnqueued == nil || m.TaskClaims == nil || m.TaskClaimConflicts == nil || m.TaskAcks == nil {
		t.Error("queue instruments missing")
	}
	if m.TaskFailures == nil || m.LeasesSwept == nil {
		t.Error("failure/sweep instruments missing")
	}
	if m.PolicyDecisions == nil || m.RateLimitRejects == nil || m.BundleFallbacks == nil {
		t.Error("policy instruments missing")
	}
	if m.Retrievals == nil || m.RetrievalDuration == nil || m.MemoryGCDeleted == nil {
		t.Error("memory instruments missing")
	}

	ctx := context.Background()
	m.Count(ctx, Claims, 1, AttrTenantID.String("acme"))
	m.ObserveRetrieval(ctx, 0.002)
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false}, "test")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	m.Count(context.Background(), Acks, 1)
	m.ObserveRetrieval(context.Background(), 1)
}
