package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the fabric's metric instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	TasksEnqueued      metric.Int64Counter
	TaskClaims         metric.Int64Counter
	TaskClaimConflicts metric.Int64Counter
	TaskAcks           metric.Int64Counter
	TaskFailures       metric.Int64Counter
	LeasesSwept        metric.Int64Counter
	PolicyDecisions    metric.Int64Counter
	RateLimitRejects   metric.Int64Counter
	BundleFallbacks    metric.Int64Counter
	Retrievals         metric.Int64Counter
	RetrievalDuration  metric.Float64Histogram
	MemoryGCDeleted    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksEnqueued, err = meter.Int64Counter("fabric.queue.enqueued",
		metric.WithDescription("Tasks created by enqueue"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskClaims, err = meter.Int64Counter("fabric.queue.claims",
		metric.WithDescription("Successful task claims"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskClaimConflicts, err = meter.Int64Counter("fabric.queue.claim_conflicts",
		metric.WithDescription("Claim attempts that lost a conditional update"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskAcks, err = meter.Int64Counter("fabric.queue.acks",
		metric.WithDescription("Tasks completed by ack"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFailures, err = meter.Int64Counter("fabric.queue.failures",
		metric.WithDescription("Task failures reported by workers"),
	)
	if err != nil {
		return nil, err
	}

	m.LeasesSwept, err = meter.Int64Counter("fabric.queue.leases_swept",
		metric.WithDescription("Expired leases reset by the sweeper"),
	)
	if err != nil {
		return nil, err
	}

	m.PolicyDecisions, err = meter.Int64Counter("fabric.policy.decisions",
		metric.WithDescription("Policy decisions by verdict"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("fabric.policy.ratelimit.rejects",
		metric.WithDescription("Checks denied by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.BundleFallbacks, err = meter.Int64Counter("fabric.policy.bundle_fallbacks",
		metric.WithDescription("Checks evaluated against the built-in bundle after a load failure"),
	)
	if err != nil {
		return nil, err
	}

	m.Retrievals, err = meter.Int64Counter("fabric.memory.retrievals",
		metric.WithDescription("Memory retrieval calls"),
	)
	if err != nil {
		return nil, err
	}

	m.RetrievalDuration, err = meter.Float64Histogram("fabric.memory.retrieval.duration",
		metric.WithDescription("Memory retrieval duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MemoryGCDeleted, err = meter.Int64Counter("fabric.memory.gc_deleted",
		metric.WithDescription("Memory records removed by garbage collection"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Count adds n to the counter selected by pick. It is a no-op on a nil receiver.
func (m *Metrics) Count(ctx context.Context, pick func(*Metrics) metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if m == nil || n == 0 {
		return
	}
	c := pick(m)
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

// ObserveRetrieval records one retrieval call and its duration in seconds.
func (m *Metrics) ObserveRetrieval(ctx context.Context, seconds float64, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	m.Retrievals.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.RetrievalDuration.Record(ctx, seconds, metric.WithAttributes(attrs...))
}

// Selectors for Count.
func Enqueued(m *Metrics) metric.Int64Counter { return m.TasksEnqueued }
func Claims(m *Metrics) metric.Int64Counter { return m.TaskClaims }
func ClaimConflicts(m *Metrics) metric.Int64Counter { return m.TaskClaimConflicts }
func Acks(m *Metrics) metric.Int64Counter { return m.TaskAcks }
func Failures(m *Metrics) metric.Int64Counter { return m.TaskFailures }
func Swept(m *Metrics) metric.Int64Counter { return m.LeasesSwept }
func Decisions(m *Metrics) metric.Int64Counter { return m.PolicyDecisions }
func RateLimited(m *Metrics) metric.Int64Counter { return m.RateLimitRejects }
func Fallbacks(m *Metrics) metric.Int64Counter { return m.BundleFallbacks }
func GCDeleted(m *Metrics) metric.Int64Counter { return m.MemoryGCDeleted }
