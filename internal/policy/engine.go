// Package policy decides whether an actor may perform an action on a
// resource. Every check classifies risk, matches the active rule bundle,
// applies a per-actor rate limit and persists exactly one decision row.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/datafabric/internal/bus"
	"github.com/basket/datafabric/internal/fabricerr"
	fotel "github.com/basket/datafabric/internal/otel"
	"github.com/basket/datafabric/internal/persistence"
	"github.com/basket/datafabric/internal/shared"
	"github.com/basket/datafabric/internal/telemetry"
)

// Store is the persistence the engine needs besides the key-value cache.
type Store interface {
	CounterStore
	InsertDecision(ctx context.Context, d persistence.PolicyDecision, esc *persistence.Escalation) error
	GetDecision(ctx context.Context, tenantID, id string) (*persistence.PolicyDecision, error)
	ListDecisions(ctx context.Context, tenantID string, f persistence.DecisionFilter) ([]persistence.PolicyDecision, error)
	GetEscalation(ctx context.Context, tenantID, id string) (*persistence.Escalation, error)
	ListEscalations(ctx context.Context, tenantID string, status persistence.EscalationStatus, limit int) ([]persistence.Escalation, error)
	ResolveEscalation(ctx context.Context, tenantID, id string, status persistence.EscalationStatus, resolvedBy string, now time.Time) (*persistence.Escalation, error)
	PutPolicyBundle(ctx context.Context, rec persistence.PolicyBundleRecord) error
	GetPolicyBundle(ctx context.Context, version string) (*persistence.PolicyBundleRecord, error)
	ListPolicyBundles(ctx context.Context) ([]persistence.PolicyBundleRecord, error)
	GetRun(ctx context.Context, tenantID, id string) (*persistence.Run, error)
	RunRetention(ctx context.Context, p persistence.RetentionPolicy, now time.Time) (persistence.RetentionResult, error)
}

// Options wires optional collaborators. Zero values are valid.
type Options struct {
	RefreshInterval time.Duration
	BundleCacheSize int
	Clock           shared.Clock
	Logger          *slog.Logger
	Metrics         *fotel.Metrics
	Tracer          trace.Tracer
	Bus             *bus.Bus
}

// Engine is safe for concurrent use.
type Engine struct {
	store   Store
	source  *Source
	clock   shared.Clock
	logger  *slog.Logger
	metrics *fotel.Metrics
	tracer  trace.Tracer
	bus     *bus.Bus
}

func New(store Store, kv KeyValueStore, opts Options) (*Engine, error) {
	e := &Engine{
		store:   store,
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  fotel.TracerOrNoop(opts.Tracer),
		bus:     opts.Bus,
	}
	if e.clock == nil {
		e.clock = shared.SystemClock()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "policy")

	src, err := NewSource(kv, SourceOptions{
		RefreshInterval: opts.RefreshInterval,
		CacheSize:       opts.BundleCacheSize,
		Clock:           e.clock,
		Logger:          e.logger,
		OnFallback: func(ctx context.Context, _ error) {
			e.metrics.Count(ctx, fotel.Fallbacks, 1)
		},
	})
	if err != nil {
		return nil, err
	}
	e.source = src
	return e, nil
}

// CheckRequest is one authorization question.
type CheckRequest struct {
	Action   string
	Actor    string
	Resource string
	RunID    string
	Context  map[string]any
}

// Decision is the answer to a CheckRequest. It mirrors the persisted row.
type Decision struct {
	ID            string    `json:"id"`
	Verdict       Verdict   `json:"decision"`
	RiskLevel     RiskLevel `json:"risk_level"`
	ActionClass   string    `json:"action_class"`
	Reason        string    `json:"reason"`
	MatchedRuleID string    `json:"matched_rule_id,omitempty"`
	RateLimited   bool      `json:"rate_limited"`
	RateCount     int       `json:"rate_count"`
	RateLimit     int       `json:"rate_limit"`
	PolicyVersion string    `json:"policy_version"`
	EscalationID  string    `json:"escalation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Allowed reports whether the caller may proceed without review.
func (d Decision) Allowed() bool { return d.Verdict == VerdictAllow }

// Check evaluates req for tenantID. Bundle load failures fall back to the
// builtin rules; store failures while counting or persisting are returned.
func (e *Engine) Check(ctx context.Context, tenantID string, req CheckRequest) (dec *Decision, err error) {
	ctx, span := fotel.StartSpan(ctx, e.tracer, "policy.check",
		fotel.AttrTenantID.String(tenantID), fotel.AttrAction.String(req.Action))
	defer func() { fotel.EndSpan(span, err) }()

	if strings.TrimSpace(tenantID) == "" {
		return nil, fabricerr.Invalid("tenant is required")
	}
	if strings.TrimSpace(req.Action) == "" {
		return nil, fabricerr.Invalid("action is required")
	}
	if strings.TrimSpace(req.Actor) == "" {
		return nil, fabricerr.Invalid("actor is required")
	}
	if req.RunID == "" {
		req.RunID = shared.RunID(ctx)
	}

	snap := e.source.Current(ctx)
	now := e.clock.Now()
	risk := Classify(req.Action, req.Resource)
	class := ActionClass(req.Action, risk)

	dec = &Decision{
		ID:            uuid.NewString(),
		RiskLevel:     risk,
		ActionClass:   class,
		PolicyVersion: snap.Version,
		CreatedAt:     now,
	}
	if rule := Select(snap.Bundle.Rules, req.Action, req.Resource, req.Actor, risk); rule != nil {
		dec.Verdict = rule.Verdict
		dec.MatchedRuleID = rule.ID
		dec.Reason = rule.Reason
		if dec.Reason == "" {
			dec.Reason = fmt.Sprintf("matched rule %s", rule.ID)
		}
	} else {
		dec.Verdict, dec.Reason = defaultVerdict(risk)
	}

	rate, err := Increment(ctx, e.store, tenantID, req.Actor, snap.Bundle.LimitFor(class, risk), now)
	if err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	dec.RateCount, dec.RateLimit = rate.Count, rate.Limit.MaxRequests
	if rate.Exceeded() {
		dec.Verdict = VerdictDeny
		dec.RateLimited = true
		dec.Reason = fmt.Sprintf("rate limit exceeded for %s: %d requests in %ds (max %d)",
			class, rate.Count, rate.Limit.WindowSeconds, rate.Limit.MaxRequests)
	}

	var esc *persistence.Escalation
	if dec.Verdict == VerdictEscalate {
		esc = &persistence.Escalation{
			ID:        uuid.NewString(),
			Action:    req.Action,
			Actor:     req.Actor,
			Resource:  req.Resource,
			RiskLevel: risk.String(),
			Reason:    dec.Reason,
			CreatedAt: now,
		}
		dec.EscalationID = esc.ID
	}

	if err := e.store.InsertDecision(ctx, persistence.PolicyDecision{
		ID:            dec.ID,
		TenantID:      tenantID,
		RunID:         req.RunID,
		Action:        req.Action,
		Actor:         req.Actor,
		Resource:      req.Resource,
		Decision:      string(dec.Verdict),
		RiskLevel:     risk.String(),
		Reason:        dec.Reason,
		MatchedRuleID: dec.MatchedRuleID,
		RateLimited:   dec.RateLimited,
		PolicyVersion: snap.Version,
		Context:       e.decisionContext(ctx, tenantID, req, dec),
		CreatedAt:     now,
	}, esc); err != nil {
		if rerr := Refund(context.WithoutCancel(ctx), e.store, tenantID, req.Actor, rate, now); rerr != nil {
			telemetry.FromContext(ctx, e.logger).Warn("rate counter refund failed",
				"actor", req.Actor, "action_class", class, "error", rerr)
		}
		return nil, err
	}

	attrs := []any{
		"decision_id", dec.ID, "action", req.Action, "actor", req.Actor,
		"decision", dec.Verdict, "risk", risk.String(), "policy_version", snap.Version,
	}
	span.SetAttributes(fotel.AttrVerdict.String(string(dec.Verdict)), fotel.AttrRiskLevel.String(risk.String()),
		fotel.AttrPolicyVersion.String(snap.Version))
	e.metrics.Count(ctx, fotel.Decisions, 1, fotel.AttrVerdict.String(string(dec.Verdict)), fotel.AttrRiskLevel.String(risk.String()))
	log := telemetry.FromContext(ctx, e.logger)
	switch {
	case dec.RateLimited:
		e.metrics.Count(ctx, fotel.RateLimited, 1)
		log.Warn("policy check rate limited", append(attrs, "count", rate.Count, "max", rate.Limit.MaxRequests)...)
	case esc != nil:
		log.Info("policy check escalated", append(attrs, "escalation_id", esc.ID)...)
	default:
		log.Debug("policy check", attrs...)
	}
	return dec, nil
}

func defaultVerdict(risk RiskLevel) (Verdict, string) {
	switch risk {
	case RiskLow:
		return VerdictAllow, "no matching rule; low risk is allowed by default"
	case RiskHigh, RiskCritical:
		return VerdictEscalate, fmt.Sprintf("no matching rule; %s risk requires review", risk)
	default:
		return VerdictDeny, "no matching rule; actions above low risk need an explicit allow"
	}
}

// decisionContext renders the redacted caller context plus the run status
// and rate counter as the decision's JSON context.
func (e *Engine) decisionContext(ctx context.Context, tenantID string, req CheckRequest, dec *Decision) string {
	out := shared.RedactAttributes(req.Context)
	if out == nil {
		out = map[string]any{}
	}
	out["action_class"] = dec.ActionClass
	out["rate_count"] = dec.RateCount
	out["rate_limit"] = dec.RateLimit
	if req.RunID != "" {
		run, err := e.store.GetRun(ctx, tenantID, req.RunID)
		switch {
		case err == nil:
			out["run_status"] = string(run.Status)
		case errors.Is(err, fabricerr.ErrNotFound):
			out["run_status"] = "unknown"
		default:
			e.logger.Warn("run lookup failed", "run_id", req.RunID, "error", err)
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// PutRuleBundle stores bundle under version in the durable archive and the
// key-value cache. A version is immutable: re-putting identical content is a
// no-op and different content is ErrConflict.
func (e *Engine) PutRuleBundle(ctx context.Context, version string, b Bundle, activate bool) error {
	return e.putBundle(ctx, version, b, activate, "api")
}

// LoadBundleFile parses a YAML or JSON bundle file and stores it.
func (e *Engine) LoadBundleFile(ctx context.Context, path string, activate bool) (Bundle, error) {
	b, err := LoadFile(path)
	if err != nil {
		return Bundle{}, err
	}
	if err := e.putBundle(ctx, b.Version, b, activate, "file:"+path); err != nil {
		return Bundle{}, err
	}
	return b, nil
}

func (e *Engine) putBundle(ctx context.Context, version string, b Bundle, activate bool, source string) (err error) {
	ctx, span := fotel.StartSpan(ctx, e.tracer, "policy.put_bundle", fotel.AttrPolicyVersion.String(version))
	defer func() { fotel.EndSpan(span, err) }()

	version = strings.TrimSpace(version)
	if version == "" {
		return fabricerr.Invalid("bundle version is required")
	}
	if version == BuiltinVersion {
		return fabricerr.Invalid("version %q is reserved", BuiltinVersion)
	}
	if b.Version != "" && b.Version != version {
		return fabricerr.Invalid("bundle declares version %q but %q was requested", b.Version, version)
	}
	b.Version = version
	b.Rules = append([]Rule(nil), b.Rules...)
	for i := range b.Rules {
		r := &b.Rules[i]
		r.ActionPattern = defaultPattern(r.ActionPattern)
		r.ResourcePattern = defaultPattern(r.ResourcePattern)
		r.ActorPattern = defaultPattern(r.ActorPattern)
	}
	if err := b.Validate(); err != nil {
		return err
	}
	raw, err := b.Encode()
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	if err := e.store.PutPolicyBundle(ctx, persistence.PolicyBundleRecord{
		Version:   version,
		Checksum:  b.Checksum(),
		Bundle:    string(raw),
		Source:    source,
		CreatedAt: e.clock.Now(),
	}); err != nil {
		return err
	}
	if err := e.source.Put(ctx, b, activate); err != nil {
		return err
	}
	e.logger.Info("policy bundle stored", "version", version, "rules", len(b.Rules), "activated", activate, "source", source)
	if activate {
		e.publishActivated(version)
	}
	return nil
}

// ActivateVersion makes a stored version active. When the key-value cache
// lost the bundle it is restored from the durable archive first.
func (e *Engine) ActivateVersion(ctx context.Context, version string) (err error) {
	ctx, span := fotel.StartSpan(ctx, e.tracer, "policy.activate", fotel.AttrPolicyVersion.String(version))
	defer func() { fotel.EndSpan(span, err) }()

	err = e.source.Activate(ctx, version)
	if errors.Is(err, fabricerr.ErrNotFound) {
		rec, gerr := e.store.GetPolicyBundle(ctx, version)
		if gerr != nil {
			return gerr
		}
		b, perr := Parse([]byte(rec.Bundle), version)
		if perr != nil {
			return fmt.Errorf("archived bundle %s: %w", version, perr)
		}
		err = e.source.Put(ctx, b, true)
	}
	if err != nil {
		return err
	}
	e.logger.Info("policy bundle activated", "version", version)
	e.publishActivated(version)
	return nil
}

func (e *Engine) publishActivated(version string) {
	if e.bus != nil {
		e.bus.Publish(bus.TopicPolicyBundleActivated, bus.BundleActivatedEvent{Version: version})
	}
}

// ActiveVersion reports the active version, or BuiltinVersion when none is set.
func (e *Engine) ActiveVersion(ctx context.Context) (string, error) {
	return e.source.ActiveVersion(ctx)
}

// Refresh reloads the active bundle and returns the new snapshot. On a load
// failure the builtin snapshot is returned together with the error.
func (e *Engine) Refresh(ctx context.Context) (*Snapshot, error) {
	return e.source.Refresh(ctx)
}

// Snapshot returns the snapshot checks currently evaluate against.
func (e *Engine) Snapshot(ctx context.Context) *Snapshot {
	return e.source.Current(ctx)
}

// ListBundles returns the archived bundle versions.
func (e *Engine) ListBundles(ctx context.Context) ([]persistence.PolicyBundleRecord, error) {
	return e.store.ListPolicyBundles(ctx)
}

// RunRetention deletes decisions, resolved escalations and events older than
// days.
func (e *Engine) RunRetention(ctx context.Context, days int) (persistence.RetentionResult, error) {
	if days <= 0 {
		return persistence.RetentionResult{}, fabricerr.Invalid("retention days must be positive")
	}
	res, err := e.store.RunRetention(ctx, persistence.RetentionPolicy{EventDays: days, DecisionDays: days}, e.clock.Now())
	if err != nil {
		return res, err
	}
	e.logger.Info("policy retention complete", "days", days,
		"decisions", res.PurgedDecisions, "escalations", res.PurgedEscalations, "events", res.PurgedEvents)
	return res, nil
}

// ResolveEscalation approves or rejects a pending escalation. The resolver
// is the actor in the context identity.
func (e *Engine) ResolveEscalation(ctx context.Context, tenantID, id string, approve bool) (*persistence.Escalation, error) {
	resolvedBy := "unknown"
	if ident, ok := shared.IdentityFrom(ctx); ok && ident.Actor != "" {
		resolvedBy = ident.Actor
	}
	status := persistence.EscalationRejected
	if approve {
		status = persistence.EscalationApproved
	}
	esc, err := e.store.ResolveEscalation(ctx, tenantID, id, status, resolvedBy, e.clock.Now())
	if err != nil {
		return nil, err
	}
	telemetry.FromContext(ctx, e.logger).Info("escalation resolved",
		"escalation_id", id, "status", esc.Status, "resolved_by", resolvedBy)
	return esc, nil
}

func (e *Engine) GetDecision(ctx context.Context, tenantID, id string) (*persistence.PolicyDecision, error) {
	return e.store.GetDecision(ctx, tenantID, id)
}

func (e *Engine) ListDecisions(ctx context.Context, tenantID string, f persistence.DecisionFilter) ([]persistence.PolicyDecision, error) {
	return e.store.ListDecisions(ctx, tenantID, f)
}

func (e *Engine) ListEscalations(ctx context.Context, tenantID string, status persistence.EscalationStatus, limit int) ([]persistence.Escalation, error) {
	return e.store.ListEscalations(ctx, tenantID, status, limit)
}

func (e *Engine) GetEscalation(ctx context.Context, tenantID, id string) (*persistence.Escalation, error) {
	return e.store.GetEscalation(ctx, tenantID, id)
}
