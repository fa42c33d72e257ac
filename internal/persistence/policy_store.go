package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/datafabric/internal/bus"
	"github.com/basket/datafabric/internal/fabricerr"
)

// PolicyDecision is the append-only audit row written for every policy check.
type PolicyDecision struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	RunID         string    `json:"run_id,omitempty"`
	Action        string    `json:"action"`
	Actor         string    `json:"actor"`
	Resource      string    `json:"resource"`
	Decision      string    `json:"decision"`
	RiskLevel     string    `json:"risk_level"`
	Reason        string    `json:"reason"`
	MatchedRuleID string    `json:"matched_rule_id,omitempty"`
	RateLimited   bool      `json:"rate_limited"`
	PolicyVersion string    `json:"policy_version"`
	EscalationID  string    `json:"escalation_id,omitempty"`
	Context       string    `json:"context"`
	CreatedAt     time.Time `json:"created_at"`
}

type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending"
	EscalationApproved EscalationStatus = "approved"
	EscalationRejected EscalationStatus = "rejected"
)

// Escalation is a human-review request opened by a high-risk decision.
type Escalation struct {
	ID         string           `json:"id"`
	TenantID   string           `json:"tenant_id"`
	DecisionID string           `json:"decision_id"`
	Action     string           `json:"action"`
	Actor      string           `json:"actor"`
	Resource   string           `json:"resource"`
	RiskLevel  string           `json:"risk_level"`
	Reason     string           `json:"reason"`
	Status     EscalationStatus `json:"status"`
	ResolvedBy string           `json:"resolved_by,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
}

// RateCounter is one fixed-window counter, mutated only by version CAS.
type RateCounter struct {
	TenantID      string    `json:"tenant_id"`
	Actor         string    `json:"actor"`
	ActionClass   string    `json:"action_class"`
	WindowSeconds int       `json:"window_seconds"`
	WindowStart   time.Time `json:"window_start"`
	Count         int       `json:"count"`
	Version       int64     `json:"version"`
}

// PolicyBundleRecord is the durable copy of a rule bundle version.
type PolicyBundleRecord struct {
	Version   string    `json:"version"`
	Checksum  string    `json:"checksum"`
	Bundle    string    `json:"bundle"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// DecisionFilter narrows ListDecisions. Zero values mean "any".
type DecisionFilter struct {
	Action   string
	Actor    string
	Decision string
	RunID    string
	Since    time.Time
	Limit    int
}

// InsertDecision persists a decision and, when esc is non-nil, its escalation
// in one transaction.
func (s *Store) InsertDecision(ctx context.Context, d PolicyDecision, esc *Escalation) error {
	if d.TenantID == "" || d.ID == "" {
		return fabricerr.Invalid("decision id and tenant are required")
	}
	if d.Context == "" {
		d.Context = "{}"
	}
	return s.withTx(ctx, "insert decision", func(tx *sql.Tx, box *outbox) error {
		if esc != nil {
			d.EscalationID = esc.ID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO policy_decisions (id, tenant_id, run_id, action, actor, resource, decision, risk_level, reason,
				matched_rule_id, rate_limited, policy_version, escalation_id, context, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, d.ID, d.TenantID, d.RunID, d.Action, d.Actor, d.Resource, d.Decision, d.RiskLevel, d.Reason,
			nullString(d.MatchedRuleID), boolToInt(d.RateLimited), d.PolicyVersion, nullString(d.EscalationID),
			d.Context, d.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert policy decision: %w", err)
		}
		if err := appendEventTx(ctx, tx, d.TenantID, StreamPolicy, d.ID, bus.TopicPolicyDecision, d.RunID,
			map[string]any{
				"action": d.Action, "actor": d.Actor, "resource": d.Resource, "decision": d.Decision,
				"risk_level": d.RiskLevel, "rate_limited": d.RateLimited, "matched_rule_id": d.MatchedRuleID,
			}, d.CreatedAt); err != nil {
			return err
		}
		box.add(bus.TopicPolicyDecision, bus.DecisionEvent{
			TenantID: d.TenantID, DecisionID: d.ID, Action: d.Action, Actor: d.Actor, Resource: d.Resource,
			Decision: d.Decision, RiskLevel: d.RiskLevel, RateLimited: d.RateLimited, EscalationID: d.EscalationID,
		})
		if esc == nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO policy_escalations (id, tenant_id, decision_id, action, actor, resource, risk_level, reason, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, esc.ID, d.TenantID, d.ID, esc.Action, esc.Actor, esc.Resource, esc.RiskLevel, esc.Reason,
			string(EscalationPending), esc.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert escalation: %w", err)
		}
		if err := appendEventTx(ctx, tx, d.TenantID, StreamPolicy, esc.ID, bus.TopicPolicyEscalationCreated, d.RunID,
			map[string]any{"decision_id": d.ID, "risk_level": esc.RiskLevel}, esc.CreatedAt); err != nil {
			return err
		}
		box.add(bus.TopicPolicyEscalationCreated, bus.EscalationEvent{
			TenantID: d.TenantID, EscalationID: esc.ID, DecisionID: d.ID, Status: string(EscalationPending),
		})
		return nil
	})
}

const decisionColumns = `id, tenant_id, run_id, action, actor, resource, decision, risk_level, reason,
	COALESCE(matched_rule_id, ''), rate_limited, policy_version, COALESCE(escalation_id, ''), context, created_at`

func scanDecision(scanFn func(dest ...any) error, d *PolicyDecision) error {
	var rateLimited int
	if err := scanFn(&d.ID, &d.TenantID, &d.RunID, &d.Action, &d.Actor, &d.Resource, &d.Decision, &d.RiskLevel,
		&d.Reason, &d.MatchedRuleID, &rateLimited, &d.PolicyVersion, &d.EscalationID, &d.Context, &d.CreatedAt); err != nil {
		return err
	}
	d.RateLimited = rateLimited != 0
	return nil
}

// GetDecision loads one decision owned by tenantID.
func (s *Store) GetDecision(ctx context.Context, tenantID, id string) (*PolicyDecision, error) {
	var d PolicyDecision
	row := s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM policy_decisions WHERE tenant_id = ? AND id = ?;`, tenantID, id)
	if err := scanDecision(row.Scan, &d); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fabricerr.NotFound("policy decision", id)
		}
		return nil, wrapErr("get decision", err)
	}
	return &d, nil
}

// ListDecisions returns a tenant's decisions newest first.
func (s *Store) ListDecisions(ctx context.Context, tenantID string, f DecisionFilter) ([]PolicyDecision, error) {
	limit := clampLimit(f.Limit, 50, 500)
	var since any
	if !f.Since.IsZero() {
		since = f.Since.UTC()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+decisionColumns+`
		FROM policy_decisions
		WHERE tenant_id = ?
		  AND (? = '' OR action = ?)
		  AND (? = '' OR actor = ?)
		  AND (? = '' OR decision = ?)
		  AND (? = '' OR run_id = ?)
		  AND (? IS NULL OR created_at >= ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?;
	`, tenantID, f.Action, f.Action, f.Actor, f.Actor, f.Decision, f.Decision, f.RunID, f.RunID, since, since, limit)
	if err != nil {
		return nil, wrapErr("list decisions", err)
	}
	defer rows.Close()

	var out []PolicyDecision
	for rows.Next() {
		var d PolicyDecision
		if err := scanDecision(rows.Scan, &d); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list decisions", err)
	}
	return out, nil
}

const escalationColumns = `id, tenant_id, decision_id, action, actor, resource, risk_level, reason, status,
	COALESCE(resolved_by, ''), created_at, resolved_at`

func scanEscalation(scanFn func(dest ...any) error, e *Escalation) error {
	var status string
	var resolvedAt sql.NullTime
	if err := scanFn(&e.ID, &e.TenantID, &e.DecisionID, &e.Action, &e.Actor, &e.Resource, &e.RiskLevel, &e.Reason,
		&status, &e.ResolvedBy, &e.CreatedAt, &resolvedAt); err != nil {
		return err
	}
	e.Status = EscalationStatus(status)
	e.ResolvedAt = timePtr(resolvedAt)
	return nil
}

// GetEscalation loads one escalation owned by tenantID.
func (s *Store) GetEscalation(ctx context.Context, tenantID, id string) (*Escalation, error) {
	var e Escalation
	row := s.db.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM policy_escalations WHERE tenant_id = ? AND id = ?;`, tenantID, id)
	if err := scanEscalation(row.Scan, &e); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fabricerr.NotFound("escalation", id)
		}
		return nil, wrapErr("get escalation", err)
	}
	return &e, nil
}

// ListEscalations returns a tenant's escalations oldest first, optionally by status.
func (s *Store) ListEscalations(ctx context.Context, tenantID string, status EscalationStatus, limit int) ([]Escalation, error) {
	limit = clampLimit(limit, 50, 500)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escalationColumns+`
		FROM policy_escalations
		WHERE tenant_id = ? AND (? = '' OR status = ?)
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?;
	`, tenantID, string(status), string(status), limit)
	if err != nil {
		return nil, wrapErr("list escalations", err)
	}
	defer rows.Close()

	var out []Escalation
	for rows.Next() {
		var e Escalation
		if err := scanEscalation(rows.Scan, &e); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list escalations", err)
	}
	return out, nil
}

// ResolveEscalation moves a pending escalation to approved or rejected. A
// second resolution reports ErrConflict.
func (s *Store) ResolveEscalation(ctx context.Context, tenantID, id string, status EscalationStatus, resolvedBy string, now time.Time) (*Escalation, error) {
	if status != EscalationApproved && status != EscalationRejected {
		return nil, fabricerr.Invalid("escalation resolution must be approved or rejected, got %q", status)
	}
	var out *Escalation
	err := s.withTx(ctx, "resolve escalation", func(tx *sql.Tx, box *outbox) error {
		ok, err := execCAS(ctx, tx, `
			UPDATE policy_escalations
			SET status = ?, resolved_by = ?, resolved_at = ?
			WHERE tenant_id = ? AND id = ? AND status = ?;
		`, string(status), resolvedBy, now.UTC(), tenantID, id, string(EscalationPending))
		if err != nil {
			return fmt.Errorf("resolve escalation: %w", err)
		}
		var e Escalation
		row := tx.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM policy_escalations WHERE tenant_id = ? AND id = ?;`, tenantID, id)
		if err := scanEscalation(row.Scan, &e); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fabricerr.NotFound("escalation", id)
			}
			return fmt.Errorf("select escalation: %w", err)
		}
		if !ok {
			return fmt.Errorf("escalation %q already %s: %w", id, e.Status, fabricerr.ErrConflict)
		}
		if err := appendEventTx(ctx, tx, tenantID, StreamPolicy, id, bus.TopicPolicyEscalationResolved, "",
			map[string]any{"status": status, "resolved_by": resolvedBy, "decision_id": e.DecisionID}, now); err != nil {
			return err
		}
		out = &e
		box.add(bus.TopicPolicyEscalationResolved, bus.EscalationEvent{
			TenantID: tenantID, EscalationID: id, DecisionID: e.DecisionID, Status: string(status),
		})
		return nil
	})
	return out, err
}

// GetRateCounter returns the counter row or nil when it does not exist yet.
func (s *Store) GetRateCounter(ctx context.Context, tenantID, actor, actionClass string, windowSeconds int) (*RateCounter, error) {
	c := RateCounter{TenantID: tenantID, Actor: actor, ActionClass: actionClass, WindowSeconds: windowSeconds}
	err := s.db.QueryRowContext(ctx, `
		SELECT window_start, count, version
		FROM policy_rate_limit_counters
		WHERE tenant_id = ? AND actor = ? AND action_class = ? AND window_seconds = ?;
	`, tenantID, actor, actionClass, windowSeconds).Scan(&c.WindowStart, &c.Count, &c.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapErr("get rate counter", err)
	}
	c.WindowStart = c.WindowStart.UTC()
	return &c, nil
}

// InsertRateCounter creates a counter row. ok is false when a concurrent
// caller created it first.
func (s *Store) InsertRateCounter(ctx context.Context, c RateCounter, now time.Time) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO policy_rate_limit_counters
				(tenant_id, actor, action_class, window_seconds, window_start, count, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?);
		`, c.TenantID, c.Actor, c.ActionClass, c.WindowSeconds, c.WindowStart.UTC(), c.Count, now.UTC())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		return nil
	})
	if err != nil {
		return false, wrapErr("insert rate counter", err)
	}
	return ok, nil
}

// CASRateCounter writes next only if the stored version still equals
// next.Version. The stored version is bumped on success.
func (s *Store) CASRateCounter(ctx context.Context, next RateCounter, now time.Time) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE policy_rate_limit_counters
			SET window_start = ?, count = ?, version = version + 1, updated_at = ?
			WHERE tenant_id = ? AND actor = ? AND action_class = ? AND window_seconds = ? AND version = ?;
		`, next.WindowStart.UTC(), next.Count, now.UTC(),
			next.TenantID, next.Actor, next.ActionClass, next.WindowSeconds, next.Version)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		return nil
	})
	if err != nil {
		return false, wrapErr("cas rate counter", err)
	}
	return ok, nil
}

// PutPolicyBundle stores a bundle version. Re-putting a version with the same
// checksum is a no-op; a different checksum is a conflict.
func (s *Store) PutPolicyBundle(ctx context.Context, rec PolicyBundleRecord) error {
	if rec.Version == "" {
		return fabricerr.Invalid("bundle version is required")
	}
	return s.withTx(ctx, "put policy bundle", func(tx *sql.Tx, _ *outbox) error {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT checksum FROM policy_bundles WHERE version = ?;`, rec.Version).Scan(&existing)
		switch {
		case err == nil:
			if existing != rec.Checksum {
				return fmt.Errorf("bundle version %q already stored with a different checksum: %w", rec.Version, fabricerr.ErrConflict)
			}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("select policy bundle: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO policy_bundles (version, checksum, bundle, source, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, rec.Version, rec.Checksum, rec.Bundle, rec.Source, rec.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert policy bundle: %w", err)
		}
		return nil
	})
}

// GetPolicyBundle loads a stored bundle version.
func (s *Store) GetPolicyBundle(ctx context.Context, version string) (*PolicyBundleRecord, error) {
	var rec PolicyBundleRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT version, checksum, bundle, source, created_at FROM policy_bundles WHERE version = ?;
	`, version).Scan(&rec.Version, &rec.Checksum, &rec.Bundle, &rec.Source, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fabricerr.NotFound("policy bundle", version)
		}
		return nil, wrapErr("get policy bundle", err)
	}
	return &rec, nil
}

// ListPolicyBundles returns stored bundle versions newest first, without bodies.
func (s *Store) ListPolicyBundles(ctx context.Context) ([]PolicyBundleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, checksum, source, created_at FROM policy_bundles ORDER BY created_at DESC, rowid DESC;
	`)
	if err != nil {
		return nil, wrapErr("list policy bundles", err)
	}
	defer rows.Close()

	var out []PolicyBundleRecord
	for rows.Next() {
		var rec PolicyBundleRecord
		if err := rows.Scan(&rec.Version, &rec.Checksum, &rec.Source, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan policy bundle: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
