// Package audit mirrors policy activity from the event bus into an
// append-only JSONL file next to the system log.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/datafabric/internal/bus"
	"github.com/basket/datafabric/internal/shared"
)

// TopicPrefix selects the bus topics the mirror records.
const TopicPrefix = "policy."

type entry struct {
	Timestamp     string `json:"timestamp"`
	Topic         string `json:"topic"`
	TenantID      string `json:"tenant_id,omitempty"`
	DecisionID    string `json:"decision_id,omitempty"`
	EscalationID  string `json:"escalation_id,omitempty"`
	Action        string `json:"action,omitempty"`
	Actor         string `json:"actor,omitempty"`
	Resource      string `json:"resource,omitempty"`
	Decision      string `json:"decision,omitempty"`
	RiskLevel     string `json:"risk_level,omitempty"`
	RateLimited   bool   `json:"rate_limited,omitempty"`
	Status        string `json:"status,omitempty"`
	PolicyVersion string `json:"policy_version,omitempty"`
}

// Mirror writes one line per policy event. It is safe for concurrent use.
type Mirror struct {
	mu    sync.Mutex
	file  *os.File
	path  string
	clock shared.Clock

	denies      atomic.Int64
	escalations atomic.Int64
}

// Open creates <homeDir>/logs/audit.jsonl for appending.
func Open(homeDir string, clock shared.Clock) (*Mirror, error) {
	if clock == nil {
		clock = shared.SystemClock()
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	path := filepath.Join(logDir, "audit.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Mirror{file: f, path: path, clock: clock}, nil
}

func (m *Mirror) Path() string { return m.path }

func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

// DenyCount returns the number of deny decisions recorded since Open.
func (m *Mirror) DenyCount() int64 { return m.denies.Load() }

// EscalationCount returns the number of escalations opened since Open.
func (m *Mirror) EscalationCount() int64 { return m.escalations.Load() }

// Record appends ev. Events with payloads the mirror does not know are
// recorded with their topic only.
func (m *Mirror) Record(ev bus.Event) error {
	e := entry{
		Timestamp: m.clock.Now().Format(time.RFC3339Nano),
		Topic:     ev.Topic,
	}
	switch p := ev.Payload.(type) {
	case bus.DecisionEvent:
		e.TenantID, e.DecisionID, e.EscalationID = p.TenantID, p.DecisionID, p.EscalationID
		e.Action, e.Actor, e.Resource = shared.Redact(p.Action), shared.Redact(p.Actor), shared.Redact(p.Resource)
		e.Decision, e.RiskLevel, e.RateLimited = p.Decision, p.RiskLevel, p.RateLimited
		if p.Decision == "deny" {
			m.denies.Add(1)
		}
	case bus.EscalationEvent:
		e.TenantID, e.DecisionID, e.EscalationID, e.Status = p.TenantID, p.DecisionID, p.EscalationID, p.Status
		if ev.Topic == bus.TopicPolicyEscalationCreated {
			m.escalations.Add(1)
		}
	case bus.BundleActivatedEvent:
		e.PolicyVersion = p.Version
	}

	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return fmt.Errorf("audit log closed")
	}
	if _, err := m.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// Run records policy events from b until ctx is done.
func (m *Mirror) Run(ctx context.Context, b *bus.Bus) error {
	sub := b.Subscribe(TopicPrefix)
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			if err := m.Record(ev); err != nil {
				return err
			}
		}
	}
}
