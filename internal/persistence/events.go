package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/datafabric/internal/fabricerr"
	"github.com/basket/datafabric/internal/shared"
)

// Stream names the engine that wrote an event.
type Stream string

const (
	StreamTask   Stream = "task"
	StreamPolicy Stream = "policy"
	StreamMemory Stream = "memory"
	StreamRun    Stream = "run"
)

// Event is one row of the append-only provenance log.
type Event struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Stream    Stream    `json:"stream"`
	EntityID  string    `json:"entity_id"`
	EventType string    `json:"event_type"`
	RunID     string    `json:"run_id,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// appendEventTx writes an event inside the caller's transaction so the state
// change and its provenance commit together. payload may be nil.
func appendEventTx(ctx context.Context, tx *sql.Tx, tenantID string, stream Stream, entityID, eventType, runID string, payload any, now time.Time) error {
	body := "{}"
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		body = string(raw)
	}
	if runID == "" {
		runID = shared.RunID(ctx)
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (tenant_id, stream, entity_id, event_type, run_id, trace_id, payload, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?);
	`, tenantID, string(stream), entityID, eventType, runID, traceID, body, now.UTC())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents replays a tenant's events after afterID in write order. An empty
// stream returns every stream.
func (s *Store) ListEvents(ctx context.Context, tenantID string, stream Stream, afterID int64, limit int) ([]Event, error) {
	if tenantID == "" {
		return nil, fabricerr.Invalid("tenant is required")
	}
	limit = clampLimit(limit, 100, 1000)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, stream, entity_id, event_type, COALESCE(run_id, ''), COALESCE(trace_id, ''), payload, created_at
		FROM events
		WHERE tenant_id = ? AND id > ? AND (? = '' OR stream = ?)
		ORDER BY id ASC
		LIMIT ?;
	`, tenantID, afterID, string(stream), string(stream), limit)
	if err != nil {
		return nil, wrapErr("list events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var streamName string
		if err := rows.Scan(&ev.ID, &ev.TenantID, &streamName, &ev.EntityID, &ev.EventType, &ev.RunID, &ev.TraceID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Stream = Stream(streamName)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list events", err)
	}
	return out, nil
}

// ListEntityEvents returns the event history of one entity, oldest first.
func (s *Store) ListEntityEvents(ctx context.Context, tenantID, entityID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, stream, entity_id, event_type, COALESCE(run_id, ''), COALESCE(trace_id, ''), payload, created_at
		FROM events
		WHERE tenant_id = ? AND entity_id = ?
		ORDER BY id ASC;
	`, tenantID, entityID)
	if err != nil {
		return nil, wrapErr("list entity events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var streamName string
		if err := rows.Scan(&ev.ID, &ev.TenantID, &streamName, &ev.EntityID, &ev.EventType, &ev.RunID, &ev.TraceID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Stream = Stream(streamName)
		out = append(out, ev)
	}
	return out, rows.Err()
}
