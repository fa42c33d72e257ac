package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/datafabric/internal/fabricerr"
	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Run groups the tasks, decisions and memories produced by one orchestration pass.
type Run struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Repo      string    `json:"repo"`
	Trigger   string    `json:"trigger"`
	Actor     string    `json:"actor"`
	Status    RunStatus `json:"status"`
	Metadata  string    `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateRun inserts a run in the running state.
func (s *Store) CreateRun(ctx context.Context, run Run, now time.Time) (Run, error) {
	if run.TenantID == "" {
		return Run{}, fabricerr.Invalid("tenant is required")
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.Metadata == "" {
		run.Metadata = "{}"
	}
	run.CreatedAt = now.UTC()
	run.UpdatedAt = run.CreatedAt

	err := s.withTx(ctx, "create run", func(tx *sql.Tx, _ *outbox) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, tenant_id, repo, trigger_source, actor, status, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, run.ID, run.TenantID, run.Repo, run.Trigger, run.Actor, string(run.Status), run.Metadata, run.CreatedAt, run.UpdatedAt); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return appendEventTx(ctx, tx, run.TenantID, StreamRun, run.ID, "run.created", run.ID,
			map[string]string{"repo": run.Repo, "trigger": run.Trigger}, now)
	})
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

// GetRun loads a run owned by tenantID.
func (s *Store) GetRun(ctx context.Context, tenantID, id string) (*Run, error) {
	var run Run
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, repo, trigger_source, actor, status, metadata, created_at, updated_at
		FROM runs
		WHERE tenant_id = ? AND id = ?;
	`, tenantID, id).Scan(&run.ID, &run.TenantID, &run.Repo, &run.Trigger, &run.Actor, &status, &run.Metadata, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fabricerr.NotFound("run", id)
		}
		return nil, wrapErr("get run", err)
	}
	run.Status = RunStatus(status)
	return &run, nil
}

// UpdateRunStatus sets a run's status and records the transition.
func (s *Store) UpdateRunStatus(ctx context.Context, tenantID, id string, status RunStatus, now time.Time) error {
	switch status {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
	default:
		return fabricerr.Invalid("unknown run status %q", status)
	}
	return s.withTx(ctx, "update run status", func(tx *sql.Tx, _ *outbox) error {
		var from string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE tenant_id = ? AND id = ?;`, tenantID, id).Scan(&from); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fabricerr.NotFound("run", id)
			}
			return fmt.Errorf("select run: %w", err)
		}
		ok, err := execCAS(ctx, tx, `
			UPDATE runs SET status = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND status = ?;
		`, string(status), now.UTC(), tenantID, id, from)
		if err != nil {
			return fmt.Errorf("update run status: %w", err)
		}
		if !ok {
			return fmt.Errorf("run %q: %w", id, fabricerr.ErrConflict)
		}
		return appendEventTx(ctx, tx, tenantID, StreamRun, id, "run.status_changed", id,
			map[string]string{"from": from, "to": string(status)}, now)
	})
}
