package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/datafabric/internal/bus"
	"github.com/basket/datafabric/internal/fabricerr"
)

type MemoryStatus string

const (
	MemoryStatusActive  MemoryStatus = "active"
	MemoryStatusRetired MemoryStatus = "retired"
)

// MemoryRecord is a reusable context item. SuccessRate is nil when unknown.
type MemoryRecord struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	Repo            string       `json:"repo"`
	Kind            string       `json:"kind"`
	RunID           string       `json:"run_id,omitempty"`
	Title           string       `json:"title"`
	Summary         string       `json:"summary"`
	Tags            []string     `json:"tags"`
	ContentRef      string       `json:"content_ref,omitempty"`
	SuccessRate     *float64     `json:"success_rate,omitempty"`
	IndexedAt       time.Time    `json:"indexed_at"`
	LastAccessedAt  *time.Time   `json:"last_accessed_at,omitempty"`
	AccessCount     int          `json:"access_count"`
	Status          MemoryStatus `json:"status"`
	UnsafeReason    string       `json:"unsafe_reason,omitempty"`
	ExpiresAt       *time.Time   `json:"expires_at,omitempty"`
	ConflictKey     string       `json:"conflict_key,omitempty"`
	ConflictVersion int          `json:"conflict_version"`
}

// RetrievalQuery is the immutable log row of one retrieve call.
type RetrievalQuery struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	Repo             string    `json:"repo"`
	QueryText        string    `json:"query_text"`
	TopK             int       `json:"top_k"`
	CandidateCount   int       `json:"candidate_count"`
	ReturnedCount    int       `json:"returned_count"`
	FilteredStale    int       `json:"filtered_stale"`
	FilteredUnsafe   int       `json:"filtered_unsafe"`
	FilteredConflict int       `json:"filtered_conflict"`
	LatencyMS        int64     `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// RetrievalFeedback is the immutable outcome report for a retrieval query.
type RetrievalFeedback struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	QueryID          string    `json:"query_id"`
	Success          bool      `json:"success"`
	FirstPassSuccess bool      `json:"first_pass_success"`
	CacheHit         bool      `json:"cache_hit"`
	LatencyMS        int64     `json:"latency_ms"`
	Notes            string    `json:"notes,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// FeedbackStats aggregates feedback rows for one tenant.
type FeedbackStats struct {
	Total            int
	CacheHits        int
	Successes        int
	FirstPassSuccess int
	Latencies        []int64
}

const memoryColumns = `id, tenant_id, repo, kind, run_id, title, summary, tags, content_ref, success_rate,
	indexed_at, last_accessed_at, access_count, status, unsafe_reason, expires_at, conflict_key, conflict_version`

func scanMemory(scanFn func(dest ...any) error, m *MemoryRecord) error {
	var tags, status string
	var successRate sql.NullFloat64
	var lastAccessed, expires sql.NullTime
	if err := scanFn(&m.ID, &m.TenantID, &m.Repo, &m.Kind, &m.RunID, &m.Title, &m.Summary, &tags, &m.ContentRef,
		&successRate, &m.IndexedAt, &lastAccessed, &m.AccessCount, &status, &m.UnsafeReason, &expires,
		&m.ConflictKey, &m.ConflictVersion); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return fmt.Errorf("decode memory tags: %w", err)
	}
	if successRate.Valid {
		v := successRate.Float64
		m.SuccessRate = &v
	}
	m.IndexedAt = m.IndexedAt.UTC()
	m.LastAccessedAt = timePtr(lastAccessed)
	m.ExpiresAt = timePtr(expires)
	m.Status = MemoryStatus(status)
	return nil
}

func scanMemoryRows(rows *sql.Rows) ([]MemoryRecord, error) {
	var out []MemoryRecord
	for rows.Next() {
		var m MemoryRecord
		if err := scanMemory(rows.Scan, &m); err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertMemory stores a record. When ConflictKey is set the version is
// assigned as one past the tenant's current maximum for that key, inside the
// same transaction.
func (s *Store) InsertMemory(ctx context.Context, m MemoryRecord) (*MemoryRecord, error) {
	if m.TenantID == "" || m.ID == "" || m.Repo == "" {
		return nil, fabricerr.Invalid("memory id, tenant and repo are required")
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode memory tags: %w", err)
	}
	m.Status = MemoryStatusActive
	m.IndexedAt = m.IndexedAt.UTC()

	err = s.withTx(ctx, "insert memory", func(tx *sql.Tx, box *outbox) error {
		m.ConflictVersion = 1
		if m.ConflictKey != "" {
			var maxVersion int
			if err := tx.QueryRowContext(ctx, `
				SELECT COALESCE(MAX(conflict_version), 0) FROM memory_records WHERE tenant_id = ? AND conflict_key = ?;
			`, m.TenantID, m.ConflictKey).Scan(&maxVersion); err != nil {
				return fmt.Errorf("select conflict version: %w", err)
			}
			m.ConflictVersion = maxVersion + 1
		}
		var successRate sql.NullFloat64
		if m.SuccessRate != nil {
			successRate = sql.NullFloat64{Float64: *m.SuccessRate, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_records (id, tenant_id, repo, kind, run_id, title, summary, tags, content_ref, success_rate,
				indexed_at, access_count, status, unsafe_reason, expires_at, conflict_key, conflict_version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?);
		`, m.ID, m.TenantID, m.Repo, m.Kind, m.RunID, m.Title, m.Summary, string(tags), m.ContentRef, successRate,
			m.IndexedAt, string(m.Status), m.UnsafeReason, nullTime(m.ExpiresAt), m.ConflictKey, m.ConflictVersion); err != nil {
			return fmt.Errorf("insert memory record: %w", err)
		}
		if err := appendEventTx(ctx, tx, m.TenantID, StreamMemory, m.ID, bus.TopicMemoryIndexed, m.RunID,
			map[string]any{"repo": m.Repo, "kind": m.Kind, "conflict_key": m.ConflictKey, "conflict_version": m.ConflictVersion}, m.IndexedAt); err != nil {
			return err
		}
		box.add(bus.TopicMemoryIndexed, bus.MemoryEvent{TenantID: m.TenantID, RecordID: m.ID, Repo: m.Repo, Kind: m.Kind})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMemory loads one record by id regardless of status, version or expiry.
func (s *Store) GetMemory(ctx context.Context, tenantID, id string) (*MemoryRecord, error) {
	var m MemoryRecord
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memory_records WHERE tenant_id = ? AND id = ?;`, tenantID, id)
	if err := scanMemory(row.Scan, &m); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fabricerr.NotFound("memory record", id)
		}
		return nil, wrapErr("get memory", err)
	}
	return &m, nil
}

// ListMemoryCandidates returns one page of active records in the given repos,
// ordered by id. Pass the last id of the previous page as afterID ("" for the
// first page); an empty page means the scan is complete.
func (s *Store) ListMemoryCandidates(ctx context.Context, tenantID string, repos []string, afterID string, limit int) ([]MemoryRecord, error) {
	if len(repos) == 0 {
		return nil, nil
	}
	limit = clampLimit(limit, 500, 5000)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(repos)), ",")
	args := make([]any, 0, len(repos)+4)
	args = append(args, tenantID, string(MemoryStatusActive), afterID)
	for _, r := range repos {
		args = append(args, r)
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+`
		FROM memory_records
		WHERE tenant_id = ? AND status = ? AND id > ? AND repo IN (`+placeholders+`)
		ORDER BY id ASC
		LIMIT ?;
	`, args...)
	if err != nil {
		return nil, wrapErr("list memory candidates", err)
	}
	defer rows.Close()
	out, err := scanMemoryRows(rows)
	if err != nil {
		return nil, wrapErr("list memory candidates", err)
	}
	return out, nil
}

// TouchMemories bumps access_count and last_accessed_at on returned records.
func (s *Store) TouchMemories(ctx context.Context, tenantID string, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, "touch memories", func(tx *sql.Tx, _ *outbox) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE memory_records
				SET access_count = access_count + 1, last_accessed_at = ?
				WHERE tenant_id = ? AND id = ?;
			`, now.UTC(), tenantID, id); err != nil {
				return fmt.Errorf("touch memory %q: %w", id, err)
			}
		}
		return nil
	})
}

// RetireMemory marks an active record retired. Retiring twice is a no-op.
func (s *Store) RetireMemory(ctx context.Context, tenantID, id string, now time.Time) (*MemoryRecord, error) {
	var out *MemoryRecord
	err := s.withTx(ctx, "retire memory", func(tx *sql.Tx, box *outbox) error {
		ok, err := execCAS(ctx, tx, `
			UPDATE memory_records SET status = ? WHERE tenant_id = ? AND id = ? AND status = ?;
		`, string(MemoryStatusRetired), tenantID, id, string(MemoryStatusActive))
		if err != nil {
			return fmt.Errorf("retire memory: %w", err)
		}
		var m MemoryRecord
		row := tx.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memory_records WHERE tenant_id = ? AND id = ?;`, tenantID, id)
		if err := scanMemory(row.Scan, &m); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fabricerr.NotFound("memory record", id)
			}
			return fmt.Errorf("select memory: %w", err)
		}
		out = &m
		if !ok {
			return nil
		}
		if err := appendEventTx(ctx, tx, tenantID, StreamMemory, id, bus.TopicMemoryRetired, m.RunID, nil, now); err != nil {
			return err
		}
		box.add(bus.TopicMemoryRetired, bus.MemoryEvent{TenantID: tenantID, RecordID: id, Repo: m.Repo, Kind: m.Kind})
		return nil
	})
	return out, err
}

// ListMemoryGCCandidates returns records that are retired or expired before
// expiredBefore. An empty tenantID scans every tenant.
func (s *Store) ListMemoryGCCandidates(ctx context.Context, tenantID string, expiredBefore time.Time, limit int) ([]MemoryRecord, error) {
	limit = clampLimit(limit, 500, 5000)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+`
		FROM memory_records
		WHERE (? = '' OR tenant_id = ?)
		  AND (status = ? OR (expires_at IS NOT NULL AND expires_at <= ?))
		ORDER BY indexed_at ASC
		LIMIT ?;
	`, tenantID, tenantID, string(MemoryStatusRetired), expiredBefore.UTC(), limit)
	if err != nil {
		return nil, wrapErr("list memory gc candidates", err)
	}
	defer rows.Close()
	out, err := scanMemoryRows(rows)
	if err != nil {
		return nil, wrapErr("list memory gc candidates", err)
	}
	return out, nil
}

// DeleteMemory physically removes a record. ok is false when it was already gone.
func (s *Store) DeleteMemory(ctx context.Context, tenantID, id string, now time.Time) (bool, error) {
	var ok bool
	err := s.withTx(ctx, "delete memory", func(tx *sql.Tx, box *outbox) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM memory_records WHERE tenant_id = ? AND id = ?;`, tenantID, id)
		if err != nil {
			return fmt.Errorf("delete memory: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete memory rows affected: %w", err)
		}
		ok = n == 1
		if !ok {
			return nil
		}
		if err := appendEventTx(ctx, tx, tenantID, StreamMemory, id, bus.TopicMemoryDeleted, "", nil, now); err != nil {
			return err
		}
		box.add(bus.TopicMemoryDeleted, bus.MemoryEvent{TenantID: tenantID, RecordID: id})
		return nil
	})
	return ok, err
}

// CountContentRefs reports how many records still point at a blob key.
func (s *Store) CountContentRefs(ctx context.Context, contentRef string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_records WHERE content_ref = ?;`, contentRef).Scan(&n); err != nil {
		return 0, wrapErr("count content refs", err)
	}
	return n, nil
}

// InsertRetrievalQuery logs one retrieve call.
func (s *Store) InsertRetrievalQuery(ctx context.Context, q RetrievalQuery) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memory_retrieval_queries (id, tenant_id, repo, query_text, top_k, candidate_count, returned_count,
				filtered_stale, filtered_unsafe, filtered_conflict, latency_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, q.ID, q.TenantID, q.Repo, q.QueryText, q.TopK, q.CandidateCount, q.ReturnedCount,
			q.FilteredStale, q.FilteredUnsafe, q.FilteredConflict, q.LatencyMS, q.CreatedAt.UTC())
		return err
	})
	return wrapErr("insert retrieval query", err)
}

// GetRetrievalQuery loads one logged query owned by tenantID.
func (s *Store) GetRetrievalQuery(ctx context.Context, tenantID, id string) (*RetrievalQuery, error) {
	var q RetrievalQuery
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, repo, query_text, top_k, candidate_count, returned_count,
			filtered_stale, filtered_unsafe, filtered_conflict, latency_ms, created_at
		FROM memory_retrieval_queries
		WHERE tenant_id = ? AND id = ?;
	`, tenantID, id).Scan(&q.ID, &q.TenantID, &q.Repo, &q.QueryText, &q.TopK, &q.CandidateCount, &q.ReturnedCount,
		&q.FilteredStale, &q.FilteredUnsafe, &q.FilteredConflict, &q.LatencyMS, &q.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fabricerr.NotFound("retrieval query", id)
		}
		return nil, wrapErr("get retrieval query", err)
	}
	return &q, nil
}

// CountRetrievalQueries returns how many queries a tenant has logged.
func (s *Store) CountRetrievalQueries(ctx context.Context, tenantID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_retrieval_queries WHERE tenant_id = ?;`, tenantID).Scan(&n); err != nil {
		return 0, wrapErr("count retrieval queries", err)
	}
	return n, nil
}

// InsertRetrievalFeedback logs an outcome report.
func (s *Store) InsertRetrievalFeedback(ctx context.Context, f RetrievalFeedback) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memory_retrieval_feedback (id, tenant_id, query_id, success, first_pass_success, cache_hit, latency_ms, notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, f.ID, f.TenantID, f.QueryID, boolToInt(f.Success), boolToInt(f.FirstPassSuccess), boolToInt(f.CacheHit),
			f.LatencyMS, f.Notes, f.CreatedAt.UTC())
		return err
	})
	return wrapErr("insert retrieval feedback", err)
}

// FeedbackStats returns counts and the raw latency sample for a tenant.
func (s *Store) FeedbackStats(ctx context.Context, tenantID string) (FeedbackStats, error) {
	var st FeedbackStats
	rows, err := s.db.QueryContext(ctx, `
		SELECT success, first_pass_success, cache_hit, latency_ms
		FROM memory_retrieval_feedback
		WHERE tenant_id = ?
		ORDER BY latency_ms ASC;
	`, tenantID)
	if err != nil {
		return st, wrapErr("feedback stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var success, firstPass, cacheHit int
		var latency int64
		if err := rows.Scan(&success, &firstPass, &cacheHit, &latency); err != nil {
			return st, fmt.Errorf("scan feedback: %w", err)
		}
		st.Total++
		st.Successes += success
		st.FirstPassSuccess += firstPass
		st.CacheHits += cacheHit
		st.Latencies = append(st.Latencies, latency)
	}
	if err := rows.Err(); err != nil {
		return st, wrapErr("feedback stats", err)
	}
	return st, nil
}
