package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionPolicy holds per-category windows in days. Zero or negative skips
// the category.
type RetentionPolicy struct {
	EventDays     int `yaml:"event_days" json:"event_days"`
	DecisionDays  int `yaml:"decision_days" json:"decision_days"`
	TaskDays      int `yaml:"task_days" json:"task_days"`
	RetrievalDays int `yaml:"retrieval_days" json:"retrieval_days"`
}

// RetentionResult reports what a retention pass deleted.
type RetentionResult struct {
	PurgedEvents           int64 `json:"purged_events"`
	PurgedDecisions        int64 `json:"purged_decisions"`
	PurgedEscalations      int64 `json:"purged_escalations"`
	PurgedTasks            int64 `json:"purged_tasks"`
	PurgedRetrievalQueries int64 `json:"purged_retrieval_queries"`
}

// RunRetention deletes rows older than the configured windows. Each category
// uses its own DELETE and cutoff, so the job is idempotent and safe to run from
// several nodes. Pending escalations and live tasks are never purged.
func (s *Store) RunRetention(ctx context.Context, p RetentionPolicy, now time.Time) (RetentionResult, error) {
	var result RetentionResult
	now = now.UTC()

	purge := func(label, query string, days int, dst *int64, args ...any) error {
		if days <= 0 {
			return nil
		}
		cutoff := now.AddDate(0, 0, -days)
		err := retryOnBusy(ctx, busyRetries, func() error {
			res, err := s.db.ExecContext(ctx, query, append([]any{cutoff}, args...)...)
			if err != nil {
				return err
			}
			*dst, _ = res.RowsAffected()
			return nil
		})
		if err != nil {
			return wrapErr(fmt.Sprintf("purge %s", label), err)
		}
		return nil
	}

	if err := purge("events", `DELETE FROM events WHERE created_at < ?;`, p.EventDays, &result.PurgedEvents); err != nil {
		return result, err
	}
	if err := purge("policy_decisions", `DELETE FROM policy_decisions WHERE created_at < ?;`, p.DecisionDays, &result.PurgedDecisions); err != nil {
		return result, err
	}
	if err := purge("policy_escalations", `DELETE FROM policy_escalations WHERE created_at < ? AND status <> ?;`,
		p.DecisionDays, &result.PurgedEscalations, string(EscalationPending)); err != nil {
		return result, err
	}
	if err := purge("tasks", `DELETE FROM tasks WHERE updated_at < ? AND status IN (?, ?);`,
		p.TaskDays, &result.PurgedTasks, string(TaskStatusCompleted), string(TaskStatusFailed)); err != nil {
		return result, err
	}
	// Feedback rows cascade with their query.
	if err := purge("memory_retrieval_queries", `DELETE FROM memory_retrieval_queries WHERE created_at < ?;`,
		p.RetrievalDays, &result.PurgedRetrievalQueries); err != nil {
		return result, err
	}
	return result, nil
}
