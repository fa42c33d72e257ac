package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/datafabric/internal/fabricerr"
	"github.com/basket/datafabric/internal/persistence"
)

const maxCounterAttempts = 16

// CounterStore holds fixed-window counters mutated by version CAS.
type CounterStore interface {
	GetRateCounter(ctx context.Context, tenantID, actor, actionClass string, windowSeconds int) (*persistence.RateCounter, error)
	InsertRateCounter(ctx context.Context, c persistence.RateCounter, now time.Time) (bool, error)
	CASRateCounter(ctx context.Context, next persistence.RateCounter, now time.Time) (bool, error)
}

// RateResult is the post-increment state of one counter.
type RateResult struct {
	Limit       RateLimit
	Count       int
	WindowStart time.Time
}

// Exceeded reports whether this call went over the threshold.
func (r RateResult) Exceeded() bool { return r.Count > r.Limit.MaxRequests }

// Increment bumps the counter for (tenant, actor, limit.ActionClass,
// limit.WindowSeconds). Windows are aligned to multiples of the window
// length; a counter from an earlier window restarts at 1. Lost races re-read
// the row and try again; too many is ErrConflict.
func Increment(ctx context.Context, store CounterStore, tenantID, actor string, limit RateLimit, now time.Time) (RateResult, error) {
	if limit.WindowSeconds <= 0 {
		return RateResult{}, fabricerr.Invalid("window must be positive")
	}
	window := time.Duration(limit.WindowSeconds) * time.Second
	start := now.UTC().Truncate(window)

	for attempt := 0; attempt < maxCounterAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return RateResult{}, err
		}
		cur, err := store.GetRateCounter(ctx, tenantID, actor, limit.ActionClass, limit.WindowSeconds)
		if err != nil {
			return RateResult{}, err
		}
		if cur == nil {
			ok, err := store.InsertRateCounter(ctx, persistence.RateCounter{
				TenantID:      tenantID,
				Actor:         actor,
				ActionClass:   limit.ActionClass,
				WindowSeconds: limit.WindowSeconds,
				WindowStart:   start,
				Count:         1,
			}, now)
			if err != nil {
				return RateResult{}, err
			}
			if ok {
				return RateResult{Limit: limit, Count: 1, WindowStart: start}, nil
			}
			continue
		}

		next := *cur
		if cur.WindowStart.Before(start) {
			next.WindowStart = start
			next.Count = 1
		} else {
			next.Count++
		}
		ok, err := store.CASRateCounter(ctx, next, now)
		if err != nil {
			return RateResult{}, err
		}
		if ok {
			return RateResult{Limit: limit, Count: next.Count, WindowStart: next.WindowStart}, nil
		}
	}
	return RateResult{}, fmt.Errorf("rate counter %s/%s: %w", actor, limit.ActionClass, fabricerr.ErrConflict)
}

// Refund takes back one unit charged by Increment when the call it paid for
// was never recorded. A counter that has since moved to a later window is
// left alone.
func Refund(ctx context.Context, store CounterStore, tenantID, actor string, charged RateResult, now time.Time) error {
	for attempt := 0; attempt < maxCounterAttempts; attempt++ {
		cur, err := store.GetRateCounter(ctx, tenantID, actor, charged.Limit.ActionClass, charged.Limit.WindowSeconds)
		if err != nil {
			return err
		}
		if cur == nil || !cur.WindowStart.Equal(charged.WindowStart) || cur.Count == 0 {
			return nil
		}
		next := *cur
		next.Count--
		ok, err := store.CASRateCounter(ctx, next, now)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("refund rate counter %s/%s: %w", actor, charged.Limit.ActionClass, fabricerr.ErrConflict)
}
