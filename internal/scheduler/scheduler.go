// Package scheduler runs the fabric's periodic maintenance jobs (lease sweep,
// memory garbage collection, retention) on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/datafabric/internal/shared"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow) and descriptors such as @hourly or @every 15s.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one named periodic function.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// JobStatus reports the last outcome of a job.
type JobStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	NextRunAt time.Time `json:"next_run_at"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int       `json:"runs"`
	Failures  int       `json:"failures"`
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Logger   *slog.Logger
	Clock    shared.Clock
	Interval time.Duration // tick interval; defaults to 1 second if zero
}

type entry struct {
	job    Job
	sched  cronlib.Schedule
	status JobStatus
}

// Scheduler ticks at a fixed interval and runs every job whose next run time
// has passed. Jobs run sequentially on the scheduler goroutine, so a slow job
// delays the others but never overlaps itself.
type Scheduler struct {
	logger   *slog.Logger
	clock    shared.Clock
	interval time.Duration

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = shared.SystemClock()
	}
	return &Scheduler{
		logger:   logger.With("component", "scheduler"),
		clock:    clock,
		interval: interval,
	}
}

// Add registers a job. The first run is the schedule's next activation after now.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduler: job needs a name and a run function")
	}
	sched, err := cronParser.Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: job %s: parse %q: %w", job.Name, job.Schedule, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.job.Name == job.Name {
			return fmt.Errorf("scheduler: duplicate job %s", job.Name)
		}
	}
	s.entries = append(s.entries, &entry{
		job:   job,
		sched: sched,
		status: JobStatus{
			Name:      job.Name,
			Schedule:  job.Schedule,
			NextRunAt: sched.Next(s.clock.Now()),
		},
	})
	return nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "jobs", len(s.Status()))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue runs every job whose next run time is at or before now and returns
// how many ran.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.clock.Now()
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.status.NextRunAt.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		s.fire(ctx, e, now)
	}
	return len(due)
}

// RunNow runs the named job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var target *entry
	for _, e := range s.entries {
		if e.job.Name == name {
			target = e
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("scheduler: unknown job %s", name)
	}
	return s.fire(ctx, target, s.clock.Now())
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) error {
	start := time.Now()
	err := e.job.Run(ctx)

	s.mu.Lock()
	e.status.Runs++
	e.status.LastRunAt = now
	e.status.NextRunAt = e.sched.Next(now)
	if err != nil {
		e.status.Failures++
		e.status.LastError = err.Error()
	} else {
		e.status.LastError = ""
	}
	next := e.status.NextRunAt
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled job failed", "job", e.job.Name, "error", err)
		return err
	}
	s.logger.Debug("scheduled job complete", "job", e.job.Name,
		"duration_ms", time.Since(start).Milliseconds(), "next_run_at", next)
	return nil
}

// Status returns a snapshot of every job, sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
