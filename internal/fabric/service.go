// Package fabric wires the entity store, the three engines and their
// maintenance jobs into one service.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/basket/datafabric/internal/audit"
	"github.com/basket/datafabric/internal/blob"
	"github.com/basket/datafabric/internal/bus"
	"github.com/basket/datafabric/internal/config"
	"github.com/basket/datafabric/internal/fabricerr"
	"github.com/basket/datafabric/internal/memory"
	fotel "github.com/basket/datafabric/internal/otel"
	"github.com/basket/datafabric/internal/persistence"
	"github.com/basket/datafabric/internal/policy"
	"github.com/basket/datafabric/internal/queue"
	"github.com/basket/datafabric/internal/scheduler"
	"github.com/basket/datafabric/internal/shared"
)

// Options wires optional collaborators. Zero values are valid.
type Options struct {
	Logger  *slog.Logger
	Clock   shared.Clock
	Metrics *fotel.Metrics
	Tracer  trace.Tracer
}

// Service owns the store handles and engines. Engines are exported so
// callers use their methods directly.
type Service struct {
	Store     *persistence.Store
	Blobs     *blob.Store
	Bus       *bus.Bus
	Queue     *queue.Queue
	Policy    *policy.Engine
	Memory    *memory.Engine
	Audit     *audit.Mirror
	Scheduler *scheduler.Scheduler

	cfg    atomic.Pointer[config.Config]
	clock  shared.Clock
	logger *slog.Logger
	tracer trace.Tracer
}

// Open opens the store and blob directory named by cfg and builds the engines.
func Open(cfg config.Config, opts Options) (_ *Service, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = shared.SystemClock()
	}

	s := &Service{
		Bus:    bus.New(),
		clock:  clock,
		logger: logger.With("component", "fabric"),
		tracer: fotel.TracerOrNoop(opts.Tracer),
	}
	s.cfg.Store(&cfg)
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.Store, err = persistence.Open(cfg.DBPath, s.Bus); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if s.Blobs, err = blob.Open(cfg.BlobDir); err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	if s.Audit, err = audit.Open(cfg.HomeDir, clock); err != nil {
		return nil, err
	}

	s.Queue = queue.New(s.Store, queue.Options{
		Config: queue.Config{
			DefaultLease:      cfg.LeaseDuration(),
			DefaultMaxRetries: cfg.Queue.MaxRetries,
		},
		Clock:   clock,
		Logger:  logger,
		Metrics: opts.Metrics,
		Tracer:  opts.Tracer,
	})

	s.Policy, err = policy.New(s.Store, s.Store, policy.Options{
		RefreshInterval: cfg.RefreshInterval(),
		BundleCacheSize: cfg.Policy.BundleCacheSize,
		Clock:           clock,
		Logger:          logger,
		Metrics:         opts.Metrics,
		Tracer:          opts.Tracer,
		Bus:             s.Bus,
	})
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}

	mcfg := memory.DefaultConfig()
	mcfg.DefaultTopK = cfg.Memory.DefaultTopK
	mcfg.DefaultTokenBudget = cfg.Memory.TokenBudget
	mcfg.CandidateScan = cfg.Memory.CandidateScan
	mcfg.GCGrace = cfg.GCGrace()
	mcfg.GCLimit = cfg.Memory.GCLimit
	s.Memory = memory.New(s.Store, memory.Options{
		Config:  mcfg,
		Blobs:   s.Blobs,
		Clock:   clock,
		Logger:  logger,
		Metrics: opts.Metrics,
		Tracer:  opts.Tracer,
	})

	s.Scheduler = scheduler.NewScheduler(scheduler.Config{Logger: logger, Clock: clock})
	for _, job := range s.Jobs() {
		if err := s.Scheduler.Add(job); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Config returns the configuration currently in effect.
func (s *Service) Config() config.Config { return *s.cfg.Load() }

// Jobs returns the maintenance jobs the scheduler runs.
func (s *Service) Jobs() []scheduler.Job {
	cfg := s.Config()
	return []scheduler.Job{
		{Name: "lease-sweep", Schedule: cfg.Queue.SweepSchedule, Run: func(ctx context.Context) error {
			_, err := s.Queue.SweepExpiredLeases(ctx)
			return err
		}},
		{Name: "memory-gc", Schedule: cfg.Memory.GCSchedule, Run: func(ctx context.Context) error {
			cur := s.Config()
			_, err := s.Memory.GC(ctx, "", cur.GCGrace(), cur.Memory.GCLimit)
			return err
		}},
		{Name: "retention", Schedule: cfg.Retention.Schedule, Run: s.runRetention},
		{Name: "policy-refresh", Schedule: fmt.Sprintf("@every %ds", cfg.Policy.RefreshIntervalSeconds), Run: func(ctx context.Context) error {
			_, err := s.Policy.Refresh(ctx)
			return err
		}},
	}
}

func (s *Service) runRetention(ctx context.Context) error {
	cfg := s.Config()
	if cfg.Policy.RetentionDays > 0 {
		if _, err := s.Policy.RunRetention(ctx, cfg.Policy.RetentionDays); err != nil {
			return err
		}
	}
	res, err := s.Store.RunRetention(ctx, persistence.RetentionPolicy{
		TaskDays:      cfg.Retention.TaskDays,
		RetrievalDays: cfg.Retention.RetrievalDays,
	}, s.clock.Now())
	if err != nil {
		return err
	}
	if res.PurgedTasks > 0 || res.PurgedRetrievalQueries > 0 {
		s.logger.Info("retention complete", "tasks", res.PurgedTasks, "retrieval_queries", res.PurgedRetrievalQueries)
	}
	return nil
}

// LoadBundleDir archives every bundle file in the configured directory
// without activating it, then activates the configured version if any.
// Files already archived with identical content are skipped silently.
func (s *Service) LoadBundleDir(ctx context.Context) (loaded int, err error) {
	ctx, span := fotel.StartServerSpan(ctx, s.tracer, "fabric.LoadBundleDir")
	defer func() { fotel.EndSpan(span, err) }()
	cfg := s.Config()
	entries, err := os.ReadDir(cfg.Policy.BundleDir)
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("read bundle dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && config.IsBundleFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		path := filepath.Join(cfg.Policy.BundleDir, name)
		if _, err := s.Policy.LoadBundleFile(ctx, path, false); err != nil {
			s.logger.Error("policy bundle file rejected", "path", path, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		loaded++
	}
	if v := cfg.Policy.ActiveVersion; v != "" {
		if err := s.Policy.ActivateVersion(ctx, v); err != nil {
			errs = append(errs, fmt.Errorf("activate %s: %w", v, err))
		}
	}
	return loaded, errors.Join(errs...)
}

// HandleReload applies one watcher event. Bundle files are stored and
// activated. A config change is reloaded; GC and retention windows follow it
// at their next run, while schedules and engine tuning apply on restart.
// A rejected event leaves the previous bundle and config in effect.
func (s *Service) HandleReload(ctx context.Context, ev config.ReloadEvent) (err error) {
	ctx, span := fotel.StartServerSpan(ctx, s.tracer, "fabric.HandleReload",
		fotel.AttrReloadKind.String(string(ev.Kind)))
	defer func() { fotel.EndSpan(span, err) }()

	switch ev.Kind {
	case config.ReloadBundle:
		b, err := s.Policy.LoadBundleFile(ctx, ev.Path, true)
		if err != nil {
			return err
		}
		s.logger.Info("policy bundle reloaded", "path", ev.Path, "version", b.Version)
		return nil
	case config.ReloadConfig:
		old := s.Config()
		next, err := config.LoadFrom(old.HomeDir)
		if err != nil {
			return err
		}
		s.cfg.Store(&next)
		if next.Fingerprint() != old.Fingerprint() {
			s.logger.Info("config reloaded", "fingerprint", next.Fingerprint(), "previous", old.Fingerprint())
		}
		return nil
	default:
		return fabricerr.Invalid("unknown reload kind %q", ev.Kind)
	}
}

// Backup writes a consistent copy of the database to dest. An empty dest
// picks a timestamped file under the home directory's backups folder.
func (s *Service) Backup(ctx context.Context, dest string) (_ string, err error) {
	ctx, span := fotel.StartServerSpan(ctx, s.tracer, "fabric.Backup")
	defer func() { fotel.EndSpan(span, err) }()

	if dest == "" {
		name := "fabric-" + s.clock.Now().UTC().Format("20060102T150405Z") + ".db"
		dest = filepath.Join(s.Config().HomeDir, "backups", name)
	}
	if err := s.Store.Backup(ctx, dest); err != nil {
		return "", err
	}
	s.logger.Info("database backup written", "path", dest)
	return dest, nil
}

// Run starts the audit mirror and the scheduler and, when watcher is not
// nil, applies its reload events. It returns when ctx is done.
func (s *Service) Run(ctx context.Context, watcher *config.Watcher) error {
	n, err := s.Queue.SweepExpiredLeases(ctx)
	if err != nil {
		return fmt.Errorf("startup lease sweep: %w", err)
	}
	s.logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", n)

	g, ctx := errgroup.WithContext(ctx)
	if watcher != nil {
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-watcher.Events():
					if !ok {
						return nil
					}
					if err := s.HandleReload(ctx, ev); err != nil {
						s.logger.Warn("reload event rejected", "kind", ev.Kind, "path", ev.Path, "error", err)
					}
				}
			}
		})
	}
	g.Go(func() error { return s.Audit.Run(ctx, s.Bus) })
	g.Go(func() error {
		s.Scheduler.Start(ctx)
		s.logger.Info("startup phase", "phase", "scheduler_started", "jobs", len(s.Scheduler.Status()))
		<-ctx.Done()
		s.Scheduler.Stop()
		return nil
	})
	return g.Wait()
}

// Close releases the store, blob codec and audit file.
func (s *Service) Close() error {
	var errs []error
	if s.Audit != nil {
		errs = append(errs, s.Audit.Close())
	}
	if s.Blobs != nil {
		errs = append(errs, s.Blobs.Close())
	}
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	return errors.Join(errs...)
}
