package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/basket/datafabric/internal/fabricerr"
	"github.com/basket/datafabric/internal/shared"
)

const (
	activeVersionKey = "policy:active_version"
	rulesKeyPrefix   = "policy:rules:"
)

// Snapshot sources.
const (
	SourceKV      = "kv"
	SourceBuiltin = "builtin"
)

// KeyValueStore is the cache the active bundle is read from.
type KeyValueStore interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}

// Snapshot is an immutable view of the bundle in force. Checks hold on to one
// snapshot for their whole evaluation.
type Snapshot struct {
	Bundle   Bundle
	Version  string
	Checksum string
	Source   string
	LoadedAt time.Time
	// Fallback is set when the builtin bundle replaced one that could not be loaded.
	Fallback bool
}

// SourceOptions tunes a Source. Zero values are valid.
type SourceOptions struct {
	RefreshInterval time.Duration
	CacheSize       int
	Clock           shared.Clock
	Logger          *slog.Logger
	// OnFallback runs each time the builtin bundle is swapped in after a load failure.
	OnFallback func(ctx context.Context, err error)
}

// Source owns the current Snapshot. Refresh builds a new snapshot and swaps
// it in atomically; concurrent refreshes share one load.
type Source struct {
	kv         KeyValueStore
	interval   time.Duration
	clock      shared.Clock
	logger     *slog.Logger
	onFallback func(ctx context.Context, err error)

	current atomic.Pointer[Snapshot]
	group   singleflight.Group
	bundles *lru.Cache[string, Bundle]
}

func NewSource(kv KeyValueStore, opts SourceOptions) (*Source, error) {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 30 * time.Second
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 16
	}
	if opts.Clock == nil {
		opts.Clock = shared.SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cache, err := lru.New[string, Bundle](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create bundle cache: %w", err)
	}
	return &Source{
		kv:         kv,
		interval:   opts.RefreshInterval,
		clock:      opts.Clock,
		logger:     opts.Logger,
		onFallback: opts.OnFallback,
		bundles:    cache,
	}, nil
}

// Current returns the snapshot in force, refreshing it when it is older than
// the refresh interval or is a fallback. It never fails.
func (s *Source) Current(ctx context.Context) *Snapshot {
	if snap := s.current.Load(); snap != nil && !snap.Fallback && s.clock.Now().Sub(snap.LoadedAt) < s.interval {
		return snap
	}
	snap, _ := s.Refresh(ctx)
	return snap
}

// Refresh reloads the active bundle. On failure the builtin bundle is
// swapped in and returned together with the load error.
func (s *Source) Refresh(ctx context.Context) (*Snapshot, error) {
	var loadErr error
	v, _, _ := s.group.Do("refresh", func() (any, error) {
		snap, err := s.load(ctx)
		if err != nil {
			loadErr = err
			snap = builtinSnapshot(s.clock.Now(), true)
			s.logger.Warn("policy bundle load failed; using builtin rules", "error", err)
			if s.onFallback != nil {
				s.onFallback(ctx, err)
			}
		}
		prev := s.current.Swap(snap)
		if prev == nil || prev.Version != snap.Version || prev.Checksum != snap.Checksum {
			s.logger.Info("policy bundle active", "version", snap.Version, "source", snap.Source, "checksum", snap.Checksum)
		}
		return snap, nil
	})
	snap := v.(*Snapshot)
	if loadErr == nil && snap.Fallback {
		loadErr = fmt.Errorf("policy bundle unavailable: %w", fabricerr.ErrStoreUnavailable)
	}
	return snap, loadErr
}

func (s *Source) load(ctx context.Context) (*Snapshot, error) {
	version, err := s.kv.KVGet(ctx, activeVersionKey)
	if err != nil {
		return nil, fmt.Errorf("read active version: %w", err)
	}
	if version == "" {
		return builtinSnapshot(s.clock.Now(), false), nil
	}
	b, err := s.bundle(ctx, version)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Bundle:   b,
		Version:  version,
		Checksum: b.Checksum(),
		Source:   SourceKV,
		LoadedAt: s.clock.Now(),
	}, nil
}

func (s *Source) bundle(ctx context.Context, version string) (Bundle, error) {
	if b, ok := s.bundles.Get(version); ok {
		return b, nil
	}
	raw, err := s.kv.KVGet(ctx, rulesKeyPrefix+version)
	if err != nil {
		return Bundle{}, fmt.Errorf("read bundle %s: %w", version, err)
	}
	if raw == "" {
		return Bundle{}, fabricerr.NotFound("policy bundle", version)
	}
	b, err := Parse([]byte(raw), version)
	if err != nil {
		return Bundle{}, fmt.Errorf("bundle %s: %w", version, err)
	}
	s.bundles.Add(version, b)
	return b, nil
}

// Put stores a validated bundle in the key-value cache and, when activate is
// set, makes it the active version.
func (s *Source) Put(ctx context.Context, b Bundle, activate bool) error {
	if err := b.Validate(); err != nil {
		return err
	}
	raw, err := b.Encode()
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	if err := s.kv.KVSet(ctx, rulesKeyPrefix+b.Version, string(raw)); err != nil {
		return fmt.Errorf("store bundle %s: %w", b.Version, err)
	}
	s.bundles.Add(b.Version, b)
	if !activate {
		return nil
	}
	return s.Activate(ctx, b.Version)
}

// Activate points the active version at an already stored bundle and
// refreshes. An unknown version is ErrNotFound.
func (s *Source) Activate(ctx context.Context, version string) error {
	if version == "" {
		return fabricerr.Invalid("version is required")
	}
	if version != BuiltinVersion {
		if _, err := s.bundle(ctx, version); err != nil {
			return err
		}
	}
	target := version
	if version == BuiltinVersion {
		target = ""
	}
	if err := s.kv.KVSet(ctx, activeVersionKey, target); err != nil {
		return fmt.Errorf("set active version: %w", err)
	}
	_, err := s.Refresh(ctx)
	return err
}

// ActiveVersion reads the active version from the store. With nothing active
// it reports the builtin version.
func (s *Source) ActiveVersion(ctx context.Context) (string, error) {
	v, err := s.kv.KVGet(ctx, activeVersionKey)
	if err != nil {
		return "", err
	}
	if v == "" {
		return BuiltinVersion, nil
	}
	return v, nil
}

func builtinSnapshot(now time.Time, fallback bool) *Snapshot {
	b := Builtin()
	return &Snapshot{
		Bundle:   b,
		Version:  b.Version,
		Checksum: b.Checksum(),
		Source:   SourceBuiltin,
		LoadedAt: now,
		Fallback: fallback,
	}
}
