package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	fotel "github.com/basket/datafabric/internal/otel"
)

type QueueConfig struct {
	LeaseSeconds int `yaml:"lease_seconds"`
	MaxRetries   int `yaml:"max_retries"`
	// SweepSchedule is a cron spec or @every descriptor for the expired lease sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
}

type PolicyConfig struct {
	// BundleDir holds rule bundle files (*.yaml, *.yml, *.json) loaded at
	// startup and reloaded on change.
	BundleDir string `yaml:"bundle_dir"`
	// ActiveVersion is activated after the bundle directory is loaded. Empty
	// keeps whatever version is already active.
	ActiveVersion          string `yaml:"active_version"`
	RefreshIntervalSeconds int    `yaml:"refresh_interval_seconds"`
	BundleCacheSize        int    `yaml:"bundle_cache_size"`
	// RetentionDays purges decisions, resolved escalations and events. 0 keeps forever.
	RetentionDays int `yaml:"retention_days"`
}

type MemoryConfig struct {
	DefaultTopK   int    `yaml:"default_top_k"`
	TokenBudget   int    `yaml:"token_budget"`
	GCSchedule    string `yaml:"gc_schedule"`
	GCGraceHours  int    `yaml:"gc_grace_hours"`
	GCLimit       int    `yaml:"gc_limit"`
	CandidateScan int    `yaml:"candidate_scan"`
}

type RetentionConfig struct {
	Schedule      string `yaml:"schedule"`
	TaskDays      int    `yaml:"task_days"`
	RetrievalDays int    `yaml:"retrieval_days"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	BlobDir  string `yaml:"blob_dir"`
	LogLevel string `yaml:"log_level"`

	// DrainTimeoutSeconds bounds shutdown. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Queue     QueueConfig     `yaml:"queue"`
	Policy    PolicyConfig    `yaml:"policy"`
	Memory    MemoryConfig    `yaml:"memory"`
	Retention RetentionConfig `yaml:"retention"`
	OTel      fotel.Config    `yaml:"otel"`
}

func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.Queue.LeaseSeconds) * time.Second
}

func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.Policy.RefreshIntervalSeconds) * time.Second
}

func (c Config) GCGrace() time.Duration {
	return time.Duration(c.Memory.GCGraceHours) * time.Hour
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that change engine behaviour.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|blob=%s|log=%s|queue=%+v|policy=%+v|memory=%+v|retention=%+v",
		c.DBPath, c.BlobDir, c.LogLevel, c.Queue, c.Policy, c.Memory, c.Retention)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		Queue: QueueConfig{
			LeaseSeconds:  30,
			MaxRetries:    3,
			SweepSchedule: "@every 15s",
		},
		Policy: PolicyConfig{
			RefreshIntervalSeconds: 30,
			BundleCacheSize:        16,
			RetentionDays:          90,
		},
		Memory: MemoryConfig{
			DefaultTopK:   8,
			TokenBudget:   4096,
			GCSchedule:    "@hourly",
			GCGraceHours:  24,
			GCLimit:       1000,
			CandidateScan: 500,
		},
		Retention: RetentionConfig{
			Schedule:      "@daily",
			TaskDays:      30,
			RetrievalDays: 90,
		},
		OTel: fotel.Config{
			Exporter:    "none",
			ServiceName: "fabricd",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("FABRIC_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fabric")
}

// Load reads <home>/config.yaml, applies env overrides and defaults, and
// validates the result. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create fabric home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "fabric.db")
	}
	if cfg.BlobDir == "" {
		cfg.BlobDir = filepath.Join(cfg.HomeDir, "blobs")
	}
	if cfg.Policy.BundleDir == "" {
		cfg.Policy.BundleDir = filepath.Join(cfg.HomeDir, "policies")
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = d.DrainTimeoutSeconds
	}
	if cfg.Queue.LeaseSeconds <= 0 {
		cfg.Queue.LeaseSeconds = d.Queue.LeaseSeconds
	}
	if cfg.Queue.MaxRetries <= 0 {
		cfg.Queue.MaxRetries = d.Queue.MaxRetries
	}
	if cfg.Queue.SweepSchedule == "" {
		cfg.Queue.SweepSchedule = d.Queue.SweepSchedule
	}
	if cfg.Policy.RefreshIntervalSeconds <= 0 {
		cfg.Policy.RefreshIntervalSeconds = d.Policy.RefreshIntervalSeconds
	}
	if cfg.Policy.BundleCacheSize <= 0 {
		cfg.Policy.BundleCacheSize = d.Policy.BundleCacheSize
	}
	if cfg.Memory.DefaultTopK <= 0 {
		cfg.Memory.DefaultTopK = d.Memory.DefaultTopK
	}
	if cfg.Memory.TokenBudget <= 0 {
		cfg.Memory.TokenBudget = d.Memory.TokenBudget
	}
	if cfg.Memory.GCSchedule == "" {
		cfg.Memory.GCSchedule = d.Memory.GCSchedule
	}
	if cfg.Memory.GCGraceHours < 0 {
		cfg.Memory.GCGraceHours = d.Memory.GCGraceHours
	}
	if cfg.Memory.GCLimit <= 0 {
		cfg.Memory.GCLimit = d.Memory.GCLimit
	}
	if cfg.Memory.CandidateScan <= 0 {
		cfg.Memory.CandidateScan = d.Memory.CandidateScan
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = d.Retention.Schedule
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = d.OTel.ServiceName
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = d.OTel.Exporter
	}
}

var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

func validate(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", cfg.LogLevel)
	}
	schedules := map[string]string{
		"queue.sweep_schedule": cfg.Queue.SweepSchedule,
		"memory.gc_schedule":   cfg.Memory.GCSchedule,
		"retention.schedule":   cfg.Retention.Schedule,
	}
	for field, spec := range schedules {
		if _, err := scheduleParser.Parse(spec); err != nil {
			return fmt.Errorf("%s %q: %w", field, spec, err)
		}
	}
	switch cfg.OTel.Exporter {
	case "none", "stdout", "otlp-http":
	default:
		return fmt.Errorf("otel.exporter %q must be one of none, stdout, otlp-http", cfg.OTel.Exporter)
	}
	if cfg.OTel.SampleRate < 0 || cfg.OTel.SampleRate > 1 {
		return fmt.Errorf("otel.sample_rate %v must be within [0, 1]", cfg.OTel.SampleRate)
	}
	if cfg.Policy.RetentionDays < 0 || cfg.Retention.TaskDays < 0 || cfg.Retention.RetrievalDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FABRIC_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("FABRIC_BLOB_DIR"); raw != "" {
		cfg.BlobDir = raw
	}
	if raw := os.Getenv("FABRIC_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("FABRIC_POLICY_DIR"); raw != "" {
		cfg.Policy.BundleDir = raw
	}
	if raw := os.Getenv("FABRIC_LEASE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.LeaseSeconds = v
		}
	}
	if raw := os.Getenv("FABRIC_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("FABRIC_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Exporter = raw
		cfg.OTel.Enabled = raw != "none"
	}
	if raw := os.Getenv("FABRIC_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}
