// Package doctor runs offline health checks against a fabric home directory.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/datafabric/internal/blob"
	"github.com/basket/datafabric/internal/config"
	"github.com/basket/datafabric/internal/persistence"
	"github.com/basket/datafabric/internal/policy"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkBlobStore,
		checkBundles,
		checkTelemetry,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, using defaults", Detail: cfg.HomeDir}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	bundles, err := store.ListPolicyBundles(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	var integrity string
	if err := store.DB().QueryRowContext(ctx, `PRAGMA quick_check;`).Scan(&integrity); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Integrity check failed: %v", err)}
	}
	if integrity != "ok" {
		return CheckResult{Name: "Database", Status: StatusFail, Message: "Integrity check reported damage", Detail: integrity}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: "Schema valid, quick_check ok",
		Detail:  fmt.Sprintf("%s (%d archived bundles)", cfg.DBPath, len(bundles)),
	}
}

func checkBlobStore(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Blob Store", Status: StatusSkip, Message: "Config missing"}
	}
	bs, err := blob.Open(cfg.BlobDir)
	if err != nil {
		return CheckResult{Name: "Blob Store", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	_ = bs.Close()
	return CheckResult{Name: "Blob Store", Status: StatusPass, Message: "Blob directory ready", Detail: cfg.BlobDir}
}

func checkBundles(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy Bundles", Status: StatusSkip, Message: "Config missing"}
	}
	entries, err := os.ReadDir(cfg.Policy.BundleDir)
	if os.IsNotExist(err) {
		return CheckResult{Name: "Policy Bundles", Status: StatusWarn, Message: "Bundle directory missing, builtin rules only", Detail: cfg.Policy.BundleDir}
	}
	if err != nil {
		return CheckResult{Name: "Policy Bundles", Status: StatusFail, Message: fmt.Sprintf("Read failed: %v", err)}
	}

	var ok, bad []string
	for _, e := range entries {
		if e.IsDir() || !config.IsBundleFile(e.Name()) {
			continue
		}
		b, err := policy.LoadFile(filepath.Join(cfg.Policy.BundleDir, e.Name()))
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", e.Name(), err))
			continue
		}
		ok = append(ok, b.Version)
	}
	sort.Strings(ok)
	if len(bad) > 0 {
		return CheckResult{Name: "Policy Bundles", Status: StatusFail, Message: fmt.Sprintf("%d invalid bundle files", len(bad)), Detail: strings.Join(bad, "; ")}
	}
	if len(ok) == 0 {
		return CheckResult{Name: "Policy Bundles", Status: StatusWarn, Message: "No bundle files, builtin rules only"}
	}
	return CheckResult{Name: "Policy Bundles", Status: StatusPass, Message: fmt.Sprintf("%d bundles parse", len(ok)), Detail: strings.Join(ok, ", ")}
}

func checkTelemetry(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.OTel.Enabled || cfg.OTel.Exporter != "otlp-http" {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: "OTLP export disabled"}
	}
	endpoint := cfg.OTel.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	dialer := net.Dialer{Timeout: 2 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return CheckResult{Name: "Telemetry", Status: StatusWarn, Message: "OTLP collector unreachable", Detail: err.Error()}
	}
	_ = conn.Close()
	return CheckResult{Name: "Telemetry", Status: StatusPass, Message: "OTLP collector reachable", Detail: endpoint}
}
