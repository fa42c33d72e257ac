package smoke

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func daemonEnv(home string) []string {
	return append(os.Environ(),
		"FABRIC_HOME="+home,
		"FABRIC_DB_PATH=",
		"FABRIC_BLOB_DIR=",
		"FABRIC_POLICY_DIR=",
		"FABRIC_LOG_LEVEL=",
		"FABRIC_OTEL_EXPORTER=none",
	)
}

func TestSmoke_StartupPhasesFollowRequiredOrder(t *testing.T) {
	bin := buildFabricd(t)
	home := t.TempDir()

	bundleDir := filepath.Join(home, "policies")
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		t.Fatalf("mkdir bundles: %v", err)
	}
	bundle := "rules:\n  - id: allow-deploy\n    action: deploy\n    verdict: allow\n"
	if err := os.WriteFile(filepath.Join(bundleDir, "v1.yaml"), []byte(bundle), 0o644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("policy:\n  active_version: v1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cmd := exec.Command(bin, "-quiet")
	cmd.Env = daemonEnv(home)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}

	logPath := filepath.Join(home, "logs", "system.jsonl")
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		data, _ := os.ReadFile(logPath)
		if strings.Contains(string(data), `"phase":"scheduler_started"`) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = cmd.Process.Signal(os.Interrupt)
	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()
	select {
	case <-time.After(10 * time.Second):
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		t.Fatalf("daemon did not exit after signal")
	case err := <-waitDone:
		if err != nil {
			t.Fatalf("daemon exited with error: %v\noutput=%s", err, out.String())
		}
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}

	phases := map[string]int{}
	activeVersion := ""
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		phase, _ := entry["phase"].(string)
		if phase == "" {
			continue
		}
		if phase == "policy_loaded" {
			activeVersion, _ = entry["active_version"].(string)
		}
		if _, exists := phases[phase]; !exists {
			phases[phase] = lineNo
		}
	}
	required := []string{
		"config_loaded",
		"schema_migrated",
		"policy_loaded",
		"recovery_scan_completed",
		"scheduler_started",
	}
	for _, phase := range required {
		if _, ok := phases[phase]; !ok {
			t.Fatalf("missing startup phase %q in logs\nlogs=%s", phase, data)
		}
	}
	for i := 1; i < len(required); i++ {
		prev := required[i-1]
		cur := required[i]
		if phases[prev] >= phases[cur] {
			t.Fatalf("phase ordering invalid: %s(%d) >= %s(%d)", prev, phases[prev], cur, phases[cur])
		}
	}
	if activeVersion != "v1" {
		t.Fatalf("active_version at startup = %q, want v1", activeVersion)
	}
	if _, err := os.Stat(filepath.Join(home, "logs", "audit.jsonl")); err != nil {
		t.Fatalf("audit log missing: %v", err)
	}
}

func TestSmoke_StartupFailureEmitsReasonCode(t *testing.T) {
	bin := buildFabricd(t)
	home := t.TempDir()

	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("log_level: loud\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cmd := exec.Command(bin)
	cmd.Env = daemonEnv(home)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err == nil {
		t.Fatalf("expected startup failure for invalid config")
	}

	combined := out.String()
	for _, want := range []string{
		`"reason_code":"E_CONFIG_LOAD"`,
		`"msg":"startup failure"`,
		`"component":"runtime"`,
		`"level":"ERROR"`,
	} {
		if !strings.Contains(combined, want) {
			t.Fatalf("expected %s in output\ncombined=%s", want, combined)
		}
	}
}
