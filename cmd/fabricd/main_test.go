package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/datafabric/internal/doctor"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    command
		wantErr bool
	}{
		{name: "no args means run", args: nil, want: commandRun},
		{name: "explicit run", args: []string{"run"}, want: commandRun},
		{name: "run with extra", args: []string{"run", "now"}, wantErr: true},
		{name: "doctor", args: []string{"doctor", "-json"}, want: commandDoctor},
		{name: "backup default", args: []string{"backup"}, want: commandBackup},
		{name: "backup dest", args: []string{"backup", "/tmp/x.db"}, want: commandBackup},
		{name: "backup two dests", args: []string{"backup", "a", "b"}, wantErr: true},
		{name: "validate", args: []string{"validate-bundle", "a.yaml"}, want: commandValidate},
		{name: "validate without files", args: []string{"validate-bundle"}, wantErr: true},
		{name: "help token", args: []string{"--help"}, want: commandHelp},
		{name: "unknown", args: []string{"serve"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := parseCommand(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("command mismatch: got %v want %v", got, tt.want)
			}
		})
	}
}

func TestPrintUsage(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf)
	out := buf.String()
	for _, want := range []string{"validate-bundle", "FABRIC_HOME", "doctor"} {
		if !strings.Contains(out, want) {
			t.Fatalf("usage output missing %q: %q", want, out)
		}
	}
}

func TestRunValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "v1.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(good, []byte("rules:\n  - id: r1\n    verdict: allow\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(bad, []byte("rules:\n  - id: r1\n    verdict: perhaps\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var buf bytes.Buffer
	if code := runValidateCommand(&buf, []string{good}); code != 0 {
		t.Fatalf("expected success, got %d: %s", code, buf.String())
	}
	if !strings.Contains(buf.String(), "version=v1 rules=1") {
		t.Fatalf("unexpected output %q", buf.String())
	}

	buf.Reset()
	if code := runValidateCommand(&buf, []string{good, bad}); code != 1 {
		t.Fatalf("expected failure exit code, got %d", code)
	}
	if !strings.Contains(buf.String(), "FAIL "+bad) {
		t.Fatalf("expected failure line, got %q", buf.String())
	}
}

func TestWriteDiagnosis(t *testing.T) {
	diag := doctor.Diagnosis{Results: []doctor.CheckResult{
		{Name: "Database", Status: doctor.StatusPass, Message: "ok"},
		{Name: "Policy Bundles", Status: doctor.StatusFail, Message: "1 invalid bundle files", Detail: "x.yaml"},
	}}
	var buf bytes.Buffer
	if code := writeDiagnosis(&buf, diag, false); code != 1 {
		t.Fatalf("expected failing exit code, got %d", code)
	}
	if !strings.Contains(buf.String(), "[FAIL] Policy Bundles") {
		t.Fatalf("unexpected report %q", buf.String())
	}
	buf.Reset()
	if code := writeDiagnosis(&buf, diag, true); code != 1 || !strings.Contains(buf.String(), `"status": "FAIL"`) {
		t.Fatalf("unexpected json report code=%d %q", code, buf.String())
	}
}

func TestRunBackupCommand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("FABRIC_HOME", home)
	t.Setenv("FABRIC_DB_PATH", "")
	dest := filepath.Join(t.TempDir(), "copy.db")

	var buf bytes.Buffer
	if code := runBackupCommand(context.Background(), &buf, dest); code != 0 {
		t.Fatalf("expected success, got %d", code)
	}
	if !strings.Contains(buf.String(), dest) {
		t.Fatalf("output should name the backup: %q", buf.String())
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}
	if code := runBackupCommand(context.Background(), &buf, dest); code != 1 {
		t.Fatalf("existing destination must fail, got %d", code)
	}
}
