package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/datafabric/internal/config"
)

func waitForEvent(t *testing.T, w *config.Watcher, path string, content []byte, want config.ReloadKind) config.ReloadEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	for {
		select {
		case ev := <-w.Events():
			if ev.Kind != want {
				continue
			}
			return ev
		case <-writeTick.C:
			// Re-write the file in case the watcher was not yet ready.
			_ = os.WriteFile(path, content, 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for %s event on %s", want, path)
		}
	}
}

func TestWatcher_DetectsConfigChange(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w := config.NewWatcher(homeDir, filepath.Join(homeDir, "policies"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	ev := waitForEvent(t, w, cfgPath, []byte("log_level: debug\n"), config.ReloadConfig)
	if filepath.Base(ev.Path) != "config.yaml" {
		t.Fatalf("expected config.yaml event, got %s", ev.Path)
	}
}

func TestWatcher_DetectsBundleFiles(t *testing.T) {
	homeDir := t.TempDir()
	bundleDir := filepath.Join(homeDir, "policies")

	w := config.NewWatcher(homeDir, bundleDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	path := filepath.Join(bundleDir, "v2.yaml")
	ev := waitForEvent(t, w, path, []byte("version: v2\nrules: []\n"), config.ReloadBundle)
	if ev.Path != path {
		t.Fatalf("expected %s, got %s", path, ev.Path)
	}
}

func TestIsBundleFile(t *testing.T) {
	cases := map[string]bool{
		"a.yaml": true, "b.YML": true, "c.json": true, "notes.md": false, "v1.yaml.swp": false,
	}
	for name, want := range cases {
		if got := config.IsBundleFile(name); got != want {
			t.Fatalf("IsBundleFile(%q) = %v, want %v", name, got, want)
		}
	}
}
