package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

type ReloadKind string

const (
	ReloadConfig ReloadKind = "config"
	ReloadBundle ReloadKind = "bundle"
)

type ReloadEvent struct {
	Kind ReloadKind
	Path string
	Op   fsnotify.Op
}

// Watcher reports writes to config.yaml and to rule bundle files in the
// bundle directory.
type Watcher struct {
	homeDir   string
	bundleDir string
	logger    *slog.Logger
	events    chan ReloadEvent
}

func NewWatcher(homeDir, bundleDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:   homeDir,
		bundleDir: bundleDir,
		logger:    logger.With("component", "config_watcher"),
		events:    make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// IsBundleFile reports whether path has a rule bundle extension.
func IsBundleFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	_ = fsw.Add(ConfigPath(w.homeDir))
	if w.bundleDir != "" {
		if err := os.MkdirAll(w.bundleDir, 0o755); err != nil {
			_ = fsw.Close()
			return err
		}
		if err := fsw.Add(w.bundleDir); err != nil {
			_ = fsw.Close()
			return err
		}
	}
	configPath := filepath.Clean(ConfigPath(w.homeDir))
	bundleDir := filepath.Clean(w.bundleDir)

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				var kind ReloadKind
				switch name := filepath.Clean(ev.Name); {
				case name == configPath:
					kind = ReloadConfig
				case w.bundleDir != "" && filepath.Dir(name) == bundleDir && IsBundleFile(name):
					kind = ReloadBundle
				default:
					continue
				}
				select {
				case w.events <- ReloadEvent{Kind: kind, Path: ev.Name, Op: ev.Op}:
				default:
					w.logger.Warn("reload event dropped", "path", ev.Name)
					continue
				}
				w.logger.Info("config file changed", "kind", kind, "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
