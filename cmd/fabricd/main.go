package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/datafabric/internal/config"
	"github.com/basket/datafabric/internal/fabric"
	fotel "github.com/basket/datafabric/internal/otel"
	"github.com/basket/datafabric/internal/policy"
	"github.com/basket/datafabric/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: fabricd [flags] [command]

COMMANDS:
  run (default)               Start the daemon
  doctor [-json]              Run diagnostic checks against FABRIC_HOME
  backup [dest]               Write a consistent copy of the database
  validate-bundle <file>...   Parse and validate rule bundle files
  version                     Print the version

FLAGS:
`)
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
	fmt.Fprintf(w, `
ENVIRONMENT VARIABLES:
  FABRIC_HOME             Data directory (default: ~/.fabric)
  FABRIC_DB_PATH          SQLite database path (default: $FABRIC_HOME/fabric.db)
  FABRIC_LOG_LEVEL        debug, info, warn or error
`)
}

type command int

const (
	commandRun command = iota
	commandDoctor
	commandBackup
	commandValidate
	commandVersion
	commandHelp
)

func parseCommand(args []string) (command, []string, error) {
	if len(args) == 0 {
		return commandRun, nil, nil
	}
	rest := args[1:]
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "run":
		if len(rest) != 0 {
			return commandRun, nil, fmt.Errorf("unexpected arguments for run: %v", rest)
		}
		return commandRun, nil, nil
	case "doctor":
		return commandDoctor, rest, nil
	case "backup":
		if len(rest) > 1 {
			return commandBackup, nil, fmt.Errorf("backup takes at most one destination, got %v", rest)
		}
		return commandBackup, rest, nil
	case "validate-bundle":
		if len(rest) == 0 {
			return commandValidate, nil, errors.New("validate-bundle needs at least one file")
		}
		return commandValidate, rest, nil
	case "version":
		return commandVersion, nil, nil
	case "help", "-h", "--help":
		return commandHelp, nil, nil
	default:
		return commandHelp, nil, fmt.Errorf("unknown command %q", args[0])
	}
}

func main() {
	quiet := flag.Bool("quiet", false, "write logs to the log file only")
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	cmd, rest, err := parseCommand(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		printUsage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case commandHelp:
		printUsage(os.Stdout)
		return
	case commandVersion:
		fmt.Println(Version)
		return
	case commandDoctor:
		os.Exit(runDoctorCommand(ctx, rest))
	case commandValidate:
		os.Exit(runValidateCommand(os.Stdout, rest))
	case commandBackup:
		dest := ""
		if len(rest) == 1 {
			dest = rest[0]
		}
		os.Exit(runBackupCommand(ctx, os.Stdout, dest))
	}

	os.Exit(runDaemon(ctx, *quiet))
}

func runDaemon(ctx context.Context, quiet bool) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
		return 1
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	// OpenTelemetry is a no-op when disabled.
	provider, err := fotel.Init(ctx, cfg.OTel, Version)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := fotel.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
		return 1
	}

	svc, err := fabric.Open(cfg, fabric.Options{
		Logger:  logger,
		Metrics: metrics,
		Tracer:  provider.Tracer,
	})
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
		return 1
	}
	defer svc.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	loaded, err := svc.LoadBundleDir(ctx)
	if err != nil {
		// Rejected files leave the previous active version in place.
		logger.Error("policy bundle load incomplete", "error", err)
	}
	active, _ := svc.Policy.ActiveVersion(ctx)
	logger.Info("startup phase", "phase", "policy_loaded", "bundles", loaded, "active_version", active)

	watcher := config.NewWatcher(cfg.HomeDir, cfg.Policy.BundleDir, logger)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(runCtx, watcher) }()

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-runErr:
		logger.Error("service stopped unexpectedly", "error", err)
		exit = 1
	}

	// Bounded drain: stop the scheduler and audit mirror, then close the store.
	cancelRun()
	select {
	case <-runErr:
	case <-time.After(cfg.DrainTimeout()):
		logger.Warn("drain timeout exceeded", "timeout", cfg.DrainTimeout())
	}
	logger.Info("shutdown complete")
	return exit
}

func runValidateCommand(w io.Writer, paths []string) int {
	failed := 0
	for _, path := range paths {
		b, err := policy.LoadFile(path)
		if err != nil {
			fmt.Fprintf(w, "FAIL %s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Fprintf(w, "ok   %s version=%s rules=%d rate_limits=%d checksum=%s\n",
			path, b.Version, len(b.Rules), len(b.RateLimits), b.Checksum())
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func runBackupCommand(ctx context.Context, w io.Writer, dest string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	svc, err := fabric.Open(cfg, fabric.Options{Logger: telemetry.NewWriterLogger(os.Stderr, cfg.LogLevel)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		return 1
	}
	defer svc.Close()

	path, err := svc.Backup(ctx, dest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Backup failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(w, "backup written to %s\n", path)
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
		return
	}
	fmt.Fprintf(
		os.Stderr,
		`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
}
