package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/loopboard/agentd/internal/actions"
	"github.com/loopboard/agentd/internal/bus"
	"github.com/loopboard/agentd/internal/config"
	"github.com/loopboard/agentd/internal/diagnosis"
	"github.com/loopboard/agentd/internal/gateway"
	"github.com/loopboard/agentd/internal/maintenance"
	otelPkg "github.com/loopboard/agentd/internal/otel"
	"github.com/loopboard/agentd/internal/persistence"
	"github.com/loopboard/agentd/internal/schema"
	"github.com/loopboard/agentd/internal/telemetry"
	"github.com/loopboard/agentd/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	dataDir := flag.String("data", defaultDataDir(), "data directory (db, config.yaml, logs)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		fatalStartup(nil, "E_DATA_DIR", err)
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(*dataDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "data_dir", *dataDir, "version", Version)

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(filepath.Join(*dataDir, "agentd.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	// Leases left over from a crash go back to queued before workers start.
	reclaimed, err := store.ReclaimExpired(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", len(reclaimed))

	schemaDir := cfg.SchemaDir
	if schemaDir == "" {
		schemaDir = filepath.Join(*dataDir, "schemas")
	}
	schemas, err := schema.Load(schemaDir, logger)
	if err != nil {
		fatalStartup(logger, "E_SCHEMA_LOAD", err)
	}

	// Hot-reloadable knobs: the pool, gateway, and retry policy read the
	// current snapshot on every use.
	var tunables atomic.Pointer[config.Tunables]
	initial := cfg.Tunables()
	tunables.Store(&initial)
	currentTunables := func() config.Tunables { return *tunables.Load() }

	watcher := config.NewWatcher(*dataDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Load(*dataDir)
				if err != nil {
					logger.Error("config reload failed, keeping previous knobs", "error", err)
					continue
				}
				tun := reloaded.Tunables()
				tunables.Store(&tun)
				logger.Info("config reloaded",
					"lease_ttl", tun.LeaseTTL,
					"max_attempts", tun.MaxAttempts,
					"dedupe_window", tun.DedupeWindow)
			}
		}()
	}

	executor := actions.NewExecutor(store, logger, metrics)
	diag := diagnosis.New(store, cfg.ProviderLinks, logger)

	pool := worker.NewPool(store, worker.Options{
		Workers:         cfg.Queue.WorkerCount,
		RoomConcurrency: cfg.Queue.RoomConcurrency,
		Tunables:        currentTunables,
	}, logger, metrics)
	registerBuiltinHandlers(pool)

	sched, err := maintenance.NewScheduler(maintenance.Config{
		Store:            store,
		Logger:           logger,
		Metrics:          metrics,
		ReclaimInterval:  initial.LeaseTTL / 3,
		StaleWorkerAfter: 3 * initial.LeaseTTL,
		TraceRetention:   time.Duration(cfg.Retention.TraceEventDays) * 24 * time.Hour,
		AuditRetention:   time.Duration(cfg.Retention.AuditDays) * 24 * time.Hour,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(ctx)
	}()

	srv := gateway.New(gateway.Config{
		Store:     store,
		Bus:       eventBus,
		Executor:  executor,
		Diagnosis: diag,
		Schemas:   schemas,
		Logger:    logger,
		Metrics:   metrics,
		AuthToken: cfg.AuthToken,
		Tunables:  currentTunables,
	})
	logger.Info("startup phase", "phase", "serving", "bind_addr", cfg.BindAddr, "workers", cfg.Queue.WorkerCount)

	if err := srv.ListenAndServe(ctx, cfg.BindAddr); err != nil {
		fatalStartup(logger, "E_GATEWAY_SERVE", err)
	}

	// Bounded drain: workers finish in-flight tasks or lose their leases.
	select {
	case <-poolDone:
	case <-time.After(30 * time.Second):
		logger.Warn("worker pool drain timed out")
	}
	logger.Info("shutdown complete")
}

func defaultDataDir() string {
	if v := os.Getenv("AGENTD_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentd"
	}
	return filepath.Join(home, ".agentd")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
