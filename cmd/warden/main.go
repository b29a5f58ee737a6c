package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/coopsys/warden/internal/bus"
	"github.com/coopsys/warden/internal/config"
	"github.com/coopsys/warden/internal/coordinator"
	"github.com/coopsys/warden/internal/hierarchy"
	otelPkg "github.com/coopsys/warden/internal/otel"
	"github.com/coopsys/warden/internal/persistence"
	"github.com/coopsys/warden/internal/rollup"
	"github.com/coopsys/warden/internal/shared"
	"github.com/coopsys/warden/internal/state"
	"github.com/coopsys/warden/internal/sweeper"
	"github.com/coopsys/warden/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("warden", Version)
		return
	}

	// Interactive runs keep stdout clean (logs go to the file); under a
	// service manager the JSON log stream goes to stdout too.
	interactive := isatty.IsTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	clock := shared.SystemClock{}
	eventBus := bus.New()

	dbPath := filepath.Join(cfg.HomeDir, "warden.db")
	store, err := persistence.Open(dbPath, eventBus, clock)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	store.ConfigureLeases(cfg.DefaultTTL(), cfg.OrphanThreshold())
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)

	// Reclaim anything a previous run left behind before accepting work.
	if swept, err := store.SweepExpired(ctx); err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	} else {
		logger.Info("startup phase", "phase", "recovery_scan_completed", "reclaimed", swept.Count)
	}

	tree := hierarchy.New(hierarchy.Config{
		MaxDepth:     cfg.MaxDepth,
		MaxChildren:  cfg.MaxChildren,
		MaxCacheSize: cfg.MaxCacheSize,
	}, eventBus, clock)

	machine := state.New(state.Config{
		ChildTimeout: cfg.ChildTimeout(),
		MaxRetries:   cfg.MaxRetries,
	}, tree, eventBus, clock)

	coord := coordinator.New(store, tree, machine, logger)
	_ = coord // exposed to the transport layer once one is wired in

	aggregator := rollup.New(5*time.Minute, clock, logger)
	go aggregator.Run(ctx, eventBus)
	go recordMetrics(ctx, eventBus, metrics)

	sched, err := sweeper.NewScheduler(sweeper.Config{
		Store:          store,
		Machine:        machine,
		Logger:         logger,
		Clock:          clock,
		Interval:       cfg.CleanupInterval(),
		BackupSchedule: cfg.BackupSchedule,
		BackupDir:      filepath.Join(cfg.HomeDir, "backups"),
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				fresh, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				store.ConfigureLeases(fresh.DefaultTTL(), fresh.OrphanThreshold())
				sched.SetInterval(fresh.CleanupInterval())
				logger.Info("config reloaded",
					"default_ttl_ms", fresh.DefaultTTLMs,
					"cleanup_interval_ms", fresh.CleanupIntervalMs,
					"orphan_threshold_ms", fresh.OrphanThresholdMs)
			}
		}()
	}

	if interactive {
		fmt.Printf("warden %s coordinating (home: %s)\n", Version, cfg.HomeDir)
	}
	logger.Info("startup phase", "phase", "ready")

	<-ctx.Done()
	logger.Info("shutting down")
}

// recordMetrics folds bus events into the OTel instruments.
func recordMetrics(ctx context.Context, eventBus *bus.Bus, m *otelPkg.Metrics) {
	sub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch ev.Topic {
			case bus.TopicClaimClaimed:
				m.ClaimsGranted.Add(ctx, 1)
			case bus.TopicClaimExpired:
				m.ClaimsExpired.Add(ctx, 1)
			case bus.TopicClaimOrphaned:
				m.ClaimsOrphaned.Add(ctx, 1)
			case bus.TopicHierarchyRegistered:
				m.HierarchySize.Add(ctx, 1)
			case bus.TopicHierarchyPruned:
				m.HierarchySize.Add(ctx, -1)
			case bus.TopicDelegationRegistered:
				m.Delegations.Add(ctx, 1)
			case bus.TopicResourceRelease:
				m.AgentsTerminated.Add(ctx, 1)
			}
		}
	}
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "warden: %s: %v\n", code, err)
	os.Exit(1)
}
