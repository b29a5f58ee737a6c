// Package sweeper runs the periodic maintenance loop: expired-claim sweeps,
// orphan sweeps, session staleness marking, state timeout checks, and an
// optional cron-scheduled database backup.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/coopsys/warden/internal/persistence"
	"github.com/coopsys/warden/internal/shared"
	"github.com/coopsys/warden/internal/state"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the cleanup scheduler.
type Config struct {
	Store    *persistence.Store
	Machine  *state.Machine // optional; timeout checks skipped when nil
	Logger   *slog.Logger
	Clock    shared.Clock
	Interval time.Duration // tick interval; defaults to 30 seconds if zero

	// BackupSchedule is an optional cron expression. When set, each tick
	// that crosses the schedule boundary triggers an online backup into
	// BackupDir.
	BackupSchedule string
	BackupDir      string
}

// Scheduler drives the sweeps. Every sweep is idempotent and safe to run
// concurrently with live claim traffic, so errors are logged and swallowed;
// the next tick retries.
type Scheduler struct {
	store    *persistence.Store
	machine  *state.Machine
	logger   *slog.Logger
	clock    shared.Clock
	interval time.Duration

	backupSched cronlib.Schedule
	backupDir   string
	nextBackup  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler with the given config. An invalid backup
// schedule is an error; everything else has defaults.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = shared.SystemClock{}
	}
	s := &Scheduler{
		store:    cfg.Store,
		machine:  cfg.Machine,
		logger:   logger,
		clock:    clock,
		interval: interval,
	}
	if cfg.BackupSchedule != "" {
		sched, err := cronParser.Parse(cfg.BackupSchedule)
		if err != nil {
			return nil, fmt.Errorf("parse backup schedule %q: %w", cfg.BackupSchedule, err)
		}
		s.backupSched = sched
		s.backupDir = cfg.BackupDir
		s.nextBackup = sched.Next(clock.Now())
	}
	return s, nil
}

// SetInterval changes the tick interval for the next Start. Used by config
// hot reload; the caller stops and restarts the scheduler.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// Start begins the sweep loop in a background goroutine. The first sweep
// fires immediately so a restart cleans up promptly.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cleanup scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for the in-flight sweep to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cleanup scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one full maintenance pass. Exported so tests and manual
// maintenance commands can drive sweeps without the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	start := s.clock.Now()

	if expired, err := s.store.SweepExpired(ctx); err != nil {
		s.logger.Error("sweep expired claims failed", "error", err)
	} else if expired.Count > 0 {
		s.logger.Info("swept expired claims", "count", expired.Count)
	}

	if n, err := s.store.MarkStaleSessions(ctx); err != nil {
		s.logger.Error("mark stale sessions failed", "error", err)
	} else if n > 0 {
		s.logger.Info("marked stale sessions", "count", n)
	}

	if orphaned, err := s.store.SweepOrphaned(ctx, true); err != nil {
		s.logger.Error("sweep orphaned claims failed", "error", err)
	} else if orphaned.Count > 0 {
		s.logger.Info("swept orphaned claims", "count", orphaned.Count)
	}

	if s.machine != nil {
		if terminated := s.machine.CheckTimeouts(); len(terminated) > 0 {
			s.logger.Info("terminated timed-out agents", "count", len(terminated), "agents", terminated)
		}
	}

	s.maybeBackup(ctx)

	s.logger.Debug("cleanup tick complete", "elapsed", s.clock.Now().Sub(start))
}

// maybeBackup fires an online backup when the cron schedule has come due
// since the last tick.
func (s *Scheduler) maybeBackup(ctx context.Context) {
	if s.backupSched == nil {
		return
	}
	now := s.clock.Now()
	if now.Before(s.nextBackup) {
		return
	}
	s.nextBackup = s.backupSched.Next(now)

	dest := filepath.Join(s.backupDir, fmt.Sprintf("warden-%s.db", now.UTC().Format("20060102-150405")))
	if err := s.store.Backup(ctx, dest); err != nil {
		s.logger.Error("database backup failed", "dest", dest, "error", err)
		return
	}
	s.logger.Info("database backup complete", "dest", dest)
}
