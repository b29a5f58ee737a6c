package sweeper_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coopsys/warden/internal/hierarchy"
	"github.com/coopsys/warden/internal/persistence"
	"github.com/coopsys/warden/internal/shared"
	"github.com/coopsys/warden/internal/state"
	"github.com/coopsys/warden/internal/sweeper"
)

func openTestStore(t *testing.T, clock shared.Clock) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "warden.db"), nil, clock)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestScheduler_TickSweepsExpiredAndOrphaned(t *testing.T) {
	clock := shared.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	store := openTestStore(t, clock)
	ctx := context.Background()

	// One claim that will lapse, one held by a session that vanishes.
	if res, err := store.Claim(ctx, "task-expired", "sess-a", time.Minute, nil); err != nil || !res.Claimed {
		t.Fatalf("claim: %v %+v", err, res)
	}
	if res, err := store.Claim(ctx, "task-orphan", "sess-ghost", time.Hour, nil); err != nil || !res.Claimed {
		t.Fatalf("claim: %v %+v", err, res)
	}

	sched, err := sweeper.NewScheduler(sweeper.Config{
		Store: store,
		Clock: clock,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	clock.Advance(2 * time.Minute)
	sched.Tick(ctx)

	for _, task := range []string{"task-expired", "task-orphan"} {
		if got, _ := store.GetClaim(ctx, task); got != nil {
			t.Errorf("claim %s survived the sweep: %+v", task, got)
		}
	}
}

func TestScheduler_TickTerminatesTimedOutAgents(t *testing.T) {
	clock := shared.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	store := openTestStore(t, clock)
	tree := hierarchy.New(hierarchy.Config{}, nil, clock)
	machine := state.New(state.Config{ChildTimeout: time.Minute}, tree, nil, clock)

	if _, err := tree.RegisterNode("", "worker", nil); err != nil {
		t.Fatalf("register node: %v", err)
	}
	if _, err := machine.Register("worker", nil); err != nil {
		t.Fatalf("register state: %v", err)
	}
	if _, err := machine.UpdateStateWithVersion("worker", state.StateActive, 1, nil); err != nil {
		t.Fatalf("activate: %v", err)
	}

	sched, err := sweeper.NewScheduler(sweeper.Config{
		Store:   store,
		Machine: machine,
		Clock:   clock,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	clock.Advance(2 * time.Minute)
	sched.Tick(context.Background())

	if st := machine.Get("worker"); st.State != state.StateTerminated {
		t.Fatalf("worker state = %s, want TERMINATED", st.State)
	}
}

func TestScheduler_BackupOnCronSchedule(t *testing.T) {
	clock := shared.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 30, 0, time.UTC))
	store := openTestStore(t, clock)
	backupDir := t.TempDir()

	sched, err := sweeper.NewScheduler(sweeper.Config{
		Store:          store,
		Clock:          clock,
		BackupSchedule: "* * * * *", // every minute
		BackupDir:      backupDir,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	// Before the schedule boundary: no backup.
	sched.Tick(context.Background())
	if entries, _ := os.ReadDir(backupDir); len(entries) != 0 {
		t.Fatalf("backup fired early: %v", entries)
	}

	clock.Advance(time.Minute)
	sched.Tick(context.Background())
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		t.Fatalf("read backup dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("backups = %d, want 1", len(entries))
	}
}

func TestScheduler_RejectsBadCronExpression(t *testing.T) {
	clock := shared.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	store := openTestStore(t, clock)

	if _, err := sweeper.NewScheduler(sweeper.Config{
		Store:          store,
		Clock:          clock,
		BackupSchedule: "not-a-cron",
	}); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}
