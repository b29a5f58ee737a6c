package coordinator_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/coopsys/warden/internal/coordinator"
	"github.com/coopsys/warden/internal/hierarchy"
	"github.com/coopsys/warden/internal/persistence"
	"github.com/coopsys/warden/internal/shared"
	"github.com/coopsys/warden/internal/state"
)

type fixture struct {
	coord   *coordinator.Coordinator
	store   *persistence.Store
	tree    *hierarchy.Store
	machine *state.Machine
	clock   *shared.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := shared.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	store, err := persistence.Open(filepath.Join(t.TempDir(), "warden.db"), nil, clock)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tree := hierarchy.New(hierarchy.Config{MaxDepth: 3, MaxChildren: 2, MaxCacheSize: 16}, nil, clock)
	machine := state.New(state.Config{ChildTimeout: 10 * time.Minute, MaxRetries: 1}, tree, nil, clock)

	// The root session and its top-level agent exist before any delegation.
	if err := store.UpsertSession(context.Background(), "sess-root"); err != nil {
		t.Fatalf("upsert session: %v", err)
	}
	if _, err := tree.RegisterNode("", "agent-root", nil); err != nil {
		t.Fatalf("register root: %v", err)
	}
	if _, err := machine.Register("agent-root", nil); err != nil {
		t.Fatalf("register root state: %v", err)
	}

	return &fixture{
		coord:   coordinator.New(store, tree, machine, nil),
		store:   store,
		tree:    tree,
		machine: machine,
		clock:   clock,
	}
}

func TestDelegate_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Delegate(ctx, "agent-root", "agent-child", "task-1", "sess-root", "", nil)
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if !res.Delegated {
		t.Fatalf("delegation denied: %s", res.Reason)
	}
	if res.Child.State != state.StateActive {
		t.Fatalf("child state = %s, want ACTIVE", res.Child.State)
	}

	node := f.tree.GetNode("agent-child")
	if node == nil || node.ParentID != "agent-root" || node.Depth != 1 {
		t.Fatalf("child node = %+v", node)
	}
	claim, err := f.store.GetClaim(ctx, "task-1")
	if err != nil || claim == nil || claim.SessionID != "sess-root" {
		t.Fatalf("claim = %+v, %v", claim, err)
	}
	d := f.tree.GetDelegation(res.Delegation.DelegationID)
	if d == nil || d.TaskID != "task-1" || d.Status != hierarchy.DelegationActive {
		t.Fatalf("delegation = %+v", d)
	}
}

func TestDelegate_DeniedClaimLeavesNoChild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Another session already owns the task.
	if res, err := f.store.Claim(ctx, "task-1", "sess-other", time.Hour, nil); err != nil || !res.Claimed {
		t.Fatalf("pre-claim: %v %+v", err, res)
	}

	res, err := f.coord.Delegate(ctx, "agent-root", "agent-child", "task-1", "sess-root", "", nil)
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if res.Delegated {
		t.Fatal("delegation must fail when the task is claimed elsewhere")
	}
	if res.Reason != persistence.ErrCodeTaskAlreadyClaimed {
		t.Fatalf("reason = %q, want %q", res.Reason, persistence.ErrCodeTaskAlreadyClaimed)
	}
	if res.ExistingClaim == nil || res.ExistingClaim.SessionID != "sess-other" {
		t.Fatalf("existing claim = %+v", res.ExistingClaim)
	}
	if f.tree.HasAgent("agent-child") {
		t.Fatal("denied delegation left the child node registered")
	}
}

func TestDelegate_TreeLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, child := range []string{"c1", "c2"} {
		task := "task-" + child
		res, err := f.coord.Delegate(ctx, "agent-root", child, task, "sess-root", "", nil)
		if err != nil || !res.Delegated {
			t.Fatalf("delegate %d: %v %+v", i, err, res)
		}
	}

	// Fan-out limit is 2.
	res, err := f.coord.Delegate(ctx, "agent-root", "c3", "task-c3", "sess-root", "", nil)
	if err != nil {
		t.Fatalf("third delegate: %v", err)
	}
	if res.Delegated {
		t.Fatal("delegation beyond the fan-out limit succeeded")
	}
	if got, _ := f.store.GetClaim(ctx, "task-c3"); got != nil {
		t.Fatalf("refused delegation still claimed the task: %+v", got)
	}
}

func TestCompleteDelegation_ReleasesClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Delegate(ctx, "agent-root", "agent-child", "task-1", "sess-root", "", nil)
	if err != nil || !res.Delegated {
		t.Fatalf("delegate: %v %+v", err, res)
	}

	result := shared.Metadata{"output": "done", "tokens": 120}
	if err := f.coord.CompleteDelegation(ctx, res.Delegation.DelegationID, "sess-root", result); err != nil {
		t.Fatalf("complete: %v", err)
	}

	d := f.tree.GetDelegation(res.Delegation.DelegationID)
	if d.Status != hierarchy.DelegationCompleted || d.Result["output"] != "done" {
		t.Fatalf("delegation = %+v", d)
	}
	if st := f.machine.Get("agent-child"); st.State != state.StateCompleted {
		t.Fatalf("child state = %s, want COMPLETED", st.State)
	}
	if claim, _ := f.store.GetClaim(ctx, "task-1"); claim != nil {
		t.Fatalf("claim not released: %+v", claim)
	}
}

func TestFailDelegation_RetryThenFinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Delegate(ctx, "agent-root", "agent-child", "task-1", "sess-root", "", nil)
	if err != nil || !res.Delegated {
		t.Fatalf("delegate: %v %+v", err, res)
	}

	// MaxRetries is 1: the first retryable failure keeps everything live.
	out, err := f.coord.FailDelegation(ctx, res.Delegation.DelegationID, "sess-root", true)
	if err != nil {
		t.Fatalf("first failure: %v", err)
	}
	if !out.ShouldRetry {
		t.Fatalf("outcome = %+v, want retry", out)
	}
	if claim, _ := f.store.GetClaim(ctx, "task-1"); claim == nil {
		t.Fatal("claim released while a retry was pending")
	}

	// Budget exhausted: delegation fails and the claim is freed.
	out, err = f.coord.FailDelegation(ctx, res.Delegation.DelegationID, "sess-root", true)
	if err != nil {
		t.Fatalf("final failure: %v", err)
	}
	if out.ShouldRetry {
		t.Fatalf("outcome = %+v, want final failure", out)
	}
	d := f.tree.GetDelegation(res.Delegation.DelegationID)
	if d.Status != hierarchy.DelegationFailed {
		t.Fatalf("delegation status = %q, want failed", d.Status)
	}
	if claim, _ := f.store.GetClaim(ctx, "task-1"); claim != nil {
		t.Fatalf("claim not released after final failure: %+v", claim)
	}
}

func TestDeregisterSession_ReleasesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, tc := range []struct{ child, task string }{
		{"c1", "task-1"},
		{"c2", "task-2"},
	} {
		if res, err := f.coord.Delegate(ctx, "agent-root", tc.child, tc.task, "sess-root", "", nil); err != nil || !res.Delegated {
			t.Fatalf("delegate %s: %v %+v", tc.child, err, res)
		}
	}

	res, err := f.coord.DeregisterSession(ctx, "sess-root")
	if err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if res.Count != 2 {
		t.Fatalf("released %d claims, want 2", res.Count)
	}

	alive, err := f.store.IsSessionAlive(ctx, "sess-root")
	if err != nil || alive {
		t.Fatalf("session alive after deregister: %v %v", alive, err)
	}
	stats, err := f.store.ClaimStats(ctx)
	if err != nil || stats.TotalActive != 0 {
		t.Fatalf("stats = %+v, %v; want no active claims", stats, err)
	}
}
