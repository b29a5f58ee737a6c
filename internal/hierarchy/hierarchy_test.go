package hierarchy_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coopsys/warden/internal/hierarchy"
	"github.com/coopsys/warden/internal/shared"
)

func newTestStore(t *testing.T) *hierarchy.Store {
	t.Helper()
	clock := shared.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	return hierarchy.New(hierarchy.Config{MaxDepth: 3, MaxChildren: 2, MaxCacheSize: 16}, nil, clock)
}

func mustRegister(t *testing.T, s *hierarchy.Store, parentID, agentID string, metadata shared.Metadata) *hierarchy.Node {
	t.Helper()
	node, err := s.RegisterNode(parentID, agentID, metadata)
	if err != nil {
		t.Fatalf("register %s under %q: %v", agentID, parentID, err)
	}
	return node
}

func TestRegisterNode_DepthTracking(t *testing.T) {
	s := newTestStore(t)

	root := mustRegister(t, s, "", "root", nil)
	if root.Depth != 0 {
		t.Fatalf("root depth = %d, want 0", root.Depth)
	}
	child := mustRegister(t, s, "root", "child", nil)
	if child.Depth != 1 {
		t.Fatalf("child depth = %d, want 1", child.Depth)
	}
	grand := mustRegister(t, s, "child", "grand", nil)
	if grand.Depth != 2 {
		t.Fatalf("grandchild depth = %d, want 2", grand.Depth)
	}

	if _, err := s.RegisterNode("root", "child", nil); !errors.Is(err, hierarchy.ErrAgentExists) {
		t.Fatalf("duplicate register err = %v, want ErrAgentExists", err)
	}
	if _, err := s.RegisterNode("missing", "x", nil); !errors.Is(err, hierarchy.ErrAgentNotFound) {
		t.Fatalf("missing parent err = %v, want ErrAgentNotFound", err)
	}
}

func TestRegisterNode_LimitsCheckedBeforeMutation(t *testing.T) {
	s := newTestStore(t)

	mustRegister(t, s, "", "root", nil)
	mustRegister(t, s, "root", "d1", nil)
	mustRegister(t, s, "d1", "d2", nil)
	mustRegister(t, s, "d2", "d3", nil)

	// Depth limit is 3; a child of d3 would be depth 4.
	_, err := s.RegisterNode("d3", "d4", nil)
	if !errors.Is(err, hierarchy.ErrDepthLimitExceeded) {
		t.Fatalf("err = %v, want ErrDepthLimitExceeded", err)
	}
	if s.HasAgent("d4") {
		t.Fatal("failed registration left a node behind")
	}
	if s.CanDelegate("d3") {
		t.Fatal("CanDelegate must report false at the depth limit")
	}

	// Fan-out limit is 2.
	mustRegister(t, s, "root", "d1b", nil)
	_, err = s.RegisterNode("root", "d1c", nil)
	if !errors.Is(err, hierarchy.ErrChildrenLimitExceeded) {
		t.Fatalf("err = %v, want ErrChildrenLimitExceeded", err)
	}
	if got := len(s.GetChildren("root")); got != 2 {
		t.Fatalf("root has %d children after failed register, want 2", got)
	}

	res := s.TryRegisterNode("root", "d1c", nil)
	if res.Success || res.Reason == "" {
		t.Fatalf("TryRegisterNode = %+v, want failure with reason", res)
	}
}

func TestDescendantsAndChains(t *testing.T) {
	s := newTestStore(t)

	mustRegister(t, s, "", "root", nil)
	mustRegister(t, s, "root", "a", nil)
	mustRegister(t, s, "root", "b", nil)
	mustRegister(t, s, "a", "a1", nil)
	mustRegister(t, s, "a", "a2", nil)

	desc := s.GetDescendants("root")
	if len(desc) != 4 {
		t.Fatalf("root has %d descendants, want 4: %v", len(desc), desc)
	}
	if got := s.GetDescendants("a1"); len(got) != 0 {
		t.Fatalf("leaf descendants = %v, want empty", got)
	}

	chain, err := s.GetDelegationChain("a1")
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	var ids []string
	for _, n := range chain {
		ids = append(ids, n.AgentID)
	}
	want := []string{"root", "a", "a1"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Fatalf("chain = %v, want %v", ids, want)
	}

	anc, err := s.FindCommonAncestor("a1", "a2")
	if err != nil || anc.AgentID != "a" {
		t.Fatalf("common ancestor of a1,a2 = %+v, %v; want a", anc, err)
	}
	anc, err = s.FindCommonAncestor("a1", "b")
	if err != nil || anc.AgentID != "root" {
		t.Fatalf("common ancestor of a1,b = %+v, %v; want root", anc, err)
	}
	// One node being the other's ancestor answers with that ancestor.
	anc, err = s.FindCommonAncestor("a", "a2")
	if err != nil || anc.AgentID != "a" {
		t.Fatalf("common ancestor of a,a2 = %+v, %v; want a", anc, err)
	}
}

func TestPruneHierarchy_RemovesSubtreeOnly(t *testing.T) {
	s := newTestStore(t)

	mustRegister(t, s, "", "root", nil)
	mustRegister(t, s, "root", "a", nil)
	mustRegister(t, s, "root", "b", nil)
	mustRegister(t, s, "a", "a1", nil)

	removed, err := s.PruneHierarchy("a")
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	// Post-order: children before parents, root of the prune last.
	if len(removed) != 2 || removed[len(removed)-1] != "a" {
		t.Fatalf("removed = %v, want [a1 a]", removed)
	}
	for _, id := range []string{"a", "a1"} {
		if s.HasAgent(id) {
			t.Fatalf("agent %s still present after prune", id)
		}
	}
	if !s.HasAgent("b") || !s.HasAgent("root") {
		t.Fatal("prune touched nodes outside the subtree")
	}
	if got := s.GetChildren("root"); len(got) != 1 || got[0] != "b" {
		t.Fatalf("root children after prune = %v, want [b]", got)
	}
}

func TestDelegations_LifecycleAndOrphaning(t *testing.T) {
	s := newTestStore(t)

	mustRegister(t, s, "", "root", nil)
	mustRegister(t, s, "root", "worker", nil)

	d, err := s.RegisterDelegation("root", "worker", "task-1", "")
	if err != nil {
		t.Fatalf("register delegation: %v", err)
	}
	if d.Status != hierarchy.DelegationActive {
		t.Fatalf("new delegation status = %q, want active", d.Status)
	}

	if _, err := s.RegisterDelegation("root", "nobody", "task-2", ""); !errors.Is(err, hierarchy.ErrAgentNotFound) {
		t.Fatalf("delegation to unknown child err = %v, want ErrAgentNotFound", err)
	}

	active := s.GetActiveDelegations("root")
	if len(active) != 1 || active[0].DelegationID != d.DelegationID {
		t.Fatalf("active delegations = %+v", active)
	}

	done, err := s.UpdateDelegationStatus(d.DelegationID, hierarchy.DelegationCompleted, shared.Metadata{"output": "ok"})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if done.CompletedAt == nil || done.Result["output"] != "ok" {
		t.Fatalf("completed delegation = %+v", done)
	}
	if got := s.GetActiveDelegations("root"); len(got) != 0 {
		t.Fatalf("completed delegation still listed active: %+v", got)
	}

	// Pruning the child orphans its in-flight delegation but keeps the record.
	d2, err := s.RegisterDelegation("root", "worker", "task-3", "")
	if err != nil {
		t.Fatalf("second delegation: %v", err)
	}
	if _, err := s.PruneHierarchy("worker"); err != nil {
		t.Fatalf("prune: %v", err)
	}
	got := s.GetDelegation(d2.DelegationID)
	if got == nil || got.Status != hierarchy.DelegationOrphaned {
		t.Fatalf("delegation after prune = %+v, want orphaned", got)
	}
}

func TestDelegationChainForTask(t *testing.T) {
	s := newTestStore(t)

	mustRegister(t, s, "", "root", nil)
	mustRegister(t, s, "root", "mid", nil)
	mustRegister(t, s, "mid", "leaf", nil)

	top, err := s.RegisterDelegation("root", "mid", "task-1", "")
	if err != nil {
		t.Fatalf("top delegation: %v", err)
	}
	sub, err := s.RegisterDelegation("mid", "leaf", "task-1", top.DelegationID)
	if err != nil {
		t.Fatalf("sub delegation: %v", err)
	}

	chain := s.GetDelegationChainForTask("task-1")
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chain))
	}
	if chain[0].DelegationID != top.DelegationID || chain[1].DelegationID != sub.DelegationID {
		t.Fatalf("chain order = [%s %s], want parent first", chain[0].DelegationID, chain[1].DelegationID)
	}
}

func TestAggregates_FromMetadataAndByLevel(t *testing.T) {
	s := newTestStore(t)

	mustRegister(t, s, "", "root", shared.Metadata{"tokens": 100, "quality": 0.9})
	mustRegister(t, s, "root", "a", shared.Metadata{"tokens": 50, "quality": 0.7})
	mustRegister(t, s, "root", "b", shared.Metadata{"tokens": 30, "quality": 0.5})

	agg, err := s.GetAggregateState("root")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.Count != 3 || agg.ActiveCount != 3 {
		t.Fatalf("aggregate counts = %+v", agg)
	}
	if agg.TotalTokens != 180 {
		t.Fatalf("total tokens = %d, want 180", agg.TotalTokens)
	}
	if diff := agg.AvgQuality - 0.7; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("avg quality = %f, want 0.7", agg.AvgQuality)
	}

	byLevel, err := s.GetAggregateByLevel("root")
	if err != nil {
		t.Fatalf("by level: %v", err)
	}
	if byLevel[0].TotalTokens != 100 || byLevel[1].TotalTokens != 80 {
		t.Fatalf("by level = %+v", byLevel)
	}

	// Subtree aggregates are relative to their root.
	sub, err := s.GetAggregateState("a")
	if err != nil {
		t.Fatalf("subtree aggregate: %v", err)
	}
	if sub.Count != 1 || sub.TotalTokens != 50 {
		t.Fatalf("subtree aggregate = %+v", sub)
	}
}

func TestAggregates_CacheInvalidation(t *testing.T) {
	s := newTestStore(t)

	mustRegister(t, s, "", "root", shared.Metadata{"tokens": 10})
	mustRegister(t, s, "root", "a", shared.Metadata{"tokens": 20})

	before, err := s.GetAggregateState("root")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if before.TotalTokens != 30 {
		t.Fatalf("total = %d, want 30", before.TotalTokens)
	}

	// A structural mutation under the root must be visible immediately.
	mustRegister(t, s, "a", "a1", shared.Metadata{"tokens": 5})
	after, err := s.GetAggregateState("root")
	if err != nil {
		t.Fatalf("aggregate after mutation: %v", err)
	}
	if after.TotalTokens != 35 {
		t.Fatalf("total after mutation = %d, want 35 (stale cache?)", after.TotalTokens)
	}

	// Status changes invalidate ancestors' aggregates too.
	if err := s.SetNodeStatus("a1", hierarchy.NodeCompleted); err != nil {
		t.Fatalf("set status: %v", err)
	}
	agg, err := s.GetAggregateState("root")
	if err != nil {
		t.Fatalf("aggregate after status change: %v", err)
	}
	if agg.ActiveCount != 2 {
		t.Fatalf("active count = %d, want 2", agg.ActiveCount)
	}

	filtered, err := s.GetAggregateFiltered("root", hierarchy.NodeCompleted)
	if err != nil {
		t.Fatalf("filtered aggregate: %v", err)
	}
	if filtered.Count != 1 || filtered.TotalTokens != 5 {
		t.Fatalf("filtered aggregate = %+v", filtered)
	}
}

// gatedReader parks the first aggregate computation so a mutation can queue
// behind it.
type gatedReader struct {
	tokens  map[string]int64
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *gatedReader) AgentMetrics(agentID string) (int64, float64, bool) {
	r.once.Do(func() {
		close(r.entered)
		<-r.release
	})
	return r.tokens[agentID], 0, false
}

func TestGetAggregateState_FreshAfterConcurrentMutation(t *testing.T) {
	s := newTestStore(t)
	mustRegister(t, s, "", "root", nil)
	mustRegister(t, s, "root", "child", nil)

	reader := &gatedReader{
		tokens:  map[string]int64{"root": 1, "child": 1},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s.SetMetricsReader(reader)

	firstDone := make(chan error, 1)
	go func() {
		_, err := s.GetAggregateState("root")
		firstDone <- err
	}()
	<-reader.entered

	// A status write lands while the first aggregate is still in flight.
	statusDone := make(chan error, 1)
	go func() {
		statusDone <- s.SetNodeStatus("child", hierarchy.NodeCompleted)
	}()

	close(reader.release)
	if err := <-firstDone; err != nil {
		t.Fatalf("in-flight aggregate: %v", err)
	}
	if err := <-statusDone; err != nil {
		t.Fatalf("status write: %v", err)
	}

	// Whatever the interleaving, a read after the mutation committed must
	// see it; a stale pre-mutation entry would report both nodes active.
	agg, err := s.GetAggregateState("root")
	if err != nil {
		t.Fatalf("aggregate after mutation: %v", err)
	}
	if agg.ActiveCount != 1 {
		t.Fatalf("active count = %d, want 1 (stale cached aggregate)", agg.ActiveCount)
	}
}
