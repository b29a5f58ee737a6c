// Package hierarchy tracks the agent delegation tree: which agent spawned
// which, how deep the tree goes, and which delegations are in flight. It is
// an in-memory store; the tree is rebuilt from scratch on restart because
// agent processes do not survive the coordinator anyway.
package hierarchy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coopsys/warden/internal/bus"
	"github.com/coopsys/warden/internal/shared"
)

// Limit violations and lookup failures are expected outcomes; callers branch
// on them with errors.Is.
var (
	ErrDepthLimitExceeded    = errors.New("DEPTH_LIMIT_EXCEEDED")
	ErrChildrenLimitExceeded = errors.New("CHILDREN_LIMIT_EXCEEDED")
	ErrAgentNotFound         = errors.New("agent not found")
	ErrAgentExists           = errors.New("agent already registered")
	ErrDelegationNotFound    = errors.New("delegation not found")
)

// NodeStatus is the lifecycle state of an agent node.
type NodeStatus string

const (
	NodeActive     NodeStatus = "active"
	NodeCompleted  NodeStatus = "completed"
	NodeFailed     NodeStatus = "failed"
	NodeTerminated NodeStatus = "terminated"
)

// DelegationStatus is the lifecycle state of a delegation record.
type DelegationStatus string

const (
	DelegationPending   DelegationStatus = "pending"
	DelegationActive    DelegationStatus = "active"
	DelegationCompleted DelegationStatus = "completed"
	DelegationFailed    DelegationStatus = "failed"
	DelegationOrphaned  DelegationStatus = "orphaned"
)

// Node is one agent in the tree. ParentID never changes after registration
// (no re-parenting) and Depth is always parent.Depth+1.
type Node struct {
	AgentID  string          `json:"agent_id"`
	ParentID string          `json:"parent_id,omitempty"` // empty marks a root
	Depth    int             `json:"depth"`
	Status   NodeStatus      `json:"status"`
	Metadata shared.Metadata `json:"metadata,omitempty"`
}

// Delegation records one agent assigning a task to a child it spawned.
// Pruning the child flips the record to orphaned; delegations are never
// deleted, they are the audit trail of who asked whom to do what.
type Delegation struct {
	DelegationID       string           `json:"delegation_id"`
	ParentAgentID      string           `json:"parent_agent_id"`
	ChildAgentID       string           `json:"child_agent_id"`
	TaskID             string           `json:"task_id"`
	ParentDelegationID string           `json:"parent_delegation_id,omitempty"`
	Status             DelegationStatus `json:"status"`
	StartedAt          time.Time        `json:"started_at"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	Result             shared.Metadata  `json:"result,omitempty"`
}

// Config bounds the tree shape and the aggregate cache.
type Config struct {
	MaxDepth     int
	MaxChildren  int
	MaxCacheSize int
}

// Store is the hierarchy and delegation ledger. All access is through its
// methods; the internal maps are never handed out.
type Store struct {
	mu sync.RWMutex

	maxDepth    int
	maxChildren int

	nodes    map[string]*Node
	children map[string][]string // parent agentID -> ordered child IDs
	byDepth  map[int]map[string]struct{}

	delegations map[string]*Delegation
	byTask      map[string][]string // taskID -> delegation IDs in registration order

	cache   *aggregateCache
	metrics MetricsReader // nil until the state layer wires itself in
	bus     *bus.Bus      // may be nil in tests
	clock   shared.Clock  // never nil
}

// New creates an empty hierarchy store.
func New(cfg Config, eventBus *bus.Bus, clock shared.Clock) *Store {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 5
	}
	if cfg.MaxChildren <= 0 {
		cfg.MaxChildren = 8
	}
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = 256
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &Store{
		maxDepth:    cfg.MaxDepth,
		maxChildren: cfg.MaxChildren,
		nodes:       make(map[string]*Node),
		children:    make(map[string][]string),
		byDepth:     make(map[int]map[string]struct{}),
		delegations: make(map[string]*Delegation),
		byTask:      make(map[string][]string),
		cache:       newAggregateCache(cfg.MaxCacheSize),
		bus:         eventBus,
		clock:       clock,
	}
}

// Reset drops all nodes and delegations. Tests run many isolated stores;
// Reset exists for long-lived instances that want a clean slate.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[string]*Node)
	s.children = make(map[string][]string)
	s.byDepth = make(map[int]map[string]struct{})
	s.delegations = make(map[string]*Delegation)
	s.byTask = make(map[string][]string)
	s.cache.purge()
}

// RegisterNode adds an agent under parentID (empty for a root). Limits are
// checked before any mutation, so a violation leaves the tree unchanged.
func (s *Store) RegisterNode(parentID, agentID string, metadata shared.Metadata) (*Node, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent_id must be non-empty")
	}
	s.mu.Lock()
	node, err := s.registerLocked(parentID, agentID, metadata)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicHierarchyRegistered, bus.HierarchyEvent{
			ParentID: node.ParentID,
			AgentID:  node.AgentID,
			Depth:    node.Depth,
		})
	}
	return node, nil
}

// RegisterResult is the non-throwing variant's outcome.
type RegisterResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Node    *Node  `json:"node,omitempty"`
}

// TryRegisterNode is RegisterNode for callers that prefer branching over
// error handling.
func (s *Store) TryRegisterNode(parentID, agentID string, metadata shared.Metadata) RegisterResult {
	node, err := s.RegisterNode(parentID, agentID, metadata)
	if err != nil {
		return RegisterResult{Reason: err.Error()}
	}
	return RegisterResult{Success: true, Node: node}
}

func (s *Store) registerLocked(parentID, agentID string, metadata shared.Metadata) (*Node, error) {
	if _, dup := s.nodes[agentID]; dup {
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, agentID)
	}

	depth := 0
	if parentID != "" {
		parent, ok := s.nodes[parentID]
		if !ok {
			return nil, fmt.Errorf("%w: parent %s", ErrAgentNotFound, parentID)
		}
		if parent.Depth+1 > s.maxDepth {
			return nil, fmt.Errorf("%w: depth %d exceeds max %d", ErrDepthLimitExceeded, parent.Depth+1, s.maxDepth)
		}
		if len(s.children[parentID]) >= s.maxChildren {
			return nil, fmt.Errorf("%w: %s already has %d children", ErrChildrenLimitExceeded, parentID, s.maxChildren)
		}
		depth = parent.Depth + 1
	}

	node := &Node{
		AgentID:  agentID,
		ParentID: parentID,
		Depth:    depth,
		Status:   NodeActive,
		Metadata: metadata.Clone(),
	}
	s.nodes[agentID] = node
	if parentID != "" {
		s.children[parentID] = append(s.children[parentID], agentID)
	}
	bucket, ok := s.byDepth[depth]
	if !ok {
		bucket = make(map[string]struct{})
		s.byDepth[depth] = bucket
	}
	bucket[agentID] = struct{}{}

	s.invalidateLocked(agentID)
	return node, nil
}

// CanDelegate reports whether agentID may register another child without
// violating the depth or fan-out limit.
func (s *Store) CanDelegate(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[agentID]
	if !ok {
		return false
	}
	return node.Depth+1 <= s.maxDepth && len(s.children[agentID]) < s.maxChildren
}

// GetNode returns a copy of the node, or nil when absent.
func (s *Store) GetNode(agentID string) *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[agentID]
	if !ok {
		return nil
	}
	out := *node
	out.Metadata = node.Metadata.Clone()
	return &out
}

// HasAgent reports whether the agent is registered.
func (s *Store) HasAgent(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[agentID]
	return ok
}

// GetChildren returns the immediate children, in registration order.
func (s *Store) GetChildren(agentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kids := s.children[agentID]
	out := make([]string, len(kids))
	copy(out, kids)
	return out
}

// GetDescendants returns every descendant of agentID at any depth. A leaf
// returns an empty slice, never nil. Order is depth-first and stable within
// a call.
func (s *Store) GetDescendants(agentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.descendantsLocked(agentID)
}

func (s *Store) descendantsLocked(agentID string) []string {
	out := []string{}
	stack := make([]string, 0, len(s.children[agentID]))
	// Push in reverse so traversal pops in registration order.
	kids := s.children[agentID]
	for i := len(kids) - 1; i >= 0; i-- {
		stack = append(stack, kids[i])
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, id)
		next := s.children[id]
		for i := len(next) - 1; i >= 0; i-- {
			stack = append(stack, next[i])
		}
	}
	return out
}

// GetDelegationChain returns the path from the registration root down to
// agentID inclusive.
func (s *Store) GetDelegationChain(agentID string) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainLocked(agentID)
}

func (s *Store) chainLocked(agentID string) ([]Node, error) {
	node, ok := s.nodes[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	var reversed []Node
	for node != nil {
		reversed = append(reversed, *node)
		if node.ParentID == "" {
			break
		}
		node = s.nodes[node.ParentID]
	}
	chain := make([]Node, len(reversed))
	for i, n := range reversed {
		chain[len(reversed)-1-i] = n
	}
	return chain, nil
}

// FindCommonAncestor returns the nearest ancestor shared by both agents.
// When one is an ancestor of the other, that ancestor is the answer.
func (s *Store) FindCommonAncestor(agentA, agentB string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chainA, err := s.chainLocked(agentA)
	if err != nil {
		return nil, err
	}
	chainB, err := s.chainLocked(agentB)
	if err != nil {
		return nil, err
	}
	var common *Node
	for i := 0; i < len(chainA) && i < len(chainB); i++ {
		if chainA[i].AgentID != chainB[i].AgentID {
			break
		}
		n := chainA[i]
		common = &n
	}
	if common == nil {
		return nil, fmt.Errorf("%w: no common ancestor of %s and %s", ErrAgentNotFound, agentA, agentB)
	}
	return common, nil
}

// SetNodeStatus updates a node's lifecycle status. Structural caches over
// every ancestor are invalidated because their rollups include this node.
func (s *Store) SetNodeStatus(agentID string, status NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	node.Status = status
	s.invalidateLocked(agentID)
	return nil
}

// PruneHierarchy removes rootAgentID and its entire subtree, children before
// parents. Delegations pointing at pruned agents flip to orphaned.
func (s *Store) PruneHierarchy(rootAgentID string) ([]string, error) {
	s.mu.Lock()
	node, ok := s.nodes[rootAgentID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, rootAgentID)
	}

	descendants := s.descendantsLocked(rootAgentID)
	// Post-order: deepest first, root last.
	removed := make([]string, 0, len(descendants)+1)
	for i := len(descendants) - 1; i >= 0; i-- {
		removed = append(removed, descendants[i])
	}
	removed = append(removed, rootAgentID)

	s.invalidateLocked(rootAgentID)
	for _, id := range removed {
		n := s.nodes[id]
		delete(s.nodes, id)
		delete(s.children, id)
		if bucket, ok := s.byDepth[n.Depth]; ok {
			delete(bucket, id)
			if len(bucket) == 0 {
				delete(s.byDepth, n.Depth)
			}
		}
		s.cache.remove(id)
	}
	if node.ParentID != "" {
		kids := s.children[node.ParentID]
		for i, id := range kids {
			if id == rootAgentID {
				s.children[node.ParentID] = append(kids[:i], kids[i+1:]...)
				break
			}
		}
	}
	orphaned := s.cleanupOrphanedLocked()
	s.mu.Unlock()

	if s.bus != nil {
		for _, id := range removed {
			s.bus.Publish(bus.TopicHierarchyPruned, bus.HierarchyEvent{AgentID: id})
		}
		for _, d := range orphaned {
			s.bus.Publish(bus.TopicDelegationUpdated, bus.DelegationEvent{
				DelegationID: d.DelegationID,
				ParentAgent:  d.ParentAgentID,
				ChildAgent:   d.ChildAgentID,
				TaskID:       d.TaskID,
				Status:       string(DelegationOrphaned),
			})
		}
	}
	return removed, nil
}

// invalidateLocked drops cached aggregates for agentID and every ancestor,
// since ancestor rollups include the mutated subtree.
func (s *Store) invalidateLocked(agentID string) {
	id := agentID
	for id != "" {
		s.cache.remove(id)
		node, ok := s.nodes[id]
		if !ok {
			break
		}
		id = node.ParentID
	}
}
