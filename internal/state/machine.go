// Package state holds the per-agent lifecycle state machine. Transitions are
// version-checked so two coordinators racing on the same agent cannot both
// win, and family transitions commit all-or-nothing.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coopsys/warden/internal/bus"
	"github.com/coopsys/warden/internal/hierarchy"
	"github.com/coopsys/warden/internal/shared"
)

// State is an agent lifecycle state.
type State string

const (
	StateIdle       State = "IDLE"
	StateActive     State = "ACTIVE"
	StateDelegating State = "DELEGATING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateTerminated State = "TERMINATED"
)

// allowedTransitions is the single source of truth for legal state changes.
// Terminal states have no outgoing edges.
var allowedTransitions = map[State][]State{
	StateIdle:       {StateActive, StateTerminated},
	StateActive:     {StateDelegating, StateCompleted, StateFailed, StateTerminated},
	StateDelegating: {StateActive, StateCompleted, StateFailed, StateTerminated},
	StateCompleted:  {},
	StateFailed:     {},
	StateTerminated: {},
}

func transitionAllowed(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state has no outgoing transitions.
func IsTerminal(s State) bool {
	return len(allowedTransitions[s]) == 0
}

var (
	ErrAgentNotFound     = errors.New("agent state not found")
	ErrAgentExists       = errors.New("agent state already registered")
	ErrIllegalTransition = errors.New("illegal state transition")
)

// OptimisticLockError reports a version mismatch on a compare-and-set
// transition. CurrentVersion lets the caller re-read and retry.
type OptimisticLockError struct {
	AgentID         string
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("optimistic lock failed for %s: expected version %d, current %d",
		e.AgentID, e.ExpectedVersion, e.CurrentVersion)
}

// AgentState is the externally visible snapshot of one agent.
type AgentState struct {
	AgentID        string          `json:"agent_id"`
	State          State           `json:"state"`
	Version        int64           `json:"version"`
	Data           shared.Metadata `json:"data,omitempty"`
	RegisteredAt   time.Time       `json:"registered_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	RetryCount     int             `json:"retry_count"`
	FailedChildren []string        `json:"failed_children,omitempty"`
}

type record struct {
	state          State
	version        int64
	data           shared.Metadata
	registeredAt   time.Time
	updatedAt      time.Time
	activeSince    time.Time // set on entering ACTIVE or DELEGATING
	retryCount     int
	failedChildren map[string]bool
	partialResults map[string]shared.Metadata // childID -> result of completed children
}

// Config bounds timeout and retry behavior.
type Config struct {
	ChildTimeout time.Duration
	MaxRetries   int
}

// Machine tracks agent states. It reads the hierarchy for parent and child
// relationships but never mutates tree structure; it only mirrors terminal
// states onto nodes.
//
// Lock order: the tree lock is taken before m.mu, never after. The tree
// calls back into AgentMetrics under its own lock, so m.mu must not be held
// across any tree call.
type Machine struct {
	mu sync.Mutex

	records map[string]*record
	tree    *hierarchy.Store
	bus     *bus.Bus     // may be nil in tests
	clock   shared.Clock // never nil

	childTimeout time.Duration
	maxRetries   int
}

// New creates a state machine over the given hierarchy.
func New(cfg Config, tree *hierarchy.Store, eventBus *bus.Bus, clock shared.Clock) *Machine {
	if cfg.ChildTimeout <= 0 {
		cfg.ChildTimeout = 10 * time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	m := &Machine{
		records:      make(map[string]*record),
		tree:         tree,
		bus:          eventBus,
		clock:        clock,
		childTimeout: cfg.ChildTimeout,
		maxRetries:   cfg.MaxRetries,
	}
	if tree != nil {
		tree.SetMetricsReader(m)
	}
	return m
}

// Register creates the state record for an agent at version 1, IDLE.
func (m *Machine) Register(agentID string, data shared.Metadata) (*AgentState, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent_id must be non-empty")
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.records[agentID]; dup {
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, agentID)
	}
	now := m.clock.Now().UTC()
	rec := &record{
		state:          StateIdle,
		version:        1,
		data:           data.Clone(),
		registeredAt:   now,
		updatedAt:      now,
		failedChildren: make(map[string]bool),
		partialResults: make(map[string]shared.Metadata),
	}
	m.records[agentID] = rec
	return snapshot(agentID, rec), nil
}

// Get returns a snapshot of the agent's state, or nil when unknown.
func (m *Machine) Get(agentID string) *AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[agentID]
	if !ok {
		return nil
	}
	return snapshot(agentID, rec)
}

// UpdateStateWithVersion transitions the agent with a compare-and-set on the
// version. A mismatch returns *OptimisticLockError with the current version
// so callers can re-read and retry; an illegal edge returns
// ErrIllegalTransition. data, when non-nil, is merged into the agent's data
// bag as part of the same committed transition. Passing the agent's current
// non-terminal state is a data-only patch: the version still bumps, no
// status event fires. Terminal states are frozen, data included.
func (m *Machine) UpdateStateWithVersion(agentID string, newState State, expectedVersion int64, data shared.Metadata) (*AgentState, error) {
	if err := data.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	rec, ok := m.records[agentID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if rec.version != expectedVersion {
		err := &OptimisticLockError{AgentID: agentID, ExpectedVersion: expectedVersion, CurrentVersion: rec.version}
		m.mu.Unlock()
		return nil, err
	}
	samePatch := newState == rec.state && !IsTerminal(rec.state)
	if !samePatch && !transitionAllowed(rec.state, newState) {
		err := fmt.Errorf("%w: %s -> %s for %s", ErrIllegalTransition, rec.state, newState, agentID)
		m.mu.Unlock()
		return nil, err
	}

	old := rec.state
	m.applyLocked(rec, newState, data)
	out := snapshot(agentID, rec)
	m.mu.Unlock()

	if !samePatch {
		m.mirrorNodeStatus(agentID, newState)
		m.publishStateChange(agentID, old, newState, out.Version)
	}
	return out, nil
}

// FamilyTransition is one member of an atomic family commit.
type FamilyTransition struct {
	AgentID         string
	NewState        State
	ExpectedVersion int64
	Data            shared.Metadata
}

// AtomicFamilyTransition validates every transition, then commits every
// transition. Any invalid member fails the whole batch with no state
// changed.
func (m *Machine) AtomicFamilyTransition(transitions []FamilyTransition) ([]*AgentState, error) {
	if len(transitions) == 0 {
		return nil, nil
	}
	m.mu.Lock()

	seen := make(map[string]bool, len(transitions))
	for _, t := range transitions {
		if seen[t.AgentID] {
			m.mu.Unlock()
			return nil, fmt.Errorf("duplicate agent %s in family transition", t.AgentID)
		}
		seen[t.AgentID] = true
		rec, ok := m.records[t.AgentID]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, t.AgentID)
		}
		if rec.version != t.ExpectedVersion {
			err := &OptimisticLockError{AgentID: t.AgentID, ExpectedVersion: t.ExpectedVersion, CurrentVersion: rec.version}
			m.mu.Unlock()
			return nil, err
		}
		if !transitionAllowed(rec.state, t.NewState) {
			err := fmt.Errorf("%w: %s -> %s for %s", ErrIllegalTransition, rec.state, t.NewState, t.AgentID)
			m.mu.Unlock()
			return nil, err
		}
		if err := t.Data.Validate(); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}

	type change struct {
		agentID  string
		from, to State
		version  int64
	}
	changes := make([]change, 0, len(transitions))
	out := make([]*AgentState, 0, len(transitions))
	for _, t := range transitions {
		rec := m.records[t.AgentID]
		old := rec.state
		m.applyLocked(rec, t.NewState, t.Data)
		changes = append(changes, change{t.AgentID, old, t.NewState, rec.version})
		out = append(out, snapshot(t.AgentID, rec))
	}
	m.mu.Unlock()

	for _, c := range changes {
		m.mirrorNodeStatus(c.agentID, c.to)
		m.publishStateChange(c.agentID, c.from, c.to, c.version)
	}
	return out, nil
}

// applyLocked commits one validated transition: bump version, merge data,
// stamp times.
func (m *Machine) applyLocked(rec *record, newState State, data shared.Metadata) {
	now := m.clock.Now().UTC()
	if (newState == StateActive || newState == StateDelegating) && rec.activeSince.IsZero() {
		rec.activeSince = now
	}
	if IsTerminal(newState) {
		rec.activeSince = time.Time{}
	}
	rec.state = newState
	rec.version++
	rec.updatedAt = now
	if data != nil {
		if rec.data == nil {
			rec.data = shared.Metadata{}
		}
		for k, v := range data {
			rec.data[k] = v
		}
	}
}

// mirrorNodeStatus keeps the hierarchy node's coarse status in sync with the
// agent's terminal state.
func (m *Machine) mirrorNodeStatus(agentID string, s State) {
	if m.tree == nil {
		return
	}
	var ns hierarchy.NodeStatus
	switch s {
	case StateCompleted:
		ns = hierarchy.NodeCompleted
	case StateFailed:
		ns = hierarchy.NodeFailed
	case StateTerminated:
		ns = hierarchy.NodeTerminated
	default:
		return
	}
	_ = m.tree.SetNodeStatus(agentID, ns)
}

func (m *Machine) publishStateChange(agentID string, from, to State, version int64) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.TopicNodeStatusChanged, bus.StateChangeEvent{
		AgentID:  agentID,
		OldState: string(from),
		NewState: string(to),
		Version:  version,
	})
}

func snapshot(agentID string, rec *record) *AgentState {
	failed := make([]string, 0, len(rec.failedChildren))
	for id := range rec.failedChildren {
		failed = append(failed, id)
	}
	return &AgentState{
		AgentID:        agentID,
		State:          rec.state,
		Version:        rec.version,
		Data:           rec.data.Clone(),
		RegisteredAt:   rec.registeredAt,
		UpdatedAt:      rec.updatedAt,
		RetryCount:     rec.retryCount,
		FailedChildren: failed,
	}
}

// AgentMetrics implements hierarchy.MetricsReader over the agent data bag.
// Tokens come from data["tokens"], quality from data["quality"].
func (m *Machine) AgentMetrics(agentID string) (int64, float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[agentID]
	if !ok {
		return 0, 0, false
	}
	tokens, _ := shared.NumberAsInt64(rec.data["tokens"])
	quality, qok := shared.NumberAsFloat64(rec.data["quality"])
	return tokens, quality, qok
}
