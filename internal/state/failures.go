package state

import (
	"fmt"
	"time"

	"github.com/coopsys/warden/internal/bus"
	"github.com/coopsys/warden/internal/shared"
)

// Retry backoff bounds. Delay doubles per attempt and never exceeds the cap.
const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second
)

// RetryBackoff returns the delay before retry number attempt (0-based).
func RetryBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := retryBaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return d
}

// ChildFailureOutcome is what HandleChildFailure decided.
type ChildFailureOutcome struct {
	ParentFailed   bool          `json:"parent_failed"`
	PartialSuccess bool          `json:"partial_success"`
	SuccessRate    float64       `json:"success_rate"`
	ShouldRetry    bool          `json:"should_retry"`
	RetryCount     int           `json:"retry_count"`
	RetryDelay     time.Duration `json:"retry_delay"`
	Reason         string        `json:"reason,omitempty"` // "max_retries_exceeded" when the retry budget ran out
}

// HandleChildFailure records that childID failed while working for parentID.
// The parent fails only when every one of its children has failed; a mix of
// failures and survivors is partial success, tracked on the parent. When
// canRetry is set and the child still has retry budget the outcome says to
// retry it with backoff instead of counting the failure as final.
func (m *Machine) HandleChildFailure(parentID, childID string, canRetry bool) (*ChildFailureOutcome, error) {
	// Tree reads happen before m.mu is taken; the tree calls back into
	// AgentMetrics under its own lock.
	var siblings []string
	if m.tree != nil {
		siblings = m.tree.GetChildren(parentID)
	}

	m.mu.Lock()
	parent, ok := m.records[parentID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, parentID)
	}
	child, ok := m.records[childID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, childID)
	}

	out := &ChildFailureOutcome{}
	if canRetry {
		if child.retryCount < m.maxRetries {
			child.retryCount++
			out.ShouldRetry = true
			out.RetryCount = child.retryCount
			out.RetryDelay = RetryBackoff(child.retryCount - 1)
			m.mu.Unlock()
			return out, nil
		}
		out.Reason = "max_retries_exceeded"
		out.RetryCount = child.retryCount
	}

	type change struct {
		agentID  string
		from, to State
		version  int64
	}
	var changes []change

	if !IsTerminal(child.state) {
		from := child.state
		m.applyLocked(child, StateFailed, nil)
		changes = append(changes, change{childID, from, StateFailed, child.version})
	}
	parent.failedChildren[childID] = true

	total := len(siblings)
	failed := 0
	for _, id := range siblings {
		if parent.failedChildren[id] {
			failed++
		}
	}
	if total > 0 {
		out.SuccessRate = float64(total-failed) / float64(total)
	}

	switch {
	case total > 0 && failed == total:
		out.ParentFailed = true
		if !IsTerminal(parent.state) {
			from := parent.state
			m.applyLocked(parent, StateFailed, nil)
			changes = append(changes, change{parentID, from, StateFailed, parent.version})
		}
	case failed > 0 && failed < total:
		out.PartialSuccess = true
		if parent.data == nil {
			parent.data = shared.Metadata{}
		}
		parent.data["partial_success"] = true
		parent.data["success_rate"] = out.SuccessRate
	}
	m.mu.Unlock()

	for _, c := range changes {
		m.mirrorNodeStatus(c.agentID, c.to)
		m.publishStateChange(c.agentID, c.from, c.to, c.version)
	}
	return out, nil
}

// RecordChildResult stores a completed child's result on the parent so an
// abort can still return what succeeded before the plug was pulled.
func (m *Machine) RecordChildResult(parentID, childID string, result shared.Metadata) error {
	if err := result.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, ok := m.records[parentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, parentID)
	}
	parent.partialResults[childID] = result.Clone()
	return nil
}

// CheckTimeouts terminates agents that have been ACTIVE or DELEGATING longer
// than the child timeout, together with their entire subtrees. Returns the
// IDs of every agent terminated this pass.
func (m *Machine) CheckTimeouts() []string {
	now := m.clock.Now().UTC()

	m.mu.Lock()
	var expired []string
	for id, rec := range m.records {
		if rec.state != StateActive && rec.state != StateDelegating {
			continue
		}
		if rec.activeSince.IsZero() || now.Sub(rec.activeSince) <= m.childTimeout {
			continue
		}
		expired = append(expired, id)
	}
	m.mu.Unlock()

	// Subtree expansion reads the tree, so it must happen outside m.mu. An
	// agent that reaches a terminal state in the window is skipped by the
	// cascade; one that turns ACTIVE in the window is terminated with its
	// timed-out ancestor, which is what a cascade means.
	ids := m.expandSubtrees(expired)

	m.mu.Lock()
	terminated := m.terminateLocked(ids)
	m.mu.Unlock()

	for _, t := range terminated {
		m.mirrorNodeStatus(t.agentID, StateTerminated)
		m.publishStateChange(t.agentID, t.from, StateTerminated, t.version)
		if m.bus != nil {
			m.bus.Publish(bus.TopicResourceRelease, bus.ResourceReleaseEvent{
				AgentID: t.agentID,
				Reason:  "timeout",
				At:      now,
			})
		}
	}

	out := make([]string, len(terminated))
	for i, t := range terminated {
		out[i] = t.agentID
	}
	return out
}

// AbortResult reports what an abort cascade terminated and what the
// completed children had already produced.
type AbortResult struct {
	Terminated     []string                   `json:"terminated"`
	PartialResults map[string]shared.Metadata `json:"partial_results,omitempty"`
}

// AbortAllChildren terminates every non-terminal descendant of parentID and
// returns the results its completed children had reported. The parent itself
// is left alone; the caller decides its fate. reason is carried on the
// resource release events so consumers can tell an abort from a timeout.
func (m *Machine) AbortAllChildren(parentID, reason string) (*AbortResult, error) {
	now := m.clock.Now().UTC()
	if reason == "" {
		reason = "abort"
	}

	var roots []string
	if m.tree != nil {
		roots = m.tree.GetChildren(parentID)
	}
	ids := m.expandSubtrees(roots)

	m.mu.Lock()
	parent, ok := m.records[parentID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, parentID)
	}
	terminated := m.terminateLocked(ids)

	res := &AbortResult{PartialResults: make(map[string]shared.Metadata, len(parent.partialResults))}
	for id, r := range parent.partialResults {
		res.PartialResults[id] = r.Clone()
	}
	for _, t := range terminated {
		res.Terminated = append(res.Terminated, t.agentID)
	}
	m.mu.Unlock()

	for _, t := range terminated {
		m.mirrorNodeStatus(t.agentID, StateTerminated)
		m.publishStateChange(t.agentID, t.from, StateTerminated, t.version)
		if m.bus != nil {
			m.bus.Publish(bus.TopicResourceRelease, bus.ResourceReleaseEvent{
				AgentID: t.agentID,
				Reason:  reason,
				At:      now,
			})
		}
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicCleanup, bus.CleanupEvent{Type: "abort", Count: len(res.Terminated)})
	}
	return res, nil
}

type terminatedAgent struct {
	agentID string
	from    State
	version int64
}

// expandSubtrees resolves each root plus its descendants. Callers must not
// hold m.mu: the tree takes its own lock and calls back into AgentMetrics.
func (m *Machine) expandSubtrees(roots []string) []string {
	ids := make([]string, 0, len(roots))
	for _, root := range roots {
		ids = append(ids, root)
		if m.tree != nil {
			ids = append(ids, m.tree.GetDescendants(root)...)
		}
	}
	return ids
}

// terminateLocked terminates each listed agent. Agents already in a terminal
// state are skipped; cascades are idempotent.
func (m *Machine) terminateLocked(ids []string) []terminatedAgent {
	var out []terminatedAgent
	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		rec, ok := m.records[id]
		if !ok || IsTerminal(rec.state) {
			continue
		}
		from := rec.state
		m.applyLocked(rec, StateTerminated, nil)
		out = append(out, terminatedAgent{id, from, rec.version})
	}
	return out
}

// Degrade asks an agent to shrink its scope or fall back to a simpler
// strategy. It is advisory: no state transition happens, the agent decides
// how to comply.
func (m *Machine) Degrade(agentID, reason, newScope, strategy string) error {
	m.mu.Lock()
	_, ok := m.records[agentID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicDegradation, bus.DegradationEvent{
			AgentID:  agentID,
			Reason:   reason,
			NewScope: newScope,
			Strategy: strategy,
		})
	}
	return nil
}
