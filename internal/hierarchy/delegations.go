package hierarchy

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/coopsys/warden/internal/bus"
	"github.com/coopsys/warden/internal/shared"
)

// RegisterDelegation records parentAgentID handing taskID to childAgentID.
// Both agents must already be nodes; parentDelegationID links sub-delegations
// into a chain and may be empty for a top-level delegation.
func (s *Store) RegisterDelegation(parentAgentID, childAgentID, taskID, parentDelegationID string) (*Delegation, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task_id must be non-empty")
	}
	s.mu.Lock()
	if _, ok := s.nodes[parentAgentID]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: parent %s", ErrAgentNotFound, parentAgentID)
	}
	if _, ok := s.nodes[childAgentID]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: child %s", ErrAgentNotFound, childAgentID)
	}
	if parentDelegationID != "" {
		if _, ok := s.delegations[parentDelegationID]; !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: parent delegation %s", ErrDelegationNotFound, parentDelegationID)
		}
	}

	d := &Delegation{
		DelegationID:       uuid.NewString(),
		ParentAgentID:      parentAgentID,
		ChildAgentID:       childAgentID,
		TaskID:             taskID,
		ParentDelegationID: parentDelegationID,
		Status:             DelegationActive,
		StartedAt:          s.clock.Now().UTC(),
	}
	s.delegations[d.DelegationID] = d
	s.byTask[taskID] = append(s.byTask[taskID], d.DelegationID)
	out := *d
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(bus.TopicDelegationRegistered, bus.DelegationEvent{
			DelegationID: out.DelegationID,
			ParentAgent:  out.ParentAgentID,
			ChildAgent:   out.ChildAgentID,
			TaskID:       out.TaskID,
			Status:       string(out.Status),
		})
	}
	return &out, nil
}

// UpdateDelegationStatus moves a delegation to a new status, stamping
// CompletedAt and attaching the result on terminal statuses.
func (s *Store) UpdateDelegationStatus(delegationID string, status DelegationStatus, result shared.Metadata) (*Delegation, error) {
	s.mu.Lock()
	d, ok := s.delegations[delegationID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDelegationNotFound, delegationID)
	}
	d.Status = status
	switch status {
	case DelegationCompleted, DelegationFailed, DelegationOrphaned:
		now := s.clock.Now().UTC()
		d.CompletedAt = &now
		if result != nil {
			d.Result = result.Clone()
		}
	}
	out := *d
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(bus.TopicDelegationUpdated, bus.DelegationEvent{
			DelegationID: out.DelegationID,
			ParentAgent:  out.ParentAgentID,
			ChildAgent:   out.ChildAgentID,
			TaskID:       out.TaskID,
			Status:       string(out.Status),
		})
	}
	return &out, nil
}

// GetDelegation returns a copy of the delegation, or nil when absent.
func (s *Store) GetDelegation(delegationID string) *Delegation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.delegations[delegationID]
	if !ok {
		return nil
	}
	out := *d
	return &out
}

// GetActiveDelegations returns the non-terminal delegations issued by an
// agent, in registration order.
func (s *Store) GetActiveDelegations(agentID string) []Delegation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Delegation{}
	for _, ids := range s.byTask {
		for _, id := range ids {
			d := s.delegations[id]
			if d.ParentAgentID != agentID {
				continue
			}
			if d.Status == DelegationPending || d.Status == DelegationActive {
				out = append(out, *d)
			}
		}
	}
	sortDelegations(out)
	return out
}

// GetDelegationChainForTask returns every delegation recorded for a task,
// ordered so each entry's parent delegation precedes it.
func (s *Store) GetDelegationChainForTask(taskID string) []Delegation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byTask[taskID]
	out := make([]Delegation, 0, len(ids))
	seen := make(map[string]bool, len(ids))

	var appendWithParents func(id string)
	appendWithParents = func(id string) {
		if seen[id] {
			return
		}
		d, ok := s.delegations[id]
		if !ok {
			return
		}
		if d.ParentDelegationID != "" {
			if p, ok := s.delegations[d.ParentDelegationID]; ok && p.TaskID == taskID {
				appendWithParents(p.DelegationID)
			}
		}
		seen[id] = true
		out = append(out, *d)
	}
	for _, id := range ids {
		appendWithParents(id)
	}
	return out
}

// CleanupOrphanedDelegations flips active or pending delegations whose child
// node no longer exists to orphaned, returning how many were flipped. The
// records stay in the ledger.
func (s *Store) CleanupOrphanedDelegations() int {
	s.mu.Lock()
	orphaned := s.cleanupOrphanedLocked()
	s.mu.Unlock()

	if s.bus != nil {
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
	return len(orphaned)
}

func (s *Store) cleanupOrphanedLocked() []Delegation {
	var orphaned []Delegation
	now := s.clock.Now().UTC()
	for _, d := range s.delegations {
		if d.Status != DelegationPending && d.Status != DelegationActive {
			continue
		}
		if _, ok := s.nodes[d.ChildAgentID]; ok {
			continue
		}
		d.Status = DelegationOrphaned
		d.CompletedAt = &now
		orphaned = append(orphaned, *d)
	}
	return orphaned
}

func sortDelegations(ds []Delegation) {
	sort.SliceStable(ds, func(i, j int) bool {
		return ds[i].StartedAt.Before(ds[j].StartedAt)
	})
}
