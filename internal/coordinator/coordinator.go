// Package coordinator glues the claim store, hierarchy, and state machine
// into the operations a session actually performs: delegate work to a
// sub-agent, report the outcome, and clean up when a session goes away.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coopsys/warden/internal/hierarchy"
	"github.com/coopsys/warden/internal/persistence"
	"github.com/coopsys/warden/internal/shared"
	"github.com/coopsys/warden/internal/state"
)

// Coordinator is the facade over the three stores. It owns no state of its
// own; every operation is a composition of store calls.
type Coordinator struct {
	store   *persistence.Store
	tree    *hierarchy.Store
	machine *state.Machine
	logger  *slog.Logger
}

// New wires a coordinator over the given stores.
func New(store *persistence.Store, tree *hierarchy.Store, machine *state.Machine, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: store, tree: tree, machine: machine, logger: logger}
}

// DelegateResult is the outcome of one Delegate call.
type DelegateResult struct {
	Delegated     bool                  `json:"delegated"`
	Reason        string                `json:"reason,omitempty"`
	Delegation    *hierarchy.Delegation `json:"delegation,omitempty"`
	Child         *state.AgentState     `json:"child,omitempty"`
	ExistingClaim *persistence.Claim    `json:"existing_claim,omitempty"`
}

// Delegate registers childAgentID under parentAgentID, claims taskID for the
// session, records the delegation, and activates the child. A denied claim
// or a tree-limit violation leaves no partial registration behind.
func (c *Coordinator) Delegate(ctx context.Context, parentAgentID, childAgentID, taskID, sessionID, parentDelegationID string, metadata shared.Metadata) (*DelegateResult, error) {
	if !c.tree.CanDelegate(parentAgentID) {
		return &DelegateResult{Reason: "delegation limits reached"}, nil
	}

	node, err := c.tree.RegisterNode(parentAgentID, childAgentID, metadata)
	if err != nil {
		if errors.Is(err, hierarchy.ErrDepthLimitExceeded) || errors.Is(err, hierarchy.ErrChildrenLimitExceeded) {
			return &DelegateResult{Reason: err.Error()}, nil
		}
		return nil, err
	}

	claim, err := c.store.Claim(ctx, taskID, sessionID, 0, metadata)
	if err != nil {
		c.rollbackChild(childAgentID)
		return nil, err
	}
	if !claim.Claimed {
		c.rollbackChild(childAgentID)
		return &DelegateResult{
			Reason:        claim.ErrorCode,
			ExistingClaim: claim.ExistingClaim,
		}, nil
	}

	if _, err := c.machine.Register(childAgentID, metadata); err != nil {
		c.rollbackChild(childAgentID)
		return nil, err
	}
	child, err := c.machine.UpdateStateWithVersion(childAgentID, state.StateActive, 1, nil)
	if err != nil {
		return nil, fmt.Errorf("activate child %s: %w", childAgentID, err)
	}

	delegation, err := c.tree.RegisterDelegation(parentAgentID, childAgentID, taskID, parentDelegationID)
	if err != nil {
		return nil, err
	}

	c.logger.Info("delegated task",
		"task_id", taskID,
		"parent_agent", parentAgentID,
		"child_agent", childAgentID,
		"delegation_id", delegation.DelegationID,
		"depth", node.Depth,
	)
	return &DelegateResult{Delegated: true, Delegation: delegation, Child: child}, nil
}

// rollbackChild undoes a node registration after a later step failed. Best
// effort; the prune also orphans any delegation already recorded.
func (c *Coordinator) rollbackChild(childAgentID string) {
	if _, err := c.tree.PruneHierarchy(childAgentID); err != nil {
		c.logger.Warn("rollback prune failed", "agent_id", childAgentID, "error", err)
	}
}

// CompleteDelegation marks the delegation completed, records the child's
// result on the parent, transitions the child to COMPLETED, and releases the
// task claim.
func (c *Coordinator) CompleteDelegation(ctx context.Context, delegationID, sessionID string, result shared.Metadata) error {
	d := c.tree.GetDelegation(delegationID)
	if d == nil {
		return fmt.Errorf("%w: %s", hierarchy.ErrDelegationNotFound, delegationID)
	}

	if _, err := c.tree.UpdateDelegationStatus(delegationID, hierarchy.DelegationCompleted, result); err != nil {
		return err
	}
	if err := c.transitionWithRetry(d.ChildAgentID, state.StateCompleted, result); err != nil {
		return err
	}
	if err := c.machine.RecordChildResult(d.ParentAgentID, d.ChildAgentID, result); err != nil {
		return err
	}

	released, err := c.store.Release(ctx, d.TaskID, sessionID, "completed")
	if err != nil {
		return err
	}
	if !released.Released {
		c.logger.Warn("claim release on completion did not release",
			"task_id", d.TaskID, "code", released.ErrorCode)
	}
	return nil
}

// FailDelegation marks the delegation failed, runs the failure cascade, and
// releases the task claim so another session can pick the task up.
func (c *Coordinator) FailDelegation(ctx context.Context, delegationID, sessionID string, canRetry bool) (*state.ChildFailureOutcome, error) {
	d := c.tree.GetDelegation(delegationID)
	if d == nil {
		return nil, fmt.Errorf("%w: %s", hierarchy.ErrDelegationNotFound, delegationID)
	}

	outcome, err := c.machine.HandleChildFailure(d.ParentAgentID, d.ChildAgentID, canRetry)
	if err != nil {
		return nil, err
	}
	if outcome.ShouldRetry {
		// The child gets another attempt; the delegation and claim stay live.
		return outcome, nil
	}

	if _, err := c.tree.UpdateDelegationStatus(delegationID, hierarchy.DelegationFailed, nil); err != nil {
		return nil, err
	}
	if _, err := c.store.Release(ctx, d.TaskID, sessionID, "failed"); err != nil {
		return nil, err
	}
	return outcome, nil
}

// DeregisterSession ends the session and bulk-releases every claim it held.
func (c *Coordinator) DeregisterSession(ctx context.Context, sessionID string) (persistence.SessionReleaseResult, error) {
	if err := c.store.EndSession(ctx, sessionID); err != nil {
		return persistence.SessionReleaseResult{}, err
	}
	res, err := c.store.ReleaseForSession(ctx, sessionID, "session_ended")
	if err != nil {
		return persistence.SessionReleaseResult{}, err
	}
	c.logger.Info("session deregistered", "session_id", sessionID, "released_claims", res.Count)
	return res, nil
}

// transitionWithRetry performs a compare-and-set transition, re-reading the
// version on optimistic-lock conflicts. Bounded; state churn on a single
// agent is rare enough that three attempts covers it.
func (c *Coordinator) transitionWithRetry(agentID string, to state.State, data shared.Metadata) error {
	var lockErr *state.OptimisticLockError
	for attempt := 0; attempt < 3; attempt++ {
		cur := c.machine.Get(agentID)
		if cur == nil {
			return fmt.Errorf("%w: %s", state.ErrAgentNotFound, agentID)
		}
		_, err := c.machine.UpdateStateWithVersion(agentID, to, cur.Version, data)
		if err == nil {
			return nil
		}
		if !errors.As(err, &lockErr) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return fmt.Errorf("transition %s -> %s: %w", agentID, to, lockErr)
}
