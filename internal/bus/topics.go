package bus

import "time"

// Claim event topics.
const (
	TopicClaimClaimed   = "claim.claimed"
	TopicClaimExpired   = "claim.expired"
	TopicClaimOrphaned  = "claim.orphaned"
	TopicClaimReleased  = "claim.released"
	TopicClaimsCleanup  = "claims.cleanup"
	TopicSessionCleanup = "claims.session_cleanup"
)

// Hierarchy and delegation event topics.
const (
	TopicHierarchyRegistered  = "hierarchy.registered"
	TopicHierarchyPruned      = "hierarchy.pruned"
	TopicDelegationRegistered = "delegation.registered"
	TopicDelegationUpdated    = "delegation.updated"
)

// State machine event topics.
const (
	TopicNodeStatusChanged = "node.status_changed"
	TopicDegradation       = "degradation"
	TopicResourceRelease   = "resource.release"
	TopicCleanup           = "cleanup"
)

// ClaimEvent is published when a claim is granted, renewed, released,
// expired, or orphaned.
type ClaimEvent struct {
	TaskID     string // Task the claim covers
	SessionID  string // Owning session
	Reason     string // "manual", "session_ended", "lease_expired", ...
	HeldForMs  int64  // Time the claim was held (release events)
	StaleForMs int64  // Heartbeat staleness (orphan events)
}

// CleanupEvent summarizes one sweep pass.
type CleanupEvent struct {
	Type  string // "expired" or "orphaned"
	Count int    // Rows removed
}

// SessionCleanupEvent is published after a bulk release for one session.
type SessionCleanupEvent struct {
	SessionID string
	Reason    string
	Count     int
}

// HierarchyEvent is published on node registration or pruning.
type HierarchyEvent struct {
	ParentID string // Empty for roots
	AgentID  string
	Depth    int
}

// DelegationEvent is published when a delegation is registered or updated.
type DelegationEvent struct {
	DelegationID string
	ParentAgent  string
	ChildAgent   string
	TaskID       string
	Status       string
}

// StateChangeEvent is published on every committed agent state transition.
type StateChangeEvent struct {
	AgentID  string
	OldState string
	NewState string
	Version  int64
}

// DegradationEvent signals that an agent should shrink scope or fall back
// to a simpler strategy. It is advisory, not a state transition.
type DegradationEvent struct {
	AgentID  string
	Reason   string
	NewScope string
	Strategy string
}

// ResourceReleaseEvent asks callers to free resources tied to a terminated
// agent (locks, budgets).
type ResourceReleaseEvent struct {
	AgentID string
	Reason  string // "timeout" or "abort"
	At      time.Time
}
