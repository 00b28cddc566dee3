// Package audit defines the append-only record written by every policy decision.
package audit

import "time"

// Actions recorded by the core.
const (
	ActionMomentCreated     = "moment.created"
	ActionMomentTransition  = "moment.transition"
	ActionClaimCreated      = "claim.created"
	ActionClaimExpired      = "claim.expired"
	ActionClaimCancelled    = "claim.cancelled"
	ActionClaimConsumed     = "claim.consumed"
	ActionClaimFailed       = "claim.failed"
	ActionProofSubmitted    = "proof.submitted"
	ActionProofFlagged      = "proof.flagged"
	ActionProofDecided      = "proof.decided"
	ActionProofOverdue      = "proof.review_overdue"
	ActionGiftCreated       = "gift.created"
	ActionEscrowResolved    = "escrow.resolved"
	ActionEscrowDisputed    = "escrow.disputed"
	ActionCommission        = "escrow.commission"
	ActionAccountCredited   = "account.credited"
	ActionRestrictionAdded  = "account.restricted"
	ActionAccountDisabled   = "account.disabled"
	ActionAccountEnabled    = "account.enabled"
	ActionSuspicionRecorded = "moment.suspicion"
	ActionChatUnlock        = "chat.unlock_requested"
	ActionChatDecision      = "chat.unlock_decided"
	ActionProviderFailure   = "provider.soft_failure"
)

// Record is one audit entry. Records are never updated or deleted.
type Record struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Filter narrows an audit listing. Zero fields match everything.
type Filter struct {
	ActorID    string
	EntityType string
	EntityID   string
	Action     string
	Limit      int
}

// Match reports whether r passes the filter.
func (f Filter) Match(r Record) bool {
	if f.ActorID != "" && r.ActorID != f.ActorID {
		return false
	}
	if f.EntityType != "" && r.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && r.EntityID != f.EntityID {
		return false
	}
	if f.Action != "" && r.Action != f.Action {
		return false
	}
	return true
}
