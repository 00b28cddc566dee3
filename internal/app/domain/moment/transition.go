package moment

import (
	"time"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	apperrors "github.com/lovendo/momentcore/internal/errors"
)

// Event drives a moment from one status to another.
type Event string

const (
	EventPublish      Event = "publish"
	EventFlag         Event = "flag"
	EventSuspend      Event = "suspend"
	EventUnsuspend    Event = "unsuspend"
	EventClearFlag    Event = "clear_flag"
	EventClaim        Event = "claim"
	EventReleaseClaim Event = "release_claim"
	EventConsume      Event = "consume"
	EventSubmitProof  Event = "submit_proof"
	EventAIFlagProof  Event = "ai_flag_proof"
	EventApproveProof Event = "approve_proof"
	EventRejectProof  Event = "reject_proof"
	EventClose        Event = "close"
	EventLapseProof   Event = "lapse_proof"
)

// Guard names who may fire a rule.
type Guard int

const (
	// GuardAny leaves participant checks to the calling service.
	GuardAny Guard = iota
	// GuardOwner allows only the moment owner.
	GuardOwner
	// GuardAdmin allows admin and super_admin.
	GuardAdmin
	// GuardSystem allows the system actor and admins acting on its behalf.
	GuardSystem
)

// Rule is one row of the lifecycle table.
type Rule struct {
	From  Status
	Event Event
	To    Status
	Guard Guard
}

// AdminOnly reports whether the rule is an admin decision.
func (r Rule) AdminOnly() bool { return r.Guard == GuardAdmin }

// Rules is the complete lifecycle table. Any (status, event) pair missing here
// is rejected.
var Rules = []Rule{
	{StatusDraft, EventPublish, StatusPublished, GuardOwner},
	{StatusPublished, EventFlag, StatusFlagged, GuardSystem},
	{StatusFlagged, EventClearFlag, StatusPublished, GuardAdmin},

	{StatusPublished, EventSuspend, StatusSuspended, GuardAdmin},
	{StatusFlagged, EventSuspend, StatusSuspended, GuardAdmin},
	{StatusClaimed, EventSuspend, StatusSuspended, GuardAdmin},
	{StatusConsumed, EventSuspend, StatusSuspended, GuardAdmin},
	{StatusProofSubmitted, EventSuspend, StatusSuspended, GuardAdmin},
	{StatusProofFlaggedByAI, EventSuspend, StatusSuspended, GuardAdmin},
	{StatusProofRejected, EventSuspend, StatusSuspended, GuardAdmin},
	// To is resolved from SuspendedFrom.
	{StatusSuspended, EventUnsuspend, StatusPublished, GuardAdmin},

	{StatusPublished, EventClaim, StatusClaimed, GuardAny},
	{StatusClaimed, EventReleaseClaim, StatusPublished, GuardAny},
	{StatusClaimed, EventConsume, StatusConsumed, GuardAny},
	{StatusConsumed, EventLapseProof, StatusPublished, GuardSystem},
	{StatusProofRejected, EventLapseProof, StatusPublished, GuardSystem},

	{StatusConsumed, EventSubmitProof, StatusProofSubmitted, GuardAny},
	{StatusProofRejected, EventSubmitProof, StatusProofSubmitted, GuardAny},
	{StatusProofSubmitted, EventAIFlagProof, StatusProofFlaggedByAI, GuardSystem},
	{StatusProofSubmitted, EventApproveProof, StatusProofApproved, GuardAdmin},
	{StatusProofFlaggedByAI, EventApproveProof, StatusProofApproved, GuardAdmin},
	{StatusProofSubmitted, EventRejectProof, StatusProofRejected, GuardAdmin},
	{StatusProofFlaggedByAI, EventRejectProof, StatusProofRejected, GuardAdmin},
	{StatusProofApproved, EventClose, StatusClosed, GuardSystem},
}

// Lookup returns the rule for (from, ev).
func Lookup(from Status, ev Event) (Rule, bool) {
	for _, r := range Rules {
		if r.From == from && r.Event == ev {
			return r, true
		}
	}
	return Rule{}, false
}

// Transition returns the status m moves into when actor fires ev. It has no
// side effects.
func Transition(m Moment, ev Event, actor account.Actor) (Status, error) {
	r, ok := Lookup(m.Status, ev)
	if !ok {
		return m.Status, apperrors.InvalidTransition("moment", string(m.Status), string(ev))
	}
	if !permitted(r.Guard, m, actor) {
		return m.Status, apperrors.Unauthorized(string(ev))
	}
	if ev == EventUnsuspend {
		return resumeStatus(m.SuspendedFrom), nil
	}
	return r.To, nil
}

// Apply runs Transition and returns the updated moment.
func Apply(m Moment, ev Event, actor account.Actor, now time.Time) (Moment, error) {
	to, err := Transition(m, ev, actor)
	if err != nil {
		return m, err
	}
	switch {
	case to == StatusSuspended:
		m.SuspendedFrom = m.Status
	case m.Status == StatusSuspended:
		m.SuspendedFrom = ""
	}
	m.Status = to
	m.Version++
	m.UpdatedAt = now
	return m, nil
}

func resumeStatus(from Status) Status {
	switch from {
	case StatusClaimed, StatusConsumed, StatusProofSubmitted, StatusProofFlaggedByAI, StatusProofRejected:
		return from
	default:
		return StatusPublished
	}
}

func permitted(g Guard, m Moment, actor account.Actor) bool {
	switch g {
	case GuardOwner:
		return actor.ID != "" && actor.ID == m.OwnerID
	case GuardAdmin:
		return actor.IsAdmin()
	case GuardSystem:
		return actor.IsSystem() || actor.IsAdmin()
	default:
		return actor.ID != ""
	}
}
