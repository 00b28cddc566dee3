// Package escrow defines held coin transfers and their resolution outcomes.
package escrow

import (
	"time"

	"github.com/lovendo/momentcore/internal/app/domain/coin"
	"github.com/lovendo/momentcore/internal/app/domain/gift"
)

// Status is the state of an escrow transaction. Every state but pending is terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReleased  Status = "released"
	StatusRefunded  Status = "refunded"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s ends the escrow.
func (s Status) Terminal() bool { return s != StatusPending }

// Outcome is a requested resolution.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
	OutcomeExpire  Outcome = "expire"
	OutcomeCancel  Outcome = "cancel"
)

// Status returns the terminal state an outcome leads to.
func (o Outcome) Status() Status {
	switch o {
	case OutcomeRelease:
		return StatusReleased
	case OutcomeRefund:
		return StatusRefunded
	case OutcomeExpire:
		return StatusExpired
	case OutcomeCancel:
		return StatusCancelled
	}
	return ""
}

// GiftStatus returns the gift state that follows the outcome.
func (o Outcome) GiftStatus() gift.Status {
	switch o {
	case OutcomeRelease:
		return gift.StatusCompleted
	case OutcomeCancel:
		return gift.StatusCancelled
	default:
		return gift.StatusRefunded
	}
}

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool { return o.Status() != "" }

// Release conditions recorded on creation.
const (
	ConditionProofApproved = "proof_approved"
	ConditionManual        = "manual"
)

// Transaction holds coin in the sender's pending balance until resolved.
type Transaction struct {
	ID               string      `json:"id"`
	GiftID           string      `json:"gift_id"`
	SenderID         string      `json:"sender_id"`
	RecipientID      string      `json:"recipient_id"`
	MomentID         string      `json:"moment_id,omitempty"`
	Amount           coin.Amount `json:"amount"`
	Status           Status      `json:"status"`
	ExpiresAt        time.Time   `json:"expires_at"`
	ReleaseCondition string      `json:"release_condition"`
	Commission       coin.Amount `json:"commission"`
	ResolvedAt       *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy       string      `json:"resolved_by,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

// Expired reports whether a pending escrow passed its horizon at now.
func (t Transaction) Expired(now time.Time) bool {
	return t.Status == StatusPending && !now.Before(t.ExpiresAt)
}
