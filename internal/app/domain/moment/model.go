// Package moment defines the Moment listing and its lifecycle state machine.
package moment

import (
	"time"

	"github.com/lovendo/momentcore/internal/app/domain/coin"
	"github.com/lovendo/momentcore/internal/app/domain/tier"
)

// Status is a lifecycle state of a moment.
type Status string

const (
	StatusDraft            Status = "draft"
	StatusPublished        Status = "published"
	StatusFlagged          Status = "flagged"
	StatusSuspended        Status = "suspended"
	StatusClaimed          Status = "claimed"
	StatusConsumed         Status = "consumed"
	StatusProofSubmitted   Status = "proof_submitted"
	StatusProofFlaggedByAI Status = "proof_flagged_by_ai"
	StatusProofApproved    Status = "proof_approved"
	StatusProofRejected    Status = "proof_rejected"
	StatusClosed           Status = "closed"
)

// Moment is an experience listing.
type Moment struct {
	ID               string      `json:"id"`
	OwnerID          string      `json:"owner_id"`
	Title            string      `json:"title"`
	Price            coin.Amount `json:"price"`
	PriceTier        tier.Tier   `json:"price_tier"`
	Status           Status      `json:"status"`
	SuspendedFrom    Status      `json:"suspended_from,omitempty"`
	MaxContributors  *int        `json:"max_contributors"`
	ContributorCount int         `json:"current_unique_contributor_count"`
	SuspicionScore   float64     `json:"suspicion_score,omitempty"`
	SuspicionReason  string      `json:"suspicion_reason,omitempty"`
	Version          int64       `json:"version"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// New builds a draft moment, deriving its tier and contributor cap from price.
func New(id, ownerID, title string, price coin.Amount, now time.Time) Moment {
	return Moment{
		ID:              id,
		OwnerID:         ownerID,
		Title:           title,
		Price:           price,
		PriceTier:       tier.Classify(price),
		Status:          StatusDraft,
		MaxContributors: tier.ContributorCap(price),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Claimable reports whether a claim may be created right now.
func (m Moment) Claimable() bool { return m.Status == StatusPublished }

// Discoverable reports whether the moment shows up in discovery.
func (m Moment) Discoverable() bool {
	switch m.Status {
	case StatusDraft, StatusSuspended, StatusClosed:
		return false
	}
	return true
}

// CapReached reports whether the unique contributor cap is full.
func (m Moment) CapReached() bool {
	return m.MaxContributors != nil && m.ContributorCount >= *m.MaxContributors
}
