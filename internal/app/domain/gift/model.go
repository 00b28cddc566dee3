package gift

import (
	"time"

	"github.com/lovendo/momentcore/internal/app/domain/coin"
	"github.com/lovendo/momentcore/internal/app/domain/tier"
)

// Status is the state of a gift.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
	StatusDisputed  Status = "disputed"
)

// Gift is a coin transfer from giver to receiver, optionally tied to a moment.
type Gift struct {
	ID         string      `json:"id"`
	GiverID    string      `json:"giver_id"`
	ReceiverID string      `json:"receiver_id"`
	MomentID   string      `json:"moment_id,omitempty"`
	Amount     coin.Amount `json:"amount"`
	Tier       tier.Tier   `json:"tier"`
	Status     Status      `json:"status"`
	EscrowID   string      `json:"escrow_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Escrowed reports whether the gift is held in escrow.
func (g Gift) Escrowed() bool { return g.EscrowID != "" }
