// Package ledger defines the append-only balance log.
package ledger

import (
	"time"

	"github.com/lovendo/momentcore/internal/app/domain/coin"
)

// EntryType classifies a balance movement.
type EntryType string

const (
	EntryCredit        EntryType = "credit"         // Admin or payment-rail top-up
	EntryGiftDebit     EntryType = "gift_debit"     // Direct gift leaving the giver
	EntryGiftCredit    EntryType = "gift_credit"    // Direct gift reaching the receiver
	EntryEscrowHold    EntryType = "escrow_hold"    // Available moved to pending
	EntryEscrowRelease EntryType = "escrow_release" // Pending paid out to the recipient
	EntryEscrowPayout  EntryType = "escrow_payout"  // Recipient side of a release
	EntryEscrowRefund  EntryType = "escrow_refund"  // Pending returned to the giver
	EntryCommission    EntryType = "commission"     // Platform share taken at release
)

// Entry is one immutable balance movement. Deltas are signed.
type Entry struct {
	ID             string      `json:"id"`
	AccountID      string      `json:"account_id"`
	Type           EntryType   `json:"type"`
	AvailableDelta coin.Amount `json:"available_delta"`
	PendingDelta   coin.Amount `json:"pending_delta"`
	AvailableAfter coin.Amount `json:"available_after"`
	PendingAfter   coin.Amount `json:"pending_after"`
	ReferenceType  string      `json:"reference_type"`
	ReferenceID    string      `json:"reference_id"`
	CreatedAt      time.Time   `json:"created_at"`
}
