package storage

import (
	"context"
	"time"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	"github.com/lovendo/momentcore/internal/app/domain/audit"
	"github.com/lovendo/momentcore/internal/app/domain/chat"
	"github.com/lovendo/momentcore/internal/app/domain/claim"
	"github.com/lovendo/momentcore/internal/app/domain/coin"
	"github.com/lovendo/momentcore/internal/app/domain/decision"
	"github.com/lovendo/momentcore/internal/app/domain/escrow"
	"github.com/lovendo/momentcore/internal/app/domain/gift"
	"github.com/lovendo/momentcore/internal/app/domain/ledger"
	"github.com/lovendo/momentcore/internal/app/domain/moment"
	"github.com/lovendo/momentcore/internal/app/domain/proof"
)

// AccountStore persists accounts, balances and restrictions.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	GetAccount(ctx context.Context, id string) (account.Account, error)
	// AdjustBalance applies signed deltas atomically and fails with
	// INSUFFICIENT_BALANCE when either balance would drop below zero.
	AdjustBalance(ctx context.Context, id string, available, pending coin.Amount, at time.Time) (account.Account, error)
	SetAccountDisabled(ctx context.Context, id string, disabled bool, at time.Time) (account.Account, error)

	AddRestriction(ctx context.Context, r account.Restriction) (account.Restriction, error)
	ListRestrictions(ctx context.Context, accountID string) ([]account.Restriction, error)
}

// LedgerStore persists the append-only balance log.
type LedgerStore interface {
	AppendEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error)
	ListEntries(ctx context.Context, accountID string, limit int) ([]ledger.Entry, error)
}

// MomentStore persists moments and their contributor sets.
type MomentStore interface {
	CreateMoment(ctx context.Context, m moment.Moment) (moment.Moment, error)
	GetMoment(ctx context.Context, id string) (moment.Moment, error)
	// UpdateMomentStatus writes m's status fields if the stored status still
	// equals expected, else STALE_STATE.
	UpdateMomentStatus(ctx context.Context, m moment.Moment, expected moment.Status) (moment.Moment, error)
	RecordSuspicion(ctx context.Context, id string, score float64, reason string, at time.Time) error

	// AddContributor inserts giverID into the moment's contributor set. It
	// reports false for an existing member and fails with
	// CONTRIBUTOR_CAP_EXCEEDED when a new member would pass the cap.
	AddContributor(ctx context.Context, momentID, giverID string) (bool, error)
	RemoveContributor(ctx context.Context, momentID, giverID string) error
	IsContributor(ctx context.Context, momentID, giverID string) (bool, error)
}

// ClaimStore persists claims. At most one active claim exists per moment.
type ClaimStore interface {
	// CreateClaim fails with CLAIM_CONFLICT when the moment already has an
	// active claim.
	CreateClaim(ctx context.Context, c claim.Claim) (claim.Claim, error)
	GetClaim(ctx context.Context, id string) (claim.Claim, error)
	GetActiveClaim(ctx context.Context, momentID string) (claim.Claim, error)
	// UpdateClaim writes c if the stored status still equals expected.
	UpdateClaim(ctx context.Context, c claim.Claim, expected claim.Status) (claim.Claim, error)
	ListActiveClaims(ctx context.Context) ([]claim.Claim, error)
}

// ProofStore persists proof submissions.
type ProofStore interface {
	CreateProof(ctx context.Context, p proof.Proof) (proof.Proof, error)
	GetProof(ctx context.Context, id string) (proof.Proof, error)
	UpdateProof(ctx context.Context, p proof.Proof, expected proof.Status) (proof.Proof, error)
	ListProofsByClaim(ctx context.Context, claimID string) ([]proof.Proof, error)
	ListOpenProofs(ctx context.Context) ([]proof.Proof, error)
}

// GiftStore persists gifts and their escrow transactions.
type GiftStore interface {
	CreateGift(ctx context.Context, g gift.Gift) (gift.Gift, error)
	GetGift(ctx context.Context, id string) (gift.Gift, error)
	UpdateGiftStatus(ctx context.Context, id string, status gift.Status, at time.Time) error

	CreateEscrow(ctx context.Context, e escrow.Transaction) (escrow.Transaction, error)
	GetEscrow(ctx context.Context, id string) (escrow.Transaction, error)
	// ResolveEscrow moves a pending escrow to status. It reports false, with
	// no change, when the escrow is no longer pending.
	ResolveEscrow(ctx context.Context, id string, status escrow.Status, commission coin.Amount, by string, at time.Time) (bool, error)
	// ListPendingEscrows lists pending escrows of momentID, or of every moment
	// when momentID is empty.
	ListPendingEscrows(ctx context.Context, momentID string) ([]escrow.Transaction, error)
	// CountHeldEscrows counts senderID's escrows on momentID that still back
	// a gift, meaning pending or released.
	CountHeldEscrows(ctx context.Context, momentID, senderID string) (int, error)
}

// ChatStore persists unlock requests and messages.
type ChatStore interface {
	CreateUnlock(ctx context.Context, r chat.UnlockRequest) (chat.UnlockRequest, error)
	GetUnlock(ctx context.Context, id string) (chat.UnlockRequest, error)
	UpdateUnlock(ctx context.Context, r chat.UnlockRequest, expected chat.UnlockStatus) (chat.UnlockRequest, error)
	ListUnlocks(ctx context.Context, momentID string) ([]chat.UnlockRequest, error)

	CreateMessage(ctx context.Context, msg chat.Message) (chat.Message, error)
	ListMessages(ctx context.Context, momentID string, limit int) ([]chat.Message, error)
}

// AuditStore persists audit records. There is no update or delete.
type AuditStore interface {
	AppendAudit(ctx context.Context, r audit.Record) (audit.Record, error)
	ListAudit(ctx context.Context, f audit.Filter) ([]audit.Record, error)
}

// DecisionStore persists the admin decision log.
type DecisionStore interface {
	AppendDecision(ctx context.Context, d decision.Decision) (decision.Decision, error)
	ListDecisions(ctx context.Context, entityType, entityID string) ([]decision.Decision, error)
}

// Tx exposes every store bound to one transaction.
type Tx interface {
	AccountStore
	LedgerStore
	MomentStore
	ClaimStore
	ProofStore
	GiftStore
	ChatStore
	AuditStore
	DecisionStore
}

// Store runs units of work. WithinTx commits when fn returns nil and rolls
// back otherwise. View runs fn against a read-only snapshot.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
