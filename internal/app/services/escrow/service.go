// Package escrow implements the tiered gift engine: routing by tier, the
// contributor cap, escrow holds and their resolution.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	domainaudit "github.com/lovendo/momentcore/internal/app/domain/audit"
	"github.com/lovendo/momentcore/internal/app/domain/coin"
	domain "github.com/lovendo/momentcore/internal/app/domain/escrow"
	"github.com/lovendo/momentcore/internal/app/domain/gift"
	domainledger "github.com/lovendo/momentcore/internal/app/domain/ledger"
	"github.com/lovendo/momentcore/internal/app/domain/tier"
	"github.com/lovendo/momentcore/internal/app/metrics"
	"github.com/lovendo/momentcore/internal/app/policy"
	"github.com/lovendo/momentcore/internal/app/services/audit"
	"github.com/lovendo/momentcore/internal/app/services/ledger"
	"github.com/lovendo/momentcore/internal/app/storage"
	apperrors "github.com/lovendo/momentcore/internal/errors"
	"github.com/lovendo/momentcore/internal/logging"
)

// Service routes gifts and resolves escrow.
type Service struct {
	store  storage.Store
	ledger *ledger.Service
	audit  *audit.Service
	plans  CommissionSource
	policy policy.Policy
	log    *logging.Logger
	now    func() time.Time
}

// New constructs the escrow engine. plans may be nil, in which case every
// release uses the policy default commission.
func New(store storage.Store, ledgerSvc *ledger.Service, auditor *audit.Service, plans CommissionSource, pol policy.Policy, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("escrow")
	}
	return &Service{
		store:  store,
		ledger: ledgerSvc,
		audit:  auditor,
		plans:  plans,
		policy: pol,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// GiftRequest describes a gift. ReceiverID defaults to the moment owner when
// MomentID is set.
type GiftRequest struct {
	ReceiverID string      `json:"receiver_id"`
	MomentID   string      `json:"moment_id"`
	Amount     coin.Amount `json:"amount"`
	Escrow     bool        `json:"escrow"`
}

// GiftResult is the outcome of CreateGift.
type GiftResult struct {
	Gift   gift.Gift           `json:"gift"`
	Escrow *domain.Transaction `json:"escrow,omitempty"`
}

// CreateGift moves coin from the actor to the receiver, either directly or
// through a pending escrow depending on the amount's tier.
func (s *Service) CreateGift(ctx context.Context, actor account.Actor, req GiftRequest) (GiftResult, error) {
	if actor.ID == "" {
		return GiftResult{}, apperrors.Unauthenticated("missing actor")
	}
	if req.Amount <= 0 {
		return GiftResult{}, apperrors.InvalidInput("amount", "must be positive")
	}
	req.ReceiverID = strings.TrimSpace(req.ReceiverID)
	req.MomentID = strings.TrimSpace(req.MomentID)

	var res GiftResult
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		var err error
		res, err = s.createGiftTx(ctx, tx, actor, req)
		return err
	})
	if err != nil {
		return GiftResult{}, err
	}

	entry := s.log.WithContext(ctx).
		WithField("gift_id", res.Gift.ID).
		WithField("tier", res.Gift.Tier).
		WithField("amount", res.Gift.Amount.String())
	if res.Escrow != nil {
		entry = entry.WithField("escrow_id", res.Escrow.ID)
	}
	entry.Info("gift created")
	return res, nil
}

func (s *Service) createGiftTx(ctx context.Context, tx storage.Tx, actor account.Actor, req GiftRequest) (GiftResult, error) {
	now := s.now()
	var momentTier tier.Tier
	if req.MomentID != "" {
		m, err := tx.GetMoment(ctx, req.MomentID)
		if err != nil {
			return GiftResult{}, err
		}
		if !m.Discoverable() {
			return GiftResult{}, apperrors.InvalidTransition("moment", string(m.Status), "gift")
		}
		if req.ReceiverID == "" {
			req.ReceiverID = m.OwnerID
		} else if req.ReceiverID != m.OwnerID {
			return GiftResult{}, apperrors.InvalidInput("receiver_id", "must be the moment owner")
		}
		momentTier = m.PriceTier
	}
	if req.ReceiverID == "" {
		return GiftResult{}, apperrors.InvalidInput("receiver_id", "required")
	}
	if req.ReceiverID == actor.ID {
		return GiftResult{}, apperrors.ErrSelfDealingRejected.WithDetails("receiver_id", req.ReceiverID)
	}
	if err := s.ledger.CheckRestriction(ctx, tx, actor.ID, account.RestrictionGiftBan); err != nil {
		return GiftResult{}, err
	}
	if _, err := s.ledger.EnsureAccountTx(ctx, tx, actor.ID); err != nil {
		return GiftResult{}, err
	}
	if _, err := s.ledger.EnsureAccountTx(ctx, tx, req.ReceiverID); err != nil {
		return GiftResult{}, err
	}

	g := gift.Gift{
		ID:         uuid.NewString(),
		GiverID:    actor.ID,
		ReceiverID: req.ReceiverID,
		MomentID:   req.MomentID,
		Amount:     req.Amount,
		Tier:       tier.Classify(req.Amount),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if !tier.RequiresEscrow(req.Amount, req.Escrow, momentTier) {
		if _, _, err := s.ledger.Post(ctx, tx, ledger.Movement{
			AccountID: g.GiverID, Type: domainledger.EntryGiftDebit, Available: -g.Amount,
			ReferenceType: "gift", ReferenceID: g.ID,
		}); err != nil {
			return GiftResult{}, err
		}
		if _, _, err := s.ledger.Post(ctx, tx, ledger.Movement{
			AccountID: g.ReceiverID, Type: domainledger.EntryGiftCredit, Available: g.Amount,
			ReferenceType: "gift", ReferenceID: g.ID,
		}); err != nil {
			return GiftResult{}, err
		}
		g.Status = gift.StatusCompleted
		created, err := tx.CreateGift(ctx, g)
		if err != nil {
			return GiftResult{}, err
		}
		if err := s.recordGift(ctx, tx, actor, created, nil); err != nil {
			return GiftResult{}, err
		}
		return GiftResult{Gift: created}, nil
	}

	newContributor := false
	if g.MomentID != "" {
		added, err := tx.AddContributor(ctx, g.MomentID, g.GiverID)
		if err != nil {
			return GiftResult{}, err
		}
		newContributor = added
	}
	if _, _, err := s.ledger.Post(ctx, tx, ledger.Movement{
		AccountID: g.GiverID, Type: domainledger.EntryEscrowHold, Available: -g.Amount, Pending: g.Amount,
		ReferenceType: "gift", ReferenceID: g.ID,
	}); err != nil {
		return GiftResult{}, err
	}

	e := domain.Transaction{
		ID:               uuid.NewString(),
		GiftID:           g.ID,
		SenderID:         g.GiverID,
		RecipientID:      g.ReceiverID,
		MomentID:         g.MomentID,
		Amount:           g.Amount,
		Status:           domain.StatusPending,
		ExpiresAt:        now.Add(s.policy.EscrowHorizon),
		ReleaseCondition: domain.ConditionManual,
		CreatedAt:        now,
	}
	if g.MomentID != "" {
		e.ReleaseCondition = domain.ConditionProofApproved
	}
	g.Status = gift.StatusPending
	g.EscrowID = e.ID
	created, err := tx.CreateGift(ctx, g)
	if err != nil {
		return GiftResult{}, err
	}
	held, err := tx.CreateEscrow(ctx, e)
	if err != nil {
		return GiftResult{}, err
	}
	if err := s.recordGift(ctx, tx, actor, created, map[string]any{
		"escrow_id":       held.ID,
		"expires_at":      held.ExpiresAt,
		"new_contributor": newContributor,
	}); err != nil {
		return GiftResult{}, err
	}
	return GiftResult{Gift: created, Escrow: &held}, nil
}

func (s *Service) recordGift(ctx context.Context, tx storage.Tx, actor account.Actor, g gift.Gift, extra map[string]any) error {
	meta := map[string]any{
		"amount":      g.Amount.String(),
		"tier":        string(g.Tier),
		"receiver_id": g.ReceiverID,
		"moment_id":   g.MomentID,
		"status":      string(g.Status),
	}
	for k, v := range extra {
		meta[k] = v
	}
	_, err := s.audit.Record(ctx, tx, audit.Entry{
		Actor:      actor,
		Action:     domainaudit.ActionGiftCreated,
		EntityType: "gift",
		EntityID:   g.ID,
		Metadata:   meta,
	})
	return err
}

// Rates maps a sender account to its quoted commission percentage.
type Rates map[string]decimal.Decimal

func (r Rates) rate(senderID string, fallback decimal.Decimal) decimal.Decimal {
	if v, ok := r[senderID]; ok {
		return v
	}
	return fallback
}

// Quote resolves commission rates for senders. It never fails: a source
// error falls back to the default rate and is recorded as a soft failure.
func (s *Service) Quote(ctx context.Context, senderIDs ...string) Rates {
	rates := make(Rates, len(senderIDs))
	for _, id := range senderIDs {
		if _, done := rates[id]; done {
			continue
		}
		rates[id] = s.quoteOne(ctx, id)
	}
	return rates
}

func (s *Service) quoteOne(ctx context.Context, senderID string) decimal.Decimal {
	if s.plans == nil {
		return s.policy.DefaultCommission
	}
	var planID string
	_ = s.store.View(ctx, func(tx storage.Tx) error {
		acct, err := tx.GetAccount(ctx, senderID)
		if err == nil {
			planID = acct.PlanID
		}
		return nil
	})
	if planID == "" {
		return s.policy.DefaultCommission
	}
	rate, err := s.plans.CommissionRate(ctx, planID)
	switch {
	case err == nil:
		return rate
	case errors.Is(err, ErrUnknownPlan):
		return s.policy.DefaultCommission
	}
	metrics.RecordProviderFailure("commission")
	s.log.WithContext(ctx).WithError(err).WithField("plan_id", planID).Warn("commission source unavailable, using default rate")
	s.audit.RecordNow(ctx, audit.Entry{
		Actor:      account.System(),
		Action:     domainaudit.ActionProviderFailure,
		EntityType: "plan",
		EntityID:   planID,
		Metadata:   map[string]any{"provider": "commission", "error": err.Error()},
	})
	return s.policy.DefaultCommission
}

// QuoteMoment quotes every sender with pending escrow on a moment.
func (s *Service) QuoteMoment(ctx context.Context, momentID string) Rates {
	var senders []string
	_ = s.store.View(ctx, func(tx storage.Tx) error {
		pending, err := tx.ListPendingEscrows(ctx, momentID)
		if err != nil {
			return err
		}
		for _, e := range pending {
			senders = append(senders, e.SenderID)
		}
		return nil
	})
	return s.Quote(ctx, senders...)
}

// UnquotedSendersError is returned by ResolveForMoment when a release meets
// senders missing from the quoted rates, usually escrows created after the
// quote was taken. Callers quote the senders and retry the transaction.
type UnquotedSendersError struct {
	Senders []string
}

func (e *UnquotedSendersError) Error() string {
	return fmt.Sprintf("no commission rate quoted for %d sender(s)", len(e.Senders))
}

// Merge adds rates for senders not yet present.
func (r Rates) Merge(more Rates) {
	for id, rate := range more {
		if _, ok := r[id]; !ok {
			r[id] = rate
		}
	}
}

// Resolution is the outcome of resolving one escrow.
type Resolution struct {
	Escrow          domain.Transaction `json:"escrow"`
	Gift            gift.Gift          `json:"gift"`
	AlreadyResolved bool               `json:"already_resolved"`
}

// Resolve is the admin override for a single escrow. Resolving an escrow that
// already left pending is a no-op reporting its terminal state.
func (s *Service) Resolve(ctx context.Context, actor account.Actor, escrowID string, outcome domain.Outcome, reason string) (Resolution, error) {
	if !outcome.Valid() {
		return Resolution{}, apperrors.InvalidInput("outcome", "must be release, refund, expire or cancel")
	}
	if !actor.IsAdmin() {
		return Resolution{}, apperrors.Unauthorized("escrow." + string(outcome))
	}
	var rates Rates
	if outcome == domain.OutcomeRelease {
		var sender string
		_ = s.store.View(ctx, func(tx storage.Tx) error {
			e, err := tx.GetEscrow(ctx, escrowID)
			sender = e.SenderID
			return err
		})
		if sender != "" {
			rates = s.Quote(ctx, sender)
		}
	}

	var res Resolution
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		var err error
		if res, err = s.ResolveTx(ctx, tx, actor, escrowID, outcome, rates); err != nil {
			return err
		}
		if res.AlreadyResolved {
			return nil
		}
		_, err = s.audit.Decide(ctx, tx, actor, "escrow", escrowID, string(outcome), reason, false)
		return err
	})
	if err != nil {
		return Resolution{}, err
	}
	s.logResolution(ctx, res, outcome)
	return res, nil
}

// ResolveTx resolves one escrow inside tx. Disputed gifts are only resolved by
// admins.
func (s *Service) ResolveTx(ctx context.Context, tx storage.Tx, actor account.Actor, escrowID string, outcome domain.Outcome, rates Rates) (Resolution, error) {
	e, err := tx.GetEscrow(ctx, escrowID)
	if err != nil {
		return Resolution{}, err
	}
	g, err := tx.GetGift(ctx, e.GiftID)
	if err != nil {
		return Resolution{}, err
	}
	if e.Status.Terminal() {
		return Resolution{Escrow: e, Gift: g, AlreadyResolved: true}, nil
	}
	if g.Status == gift.StatusDisputed && !actor.IsAdmin() {
		return Resolution{}, apperrors.InvalidTransition("escrow", string(gift.StatusDisputed), string(outcome))
	}

	now := s.now()
	var commission coin.Amount
	if outcome == domain.OutcomeRelease {
		commission = e.Amount.Percent(rates.rate(e.SenderID, s.policy.DefaultCommission))
	}
	ok, err := tx.ResolveEscrow(ctx, e.ID, outcome.Status(), commission, actor.ID, now)
	if err != nil {
		return Resolution{}, err
	}
	if !ok {
		current, err := tx.GetEscrow(ctx, e.ID)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Escrow: current, Gift: g, AlreadyResolved: true}, nil
	}

	if outcome == domain.OutcomeRelease {
		err = s.release(ctx, tx, actor, e, commission)
	} else {
		err = s.refund(ctx, tx, e)
	}
	if err != nil {
		return Resolution{}, err
	}

	if err := tx.UpdateGiftStatus(ctx, g.ID, outcome.GiftStatus(), now); err != nil {
		return Resolution{}, err
	}
	if e.MomentID != "" && outcome != domain.OutcomeRelease {
		// Released gifts keep their giver in the contributor set.
		remaining, err := tx.CountHeldEscrows(ctx, e.MomentID, e.SenderID)
		if err != nil {
			return Resolution{}, err
		}
		if remaining == 0 {
			if err := tx.RemoveContributor(ctx, e.MomentID, e.SenderID); err != nil {
				return Resolution{}, err
			}
		}
	}

	if _, err := s.audit.Record(ctx, tx, audit.Entry{
		Actor:      actor,
		Action:     domainaudit.ActionEscrowResolved,
		EntityType: "escrow",
		EntityID:   e.ID,
		Metadata: map[string]any{
			"outcome":    string(outcome),
			"gift_id":    g.ID,
			"amount":     e.Amount.String(),
			"commission": commission.String(),
			"moment_id":  e.MomentID,
		},
	}); err != nil {
		return Resolution{}, err
	}

	resolved, err := tx.GetEscrow(ctx, e.ID)
	if err != nil {
		return Resolution{}, err
	}
	g.Status = outcome.GiftStatus()
	g.UpdatedAt = now
	return Resolution{Escrow: resolved, Gift: g}, nil
}

func (s *Service) release(ctx context.Context, tx storage.Tx, actor account.Actor, e domain.Transaction, commission coin.Amount) error {
	if _, _, err := s.ledger.Post(ctx, tx, ledger.Movement{
		AccountID: e.SenderID, Type: domainledger.EntryEscrowRelease, Pending: -e.Amount,
		ReferenceType: "escrow", ReferenceID: e.ID,
	}); err != nil {
		return err
	}
	if _, _, err := s.ledger.Post(ctx, tx, ledger.Movement{
		AccountID: e.RecipientID, Type: domainledger.EntryEscrowPayout, Available: e.Amount - commission,
		ReferenceType: "escrow", ReferenceID: e.ID,
	}); err != nil {
		return err
	}
	if commission == 0 {
		return nil
	}
	if _, err := s.ledger.EnsureAccountTx(ctx, tx, account.TreasuryAccountID, account.RoleSystem); err != nil {
		return err
	}
	if _, _, err := s.ledger.Post(ctx, tx, ledger.Movement{
		AccountID: account.TreasuryAccountID, Type: domainledger.EntryCommission, Available: commission,
		ReferenceType: "escrow", ReferenceID: e.ID,
	}); err != nil {
		return err
	}
	_, err := s.audit.Record(ctx, tx, audit.Entry{
		Actor:      actor,
		Action:     domainaudit.ActionCommission,
		EntityType: "escrow",
		EntityID:   e.ID,
		Metadata:   map[string]any{"commission": commission.String(), "sender_id": e.SenderID},
	})
	return err
}

func (s *Service) refund(ctx context.Context, tx storage.Tx, e domain.Transaction) error {
	_, _, err := s.ledger.Post(ctx, tx, ledger.Movement{
		AccountID: e.SenderID, Type: domainledger.EntryEscrowRefund, Available: e.Amount, Pending: -e.Amount,
		ReferenceType: "escrow", ReferenceID: e.ID,
	})
	return err
}

// ResolveForMoment resolves every pending escrow attached to a moment, skipping
// disputed gifts. Proof approval releases, rejection refunds.
func (s *Service) ResolveForMoment(ctx context.Context, tx storage.Tx, actor account.Actor, momentID string, outcome domain.Outcome, rates Rates) ([]Resolution, error) {
	pending, err := tx.ListPendingEscrows(ctx, momentID)
	if err != nil {
		return nil, err
	}
	var (
		todo     []domain.Transaction
		unquoted []string
	)
	for _, e := range pending {
		g, err := tx.GetGift(ctx, e.GiftID)
		if err != nil {
			return nil, err
		}
		if g.Status == gift.StatusDisputed {
			continue
		}
		if _, ok := rates[e.SenderID]; outcome == domain.OutcomeRelease && !ok {
			unquoted = append(unquoted, e.SenderID)
		}
		todo = append(todo, e)
	}
	if len(unquoted) > 0 {
		return nil, &UnquotedSendersError{Senders: unquoted}
	}

	var out []Resolution
	for _, e := range todo {
		res, err := s.ResolveTx(ctx, tx, actor, e.ID, outcome, rates)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Dispute holds an escrow out of automatic release and expiry until an admin
// resolves it.
func (s *Service) Dispute(ctx context.Context, actor account.Actor, escrowID, reason string) (gift.Gift, error) {
	if !actor.IsAdmin() {
		return gift.Gift{}, apperrors.Unauthorized("escrow.dispute")
	}
	var g gift.Gift
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		e, err := tx.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		if e.Status.Terminal() {
			return apperrors.ErrEscrowAlreadyResolved.WithDetails("status", string(e.Status))
		}
		if err := tx.UpdateGiftStatus(ctx, e.GiftID, gift.StatusDisputed, s.now()); err != nil {
			return err
		}
		if g, err = tx.GetGift(ctx, e.GiftID); err != nil {
			return err
		}
		if _, err := s.audit.Decide(ctx, tx, actor, "escrow", escrowID, "dispute", reason, true); err != nil {
			return err
		}
		_, err = s.audit.Record(ctx, tx, audit.Entry{
			Actor:      actor,
			Action:     domainaudit.ActionEscrowDisputed,
			EntityType: "escrow",
			EntityID:   escrowID,
			Metadata:   map[string]any{"gift_id": e.GiftID, "reason": reason},
		})
		return err
	})
	return g, err
}

// ExpireDue expires pending escrows past their horizon. Each escrow is
// resolved in its own transaction.
func (s *Service) ExpireDue(ctx context.Context) (int, int) {
	now := s.now()
	var due []string
	_ = s.store.View(ctx, func(tx storage.Tx) error {
		pending, err := tx.ListPendingEscrows(ctx, "")
		if err != nil {
			return err
		}
		for _, e := range pending {
			if e.Expired(now) {
				due = append(due, e.ID)
			}
		}
		return nil
	})

	expired, failed := 0, 0
	for _, id := range due {
		var res Resolution
		err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
			var err error
			res, err = s.ResolveTx(ctx, tx, account.System(), id, domain.OutcomeExpire, nil)
			return err
		})
		switch {
		case apperrors.Is(err, apperrors.ErrInvalidTransition):
			// disputed, waiting on an admin
		case err != nil:
			failed++
			s.log.WithContext(ctx).WithError(err).WithField("escrow_id", id).Warn("escrow expiry failed")
		case !res.AlreadyResolved:
			expired++
			s.logResolution(ctx, res, domain.OutcomeExpire)
		}
	}
	return expired, failed
}

// Get returns an escrow transaction. Only its parties and admins may read it.
func (s *Service) Get(ctx context.Context, actor account.Actor, escrowID string) (domain.Transaction, error) {
	var e domain.Transaction
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		e, err = tx.GetEscrow(ctx, escrowID)
		return err
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	if actor.ID != e.SenderID && actor.ID != e.RecipientID && !actor.IsAdmin() {
		return domain.Transaction{}, apperrors.Unauthorized("escrow.read")
	}
	return e, nil
}

func (s *Service) logResolution(ctx context.Context, res Resolution, outcome domain.Outcome) {
	if res.AlreadyResolved {
		s.log.WithContext(ctx).
			WithField("escrow_id", res.Escrow.ID).
			WithField("status", res.Escrow.Status).
			Debug("escrow already resolved")
		return
	}
	metrics.RecordEscrowResolution(string(outcome))
	s.log.WithContext(ctx).
		WithField("escrow_id", res.Escrow.ID).
		WithField("outcome", outcome).
		WithField("commission", res.Escrow.Commission.String()).
		Info("escrow resolved")
}

// LogResolutions logs and counts resolutions produced inside a caller's
// transaction once it committed.
func (s *Service) LogResolutions(ctx context.Context, list []Resolution, outcome domain.Outcome) {
	for _, r := range list {
		s.logResolution(ctx, r, outcome)
	}
}

