// Package claims manages claims on moments: creation, consumption,
// cancellation and the time-based expiry and failure paths.
package claims

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	domainaudit "github.com/lovendo/momentcore/internal/app/domain/audit"
	domain "github.com/lovendo/momentcore/internal/app/domain/claim"
	"github.com/lovendo/momentcore/internal/app/domain/moment"
	"github.com/lovendo/momentcore/internal/app/policy"
	"github.com/lovendo/momentcore/internal/app/services/audit"
	"github.com/lovendo/momentcore/internal/app/services/ledger"
	"github.com/lovendo/momentcore/internal/app/services/moments"
	"github.com/lovendo/momentcore/internal/app/storage"
	apperrors "github.com/lovendo/momentcore/internal/errors"
	"github.com/lovendo/momentcore/internal/logging"
)

// Service manages claims.
type Service struct {
	store   storage.Store
	moments *moments.Service
	ledger  *ledger.Service
	audit   *audit.Service
	policy  policy.Policy
	log     *logging.Logger
	now     func() time.Time
}

// New constructs the claim manager.
func New(store storage.Store, momentSvc *moments.Service, ledgerSvc *ledger.Service, auditor *audit.Service, pol policy.Policy, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("claims")
	}
	return &Service{
		store:   store,
		moments: momentSvc,
		ledger:  ledgerSvc,
		audit:   auditor,
		policy:  pol,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create claims a published moment for actor.
func (s *Service) Create(ctx context.Context, actor account.Actor, momentID string) (domain.Claim, error) {
	if actor.ID == "" {
		return domain.Claim{}, apperrors.Unauthenticated("missing actor")
	}
	var c domain.Claim
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		m, err := tx.GetMoment(ctx, momentID)
		if err != nil {
			return err
		}
		if m.OwnerID == actor.ID {
			return apperrors.ErrSelfDealingRejected.WithDetails("moment_id", momentID)
		}
		if err := s.ledger.CheckRestriction(ctx, tx, actor.ID, account.RestrictionClaimBan); err != nil {
			return err
		}
		if m.Status == moment.StatusClaimed {
			return apperrors.ErrClaimConflict.WithDetails("moment_id", momentID)
		}
		if !m.Claimable() {
			return apperrors.InvalidTransition("moment", string(m.Status), string(moment.EventClaim))
		}

		now := s.now()
		c, err = tx.CreateClaim(ctx, domain.Claim{
			ID:         uuid.NewString(),
			MomentID:   momentID,
			ClaimantID: actor.ID,
			Status:     domain.StatusActive,
			ClaimedAt:  now,
			ExpiresAt:  now.Add(s.policy.ClaimTTL),
		})
		if err != nil {
			return err
		}
		if _, err := s.moments.ApplyTx(ctx, tx, actor, momentID, moment.EventClaim, map[string]any{"claim_id": c.ID}); err != nil {
			if apperrors.Is(err, apperrors.ErrStaleState) {
				return apperrors.ErrClaimConflict.WithDetails("moment_id", momentID)
			}
			return err
		}
		_, err = s.record(ctx, tx, actor, domainaudit.ActionClaimCreated, c, map[string]any{"expires_at": c.ExpiresAt})
		return err
	})
	if err != nil {
		return domain.Claim{}, err
	}
	s.log.WithContext(ctx).
		WithField("claim_id", c.ID).
		WithField("moment_id", momentID).
		Info("moment claimed")
	return c, nil
}

// Get returns a claim to its claimant, the moment owner or an admin.
func (s *Service) Get(ctx context.Context, actor account.Actor, id string) (domain.Claim, error) {
	var c domain.Claim
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		if c, err = tx.GetClaim(ctx, id); err != nil {
			return err
		}
		if actor.ID == c.ClaimantID || actor.IsAdmin() {
			return nil
		}
		m, err := tx.GetMoment(ctx, c.MomentID)
		if err != nil {
			return err
		}
		if actor.ID != m.OwnerID {
			return apperrors.Unauthorized("claim.read")
		}
		return nil
	})
	return c, err
}

// MarkConsumed records that the claimant used the moment and starts the proof
// window.
func (s *Service) MarkConsumed(ctx context.Context, actor account.Actor, id string) (domain.Claim, error) {
	var c domain.Claim
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		current, err := tx.GetClaim(ctx, id)
		if err != nil {
			return err
		}
		if current.ClaimantID != actor.ID {
			return apperrors.Unauthorized("claim.consume")
		}
		if current.Status != domain.StatusActive || current.Consumed() {
			return apperrors.InvalidTransition("claim", string(current.Status), "consume")
		}
		now := s.now()
		if !now.Before(current.ExpiresAt) {
			return apperrors.ErrWindowClosed.WithDetails("expires_at", current.ExpiresAt)
		}
		deadline := now.Add(s.policy.ProofWindow)
		current.ConsumedAt = &now
		current.ProofDeadline = &deadline
		if c, err = tx.UpdateClaim(ctx, current, domain.StatusActive); err != nil {
			return err
		}
		if _, err := s.moments.ApplyTx(ctx, tx, actor, c.MomentID, moment.EventConsume, map[string]any{"claim_id": c.ID}); err != nil {
			return err
		}
		_, err = s.record(ctx, tx, actor, domainaudit.ActionClaimConsumed, c, map[string]any{"proof_deadline": deadline})
		return err
	})
	return c, err
}

// Cancel withdraws an unconsumed claim within the cancellation window.
func (s *Service) Cancel(ctx context.Context, actor account.Actor, id string) (domain.Claim, error) {
	var c domain.Claim
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		current, err := tx.GetClaim(ctx, id)
		if err != nil {
			return err
		}
		if current.ClaimantID != actor.ID && !actor.IsAdmin() {
			return apperrors.Unauthorized("claim.cancel")
		}
		if current.Status != domain.StatusActive || current.Consumed() {
			return apperrors.InvalidTransition("claim", string(current.Status), "cancel")
		}
		window := s.policy.CancelWindow
		if actor.IsAdmin() {
			window = 0
		}
		if !current.Cancellable(s.now(), window) {
			return apperrors.ErrWindowClosed.WithDetails("cancel_window", window.String())
		}
		c, err = s.close(ctx, tx, actor, current, domain.StatusCancelled, moment.EventReleaseClaim, domainaudit.ActionClaimCancelled)
		return err
	})
	if err == nil {
		s.log.WithContext(ctx).WithField("claim_id", id).Info("claim cancelled")
	}
	return c, err
}

// Expire releases an unconsumed claim past its TTL.
func (s *Service) Expire(ctx context.Context, id string) (domain.Claim, error) {
	var c domain.Claim
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		current, err := tx.GetClaim(ctx, id)
		if err != nil {
			return err
		}
		if !current.Expirable(s.now()) {
			return apperrors.InvalidTransition("claim", string(current.Status), "expire")
		}
		c, err = s.close(ctx, tx, account.System(), current, domain.StatusExpired, moment.EventReleaseClaim, domainaudit.ActionClaimExpired)
		return err
	})
	return c, err
}

// Fail marks a consumed claim whose proof deadline passed without an open
// proof. The moment is left where it is for admin follow-up.
func (s *Service) Fail(ctx context.Context, id string) (domain.Claim, error) {
	var c domain.Claim
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		current, err := tx.GetClaim(ctx, id)
		if err != nil {
			return err
		}
		if !current.ProofLapsed(s.now()) {
			return apperrors.InvalidTransition("claim", string(current.Status), "fail")
		}
		open, err := hasOpenProof(ctx, tx, id)
		if err != nil {
			return err
		}
		if open {
			return apperrors.InvalidTransition("claim", "proof_under_review", "fail")
		}
		c, err = s.close(ctx, tx, account.System(), current, domain.StatusFailed, "", domainaudit.ActionClaimFailed)
		return err
	})
	return c, err
}

// LapseTx fails the claim and reopens its moment. It backs late proof
// attempts and admin-confirmed no-shows.
func (s *Service) LapseTx(ctx context.Context, tx storage.Tx, actor account.Actor, c domain.Claim, reason string) (domain.Claim, error) {
	if c.Status == domain.StatusActive {
		var err error
		c, err = s.close(ctx, tx, actor, c, domain.StatusFailed, "", domainaudit.ActionClaimFailed)
		if err != nil {
			return domain.Claim{}, err
		}
	}
	if _, err := s.moments.ApplyTx(ctx, tx, actor, c.MomentID, moment.EventLapseProof, map[string]any{"claim_id": c.ID, "reason": reason}); err != nil {
		return domain.Claim{}, err
	}
	return c, nil
}

// ConfirmNoShow is the admin path for a claimant who consumed a moment and
// never proved it. The latest claim fails and the moment is reopened.
func (s *Service) ConfirmNoShow(ctx context.Context, actor account.Actor, momentID, reason string) (moment.Moment, error) {
	if !actor.IsAdmin() {
		return moment.Moment{}, apperrors.Unauthorized(string(moment.EventLapseProof))
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return moment.Moment{}, apperrors.InvalidInput("reason", "required")
	}
	var m moment.Moment
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		c, err := tx.GetActiveClaim(ctx, momentID)
		switch {
		case err == nil:
			if _, err := s.close(ctx, tx, actor, c, domain.StatusFailed, "", domainaudit.ActionClaimFailed); err != nil {
				return err
			}
		case !apperrors.Is(err, apperrors.ErrNotFound):
			return err
		}
		if m, err = s.moments.ApplyTx(ctx, tx, actor, momentID, moment.EventLapseProof, map[string]any{"reason": reason}); err != nil {
			return err
		}
		_, err = s.audit.Decide(ctx, tx, actor, "moment", momentID, string(moment.EventLapseProof), reason, false)
		return err
	})
	return m, err
}

// CompleteTx closes the claim after its proof was approved.
func (s *Service) CompleteTx(ctx context.Context, tx storage.Tx, actor account.Actor, c domain.Claim) (domain.Claim, error) {
	return s.close(ctx, tx, actor, c, domain.StatusCompleted, "", "")
}

func (s *Service) close(ctx context.Context, tx storage.Tx, actor account.Actor, c domain.Claim, to domain.Status, ev moment.Event, action string) (domain.Claim, error) {
	now := s.now()
	from := c.Status
	c.Status = to
	c.ClosedAt = &now
	updated, err := tx.UpdateClaim(ctx, c, from)
	if err != nil {
		return domain.Claim{}, err
	}
	if ev != "" {
		if _, err := s.moments.ApplyTx(ctx, tx, actor, c.MomentID, ev, map[string]any{"claim_id": c.ID}); err != nil {
			return domain.Claim{}, err
		}
	}
	if action != "" {
		if _, err := s.record(ctx, tx, actor, action, updated, nil); err != nil {
			return domain.Claim{}, err
		}
	}
	return updated, nil
}

func (s *Service) record(ctx context.Context, tx storage.Tx, actor account.Actor, action string, c domain.Claim, extra map[string]any) (domainaudit.Record, error) {
	meta := map[string]any{"moment_id": c.MomentID, "claimant_id": c.ClaimantID, "status": string(c.Status)}
	for k, v := range extra {
		meta[k] = v
	}
	return s.audit.Record(ctx, tx, audit.Entry{
		Actor:      actor,
		Action:     action,
		EntityType: "claim",
		EntityID:   c.ID,
		Metadata:   meta,
	})
}

func hasOpenProof(ctx context.Context, tx storage.Tx, claimID string) (bool, error) {
	list, err := tx.ListProofsByClaim(ctx, claimID)
	if err != nil {
		return false, err
	}
	for _, p := range list {
		if p.Open() {
			return true, nil
		}
	}
	return false, nil
}

// SweepResult counts one sweeper pass.
type SweepResult struct {
	Processed int
	Skipped   int
	Failed    int
}

// ExpireDue expires every active claim past its TTL, one transaction each.
func (s *Service) ExpireDue(ctx context.Context) SweepResult {
	return s.sweep(ctx, "expire", domain.Claim.Expirable, s.Expire)
}

// FailDue fails every consumed claim past its proof deadline.
func (s *Service) FailDue(ctx context.Context) SweepResult {
	return s.sweep(ctx, "fail", domain.Claim.ProofLapsed, s.Fail)
}

func (s *Service) sweep(ctx context.Context, kind string, due func(domain.Claim, time.Time) bool, apply func(context.Context, string) (domain.Claim, error)) SweepResult {
	var res SweepResult
	var ids []string
	now := s.now()
	err := s.store.View(ctx, func(tx storage.Tx) error {
		active, err := tx.ListActiveClaims(ctx)
		if err != nil {
			return err
		}
		for _, c := range active {
			if due(c, now) {
				ids = append(ids, c.ID)
			}
		}
		return nil
	})
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warnf("claim %s sweep: list failed", kind)
		res.Failed++
		return res
	}
	for _, id := range ids {
		_, err := apply(ctx, id)
		switch {
		case err == nil:
			res.Processed++
		case apperrors.Is(err, apperrors.ErrInvalidTransition), apperrors.Is(err, apperrors.ErrStaleState):
			// moved on since listing, or held by a suspension or open proof
			res.Skipped++
			s.log.WithContext(ctx).WithField("claim_id", id).Debugf("claim %s skipped: %v", kind, err)
		default:
			res.Failed++
			s.log.WithContext(ctx).WithError(err).WithField("claim_id", id).Warnf("claim %s failed", kind)
		}
	}
	return res
}
