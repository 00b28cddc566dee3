// Package proofs handles proof submission and admin review. Approval releases
// the moment's escrow and closes it; rejection refunds.
package proofs

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	domainaudit "github.com/lovendo/momentcore/internal/app/domain/audit"
	"github.com/lovendo/momentcore/internal/app/domain/claim"
	domainescrow "github.com/lovendo/momentcore/internal/app/domain/escrow"
	"github.com/lovendo/momentcore/internal/app/domain/moment"
	domain "github.com/lovendo/momentcore/internal/app/domain/proof"
	"github.com/lovendo/momentcore/internal/app/policy"
	"github.com/lovendo/momentcore/internal/app/services/audit"
	"github.com/lovendo/momentcore/internal/app/services/claims"
	"github.com/lovendo/momentcore/internal/app/services/escrow"
	"github.com/lovendo/momentcore/internal/app/services/moments"
	"github.com/lovendo/momentcore/internal/app/storage"
	apperrors "github.com/lovendo/momentcore/internal/errors"
	"github.com/lovendo/momentcore/internal/logging"
)

const (
	maxMediaRefs = 10
	// maxRequotes bounds re-running a decision when escrows appear after the
	// commission quote.
	maxRequotes = 3
)

// SubmitHook runs after a proof submission commits.
type SubmitHook func(ctx context.Context, p domain.Proof)

// Service handles proofs.
type Service struct {
	store   storage.Store
	moments *moments.Service
	claims  *claims.Service
	escrow  *escrow.Service
	audit   *audit.Service
	policy  policy.Policy
	log     *logging.Logger
	now     func() time.Time

	mu    sync.RWMutex
	hooks []SubmitHook
}

// New constructs the proof service.
func New(store storage.Store, momentSvc *moments.Service, claimSvc *claims.Service, escrowSvc *escrow.Service, auditor *audit.Service, pol policy.Policy, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("proofs")
	}
	return &Service{
		store:   store,
		moments: momentSvc,
		claims:  claimSvc,
		escrow:  escrowSvc,
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

// OnSubmit registers a hook fired after each submission.
func (s *Service) OnSubmit(h SubmitHook) {
	if h == nil {
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

// SubmitRequest carries the proof payload. Media references point into the
// external media store.
type SubmitRequest struct {
	MediaRefs []string `json:"media_refs"`
	Note      string   `json:"note"`
}

func (r SubmitRequest) normalize() (SubmitRequest, error) {
	refs := make([]string, 0, len(r.MediaRefs))
	for _, ref := range r.MediaRefs {
		if ref = strings.TrimSpace(ref); ref != "" {
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return r, apperrors.InvalidInput("media_refs", "at least one media reference is required")
	}
	if len(refs) > maxMediaRefs {
		return r, apperrors.InvalidInput("media_refs", "too many media references")
	}
	r.MediaRefs = refs
	r.Note = strings.TrimSpace(r.Note)
	return r, nil
}

// Submit records a proof for a consumed claim. A submission after the proof
// deadline fails the claim, reopens the moment and returns WINDOW_CLOSED.
func (s *Service) Submit(ctx context.Context, actor account.Actor, claimID string, req SubmitRequest) (domain.Proof, error) {
	req, err := req.normalize()
	if err != nil {
		return domain.Proof{}, err
	}

	var (
		p    domain.Proof
		late bool
	)
	err = s.store.WithinTx(ctx, func(tx storage.Tx) error {
		c, err := tx.GetClaim(ctx, claimID)
		if err != nil {
			return err
		}
		if c.ClaimantID != actor.ID {
			return apperrors.Unauthorized("proof.submit")
		}
		if c.Status != claim.StatusActive || !c.Consumed() {
			return apperrors.InvalidTransition("claim", string(c.Status), string(moment.EventSubmitProof))
		}
		now := s.now()
		if c.ProofLapsed(now) {
			late = true
			_, err := s.claims.LapseTx(ctx, tx, account.System(), c, "late proof")
			return err
		}

		prior, err := tx.ListProofsByClaim(ctx, claimID)
		if err != nil {
			return err
		}
		for _, existing := range prior {
			if existing.Open() {
				return apperrors.InvalidTransition("proof", string(existing.Status), string(moment.EventSubmitProof))
			}
		}
		if len(prior) >= s.policy.MaxProofAttempts {
			return apperrors.ErrRetryLimit.WithDetails("max_attempts", s.policy.MaxProofAttempts)
		}

		p, err = tx.CreateProof(ctx, domain.Proof{
			ID:             uuid.NewString(),
			ClaimID:        c.ID,
			MomentID:       c.MomentID,
			SubmitterID:    actor.ID,
			Attempt:        len(prior) + 1,
			Status:         domain.StatusSubmitted,
			MediaRefs:      req.MediaRefs,
			Note:           req.Note,
			SubmittedAt:    now,
			ReviewDeadline: now.Add(s.policy.ReviewWindow),
		})
		if err != nil {
			return err
		}
		if _, err := s.moments.ApplyTx(ctx, tx, actor, c.MomentID, moment.EventSubmitProof, map[string]any{"proof_id": p.ID}); err != nil {
			return err
		}
		_, err = s.record(ctx, tx, actor, domainaudit.ActionProofSubmitted, p, map[string]any{"media_count": len(p.MediaRefs)})
		return err
	})
	if err != nil {
		return domain.Proof{}, err
	}
	if late {
		s.log.WithContext(ctx).WithField("claim_id", claimID).Info("late proof lapsed claim")
		return domain.Proof{}, apperrors.ErrWindowClosed.WithDetails("claim_id", claimID)
	}

	s.log.WithContext(ctx).
		WithField("proof_id", p.ID).
		WithField("attempt", p.Attempt).
		Info("proof submitted")
	s.mu.RLock()
	hooks := append([]SubmitHook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, p)
	}
	return p, nil
}

// RecordScore stores the AI score of a proof and, when flag is set, marks it
// flagged_by_ai. Flagging is advisory; the proof still goes to review.
func (s *Service) RecordScore(ctx context.Context, proofID string, score float64, reason string, flag bool) (domain.Proof, error) {
	var p domain.Proof
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		current, err := tx.GetProof(ctx, proofID)
		if err != nil {
			return err
		}
		if !current.Open() {
			return apperrors.InvalidTransition("proof", string(current.Status), string(moment.EventAIFlagProof))
		}
		from := current.Status
		current.AIScore = score
		current.AIReason = reason
		flagging := flag && current.Status == domain.StatusSubmitted
		if flagging {
			current.Status = domain.StatusFlaggedByAI
		}
		if p, err = tx.UpdateProof(ctx, current, from); err != nil {
			return err
		}
		if !flagging {
			return nil
		}
		if _, err := s.moments.ApplyTx(ctx, tx, account.System(), p.MomentID, moment.EventAIFlagProof, map[string]any{"proof_id": p.ID, "score": score}); err != nil {
			return err
		}
		_, err = s.record(ctx, tx, account.System(), domainaudit.ActionProofFlagged, p, map[string]any{"score": score, "reason": reason})
		return err
	})
	return p, err
}

// DecisionResult is the outcome of an admin review.
type DecisionResult struct {
	Proof       domain.Proof         `json:"proof"`
	Moment      moment.Moment        `json:"moment"`
	Claim       claim.Claim          `json:"claim"`
	Resolutions []escrow.Resolution  `json:"resolutions,omitempty"`
	Outcome     domainescrow.Outcome `json:"escrow_outcome"`
}

// Decide records an admin verdict on a proof. Approval releases pending
// escrow on the moment and closes it; rejection refunds and leaves the claim
// open for another attempt while attempts remain.
func (s *Service) Decide(ctx context.Context, actor account.Actor, proofID string, verdict domain.Decision, reason string) (DecisionResult, error) {
	if !verdict.Valid() {
		return DecisionResult{}, apperrors.InvalidInput("decision", "must be approve or reject")
	}
	if !actor.IsAdmin() {
		return DecisionResult{}, apperrors.Unauthorized("proof." + string(verdict))
	}
	reason = strings.TrimSpace(reason)

	var momentID string
	if err := s.store.View(ctx, func(tx storage.Tx) error {
		p, err := tx.GetProof(ctx, proofID)
		momentID = p.MomentID
		return err
	}); err != nil {
		return DecisionResult{}, err
	}
	outcome := domainescrow.OutcomeRefund
	rates := escrow.Rates{}
	if verdict == domain.DecisionApprove {
		outcome = domainescrow.OutcomeRelease
		rates = s.escrow.QuoteMoment(ctx, momentID)
	}

	var res DecisionResult
	decide := func(tx storage.Tx) error {
		res = DecisionResult{Outcome: outcome}
		current, err := tx.GetProof(ctx, proofID)
		if err != nil {
			return err
		}
		if !current.Open() {
			return apperrors.InvalidTransition("proof", string(current.Status), string(verdict))
		}
		c, err := tx.GetClaim(ctx, current.ClaimID)
		if err != nil {
			return err
		}

		now := s.now()
		from := current.Status
		current.DecidedAt = &now
		ev := moment.EventRejectProof
		current.Status = domain.StatusRejected
		if verdict == domain.DecisionApprove {
			ev = moment.EventApproveProof
			current.Status = domain.StatusApproved
		}
		if res.Proof, err = tx.UpdateProof(ctx, current, from); err != nil {
			return err
		}
		meta := map[string]any{"proof_id": current.ID, "reason": reason}
		if res.Moment, err = s.moments.ApplyTx(ctx, tx, actor, current.MomentID, ev, meta); err != nil {
			return err
		}
		if res.Resolutions, err = s.escrow.ResolveForMoment(ctx, tx, account.System(), current.MomentID, outcome, rates); err != nil {
			return err
		}

		res.Claim = c
		switch {
		case verdict == domain.DecisionApprove:
			if res.Claim, err = s.claims.CompleteTx(ctx, tx, actor, c); err != nil {
				return err
			}
			if res.Moment, err = s.moments.ApplyTx(ctx, tx, account.System(), current.MomentID, moment.EventClose, meta); err != nil {
				return err
			}
		case current.Attempt >= s.policy.MaxProofAttempts:
			if res.Claim, err = s.claims.LapseTx(ctx, tx, account.System(), c, "proof attempts exhausted"); err != nil {
				return err
			}
			if res.Moment, err = tx.GetMoment(ctx, current.MomentID); err != nil {
				return err
			}
		}

		if _, err := s.record(ctx, tx, actor, domainaudit.ActionProofDecided, res.Proof, map[string]any{
			"decision":        string(verdict),
			"reason":          reason,
			"escrow_resolved": len(res.Resolutions),
		}); err != nil {
			return err
		}
		_, err = s.audit.Decide(ctx, tx, actor, "proof", proofID, string(verdict), reason, false)
		return err
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = s.store.WithinTx(ctx, decide)
		var unquoted *escrow.UnquotedSendersError
		if !apperrors.As(err, &unquoted) || attempt >= maxRequotes {
			break
		}
		rates.Merge(s.escrow.Quote(ctx, unquoted.Senders...))
	}
	if err != nil {
		return DecisionResult{}, err
	}
	s.escrow.LogResolutions(ctx, res.Resolutions, outcome)
	s.log.WithContext(ctx).
		WithField("proof_id", proofID).
		WithField("decision", verdict).
		WithField("moment_status", res.Moment.Status).
		Info("proof decided")
	return res, nil
}

// Get returns a proof to its submitter, the moment owner or an admin.
func (s *Service) Get(ctx context.Context, actor account.Actor, id string) (domain.Proof, error) {
	var p domain.Proof
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		if p, err = tx.GetProof(ctx, id); err != nil {
			return err
		}
		if actor.ID == p.SubmitterID || actor.IsAdmin() {
			return nil
		}
		m, err := tx.GetMoment(ctx, p.MomentID)
		if err != nil {
			return err
		}
		if m.OwnerID != actor.ID {
			return apperrors.Unauthorized("proof.read")
		}
		return nil
	})
	return p, err
}

// Overdue lists open proofs past their review deadline, oldest first.
func (s *Service) Overdue(ctx context.Context) ([]domain.Proof, error) {
	now := s.now()
	var out []domain.Proof
	err := s.store.View(ctx, func(tx storage.Tx) error {
		open, err := tx.ListOpenProofs(ctx)
		if err != nil {
			return err
		}
		for _, p := range open {
			if p.Overdue(now) {
				out = append(out, p)
			}
		}
		return nil
	})
	return out, err
}

func (s *Service) record(ctx context.Context, tx storage.Tx, actor account.Actor, action string, p domain.Proof, extra map[string]any) (domainaudit.Record, error) {
	meta := map[string]any{"claim_id": p.ClaimID, "moment_id": p.MomentID, "attempt": p.Attempt, "status": string(p.Status)}
	for k, v := range extra {
		meta[k] = v
	}
	return s.audit.Record(ctx, tx, audit.Entry{
		Actor:      actor,
		Action:     action,
		EntityType: "proof",
		EntityID:   p.ID,
		Metadata:   meta,
	})
}
