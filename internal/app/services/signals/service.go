// Package signals ingests AI suspicion scores and runs the asynchronous
// content scans fired on publish and proof submission. Scores at or above the
// flag threshold flag the target; everything else is recorded only.
package signals

import (
	"context"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	"github.com/lovendo/momentcore/internal/app/domain/moment"
	"github.com/lovendo/momentcore/internal/app/domain/proof"
	"github.com/lovendo/momentcore/internal/app/services/moments"
	"github.com/lovendo/momentcore/internal/app/services/proofs"
	apperrors "github.com/lovendo/momentcore/internal/errors"
	"github.com/lovendo/momentcore/internal/logging"
)

// Result reports what an ingested signal did.
type Result struct {
	Signal  Signal `json:"signal"`
	Flagged bool   `json:"flagged"`
	Status  string `json:"status"`
}

// Service applies suspicion signals.
type Service struct {
	moments   *moments.Service
	proofs    *proofs.Service
	threshold float64
	log       *logging.Logger
}

// New constructs the intake service.
func New(momentSvc *moments.Service, proofSvc *proofs.Service, threshold float64, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("signals")
	}
	return &Service{moments: momentSvc, proofs: proofSvc, threshold: threshold, log: log}
}

// Threshold returns the flag threshold.
func (s *Service) Threshold() float64 { return s.threshold }

// Ingest applies sig on behalf of the AI provider. Only the system actor may
// report signals.
func (s *Service) Ingest(ctx context.Context, actor account.Actor, sig Signal) (Result, error) {
	if !actor.IsSystem() {
		return Result{}, apperrors.Unauthorized("signals.ingest")
	}
	if err := sig.Validate(); err != nil {
		return Result{}, apperrors.InvalidInput("signal", err.Error())
	}
	flag := sig.Score >= s.threshold
	res := Result{Signal: sig}

	switch sig.EntityType {
	case EntityProof:
		p, err := s.proofs.RecordScore(ctx, sig.EntityID, sig.Score, sig.Reason, flag)
		if err != nil {
			return Result{}, err
		}
		res.Status = string(p.Status)
		res.Flagged = flag && p.Status == proof.StatusFlaggedByAI
	default:
		m, err := s.moments.RecordSuspicion(ctx, sig.EntityID, sig.Score, sig.Reason, flag)
		if err != nil {
			return Result{}, err
		}
		res.Status = string(m.Status)
		res.Flagged = flag && m.Status == moment.StatusFlagged
	}

	s.log.WithContext(ctx).
		WithField("entity_type", sig.EntityType).
		WithField("entity_id", sig.EntityID).
		WithField("score", sig.Score).
		WithField("flagged", res.Flagged).
		Info("suspicion signal ingested")
	return res, nil
}
