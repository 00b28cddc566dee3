// Package audit records policy decisions in the append-only audit log and the
// admin decision log.
package audit

import (
	"context"
	"time"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	domain "github.com/lovendo/momentcore/internal/app/domain/audit"
	"github.com/lovendo/momentcore/internal/app/domain/decision"
	"github.com/lovendo/momentcore/internal/app/storage"
	apperrors "github.com/lovendo/momentcore/internal/errors"
	"github.com/lovendo/momentcore/internal/logging"
)

// Service writes and lists audit records.
type Service struct {
	store storage.Store
	log   *logging.Logger
	now   func() time.Time
}

// New constructs an audit service.
func New(store storage.Store, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("audit")
	}
	return &Service{store: store, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Entry describes one audited action.
type Entry struct {
	Actor      account.Actor
	Action     string
	EntityType string
	EntityID   string
	Metadata   map[string]any
}

// Record appends an audit record inside tx.
func (s *Service) Record(ctx context.Context, tx storage.Tx, e Entry) (domain.Record, error) {
	meta := make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	if traceID := logging.GetTraceID(ctx); traceID != "" {
		meta["trace_id"] = traceID
	}
	return tx.AppendAudit(ctx, domain.Record{
		ActorID:    e.Actor.ID,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Metadata:   meta,
		Timestamp:  s.now(),
	})
}

// Decide appends an admin decision inside tx, along with its audit record.
// When the entity already has a decision log the new entry supersedes the
// latest one.
func (s *Service) Decide(ctx context.Context, tx storage.Tx, actor account.Actor, entityType, entityID, verdict, reason string, reversible bool) (decision.Decision, error) {
	prior, err := tx.ListDecisions(ctx, entityType, entityID)
	if err != nil {
		return decision.Decision{}, err
	}
	d := decision.Decision{
		EntityType: entityType,
		EntityID:   entityID,
		Decision:   verdict,
		ActorID:    actor.ID,
		Reason:     reason,
		Reversible: reversible,
		CreatedAt:  s.now(),
	}
	if len(prior) > 0 {
		d.SupersedesID = prior[len(prior)-1].ID
	}
	created, err := tx.AppendDecision(ctx, d)
	if err != nil {
		return decision.Decision{}, err
	}
	s.log.WithContext(ctx).
		WithField("entity_type", entityType).
		WithField("entity_id", entityID).
		WithField("decision", verdict).
		Info("admin decision recorded")
	return created, nil
}

// List returns audit records matching f. Only admins may read the log.
func (s *Service) List(ctx context.Context, actor account.Actor, f domain.Filter) ([]domain.Record, error) {
	if !actor.IsAdmin() {
		return nil, apperrors.Unauthorized("audit.list")
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	var out []domain.Record
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListAudit(ctx, f)
		return err
	})
	return out, err
}

// Decisions returns the decision log of an entity.
func (s *Service) Decisions(ctx context.Context, actor account.Actor, entityType, entityID string) ([]decision.Decision, error) {
	if !actor.IsAdmin() {
		return nil, apperrors.Unauthorized("audit.decisions")
	}
	var out []decision.Decision
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListDecisions(ctx, entityType, entityID)
		return err
	})
	return out, err
}

// RecordNow appends a single audit record in its own transaction. Side
// channels use it to leave a trail of soft failures.
func (s *Service) RecordNow(ctx context.Context, e Entry) {
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		_, err := s.Record(ctx, tx, e)
		return err
	})
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warnf("audit %s on %s %s not recorded", e.Action, e.EntityType, e.EntityID)
	}
}
