// Package moments applies lifecycle events to moments. Every event goes
// through the transition table in the domain package and is written with a
// status compare-and-set plus an audit record in one transaction.
package moments

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	domainaudit "github.com/lovendo/momentcore/internal/app/domain/audit"
	"github.com/lovendo/momentcore/internal/app/domain/coin"
	domain "github.com/lovendo/momentcore/internal/app/domain/moment"
	"github.com/lovendo/momentcore/internal/app/metrics"
	"github.com/lovendo/momentcore/internal/app/services/audit"
	"github.com/lovendo/momentcore/internal/app/storage"
	apperrors "github.com/lovendo/momentcore/internal/errors"
	"github.com/lovendo/momentcore/internal/logging"
)

// PublishHook is invoked after a moment is published. Hooks run outside the
// transaction and must not block.
type PublishHook func(ctx context.Context, m domain.Moment)

// Service manages moment lifecycles.
type Service struct {
	store storage.Store
	audit *audit.Service
	log   *logging.Logger
	now   func() time.Time

	mu    sync.RWMutex
	hooks []PublishHook
}

// New constructs the moments service.
func New(store storage.Store, auditor *audit.Service, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("moments")
	}
	return &Service{store: store, audit: auditor, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// OnPublish registers a hook fired after publish commits.
func (s *Service) OnPublish(h PublishHook) {
	if h == nil {
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

// CreateRequest describes a new moment.
type CreateRequest struct {
	Title string      `json:"title"`
	Price coin.Amount `json:"price"`
	// Draft keeps the moment unpublished.
	Draft bool `json:"draft"`
}

// Create stores a new moment owned by actor and publishes it unless Draft is
// set.
func (s *Service) Create(ctx context.Context, actor account.Actor, req CreateRequest) (domain.Moment, error) {
	if !actor.Has(account.RoleCreator) && !actor.IsAdmin() {
		return domain.Moment{}, apperrors.Unauthorized("moment.create")
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return domain.Moment{}, apperrors.InvalidInput("title", "required")
	}
	if len(req.Title) > 200 {
		return domain.Moment{}, apperrors.InvalidInput("title", "at most 200 characters")
	}
	if req.Price < 0 {
		return domain.Moment{}, apperrors.InvalidInput("price", "must not be negative")
	}

	var m domain.Moment
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		created, err := tx.CreateMoment(ctx, domain.New(uuid.NewString(), actor.ID, req.Title, req.Price, s.now()))
		if err != nil {
			return err
		}
		if _, err := s.audit.Record(ctx, tx, audit.Entry{
			Actor:      actor,
			Action:     domainaudit.ActionMomentCreated,
			EntityType: "moment",
			EntityID:   created.ID,
			Metadata:   map[string]any{"price": created.Price.String(), "tier": string(created.PriceTier)},
		}); err != nil {
			return err
		}
		m = created
		if req.Draft {
			return nil
		}
		m, err = s.ApplyTx(ctx, tx, actor, created.ID, domain.EventPublish, nil)
		return err
	})
	if err != nil {
		return domain.Moment{}, err
	}
	s.log.WithContext(ctx).
		WithField("moment_id", m.ID).
		WithField("tier", m.PriceTier).
		WithField("status", m.Status).
		Info("moment created")
	if m.Status == domain.StatusPublished {
		s.firePublished(ctx, m)
	}
	return m, nil
}

// Publish moves a draft to published.
func (s *Service) Publish(ctx context.Context, actor account.Actor, id string) (domain.Moment, error) {
	m, err := s.Apply(ctx, actor, id, domain.EventPublish, nil)
	if err != nil {
		return domain.Moment{}, err
	}
	s.firePublished(ctx, m)
	return m, nil
}

func (s *Service) firePublished(ctx context.Context, m domain.Moment) {
	s.mu.RLock()
	hooks := append([]PublishHook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, m)
	}
}

// Get returns a moment. Suspended, closed and draft moments are only visible
// to their owner and admins.
func (s *Service) Get(ctx context.Context, actor account.Actor, id string) (domain.Moment, error) {
	var m domain.Moment
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		m, err = tx.GetMoment(ctx, id)
		return err
	})
	if err != nil {
		return domain.Moment{}, err
	}
	if !m.Discoverable() && actor.ID != m.OwnerID && !actor.IsAdmin() {
		return domain.Moment{}, apperrors.NotFound("moment", id)
	}
	return m, nil
}

// Apply fires ev in its own transaction.
func (s *Service) Apply(ctx context.Context, actor account.Actor, id string, ev domain.Event, meta map[string]any) (domain.Moment, error) {
	var m domain.Moment
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		var err error
		m, err = s.ApplyTx(ctx, tx, actor, id, ev, meta)
		return err
	})
	return m, err
}

// ApplyTx fires ev on the moment inside tx. The write is a compare-and-set on
// the status the event was evaluated against.
func (s *Service) ApplyTx(ctx context.Context, tx storage.Tx, actor account.Actor, id string, ev domain.Event, meta map[string]any) (domain.Moment, error) {
	current, err := tx.GetMoment(ctx, id)
	if err != nil {
		return domain.Moment{}, err
	}
	next, err := domain.Apply(current, ev, actor, s.now())
	if err != nil {
		metrics.RecordTransition(string(ev), false)
		return domain.Moment{}, err
	}
	updated, err := tx.UpdateMomentStatus(ctx, next, current.Status)
	if err != nil {
		metrics.RecordTransition(string(ev), false)
		return domain.Moment{}, err
	}

	data := make(map[string]any, len(meta)+3)
	for k, v := range meta {
		data[k] = v
	}
	data["event"] = string(ev)
	data["from"] = string(current.Status)
	data["to"] = string(updated.Status)
	if _, err := s.audit.Record(ctx, tx, audit.Entry{
		Actor:      actor,
		Action:     domainaudit.ActionMomentTransition,
		EntityType: "moment",
		EntityID:   id,
		Metadata:   data,
	}); err != nil {
		return domain.Moment{}, err
	}
	metrics.RecordTransition(string(ev), true)
	return updated, nil
}

// adminEvents are the events the status override endpoint accepts. Proof
// decisions and no-show confirmation have their own endpoints.
var adminEvents = map[domain.Event]bool{
	domain.EventSuspend:   true,
	domain.EventUnsuspend: true,
	domain.EventClearFlag: true,
	domain.EventFlag:      true,
	domain.EventClose:     true,
}

// Reversible reports whether an admin decision on ev can be undone by a later
// event.
func Reversible(ev domain.Event) bool {
	switch ev {
	case domain.EventSuspend, domain.EventUnsuspend, domain.EventFlag, domain.EventClearFlag:
		return true
	}
	return false
}

// AdminTransition applies an admin moderation event and writes the decision
// log entry alongside the audit record.
func (s *Service) AdminTransition(ctx context.Context, actor account.Actor, id string, ev domain.Event, reason string) (domain.Moment, error) {
	if !actor.IsAdmin() {
		return domain.Moment{}, apperrors.Unauthorized(string(ev))
	}
	if !adminEvents[ev] {
		return domain.Moment{}, apperrors.InvalidInput("event", "not an admin moderation event")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Moment{}, apperrors.InvalidInput("reason", "required")
	}

	var m domain.Moment
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		var err error
		m, err = s.ApplyTx(ctx, tx, actor, id, ev, map[string]any{
			"reason":     reason,
			"reversible": Reversible(ev),
		})
		if err != nil {
			return err
		}
		_, err = s.audit.Decide(ctx, tx, actor, "moment", id, string(ev), reason, Reversible(ev))
		return err
	})
	if err != nil {
		return domain.Moment{}, err
	}
	s.log.WithContext(ctx).
		WithField("moment_id", id).
		WithField("event", ev).
		WithField("status", m.Status).
		Info("admin moment transition")
	return m, nil
}

// RecordSuspicion stores an AI suspicion score on the moment and flags it
// when flag is set and the moment is published.
func (s *Service) RecordSuspicion(ctx context.Context, id string, score float64, reason string, flag bool) (domain.Moment, error) {
	var m domain.Moment
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		if err := tx.RecordSuspicion(ctx, id, score, reason, s.now()); err != nil {
			return err
		}
		if _, err := s.audit.Record(ctx, tx, audit.Entry{
			Actor:      account.System(),
			Action:     domainaudit.ActionSuspicionRecorded,
			EntityType: "moment",
			EntityID:   id,
			Metadata:   map[string]any{"score": score, "reason": reason},
		}); err != nil {
			return err
		}
		current, err := tx.GetMoment(ctx, id)
		if err != nil {
			return err
		}
		m = current
		if !flag || current.Status != domain.StatusPublished {
			return nil
		}
		m, err = s.ApplyTx(ctx, tx, account.System(), id, domain.EventFlag, map[string]any{"score": score, "reason": reason})
		return err
	})
	return m, err
}
