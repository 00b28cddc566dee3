// Package chat gates chat between a moment's host and other users. Unlocking
// chat depends on the moment's price tier and the host's approval; every
// message re-checks the approval.
package chat

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	domainaudit "github.com/lovendo/momentcore/internal/app/domain/audit"
	domain "github.com/lovendo/momentcore/internal/app/domain/chat"
	"github.com/lovendo/momentcore/internal/app/domain/tier"
	"github.com/lovendo/momentcore/internal/app/services/audit"
	"github.com/lovendo/momentcore/internal/app/storage"
	apperrors "github.com/lovendo/momentcore/internal/errors"
	"github.com/lovendo/momentcore/internal/logging"
)

// MaxMessageLength bounds a message body in bytes.
const MaxMessageLength = 2000

// Service implements the chat unlock gate.
type Service struct {
	store storage.Store
	audit *audit.Service
	hub   *Hub
	log   *logging.Logger
	now   func() time.Time
}

// New constructs the chat service. A nil hub disables live delivery.
func New(store storage.Store, auditor *audit.Service, hub *Hub, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("chat")
	}
	if hub == nil {
		hub = NewHub()
	}
	return &Service{store: store, audit: auditor, hub: hub, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Hub exposes the live delivery hub.
func (s *Service) Hub() *Hub { return s.hub }

// RequestUnlock asks the moment's host to open chat with actor. Direct-tier
// moments never accept requests. A pending or approved request is returned
// as is.
func (s *Service) RequestUnlock(ctx context.Context, actor account.Actor, momentID string) (domain.UnlockRequest, error) {
	if actor.ID == "" {
		return domain.UnlockRequest{}, apperrors.Unauthenticated("missing actor")
	}
	var r domain.UnlockRequest
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		m, err := tx.GetMoment(ctx, momentID)
		if err != nil {
			return err
		}
		if m.OwnerID == actor.ID {
			return apperrors.ErrSelfDealingRejected.WithDetails("moment_id", momentID)
		}
		if !m.Discoverable() {
			return apperrors.InvalidTransition("moment", string(m.Status), "chat_unlock")
		}
		if !tier.ChatUnlockAllowed(m.PriceTier) {
			return apperrors.InvalidTransition("chat", string(m.PriceTier), "unlock")
		}
		existing, err := tx.ListUnlocks(ctx, momentID)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.RequesterID == actor.ID && e.Status != domain.UnlockDeclined {
				r = e
				return nil
			}
		}

		r, err = tx.CreateUnlock(ctx, domain.UnlockRequest{
			ID:          uuid.NewString(),
			MomentID:    momentID,
			RequesterID: actor.ID,
			HostID:      m.OwnerID,
			Status:      domain.UnlockPending,
			Premium:     tier.Premium(m.PriceTier),
			CreatedAt:   s.now(),
		})
		if err != nil {
			return err
		}
		_, err = s.audit.Record(ctx, tx, audit.Entry{
			Actor:      actor,
			Action:     domainaudit.ActionChatUnlock,
			EntityType: "chat_unlock",
			EntityID:   r.ID,
			Metadata:   map[string]any{"moment_id": momentID, "premium": r.Premium, "tier": string(m.PriceTier)},
		})
		return err
	})
	if apperrors.Is(err, apperrors.ErrStaleState) {
		// A concurrent request from the same user won the insert.
		return s.liveUnlock(ctx, actor.ID, momentID)
	}
	return r, err
}

func (s *Service) liveUnlock(ctx context.Context, requesterID, momentID string) (domain.UnlockRequest, error) {
	var r domain.UnlockRequest
	err := s.store.View(ctx, func(tx storage.Tx) error {
		existing, err := tx.ListUnlocks(ctx, momentID)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.RequesterID == requesterID && e.Status != domain.UnlockDeclined {
				r = e
				return nil
			}
		}
		return apperrors.ErrStaleState
	})
	return r, err
}

// DecideUnlock lets the host approve or decline a pending request.
func (s *Service) DecideUnlock(ctx context.Context, actor account.Actor, requestID string, approve bool) (domain.UnlockRequest, error) {
	var r domain.UnlockRequest
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		current, err := tx.GetUnlock(ctx, requestID)
		if err != nil {
			return err
		}
		if current.HostID != actor.ID && !actor.IsAdmin() {
			return apperrors.Unauthorized("chat.unlock_decide")
		}
		if current.Status != domain.UnlockPending {
			return apperrors.InvalidTransition("chat_unlock", string(current.Status), "decide")
		}
		now := s.now()
		current.DecidedAt = &now
		current.Status = domain.UnlockDeclined
		if approve {
			current.Status = domain.UnlockApproved
		}
		if r, err = tx.UpdateUnlock(ctx, current, domain.UnlockPending); err != nil {
			return err
		}
		_, err = s.audit.Record(ctx, tx, audit.Entry{
			Actor:      actor,
			Action:     domainaudit.ActionChatDecision,
			EntityType: "chat_unlock",
			EntityID:   r.ID,
			Metadata:   map[string]any{"moment_id": r.MomentID, "status": string(r.Status)},
		})
		return err
	})
	return r, err
}

// Unlocks lists the requests on a moment visible to actor: all of them for
// the host and admins, the actor's own otherwise.
func (s *Service) Unlocks(ctx context.Context, actor account.Actor, momentID string) ([]domain.UnlockRequest, error) {
	var out []domain.UnlockRequest
	err := s.store.View(ctx, func(tx storage.Tx) error {
		m, err := tx.GetMoment(ctx, momentID)
		if err != nil {
			return err
		}
		list, err := tx.ListUnlocks(ctx, momentID)
		if err != nil {
			return err
		}
		for _, r := range list {
			if m.OwnerID == actor.ID || actor.IsAdmin() || r.RequesterID == actor.ID {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

// Send stores a message from actor to recipientID on a moment and pushes it
// to live subscribers. An approved unlock between the two must exist at the
// time of sending.
func (s *Service) Send(ctx context.Context, actor account.Actor, momentID, recipientID, body string) (domain.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.Message{}, apperrors.InvalidInput("body", "required")
	}
	if len(body) > MaxMessageLength {
		return domain.Message{}, apperrors.InvalidInput("body", "too long")
	}
	var msg domain.Message
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		if err := s.checkUnlocked(ctx, tx, momentID, actor.ID, recipientID); err != nil {
			return err
		}
		var err error
		msg, err = tx.CreateMessage(ctx, domain.Message{
			ID:          uuid.NewString(),
			MomentID:    momentID,
			SenderID:    actor.ID,
			RecipientID: recipientID,
			Body:        body,
			CreatedAt:   s.now(),
		})
		return err
	})
	if err != nil {
		return domain.Message{}, err
	}
	delivered := s.hub.Publish(msg)
	s.log.WithContext(ctx).
		WithField("moment_id", momentID).
		WithField("message_id", msg.ID).
		WithField("live_deliveries", delivered).
		Debug("chat message sent")
	return msg, nil
}

// History returns the latest messages between actor and peerID on a moment,
// oldest first.
func (s *Service) History(ctx context.Context, actor account.Actor, momentID, peerID string, limit int) ([]domain.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []domain.Message
	err := s.store.View(ctx, func(tx storage.Tx) error {
		if !actor.IsAdmin() {
			if err := s.checkUnlocked(ctx, tx, momentID, actor.ID, peerID); err != nil {
				return err
			}
		}
		all, err := tx.ListMessages(ctx, momentID, 0)
		if err != nil {
			return err
		}
		for _, m := range all {
			if (m.SenderID == actor.ID && m.RecipientID == peerID) || (m.SenderID == peerID && m.RecipientID == actor.ID) {
				out = append(out, m)
			}
		}
		if len(out) > limit {
			out = out[len(out)-limit:]
		}
		return nil
	})
	return out, err
}

// Authorize checks that actor may hold a live session with peerID.
func (s *Service) Authorize(ctx context.Context, actor account.Actor, momentID, peerID string) error {
	return s.store.View(ctx, func(tx storage.Tx) error {
		return s.checkUnlocked(ctx, tx, momentID, actor.ID, peerID)
	})
}

func (s *Service) checkUnlocked(ctx context.Context, tx storage.Tx, momentID, a, b string) error {
	if a == "" || b == "" || a == b {
		return apperrors.InvalidInput("recipient_id", "must be another participant")
	}
	list, err := tx.ListUnlocks(ctx, momentID)
	if err != nil {
		return err
	}
	for _, r := range list {
		if r.Status == domain.UnlockApproved && r.Covers(a, b) {
			return nil
		}
	}
	return apperrors.Unauthorized("chat.send").WithDetails("moment_id", momentID)
}
