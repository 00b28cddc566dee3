// Package ledger owns every balance mutation. Each movement is one guarded
// balance update paired with one append-only ledger entry.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	domainaudit "github.com/lovendo/momentcore/internal/app/domain/audit"
	"github.com/lovendo/momentcore/internal/app/domain/coin"
	domain "github.com/lovendo/momentcore/internal/app/domain/ledger"
	"github.com/lovendo/momentcore/internal/app/services/audit"
	"github.com/lovendo/momentcore/internal/app/storage"
	apperrors "github.com/lovendo/momentcore/internal/errors"
	"github.com/lovendo/momentcore/internal/logging"
)

// Service manages accounts and balances.
type Service struct {
	store storage.Store
	audit *audit.Service
	log   *logging.Logger
	now   func() time.Time
}

// New constructs a ledger service.
func New(store storage.Store, auditor *audit.Service, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("ledger")
	}
	return &Service{store: store, audit: auditor, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Movement is one balance change on one account.
type Movement struct {
	AccountID     string
	Type          domain.EntryType
	Available     coin.Amount
	Pending       coin.Amount
	ReferenceType string
	ReferenceID   string
}

// Post applies m inside tx and appends its ledger entry.
func (s *Service) Post(ctx context.Context, tx storage.Tx, m Movement) (account.Account, domain.Entry, error) {
	now := s.now()
	acct, err := tx.AdjustBalance(ctx, m.AccountID, m.Available, m.Pending, now)
	if err != nil {
		return account.Account{}, domain.Entry{}, err
	}
	entry, err := tx.AppendEntry(ctx, domain.Entry{
		AccountID:      m.AccountID,
		Type:           m.Type,
		AvailableDelta: m.Available,
		PendingDelta:   m.Pending,
		AvailableAfter: acct.Available,
		PendingAfter:   acct.Pending,
		ReferenceType:  m.ReferenceType,
		ReferenceID:    m.ReferenceID,
		CreatedAt:      now,
	})
	if err != nil {
		return account.Account{}, domain.Entry{}, err
	}
	return acct, entry, nil
}

// EnsureAccountTx returns the account, creating it with roles when missing.
func (s *Service) EnsureAccountTx(ctx context.Context, tx storage.Tx, id string, roles ...account.Role) (account.Account, error) {
	acct, err := tx.GetAccount(ctx, id)
	if err == nil {
		return acct, nil
	}
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		return account.Account{}, err
	}
	if len(roles) == 0 {
		roles = []account.Role{account.RoleUser}
	}
	return tx.CreateAccount(ctx, account.Account{ID: id, Roles: roles, CreatedAt: s.now()})
}

// EnsureAccount is EnsureAccountTx in its own transaction.
func (s *Service) EnsureAccount(ctx context.Context, id string, roles ...account.Role) (account.Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return account.Account{}, apperrors.InvalidInput("account_id", "required")
	}
	var acct account.Account
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		var err error
		acct, err = s.EnsureAccountTx(ctx, tx, id, roles...)
		return err
	})
	return acct, err
}

// Get returns an account. Users may only read their own.
func (s *Service) Get(ctx context.Context, actor account.Actor, id string) (account.Account, error) {
	if actor.ID != id && !actor.IsAdmin() {
		return account.Account{}, apperrors.Unauthorized("account.read")
	}
	var acct account.Account
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		acct, err = tx.GetAccount(ctx, id)
		return err
	})
	return acct, err
}

// Entries lists the most recent ledger entries of an account.
func (s *Service) Entries(ctx context.Context, actor account.Actor, id string, limit int) ([]domain.Entry, error) {
	if actor.ID != id && !actor.IsAdmin() {
		return nil, apperrors.Unauthorized("ledger.read")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []domain.Entry
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListEntries(ctx, id, limit)
		return err
	})
	return out, err
}

// Credit tops up an account. Admins use it for manual adjustments and the
// payment rails report purchases through it as the system actor.
func (s *Service) Credit(ctx context.Context, actor account.Actor, accountID string, amount coin.Amount, reason string) (account.Account, error) {
	if !actor.IsAdmin() && !actor.IsSystem() {
		return account.Account{}, apperrors.Unauthorized("account.credit")
	}
	if amount <= 0 {
		return account.Account{}, apperrors.InvalidInput("amount", "must be positive")
	}
	var acct account.Account
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		if _, err := s.EnsureAccountTx(ctx, tx, accountID); err != nil {
			return err
		}
		var (
			entry domain.Entry
			err   error
		)
		acct, entry, err = s.Post(ctx, tx, Movement{
			AccountID:     accountID,
			Type:          domain.EntryCredit,
			Available:     amount,
			ReferenceType: "credit",
			ReferenceID:   reason,
		})
		if err != nil {
			return err
		}
		_, err = s.audit.Record(ctx, tx, audit.Entry{
			Actor:      actor,
			Action:     domainaudit.ActionAccountCredited,
			EntityType: "account",
			EntityID:   accountID,
			Metadata:   map[string]any{"amount": amount.String(), "reason": reason, "entry_id": entry.ID},
		})
		return err
	})
	if err != nil {
		return account.Account{}, err
	}
	s.log.WithContext(ctx).
		WithField("account_id", accountID).
		WithField("amount", amount.String()).
		Info("account credited")
	return acct, nil
}

// Restrict places a restriction on an account.
func (s *Service) Restrict(ctx context.Context, actor account.Actor, r account.Restriction) (account.Restriction, error) {
	if !actor.IsAdmin() {
		return account.Restriction{}, apperrors.Unauthorized("account.restrict")
	}
	if r.Type != account.RestrictionClaimBan && r.Type != account.RestrictionGiftBan {
		return account.Restriction{}, apperrors.InvalidInput("type", "unknown restriction")
	}
	if strings.TrimSpace(r.Reason) == "" {
		return account.Restriction{}, apperrors.InvalidInput("reason", "required")
	}
	r.CreatedBy = actor.ID
	r.CreatedAt = s.now()
	var created account.Restriction
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		if _, err := s.EnsureAccountTx(ctx, tx, r.AccountID); err != nil {
			return err
		}
		var err error
		if created, err = tx.AddRestriction(ctx, r); err != nil {
			return err
		}
		if _, err := s.audit.Decide(ctx, tx, actor, "account", r.AccountID, string(r.Type), r.Reason, true); err != nil {
			return err
		}
		_, err = s.audit.Record(ctx, tx, audit.Entry{
			Actor:      actor,
			Action:     domainaudit.ActionRestrictionAdded,
			EntityType: "account",
			EntityID:   r.AccountID,
			Metadata:   map[string]any{"type": string(r.Type), "reason": r.Reason, "reversible": true},
		})
		return err
	})
	return created, err
}

// SetDisabled soft-disables or re-enables an account. A disabled account
// keeps its balances but cannot claim or gift.
func (s *Service) SetDisabled(ctx context.Context, actor account.Actor, id string, disabled bool, reason string) (account.Account, error) {
	if !actor.IsAdmin() {
		return account.Account{}, apperrors.Unauthorized("account.disable")
	}
	if strings.TrimSpace(reason) == "" {
		return account.Account{}, apperrors.InvalidInput("reason", "required")
	}
	action := domainaudit.ActionAccountEnabled
	if disabled {
		action = domainaudit.ActionAccountDisabled
	}
	var acct account.Account
	err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		if _, err := s.EnsureAccountTx(ctx, tx, id); err != nil {
			return err
		}
		var err error
		if acct, err = tx.SetAccountDisabled(ctx, id, disabled, s.now()); err != nil {
			return err
		}
		_, err = s.audit.Record(ctx, tx, audit.Entry{
			Actor:      actor,
			Action:     action,
			EntityType: "account",
			EntityID:   id,
			Metadata:   map[string]any{"reason": reason},
		})
		return err
	})
	if err != nil {
		return account.Account{}, err
	}
	s.log.WithContext(ctx).
		WithField("account_id", id).
		WithField("disabled", disabled).
		Info("account disable flag changed")
	return acct, nil
}

// CheckRestriction fails with RESTRICTED when the account is disabled or
// carries an active restriction of type rt.
func (s *Service) CheckRestriction(ctx context.Context, tx storage.Tx, accountID string, rt account.RestrictionType) error {
	acct, err := tx.GetAccount(ctx, accountID)
	switch {
	case err == nil && acct.Disabled:
		return apperrors.ErrRestricted.WithDetails("restriction", "disabled")
	case err != nil && !apperrors.Is(err, apperrors.ErrNotFound):
		return err
	}
	list, err := tx.ListRestrictions(ctx, accountID)
	if err != nil {
		return err
	}
	now := s.now()
	for _, r := range list {
		if r.Type == rt && r.ActiveAt(now) {
			return apperrors.ErrRestricted.WithDetails("restriction", string(rt))
		}
	}
	return nil
}
