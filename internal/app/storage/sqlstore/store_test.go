package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	"github.com/lovendo/momentcore/internal/app/domain/tier"
	"github.com/lovendo/momentcore/internal/app/storage"
	apperrors "github.com/lovendo/momentcore/internal/errors"
	"github.com/lovendo/momentcore/internal/platform/migrations"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "core.db")
	store, err := Open(context.Background(), migrations.SQLite, dsn, Options{Migrate: true})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteClaimUniqueness(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)
	now := time.Now().UTC()

	require.NoError(t, store.WithinTx(ctx, func(tx storage.Tx) error {
		m := moment.New("m-1", "owner", "Dinner", coin.FromCoins(50), now)
		m.Status = moment.StatusPublished
		_, err := tx.CreateMoment(ctx, m)
		return err
	}))

	first := claim.Claim{MomentID: "m-1", ClaimantID: "u1", Status: claim.StatusActive, ClaimedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, store.WithinTx(ctx, func(tx storage.Tx) error {
		_, err := tx.CreateClaim(ctx, first)
		return err
	}))

	err := store.WithinTx(ctx, func(tx storage.Tx) error {
		_, err := tx.CreateClaim(ctx, claim.Claim{MomentID: "m-1", ClaimantID: "u2", Status: claim.StatusActive, ClaimedAt: now, ExpiresAt: now})
		return err
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrClaimConflict), "got %v", err)

	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		active, err := tx.GetActiveClaim(ctx, "m-1")
		if err != nil {
			return err
		}
		assert.Equal(t, "u1", active.ClaimantID)
		assert.Equal(t, now.Add(time.Hour).UnixMilli(), active.ExpiresAt.UnixMilli())
		return nil
	}))
}

func TestSQLiteMomentStatusCAS(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)
	now := time.Now().UTC()

	require.NoError(t, store.WithinTx(ctx, func(tx storage.Tx) error {
		_, err := tx.CreateMoment(ctx, moment.New("m-1", "owner", "Dinner", coin.FromCoins(150), now))
		return err
	}))

	err := store.WithinTx(ctx, func(tx storage.Tx) error {
		m, err := tx.GetMoment(ctx, "m-1")
		if err != nil {
			return err
		}
		require.NotNil(t, m.MaxContributors)
		assert.Equal(t, 3, *m.MaxContributors)
		assert.Equal(t, tier.Mandatory, m.PriceTier)

		m.Status = moment.StatusClaimed
		_, err = tx.UpdateMomentStatus(ctx, m, moment.StatusPublished)
		return err
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrStaleState), "got %v", err)
}

func TestSQLiteContributorCapAndBalances(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)
	now := time.Now().UTC()

	require.NoError(t, store.WithinTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.CreateMoment(ctx, moment.New("m-1", "owner", "Gala", coin.FromCoins(150), now)); err != nil {
			return err
		}
		for _, g := range []string{"g1", "g2", "g3"} {
			if _, err := tx.AddContributor(ctx, "m-1", g); err != nil {
				return err
			}
		}
		return nil
	}))

	err := store.WithinTx(ctx, func(tx storage.Tx) error {
		_, err := tx.AddContributor(ctx, "m-1", "g4")
		return err
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrContributorCapExceeded), "got %v", err)

	require.NoError(t, store.WithinTx(ctx, func(tx storage.Tx) error {
		added, err := tx.AddContributor(ctx, "m-1", "g2")
		assert.False(t, added)
		if err != nil {
			return err
		}
		if err := tx.RemoveContributor(ctx, "m-1", "g2"); err != nil {
			return err
		}
		m, err := tx.GetMoment(ctx, "m-1")
		assert.Equal(t, 2, m.ContributorCount)
		return err
	}))

	require.NoError(t, store.WithinTx(ctx, func(tx storage.Tx) error {
		_, err := tx.CreateAccount(ctx, account.Account{ID: "g1", Roles: []account.Role{account.RoleUser}, Available: coin.FromCoins(20)})
		return err
	}))
	err = store.WithinTx(ctx, func(tx storage.Tx) error {
		_, err := tx.AdjustBalance(ctx, "g1", -coin.FromCoins(21), 0, now)
		return err
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrInsufficientBalance), "got %v", err)
}

func TestSQLiteEscrowResolveIsCAS(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)
	now := time.Now().UTC()

	require.NoError(t, store.WithinTx(ctx, func(tx storage.Tx) error {
		g, err := tx.CreateGift(ctx, gift.Gift{ID: "gift-1", GiverID: "a", ReceiverID: "b", Amount: coin.FromCoins(60), Tier: tier.Optional, Status: gift.StatusPending})
		if err != nil {
			return err
		}
		_, err = tx.CreateEscrow(ctx, escrow.Transaction{ID: "e-1", GiftID: g.ID, SenderID: "a", RecipientID: "b", Amount: g.Amount, Status: escrow.StatusPending, ExpiresAt: now.Add(time.Hour)})
		return err
	}))

	for i, want := range []bool{true, false} {
		require.NoError(t, store.WithinTx(ctx, func(tx storage.Tx) error {
			ok, err := tx.ResolveEscrow(ctx, "e-1", escrow.StatusReleased, coin.FromCoins(6), "system", now)
			assert.Equal(t, want, ok, "attempt %d", i)
			return err
		}))
	}

	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		e, err := tx.GetEscrow(ctx, "e-1")
		if err != nil {
			return err
		}
		assert.Equal(t, escrow.StatusReleased, e.Status)
		assert.Equal(t, coin.FromCoins(6), e.Commission)
		require.NotNil(t, e.ResolvedAt)
		return nil
	}))
}

func TestSQLiteAuditAndDecisions(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)

	require.NoError(t, store.WithinTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.AppendAudit(ctx, audit.Record{ActorID: "admin", Action: audit.ActionMomentTransition, EntityType: "moment", EntityID: "m-1", Metadata: map[string]any{"to": "suspended"}}); err != nil {
			return err
		}
		first, err := tx.AppendDecision(ctx, decision.Decision{EntityType: "moment", EntityID: "m-1", Decision: "suspend", ActorID: "admin", Reversible: true})
		if err != nil {
			return err
		}
		_, err = tx.AppendDecision(ctx, decision.Decision{EntityType: "moment", EntityID: "m-1", Decision: "unsuspend", ActorID: "admin", SupersedesID: first.ID})
		return err
	}))

	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		records, err := tx.ListAudit(ctx, audit.Filter{EntityID: "m-1"})
		if err != nil {
			return err
		}
		require.Len(t, records, 1)
		assert.Equal(t, "suspended", records[0].Metadata["to"])

		decisions, err := tx.ListDecisions(ctx, "moment", "m-1")
		if err != nil {
			return err
		}
		require.Len(t, decisions, 2)
		assert.Equal(t, decisions[0].ID, decisions[1].SupersedesID)
		return nil
	}))
}

func TestSQLiteAppendOnlyOrderWithinSameMillisecond(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)
	at := time.UnixMilli(1_700_000_000_000).UTC()
	const n = 12

	var decisionIDs, auditIDs, messageIDs, entryIDs []string
	require.NoError(t, store.WithinTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.CreateAccount(ctx, account.Account{ID: "acct-1", CreatedAt: at}); err != nil {
			return err
		}
		prev := ""
		for i := 0; i < n; i++ {
			d, err := tx.AppendDecision(ctx, decision.Decision{EntityType: "moment", EntityID: "m-1", Decision: "flag", ActorID: "admin", SupersedesID: prev, CreatedAt: at})
			if err != nil {
				return err
			}
			prev = d.ID
			decisionIDs = append(decisionIDs, d.ID)

			r, err := tx.AppendAudit(ctx, audit.Record{ActorID: "admin", Action: audit.ActionMomentTransition, EntityType: "moment", EntityID: "m-1", Timestamp: at})
			if err != nil {
				return err
			}
			auditIDs = append(auditIDs, r.ID)

			msg, err := tx.CreateMessage(ctx, chat.Message{MomentID: "m-1", SenderID: "a", RecipientID: "b", Body: "hi", CreatedAt: at})
			if err != nil {
				return err
			}
			messageIDs = append(messageIDs, msg.ID)

			e, err := tx.AppendEntry(ctx, ledger.Entry{AccountID: "acct-1", Type: ledger.EntryCredit, CreatedAt: at})
			if err != nil {
				return err
			}
			entryIDs = append(entryIDs, e.ID)
		}
		return nil
	}))

	newestFirst := func(ids []string) []string {
		out := make([]string, len(ids))
		for i, id := range ids {
			out[len(ids)-1-i] = id
		}
		return out
	}

	require.NoError(t, store.View(ctx, func(tx storage.Tx) error {
		decisions, err := tx.ListDecisions(ctx, "moment", "m-1")
		require.NoError(t, err)
		got := make([]string, len(decisions))
		for i, d := range decisions {
			got[i] = d.ID
		}
		assert.Equal(t, decisionIDs, got)
		assert.Equal(t, decisionIDs[n-2], decisions[n-1].SupersedesID)

		records, err := tx.ListAudit(ctx, audit.Filter{EntityID: "m-1"})
		require.NoError(t, err)
		got = got[:0]
		for _, r := range records {
			got = append(got, r.ID)
		}
		assert.Equal(t, newestFirst(auditIDs), got)

		messages, err := tx.ListMessages(ctx, "m-1", 0)
		require.NoError(t, err)
		got = got[:0]
		for _, m := range messages {
			got = append(got, m.ID)
		}
		assert.Equal(t, messageIDs, got)

		entries, err := tx.ListEntries(ctx, "acct-1", 0)
		require.NoError(t, err)
		got = got[:0]
		for _, e := range entries {
			got = append(got, e.ID)
		}
		assert.Equal(t, newestFirst(entryIDs), got)
		return nil
	}))
}

func TestSQLiteOneLiveUnlockPerRequester(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)
	now := time.Now().UTC()

	require.NoError(t, store.WithinTx(ctx, func(tx storage.Tx) error {
		m := moment.New("m-1", "host", "Gallery", coin.FromCoins(50), now)
		m.Status = moment.StatusPublished
		_, err := tx.CreateMoment(ctx, m)
		return err
	}))

	var first chat.UnlockRequest
	require.NoError(t, store.WithinTx(ctx, func(tx storage.Tx) error {
		var err error
		first, err = tx.CreateUnlock(ctx, chat.UnlockRequest{MomentID: "m-1", RequesterID: "fan", HostID: "host", Status: chat.UnlockPending, CreatedAt: now})
		return err
	}))

	err := store.WithinTx(ctx, func(tx storage.Tx) error {
		_, err := tx.CreateUnlock(ctx, chat.UnlockRequest{MomentID: "m-1", RequesterID: "fan", HostID: "host", Status: chat.UnlockPending, CreatedAt: now})
		return err
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrStaleState), "got %v", err)

	// A declined request no longer blocks a new one.
	require.NoError(t, store.WithinTx(ctx, func(tx storage.Tx) error {
		first.Status = chat.UnlockDeclined
		if _, err := tx.UpdateUnlock(ctx, first, chat.UnlockPending); err != nil {
			return err
		}
		_, err := tx.CreateUnlock(ctx, chat.UnlockRequest{MomentID: "m-1", RequesterID: "fan", HostID: "host", Status: chat.UnlockPending, CreatedAt: now})
		return err
	}))
}

func TestPostgresUniqueViolationMapsToClaimConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	store := New(sqlx.NewDb(db, "postgres"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO claims")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err = store.WithinTx(context.Background(), func(tx storage.Tx) error {
		_, err := tx.CreateClaim(context.Background(), claim.Claim{MomentID: "m-1", ClaimantID: "u1", Status: claim.StatusActive})
		return err
	})
	if !apperrors.Is(err, apperrors.ErrClaimConflict) {
		t.Fatalf("expected claim conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresAdjustBalanceUsesGuardedUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	store := New(sqlx.NewDb(db, "postgres"))
	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $4 AND available + $5 >= 0 AND pending + $6 >= 0")).
		WithArgs(int64(-500), int64(500), sqlmock.AnyArg(), "acct-1", int64(-500), int64(500)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "roles", "plan_id", "available", "pending", "disabled", "created_at", "updated_at"}).
			AddRow("acct-1", "user", "", int64(1500), int64(500), false, now.UnixMilli(), now.UnixMilli()))
	mock.ExpectCommit()

	err = store.WithinTx(context.Background(), func(tx storage.Tx) error {
		acct, err := tx.AdjustBalance(context.Background(), "acct-1", -coin.FromCoins(5), coin.FromCoins(5), now)
		if err != nil {
			return err
		}
		if acct.Available != coin.FromCoins(15) || acct.Pending != coin.FromCoins(5) {
			t.Fatalf("unexpected balances %+v", acct)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	store, err := Open(ctx, migrations.Postgres, dsn, Options{Migrate: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	id := "it-" + time.Now().Format("150405.000000")
	err = store.WithinTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.CreateAccount(ctx, account.Account{ID: id, Available: coin.FromCoins(10)}); err != nil {
			return err
		}
		_, err := tx.AdjustBalance(ctx, id, -coin.FromCoins(11), 0, time.Now())
		return err
	})
	if !apperrors.Is(err, apperrors.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}
