package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	domainaudit "github.com/lovendo/momentcore/internal/app/domain/audit"
	"github.com/lovendo/momentcore/internal/app/domain/claim"
	"github.com/lovendo/momentcore/internal/app/domain/coin"
	"github.com/lovendo/momentcore/internal/app/policy"
	"github.com/lovendo/momentcore/internal/app/services/audit"
	"github.com/lovendo/momentcore/internal/app/services/claims"
	"github.com/lovendo/momentcore/internal/app/services/escrow"
	"github.com/lovendo/momentcore/internal/app/services/ledger"
	"github.com/lovendo/momentcore/internal/app/services/moments"
	"github.com/lovendo/momentcore/internal/app/services/proofs"
	"github.com/lovendo/momentcore/internal/app/storage/memory"
	"github.com/lovendo/momentcore/internal/logging"
)

var (
	creator = account.NewActor("creator-1", "creator")
	admin   = account.NewActor("admin-1", "admin")
)

type fixture struct {
	audit   *audit.Service
	ledger  *ledger.Service
	moments *moments.Service
	claims  *claims.Service
	escrow  *escrow.Service
	proofs  *proofs.Service
	sweeper *Sweeper

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	f := &fixture{now: time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)}
	clock := func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.now
	}
	pol := policy.Default()
	log := logging.Discard()
	f.audit = audit.New(store, log).WithClock(clock)
	f.ledger = ledger.New(store, f.audit, log).WithClock(clock)
	f.moments = moments.New(store, f.audit, log).WithClock(clock)
	f.claims = claims.New(store, f.moments, f.ledger, f.audit, pol, log).WithClock(clock)
	f.escrow = escrow.New(store, f.ledger, f.audit, nil, pol, log).WithClock(clock)
	f.proofs = proofs.New(store, f.moments, f.claims, f.escrow, f.audit, pol, log).WithClock(clock)
	f.sweeper = New(f.claims, f.escrow, f.proofs, f.audit, "", log)
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) overdueRecords(t *testing.T) []domainaudit.Record {
	t.Helper()
	records, err := f.audit.List(context.Background(), admin, domainaudit.Filter{Action: domainaudit.ActionProofOverdue})
	require.NoError(t, err)
	return records
}

func TestSweepPass(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	gifted, err := f.moments.Create(ctx, creator, moments.CreateRequest{Title: "Balloon ride", Price: coin.FromCoins(150)})
	require.NoError(t, err)
	_, err = f.ledger.Credit(ctx, admin, "giver-1", coin.FromCoins(100), "test")
	require.NoError(t, err)
	gift, err := f.escrow.CreateGift(ctx, account.NewActor("giver-1"), escrow.GiftRequest{MomentID: gifted.ID, Amount: coin.FromCoins(60)})
	require.NoError(t, err)
	require.NotNil(t, gift.Escrow)

	idle, err := f.moments.Create(ctx, creator, moments.CreateRequest{Title: "Museum tour", Price: coin.FromCoins(10)})
	require.NoError(t, err)
	stale, err := f.claims.Create(ctx, account.NewActor("claimant-1"), idle.ID)
	require.NoError(t, err)

	reviewed, err := f.moments.Create(ctx, creator, moments.CreateRequest{Title: "Pottery", Price: coin.FromCoins(10)})
	require.NoError(t, err)
	claimant := account.NewActor("claimant-2")
	c, err := f.claims.Create(ctx, claimant, reviewed.ID)
	require.NoError(t, err)
	_, err = f.claims.MarkConsumed(ctx, claimant, c.ID)
	require.NoError(t, err)
	p, err := f.proofs.Submit(ctx, claimant, c.ID, proofs.SubmitRequest{MediaRefs: []string{"media://bowl.jpg"}})
	require.NoError(t, err)

	f.advance(49 * time.Hour)
	r := f.sweeper.Sweep(ctx)
	assert.Equal(t, 1, r.ExpiredClaims.Processed)
	assert.Equal(t, []string{p.ID}, r.OverdueProofs)
	assert.Equal(t, 0, r.ExpiredEscrows)

	got, err := f.claims.Get(ctx, admin, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusExpired, got.Status)

	// overdue proofs are audited once
	r = f.sweeper.Sweep(ctx)
	assert.Equal(t, []string{p.ID}, r.OverdueProofs)
	assert.Len(t, f.overdueRecords(t), 1)

	f.advance(7 * 24 * time.Hour)
	r = f.sweeper.Sweep(ctx)
	assert.Equal(t, 1, r.ExpiredEscrows)
	assert.Zero(t, r.EscrowFailures)
	assert.Zero(t, r.FailedClaims.Failed)

	acct, err := f.ledger.Get(ctx, admin, "giver-1")
	require.NoError(t, err)
	assert.Equal(t, coin.FromCoins(100), acct.Available)
	assert.Equal(t, coin.Amount(0), acct.Pending)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.sweeper.Start(ctx))
	require.NoError(t, f.sweeper.Start(ctx))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.sweeper.Stop(stopCtx))
	require.NoError(t, f.sweeper.Stop(stopCtx))
}

func TestInvalidSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("@every 30s"))
	assert.NoError(t, ValidateSchedule("*/5 * * * *"))
	assert.Error(t, ValidateSchedule("every minute"))

	f := newFixture(t)
	s := New(f.claims, f.escrow, f.proofs, f.audit, "bogus", logging.Discard())
	assert.Error(t, s.Start(context.Background()))
}
