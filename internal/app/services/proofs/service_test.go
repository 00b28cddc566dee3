package proofs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	"github.com/lovendo/momentcore/internal/app/domain/claim"
	"github.com/lovendo/momentcore/internal/app/domain/coin"
	domainescrow "github.com/lovendo/momentcore/internal/app/domain/escrow"
	"github.com/lovendo/momentcore/internal/app/domain/moment"
	domain "github.com/lovendo/momentcore/internal/app/domain/proof"
	"github.com/lovendo/momentcore/internal/app/policy"
	"github.com/lovendo/momentcore/internal/app/services/audit"
	"github.com/lovendo/momentcore/internal/app/services/claims"
	"github.com/lovendo/momentcore/internal/app/services/escrow"
	"github.com/lovendo/momentcore/internal/app/services/ledger"
	"github.com/lovendo/momentcore/internal/app/services/moments"
	"github.com/lovendo/momentcore/internal/app/storage"
	"github.com/lovendo/momentcore/internal/app/storage/memory"
	apperrors "github.com/lovendo/momentcore/internal/errors"
	"github.com/lovendo/momentcore/internal/logging"
)

var (
	creator = account.NewActor("creator-1", "creator")
	admin   = account.NewActor("admin-1", "admin")
)

type fixture struct {
	store   storage.Store
	ledger  *ledger.Service
	moments *moments.Service
	claims  *claims.Service
	escrow  *escrow.Service
	proofs  *Service

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithPlans(t, nil)
}

func newFixtureWithPlans(t *testing.T, plans escrow.CommissionSource) *fixture {
	t.Helper()
	store := memory.New()
	f := &fixture{store: store, now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.now
	}
	pol := policy.Default()
	log := logging.Discard()
	auditor := audit.New(store, log).WithClock(clock)
	f.ledger = ledger.New(store, auditor, log).WithClock(clock)
	f.moments = moments.New(store, auditor, log).WithClock(clock)
	f.claims = claims.New(store, f.moments, f.ledger, auditor, pol, log).WithClock(clock)
	f.escrow = escrow.New(store, f.ledger, auditor, plans, pol, log).WithClock(clock)
	f.proofs = New(store, f.moments, f.claims, f.escrow, auditor, pol, log).WithClock(clock)
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) fund(t *testing.T, id string, coins int64) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), admin, id, coin.FromCoins(coins), "test")
	require.NoError(t, err)
}

func (f *fixture) account(t *testing.T, id string) account.Account {
	t.Helper()
	acct, err := f.ledger.Get(context.Background(), admin, id)
	require.NoError(t, err)
	return acct
}

func (f *fixture) consumedClaim(t *testing.T, price int64, claimant account.Actor) (moment.Moment, claim.Claim) {
	t.Helper()
	ctx := context.Background()
	m, err := f.moments.Create(ctx, creator, moments.CreateRequest{Title: "Cooking class", Price: coin.FromCoins(price)})
	require.NoError(t, err)
	c, err := f.claims.Create(ctx, claimant, m.ID)
	require.NoError(t, err)
	c, err = f.claims.MarkConsumed(ctx, claimant, c.ID)
	require.NoError(t, err)
	return m, c
}

func submit(f *fixture, actor account.Actor, claimID string) (domain.Proof, error) {
	return f.proofs.Submit(context.Background(), actor, claimID, SubmitRequest{MediaRefs: []string{"media://receipt.jpg"}})
}

func TestEndToEndMandatoryMoment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	m, err := f.moments.Create(ctx, creator, moments.CreateRequest{Title: "Hot air balloon", Price: coin.FromCoins(150)})
	require.NoError(t, err)

	var escrowIDs []string
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("giver-%d", i)
		f.fund(t, id, 100)
		res, err := f.escrow.CreateGift(ctx, account.NewActor(id), escrow.GiftRequest{MomentID: m.ID, Amount: coin.FromCoins(60)})
		require.NoError(t, err)
		require.NotNil(t, res.Escrow)
		escrowIDs = append(escrowIDs, res.Escrow.ID)
	}

	f.fund(t, "giver-4", 100)
	_, err = f.escrow.CreateGift(ctx, account.NewActor("giver-4"), escrow.GiftRequest{MomentID: m.ID, Amount: coin.FromCoins(60)})
	assert.ErrorIs(t, err, apperrors.ErrContributorCapExceeded)

	claimant := account.NewActor("claimant-5")
	c, err := f.claims.Create(ctx, claimant, m.ID)
	require.NoError(t, err)
	_, err = f.claims.MarkConsumed(ctx, claimant, c.ID)
	require.NoError(t, err)

	// nothing is paid out before release
	assert.Equal(t, coin.Amount(0), f.account(t, "creator-1").Available)

	p, err := submit(f, claimant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Attempt)

	res, err := f.proofs.Decide(ctx, admin, p.ID, domain.DecisionApprove, "looks good")
	require.NoError(t, err)
	assert.Equal(t, moment.StatusClosed, res.Moment.Status)
	assert.Equal(t, claim.StatusCompleted, res.Claim.Status)
	require.Len(t, res.Resolutions, 3)

	for _, id := range escrowIDs {
		e, err := f.escrow.Get(ctx, admin, id)
		require.NoError(t, err)
		assert.Equal(t, domainescrow.StatusReleased, e.Status)
		assert.Equal(t, coin.FromCoins(6), e.Commission)
	}
	assert.Equal(t, coin.FromCoins(162), f.account(t, "creator-1").Available)
	assert.Equal(t, coin.FromCoins(18), f.account(t, account.TreasuryAccountID).Available)
	for i := 1; i <= 3; i++ {
		g := f.account(t, fmt.Sprintf("giver-%d", i))
		assert.Equal(t, coin.FromCoins(40), g.Available)
		assert.Equal(t, coin.Amount(0), g.Pending)
	}
	assert.Equal(t, coin.FromCoins(100), f.account(t, "giver-4").Available)
}

func TestTimeoutLeavesEscrowPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m, err := f.moments.Create(ctx, creator, moments.CreateRequest{Title: "Hot air balloon", Price: coin.FromCoins(150)})
	require.NoError(t, err)
	f.fund(t, "giver", 200)
	gift, err := f.escrow.CreateGift(ctx, account.NewActor("giver"), escrow.GiftRequest{MomentID: m.ID, Amount: coin.FromCoins(150)})
	require.NoError(t, err)

	c, err := f.claims.Create(ctx, account.NewActor("claimant"), m.ID)
	require.NoError(t, err)

	f.advance(policy.Default().ClaimTTL + time.Minute)
	sweep := f.claims.ExpireDue(ctx)
	assert.Equal(t, 1, sweep.Processed)

	got, err := f.claims.Get(ctx, admin, c.ID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusExpired, got.Status)
	mm, err := f.moments.Get(ctx, admin, m.ID)
	require.NoError(t, err)
	assert.Equal(t, moment.StatusPublished, mm.Status)

	e, err := f.escrow.Get(ctx, admin, gift.Escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, domainescrow.StatusPending, e.Status)
	assert.Equal(t, coin.FromCoins(150), f.account(t, "giver").Pending)
}

func TestRejectRefundsAndAllowsRetryUntilLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	claimant := account.NewActor("claimant")
	m, c := f.consumedClaim(t, 150, claimant)
	f.fund(t, "giver", 200)
	_, err := f.escrow.CreateGift(ctx, account.NewActor("giver"), escrow.GiftRequest{MomentID: m.ID, Amount: coin.FromCoins(150)})
	require.NoError(t, err)

	p, err := submit(f, claimant, c.ID)
	require.NoError(t, err)
	_, err = submit(f, claimant, c.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition, "one open proof at a time")

	res, err := f.proofs.Decide(ctx, admin, p.ID, domain.DecisionReject, "blurry")
	require.NoError(t, err)
	assert.Equal(t, moment.StatusProofRejected, res.Moment.Status)
	assert.Equal(t, claim.StatusActive, res.Claim.Status)
	require.Len(t, res.Resolutions, 1)
	assert.Equal(t, domainescrow.StatusRefunded, res.Resolutions[0].Escrow.Status)
	assert.Equal(t, coin.FromCoins(200), f.account(t, "giver").Available)

	_, err = f.proofs.Decide(ctx, admin, p.ID, domain.DecisionApprove, "changed mind")
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	for attempt := 2; attempt <= policy.Default().MaxProofAttempts; attempt++ {
		p, err = submit(f, claimant, c.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, p.Attempt)
		res, err = f.proofs.Decide(ctx, admin, p.ID, domain.DecisionReject, "still blurry")
		require.NoError(t, err)
	}
	assert.Equal(t, claim.StatusFailed, res.Claim.Status)
	assert.Equal(t, moment.StatusPublished, res.Moment.Status)

	_, err = submit(f, claimant, c.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestLateProofLapsesClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	claimant := account.NewActor("claimant")
	m, c := f.consumedClaim(t, 60, claimant)

	f.advance(policy.Default().ProofWindow + time.Second)
	_, err := submit(f, claimant, c.ID)
	assert.ErrorIs(t, err, apperrors.ErrWindowClosed)

	got, err := f.claims.Get(ctx, claimant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, claim.StatusFailed, got.Status)
	mm, err := f.moments.Get(ctx, admin, m.ID)
	require.NoError(t, err)
	assert.Equal(t, moment.StatusPublished, mm.Status)
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	claimant := account.NewActor("claimant")
	_, c := f.consumedClaim(t, 60, claimant)

	_, err := f.proofs.Submit(ctx, claimant, c.ID, SubmitRequest{MediaRefs: []string{" "}})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = submit(f, account.NewActor("someone-else"), c.ID)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestAIFlagIsAdvisory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	claimant := account.NewActor("claimant")
	_, c := f.consumedClaim(t, 60, claimant)

	var hooked []string
	f.proofs.OnSubmit(func(_ context.Context, p domain.Proof) { hooked = append(hooked, p.ID) })

	p, err := submit(f, claimant, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, hooked)

	p, err = f.proofs.RecordScore(ctx, p.ID, 0.91, "stock photo", true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFlaggedByAI, p.Status)

	res, err := f.proofs.Decide(ctx, admin, p.ID, domain.DecisionApprove, "verified manually")
	require.NoError(t, err)
	assert.Equal(t, moment.StatusClosed, res.Moment.Status)
}

func TestDecideRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	_, err := f.proofs.Decide(context.Background(), creator, "p1", domain.DecisionApprove, "")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	_, err = f.proofs.Decide(context.Background(), admin, "p1", domain.Decision("maybe"), "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestOverdueReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	claimant := account.NewActor("claimant")
	_, c := f.consumedClaim(t, 60, claimant)
	p, err := submit(f, claimant, c.ID)
	require.NoError(t, err)

	list, err := f.proofs.Overdue(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	f.advance(policy.Default().ReviewWindow + time.Minute)
	list, err = f.proofs.Overdue(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)
}

// hookedPlans runs onFirst before answering the first rate lookup.
type hookedPlans struct {
	escrow.CommissionSource
	once    sync.Once
	onFirst func()
}

func (h *hookedPlans) CommissionRate(ctx context.Context, planID string) (decimal.Decimal, error) {
	h.once.Do(h.onFirst)
	return h.CommissionSource.CommissionRate(ctx, planID)
}

func TestApproveQuotesEscrowCreatedAfterQuote(t *testing.T) {
	ctx := context.Background()
	static, err := escrow.ParsePlans([]byte("plans:\n  pro: 5\n"))
	require.NoError(t, err)
	plans := &hookedPlans{CommissionSource: static}
	f := newFixtureWithPlans(t, plans)

	for _, id := range []string{"early", "late"} {
		require.NoError(t, f.store.WithinTx(ctx, func(tx storage.Tx) error {
			_, err := tx.CreateAccount(ctx, account.Account{ID: id, PlanID: "pro", Roles: []account.Role{account.RoleUser}})
			return err
		}))
		f.fund(t, id, 100)
	}

	fan := account.NewActor("fan-1")
	m, c := f.consumedClaim(t, 150, fan)
	_, err = f.escrow.CreateGift(ctx, account.NewActor("early"), escrow.GiftRequest{MomentID: m.ID, Amount: coin.FromCoins(100)})
	require.NoError(t, err)
	p, err := submit(f, fan, c.ID)
	require.NoError(t, err)

	plans.onFirst = func() {
		_, err := f.escrow.CreateGift(ctx, account.NewActor("late"), escrow.GiftRequest{MomentID: m.ID, Amount: coin.FromCoins(100)})
		require.NoError(t, err)
	}

	res, err := f.proofs.Decide(ctx, admin, p.ID, domain.DecisionApprove, "looks good")
	require.NoError(t, err)
	require.Len(t, res.Resolutions, 2)
	for _, r := range res.Resolutions {
		assert.Equal(t, coin.FromCoins(5), r.Escrow.Commission, "sender %s", r.Escrow.SenderID)
	}
	assert.Equal(t, coin.FromCoins(190), f.account(t, "creator-1").Available)
}
