package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	"github.com/lovendo/momentcore/internal/app/domain/claim"
	"github.com/lovendo/momentcore/internal/app/domain/coin"
	"github.com/lovendo/momentcore/internal/app/domain/moment"
	"github.com/lovendo/momentcore/internal/app/storage"
	apperrors "github.com/lovendo/momentcore/internal/errors"
)

func TestWithinTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.CreateAccount(ctx, account.Account{ID: "a"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.View(ctx, func(tx storage.Tx) error {
		_, err := tx.GetAccount(ctx, "a")
		return err
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestViewRejectsWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.View(ctx, func(tx storage.Tx) error {
		_, err := tx.CreateAccount(ctx, account.Account{ID: "a"})
		return err
	})
	require.ErrorIs(t, err, errReadOnly)
}

func TestAdjustBalanceGuardsNegative(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.WithinTx(ctx, func(tx storage.Tx) error {
		_, err := tx.CreateAccount(ctx, account.Account{ID: "a", Available: coin.FromCoins(10)})
		return err
	}))

	err := s.WithinTx(ctx, func(tx storage.Tx) error {
		_, err := tx.AdjustBalance(ctx, "a", -coin.FromCoins(11), 0, time.Now())
		return err
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrInsufficientBalance))

	require.NoError(t, s.WithinTx(ctx, func(tx storage.Tx) error {
		acct, err := tx.AdjustBalance(ctx, "a", -coin.FromCoins(10), coin.FromCoins(10), time.Now())
		if err != nil {
			return err
		}
		assert.Equal(t, coin.Amount(0), acct.Available)
		assert.Equal(t, coin.FromCoins(10), acct.Pending)
		return nil
	}))
}

func TestSingleActiveClaimPerMoment(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.WithinTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.CreateClaim(ctx, claim.Claim{MomentID: "m", ClaimantID: "u1", Status: claim.StatusActive}); err != nil {
			return err
		}
		_, err := tx.CreateClaim(ctx, claim.Claim{MomentID: "m", ClaimantID: "u2", Status: claim.StatusActive})
		return err
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrClaimConflict))
}

func TestClaimSlotFreedAfterExpiry(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.WithinTx(ctx, func(tx storage.Tx) error {
		c, err := tx.CreateClaim(ctx, claim.Claim{MomentID: "m", ClaimantID: "u1", Status: claim.StatusActive})
		if err != nil {
			return err
		}
		c.Status = claim.StatusExpired
		if _, err := tx.UpdateClaim(ctx, c, claim.StatusActive); err != nil {
			return err
		}
		_, err = tx.CreateClaim(ctx, claim.Claim{MomentID: "m", ClaimantID: "u2", Status: claim.StatusActive})
		return err
	}))
}

func TestContributorCap(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.WithinTx(ctx, func(tx storage.Tx) error {
		_, err := tx.CreateMoment(ctx, moment.New("m", "owner", "Gala", coin.FromCoins(150), time.Now()))
		return err
	}))

	err := s.WithinTx(ctx, func(tx storage.Tx) error {
		for _, giver := range []string{"g1", "g2", "g3"} {
			added, err := tx.AddContributor(ctx, "m", giver)
			if err != nil {
				return err
			}
			assert.True(t, added)
		}
		added, err := tx.AddContributor(ctx, "m", "g1")
		require.NoError(t, err)
		assert.False(t, added)

		_, err = tx.AddContributor(ctx, "m", "g4")
		return err
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrContributorCapExceeded))
}
