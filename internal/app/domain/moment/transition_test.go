package moment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovendo/momentcore/internal/app/domain/account"
	"github.com/lovendo/momentcore/internal/app/domain/coin"
	apperrors "github.com/lovendo/momentcore/internal/errors"
)

var (
	owner    = account.NewActor("creator-1", "creator")
	stranger = account.NewActor("user-9", "user")
	admin    = account.NewActor("admin-1", "admin")
	sys      = account.System()
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name  string
		from  Status
		event Event
		actor account.Actor
		want  Status
		code  apperrors.Code
	}{
		{"owner publishes", StatusDraft, EventPublish, owner, StatusPublished, ""},
		{"stranger cannot publish", StatusDraft, EventPublish, stranger, StatusDraft, apperrors.CodeUnauthorized},
		{"system flags", StatusPublished, EventFlag, sys, StatusFlagged, ""},
		{"user cannot flag", StatusPublished, EventFlag, stranger, StatusPublished, apperrors.CodeUnauthorized},
		{"admin clears flag", StatusFlagged, EventClearFlag, admin, StatusPublished, ""},
		{"claim", StatusPublished, EventClaim, stranger, StatusClaimed, ""},
		{"claim flagged", StatusFlagged, EventClaim, stranger, StatusFlagged, apperrors.CodeInvalidTransition},
		{"release claim", StatusClaimed, EventReleaseClaim, sys, StatusPublished, ""},
		{"consume", StatusClaimed, EventConsume, stranger, StatusConsumed, ""},
		{"proof", StatusConsumed, EventSubmitProof, stranger, StatusProofSubmitted, ""},
		{"resubmit after rejection", StatusProofRejected, EventSubmitProof, stranger, StatusProofSubmitted, ""},
		{"ai flags proof", StatusProofSubmitted, EventAIFlagProof, sys, StatusProofFlaggedByAI, ""},
		{"admin approves flagged proof", StatusProofFlaggedByAI, EventApproveProof, admin, StatusProofApproved, ""},
		{"user cannot approve", StatusProofSubmitted, EventApproveProof, stranger, StatusProofSubmitted, apperrors.CodeUnauthorized},
		{"admin rejects", StatusProofSubmitted, EventRejectProof, admin, StatusProofRejected, ""},
		{"close", StatusProofApproved, EventClose, sys, StatusClosed, ""},
		{"lapse", StatusConsumed, EventLapseProof, sys, StatusPublished, ""},
		{"lapse after rejection", StatusProofRejected, EventLapseProof, sys, StatusPublished, ""},
		{"user cannot lapse", StatusConsumed, EventLapseProof, stranger, StatusConsumed, apperrors.CodeUnauthorized},
		{"closed is terminal", StatusClosed, EventPublish, owner, StatusClosed, apperrors.CodeInvalidTransition},
		{"draft cannot be claimed", StatusDraft, EventClaim, stranger, StatusDraft, apperrors.CodeInvalidTransition},
		{"approve consumed", StatusConsumed, EventApproveProof, admin, StatusConsumed, apperrors.CodeInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Moment{ID: "m-1", OwnerID: owner.ID, Status: tt.from}
			got, err := Transition(m, tt.event, tt.actor)
			assert.Equal(t, tt.want, got)
			if tt.code == "" {
				require.NoError(t, err)
				return
			}
			se := apperrors.GetServiceError(err)
			require.NotNil(t, se)
			assert.Equal(t, tt.code, se.Code)
		})
	}
}

func TestSuspendRemembersClaimState(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := New("m-1", owner.ID, "Dinner", coin.FromCoins(150), now)
	m.Status = StatusConsumed

	suspended, err := Apply(m, EventSuspend, admin, now)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, suspended.Status)
	assert.Equal(t, StatusConsumed, suspended.SuspendedFrom)
	assert.Equal(t, m.Version+1, suspended.Version)

	resumed, err := Apply(suspended, EventUnsuspend, admin, now)
	require.NoError(t, err)
	assert.Equal(t, StatusConsumed, resumed.Status)
	assert.Empty(t, resumed.SuspendedFrom)
}

func TestUnsuspendFromFlaggedReturnsToPublished(t *testing.T) {
	m := Moment{ID: "m-1", OwnerID: owner.ID, Status: StatusSuspended, SuspendedFrom: StatusFlagged}
	got, err := Transition(m, EventUnsuspend, admin)
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, got)
}

func TestApplyRejectionLeavesMomentUntouched(t *testing.T) {
	m := Moment{ID: "m-1", OwnerID: owner.ID, Status: StatusClosed, Version: 4}
	got, err := Apply(m, EventSuspend, admin, time.Now())
	require.Error(t, err)
	assert.Equal(t, m, got)
}

func TestNewDerivesTierAndCap(t *testing.T) {
	m := New("m-1", owner.ID, "Concert", coin.FromCoins(150), time.Now())
	require.NotNil(t, m.MaxContributors)
	assert.Equal(t, 3, *m.MaxContributors)
	assert.Equal(t, StatusDraft, m.Status)

	cheap := New("m-2", owner.ID, "Coffee", coin.FromCoins(20), time.Now())
	assert.Nil(t, cheap.MaxContributors)
	assert.False(t, cheap.CapReached())
}
