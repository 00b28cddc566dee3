// Package tier classifies coin amounts into escrow tiers.
//
// Classify is the only place the tier boundaries live. Gift routing, moment
// price tiers, contributor caps and chat unlock gating all call it.
package tier

import "github.com/lovendo/momentcore/internal/app/domain/coin"

// Tier is an escrow tier.
type Tier string

const (
	// Direct amounts move immediately and never produce an escrow.
	Direct Tier = "direct"
	// Optional amounts are held in escrow only when requested.
	Optional Tier = "optional"
	// Mandatory amounts are always held in escrow.
	Mandatory Tier = "mandatory"
)

var (
	// OptionalFloor is the inclusive lower bound of the optional tier.
	OptionalFloor = coin.FromCoins(30)
	// MandatoryFloor is the inclusive lower bound of the mandatory tier.
	MandatoryFloor = coin.FromCoins(100)
)

// MandatoryContributorCap is the unique contributor limit of a mandatory-tier moment.
const MandatoryContributorCap = 3

// Classify maps an amount to its tier. Ranges are closed on the left:
// [0,30) direct, [30,100) optional, [100,∞) mandatory.
func Classify(amount coin.Amount) Tier {
	switch {
	case amount >= MandatoryFloor:
		return Mandatory
	case amount >= OptionalFloor:
		return Optional
	default:
		return Direct
	}
}

// ContributorCap returns the contributor limit for a moment priced at price,
// or nil when the moment is uncapped.
func ContributorCap(price coin.Amount) *int {
	if Classify(price) != Mandatory {
		return nil
	}
	n := MandatoryContributorCap
	return &n
}

// RequiresEscrow reports whether a gift of amount must be held. momentTier is
// the tier of the moment the gift is attached to, or "" for a loose gift.
// Direct amounts are never held; optional amounts are held on request or when
// the moment itself is mandatory-tier.
func RequiresEscrow(amount coin.Amount, preference bool, momentTier Tier) bool {
	switch Classify(amount) {
	case Mandatory:
		return true
	case Optional:
		return preference || momentTier == Mandatory
	default:
		return false
	}
}

// ChatUnlockAllowed reports whether a moment of tier t accepts unlock requests.
func ChatUnlockAllowed(t Tier) bool { return t != Direct }

// Premium reports whether chat unlocks on tier t are flagged premium.
func Premium(t Tier) bool { return t == Mandatory }

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == Direct || t == Optional || t == Mandatory
}
