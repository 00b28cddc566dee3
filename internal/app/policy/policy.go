// Package policy holds the tunable windows and thresholds of the lifecycle.
package policy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Policy collects lifecycle timing and review knobs.
type Policy struct {
	// ClaimTTL bounds how long an unconsumed claim holds a moment.
	ClaimTTL time.Duration `yaml:"claim_ttl"`
	// CancelWindow is how long after claiming the claimant may cancel. Zero
	// allows cancellation any time before consumption.
	CancelWindow time.Duration `yaml:"cancel_window"`
	// ProofWindow runs from consumption to the proof deadline.
	ProofWindow time.Duration `yaml:"proof_window"`
	// ReviewWindow is the admin review target for submitted proofs.
	ReviewWindow time.Duration `yaml:"review_window"`
	// EscrowHorizon is how long escrow stays pending before it expires.
	EscrowHorizon time.Duration `yaml:"escrow_horizon"`
	// MaxProofAttempts caps proof submissions per claim.
	MaxProofAttempts int `yaml:"max_proof_attempts"`
	// AIFlagThreshold is the suspicion score at or above which content is flagged.
	AIFlagThreshold float64 `yaml:"ai_flag_threshold"`
	// DefaultCommission applies when a plan has no configured rate.
	DefaultCommission decimal.Decimal `yaml:"default_commission"`
}

// Default returns the production defaults.
func Default() Policy {
	return Policy{
		ClaimTTL:          48 * time.Hour,
		CancelWindow:      2 * time.Hour,
		ProofWindow:       72 * time.Hour,
		ReviewWindow:      24 * time.Hour,
		EscrowHorizon:     7 * 24 * time.Hour,
		MaxProofAttempts:  3,
		AIFlagThreshold:   0.75,
		DefaultCommission: decimal.NewFromInt(10),
	}
}

// Validate checks the knobs are usable.
func (p Policy) Validate() error {
	switch {
	case p.ClaimTTL <= 0:
		return fmt.Errorf("claim_ttl must be positive")
	case p.ProofWindow <= 0:
		return fmt.Errorf("proof_window must be positive")
	case p.ReviewWindow <= 0:
		return fmt.Errorf("review_window must be positive")
	case p.EscrowHorizon <= 0:
		return fmt.Errorf("escrow_horizon must be positive")
	case p.CancelWindow < 0:
		return fmt.Errorf("cancel_window must not be negative")
	case p.MaxProofAttempts < 1:
		return fmt.Errorf("max_proof_attempts must be at least 1")
	case p.AIFlagThreshold <= 0 || p.AIFlagThreshold > 1:
		return fmt.Errorf("ai_flag_threshold must be in (0,1]")
	case p.DefaultCommission.IsNegative() || p.DefaultCommission.GreaterThan(decimal.NewFromInt(100)):
		return fmt.Errorf("default_commission must be a percentage in [0,100]")
	}
	return nil
}
