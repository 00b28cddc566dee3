package claim

import "time"

// Status is the lifecycle state of a claim.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Claim is a user's reservation of a moment.
type Claim struct {
	ID            string     `json:"id"`
	MomentID      string     `json:"moment_id"`
	ClaimantID    string     `json:"claimant_id"`
	Status        Status     `json:"status"`
	ClaimedAt     time.Time  `json:"claimed_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ConsumedAt    *time.Time `json:"consumed_at,omitempty"`
	ProofDeadline *time.Time `json:"proof_deadline,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

// Consumed reports whether the claimant has marked the moment consumed.
func (c Claim) Consumed() bool { return c.ConsumedAt != nil }

// Expirable reports whether an active, unconsumed claim ran out at now.
func (c Claim) Expirable(now time.Time) bool {
	return c.Status == StatusActive && !c.Consumed() && !now.Before(c.ExpiresAt)
}

// ProofLapsed reports whether a consumed claim missed its proof deadline.
func (c Claim) ProofLapsed(now time.Time) bool {
	return c.Status == StatusActive && c.ProofDeadline != nil && now.After(*c.ProofDeadline)
}

// Cancellable reports whether the claimant may still back out at now.
func (c Claim) Cancellable(now time.Time, window time.Duration) bool {
	if c.Status != StatusActive || c.Consumed() {
		return false
	}
	return window <= 0 || now.Before(c.ClaimedAt.Add(window))
}
