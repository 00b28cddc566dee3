package proof

import "time"

// Status is the review state of a proof.
type Status string

const (
	StatusSubmitted   Status = "submitted"
	StatusFlaggedByAI Status = "flagged_by_ai"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
)

// Decision is an admin review outcome.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool { return d == DecisionApprove || d == DecisionReject }

// Proof is evidence that a claimed moment happened.
type Proof struct {
	ID             string     `json:"id"`
	ClaimID        string     `json:"claim_id"`
	MomentID       string     `json:"moment_id"`
	SubmitterID    string     `json:"submitter_id"`
	Attempt        int        `json:"attempt"`
	Status         Status     `json:"status"`
	MediaRefs      []string   `json:"media_refs"`
	Note           string     `json:"note,omitempty"`
	AIScore        float64    `json:"ai_score,omitempty"`
	AIReason       string     `json:"ai_reason,omitempty"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	ReviewDeadline time.Time  `json:"review_deadline"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
}

// Open reports whether the proof still awaits an admin decision.
func (p Proof) Open() bool {
	return p.Status == StatusSubmitted || p.Status == StatusFlaggedByAI
}

// Overdue reports whether an open proof passed its review deadline at now.
func (p Proof) Overdue(now time.Time) bool {
	return p.Open() && now.After(p.ReviewDeadline)
}
