package chat

import "time"

// UnlockStatus is the state of a chat unlock request.
type UnlockStatus string

const (
	UnlockPending  UnlockStatus = "pending"
	UnlockApproved UnlockStatus = "approved"
	UnlockDeclined UnlockStatus = "declined"
)

// UnlockRequest asks a host to open a chat about a moment.
type UnlockRequest struct {
	ID          string       `json:"id"`
	MomentID    string       `json:"moment_id"`
	RequesterID string       `json:"requester_id"`
	HostID      string       `json:"host_id"`
	Status      UnlockStatus `json:"status"`
	Premium     bool         `json:"premium"`
	CreatedAt   time.Time    `json:"created_at"`
	DecidedAt   *time.Time   `json:"decided_at,omitempty"`
}

// Covers reports whether the request opens chat between a and b, in either direction.
func (r UnlockRequest) Covers(a, b string) bool {
	return (r.RequesterID == a && r.HostID == b) || (r.RequesterID == b && r.HostID == a)
}

// Message is a chat line between two participants of a moment.
type Message struct {
	ID          string    `json:"id"`
	MomentID    string    `json:"moment_id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}
