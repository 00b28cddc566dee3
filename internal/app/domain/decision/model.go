// Package decision defines the append-only admin decision log.
//
// Decisions are never edited. A reversal is a new decision whose SupersedesID
// points at the one it overturns.
package decision

import "time"

// Decision is one admin ruling on an entity.
type Decision struct {
	ID           string    `json:"id"`
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	Decision     string    `json:"decision"`
	ActorID      string    `json:"actor_id"`
	Reason       string    `json:"reason"`
	Reversible   bool      `json:"reversible"`
	SupersedesID string    `json:"supersedes_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
