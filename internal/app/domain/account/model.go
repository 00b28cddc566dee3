package account

import (
	"strings"
	"time"

	"github.com/lovendo/momentcore/internal/app/domain/coin"
)

// Role is a capability flag on an account. User and creator are not exclusive.
type Role string

const (
	RoleUser       Role = "user"
	RoleCreator    Role = "creator"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
	RoleSystem     Role = "system"
)

// SystemActorID identifies automatic transitions (sweeper, proof approval).
const SystemActorID = "system"

// TreasuryAccountID receives commission on escrow release.
const TreasuryAccountID = "platform-treasury"

// Account holds a user's coin balances. Balances only change through the
// ledger service.
type Account struct {
	ID        string      `json:"id"`
	Roles     []Role      `json:"roles"`
	PlanID    string      `json:"plan_id,omitempty"`
	Available coin.Amount `json:"available_balance"`
	Pending   coin.Amount `json:"pending_balance"`
	Disabled  bool        `json:"disabled"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// HasRole reports whether the account carries role.
func (a Account) HasRole(role Role) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RestrictionType names a policy restriction placed on an account.
type RestrictionType string

const (
	RestrictionClaimBan RestrictionType = "claim_ban"
	RestrictionGiftBan  RestrictionType = "gift_ban"
)

// Restriction blocks an account from a class of actions until ExpiresAt.
type Restriction struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Type      RestrictionType `json:"type"`
	Reason    string          `json:"reason"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
}

// ActiveAt reports whether the restriction applies at t.
func (r Restriction) ActiveAt(t time.Time) bool {
	return r.ExpiresAt.IsZero() || t.Before(r.ExpiresAt)
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID    string
	Roles []Role
}

// System returns the actor used for automatic transitions.
func System() Actor {
	return Actor{ID: SystemActorID, Roles: []Role{RoleSystem}}
}

// NewActor builds an actor from an id and role names.
func NewActor(id string, roles ...string) Actor {
	a := Actor{ID: strings.TrimSpace(id)}
	for _, r := range roles {
		r = strings.TrimSpace(strings.ToLower(r))
		if r == "" {
			continue
		}
		a.Roles = append(a.Roles, Role(r))
	}
	if len(a.Roles) == 0 {
		a.Roles = []Role{RoleUser}
	}
	return a
}

// Has reports whether the actor carries role.
func (a Actor) Has(role Role) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports admin or super-admin.
func (a Actor) IsAdmin() bool {
	return a.Has(RoleAdmin) || a.Has(RoleSuperAdmin)
}

// IsSystem reports the automatic system actor.
func (a Actor) IsSystem() bool {
	return a.Has(RoleSystem)
}

// RoleNames returns the roles as strings.
func (a Actor) RoleNames() []string {
	out := make([]string, len(a.Roles))
	for i, r := range a.Roles {
		out[i] = string(r)
	}
	return out
}

// JoinRoles encodes roles for storage.
func JoinRoles(roles []Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}

// SplitRoles decodes roles from storage.
func SplitRoles(raw string) []Role {
	var out []Role
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, Role(p))
		}
	}
	return out
}
