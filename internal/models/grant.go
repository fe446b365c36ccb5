package models

import (
	"encoding/json"
	"time"
)

// GrantStatus represents the lifecycle state of a grant
type GrantStatus int

const (
	// PENDING covers the window between the remote add and the local write.
	// Issuance only records a row once the panel confirms, so persisted rows
	// start at ACTIVE; the constant exists for the wire format.
	GrantStatusPending   GrantStatus = 1
	GrantStatusActive    GrantStatus = 2
	GrantStatusExhausted GrantStatus = 3
	GrantStatusExpired   GrantStatus = 4
	GrantStatusRevoked   GrantStatus = 5
)

// MarshalJSON converts GrantStatus to string for JSON
func (gs GrantStatus) MarshalJSON() ([]byte, error) {
	var s string
	switch gs {
	case GrantStatusPending:
		s = "pending"
	case GrantStatusActive:
		s = "active"
	case GrantStatusExhausted:
		s = "exhausted"
	case GrantStatusExpired:
		s = "expired"
	case GrantStatusRevoked:
		s = "revoked"
	default:
		s = "unknown"
	}
	return json.Marshal(s)
}

// UnmarshalJSON converts string back to GrantStatus for JSON parsing
func (gs *GrantStatus) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var i int
		if err := json.Unmarshal(data, &i); err != nil {
			return err
		}
		*gs = GrantStatus(i)
		return nil
	}
	switch s {
	case "pending":
		*gs = GrantStatusPending
	case "active":
		*gs = GrantStatusActive
	case "exhausted":
		*gs = GrantStatusExhausted
	case "expired":
		*gs = GrantStatusExpired
	case "revoked":
		*gs = GrantStatusRevoked
	default:
		*gs = GrantStatusPending
	}
	return nil
}

// Grant represents one issued proxy credential with quota and expiry.
// Terminal rows are kept for audit and never reused - a renewal is a new grant.
type Grant struct {
	ID           uint   `gorm:"column:id;primaryKey" json:"id"`
	GrantID      string `gorm:"column:grant_id;uniqueIndex;size:64;not null" json:"grant_id"`
	AccessSecret string `gorm:"column:access_secret;size:64;not null" json:"-"`
	RoutingAlias string `gorm:"column:routing_alias;uniqueIndex;size:100;not null" json:"routing_alias"`
	OwnerID      string `gorm:"column:owner_id;size:100;index;not null" json:"owner_id"`
	CountryCode  string `gorm:"column:country_code;size:8;not null" json:"country_code"`

	// Quota (0 = unlimited). ConsumedBytes is folded in from the panel's
	// counters only, never incremented locally. Overage is tolerated - it is
	// the signal for the EXHAUSTED transition, not an invariant violation.
	QuotaBytes    int64 `gorm:"column:quota_bytes;default:0" json:"quota_bytes"`
	ConsumedBytes int64 `gorm:"column:consumed_bytes;default:0" json:"consumed_bytes"`

	ExpiresAt *time.Time  `gorm:"column:expires_at" json:"expires_at"`
	Status    GrantStatus `gorm:"column:status;default:1;index" json:"status"`

	// RemoteDeleted tracks whether the panel-side credential has been cleaned
	// up for terminal grants. Cleared remotely by the sweep when false.
	RemoteDeleted bool `gorm:"column:remote_deleted;default:false" json:"remote_deleted"`

	LastReconciledAt *time.Time `gorm:"column:last_reconciled_at" json:"last_reconciled_at"`
	CreatedAt        time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (Grant) TableName() string {
	return "grants"
}

// IsTerminal returns true once the grant can never carry traffic again
func (g *Grant) IsTerminal() bool {
	switch g.Status {
	case GrantStatusExhausted, GrantStatusExpired, GrantStatusRevoked:
		return true
	}
	return false
}

// IsUnlimited returns true for grants with no volume bound
func (g *Grant) IsUnlimited() bool {
	return g.QuotaBytes == 0
}

// ExhaustedBy reports whether the given consumed byte count exceeds the quota
func (g *Grant) ExhaustedBy(consumed int64) bool {
	return g.QuotaBytes > 0 && consumed > g.QuotaBytes
}

// ExpiredAt reports whether the grant's expiry has passed at the given time.
// A nil expiry never expires.
func (g *Grant) ExpiredAt(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// RemainingBytes returns the unconsumed quota, or 0 for unlimited/overdrawn grants
func (g *Grant) RemainingBytes() int64 {
	if g.QuotaBytes == 0 || g.ConsumedBytes >= g.QuotaBytes {
		return 0
	}
	return g.QuotaBytes - g.ConsumedBytes
}
