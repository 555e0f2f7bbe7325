package store

import (
	"time"
)

// User source constants.
const (
	SourceConfig = "config"
	SourceAdmin  = "admin"
)

// User status constants.
const (
	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"
)

// Login request statuses.
const (
	LoginStatusPending  = "pending"
	LoginStatusApproved = "approved"
	LoginStatusRejected = "rejected"
	LoginStatusExpired  = "expired"
)

// User is an identity that can log in on behalf of an organization.
type User struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	OrganizationID string    `gorm:"index;not null" json:"organization_id"`
	Username       string    `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash   string    `gorm:"not null" json:"-"`
	Status         string    `gorm:"not null;default:active" json:"status"`
	Source         string    `gorm:"not null" json:"source"`
	Roles          []Role    `gorm:"many2many:user_roles;" json:"roles"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RoleNames returns the names of the user's roles.
func (u *User) RoleNames() []string {
	names := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		names = append(names, r.Name)
	}

	return names
}

// Role groups permissions.
type Role struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	Name        string       `gorm:"uniqueIndex;not null" json:"name"`
	Description string       `json:"description"`
	Permissions []Permission `gorm:"many2many:role_permissions;" json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Permission is a persisted (resource, action) pair.
type Permission struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Resource string `gorm:"uniqueIndex:idx_permission_pair;not null" json:"resource"`
	Action   string `gorm:"uniqueIndex:idx_permission_pair;not null" json:"action"`
	Name     string `gorm:"uniqueIndex;not null" json:"name"`
}

// LoginRequest is a login from an unrecognized device awaiting approval.
// At most one pending request exists per (user, device fingerprint).
type LoginRequest struct {
	ID                string     `gorm:"primaryKey;size:36" json:"id"`
	UserID            string     `gorm:"index;not null" json:"user_id"`
	OrganizationID    string     `gorm:"index;not null" json:"organization_id"`
	DeviceFingerprint string     `gorm:"not null" json:"device_fingerprint"`
	IPAddress         string     `json:"ip_address"`
	UserAgent         string     `json:"user_agent"`
	Status            string     `gorm:"index;not null" json:"status"`
	ApprovedBy        *string    `json:"approved_by,omitempty"`
	RejectionReason   *string    `json:"rejection_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         time.Time  `gorm:"index;not null" json:"expires_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

// LockoutState tracks failed credential checks for a user. Version is
// bumped on every write and used for compare-and-set updates.
type LockoutState struct {
	UserID         string     `gorm:"primaryKey;size:36" json:"user_id"`
	FailedAttempts int        `gorm:"not null" json:"failed_attempts"`
	WindowStart    time.Time  `json:"window_start"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	Version        int64      `gorm:"not null" json:"-"`
}

// TrustedDevice is a device fingerprint approved for a user.
type TrustedDevice struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	UserID      string     `gorm:"uniqueIndex:idx_trusted_device;not null" json:"user_id"`
	Fingerprint string     `gorm:"uniqueIndex:idx_trusted_device;not null" json:"fingerprint"`
	ApprovedBy  string     `json:"approved_by"`
	ApprovedAt  time.Time  `json:"approved_at"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
}

// GamingKey is a metered key usable on up to MaxDevices devices.
// Money fields are in minor currency units.
type GamingKey struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	KeyID            string     `gorm:"uniqueIndex;not null" json:"key_id"`
	OrganizationID   string     `gorm:"index;not null" json:"organization_id"`
	BatchID          string     `gorm:"index" json:"batch_id,omitempty"`
	ServiceID        string     `gorm:"index;not null" json:"service_id"`
	GameID           string     `json:"game_id,omitempty"`
	MaxDevices       int        `gorm:"not null" json:"max_devices"`
	DurationHours    int        `gorm:"not null" json:"duration_hours"`
	CostPerDevice    int64      `gorm:"not null" json:"cost_per_device"`
	TotalCost        int64      `gorm:"not null" json:"total_cost"`
	Currency         string     `gorm:"size:3;not null" json:"currency"`
	IsActive         bool       `gorm:"index;not null" json:"is_active"`
	ExpiresAt        time.Time  `gorm:"index;not null" json:"expires_at"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	UsageCount       int64      `gorm:"not null;default:0" json:"usage_count"`
	DeviceUsageCount int        `gorm:"not null;default:0" json:"device_usage_count"`
	CreatedBy        string     `json:"created_by"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// DeviceUsage records a distinct device that activated a key.
type DeviceUsage struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	KeyID             string    `gorm:"uniqueIndex:idx_device_usage;not null" json:"key_id"`
	DeviceFingerprint string    `gorm:"uniqueIndex:idx_device_usage;not null" json:"device_fingerprint"`
	FirstUsedAt       time.Time `json:"first_used_at"`
	LastUsedAt        time.Time `json:"last_used_at"`
}

// PricingTier is the per-device price for a service, optionally narrowed
// to a game, for a given duration. An empty GameID applies to every game.
type PricingTier struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ServiceID      string    `gorm:"uniqueIndex:idx_pricing_tier;not null" json:"service_id"`
	GameID         string    `gorm:"uniqueIndex:idx_pricing_tier;not null;default:''" json:"game_id"`
	DurationHours  int       `gorm:"uniqueIndex:idx_pricing_tier;not null" json:"duration_hours"`
	PricePerDevice int64     `gorm:"not null" json:"price_per_device"`
	Currency       string    `gorm:"size:3;not null" json:"currency"`
	UpdatedAt      time.Time `json:"updated_at"`
}
