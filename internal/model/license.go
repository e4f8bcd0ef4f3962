package model

import "time"

type LicenseStatus string

const (
	LicenseAvailable     LicenseStatus = "AVAILABLE"
	LicensePartiallyUsed LicenseStatus = "PARTIALLY_USED"
	LicenseUsed          LicenseStatus = "USED"
	LicenseExpired       LicenseStatus = "EXPIRED"
)

// Valid reports whether s is a known license status.
func (s LicenseStatus) Valid() bool {
	switch s {
	case LicenseAvailable, LicensePartiallyUsed, LicenseUsed, LicenseExpired:
		return true
	}
	return false
}

// LicenseSource records which creation path minted a license.
type LicenseSource string

const (
	SourceWelcome       LicenseSource = "WELCOME"
	SourceReplenishment LicenseSource = "REPLENISHMENT"
	SourceAdmin         LicenseSource = "ADMIN"
)

type License struct {
	ID         int64         `json:"id"`
	Key        string        `json:"key"`
	OwnerID    int64         `json:"owned_by"`
	Capacity   int           `json:"capacity"`
	UsageCount int           `json:"usage_count"`
	Status     LicenseStatus `json:"status"`
	Seats      []Seat        `json:"seats"`
	ExpiresAt  *time.Time    `json:"expiry_date,omitempty"`
	PriceCents int64         `json:"price_cents"`
	Source     LicenseSource `json:"source"`
	RequestID  *int64        `json:"request_id,omitempty"`
	Version    int64         `json:"version"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Seat is one redemption of a license's capacity.
type Seat struct {
	ID          int64     `json:"id"`
	LicenseID   int64     `json:"license_id"`
	EndUserID   int64     `json:"end_user_id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Phone       string    `json:"phone"`
	ActivatedAt time.Time `json:"activated_at"`
}

// DeriveStatus computes a license status from its usage, capacity and expiry.
// Expiry is terminal and overrides usage.
func DeriveStatus(usage, capacity int, expiresAt *time.Time, now time.Time) LicenseStatus {
	if expiresAt != nil && !expiresAt.After(now) {
		return LicenseExpired
	}
	switch {
	case usage <= 0:
		return LicenseAvailable
	case usage < capacity:
		return LicensePartiallyUsed
	default:
		return LicenseUsed
	}
}

// Refresh re-derives Status as of now.
func (l *License) Refresh(now time.Time) {
	l.Status = DeriveStatus(l.UsageCount, l.Capacity, l.ExpiresAt, now)
}

// Expired reports whether the license is past its expiry at now.
func (l *License) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// Remaining returns the number of seats still redeemable.
func (l *License) Remaining() int {
	if l.UsageCount >= l.Capacity {
		return 0
	}
	return l.Capacity - l.UsageCount
}
