package model

import "time"

// Role is the canonical role of an Account. Display labels are a presentation
// concern and never stored.
type Role string

const (
	RoleAdmin           Role = "ADMIN"
	RoleContentProvider Role = "CONTENT_PROVIDER"
	RoleMasterReseller  Role = "MASTER_RESELLER"
	RolePartnerReseller Role = "PARTNER_RESELLER"
	RoleEndUser         Role = "END_USER"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleContentProvider, RoleMasterReseller, RolePartnerReseller, RoleEndUser:
		return true
	}
	return false
}

// IsReseller reports whether r may own and redeem licenses.
func (r Role) IsReseller() bool {
	return r == RoleMasterReseller || r == RolePartnerReseller
}

type Account struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Email         string     `json:"email"`
	Phone         string     `json:"phone,omitempty"`
	PasswordHash  string     `json:"-"`
	PasswordPlain *string    `json:"-"`
	Role          Role       `json:"role"`
	OwnerMasterID *int64     `json:"owner_master_id,omitempty"`
	Active        bool       `json:"active"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`
	IsDemo        bool       `json:"is_demo"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Expired reports whether the account's subscription horizon has passed.
func (a *Account) Expired(now time.Time) bool {
	return a.ExpiryDate != nil && !a.ExpiryDate.After(now)
}

// AdminAccountView is the only representation that exposes the escrowed
// plaintext credential. It must never be returned on non-admin routes.
type AdminAccountView struct {
	Account
	EscrowedCredential *string `json:"escrowed_credential,omitempty"`
}

// NewAdminAccountView builds the admin-only view of a.
func NewAdminAccountView(a *Account) AdminAccountView {
	return AdminAccountView{Account: *a, EscrowedCredential: a.PasswordPlain}
}
