// Package provisioning holds the named quantities that govern how much
// license capacity is minted and when.
package provisioning

import (
	"fmt"
	"time"

	"github.com/dukerupert/resellr/internal/apperr"
	"github.com/dukerupert/resellr/internal/model"
)

const (
	// WelcomeBatchSize licenses are minted for every new reseller.
	WelcomeBatchSize = 5
	// WelcomeSeatCapacity is the capacity of each welcome license.
	WelcomeSeatCapacity = 1
	// ResellerSeedCapacity is the capacity a license must have to be
	// redeemed for a new partner reseller.
	ResellerSeedCapacity = 1
	// DefaultReplenishmentQuantity applies when a request names no quantity.
	DefaultReplenishmentQuantity = 5
	// ReplenishmentSeatCapacity is the capacity of each license minted on
	// approval.
	ReplenishmentSeatCapacity = 10
	MaxReplenishmentQuantity  = 100
	MaxLicenseCapacity        = 1000
)

// Batch is a number of licenses sharing one capacity.
type Batch struct {
	Count    int
	Capacity int
}

// WelcomeBatch returns the batch minted when an account with role is
// created. Non-reseller roles get an empty batch.
func WelcomeBatch(role model.Role) Batch {
	if !role.IsReseller() {
		return Batch{}
	}
	return Batch{Count: WelcomeBatchSize, Capacity: WelcomeSeatCapacity}
}

// ReplenishmentBatch returns the batch minted when a request for quantity
// licenses is approved.
func ReplenishmentBatch(quantity int) Batch {
	return Batch{Count: quantity, Capacity: ReplenishmentSeatCapacity}
}

// ReplenishmentQuantity resolves the quantity a requester asked for. Zero
// means the default.
func ReplenishmentQuantity(requested int) (int, error) {
	switch {
	case requested == 0:
		return DefaultReplenishmentQuantity, nil
	case requested < 0:
		return 0, apperr.Invalid("quantity must not be negative")
	case requested > MaxReplenishmentQuantity:
		return 0, apperr.Invalid(fmt.Sprintf("quantity must not exceed %d", MaxReplenishmentQuantity))
	}
	return requested, nil
}

// MintParams describes an administrative bulk mint.
type MintParams struct {
	Count      int
	Capacity   int
	PriceCents int64
	ExpiresAt  *time.Time
}

// ValidateMint checks p against the provisioning bounds as of now.
func ValidateMint(p MintParams, now time.Time) error {
	if p.Count < 1 || p.Count > MaxReplenishmentQuantity {
		return apperr.Invalid(fmt.Sprintf("count must be between 1 and %d", MaxReplenishmentQuantity))
	}
	if p.Capacity < 1 || p.Capacity > MaxLicenseCapacity {
		return apperr.Invalid(fmt.Sprintf("capacity must be between 1 and %d", MaxLicenseCapacity))
	}
	if p.PriceCents < 0 {
		return apperr.Invalid("price must not be negative")
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return apperr.Invalid("expiry must be in the future")
	}
	return nil
}
