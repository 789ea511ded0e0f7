// Package fees computes the platform/merchant split of a captured payment.
//
// The platform fee is round(amount × feePercent / 100) with halves rounded
// away from zero, matching the provider's own application-fee rounding so
// the two never disagree by more than one minor unit.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tillcloud/reconciler/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Split is the outcome of dividing a gross amount between platform and merchant.
type Split struct {
	Gross          int64 `json:"gross"`
	PlatformFee    int64 `json:"platform_fee"`
	MerchantPayout int64 `json:"merchant_payout"`
}

// PlatformFee returns the platform cut in minor units.
// Negative inputs are programming errors and panic.
func PlatformFee(amount int64, feePercent decimal.Decimal) int64 {
	if amount < 0 {
		panic(fmt.Sprintf("fees: negative amount %d", amount))
	}
	if feePercent.IsNegative() {
		panic(fmt.Sprintf("fees: negative fee percent %s", feePercent))
	}
	if amount == 0 {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(feePercent).Div(hundred).Round(0).IntPart()
}

// Calculate splits amount using feePercent.
func Calculate(amount int64, feePercent decimal.Decimal) Split {
	fee := PlatformFee(amount, feePercent)
	return Split{
		Gross:          amount,
		PlatformFee:    fee,
		MerchantPayout: amount - fee,
	}
}

// EffectivePercent returns the fee percent that applies to a tenant.
// Founding members hold a lifetime waiver.
func EffectivePercent(t *domain.Tenant) decimal.Decimal {
	if t == nil {
		return domain.DefaultFeePercent
	}
	if t.IsFoundingMember {
		return decimal.Zero
	}
	if t.FeePercent.IsZero() {
		return domain.DefaultFeePercent
	}
	return t.FeePercent
}

// ForTenant splits amount at the tenant's effective percent.
func ForTenant(t *domain.Tenant, amount int64) Split {
	return Calculate(amount, EffectivePercent(t))
}
