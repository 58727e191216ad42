package domain

import "github.com/shopspring/decimal"

// DiscountSource identifies where a discount came from
type DiscountSource string

const (
	DiscountRecurrence DiscountSource = "recurrence"
	DiscountReferral   DiscountSource = "referral"
	DiscountPromo      DiscountSource = "promo"
)

// DiscountGrant is the single discount applied to a subscription. Discounts
// never stack: the resolver picks exactly one grant (or none) per booking.
type DiscountGrant struct {
	SubscriptionID   string
	Source           DiscountSource
	Code             string
	Percentage       decimal.Decimal
	Amount           decimal.Decimal
	ProviderCouponID string
}

// Value returns the grant's worth in currency terms against the given subtotal.
// Percentage grants are computed against the subtotal; fixed-amount grants are
// capped at the subtotal so a coupon can never exceed the order value.
func (g DiscountGrant) Value(subtotal decimal.Decimal) decimal.Decimal {
	if !g.Amount.IsZero() {
		if g.Amount.GreaterThan(subtotal) {
			return subtotal
		}
		return g.Amount
	}
	return subtotal.Mul(g.Percentage).Div(decimal.NewFromInt(100))
}
