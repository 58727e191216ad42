package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/brightnest/billing-service/internal/domain"
)

// ReferralSnapshot is the referee-side view of a referral code at resolution
// time. An inactive or unknown code is passed as nil or Active=false and
// contributes a zero-value candidate.
type ReferralSnapshot struct {
	Code   string
	Tier   int
	Active bool
}

// PromoSnapshot is the state of a promo code at resolution time. Either
// Percentage or Amount is set, never both.
type PromoSnapshot struct {
	Code       string
	Percentage decimal.Decimal
	Amount     decimal.Decimal
	Active     bool
	ExpiresAt  time.Time
	UsageLimit int
	UsageCount int
}

// usable reports whether the promo can still be applied at the given time
func (p *PromoSnapshot) usable(now time.Time) bool {
	if p == nil || !p.Active {
		return false
	}
	if !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt) {
		return false
	}
	if p.UsageLimit > 0 && p.UsageCount >= p.UsageLimit {
		return false
	}
	return true
}

// DiscountRequest carries everything the resolver needs. Referral and Promo
// are snapshots the caller already fetched; the resolver itself touches no
// stores and takes no locks.
type DiscountRequest struct {
	Recurrence domain.RecurrenceKind
	Subtotal   decimal.Decimal
	Referral   *ReferralSnapshot
	Promo      *PromoSnapshot
	Now        time.Time
}

// DiscountResolver picks the single best discount for a booking. Discounts
// are non-cumulative: the candidate worth the most in currency terms wins,
// with ties broken referral > promo > recurrence.
type DiscountResolver struct {
	cfg DiscountConfig
}

// NewDiscountResolver creates a resolver over an immutable discount table
func NewDiscountResolver(cfg DiscountConfig) *DiscountResolver {
	return &DiscountResolver{cfg: cfg}
}

// candidate priority order for ties; lower index wins
var sourcePriority = []domain.DiscountSource{
	domain.DiscountReferral,
	domain.DiscountPromo,
	domain.DiscountRecurrence,
}

// Resolve returns the winning grant, or nil when no candidate has positive
// value. Invalid or malformed codes are zero-value candidates, never errors:
// a bad code must not block checkout.
func (r *DiscountResolver) Resolve(req DiscountRequest) *domain.DiscountGrant {
	candidates := map[domain.DiscountSource]domain.DiscountGrant{}

	if pct, ok := r.cfg.RecurrencePercent[req.Recurrence]; ok && pct.IsPositive() {
		candidates[domain.DiscountRecurrence] = domain.DiscountGrant{
			Source:     domain.DiscountRecurrence,
			Percentage: pct,
		}
	}

	if ref := req.Referral; ref != nil && ref.Active {
		if pct, ok := r.cfg.ReferralTierPercent[ref.Tier]; ok && pct.IsPositive() {
			candidates[domain.DiscountReferral] = domain.DiscountGrant{
				Source:     domain.DiscountReferral,
				Code:       ref.Code,
				Percentage: pct,
			}
		}
	}

	if req.Promo.usable(req.Now) {
		candidates[domain.DiscountPromo] = domain.DiscountGrant{
			Source:     domain.DiscountPromo,
			Code:       req.Promo.Code,
			Percentage: req.Promo.Percentage,
			Amount:     req.Promo.Amount,
		}
	}

	var best *domain.DiscountGrant
	var bestValue decimal.Decimal
	for _, source := range sourcePriority {
		grant, ok := candidates[source]
		if !ok {
			continue
		}
		value := grant.Value(req.Subtotal)
		if !value.IsPositive() {
			continue
		}
		// Strict comparison keeps the earlier (higher priority) source on ties.
		if best == nil || value.GreaterThan(bestValue) {
			g := grant
			best = &g
			bestValue = value
		}
	}
	return best
}
