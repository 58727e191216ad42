package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/brightnest/billing-service/internal/domain"
)

// DiscountConfig holds the immutable discount tables injected into the
// resolver at construction. No global lookup tables anywhere.
type DiscountConfig struct {
	// RecurrencePercent maps a recurrence kind to its fixed discount percentage.
	RecurrencePercent map[domain.RecurrenceKind]decimal.Decimal
	// ReferralTierPercent maps a referrer tier to the referee's discount percentage.
	ReferralTierPercent map[int]decimal.Decimal
}

// DefaultDiscountConfig returns the production discount tables
func DefaultDiscountConfig() DiscountConfig {
	return DiscountConfig{
		RecurrencePercent: map[domain.RecurrenceKind]decimal.Decimal{
			domain.RecurrenceOneTime:     decimal.Zero,
			domain.RecurrenceWeekly:      decimal.NewFromInt(10),
			domain.RecurrenceFortnightly: decimal.NewFromInt(15),
			domain.RecurrenceMonthly:     decimal.NewFromInt(20),
		},
		ReferralTierPercent: map[int]decimal.Decimal{
			1: decimal.NewFromInt(5),
			2: decimal.NewFromInt(10),
			3: decimal.NewFromInt(15),
		},
	}
}

// TierBand is one row of the pause-allowance tier table. MaxServices < 0
// marks an open-ended band.
type TierBand struct {
	ID          string
	Name        string
	MinServices int
	MaxServices int
	FreePauses  int
}

// Contains reports whether the band covers the given service count
func (b TierBand) Contains(services int) bool {
	if services < b.MinServices {
		return false
	}
	return b.MaxServices < 0 || services <= b.MaxServices
}

// PauseConfig holds the pause tier table and fee policy
type PauseConfig struct {
	// Tiers are ordered bands over services_in_current_period.
	Tiers []TierBand
	// PaidPauseFee is the flat fee charged once free pauses are exhausted.
	PaidPauseFee decimal.Decimal
	// MaxDurationDays bounds a single pause window.
	MaxDurationDays int
	// MinNotice is how far in advance a pause must be requested.
	MinNotice time.Duration
}

// DefaultPauseConfig returns the production pause tiers
func DefaultPauseConfig() PauseConfig {
	return PauseConfig{
		Tiers: []TierBand{
			{ID: "standard", Name: "Standard", MinServices: 0, MaxServices: 19, FreePauses: 1},
			{ID: "plus", Name: "Plus", MinServices: 20, MaxServices: 39, FreePauses: 2},
			{ID: "premier", Name: "Premier", MinServices: 40, MaxServices: -1, FreePauses: 3},
		},
		PaidPauseFee:    decimal.NewFromInt(15),
		MaxDurationDays: 90,
		MinNotice:       24 * time.Hour,
	}
}

// PenaltyConfig holds the cancellation penalty policy table
type PenaltyConfig struct {
	// FreeCancellationWindow is how long after creation a cancellation is free.
	FreeCancellationWindow time.Duration
	// PercentByRecurrence maps recurrence kind to the penalty percentage
	// applied to remaining value for not-yet-started cancellations.
	PercentByRecurrence map[domain.RecurrenceKind]decimal.Decimal
	// MinimumPenalty and MaximumPenalty clamp the computed penalty amount.
	MinimumPenalty decimal.Decimal
	MaximumPenalty decimal.Decimal
}

// DefaultPenaltyConfig returns the production cancellation policy
func DefaultPenaltyConfig() PenaltyConfig {
	return PenaltyConfig{
		FreeCancellationWindow: 48 * time.Hour,
		PercentByRecurrence: map[domain.RecurrenceKind]decimal.Decimal{
			domain.RecurrenceOneTime:     decimal.NewFromInt(10),
			domain.RecurrenceWeekly:      decimal.NewFromInt(15),
			domain.RecurrenceFortnightly: decimal.NewFromInt(15),
			domain.RecurrenceMonthly:     decimal.NewFromInt(20),
		},
		MinimumPenalty: decimal.NewFromInt(10),
		MaximumPenalty: decimal.NewFromInt(100),
	}
}

// BookingConfig bounds when a first service may be scheduled
type BookingConfig struct {
	// MinNotice is the minimum lead time for a first service. It can never
	// be shorter than the billing offset or the first charge would fire in
	// the past.
	MinNotice time.Duration
	// MaxAdvance is how far ahead a first service may be booked.
	MaxAdvance time.Duration
}

// DefaultBookingConfig returns the production booking window
func DefaultBookingConfig() BookingConfig {
	return BookingConfig{
		MinNotice:  domain.BillingOffset,
		MaxAdvance: 6 * 30 * 24 * time.Hour,
	}
}
