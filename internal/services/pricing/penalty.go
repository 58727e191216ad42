package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/brightnest/billing-service/internal/domain"
)

// PolicyType names which branch of the cancellation policy applied
type PolicyType string

const (
	// PolicyFreeWindow: cancelled within the free window, nothing owed.
	PolicyFreeWindow PolicyType = "free_window"
	// PolicyPostServiceRecurring: a recurring plan with at least one service
	// delivered forfeits the remaining value; no refund, no extra penalty.
	PolicyPostServiceRecurring PolicyType = "post_service_recurring"
	// PolicyProrated: one-time or not-yet-started bookings are refunded
	// their remaining value less a clamped percentage penalty.
	PolicyProrated PolicyType = "prorated"
)

// PenaltyResult is the financial outcome of a cancellation request
type PenaltyResult struct {
	WithinFreeWindow  bool
	PenaltyAmount     decimal.Decimal
	PenaltyPercentage decimal.Decimal
	RefundAmount      decimal.Decimal
	RemainingValue    decimal.Decimal
	PolicyType        PolicyType
}

// CancellationPenaltyCalculator computes refund and penalty amounts for a
// cancellation. Pure function; the lifecycle manager moves the money.
type CancellationPenaltyCalculator struct {
	cfg PenaltyConfig
}

// NewCancellationPenaltyCalculator creates a calculator over the penalty policy
func NewCancellationPenaltyCalculator(cfg PenaltyConfig) *CancellationPenaltyCalculator {
	return &CancellationPenaltyCalculator{cfg: cfg}
}

// PenaltyInput is a snapshot of the booking at cancellation time
type PenaltyInput struct {
	CreatedAt         time.Time
	Recurrence        domain.RecurrenceKind
	TotalAmount       decimal.Decimal
	ServicesCompleted int
	ServicesRemaining int
	Now               time.Time
}

// Compute applies the cancellation policy:
//  1. inside the free window: no penalty, full remaining value refunded
//  2. recurring with delivered services: remaining value forfeited
//  3. otherwise: remaining value refunded less a clamped percentage penalty
func (c *CancellationPenaltyCalculator) Compute(in PenaltyInput) PenaltyResult {
	remaining := remainingValue(in.TotalAmount, in.ServicesCompleted, in.ServicesRemaining)

	if in.Now.Sub(in.CreatedAt) <= c.cfg.FreeCancellationWindow {
		return PenaltyResult{
			WithinFreeWindow:  true,
			PenaltyAmount:     decimal.Zero,
			PenaltyPercentage: decimal.Zero,
			RefundAmount:      remaining,
			RemainingValue:    remaining,
			PolicyType:        PolicyFreeWindow,
		}
	}

	if in.Recurrence.IsRecurring() && in.ServicesCompleted > 0 {
		return PenaltyResult{
			PenaltyAmount:     decimal.Zero,
			PenaltyPercentage: decimal.Zero,
			RefundAmount:      decimal.Zero,
			RemainingValue:    remaining,
			PolicyType:        PolicyPostServiceRecurring,
		}
	}

	pct, ok := c.cfg.PercentByRecurrence[in.Recurrence]
	if !ok {
		pct = decimal.Zero
	}
	penalty := remaining.Mul(pct).Div(decimal.NewFromInt(100))
	penalty = clamp(penalty, c.cfg.MinimumPenalty, c.cfg.MaximumPenalty)
	// A penalty can never exceed what is being refunded.
	if penalty.GreaterThan(remaining) {
		penalty = remaining
	}

	return PenaltyResult{
		PenaltyAmount:     penalty,
		PenaltyPercentage: pct,
		RefundAmount:      remaining.Sub(penalty),
		RemainingValue:    remaining,
		PolicyType:        PolicyProrated,
	}
}

// remainingValue prorates the booking total over undelivered services
func remainingValue(total decimal.Decimal, completed, remaining int) decimal.Decimal {
	units := completed + remaining
	if units == 0 || remaining == 0 {
		if completed == 0 {
			return total
		}
		return decimal.Zero
	}
	return total.Mul(decimal.NewFromInt(int64(remaining))).Div(decimal.NewFromInt(int64(units))).Round(2)
}

func clamp(v, min, max decimal.Decimal) decimal.Decimal {
	if v.LessThan(min) {
		return min
	}
	if v.GreaterThan(max) {
		return max
	}
	return v
}
