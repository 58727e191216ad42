package pricing

import (
	"time"

	"github.com/brightnest/billing-service/internal/domain"
)

// Schedule is the billing timetable for a new subscription
type Schedule struct {
	Interval        domain.BillingInterval
	NextServiceDate time.Time
	NextBillingAt   time.Time
}

// BillingAnchorCalculator computes the recurring charge interval and the
// anchor timestamp for a booking. The charge always fires exactly 48 hours
// before each scheduled service.
type BillingAnchorCalculator struct {
	cfg BookingConfig
}

// NewBillingAnchorCalculator creates a calculator over the booking window config
func NewBillingAnchorCalculator(cfg BookingConfig) *BillingAnchorCalculator {
	return &BillingAnchorCalculator{cfg: cfg}
}

// IntervalFor maps a recurrence kind to its provider interval. Fortnightly
// is two counts of a weekly base unit, matching provider interval semantics,
// not a distinct unit. One-time bookings have a zero interval.
func IntervalFor(kind domain.RecurrenceKind) (domain.BillingInterval, error) {
	switch kind {
	case domain.RecurrenceOneTime:
		return domain.BillingInterval{}, nil
	case domain.RecurrenceWeekly:
		return domain.BillingInterval{Unit: domain.IntervalUnitWeek, Count: 1}, nil
	case domain.RecurrenceFortnightly:
		return domain.BillingInterval{Unit: domain.IntervalUnitWeek, Count: 2}, nil
	case domain.RecurrenceMonthly:
		return domain.BillingInterval{Unit: domain.IntervalUnitMonth, Count: 1}, nil
	}
	return domain.BillingInterval{}, domain.NewDomainError(domain.ErrorCodeValidationFailed, "unknown recurrence kind").
		WithDetail("recurrence", string(kind))
}

// Compute validates the booking window and returns the schedule. A first
// service closer than the billing offset is rejected outright: the charge
// would have to fire in the past, and that is a creation-time precondition,
// never a silent immediate charge.
func (c *BillingAnchorCalculator) Compute(firstServiceDate time.Time, kind domain.RecurrenceKind, now time.Time) (Schedule, error) {
	interval, err := IntervalFor(kind)
	if err != nil {
		return Schedule{}, err
	}

	anchor := firstServiceDate.Add(-domain.BillingOffset)
	if anchor.Before(now) || firstServiceDate.Before(now.Add(c.cfg.MinNotice)) {
		return Schedule{}, domain.NewDomainError(domain.ErrorCodePolicyBookingWindow, "first service must be at least 48 hours away").
			WithDetail("first_service_date", firstServiceDate.Format(time.RFC3339))
	}
	if firstServiceDate.After(now.Add(c.cfg.MaxAdvance)) {
		return Schedule{}, domain.NewDomainError(domain.ErrorCodePolicyBookingWindow, "first service is too far in the future").
			WithDetail("first_service_date", firstServiceDate.Format(time.RFC3339))
	}

	return Schedule{
		Interval:        interval,
		NextServiceDate: firstServiceDate,
		NextBillingAt:   anchor,
	}, nil
}
