package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecurrenceKind represents the service cadence of a booking
type RecurrenceKind string

const (
	RecurrenceOneTime     RecurrenceKind = "one-time"
	RecurrenceWeekly      RecurrenceKind = "weekly"
	RecurrenceFortnightly RecurrenceKind = "fortnightly"
	RecurrenceMonthly     RecurrenceKind = "monthly"
)

// Valid reports whether k is a known recurrence kind
func (k RecurrenceKind) Valid() bool {
	switch k {
	case RecurrenceOneTime, RecurrenceWeekly, RecurrenceFortnightly, RecurrenceMonthly:
		return true
	}
	return false
}

// IsRecurring reports whether the kind bills on a repeating cycle
func (k RecurrenceKind) IsRecurring() bool {
	return k.Valid() && k != RecurrenceOneTime
}

// SubscriptionStatus represents the subscription lifecycle state
type SubscriptionStatus string

const (
	StatusPendingPayment SubscriptionStatus = "pending_payment"
	StatusActive         SubscriptionStatus = "active"
	StatusPaused         SubscriptionStatus = "paused"
	StatusCancelled      SubscriptionStatus = "cancelled"
)

// transitions is the explicit state transition table. Any transition not
// listed here is rejected; cancelled is terminal.
var transitions = map[SubscriptionStatus][]SubscriptionStatus{
	StatusPendingPayment: {StatusActive, StatusCancelled},
	StatusActive:         {StatusPaused, StatusCancelled},
	StatusPaused:         {StatusActive, StatusCancelled},
	StatusCancelled:      {},
}

// CanTransition reports whether a subscription in state from may move to state to
func CanTransition(from, to SubscriptionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BillingOffset is the fixed gap between a charge and the service it pays for.
// The recurring charge always fires this long before the scheduled service.
const BillingOffset = 48 * time.Hour

// Subscription represents one recurring booking, or a degenerate single-cycle
// instance for one-time bookings. Cancellation never deletes it; cancelled is
// a terminal state handled by retention policy elsewhere.
type Subscription struct {
	ID                 string
	CustomerRef        string
	Recurrence         RecurrenceKind
	Status             SubscriptionStatus
	ProviderSubID      string
	ProviderCustomerID string
	ProviderSessionID  string
	LastPaymentID      string
	TotalAmount        decimal.Decimal
	Currency           string
	ServicesCompleted  int
	ServicesRemaining  int
	PaymentFailed      bool
	FirstServiceDate   time.Time
	NextServiceDate    time.Time
	NextBillingAt      time.Time
	LastEventAt        time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CancelledAt        *time.Time
}

// IsActive returns true if the subscription is currently active
func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

// IsCancelled returns true if the subscription has reached its terminal state
func (s *Subscription) IsCancelled() bool {
	return s.Status == StatusCancelled
}

// TransitionTo moves the subscription to the target state after checking the
// transition table. Illegal transitions return ErrInvalidTransition with the
// attempted states attached.
func (s *Subscription) TransitionTo(to SubscriptionStatus, at time.Time) error {
	if !CanTransition(s.Status, to) {
		return NewDomainError(ErrorCodePolicyInvalidTransition, "state transition not allowed").
			WithDetail("from", string(s.Status)).
			WithDetail("to", string(to))
	}
	s.Status = to
	s.UpdatedAt = at
	if to == StatusCancelled {
		cancelled := at
		s.CancelledAt = &cancelled
	}
	return nil
}

// AdvanceCycle records a completed billing cycle: the service the charge paid
// for is now counted, the schedule moves forward one interval, and the anchor
// is recomputed so NextBillingAt stays exactly BillingOffset before the next
// service.
func (s *Subscription) AdvanceCycle(interval BillingInterval, at time.Time) {
	s.ServicesCompleted++
	if s.ServicesRemaining > 0 {
		s.ServicesRemaining--
	}
	s.NextServiceDate = interval.Next(s.NextServiceDate)
	s.NextBillingAt = s.NextServiceDate.Add(-BillingOffset)
	s.PaymentFailed = false
	s.UpdatedAt = at
}

// BillingInterval describes the recurring charge interval in provider terms:
// a base unit plus a count. Fortnightly is two weeks, not a distinct unit.
type BillingInterval struct {
	Unit  IntervalUnit
	Count int
}

// IntervalUnit defines the time unit for billing intervals
type IntervalUnit string

const (
	IntervalUnitWeek  IntervalUnit = "week"
	IntervalUnitMonth IntervalUnit = "month"
)

// Next returns the service date one interval after from
func (i BillingInterval) Next(from time.Time) time.Time {
	switch i.Unit {
	case IntervalUnitWeek:
		return from.AddDate(0, 0, 7*i.Count)
	case IntervalUnitMonth:
		return from.AddDate(0, i.Count, 0)
	}
	return from
}

// IsZero reports whether the interval is unset (one-time bookings)
func (i BillingInterval) IsZero() bool {
	return i.Count == 0
}
