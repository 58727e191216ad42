package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PauseStatus represents the state of a scheduled pause window
type PauseStatus string

const (
	PauseScheduled PauseStatus = "scheduled"
	PauseActive    PauseStatus = "active"
	PauseCompleted PauseStatus = "completed"
)

// PauseRecord captures one pause window taken against a subscription.
// TierID records the allowance tier that applied at the time the pause was
// taken, so later tier-table changes never rewrite history.
type PauseRecord struct {
	ID             string
	SubscriptionID string
	StartDate      time.Time
	EndDate        time.Time
	DurationDays   int
	IsFree         bool
	Fee            decimal.Decimal
	// FeePaymentID is the provider payment handle for a charged pause fee,
	// kept so the fee stays traceable and refundable.
	FeePaymentID string
	TierID       string
	Reason         string
	Status         PauseStatus
	CreatedAt      time.Time
}

// NewPauseRecord validates the pause window bounds and builds the record.
// maxDurationDays and minNotice come from configuration; start must be at
// least minNotice in the future relative to now.
func NewPauseRecord(id, subscriptionID string, start time.Time, durationDays int, reason string, maxDurationDays int, minNotice time.Duration, now time.Time) (*PauseRecord, error) {
	if subscriptionID == "" {
		return nil, NewDomainError(ErrorCodeValidationMissingField, "subscription id is required")
	}
	if durationDays < 1 || durationDays > maxDurationDays {
		return nil, NewDomainError(ErrorCodePolicyPauseDuration, "pause duration outside allowed bounds").
			WithDetail("duration_days", durationDays).
			WithDetail("max_days", maxDurationDays)
	}
	if start.Before(now.Add(minNotice)) {
		return nil, NewDomainError(ErrorCodePolicyNoticeTooShort, "pause start does not meet the minimum notice period").
			WithDetail("start_date", start.Format(time.RFC3339)).
			WithDetail("minimum_notice_hours", int(minNotice.Hours()))
	}
	return &PauseRecord{
		ID:             id,
		SubscriptionID: subscriptionID,
		StartDate:      start,
		EndDate:        start.AddDate(0, 0, durationDays),
		DurationDays:   durationDays,
		Fee:            decimal.Zero,
		Reason:         reason,
		Status:         PauseScheduled,
		CreatedAt:      now,
	}, nil
}
