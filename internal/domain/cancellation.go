package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CancellationRecord captures the financial outcome of cancelling a
// subscription. Invariant: PenaltyAmount is zero whenever WithinFreeWindow
// is true; NewCancellationRecord enforces it.
type CancellationRecord struct {
	ID                     string
	SubscriptionID         string
	Reason                 string
	Feedback               string
	WithinFreeWindow       bool
	PenaltyAmount          decimal.Decimal
	RefundAmount           decimal.Decimal
	ProviderCancellationID string
	CancelledAt            time.Time
}

// NewCancellationRecord builds a cancellation record, zeroing the penalty
// when the cancellation falls inside the free window.
func NewCancellationRecord(id, subscriptionID, reason, feedback string, withinFreeWindow bool, penalty, refund decimal.Decimal, at time.Time) *CancellationRecord {
	if withinFreeWindow {
		penalty = decimal.Zero
	}
	return &CancellationRecord{
		ID:               id,
		SubscriptionID:   subscriptionID,
		Reason:           reason,
		Feedback:         feedback,
		WithinFreeWindow: withinFreeWindow,
		PenaltyAmount:    penalty,
		RefundAmount:     refund,
		CancelledAt:      at,
	}
}
