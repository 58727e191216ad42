package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brightnest/billing-service/internal/domain"
)

// CheckoutSpec describes the checkout session the provider should create for
// a new booking. For recurring bookings Interval carries the billing cadence
// and Anchor the first charge timestamp.
type CheckoutSpec struct {
	CustomerRef string
	Amount      decimal.Decimal
	Currency    string
	Recurrence  domain.RecurrenceKind
	Interval    domain.BillingInterval
	Anchor      time.Time
	CouponID    string
	Metadata    map[string]string
}

// CheckoutSession is the provider's handle for a created checkout
type CheckoutSession struct {
	SessionID   string
	RedirectURL string
}

// ChargeResult reports a one-off provider charge
type ChargeResult struct {
	PaymentID string
	Approved  bool
}

// PaymentProvider is the external billing gateway. All ids returned are
// provider-assigned and used for later webhook correlation. Implementations
// must bound every call with a timeout; retries on transient failures are
// the adapter's responsibility, never the caller's.
type PaymentProvider interface {
	CreateCheckoutSession(ctx context.Context, spec CheckoutSpec) (*CheckoutSession, error)
	CreateCoupon(ctx context.Context, grant domain.DiscountGrant, currency string) (string, error)
	PauseBilling(ctx context.Context, providerSubID string, resumeAt time.Time) error
	ResumeBilling(ctx context.Context, providerSubID string) error
	CancelSubscription(ctx context.Context, providerSubID string, immediate bool) (string, error)
	Charge(ctx context.Context, providerCustomerID string, amount decimal.Decimal, currency string) (*ChargeResult, error)
	Refund(ctx context.Context, paymentID string, amount decimal.Decimal) (string, error)
}
