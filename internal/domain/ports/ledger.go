package ports

import (
	"context"
	"time"

	"github.com/brightnest/billing-service/internal/domain"
)

// Ledger is the persistent store of subscriptions, pauses, cancellations,
// discount grants, customer history, and processed webhook events.
//
// Each method runs in its own transactional boundary. Operations that must
// be atomic across several calls (a webhook mutation plus its idempotency
// marker) wrap them in InTx, which hands back a Ledger scoped to one
// transaction.
type Ledger interface {
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	GetSubscriptionByProviderSubID(ctx context.Context, providerSubID string) (*domain.Subscription, error)
	GetSubscriptionBySessionID(ctx context.Context, sessionID string) (*domain.Subscription, error)
	SaveSubscription(ctx context.Context, sub *domain.Subscription) error

	// GetCustomerHistory returns the customer's service/pause read model. A
	// customer with no recorded history gets a zero-valued snapshot, not an
	// error.
	GetCustomerHistory(ctx context.Context, customerRef string) (*domain.CustomerHistory, error)
	SaveCustomerHistory(ctx context.Context, history *domain.CustomerHistory) error

	RecordPause(ctx context.Context, pause *domain.PauseRecord) error
	UpdatePause(ctx context.Context, pause *domain.PauseRecord) error
	ListDuePauses(ctx context.Context, asOf time.Time) ([]*domain.PauseRecord, error)

	RecordCancellation(ctx context.Context, cancellation *domain.CancellationRecord) error
	RecordDiscountGrant(ctx context.Context, grant *domain.DiscountGrant) error

	// WasEventProcessed reports whether the provider event id has already
	// been applied to the ledger.
	WasEventProcessed(ctx context.Context, eventID string) (bool, error)
	// MarkEventProcessed durably records the event id. Reconciliation calls
	// it inside the same InTx boundary as the mutation the event caused.
	MarkEventProcessed(ctx context.Context, event *domain.ProviderEvent) error

	// InTx runs fn against a Ledger whose operations all commit or roll back
	// together.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Ledger) error) error
}
