// Package reconcile applies provider-pushed webhook events to local
// subscription state. Delivery is concurrent, at-least-once, and unordered;
// every event is treated as a conditional transition guarded by the
// subscription's current state and the event's own timestamp, never a blind
// field assignment.
package reconcile

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/brightnest/billing-service/internal/domain"
	"github.com/brightnest/billing-service/internal/domain/ports"
	"github.com/brightnest/billing-service/internal/services/locking"
	"github.com/brightnest/billing-service/internal/services/pricing"
	"github.com/brightnest/billing-service/pkg/observability"
	"github.com/brightnest/billing-service/pkg/timeutil"
)

// applyFunc applies one event type to a located subscription inside the
// marking transaction. Returning errSkip acknowledges the event without a
// mutation (stale or inconsistent with current state).
type applyFunc func(ctx context.Context, tx ports.Ledger, sub *domain.Subscription, payload domain.EventPayload, event *domain.ProviderEvent) error

// Reconciler consumes provider webhook events and keeps the Ledger in
// agreement with the provider's authoritative state.
type Reconciler struct {
	ledger   ports.Ledger
	locks    *locking.KeyedLock
	logger   *zap.Logger
	clock    timeutil.Clock
	handlers map[domain.ProviderEventType]applyFunc
}

// NewReconciler wires the reconciler. locks must be shared with the
// lifecycle manager so webhook application and customer-initiated mutations
// for one subscription never interleave.
func NewReconciler(ledger ports.Ledger, locks *locking.KeyedLock, logger *zap.Logger, clock timeutil.Clock) *Reconciler {
	if clock == nil {
		clock = timeutil.Now
	}
	r := &Reconciler{
		ledger: ledger,
		locks:  locks,
		logger: logger,
		clock:  clock,
	}
	r.handlers = map[domain.ProviderEventType]applyFunc{
		domain.EventCheckoutCompleted:   r.applyCheckoutCompleted,
		domain.EventInvoicePaid:         r.applyInvoicePaid,
		domain.EventInvoiceFailed:       r.applyInvoiceFailed,
		domain.EventSubscriptionDeleted: r.applySubscriptionDeleted,
		domain.EventSubscriptionPaused:  r.applySubscriptionPaused,
		domain.EventSubscriptionResumed: r.applySubscriptionResumed,
	}
	return r
}

// errSkip is returned by handlers to acknowledge an event without applying
// it: already-superseded transitions and stale payment events.
var errSkip = domain.NewDomainError(domain.ErrorCodeInternal, "event skipped")

// Process applies one provider event. Outcomes:
//   - nil: applied, deduplicated, skipped as stale, or unknown type (all acknowledged)
//   - VALIDATION_*/RECONCILE_BAD_PAYLOAD: malformed event, reject, no retry
//   - RECONCILE_CONFLICT: subscription not found yet (delivery raced ahead of
//     the local create transaction); the caller should have the provider retry
//   - anything else: infrastructure failure
func (r *Reconciler) Process(ctx context.Context, event *domain.ProviderEvent) error {
	if event.ID == "" {
		return domain.NewDomainError(domain.ErrorCodeReconcileBadPayload, "event id is required")
	}

	processed, err := r.ledger.WasEventProcessed(ctx, event.ID)
	if err != nil {
		return err
	}
	if processed {
		r.logger.Debug("duplicate webhook event acknowledged",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)))
		return nil
	}

	handler, known := r.handlers[event.Type]
	if !known {
		// Forward compatibility: acknowledge provider additions, but record
		// the id so redeliveries stay quiet.
		r.logger.Info("unknown webhook event type acknowledged",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)))
		return r.markOnly(ctx, event)
	}

	var payload domain.EventPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return domain.WrapError(domain.ErrorCodeReconcileBadPayload, "malformed event payload", err)
	}

	sub, err := r.locate(ctx, event.Type, payload)
	if err != nil {
		return err
	}

	r.locks.Lock(sub.ID)
	defer r.locks.Unlock(sub.ID)

	return r.ledger.InTx(ctx, func(ctx context.Context, tx ports.Ledger) error {
		// Re-check under the lock and inside the transaction: a concurrent
		// delivery of the same event id must apply exactly once.
		processed, err := tx.WasEventProcessed(ctx, event.ID)
		if err != nil {
			return err
		}
		if processed {
			return nil
		}

		// Re-read so the mutation starts from committed state, not the
		// pre-lock snapshot.
		current, err := tx.GetSubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		statusBefore := current.Status

		if err := handler(ctx, tx, current, payload, event); err != nil {
			if err == errSkip {
				r.logger.Info("webhook event skipped as stale",
					zap.String("event_id", event.ID),
					zap.String("event_type", string(event.Type)),
					zap.String("subscription_id", current.ID),
					zap.String("status", string(current.Status)))
				return r.mark(ctx, tx, event)
			}
			return err
		}

		if event.OccurredAt.After(current.LastEventAt) {
			current.LastEventAt = event.OccurredAt
		}
		if err := tx.SaveSubscription(ctx, current); err != nil {
			return err
		}
		if current.Status != statusBefore {
			observability.RecordStateTransition(string(statusBefore), string(current.Status))
		}

		r.logger.Info("webhook event applied",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("subscription_id", current.ID),
			zap.String("status", string(current.Status)))

		return r.mark(ctx, tx, event)
	})
}

// locate maps the event payload to the local subscription. Checkout events
// correlate by session id, everything else by provider subscription id.
func (r *Reconciler) locate(ctx context.Context, eventType domain.ProviderEventType, payload domain.EventPayload) (*domain.Subscription, error) {
	var (
		sub *domain.Subscription
		err error
	)
	if eventType == domain.EventCheckoutCompleted {
		if payload.SessionID == "" {
			return nil, domain.NewDomainError(domain.ErrorCodeReconcileBadPayload, "checkout event without session id")
		}
		sub, err = r.ledger.GetSubscriptionBySessionID(ctx, payload.SessionID)
	} else {
		if payload.SubscriptionID == "" {
			return nil, domain.NewDomainError(domain.ErrorCodeReconcileBadPayload, "event without subscription id")
		}
		sub, err = r.ledger.GetSubscriptionByProviderSubID(ctx, payload.SubscriptionID)
	}
	if err != nil {
		if domain.IsNotFound(err) {
			// Webhook delivery can race ahead of the local create commit;
			// never drop the event, make the provider redeliver.
			return nil, domain.WrapError(domain.ErrorCodeReconcileConflict, "subscription not found for event", err)
		}
		return nil, err
	}
	return sub, nil
}

func (r *Reconciler) mark(ctx context.Context, tx ports.Ledger, event *domain.ProviderEvent) error {
	now := r.clock()
	event.ProcessedAt = &now
	return tx.MarkEventProcessed(ctx, event)
}

func (r *Reconciler) markOnly(ctx context.Context, event *domain.ProviderEvent) error {
	return r.ledger.InTx(ctx, func(ctx context.Context, tx ports.Ledger) error {
		processed, err := tx.WasEventProcessed(ctx, event.ID)
		if err != nil || processed {
			return err
		}
		return r.mark(ctx, tx, event)
	})
}

// applyCheckoutCompleted confirms payment for a pending subscription and
// activates it, capturing the provider's subscription and customer handles.
func (r *Reconciler) applyCheckoutCompleted(ctx context.Context, tx ports.Ledger, sub *domain.Subscription, payload domain.EventPayload, event *domain.ProviderEvent) error {
	if !domain.CanTransition(sub.Status, domain.StatusActive) {
		return errSkip
	}
	sub.ProviderSubID = payload.SubscriptionID
	sub.ProviderCustomerID = payload.CustomerID
	if payload.PaymentID != "" {
		sub.LastPaymentID = payload.PaymentID
	}
	return sub.TransitionTo(domain.StatusActive, r.clock())
}

// applyInvoicePaid records a successful billing cycle: the schedule advances
// one interval and the customer's service history grows by one.
func (r *Reconciler) applyInvoicePaid(ctx context.Context, tx ports.Ledger, sub *domain.Subscription, payload domain.EventPayload, event *domain.ProviderEvent) error {
	if sub.Status != domain.StatusActive {
		return errSkip
	}
	// Distinct invoices are already deduplicated by event id, and provider
	// timestamps are second-granularity: the first invoice often shares its
	// second with the checkout event. Only strictly older deliveries are
	// stale.
	if event.OccurredAt.Before(sub.LastEventAt) {
		return errSkip
	}

	interval, err := pricing.IntervalFor(sub.Recurrence)
	if err != nil {
		return err
	}
	if interval.IsZero() {
		// One-time bookings settle in the checkout event; a paid invoice
		// just records the payment handle.
		sub.LastPaymentID = payload.PaymentID
		sub.PaymentFailed = false
		return nil
	}

	sub.AdvanceCycle(interval, r.clock())
	if payload.PaymentID != "" {
		sub.LastPaymentID = payload.PaymentID
	}

	history, err := tx.GetCustomerHistory(ctx, sub.CustomerRef)
	if err != nil {
		return err
	}
	history.TotalServices++
	history.ServicesInCurrentPeriod++
	return tx.SaveCustomerHistory(ctx, history)
}

// applyInvoiceFailed flags the subscription; it never cancels automatically.
func (r *Reconciler) applyInvoiceFailed(ctx context.Context, tx ports.Ledger, sub *domain.Subscription, payload domain.EventPayload, event *domain.ProviderEvent) error {
	if sub.IsCancelled() {
		return errSkip
	}
	if !event.OccurredAt.After(sub.LastEventAt) {
		// A payment_failed racing behind a later payment_succeeded must not
		// re-flag the subscription.
		return errSkip
	}
	sub.PaymentFailed = true
	sub.UpdatedAt = r.clock()
	return nil
}

// applySubscriptionDeleted is the provider-side terminal transition
func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, tx ports.Ledger, sub *domain.Subscription, payload domain.EventPayload, event *domain.ProviderEvent) error {
	if !domain.CanTransition(sub.Status, domain.StatusCancelled) {
		return errSkip
	}
	return sub.TransitionTo(domain.StatusCancelled, r.clock())
}

func (r *Reconciler) applySubscriptionPaused(ctx context.Context, tx ports.Ledger, sub *domain.Subscription, payload domain.EventPayload, event *domain.ProviderEvent) error {
	if !domain.CanTransition(sub.Status, domain.StatusPaused) {
		return errSkip
	}
	return sub.TransitionTo(domain.StatusPaused, r.clock())
}

func (r *Reconciler) applySubscriptionResumed(ctx context.Context, tx ports.Ledger, sub *domain.Subscription, payload domain.EventPayload, event *domain.ProviderEvent) error {
	if sub.Status != domain.StatusPaused {
		return errSkip
	}
	return sub.TransitionTo(domain.StatusActive, r.clock())
}
