package reconcile

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brightnest/billing-service/internal/adapters/memory"
	"github.com/brightnest/billing-service/internal/domain"
	"github.com/brightnest/billing-service/internal/services/locking"
	"github.com/brightnest/billing-service/pkg/timeutil"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestReconciler(ledger *memory.Ledger) *Reconciler {
	return NewReconciler(ledger, locking.NewKeyedLock(), zap.NewNop(), timeutil.Fixed(testNow))
}

func seedSubscription(t *testing.T, ledger *memory.Ledger, mutate func(*domain.Subscription)) *domain.Subscription {
	t.Helper()
	sub := &domain.Subscription{
		ID:                "sub-1",
		CustomerRef:       "cust-1",
		Recurrence:        domain.RecurrenceWeekly,
		Status:            domain.StatusActive,
		ProviderSubID:     "prov-sub-1",
		ProviderSessionID: "sess-1",
		TotalAmount:       decimal.NewFromInt(400),
		Currency:          "USD",
		ServicesRemaining: 4,
		NextServiceDate:   testNow.AddDate(0, 0, 2),
		NextBillingAt:     testNow.AddDate(0, 0, 2).Add(-domain.BillingOffset),
		LastEventAt:       testNow.Add(-72 * time.Hour),
		CreatedAt:         testNow.Add(-30 * 24 * time.Hour),
		UpdatedAt:         testNow.Add(-30 * 24 * time.Hour),
	}
	if mutate != nil {
		mutate(sub)
	}
	require.NoError(t, ledger.SaveSubscription(context.Background(), sub))
	return sub
}

func makeEvent(t *testing.T, id string, eventType domain.ProviderEventType, occurredAt time.Time, payload domain.EventPayload) *domain.ProviderEvent {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &domain.ProviderEvent{
		ID:         id,
		Type:       eventType,
		OccurredAt: occurredAt,
		Payload:    raw,
		ReceivedAt: testNow,
	}
}

func TestReconciler_CheckoutCompleted(t *testing.T) {
	t.Run("activates a pending subscription and captures provider handles", func(t *testing.T) {
		ledger := memory.NewLedger()
		r := newTestReconciler(ledger)
		seedSubscription(t, ledger, func(s *domain.Subscription) {
			s.Status = domain.StatusPendingPayment
			s.ProviderSubID = ""
		})

		event := makeEvent(t, "evt-1", domain.EventCheckoutCompleted, testNow, domain.EventPayload{
			SessionID:      "sess-1",
			SubscriptionID: "prov-sub-new",
			CustomerID:     "prov-cust-new",
			PaymentID:      "pay-first",
		})
		require.NoError(t, r.Process(context.Background(), event))

		sub, err := ledger.GetSubscription(context.Background(), "sub-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, sub.Status)
		assert.Equal(t, "prov-sub-new", sub.ProviderSubID)
		assert.Equal(t, "prov-cust-new", sub.ProviderCustomerID)
		assert.Equal(t, "pay-first", sub.LastPaymentID)
		assert.Equal(t, testNow, sub.LastEventAt)

		processed, err := ledger.WasEventProcessed(context.Background(), "evt-1")
		require.NoError(t, err)
		assert.True(t, processed)
	})

	t.Run("checkout for an already cancelled subscription is skipped, not applied", func(t *testing.T) {
		ledger := memory.NewLedger()
		r := newTestReconciler(ledger)
		seedSubscription(t, ledger, func(s *domain.Subscription) {
			cancelled := testNow.Add(-time.Hour)
			s.Status = domain.StatusCancelled
			s.CancelledAt = &cancelled
		})

		event := makeEvent(t, "evt-2", domain.EventCheckoutCompleted, testNow, domain.EventPayload{
			SessionID:      "sess-1",
			SubscriptionID: "prov-sub-late",
		})
		require.NoError(t, r.Process(context.Background(), event))

		sub, err := ledger.GetSubscription(context.Background(), "sub-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, sub.Status)
		assert.Equal(t, "prov-sub-1", sub.ProviderSubID)

		// Skipped events are still acknowledged so the provider stops retrying.
		processed, err := ledger.WasEventProcessed(context.Background(), "evt-2")
		require.NoError(t, err)
		assert.True(t, processed)
	})
}

func TestReconciler_Idempotency(t *testing.T) {
	t.Run("redelivered event id applies exactly once", func(t *testing.T) {
		ledger := memory.NewLedger()
		r := newTestReconciler(ledger)
		seedSubscription(t, ledger, nil)

		event := makeEvent(t, "evt-paid", domain.EventInvoicePaid, testNow, domain.EventPayload{
			SubscriptionID: "prov-sub-1",
			PaymentID:      "pay-2",
		})
		require.NoError(t, r.Process(context.Background(), event))
		require.NoError(t, r.Process(context.Background(), event))

		sub, err := ledger.GetSubscription(context.Background(), "sub-1")
		require.NoError(t, err)
		assert.Equal(t, 1, sub.ServicesCompleted)
		assert.Equal(t, 3, sub.ServicesRemaining)

		history, err := ledger.GetCustomerHistory(context.Background(), "cust-1")
		require.NoError(t, err)
		assert.Equal(t, 1, history.TotalServices)
	})

	t.Run("concurrent duplicate deliveries apply exactly once", func(t *testing.T) {
		ledger := memory.NewLedger()
		r := newTestReconciler(ledger)
		seedSubscription(t, ledger, nil)

		payload := domain.EventPayload{SubscriptionID: "prov-sub-1", PaymentID: "pay-2"}

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				event := makeEvent(t, "evt-race", domain.EventInvoicePaid, testNow, payload)
				assert.NoError(t, r.Process(context.Background(), event))
			}()
		}
		wg.Wait()

		sub, err := ledger.GetSubscription(context.Background(), "sub-1")
		require.NoError(t, err)
		assert.Equal(t, 1, sub.ServicesCompleted)

		history, err := ledger.GetCustomerHistory(context.Background(), "cust-1")
		require.NoError(t, err)
		assert.Equal(t, 1, history.TotalServices)
	})
}

func TestReconciler_InvoicePaid(t *testing.T) {
	t.Run("advances the schedule one interval and keeps the billing offset", func(t *testing.T) {
		ledger := memory.NewLedger()
		r := newTestReconciler(ledger)
		seed := seedSubscription(t, ledger, nil)

		event := makeEvent(t, "evt-paid", domain.EventInvoicePaid, testNow, domain.EventPayload{
			SubscriptionID: "prov-sub-1",
			PaymentID:      "pay-2",
		})
		require.NoError(t, r.Process(context.Background(), event))

		sub, err := ledger.GetSubscription(context.Background(), "sub-1")
		require.NoError(t, err)
		assert.Equal(t, seed.NextServiceDate.AddDate(0, 0, 7), sub.NextServiceDate)
		assert.Equal(t, sub.NextServiceDate.Add(-domain.BillingOffset), sub.NextBillingAt)
		assert.Equal(t, "pay-2", sub.LastPaymentID)
		assert.False(t, sub.PaymentFailed)
	})

	t.Run("first invoice in the same second as checkout still advances the cycle", func(t *testing.T) {
		ledger := memory.NewLedger()
		r := newTestReconciler(ledger)
		seed := seedSubscription(t, ledger, func(s *domain.Subscription) {
			s.Status = domain.StatusPendingPayment
			s.ProviderSubID = ""
		})

		// Provider timestamps are second-granularity; checkout and the first
		// invoice regularly share one.
		checkout := makeEvent(t, "evt-checkout", domain.EventCheckoutCompleted, testNow, domain.EventPayload{
			SessionID:      "sess-1",
			SubscriptionID: "prov-sub-1",
			CustomerID:     "prov-cust-1",
			PaymentID:      "pay-first",
		})
		require.NoError(t, r.Process(context.Background(), checkout))

		invoice := makeEvent(t, "evt-first-invoice", domain.EventInvoicePaid, testNow, domain.EventPayload{
			SubscriptionID: "prov-sub-1",
			PaymentID:      "pay-first",
		})
		require.NoError(t, r.Process(context.Background(), invoice))

		sub, err := ledger.GetSubscription(context.Background(), "sub-1")
		require.NoError(t, err)
		assert.Equal(t, 1, sub.ServicesCompleted)
		assert.Equal(t, 3, sub.ServicesRemaining)
		assert.Equal(t, seed.NextServiceDate.AddDate(0, 0, 7), sub.NextServiceDate)

		history, err := ledger.GetCustomerHistory(context.Background(), "cust-1")
		require.NoError(t, err)
		assert.Equal(t, 1, history.TotalServices)
	})

	t.Run("paid invoice strictly behind the watermark is skipped", func(t *testing.T) {
		ledger := memory.NewLedger()
		r := newTestReconciler(ledger)
		seed := seedSubscription(t, ledger, nil)

		event := makeEvent(t, "evt-late", domain.EventInvoicePaid, testNow.Add(-96*time.Hour), domain.EventPayload{
			SubscriptionID: "prov-sub-1",
		})
		require.NoError(t, r.Process(context.Background(), event))

		sub, err := ledger.GetSubscription(context.Background(), "sub-1")
		require.NoError(t, err)
		assert.Equal(t, 0, sub.ServicesCompleted)
		assert.Equal(t, seed.NextServiceDate, sub.NextServiceDate)
	})

	t.Run("paid invoice clears a previous payment failure flag", func(t *testing.T) {
		ledger := memory.NewLedger()
		r := newTestReconciler(ledger)
		seedSubscription(t, ledger, func(s *domain.Subscription) {
			s.PaymentFailed = true
		})

		event := makeEvent(t, "evt-paid", domain.EventInvoicePaid, testNow, domain.EventPayload{
			SubscriptionID: "prov-sub-1",
		})
		require.NoError(t, r.Process(context.Background(), event))

		sub, err := ledger.GetSubscription(context.Background(), "sub-1")
		require.NoError(t, err)
		assert.False(t, sub.PaymentFailed)
	})

	t.Run("paid invoice for a paused subscription is skipped", func(t *testing.T) {
		ledger := memory.NewLedger()
		r := newTestReconciler(ledger)
		seed := seedSubscription(t, ledger, func(s *domain.Subscription) {
			s.Status = domain.StatusPaused
		})

		event := makeEvent(t, "evt-paid", domain.EventInvoicePaid, testNow, domain.EventPayload{
			SubscriptionID: "prov-sub-1",
		})
		require.NoError(t, r.Process(context.Background(), event))

		sub, err := ledger.GetSubscription(context.Background(), "sub-1")
		require.NoError(t, err)
		assert.Equal(t, 0, sub.ServicesCompleted)
		assert.Equal(t, seed.NextServiceDate, sub.NextServiceDate)
	})
}

func TestReconciler_OutOfOrderEvents(t *testing.T) {
	t.Run("stale payment failure behind a newer success does not re-flag", func(t *testing.T) {
		ledger := memory.NewLedger()
		r := newTestReconciler(ledger)
		seedSubscription(t, ledger, nil)

		paid := makeEvent(t, "evt-paid", domain.EventInvoicePaid, testNow, domain.EventPayload{
			SubscriptionID: "prov-sub-1",
			PaymentID:      "pay-2",
		})
		require.NoError(t, r.Process(context.Background(), paid))

		// The failure happened an hour before the success but arrives after it.
		failed := makeEvent(t, "evt-failed", domain.EventInvoiceFailed, testNow.Add(-time.Hour), domain.EventPayload{
			SubscriptionID: "prov-sub-1",
			FailureReason:  "card_declined",
		})
		require.NoError(t, r.Process(context.Background(), failed))

		sub, err := ledger.GetSubscription(context.Background(), "sub-1")
		require.NoError(t, err)
		assert.False(t, sub.PaymentFailed)
		assert.Equal(t, testNow, sub.LastEventAt)
	})

	t.Run("fresh payment failure flags without cancelling", func(t *testing.T) {
		ledger := memory.NewLedger()
		r := newTestReconciler(ledger)
		seedSubscription(t, ledger, nil)

		failed := makeEvent(t, "evt-failed", domain.EventInvoiceFailed, testNow, domain.EventPayload{
			SubscriptionID: "prov-sub-1",
			FailureReason:  "card_declined",
		})
		require.NoError(t, r.Process(context.Background(), failed))

		sub, err := ledger.GetSubscription(context.Background(), "sub-1")
		require.NoError(t, err)
		assert.True(t, sub.PaymentFailed)
		assert.Equal(t, domain.StatusActive, sub.Status)
	})
}

func TestReconciler_ProviderTransitions(t *testing.T) {
	t.Run("provider deletion cancels locally", func(t *testing.T) {
		ledger := memory.NewLedger()
		r := newTestReconciler(ledger)
		seedSubscription(t, ledger, nil)

		event := makeEvent(t, "evt-del", domain.EventSubscriptionDeleted, testNow, domain.EventPayload{
			SubscriptionID: "prov-sub-1",
		})
		require.NoError(t, r.Process(context.Background(), event))

		sub, err := ledger.GetSubscription(context.Background(), "sub-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, sub.Status)
		require.NotNil(t, sub.CancelledAt)
	})

	t.Run("provider pause and resume round-trip", func(t *testing.T) {
		ledger := memory.NewLedger()
		r := newTestReconciler(ledger)
		seedSubscription(t, ledger, nil)

		paused := makeEvent(t, "evt-pause", domain.EventSubscriptionPaused, testNow, domain.EventPayload{
			SubscriptionID: "prov-sub-1",
		})
		require.NoError(t, r.Process(context.Background(), paused))

		sub, err := ledger.GetSubscription(context.Background(), "sub-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPaused, sub.Status)

		resumed := makeEvent(t, "evt-resume", domain.EventSubscriptionResumed, testNow.Add(time.Hour), domain.EventPayload{
			SubscriptionID: "prov-sub-1",
		})
		require.NoError(t, r.Process(context.Background(), resumed))

		sub, err = ledger.GetSubscription(context.Background(), "sub-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, sub.Status)
	})

	t.Run("resume for a subscription that is not paused is skipped", func(t *testing.T) {
		ledger := memory.NewLedger()
		r := newTestReconciler(ledger)
		seedSubscription(t, ledger, nil)

		event := makeEvent(t, "evt-resume", domain.EventSubscriptionResumed, testNow, domain.EventPayload{
			SubscriptionID: "prov-sub-1",
		})
		require.NoError(t, r.Process(context.Background(), event))

		sub, err := ledger.GetSubscription(context.Background(), "sub-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, sub.Status)
	})
}

func TestReconciler_ProcessRejections(t *testing.T) {
	t.Run("unknown event type is acknowledged and deduplicated", func(t *testing.T) {
		ledger := memory.NewLedger()
		r := newTestReconciler(ledger)

		event := makeEvent(t, "evt-unknown", domain.ProviderEventType("charge.dispute.created"), testNow, domain.EventPayload{})
		require.NoError(t, r.Process(context.Background(), event))
		require.NoError(t, r.Process(context.Background(), event))

		processed, err := ledger.WasEventProcessed(context.Background(), "evt-unknown")
		require.NoError(t, err)
		assert.True(t, processed)
	})

	t.Run("subscription not found yet surfaces a retryable conflict", func(t *testing.T) {
		ledger := memory.NewLedger()
		r := newTestReconciler(ledger)

		event := makeEvent(t, "evt-early", domain.EventInvoicePaid, testNow, domain.EventPayload{
			SubscriptionID: "prov-sub-unknown",
		})
		err := r.Process(context.Background(), event)
		require.Error(t, err)
		assert.Equal(t, domain.ErrorCodeReconcileConflict, domain.GetErrorCode(err))
		assert.True(t, domain.IsRetryable(err))

		// The event must stay unacknowledged so redelivery can succeed later.
		processed, perr := ledger.WasEventProcessed(context.Background(), "evt-early")
		require.NoError(t, perr)
		assert.False(t, processed)
	})

	t.Run("missing event id is rejected", func(t *testing.T) {
		r := newTestReconciler(memory.NewLedger())

		err := r.Process(context.Background(), &domain.ProviderEvent{Type: domain.EventInvoicePaid})
		require.Error(t, err)
		assert.Equal(t, domain.ErrorCodeReconcileBadPayload, domain.GetErrorCode(err))
	})

	t.Run("malformed payload is rejected", func(t *testing.T) {
		ledger := memory.NewLedger()
		r := newTestReconciler(ledger)
		seedSubscription(t, ledger, nil)

		err := r.Process(context.Background(), &domain.ProviderEvent{
			ID:         "evt-bad",
			Type:       domain.EventInvoicePaid,
			OccurredAt: testNow,
			Payload:    json.RawMessage(`{"subscription_id":`),
		})
		require.Error(t, err)
		assert.Equal(t, domain.ErrorCodeReconcileBadPayload, domain.GetErrorCode(err))
	})

	t.Run("checkout event without a session id is rejected", func(t *testing.T) {
		r := newTestReconciler(memory.NewLedger())

		event := makeEvent(t, "evt-nosession", domain.EventCheckoutCompleted, testNow, domain.EventPayload{})
		err := r.Process(context.Background(), event)
		require.Error(t, err)
		assert.Equal(t, domain.ErrorCodeReconcileBadPayload, domain.GetErrorCode(err))
	})
}
