// Package lifecycle orchestrates subscription state transitions. It is the
// only writer of local subscription state for customer-initiated operations;
// provider-originated transitions arrive through the webhook reconciler.
package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/brightnest/billing-service/internal/domain"
	"github.com/brightnest/billing-service/internal/domain/ports"
	"github.com/brightnest/billing-service/internal/services/locking"
	"github.com/brightnest/billing-service/internal/services/pricing"
	"github.com/brightnest/billing-service/pkg/observability"
	"github.com/brightnest/billing-service/pkg/timeutil"
)

// Manager runs the subscription state machine: create, pause, resume,
// cancel. Provider calls happen before the local mutation is committed, so a
// provider failure aborts the transition with local state unchanged. The one
// exception is creation, which persists pending_payment optimistically and
// is reconciled by the checkout webhook.
type Manager struct {
	ledger    ports.Ledger
	provider  ports.PaymentProvider
	discounts *pricing.DiscountResolver
	tiers     *pricing.PauseTierClassifier
	anchors   *pricing.BillingAnchorCalculator
	penalties *pricing.CancellationPenaltyCalculator
	pauseCfg  pricing.PauseConfig
	locks     *locking.KeyedLock
	logger    *zap.Logger
	clock     timeutil.Clock
}

// NewManager wires the lifecycle manager. locks must be the same instance
// the webhook reconciler uses, so per-subscription serialization spans both
// write paths.
func NewManager(
	ledger ports.Ledger,
	provider ports.PaymentProvider,
	discounts *pricing.DiscountResolver,
	tiers *pricing.PauseTierClassifier,
	anchors *pricing.BillingAnchorCalculator,
	penalties *pricing.CancellationPenaltyCalculator,
	pauseCfg pricing.PauseConfig,
	locks *locking.KeyedLock,
	logger *zap.Logger,
	clock timeutil.Clock,
) *Manager {
	if clock == nil {
		clock = timeutil.Now
	}
	return &Manager{
		ledger:    ledger,
		provider:  provider,
		discounts: discounts,
		tiers:     tiers,
		anchors:   anchors,
		penalties: penalties,
		pauseCfg:  pauseCfg,
		locks:     locks,
		logger:    logger,
		clock:     clock,
	}
}

// CreateRequest is a booking checkout request
type CreateRequest struct {
	CustomerRef      string
	Recurrence       domain.RecurrenceKind
	FirstServiceDate time.Time
	ServicesPlanned  int
	Subtotal         decimal.Decimal
	Currency         string
	Referral         *pricing.ReferralSnapshot
	Promo            *pricing.PromoSnapshot
}

// CreateResult reports the created subscription and the provider checkout handle
type CreateResult struct {
	Subscription *domain.Subscription
	Grant        *domain.DiscountGrant
	RedirectURL  string
}

// Create validates the booking window, resolves the discount, opens a
// provider checkout session, and persists the subscription in
// pending_payment. The provider confirmation webhook flips it to active.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	now := m.clock()

	if req.CustomerRef == "" {
		return nil, domain.NewDomainError(domain.ErrorCodeValidationMissingField, "customer reference is required")
	}
	if !req.Recurrence.Valid() {
		return nil, domain.NewDomainError(domain.ErrorCodeValidationFailed, "unknown recurrence kind").
			WithDetail("recurrence", string(req.Recurrence))
	}
	if !req.Subtotal.IsPositive() {
		return nil, domain.NewDomainError(domain.ErrorCodeValidationBadAmount, "subtotal must be positive")
	}
	if req.ServicesPlanned < 1 {
		req.ServicesPlanned = 1
	}

	schedule, err := m.anchors.Compute(req.FirstServiceDate, req.Recurrence, now)
	if err != nil {
		return nil, err
	}

	grant := m.discounts.Resolve(pricing.DiscountRequest{
		Recurrence: req.Recurrence,
		Subtotal:   req.Subtotal,
		Referral:   req.Referral,
		Promo:      req.Promo,
		Now:        now,
	})

	total := req.Subtotal
	couponID := ""
	if grant != nil {
		total = req.Subtotal.Sub(grant.Value(req.Subtotal))
		couponID, err = m.provider.CreateCoupon(ctx, *grant, req.Currency)
		if err != nil {
			return nil, err
		}
		grant.ProviderCouponID = couponID
	}

	subID := uuid.New().String()
	session, err := m.provider.CreateCheckoutSession(ctx, ports.CheckoutSpec{
		CustomerRef: req.CustomerRef,
		Amount:      total,
		Currency:    req.Currency,
		Recurrence:  req.Recurrence,
		Interval:    schedule.Interval,
		Anchor:      schedule.NextBillingAt,
		CouponID:    couponID,
		Metadata:    map[string]string{"subscription_id": subID},
	})
	if err != nil {
		return nil, err
	}

	sub := &domain.Subscription{
		ID:                subID,
		CustomerRef:       req.CustomerRef,
		Recurrence:        req.Recurrence,
		Status:            domain.StatusPendingPayment,
		ProviderSessionID: session.SessionID,
		TotalAmount:       total,
		Currency:          req.Currency,
		ServicesRemaining: req.ServicesPlanned,
		FirstServiceDate:  req.FirstServiceDate,
		NextServiceDate:   schedule.NextServiceDate,
		NextBillingAt:     schedule.NextBillingAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = m.ledger.InTx(ctx, func(ctx context.Context, tx ports.Ledger) error {
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		if grant != nil {
			grant.SubscriptionID = sub.ID
			return tx.RecordDiscountGrant(ctx, grant)
		}
		return nil
	})
	if err != nil {
		m.logger.Error("create subscription failed",
			zap.String("customer_ref", req.CustomerRef),
			zap.Error(err))
		return nil, err
	}

	m.logger.Info("subscription created",
		zap.String("subscription_id", sub.ID),
		zap.String("customer_ref", req.CustomerRef),
		zap.String("recurrence", string(req.Recurrence)),
		zap.Time("next_billing_at", sub.NextBillingAt))

	return &CreateResult{Subscription: sub, Grant: grant, RedirectURL: session.RedirectURL}, nil
}

// PauseRequest is a customer-initiated pause
type PauseRequest struct {
	SubscriptionID string
	StartDate      time.Time
	DurationDays   int
	Reason         string
}

// PauseResult reports the recorded pause window
type PauseResult struct {
	Pause     *domain.PauseRecord
	Tier      pricing.TierDescriptor
	Remaining int
}

// Pause suspends billing for the requested window. The pause is free while
// the customer's tier allowance lasts; after that the configured flat fee is
// charged through the provider before any local state changes.
func (m *Manager) Pause(ctx context.Context, req PauseRequest) (*PauseResult, error) {
	m.locks.Lock(req.SubscriptionID)
	defer m.locks.Unlock(req.SubscriptionID)

	now := m.clock()

	sub, err := m.ledger.GetSubscription(ctx, req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != domain.StatusActive {
		return nil, domain.NewDomainError(domain.ErrorCodeSubscriptionState, "only active subscriptions can be paused").
			WithDetail("status", string(sub.Status))
	}

	pause, err := domain.NewPauseRecord(
		uuid.New().String(), sub.ID, req.StartDate, req.DurationDays, req.Reason,
		m.pauseCfg.MaxDurationDays, m.pauseCfg.MinNotice, now,
	)
	if err != nil {
		return nil, err
	}

	history, err := m.ledger.GetCustomerHistory(ctx, sub.CustomerRef)
	if err != nil {
		return nil, err
	}

	assessment := m.tiers.Assess(*history)
	pause.IsFree = assessment.IsFree
	pause.Fee = assessment.Fee
	pause.TierID = assessment.Tier.TierID

	if !pause.IsFree && sub.ProviderCustomerID != "" {
		result, err := m.provider.Charge(ctx, sub.ProviderCustomerID, pause.Fee, sub.Currency)
		if err != nil {
			return nil, err
		}
		if !result.Approved {
			return nil, domain.NewDomainError(domain.ErrorCodeProviderRejected, "pause fee charge declined")
		}
		pause.FeePaymentID = result.PaymentID
	}

	if err := m.provider.PauseBilling(ctx, sub.ProviderSubID, pause.EndDate); err != nil {
		return nil, err
	}

	err = m.ledger.InTx(ctx, func(ctx context.Context, tx ports.Ledger) error {
		if err := sub.TransitionTo(domain.StatusPaused, now); err != nil {
			return err
		}
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		if err := tx.RecordPause(ctx, pause); err != nil {
			return err
		}
		history.UsedPauses++
		start := pause.StartDate
		history.LastPauseDate = &start
		return tx.SaveCustomerHistory(ctx, history)
	})
	if err != nil {
		m.logger.Error("pause subscription failed",
			zap.String("subscription_id", sub.ID),
			zap.Error(err))
		return nil, err
	}

	remaining := assessment.Tier.Remaining
	if pause.IsFree && remaining > 0 {
		remaining--
	}

	observability.RecordStateTransition(string(domain.StatusActive), string(domain.StatusPaused))
	m.logger.Info("subscription paused",
		zap.String("subscription_id", sub.ID),
		zap.String("pause_id", pause.ID),
		zap.Bool("is_free", pause.IsFree),
		zap.Time("resume_at", pause.EndDate))

	return &PauseResult{Pause: pause, Tier: assessment.Tier, Remaining: remaining}, nil
}

// Resume re-enables billing on a paused subscription. If the pause pushed
// the anchor into the past, the schedule rolls forward whole intervals until
// the 48-hour offset is satisfiable again.
func (m *Manager) Resume(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	m.locks.Lock(subscriptionID)
	defer m.locks.Unlock(subscriptionID)

	now := m.clock()

	sub, err := m.ledger.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != domain.StatusPaused {
		return nil, domain.NewDomainError(domain.ErrorCodeSubscriptionState, "only paused subscriptions can be resumed").
			WithDetail("status", string(sub.Status))
	}

	if err := m.provider.ResumeBilling(ctx, sub.ProviderSubID); err != nil {
		return nil, err
	}

	err = m.ledger.InTx(ctx, func(ctx context.Context, tx ports.Ledger) error {
		if err := sub.TransitionTo(domain.StatusActive, now); err != nil {
			return err
		}
		interval, err := pricing.IntervalFor(sub.Recurrence)
		if err != nil {
			return err
		}
		if !interval.IsZero() {
			for sub.NextBillingAt.Before(now) {
				sub.NextServiceDate = interval.Next(sub.NextServiceDate)
				sub.NextBillingAt = sub.NextServiceDate.Add(-domain.BillingOffset)
			}
		}
		return tx.SaveSubscription(ctx, sub)
	})
	if err != nil {
		m.logger.Error("resume subscription failed",
			zap.String("subscription_id", subscriptionID),
			zap.Error(err))
		return nil, err
	}

	observability.RecordStateTransition(string(domain.StatusPaused), string(domain.StatusActive))
	m.logger.Info("subscription resumed",
		zap.String("subscription_id", sub.ID),
		zap.Time("next_billing_at", sub.NextBillingAt))

	return sub, nil
}

// CancelRequest is a customer-initiated cancellation
type CancelRequest struct {
	SubscriptionID string
	Reason         string
	Feedback       string
}

// Cancel runs the penalty calculator, settles money with the provider
// (cancel, then penalty charge and refund as applicable), and records the
// terminal transition. Any provider failure aborts with local state intact.
func (m *Manager) Cancel(ctx context.Context, req CancelRequest) (*domain.CancellationRecord, error) {
	m.locks.Lock(req.SubscriptionID)
	defer m.locks.Unlock(req.SubscriptionID)

	now := m.clock()

	sub, err := m.ledger.GetSubscription(ctx, req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	statusBefore := sub.Status
	if sub.Status != domain.StatusActive && sub.Status != domain.StatusPaused {
		if sub.IsCancelled() {
			return nil, domain.NewDomainError(domain.ErrorCodePolicyTerminalState, "subscription is already cancelled")
		}
		return nil, domain.NewDomainError(domain.ErrorCodeSubscriptionState, "subscription cannot be cancelled in its current state").
			WithDetail("status", string(sub.Status))
	}

	result := m.penalties.Compute(pricing.PenaltyInput{
		CreatedAt:         sub.CreatedAt,
		Recurrence:        sub.Recurrence,
		TotalAmount:       sub.TotalAmount,
		ServicesCompleted: sub.ServicesCompleted,
		ServicesRemaining: sub.ServicesRemaining,
		Now:               now,
	})

	providerCancellationID, err := m.provider.CancelSubscription(ctx, sub.ProviderSubID, true)
	if err != nil {
		return nil, err
	}

	if result.PenaltyAmount.IsPositive() && sub.ProviderCustomerID != "" {
		charge, err := m.provider.Charge(ctx, sub.ProviderCustomerID, result.PenaltyAmount, sub.Currency)
		if err != nil {
			return nil, err
		}
		if !charge.Approved {
			return nil, domain.NewDomainError(domain.ErrorCodeProviderRejected, "cancellation penalty charge declined")
		}
	}

	if result.RefundAmount.IsPositive() && sub.LastPaymentID != "" {
		if _, err := m.provider.Refund(ctx, sub.LastPaymentID, result.RefundAmount); err != nil {
			return nil, err
		}
	}

	record := domain.NewCancellationRecord(
		uuid.New().String(), sub.ID, req.Reason, req.Feedback,
		result.WithinFreeWindow, result.PenaltyAmount, result.RefundAmount, now,
	)
	record.ProviderCancellationID = providerCancellationID

	err = m.ledger.InTx(ctx, func(ctx context.Context, tx ports.Ledger) error {
		if err := sub.TransitionTo(domain.StatusCancelled, now); err != nil {
			return err
		}
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		return tx.RecordCancellation(ctx, record)
	})
	if err != nil {
		m.logger.Error("cancel subscription failed",
			zap.String("subscription_id", sub.ID),
			zap.Error(err))
		return nil, err
	}

	observability.RecordStateTransition(string(statusBefore), string(domain.StatusCancelled))
	m.logger.Info("subscription cancelled",
		zap.String("subscription_id", sub.ID),
		zap.String("reason", req.Reason),
		zap.Bool("within_free_window", record.WithinFreeWindow),
		zap.String("penalty", record.PenaltyAmount.String()),
		zap.String("refund", record.RefundAmount.String()))

	return record, nil
}

// ResumeDuePauses resumes every subscription whose pause window has elapsed.
// Invoked periodically by an external scheduler.
func (m *Manager) ResumeDuePauses(ctx context.Context) (int, error) {
	now := m.clock()

	due, err := m.ledger.ListDuePauses(ctx, now)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, pause := range due {
		if _, err := m.Resume(ctx, pause.SubscriptionID); err != nil {
			// Terminal subscriptions are closed out; anything else is left
			// for the next sweep.
			if !domain.IsPolicyViolation(err) {
				m.logger.Error("automatic resume failed",
					zap.String("subscription_id", pause.SubscriptionID),
					zap.String("pause_id", pause.ID),
					zap.Error(err))
				continue
			}
		} else {
			resumed++
		}
		pause.Status = domain.PauseCompleted
		if err := m.ledger.UpdatePause(ctx, pause); err != nil {
			m.logger.Error("marking pause completed failed",
				zap.String("pause_id", pause.ID),
				zap.Error(err))
		}
	}

	m.logger.Info("pause sweep completed",
		zap.Int("due", len(due)),
		zap.Int("resumed", resumed))

	return resumed, nil
}

// PauseTier reports the customer's current pause allowance for a subscription
func (m *Manager) PauseTier(ctx context.Context, subscriptionID string) (pricing.TierDescriptor, error) {
	sub, err := m.ledger.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return pricing.TierDescriptor{}, err
	}
	history, err := m.ledger.GetCustomerHistory(ctx, sub.CustomerRef)
	if err != nil {
		return pricing.TierDescriptor{}, err
	}
	return m.tiers.Classify(*history), nil
}

// CancellationQuote previews the penalty and refund for a cancellation
// without mutating anything.
func (m *Manager) CancellationQuote(ctx context.Context, subscriptionID string) (pricing.PenaltyResult, error) {
	sub, err := m.ledger.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return pricing.PenaltyResult{}, err
	}
	if sub.IsCancelled() {
		return pricing.PenaltyResult{}, domain.NewDomainError(domain.ErrorCodePolicyTerminalState, "subscription is already cancelled")
	}
	return m.penalties.Compute(pricing.PenaltyInput{
		CreatedAt:         sub.CreatedAt,
		Recurrence:        sub.Recurrence,
		TotalAmount:       sub.TotalAmount,
		ServicesCompleted: sub.ServicesCompleted,
		ServicesRemaining: sub.ServicesRemaining,
		Now:               m.clock(),
	}), nil
}

// GetSubscription retrieves a subscription by id
func (m *Manager) GetSubscription(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	return m.ledger.GetSubscription(ctx, subscriptionID)
}
