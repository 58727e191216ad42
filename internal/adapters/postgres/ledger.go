package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brightnest/billing-service/internal/domain"
	"github.com/brightnest/billing-service/internal/domain/ports"
)

// Ledger implements ports.Ledger on PostgreSQL. A Ledger created by NewLedger
// runs each call in its own implicit transaction; InTx hands the callback a
// Ledger bound to one explicit transaction.
type Ledger struct {
	db   querier
	pool *pgxpool.Pool // nil when bound to a transaction
}

var _ ports.Ledger = (*Ledger)(nil)

// NewLedger creates a ledger over a connection pool
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{db: pool, pool: pool}
}

// InTx runs fn inside a single database transaction. Nested calls reuse the
// enclosing transaction.
func (l *Ledger) InTx(ctx context.Context, fn func(ctx context.Context, tx ports.Ledger) error) error {
	if l.pool == nil {
		return fn(ctx, l)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return domain.WrapError(domain.ErrorCodePersistence, "begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(ctx, &Ledger{db: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.WrapError(domain.ErrorCodePersistence, "commit transaction", err)
	}
	return nil
}

const subscriptionColumns = `id, customer_ref, recurrence, status, provider_sub_id,
	provider_customer_id, provider_session_id, last_payment_id, total_amount, currency,
	services_completed, services_remaining, payment_failed, first_service_date,
	next_service_date, next_billing_at, last_event_at, created_at, updated_at, cancelled_at`

// GetSubscription retrieves a subscription by id
func (l *Ledger) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	row := l.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

// GetSubscriptionByProviderSubID retrieves a subscription by the provider's handle
func (l *Ledger) GetSubscriptionByProviderSubID(ctx context.Context, providerSubID string) (*domain.Subscription, error) {
	if providerSubID == "" {
		return nil, domain.ErrSubscriptionNotFound
	}
	row := l.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_sub_id = $1`, providerSubID)
	return scanSubscription(row)
}

// GetSubscriptionBySessionID retrieves a subscription by its checkout session
func (l *Ledger) GetSubscriptionBySessionID(ctx context.Context, sessionID string) (*domain.Subscription, error) {
	if sessionID == "" {
		return nil, domain.ErrSubscriptionNotFound
	}
	row := l.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_session_id = $1`, sessionID)
	return scanSubscription(row)
}

// SaveSubscription inserts or updates a subscription
func (l *Ledger) SaveSubscription(ctx context.Context, sub *domain.Subscription) error {
	amount, err := decimalToNumeric(sub.TotalAmount)
	if err != nil {
		return err
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO subscriptions (
			id, customer_ref, recurrence, status, provider_sub_id,
			provider_customer_id, provider_session_id, last_payment_id, total_amount, currency,
			services_completed, services_remaining, payment_failed, first_service_date,
			next_service_date, next_billing_at, last_event_at, created_at, updated_at, cancelled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			provider_sub_id = EXCLUDED.provider_sub_id,
			provider_customer_id = EXCLUDED.provider_customer_id,
			provider_session_id = EXCLUDED.provider_session_id,
			last_payment_id = EXCLUDED.last_payment_id,
			total_amount = EXCLUDED.total_amount,
			services_completed = EXCLUDED.services_completed,
			services_remaining = EXCLUDED.services_remaining,
			payment_failed = EXCLUDED.payment_failed,
			next_service_date = EXCLUDED.next_service_date,
			next_billing_at = EXCLUDED.next_billing_at,
			last_event_at = EXCLUDED.last_event_at,
			updated_at = EXCLUDED.updated_at,
			cancelled_at = EXCLUDED.cancelled_at`,
		sub.ID, sub.CustomerRef, string(sub.Recurrence), string(sub.Status), nullText(sub.ProviderSubID),
		nullText(sub.ProviderCustomerID), nullText(sub.ProviderSessionID), nullText(sub.LastPaymentID), amount, sub.Currency,
		sub.ServicesCompleted, sub.ServicesRemaining, sub.PaymentFailed, sub.FirstServiceDate,
		sub.NextServiceDate, sub.NextBillingAt, sub.LastEventAt, sub.CreatedAt, sub.UpdatedAt, nullTimestamptz(sub.CancelledAt),
	)
	if err != nil {
		return domain.WrapError(domain.ErrorCodePersistence, "save subscription", err)
	}
	return nil
}

// GetCustomerHistory retrieves the customer's service/pause counters. A
// customer without a row gets a zero-valued snapshot.
func (l *Ledger) GetCustomerHistory(ctx context.Context, customerRef string) (*domain.CustomerHistory, error) {
	var (
		h             domain.CustomerHistory
		lastPauseDate pgtype.Timestamptz
	)
	err := l.db.QueryRow(ctx, `
		SELECT customer_ref, total_services, services_in_current_period, used_pauses, last_pause_date
		FROM customer_history WHERE customer_ref = $1`, customerRef).
		Scan(&h.CustomerRef, &h.TotalServices, &h.ServicesInCurrentPeriod, &h.UsedPauses, &lastPauseDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return &domain.CustomerHistory{CustomerRef: customerRef}, nil
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodePersistence, "get customer history", err)
	}
	if lastPauseDate.Valid {
		t := lastPauseDate.Time
		h.LastPauseDate = &t
	}
	return &h, nil
}

// SaveCustomerHistory inserts or updates the customer's counters
func (l *Ledger) SaveCustomerHistory(ctx context.Context, history *domain.CustomerHistory) error {
	_, err := l.db.Exec(ctx, `
		INSERT INTO customer_history (customer_ref, total_services, services_in_current_period, used_pauses, last_pause_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (customer_ref) DO UPDATE SET
			total_services = EXCLUDED.total_services,
			services_in_current_period = EXCLUDED.services_in_current_period,
			used_pauses = EXCLUDED.used_pauses,
			last_pause_date = EXCLUDED.last_pause_date`,
		history.CustomerRef, history.TotalServices, history.ServicesInCurrentPeriod,
		history.UsedPauses, nullTimestamptz(history.LastPauseDate),
	)
	if err != nil {
		return domain.WrapError(domain.ErrorCodePersistence, "save customer history", err)
	}
	return nil
}

// RecordPause inserts a pause record
func (l *Ledger) RecordPause(ctx context.Context, pause *domain.PauseRecord) error {
	fee, err := decimalToNumeric(pause.Fee)
	if err != nil {
		return err
	}
	_, err = l.db.Exec(ctx, `
		INSERT INTO pauses (id, subscription_id, start_date, end_date, duration_days, is_free, fee, fee_payment_id, tier_id, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		pause.ID, pause.SubscriptionID, pause.StartDate, pause.EndDate, pause.DurationDays,
		pause.IsFree, fee, nullText(pause.FeePaymentID), pause.TierID, nullText(pause.Reason), string(pause.Status), pause.CreatedAt,
	)
	if err != nil {
		return domain.WrapError(domain.ErrorCodePersistence, "record pause", err)
	}
	return nil
}

// UpdatePause updates the mutable fields of a pause record
func (l *Ledger) UpdatePause(ctx context.Context, pause *domain.PauseRecord) error {
	_, err := l.db.Exec(ctx,
		`UPDATE pauses SET status = $2, end_date = $3 WHERE id = $1`,
		pause.ID, string(pause.Status), pause.EndDate,
	)
	if err != nil {
		return domain.WrapError(domain.ErrorCodePersistence, "update pause", err)
	}
	return nil
}

// ListDuePauses lists pauses whose window has elapsed but are not yet completed
func (l *Ledger) ListDuePauses(ctx context.Context, asOf time.Time) ([]*domain.PauseRecord, error) {
	rows, err := l.db.Query(ctx, `
		SELECT id, subscription_id, start_date, end_date, duration_days, is_free, fee, fee_payment_id, tier_id, reason, status, created_at
		FROM pauses
		WHERE status <> $1 AND end_date <= $2
		ORDER BY end_date`, string(domain.PauseCompleted), asOf)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodePersistence, "list due pauses", err)
	}
	defer rows.Close()

	var pauses []*domain.PauseRecord
	for rows.Next() {
		var (
			p            domain.PauseRecord
			fee          pgtype.Numeric
			feePaymentID pgtype.Text
			reason       pgtype.Text
			status       string
		)
		if err := rows.Scan(&p.ID, &p.SubscriptionID, &p.StartDate, &p.EndDate, &p.DurationDays,
			&p.IsFree, &fee, &feePaymentID, &p.TierID, &reason, &status, &p.CreatedAt); err != nil {
			return nil, domain.WrapError(domain.ErrorCodePersistence, "scan pause", err)
		}
		if p.Fee, err = pgNumericToDecimal(fee); err != nil {
			return nil, domain.WrapError(domain.ErrorCodePersistence, "convert pause fee", err)
		}
		p.FeePaymentID = feePaymentID.String
		p.Reason = reason.String
		p.Status = domain.PauseStatus(status)
		pauses = append(pauses, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.ErrorCodePersistence, "iterate pauses", err)
	}
	return pauses, nil
}

// RecordCancellation inserts a cancellation record
func (l *Ledger) RecordCancellation(ctx context.Context, cancellation *domain.CancellationRecord) error {
	penalty, err := decimalToNumeric(cancellation.PenaltyAmount)
	if err != nil {
		return err
	}
	refund, err := decimalToNumeric(cancellation.RefundAmount)
	if err != nil {
		return err
	}
	_, err = l.db.Exec(ctx, `
		INSERT INTO cancellations (id, subscription_id, reason, feedback, within_free_window,
			penalty_amount, refund_amount, provider_cancellation_id, cancelled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cancellation.ID, cancellation.SubscriptionID, nullText(cancellation.Reason), nullText(cancellation.Feedback),
		cancellation.WithinFreeWindow, penalty, refund, nullText(cancellation.ProviderCancellationID), cancellation.CancelledAt,
	)
	if err != nil {
		return domain.WrapError(domain.ErrorCodePersistence, "record cancellation", err)
	}
	return nil
}

// RecordDiscountGrant inserts the discount applied to a subscription
func (l *Ledger) RecordDiscountGrant(ctx context.Context, grant *domain.DiscountGrant) error {
	percentage, err := decimalToNumeric(grant.Percentage)
	if err != nil {
		return err
	}
	amount, err := decimalToNumeric(grant.Amount)
	if err != nil {
		return err
	}
	_, err = l.db.Exec(ctx, `
		INSERT INTO discount_grants (subscription_id, source, code, percentage, amount, provider_coupon_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subscription_id) DO UPDATE SET
			source = EXCLUDED.source,
			code = EXCLUDED.code,
			percentage = EXCLUDED.percentage,
			amount = EXCLUDED.amount,
			provider_coupon_id = EXCLUDED.provider_coupon_id`,
		grant.SubscriptionID, string(grant.Source), nullText(grant.Code), percentage, amount, nullText(grant.ProviderCouponID),
	)
	if err != nil {
		return domain.WrapError(domain.ErrorCodePersistence, "record discount grant", err)
	}
	return nil
}

// WasEventProcessed reports whether the event id has been applied
func (l *Ledger) WasEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := l.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM provider_events WHERE id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, domain.WrapError(domain.ErrorCodePersistence, "check event processed", err)
	}
	return exists, nil
}

// MarkEventProcessed durably records the event id. ON CONFLICT DO NOTHING
// keeps a concurrent duplicate delivery from failing the transaction.
func (l *Ledger) MarkEventProcessed(ctx context.Context, event *domain.ProviderEvent) error {
	_, err := l.db.Exec(ctx, `
		INSERT INTO provider_events (id, event_type, occurred_at, payload, received_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		event.ID, string(event.Type), event.OccurredAt, event.Payload, event.ReceivedAt, nullTimestamptz(event.ProcessedAt),
	)
	if err != nil {
		return domain.WrapError(domain.ErrorCodePersistence, "mark event processed", err)
	}
	return nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub                                                            domain.Subscription
		recurrence, status                                             string
		providerSubID, providerCustomerID, sessionID, lastPaymentID    pgtype.Text
		amount                                                         pgtype.Numeric
		cancelledAt                                                    pgtype.Timestamptz
	)
	err := row.Scan(&sub.ID, &sub.CustomerRef, &recurrence, &status, &providerSubID,
		&providerCustomerID, &sessionID, &lastPaymentID, &amount, &sub.Currency,
		&sub.ServicesCompleted, &sub.ServicesRemaining, &sub.PaymentFailed, &sub.FirstServiceDate,
		&sub.NextServiceDate, &sub.NextBillingAt, &sub.LastEventAt, &sub.CreatedAt, &sub.UpdatedAt, &cancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodePersistence, "scan subscription", err)
	}

	sub.Recurrence = domain.RecurrenceKind(recurrence)
	sub.Status = domain.SubscriptionStatus(status)
	sub.ProviderSubID = providerSubID.String
	sub.ProviderCustomerID = providerCustomerID.String
	sub.ProviderSessionID = sessionID.String
	sub.LastPaymentID = lastPaymentID.String
	if sub.TotalAmount, err = pgNumericToDecimal(amount); err != nil {
		return nil, domain.WrapError(domain.ErrorCodePersistence, "convert subscription amount", err)
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		sub.CancelledAt = &t
	}
	return &sub, nil
}
