package domain

import (
	"encoding/json"
	"time"
)

// ProviderEventType identifies the kind of webhook event the payment
// provider pushed. Unknown types are acknowledged without processing.
type ProviderEventType string

const (
	EventCheckoutCompleted   ProviderEventType = "checkout.session.completed"
	EventInvoicePaid         ProviderEventType = "invoice.payment_succeeded"
	EventInvoiceFailed       ProviderEventType = "invoice.payment_failed"
	EventSubscriptionDeleted ProviderEventType = "customer.subscription.deleted"
	EventSubscriptionPaused  ProviderEventType = "customer.subscription.paused"
	EventSubscriptionResumed ProviderEventType = "customer.subscription.resumed"
)

// ProviderEvent is one webhook delivery from the payment provider. The
// provider's event id doubles as the idempotency key: an id is applied to
// the Ledger at most once, recorded in the same transaction as the state
// mutation it caused.
type ProviderEvent struct {
	ID          string
	Type        ProviderEventType
	OccurredAt  time.Time
	Payload     json.RawMessage
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// EventPayload is the provider payload shape shared by the event types this
// service consumes. Fields the event type doesn't carry are left zero.
type EventPayload struct {
	SessionID      string `json:"session_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	CustomerID     string `json:"customer_id,omitempty"`
	InvoiceID      string `json:"invoice_id,omitempty"`
	PaymentID      string `json:"payment_id,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
}
