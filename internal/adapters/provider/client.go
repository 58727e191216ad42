// Package provider implements the PaymentProvider port against the billing
// gateway's JSON API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/brightnest/billing-service/internal/domain"
	"github.com/brightnest/billing-service/internal/domain/ports"
	"github.com/brightnest/billing-service/pkg/observability"
	"github.com/brightnest/billing-service/pkg/resilience"
)

// Config holds the gateway connection settings
type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
}

// Client implements ports.PaymentProvider. Transient failures (network
// errors, timeouts, 5xx) are retried with exponential backoff under an
// idempotency key, so a retried charge can never double-bill. 4xx responses
// are rejections and returned immediately.
type Client struct {
	cfg        Config
	httpClient ports.HTTPClient
	backoff    resilience.BackoffStrategy
	logger     *zap.Logger
}

var _ ports.PaymentProvider = (*Client)(nil)

// NewClient creates a gateway client. Pass a nil httpClient to use a default
// client bounded by cfg.Timeout.
func NewClient(cfg Config, httpClient ports.HTTPClient, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		backoff:    resilience.DefaultExponentialBackoff(),
		logger:     logger,
	}
}

type checkoutSessionRequest struct {
	CustomerRef   string            `json:"customer_ref"`
	Mode          string            `json:"mode"`
	Amount        string            `json:"amount"`
	Currency      string            `json:"currency"`
	IntervalUnit  string            `json:"interval_unit,omitempty"`
	IntervalCount int               `json:"interval_count,omitempty"`
	BillingAnchor string            `json:"billing_anchor,omitempty"`
	CouponID      string            `json:"coupon_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type checkoutSessionResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCheckoutSession opens a hosted checkout for the booking
func (c *Client) CreateCheckoutSession(ctx context.Context, spec ports.CheckoutSpec) (*ports.CheckoutSession, error) {
	req := checkoutSessionRequest{
		CustomerRef: spec.CustomerRef,
		Mode:        "payment",
		Amount:      spec.Amount.StringFixed(2),
		Currency:    spec.Currency,
		CouponID:    spec.CouponID,
		Metadata:    spec.Metadata,
	}
	if !spec.Interval.IsZero() {
		req.Mode = "subscription"
		req.IntervalUnit = string(spec.Interval.Unit)
		req.IntervalCount = spec.Interval.Count
		req.BillingAnchor = spec.Anchor.UTC().Format(time.RFC3339)
	}

	var resp checkoutSessionResponse
	if err := c.makeRequest(ctx, "create_checkout_session", http.MethodPost, "/v1/checkout/sessions", req, &resp); err != nil {
		return nil, err
	}
	return &ports.CheckoutSession{SessionID: resp.ID, RedirectURL: resp.URL}, nil
}

type couponRequest struct {
	Code       string `json:"code,omitempty"`
	PercentOff string `json:"percent_off,omitempty"`
	AmountOff  string `json:"amount_off,omitempty"`
	Currency   string `json:"currency,omitempty"`
}

type couponResponse struct {
	ID string `json:"id"`
}

// CreateCoupon registers a discount with the gateway so it shows as a line
// item on the customer's invoice.
func (c *Client) CreateCoupon(ctx context.Context, grant domain.DiscountGrant, currency string) (string, error) {
	req := couponRequest{Code: grant.Code}
	if grant.Amount.IsPositive() {
		req.AmountOff = grant.Amount.StringFixed(2)
		req.Currency = currency
	} else {
		req.PercentOff = grant.Percentage.String()
	}

	var resp couponResponse
	if err := c.makeRequest(ctx, "create_coupon", http.MethodPost, "/v1/coupons", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// PauseBilling suspends the gateway subscription until resumeAt
func (c *Client) PauseBilling(ctx context.Context, providerSubID string, resumeAt time.Time) error {
	if providerSubID == "" {
		return domain.NewDomainError(domain.ErrorCodeValidationMissingField, "provider subscription id is required")
	}
	req := map[string]string{"resume_at": resumeAt.UTC().Format(time.RFC3339)}
	endpoint := fmt.Sprintf("/v1/subscriptions/%s/pause", providerSubID)
	return c.makeRequest(ctx, "pause_billing", http.MethodPost, endpoint, req, &struct{}{})
}

// ResumeBilling re-enables a paused gateway subscription
func (c *Client) ResumeBilling(ctx context.Context, providerSubID string) error {
	if providerSubID == "" {
		return domain.NewDomainError(domain.ErrorCodeValidationMissingField, "provider subscription id is required")
	}
	endpoint := fmt.Sprintf("/v1/subscriptions/%s/resume", providerSubID)
	return c.makeRequest(ctx, "resume_billing", http.MethodPost, endpoint, nil, &struct{}{})
}

type cancelResponse struct {
	CancellationID string `json:"cancellation_id"`
}

// CancelSubscription terminates the gateway subscription
func (c *Client) CancelSubscription(ctx context.Context, providerSubID string, immediate bool) (string, error) {
	if providerSubID == "" {
		return "", domain.NewDomainError(domain.ErrorCodeValidationMissingField, "provider subscription id is required")
	}
	req := map[string]bool{"immediate": immediate}
	endpoint := fmt.Sprintf("/v1/subscriptions/%s/cancel", providerSubID)

	var resp cancelResponse
	if err := c.makeRequest(ctx, "cancel_subscription", http.MethodPost, endpoint, req, &resp); err != nil {
		return "", err
	}
	return resp.CancellationID, nil
}

type chargeRequest struct {
	CustomerID string `json:"customer_id"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
}

type chargeResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Charge bills a stored payment method for a one-off amount (pause fees,
// cancellation penalties).
func (c *Client) Charge(ctx context.Context, providerCustomerID string, amount decimal.Decimal, currency string) (*ports.ChargeResult, error) {
	if providerCustomerID == "" {
		return nil, domain.NewDomainError(domain.ErrorCodeValidationMissingField, "provider customer id is required")
	}
	if !amount.IsPositive() {
		return nil, domain.NewDomainError(domain.ErrorCodeValidationBadAmount, "charge amount must be positive")
	}
	req := chargeRequest{
		CustomerID: providerCustomerID,
		Amount:     amount.StringFixed(2),
		Currency:   currency,
	}

	var resp chargeResponse
	if err := c.makeRequest(ctx, "charge", http.MethodPost, "/v1/charges", req, &resp); err != nil {
		return nil, err
	}
	return &ports.ChargeResult{PaymentID: resp.ID, Approved: resp.Status == "succeeded"}, nil
}

type refundRequest struct {
	PaymentID string `json:"payment_id"`
	Amount    string `json:"amount"`
}

type refundResponse struct {
	ID string `json:"id"`
}

// Refund returns part or all of a captured payment
func (c *Client) Refund(ctx context.Context, paymentID string, amount decimal.Decimal) (string, error) {
	if paymentID == "" {
		return "", domain.NewDomainError(domain.ErrorCodeValidationMissingField, "payment id is required")
	}
	if !amount.IsPositive() {
		return "", domain.NewDomainError(domain.ErrorCodeValidationBadAmount, "refund amount must be positive")
	}
	req := refundRequest{PaymentID: paymentID, Amount: amount.StringFixed(2)}

	var resp refundResponse
	if err := c.makeRequest(ctx, "refund", http.MethodPost, "/v1/refunds", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// errorResponse is the gateway's error body shape
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// makeRequest sends one logical API call, retrying transient failures under
// a single idempotency key.
func (c *Client) makeRequest(ctx context.Context, operation, method, endpoint string, request, response interface{}) error {
	idempotencyKey := uuid.New().String()
	err := resilience.Retry(ctx, c.cfg.MaxAttempts, c.backoff, domain.IsRetryable, func(ctx context.Context) error {
		return c.doOnce(ctx, method, endpoint, idempotencyKey, request, response)
	})
	outcome := "ok"
	if err != nil {
		outcome = string(domain.GetErrorCode(err))
	}
	observability.RecordProviderCall(operation, outcome)
	return err
}

func (c *Client) doOnce(ctx context.Context, method, endpoint, idempotencyKey string, request, response interface{}) error {
	var payload []byte
	if request != nil {
		var err error
		payload, err = json.Marshal(request)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)

	c.logger.Debug("calling payment gateway",
		zap.String("method", method),
		zap.String("endpoint", endpoint))

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return domain.WrapError(domain.ErrorCodeProviderTimeout, "payment gateway timed out", err)
		}
		return domain.WrapError(domain.ErrorCodeProviderTransient, "failed to reach payment gateway", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return domain.WrapError(domain.ErrorCodeProviderTransient, "failed to read gateway response", err)
	}

	if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
		return domain.NewDomainError(domain.ErrorCodeProviderTransient, "payment gateway error").
			WithDetail("status", httpResp.StatusCode)
	}
	if httpResp.StatusCode >= 400 {
		var errResp errorResponse
		message := "payment gateway rejected the request"
		if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
			message = errResp.Error.Message
		}
		return domain.NewDomainError(domain.ErrorCodeProviderRejected, message).
			WithDetail("status", httpResp.StatusCode).
			WithDetail("gateway_code", errResp.Error.Code)
	}

	if response == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, response); err != nil {
		return domain.WrapError(domain.ErrorCodeProviderTransient, "failed to decode gateway response", err)
	}
	return nil
}
