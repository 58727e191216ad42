package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brightnest/billing-service/internal/domain"
	"github.com/brightnest/billing-service/internal/domain/ports"
)

type stubHTTPClient struct {
	fn func(req *http.Request) (*http.Response, error)
}

func (s *stubHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return s.fn(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "request timed out" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func newTestClient(fn func(req *http.Request) (*http.Response, error)) *Client {
	return NewClient(
		Config{BaseURL: "https://gateway.test", APIKey: "sk_test", MaxAttempts: 3},
		&stubHTTPClient{fn: fn},
		zap.NewNop(),
	)
}

func TestClient_Charge(t *testing.T) {
	t.Run("approved charge returns the payment id", func(t *testing.T) {
		var captured chargeRequest
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "https://gateway.test/v1/charges", req.URL.String())
			assert.Equal(t, "Bearer sk_test", req.Header.Get("Authorization"))
			assert.NotEmpty(t, req.Header.Get("Idempotency-Key"))

			body, _ := io.ReadAll(req.Body)
			require.NoError(t, json.Unmarshal(body, &captured))
			return jsonResponse(200, `{"id":"pay-1","status":"succeeded"}`), nil
		})

		result, err := client.Charge(context.Background(), "prov-cust-1", decimal.NewFromInt(15), "USD")
		require.NoError(t, err)
		assert.Equal(t, "pay-1", result.PaymentID)
		assert.True(t, result.Approved)
		assert.Equal(t, "15.00", captured.Amount)
		assert.Equal(t, "USD", captured.Currency)
	})

	t.Run("declined charge is approved=false, not an error", func(t *testing.T) {
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(200, `{"id":"pay-2","status":"declined"}`), nil
		})

		result, err := client.Charge(context.Background(), "prov-cust-1", decimal.NewFromInt(15), "USD")
		require.NoError(t, err)
		assert.False(t, result.Approved)
	})

	t.Run("missing customer id fails validation without a call", func(t *testing.T) {
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			t.Fatal("unexpected HTTP call")
			return nil, nil
		})

		_, err := client.Charge(context.Background(), "", decimal.NewFromInt(15), "USD")
		require.Error(t, err)
		assert.Equal(t, domain.ErrorCodeValidationMissingField, domain.GetErrorCode(err))
	})
}

func TestClient_Retries(t *testing.T) {
	t.Run("5xx is retried under the same idempotency key", func(t *testing.T) {
		var keys []string
		calls := 0
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			calls++
			keys = append(keys, req.Header.Get("Idempotency-Key"))
			if calls < 3 {
				return jsonResponse(502, `{"error":{"message":"bad gateway"}}`), nil
			}
			return jsonResponse(200, `{"id":"pay-1","status":"succeeded"}`), nil
		})

		result, err := client.Charge(context.Background(), "prov-cust-1", decimal.NewFromInt(15), "USD")
		require.NoError(t, err)
		assert.True(t, result.Approved)
		assert.Equal(t, 3, calls)
		assert.Equal(t, keys[0], keys[1])
		assert.Equal(t, keys[0], keys[2])
	})

	t.Run("4xx rejection is not retried", func(t *testing.T) {
		calls := 0
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			calls++
			return jsonResponse(402, `{"error":{"code":"card_declined","message":"insufficient funds"}}`), nil
		})

		_, err := client.Charge(context.Background(), "prov-cust-1", decimal.NewFromInt(15), "USD")
		require.Error(t, err)
		assert.Equal(t, domain.ErrorCodeProviderRejected, domain.GetErrorCode(err))
		assert.Equal(t, 1, calls)

		var domainErr *domain.DomainError
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, "insufficient funds", domainErr.Message)
	})

	t.Run("exhausted retries surface the transient error", func(t *testing.T) {
		calls := 0
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			calls++
			return jsonResponse(503, ``), nil
		})

		_, err := client.Charge(context.Background(), "prov-cust-1", decimal.NewFromInt(15), "USD")
		require.Error(t, err)
		assert.Equal(t, domain.ErrorCodeProviderTransient, domain.GetErrorCode(err))
		assert.Equal(t, 3, calls)
	})

	t.Run("network timeout maps to the timeout code", func(t *testing.T) {
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			return nil, timeoutError{}
		})

		_, err := client.Charge(context.Background(), "prov-cust-1", decimal.NewFromInt(15), "USD")
		require.Error(t, err)
		assert.Equal(t, domain.ErrorCodeProviderTimeout, domain.GetErrorCode(err))
	})
}

func TestClient_CreateCheckoutSession(t *testing.T) {
	anchor := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

	t.Run("recurring booking opens a subscription-mode session", func(t *testing.T) {
		var captured checkoutSessionRequest
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			body, _ := io.ReadAll(req.Body)
			require.NoError(t, json.Unmarshal(body, &captured))
			return jsonResponse(200, `{"id":"sess-1","url":"https://pay.test/sess-1"}`), nil
		})

		session, err := client.CreateCheckoutSession(context.Background(), ports.CheckoutSpec{
			CustomerRef: "cust-1",
			Amount:      decimal.NewFromInt(90),
			Currency:    "USD",
			Recurrence:  domain.RecurrenceFortnightly,
			Interval:    domain.BillingInterval{Unit: domain.IntervalUnitWeek, Count: 2},
			Anchor:      anchor,
			CouponID:    "coupon-1",
		})
		require.NoError(t, err)

		assert.Equal(t, "sess-1", session.SessionID)
		assert.Equal(t, "https://pay.test/sess-1", session.RedirectURL)
		assert.Equal(t, "subscription", captured.Mode)
		assert.Equal(t, "week", captured.IntervalUnit)
		assert.Equal(t, 2, captured.IntervalCount)
		assert.Equal(t, "2025-01-06T10:00:00Z", captured.BillingAnchor)
		assert.Equal(t, "coupon-1", captured.CouponID)
	})

	t.Run("one-time booking opens a payment-mode session", func(t *testing.T) {
		var captured checkoutSessionRequest
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			body, _ := io.ReadAll(req.Body)
			require.NoError(t, json.Unmarshal(body, &captured))
			return jsonResponse(200, `{"id":"sess-2","url":"https://pay.test/sess-2"}`), nil
		})

		_, err := client.CreateCheckoutSession(context.Background(), ports.CheckoutSpec{
			CustomerRef: "cust-1",
			Amount:      decimal.NewFromInt(100),
			Currency:    "USD",
			Recurrence:  domain.RecurrenceOneTime,
		})
		require.NoError(t, err)

		assert.Equal(t, "payment", captured.Mode)
		assert.Empty(t, captured.IntervalUnit)
		assert.Empty(t, captured.BillingAnchor)
	})
}

func TestClient_CreateCoupon(t *testing.T) {
	t.Run("percentage grant sends percent_off", func(t *testing.T) {
		var captured couponRequest
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			body, _ := io.ReadAll(req.Body)
			require.NoError(t, json.Unmarshal(body, &captured))
			return jsonResponse(200, `{"id":"coupon-1"}`), nil
		})

		id, err := client.CreateCoupon(context.Background(), domain.DiscountGrant{
			Source:     domain.DiscountRecurrence,
			Percentage: decimal.NewFromInt(10),
		}, "USD")
		require.NoError(t, err)
		assert.Equal(t, "coupon-1", id)
		assert.Equal(t, "10", captured.PercentOff)
		assert.Empty(t, captured.AmountOff)
	})

	t.Run("fixed-amount grant sends amount_off with currency", func(t *testing.T) {
		var captured couponRequest
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			body, _ := io.ReadAll(req.Body)
			require.NoError(t, json.Unmarshal(body, &captured))
			return jsonResponse(200, `{"id":"coupon-2"}`), nil
		})

		_, err := client.CreateCoupon(context.Background(), domain.DiscountGrant{
			Source: domain.DiscountPromo,
			Code:   "WELCOME20",
			Amount: decimal.NewFromInt(20),
		}, "USD")
		require.NoError(t, err)
		assert.Equal(t, "20.00", captured.AmountOff)
		assert.Equal(t, "USD", captured.Currency)
		assert.Equal(t, "WELCOME20", captured.Code)
	})
}

func TestClient_SubscriptionControls(t *testing.T) {
	t.Run("pause posts the resume date", func(t *testing.T) {
		resumeAt := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "https://gateway.test/v1/subscriptions/prov-sub-1/pause", req.URL.String())
			body, _ := io.ReadAll(req.Body)
			assert.JSONEq(t, `{"resume_at":"2025-04-01T00:00:00Z"}`, string(body))
			return jsonResponse(200, ``), nil
		})

		require.NoError(t, client.PauseBilling(context.Background(), "prov-sub-1", resumeAt))
	})

	t.Run("cancel returns the provider cancellation id", func(t *testing.T) {
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "https://gateway.test/v1/subscriptions/prov-sub-1/cancel", req.URL.String())
			return jsonResponse(200, `{"cancellation_id":"cancel-1"}`), nil
		})

		id, err := client.CancelSubscription(context.Background(), "prov-sub-1", true)
		require.NoError(t, err)
		assert.Equal(t, "cancel-1", id)
	})

	t.Run("empty subscription id fails validation", func(t *testing.T) {
		client := newTestClient(func(req *http.Request) (*http.Response, error) {
			t.Fatal("unexpected HTTP call")
			return nil, nil
		})

		err := client.ResumeBilling(context.Background(), "")
		require.Error(t, err)
		assert.Equal(t, domain.ErrorCodeValidationMissingField, domain.GetErrorCode(err))
	})
}
