// Package billing exposes the subscription lifecycle over a JSON HTTP
// surface consumed by the UI glue layer, plus the provider webhook ingress.
package billing

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/brightnest/billing-service/internal/adapters/provider"
	"github.com/brightnest/billing-service/internal/domain"
	"github.com/brightnest/billing-service/internal/services/lifecycle"
	"github.com/brightnest/billing-service/internal/services/pricing"
	"github.com/brightnest/billing-service/internal/services/reconcile"
	"github.com/brightnest/billing-service/pkg/observability"
	"github.com/brightnest/billing-service/pkg/timeutil"
)

// maxWebhookBody bounds webhook payload reads
const maxWebhookBody = 1 << 20

// Handler serves the billing JSON endpoints
type Handler struct {
	manager    *lifecycle.Manager
	reconciler *reconcile.Reconciler
	// webhookSecret signs provider deliveries; empty means every webhook is
	// rejected (fail closed).
	webhookSecret    string
	webhookTolerance time.Duration
	logger           *zap.Logger
	clock            timeutil.Clock
}

// NewHandler wires the billing handler
func NewHandler(manager *lifecycle.Manager, reconciler *reconcile.Reconciler, webhookSecret string, webhookTolerance time.Duration, logger *zap.Logger, clock timeutil.Clock) *Handler {
	if clock == nil {
		clock = timeutil.Now
	}
	if webhookTolerance <= 0 {
		webhookTolerance = 5 * time.Minute
	}
	return &Handler{
		manager:          manager,
		reconciler:       reconciler,
		webhookSecret:    webhookSecret,
		webhookTolerance: webhookTolerance,
		logger:           logger,
		clock:            clock,
	}
}

// Routes mounts the billing endpoints on a chi router
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/subscription", h.CreateSubscription)
	r.Get("/subscription/{booking_id}", h.GetSubscription)
	r.Post("/pause", h.PauseSubscription)
	r.Post("/resume", h.ResumeSubscription)
	r.Post("/cancel", h.CancelSubscription)
	r.Get("/pause-tier/{booking_id}", h.GetPauseTier)
	r.Get("/cancellation-penalty/{booking_id}", h.GetCancellationPenalty)
	r.Post("/webhook", h.Webhook)
	return r
}

type referralPayload struct {
	Code   string `json:"code"`
	Tier   int    `json:"tier"`
	Active bool   `json:"active"`
}

type promoPayload struct {
	Code       string `json:"code"`
	Percentage string `json:"percentage,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Active     bool   `json:"active"`
	ExpiresAt  string `json:"expires_at,omitempty"`
	UsageLimit int    `json:"usage_limit,omitempty"`
	UsageCount int    `json:"usage_count,omitempty"`
}

type createRequest struct {
	CustomerRef      string           `json:"customer_ref"`
	Recurrence       string           `json:"recurrence"`
	FirstServiceDate string           `json:"first_service_date"`
	ServicesPlanned  int              `json:"services_planned"`
	Subtotal         string           `json:"subtotal"`
	Currency         string           `json:"currency"`
	Referral         *referralPayload `json:"referral,omitempty"`
	Promo            *promoPayload    `json:"promo,omitempty"`
}

// parsePromo converts the wire promo payload into a resolver snapshot
func parsePromo(p *promoPayload) (*pricing.PromoSnapshot, error) {
	snapshot := &pricing.PromoSnapshot{
		Code:       p.Code,
		Active:     p.Active,
		UsageLimit: p.UsageLimit,
		UsageCount: p.UsageCount,
	}
	var err error
	if p.Percentage != "" {
		if snapshot.Percentage, err = decimal.NewFromString(p.Percentage); err != nil {
			return nil, domain.NewDomainError(domain.ErrorCodeValidationBadAmount, "promo percentage must be a decimal string")
		}
	}
	if p.Amount != "" {
		if snapshot.Amount, err = decimal.NewFromString(p.Amount); err != nil {
			return nil, domain.NewDomainError(domain.ErrorCodeValidationBadAmount, "promo amount must be a decimal string")
		}
	}
	if p.ExpiresAt != "" {
		if snapshot.ExpiresAt, err = time.Parse(time.RFC3339, p.ExpiresAt); err != nil {
			return nil, domain.NewDomainError(domain.ErrorCodeValidationBadDate, "promo expires_at must be RFC3339")
		}
	}
	return snapshot, nil
}

type discountResponse struct {
	Source     string `json:"source"`
	Code       string `json:"code,omitempty"`
	Percentage string `json:"percentage,omitempty"`
	Amount     string `json:"amount,omitempty"`
}

type createResponse struct {
	BookingID     string            `json:"booking_id"`
	Status        string            `json:"status"`
	TotalAmount   string            `json:"total_amount"`
	Currency      string            `json:"currency"`
	NextServiceAt string            `json:"next_service_date"`
	NextBillingAt string            `json:"next_billing_at"`
	RedirectURL   string            `json:"redirect_url"`
	Discount      *discountResponse `json:"discount,omitempty"`
}

// CreateSubscription opens a checkout for a new booking
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.NewDomainError(domain.ErrorCodeValidationFailed, "malformed request body"))
		return
	}

	firstService, err := time.Parse(time.RFC3339, req.FirstServiceDate)
	if err != nil {
		h.writeError(w, domain.NewDomainError(domain.ErrorCodeValidationBadDate, "first_service_date must be RFC3339"))
		return
	}
	subtotal, err := decimal.NewFromString(req.Subtotal)
	if err != nil {
		h.writeError(w, domain.NewDomainError(domain.ErrorCodeValidationBadAmount, "subtotal must be a decimal string"))
		return
	}

	createReq := lifecycle.CreateRequest{
		CustomerRef:      req.CustomerRef,
		Recurrence:       domain.RecurrenceKind(req.Recurrence),
		FirstServiceDate: firstService.UTC(),
		ServicesPlanned:  req.ServicesPlanned,
		Subtotal:         subtotal,
		Currency:         req.Currency,
	}
	if req.Referral != nil {
		createReq.Referral = &pricing.ReferralSnapshot{
			Code:   req.Referral.Code,
			Tier:   req.Referral.Tier,
			Active: req.Referral.Active,
		}
	}
	if req.Promo != nil {
		promo, err := parsePromo(req.Promo)
		if err != nil {
			h.writeError(w, err)
			return
		}
		createReq.Promo = promo
	}

	result, err := h.manager.Create(r.Context(), createReq)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := createResponse{
		BookingID:     result.Subscription.ID,
		Status:        string(result.Subscription.Status),
		TotalAmount:   result.Subscription.TotalAmount.StringFixed(2),
		Currency:      result.Subscription.Currency,
		NextServiceAt: result.Subscription.NextServiceDate.Format(time.RFC3339),
		NextBillingAt: result.Subscription.NextBillingAt.Format(time.RFC3339),
		RedirectURL:   result.RedirectURL,
	}
	if result.Grant != nil {
		resp.Discount = &discountResponse{
			Source:     string(result.Grant.Source),
			Code:       result.Grant.Code,
			Percentage: result.Grant.Percentage.String(),
			Amount:     result.Grant.Amount.String(),
		}
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

type subscriptionResponse struct {
	BookingID         string `json:"booking_id"`
	CustomerRef       string `json:"customer_ref"`
	Recurrence        string `json:"recurrence"`
	Status            string `json:"status"`
	TotalAmount       string `json:"total_amount"`
	Currency          string `json:"currency"`
	ServicesCompleted int    `json:"services_completed"`
	ServicesRemaining int    `json:"services_remaining"`
	PaymentFailed     bool   `json:"payment_failed"`
	NextServiceDate   string `json:"next_service_date"`
	NextBillingAt     string `json:"next_billing_at"`
	CancelledAt       string `json:"cancelled_at,omitempty"`
}

// GetSubscription returns the current state of a booking
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.manager.GetSubscription(r.Context(), chi.URLParam(r, "booking_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := subscriptionResponse{
		BookingID:         sub.ID,
		CustomerRef:       sub.CustomerRef,
		Recurrence:        string(sub.Recurrence),
		Status:            string(sub.Status),
		TotalAmount:       sub.TotalAmount.StringFixed(2),
		Currency:          sub.Currency,
		ServicesCompleted: sub.ServicesCompleted,
		ServicesRemaining: sub.ServicesRemaining,
		PaymentFailed:     sub.PaymentFailed,
		NextServiceDate:   sub.NextServiceDate.Format(time.RFC3339),
		NextBillingAt:     sub.NextBillingAt.Format(time.RFC3339),
	}
	if sub.CancelledAt != nil {
		resp.CancelledAt = sub.CancelledAt.Format(time.RFC3339)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type pauseRequest struct {
	BookingID    string `json:"booking_id"`
	StartDate    string `json:"start_date"`
	DurationDays int    `json:"duration_days"`
	Reason       string `json:"reason,omitempty"`
}

type pauseResponse struct {
	PauseID             string `json:"pause_id"`
	StartDate           string `json:"start_date"`
	EndDate             string `json:"end_date"`
	Fee                 string `json:"fee"`
	IsFree              bool   `json:"is_free"`
	RemainingFreePauses int    `json:"remaining_free_pauses"`
}

// PauseSubscription schedules a pause window on an active booking
func (h *Handler) PauseSubscription(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.NewDomainError(domain.ErrorCodeValidationFailed, "malformed request body"))
		return
	}
	if req.BookingID == "" {
		h.writeError(w, domain.NewDomainError(domain.ErrorCodeValidationMissingField, "booking_id is required"))
		return
	}
	startDate, err := time.Parse(time.RFC3339, req.StartDate)
	if err != nil {
		h.writeError(w, domain.NewDomainError(domain.ErrorCodeValidationBadDate, "start_date must be RFC3339"))
		return
	}

	result, err := h.manager.Pause(r.Context(), lifecycle.PauseRequest{
		SubscriptionID: req.BookingID,
		StartDate:      startDate.UTC(),
		DurationDays:   req.DurationDays,
		Reason:         req.Reason,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, pauseResponse{
		PauseID:             result.Pause.ID,
		StartDate:           result.Pause.StartDate.Format(time.RFC3339),
		EndDate:             result.Pause.EndDate.Format(time.RFC3339),
		Fee:                 result.Pause.Fee.StringFixed(2),
		IsFree:              result.Pause.IsFree,
		RemainingFreePauses: result.Remaining,
	})
}

type resumeRequest struct {
	BookingID string `json:"booking_id"`
}

// ResumeSubscription ends a pause early and re-enables billing
func (h *Handler) ResumeSubscription(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.NewDomainError(domain.ErrorCodeValidationFailed, "malformed request body"))
		return
	}
	if req.BookingID == "" {
		h.writeError(w, domain.NewDomainError(domain.ErrorCodeValidationMissingField, "booking_id is required"))
		return
	}

	sub, err := h.manager.Resume(r.Context(), req.BookingID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"booking_id":      sub.ID,
		"status":          string(sub.Status),
		"next_billing_at": sub.NextBillingAt.Format(time.RFC3339),
	})
}

type cancelRequest struct {
	BookingID string `json:"booking_id"`
	Reason    string `json:"reason,omitempty"`
	Feedback  string `json:"feedback,omitempty"`
	Confirmed bool   `json:"confirmed"`
}

type cancelResponse struct {
	CancellationID   string `json:"cancellation_id"`
	PenaltyAmount    string `json:"penalty_amount"`
	RefundAmount     string `json:"refund_amount"`
	WithinFreeWindow bool   `json:"within_free_window"`
}

// CancelSubscription terminates a booking. Requires an explicit confirmed
// flag so a UI preview call can never cancel by accident.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.NewDomainError(domain.ErrorCodeValidationFailed, "malformed request body"))
		return
	}
	if req.BookingID == "" {
		h.writeError(w, domain.NewDomainError(domain.ErrorCodeValidationMissingField, "booking_id is required"))
		return
	}
	if !req.Confirmed {
		h.writeError(w, domain.NewDomainError(domain.ErrorCodeValidationFailed, "cancellation must be confirmed"))
		return
	}

	record, err := h.manager.Cancel(r.Context(), lifecycle.CancelRequest{
		SubscriptionID: req.BookingID,
		Reason:         req.Reason,
		Feedback:       req.Feedback,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, cancelResponse{
		CancellationID:   record.ID,
		PenaltyAmount:    record.PenaltyAmount.StringFixed(2),
		RefundAmount:     record.RefundAmount.StringFixed(2),
		WithinFreeWindow: record.WithinFreeWindow,
	})
}

type tierResponse struct {
	TierID          string `json:"tier_id"`
	TierName        string `json:"tier_name"`
	FreePauses      int    `json:"free_pauses"`
	UsedPauses      int    `json:"used_pauses"`
	RemainingPauses int    `json:"remaining_pauses"`
}

// GetPauseTier reports the pause allowance for a booking's customer
func (h *Handler) GetPauseTier(w http.ResponseWriter, r *http.Request) {
	tier, err := h.manager.PauseTier(r.Context(), chi.URLParam(r, "booking_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tierResponse{
		TierID:          tier.TierID,
		TierName:        tier.TierName,
		FreePauses:      tier.FreePauses,
		UsedPauses:      tier.UsedPauses,
		RemainingPauses: tier.Remaining,
	})
}

type penaltyResponse struct {
	PenaltyAmount     string `json:"penalty_amount"`
	PenaltyPercentage string `json:"penalty_percentage"`
	WithinFreeWindow  bool   `json:"within_free_window"`
	Breakdown         struct {
		RemainingValue string `json:"remaining_value"`
		RefundAmount   string `json:"refund_amount"`
		PolicyType     string `json:"policy_type"`
	} `json:"financial_breakdown"`
}

// GetCancellationPenalty previews the cancellation outcome without mutating
func (h *Handler) GetCancellationPenalty(w http.ResponseWriter, r *http.Request) {
	quote, err := h.manager.CancellationQuote(r.Context(), chi.URLParam(r, "booking_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := penaltyResponse{
		PenaltyAmount:     quote.PenaltyAmount.StringFixed(2),
		PenaltyPercentage: quote.PenaltyPercentage.String(),
		WithinFreeWindow:  quote.WithinFreeWindow,
	}
	resp.Breakdown.RemainingValue = quote.RemainingValue.StringFixed(2)
	resp.Breakdown.RefundAmount = quote.RefundAmount.StringFixed(2)
	resp.Breakdown.PolicyType = string(quote.PolicyType)
	h.writeJSON(w, http.StatusOK, resp)
}

// webhookEnvelope is the provider's delivery wrapper
type webhookEnvelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Webhook ingests provider events. Responses carry no business detail, the
// provider only inspects the status code: 200 acknowledges (processed,
// deduplicated, or skipped), 400 rejects permanently, 409 requests
// redelivery, 5xx is reserved for infrastructure failure.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		observability.RecordWebhookEvent("unknown", "error")
		h.writeStatus(w, http.StatusBadRequest)
		return
	}

	timestamp, err := parseWebhookTimestamp(r.Header.Get(provider.TimestampHeader))
	if err != nil {
		observability.RecordWebhookEvent("unknown", "rejected")
		h.writeStatus(w, http.StatusBadRequest)
		return
	}
	if err := provider.VerifySignature(h.webhookSecret, r.Header.Get(provider.SignatureHeader), timestamp, body, h.webhookTolerance, h.clock()); err != nil {
		h.logger.Warn("webhook signature rejected", zap.Error(err))
		observability.RecordWebhookEvent("unknown", "rejected")
		h.writeStatus(w, http.StatusBadRequest)
		return
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.ID == "" || envelope.Type == "" {
		observability.RecordWebhookEvent(envelope.Type, "rejected")
		h.writeStatus(w, http.StatusBadRequest)
		return
	}

	event := &domain.ProviderEvent{
		ID:         envelope.ID,
		Type:       domain.ProviderEventType(envelope.Type),
		OccurredAt: envelope.OccurredAt.UTC(),
		Payload:    envelope.Data,
		ReceivedAt: h.clock(),
	}

	if err := h.reconciler.Process(r.Context(), event); err != nil {
		switch domain.GetErrorCode(err) {
		case domain.ErrorCodeReconcileBadPayload:
			observability.RecordWebhookEvent(envelope.Type, "rejected")
			h.writeStatus(w, http.StatusBadRequest)
		case domain.ErrorCodeReconcileConflict:
			// Delivery raced ahead of local state; make the provider retry.
			observability.RecordWebhookEvent(envelope.Type, "conflict")
			h.writeStatus(w, http.StatusConflict)
		default:
			h.logger.Error("webhook processing failed",
				zap.String("event_id", envelope.ID),
				zap.Error(err))
			observability.RecordWebhookEvent(envelope.Type, "error")
			h.writeStatus(w, http.StatusInternalServerError)
		}
		return
	}

	observability.RecordWebhookEvent(envelope.Type, "processed")
	h.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// parseWebhookTimestamp accepts unix seconds
func parseWebhookTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("missing timestamp header")
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(seconds, 0).UTC(), nil
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var domainErr *domain.DomainError
	if !errors.As(err, &domainErr) {
		h.logger.Error("unclassified handler error", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: string(domain.ErrorCodeInternal)})
		return
	}
	h.writeJSON(w, statusForCode(domainErr.Code), errorBody{Error: domainErr.Message, Code: string(domainErr.Code)})
}

func statusForCode(code domain.ErrorCode) int {
	switch code {
	case domain.ErrorCodeValidationFailed, domain.ErrorCodeValidationMissingField,
		domain.ErrorCodeValidationBadDate, domain.ErrorCodeValidationBadAmount,
		domain.ErrorCodeReconcileBadPayload, domain.ErrorCodeReconcileBadSignature:
		return http.StatusBadRequest
	case domain.ErrorCodeSubscriptionNotFound:
		return http.StatusNotFound
	case domain.ErrorCodePolicyNoticeTooShort, domain.ErrorCodePolicyBookingWindow,
		domain.ErrorCodePolicyPauseDuration:
		return http.StatusUnprocessableEntity
	case domain.ErrorCodePolicyInvalidTransition, domain.ErrorCodePolicyTerminalState,
		domain.ErrorCodeSubscriptionState, domain.ErrorCodeReconcileConflict:
		return http.StatusConflict
	case domain.ErrorCodeProviderRejected:
		return http.StatusPaymentRequired
	case domain.ErrorCodeProviderTransient, domain.ErrorCodeProviderTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeStatus(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
}
