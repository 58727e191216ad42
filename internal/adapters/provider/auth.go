package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/brightnest/billing-service/internal/domain"
)

// Webhook signature headers set by the payment provider on every delivery.
const (
	SignatureHeader = "X-Provider-Signature"
	TimestampHeader = "X-Provider-Timestamp"
)

// SignPayload calculates the webhook signature for a payload.
// Signature = HMAC-SHA256(unix_timestamp + "." + payload, secret). Binding
// the timestamp into the MAC prevents replaying an old payload with a fresh
// timestamp header.
func SignPayload(secret string, timestamp time.Time, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(timestamp.Unix(), 10)))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature validates a webhook delivery. It fails closed: a missing
// secret, a missing signature, or a timestamp outside tolerance all reject
// the delivery.
func VerifySignature(secret, signature string, timestamp time.Time, payload []byte, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return domain.NewDomainError(domain.ErrorCodeReconcileBadSignature, "webhook secret is not configured")
	}
	if signature == "" {
		return domain.NewDomainError(domain.ErrorCodeReconcileBadSignature, "missing webhook signature")
	}
	if tolerance > 0 {
		drift := now.Sub(timestamp)
		if drift < 0 {
			drift = -drift
		}
		if drift > tolerance {
			return domain.NewDomainError(domain.ErrorCodeReconcileBadSignature, "webhook timestamp outside tolerance").
				WithDetail("timestamp", timestamp.UTC().Format(time.RFC3339))
		}
	}
	expected := SignPayload(secret, timestamp, payload)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return domain.NewDomainError(domain.ErrorCodeReconcileBadSignature, "webhook signature mismatch")
	}
	return nil
}
