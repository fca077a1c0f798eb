// Package webhook authenticates and decodes processor notifications and
// applies them to tracked payments at most once per event id.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/ManuelReschke/paygate/pkg/payerr"
	"github.com/ManuelReschke/paygate/pkg/payment"
)

// SignatureHeader carries hex(HMAC-SHA256(secret, body)), optionally
// prefixed with "sha256=".
const SignatureHeader = "X-Paygate-Signature"

// Event types sent by the processor.
const (
	TypePaymentCreated  = "payment.created"
	TypePaymentPending  = "payment.pending"
	TypePaymentPaid     = "payment.paid"
	TypePaymentFailed   = "payment.failed"
	TypePaymentExpired  = "payment.expired"
	TypeRefundPending   = "refund.pending"
	TypeRefundSucceeded = "refund.succeeded"
	TypeRefundFailed    = "refund.failed"
)

var typeStatus = map[string]payment.Status{
	TypePaymentCreated:  payment.StatusCreated,
	TypePaymentPending:  payment.StatusPending,
	TypePaymentPaid:     payment.StatusPaid,
	TypePaymentFailed:   payment.StatusFailed,
	TypePaymentExpired:  payment.StatusExpired,
	TypeRefundPending:   payment.StatusRefunding,
	TypeRefundSucceeded: payment.StatusRefunded,
}

// Event is a verified notification.
type Event struct {
	ID             string
	Type           string
	PaymentID      string
	Status         payment.Status
	Amount         int64
	RefundedAmount int64
	OccurredAt     time.Time
	Raw            []byte
}

// RefundFailed reports whether the event announces a refund the processor
// could not execute. Such events carry no forward status.
func (e Event) RefundFailed() bool {
	return e.Type == TypeRefundFailed
}

// PaymentEvent converts e for the payment tracker.
func (e Event) PaymentEvent() payment.Event {
	return payment.Event{
		ID:             e.ID,
		PaymentID:      e.PaymentID,
		Status:         e.Status,
		RefundedAmount: e.RefundedAmount,
		Source:         payment.SourceWebhook,
		OccurredAt:     e.OccurredAt,
	}
}

type envelope struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	Data      struct {
		PaymentID      string `json:"payment_id"`
		Status         string `json:"status"`
		Amount         int64  `json:"amount"`
		RefundedAmount int64  `json:"refunded_amount"`
	} `json:"data"`
}

// Sign returns the hex signature of raw under secret.
func Sign(raw []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signatureHeader against the exact bytes of raw.
func Verify(raw []byte, signatureHeader, secret string) error {
	sig := strings.TrimSpace(signatureHeader)
	if len(sig) > len("sha256=") && strings.EqualFold(sig[:len("sha256=")], "sha256=") {
		sig = sig[len("sha256="):]
	}
	if sig == "" || secret == "" {
		return payerr.Verification(payerr.ReasonInvalidSignature, "missing signature or secret")
	}

	decoded, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return payerr.Verification(payerr.ReasonInvalidSignature, "signature is not hex")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	if !hmac.Equal(mac.Sum(nil), decoded) {
		return payerr.Verification(payerr.ReasonInvalidSignature, "signature mismatch")
	}
	return nil
}

// Parse decodes a payload that was already verified.
func Parse(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, malformed("payload is not valid JSON")
	}
	if strings.TrimSpace(env.ID) == "" {
		return Event{}, malformed("missing event id")
	}
	if strings.TrimSpace(env.Data.PaymentID) == "" {
		return Event{}, malformed("missing payment id")
	}

	ev := Event{
		ID:             env.ID,
		Type:           env.Type,
		PaymentID:      env.Data.PaymentID,
		Amount:         env.Data.Amount,
		RefundedAmount: env.Data.RefundedAmount,
		Raw:            raw,
	}

	if env.CreatedAt != "" {
		at, err := time.Parse(time.RFC3339, env.CreatedAt)
		if err != nil {
			return Event{}, malformed("created_at is not RFC 3339")
		}
		ev.OccurredAt = at
	}

	if ev.RefundFailed() {
		return ev, nil
	}

	status, err := resolveStatus(env)
	if err != nil {
		return Event{}, err
	}
	ev.Status = status
	return ev, nil
}

// VerifyAndParse authenticates raw and decodes it. The payload is not looked
// at when the signature does not match.
func VerifyAndParse(raw []byte, signatureHeader, secret string) (Event, error) {
	if err := Verify(raw, signatureHeader, secret); err != nil {
		return Event{}, err
	}
	return Parse(raw)
}

func resolveStatus(env envelope) (payment.Status, error) {
	if env.Data.Status != "" {
		st, ok := payment.ParseStatus(env.Data.Status)
		if !ok {
			return "", malformed("unknown status " + env.Data.Status)
		}
		return st, nil
	}

	st, ok := typeStatus[env.Type]
	if !ok {
		return "", malformed("unknown event type " + env.Type)
	}
	// refund.succeeded maps to refunded; the tracker books a partial refund
	// as partially_refunded from the amounts it knows.
	return st, nil
}

func malformed(msg string) error {
	return payerr.Verification(payerr.ReasonMalformedPayload, msg)
}
