package apiv1

import (
	"time"

	"github.com/ManuelReschke/paygate/pkg/payment"
)

// Pong is the ping response.
type Pong struct {
	Ping string `json:"ping"`
}

// CreatePaymentRequest is the body of POST /payments.
type CreatePaymentRequest struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Description    string            `json:"description"`
	RedirectURL    string            `json:"redirectUrl"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
}

// RefundRequest is the body of POST /payments/{id}/refunds.
type RefundRequest struct {
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// PaymentResponse is the public view of a tracked payment.
type PaymentResponse struct {
	PaymentID        string    `json:"paymentId"`
	Status           string    `json:"status"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	RefundedAmount   int64     `json:"refundedAmount"`
	Remaining        int64     `json:"remaining"`
	PaymentURL       string    `json:"paymentUrl,omitempty"`
	LastTransitionAt time.Time `json:"lastTransitionAt"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func toPaymentResponse(p payment.Payment) PaymentResponse {
	return PaymentResponse{
		PaymentID:        p.ID,
		Status:           string(p.Status),
		Amount:           p.Amount,
		Currency:         p.Currency,
		RefundedAmount:   p.RefundedAmount,
		Remaining:        p.Remaining(),
		PaymentURL:       p.PaymentURL,
		LastTransitionAt: p.LastTransitionAt,
	}
}
