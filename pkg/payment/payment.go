// Package payment holds the payment lifecycle: the request types sent to the
// processor, the forward-only status machine and the per-payment tracker that
// applies polled and pushed status events.
package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/paygate/pkg/payerr"
)

var validate = validator.New()

// maxAppliedEvents bounds the event ids remembered per payment.
const maxAppliedEvents = 64

// PaymentRequest is the body of a payment creation call. Amounts are in the
// smallest currency unit.
type PaymentRequest struct {
	Amount      int64             `json:"amount" validate:"gt=0"`
	Currency    string            `json:"currency" validate:"required,len=3,iso4217"`
	Description string            `json:"description" validate:"required"`
	RedirectURL string            `json:"redirectUrl" validate:"required,url"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks the request before anything is dispatched.
func (r PaymentRequest) Validate() error {
	return validationError("invalid payment request", validate.Struct(r))
}

// Clone returns a deep copy so later changes by the caller do not leak into
// a submitted request.
func (r PaymentRequest) Clone() PaymentRequest {
	c := r
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// CanonicalBytes encodes the request deterministically. Map keys are sorted
// by encoding/json, so metadata order does not matter.
func (r PaymentRequest) CanonicalBytes() []byte {
	c := r.Clone()
	c.Currency = strings.ToUpper(c.Currency)
	c.Description = strings.TrimSpace(c.Description)
	if len(c.Metadata) == 0 {
		c.Metadata = nil
	}
	b, _ := json.Marshal(c)
	return b
}

// RefundRequest asks for amount to be returned from payment PaymentID.
// Token, when set, makes repeated refund calls idempotent.
type RefundRequest struct {
	PaymentID string `json:"-" validate:"required"`
	Amount    int64  `json:"amount" validate:"gt=0"`
	Token     string `json:"-"`
}

func (r RefundRequest) Validate() error {
	return validationError("invalid refund request", validate.Struct(r))
}

// RefundStatus is the processor's answer to a refund.
type RefundStatus string

const (
	RefundSuccess RefundStatus = "success"
	RefundPending RefundStatus = "pending"
	RefundFailed  RefundStatus = "failed"
)

type RefundResult struct {
	Status       RefundStatus `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// Payment is the client-side view of a remote payment. Only Status,
// RefundedAmount, PendingRefund and LastTransitionAt change after creation.
type Payment struct {
	ID               string    `json:"paymentId"`
	Status           Status    `json:"status"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	RefundedAmount   int64     `json:"refundedAmount"`
	PendingRefund    int64     `json:"pendingRefund,omitempty"`
	PaymentURL       string    `json:"paymentUrl,omitempty"`
	IdempotencyKey   string    `json:"idempotencyKey,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	LastTransitionAt time.Time `json:"lastTransitionAt"`

	// RefundFrom is the status a pending refund returns to when it fails.
	RefundFrom Status `json:"refundFrom,omitempty"`
	// AppliedEvents holds the most recent event ids, oldest first.
	AppliedEvents []string `json:"appliedEvents,omitempty"`
}

// Remaining is the amount still available for refunds.
func (p Payment) Remaining() int64 {
	r := p.Amount - p.RefundedAmount - p.PendingRefund
	if r < 0 {
		return 0
	}
	return r
}

func (p Payment) seen(eventID string) bool {
	if eventID == "" {
		return false
	}
	for _, id := range p.AppliedEvents {
		if id == eventID {
			return true
		}
	}
	return false
}

func (p *Payment) remember(eventID string) {
	if eventID == "" {
		return
	}
	p.AppliedEvents = append(p.AppliedEvents, eventID)
	if n := len(p.AppliedEvents); n > maxAppliedEvents {
		p.AppliedEvents = append([]string(nil), p.AppliedEvents[n-maxAppliedEvents:]...)
	}
}

// Source tells where a status event came from.
type Source string

const (
	SourceCreate  Source = "create"
	SourcePoll    Source = "poll"
	SourceWebhook Source = "webhook"
	SourceRefund  Source = "refund"
)

// Event reports a status observed for a payment. RefundedAmount is the
// cumulative refunded amount when the source knows it, zero otherwise.
type Event struct {
	ID             string
	PaymentID      string
	Status         Status
	RefundedAmount int64
	Source         Source
	OccurredAt     time.Time
}

func validationError(prefix string, err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return payerr.Wrap(payerr.KindInvalidRequest, err, prefix)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return payerr.Wrap(payerr.KindInvalidRequest, err, prefix+": "+strings.Join(fields, ", "))
}
