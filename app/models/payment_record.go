package models

import (
	"time"

	"github.com/ManuelReschke/paygate/pkg/payment"
)

// PaymentRecord is the persisted form of a tracked payment.
type PaymentRecord struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	PaymentID        string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"payment_id"`
	Status           string    `gorm:"type:varchar(32);not null;index" json:"status"`
	Amount           int64     `gorm:"not null" json:"amount"`
	Currency         string    `gorm:"type:char(3);not null" json:"currency"`
	RefundedAmount   int64     `gorm:"not null;default:0" json:"refunded_amount"`
	PendingRefund    int64     `gorm:"not null;default:0" json:"pending_refund"`
	RefundFrom       string    `gorm:"type:varchar(32);not null;default:''" json:"refund_from"`
	PaymentURL       string    `gorm:"type:varchar(2048)" json:"payment_url"`
	IdempotencyKey   string    `gorm:"type:varchar(191);index" json:"idempotency_key"`
	AppliedEvents    []string  `gorm:"type:text;serializer:json" json:"applied_events"`
	PaymentCreatedAt time.Time `json:"payment_created_at"`
	TransitionedAt   time.Time `gorm:"index" json:"transitioned_at"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewPaymentRecord copies p into a record.
func NewPaymentRecord(p payment.Payment) PaymentRecord {
	return PaymentRecord{
		PaymentID:        p.ID,
		Status:           string(p.Status),
		Amount:           p.Amount,
		Currency:         p.Currency,
		RefundedAmount:   p.RefundedAmount,
		PendingRefund:    p.PendingRefund,
		RefundFrom:       string(p.RefundFrom),
		PaymentURL:       p.PaymentURL,
		IdempotencyKey:   p.IdempotencyKey,
		AppliedEvents:    append([]string(nil), p.AppliedEvents...),
		PaymentCreatedAt: p.CreatedAt,
		TransitionedAt:   p.LastTransitionAt,
	}
}

// Payment converts the record back.
func (r PaymentRecord) Payment() payment.Payment {
	return payment.Payment{
		ID:               r.PaymentID,
		Status:           payment.Status(r.Status),
		Amount:           r.Amount,
		Currency:         r.Currency,
		RefundedAmount:   r.RefundedAmount,
		PendingRefund:    r.PendingRefund,
		PaymentURL:       r.PaymentURL,
		IdempotencyKey:   r.IdempotencyKey,
		CreatedAt:        r.PaymentCreatedAt,
		LastTransitionAt: r.TransitionedAt,
		RefundFrom:       payment.Status(r.RefundFrom),
		AppliedEvents:    append([]string(nil), r.AppliedEvents...),
	}
}
