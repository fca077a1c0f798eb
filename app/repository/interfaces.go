package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/paygate/app/models"
	"github.com/ManuelReschke/paygate/pkg/payment"
	"github.com/ManuelReschke/paygate/pkg/webhook"
)

// PaymentRepository persists tracked payments. It satisfies payment.Store.
type PaymentRepository interface {
	payment.Store
	ListByStatus(ctx context.Context, status payment.Status, limit int) ([]models.PaymentRecord, error)
}

// WebhookEventRepository backs webhook deduplication and the delivery log.
// It satisfies webhook.Dedup and webhook.Journal.
type WebhookEventRepository interface {
	webhook.Dedup
	webhook.Journal
	GetByEventID(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	ListDeliveries(ctx context.Context, eventID string) ([]models.WebhookDelivery, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	Payment      PaymentRepository
	WebhookEvent WebhookEventRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Payment:      NewPaymentRepository(db),
		WebhookEvent: NewWebhookEventRepository(db),
	}
}
