package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/paygate/app/models"
	"github.com/ManuelReschke/paygate/pkg/webhook"
)

// webhookEventRepository implements the WebhookEventRepository interface
type webhookEventRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewWebhookEventRepository creates a new webhook event repository instance
func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db, now: time.Now}
}

// MarkSeen claims eventID for ttl. It reports false while an unexpired claim
// exists.
func (r *webhookEventRepository) MarkSeen(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	now := r.now()
	event := models.WebhookEvent{EventID: eventID, ExpiresAt: now.Add(ttl)}

	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(&event)
	if tx.Error != nil {
		return false, fmt.Errorf("claim webhook event: %w", tx.Error)
	}
	if tx.RowsAffected > 0 {
		return true, nil
	}

	// Take over an expired claim; the row count decides between racing takers.
	tx = r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("event_id = ? AND expires_at <= ?", eventID, now).
		Updates(map[string]interface{}{
			"expires_at":       now.Add(ttl),
			"processed_at":     nil,
			"processing_error": "",
		})
	if tx.Error != nil {
		return false, fmt.Errorf("reclaim webhook event: %w", tx.Error)
	}
	return tx.RowsAffected > 0, nil
}

func (r *webhookEventRepository) Forget(ctx context.Context, eventID string) error {
	return r.db.WithContext(ctx).Where("event_id = ?", eventID).Delete(&models.WebhookEvent{}).Error
}

// Record logs the delivery and, for a first delivery, stores its outcome on
// the claimed event.
func (r *webhookEventRepository) Record(ctx context.Context, receipt webhook.Receipt) error {
	delivery := models.WebhookDelivery{
		EventID:         receipt.EventID,
		EventType:       receipt.EventType,
		PaymentID:       receipt.PaymentID,
		PayloadJSON:     string(receipt.Payload),
		SignatureValid:  receipt.SignatureValid,
		Duplicate:       receipt.Duplicate,
		ProcessingError: receipt.ProcessingError,
		ReceivedAt:      receipt.ReceivedAt,
	}
	if err := r.db.WithContext(ctx).Create(&delivery).Error; err != nil {
		return fmt.Errorf("record webhook delivery: %w", err)
	}

	if receipt.EventID == "" || receipt.Duplicate || !receipt.SignatureValid {
		return nil
	}
	now := r.now()
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("event_id = ?", receipt.EventID).
		Updates(map[string]interface{}{
			"event_type":       receipt.EventType,
			"payment_id":       receipt.PaymentID,
			"processed_at":     &now,
			"processing_error": receipt.ProcessingError,
		}).Error
}

func (r *webhookEventRepository) GetByEventID(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *webhookEventRepository) ListDeliveries(ctx context.Context, eventID string) ([]models.WebhookDelivery, error) {
	var deliveries []models.WebhookDelivery
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).Order("id ASC").Find(&deliveries).Error
	return deliveries, err
}

// PurgeExpired drops claims that expired before the given time.
func (r *webhookEventRepository) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).Where("expires_at <= ?", before).Delete(&models.WebhookEvent{})
	return tx.RowsAffected, tx.Error
}
