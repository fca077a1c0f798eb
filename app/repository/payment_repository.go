package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/paygate/app/models"
	"github.com/ManuelReschke/paygate/pkg/payment"
)

// paymentRepository implements the PaymentRepository interface
type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a new payment repository instance
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) Load(ctx context.Context, id string) (payment.Payment, bool, error) {
	var rec models.PaymentRecord
	err := r.db.WithContext(ctx).Where("payment_id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payment.Payment{}, false, nil
	}
	if err != nil {
		return payment.Payment{}, false, fmt.Errorf("load payment record: %w", err)
	}
	return rec.Payment(), true, nil
}

// Save inserts or updates the record keyed by payment id.
func (r *paymentRepository) Save(ctx context.Context, p payment.Payment) error {
	rec := models.NewPaymentRecord(p)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "payment_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status",
			"amount",
			"currency",
			"refunded_amount",
			"pending_refund",
			"refund_from",
			"payment_url",
			"idempotency_key",
			"applied_events",
			"transitioned_at",
			"updated_at",
		}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save payment record: %w", err)
	}
	return nil
}

// ListByStatus returns the oldest transitioned payments in status first.
func (r *paymentRepository) ListByStatus(ctx context.Context, status payment.Status, limit int) ([]models.PaymentRecord, error) {
	var records []models.PaymentRecord
	q := r.db.WithContext(ctx).Where("status = ?", string(status)).Order("transitioned_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
