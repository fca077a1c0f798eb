package models

import "time"

// WebhookEvent marks a processor event id as seen until ExpiresAt and keeps
// the outcome of processing it.
type WebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	EventID         string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;default:'';index" json:"event_type"`
	PaymentID       string     `gorm:"type:varchar(191);not null;default:'';index" json:"payment_id"`
	ExpiresAt       time.Time  `gorm:"not null;index" json:"expires_at"`
	ProcessedAt     *time.Time `gorm:"default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// WebhookDelivery is one received delivery, authentic or not.
type WebhookDelivery struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	EventID         string    `gorm:"type:varchar(191);not null;default:'';index" json:"event_id"`
	EventType       string    `gorm:"type:varchar(100);not null;default:''" json:"event_type"`
	PaymentID       string    `gorm:"type:varchar(191);not null;default:'';index" json:"payment_id"`
	PayloadJSON     string    `gorm:"type:longtext;not null" json:"payload_json"`
	SignatureValid  bool      `gorm:"default:false;index" json:"signature_valid"`
	Duplicate       bool      `gorm:"default:false" json:"duplicate"`
	ProcessingError string    `gorm:"type:text" json:"processing_error"`
	ReceivedAt      time.Time `gorm:"index" json:"received_at"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}
