package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type PurchaseStatus string

const (
	PurchasePending           PurchaseStatus = "pending"
	PurchaseCompleted         PurchaseStatus = "completed"
	PurchaseFailed            PurchaseStatus = "failed"
	PurchaseRefunded          PurchaseStatus = "refunded"
	PurchasePartiallyRefunded PurchaseStatus = "partially_refunded"
)

// Purchase is a one-time purchase of a single item. A user holds at most one
// row per item; once completed it is permanent proof of access.
type Purchase struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	UserID         uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_purchases_user_item" json:"user_id"`
	ItemID         uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_purchases_user_item" json:"item_id"`
	Status         PurchaseStatus  `gorm:"size:30;not null;index" json:"status"`
	OriginalPrice  decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"original_price"`
	DiscountAmount decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"discount_amount"`
	FinalPrice     decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"final_price"`
	Currency       string          `gorm:"size:3;not null" json:"currency"`
	IntentRef      *string         `gorm:"size:255;uniqueIndex" json:"payment_intent_id,omitempty"`
	CouponCode     string          `gorm:"size:64;index" json:"coupon_code,omitempty"`
	OrderID        *uuid.UUID      `gorm:"type:uuid;index" json:"order_id,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	RefundAmount   decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"refund_amount"`
	RefundReason   string          `gorm:"size:500" json:"refund_reason,omitempty"`
	RefundedAt     *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (p *Purchase) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// SupersededIntent is a payment intent a purchase was re-pointed away from.
// A late payment on it still resolves to the purchase.
type SupersededIntent struct {
	IntentRef  string    `gorm:"size:255;primaryKey" json:"payment_intent_id"`
	PurchaseID uuid.UUID `gorm:"type:uuid;not null;index" json:"purchase_id"`
	CreatedAt  time.Time `json:"created_at"`
}
