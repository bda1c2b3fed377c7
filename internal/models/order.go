package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderFailed     OrderStatus = "failed"
	OrderCancelled  OrderStatus = "cancelled"
)

// Order bundles several items into one checkout with a single coupon.
type Order struct {
	ID              uuid.UUID                   `gorm:"type:uuid;primaryKey" json:"id"`
	UserID          uuid.UUID                   `gorm:"type:uuid;not null;index" json:"user_id"`
	ItemIDs         datatypes.JSONSlice[string] `gorm:"not null" json:"item_ids"`
	Status          OrderStatus                 `gorm:"size:30;not null;index" json:"status"`
	Subtotal        decimal.Decimal             `gorm:"type:numeric(12,2);not null" json:"subtotal"`
	DiscountAmount  decimal.Decimal             `gorm:"type:numeric(12,2);not null" json:"discount_amount"`
	DiscountPercent decimal.Decimal             `gorm:"type:numeric(5,2);not null" json:"discount_percent"`
	TotalAmount     decimal.Decimal             `gorm:"type:numeric(12,2);not null" json:"total_amount"`
	Currency        string                      `gorm:"size:3;not null" json:"currency"`
	CouponCode      string                      `gorm:"size:64;index" json:"coupon_code,omitempty"`
	IntentRef       *string                     `gorm:"size:255;uniqueIndex" json:"payment_intent_id,omitempty"`
	CompletedAt     *time.Time                  `json:"completed_at,omitempty"`
	CancelledAt     *time.Time                  `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time                   `json:"created_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
}

func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// Items parses the stored item ids. Malformed entries are skipped.
func (o *Order) Items() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(o.ItemIDs))
	for _, raw := range o.ItemIDs {
		if id, err := uuid.Parse(raw); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
