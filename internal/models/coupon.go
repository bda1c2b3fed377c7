package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type DiscountType string

const (
	DiscountPercentage  DiscountType = "percentage"
	DiscountFixedAmount DiscountType = "fixed_amount"
)

type CouponScope string

const (
	ScopeAllItems          CouponScope = "all_items"
	ScopeSpecificItems     CouponScope = "specific_items"
	ScopeSubscriptionsOnly CouponScope = "subscriptions_only"
)

// Coupon is a discount code. Coupons are deactivated, never deleted.
type Coupon struct {
	ID                uuid.UUID                   `gorm:"type:uuid;primaryKey" json:"id"`
	Code              string                      `gorm:"size:64;not null;uniqueIndex" json:"code"`
	DiscountType      DiscountType                `gorm:"size:20;not null" json:"discount_type"`
	Value             decimal.Decimal             `gorm:"type:numeric(12,2);not null" json:"value"`
	Scope             CouponScope                 `gorm:"size:30;not null;default:'all_items'" json:"scope"`
	ApplicableItemIDs datatypes.JSONSlice[string] `json:"applicable_item_ids,omitempty"`
	MinimumAmount     *decimal.Decimal            `gorm:"type:numeric(12,2)" json:"minimum_amount,omitempty"`
	MaximumDiscount   *decimal.Decimal            `gorm:"type:numeric(12,2)" json:"maximum_discount,omitempty"`
	UsageLimit        *int                        `json:"usage_limit,omitempty"`
	PerUserLimit      *int                        `json:"per_user_limit,omitempty"`
	UsageCount        int                         `gorm:"not null;default:0" json:"usage_count"`
	ValidFrom         *time.Time                  `json:"valid_from,omitempty"`
	ValidUntil        *time.Time                  `json:"valid_until,omitempty"`
	Active            bool                        `gorm:"not null" json:"active"`
	FirstPurchaseOnly bool                        `gorm:"not null;default:false" json:"first_purchase_only"`
	// TotalDiscounted is reporting data only.
	TotalDiscounted decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"total_discounted"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (c *Coupon) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// AppliesToItem reports whether a specific_items coupon lists itemID.
func (c *Coupon) AppliesToItem(itemID uuid.UUID) bool {
	id := itemID.String()
	for _, candidate := range c.ApplicableItemIDs {
		if candidate == id {
			return true
		}
	}
	return false
}
