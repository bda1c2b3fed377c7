package dto

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ErrorResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	DB        string `json:"db"`
}

type OpenPurchaseRequest struct {
	ItemID     uuid.UUID `json:"item_id"`
	CouponCode string    `json:"coupon_code"`
}

type ConfirmIntentRequest struct {
	PaymentIntentID string `json:"payment_intent_id"`
}

type OpenSubscriptionRequest struct {
	PlanID          uuid.UUID `json:"plan_id"`
	PaymentMethodID string    `json:"payment_method_id"`
	CouponCode      string    `json:"coupon_code"`
}

type CancelSubscriptionRequest struct {
	Immediately bool `json:"immediately"`
}

type CreateOrderRequest struct {
	ItemIDs     []uuid.UUID      `json:"item_ids"`
	CouponCode  string           `json:"coupon_code"`
	TotalAmount *decimal.Decimal `json:"total_amount"`
}

type ValidateCouponRequest struct {
	Code    string      `json:"code"`
	ItemIDs []uuid.UUID `json:"item_ids"`
	PlanID  *uuid.UUID  `json:"plan_id"`
}

// IntentResponse is returned when the client must finish authorization with the processor.
type IntentResponse struct {
	ClientSecret string `json:"client_secret,omitempty"`
	Record       any    `json:"record"`
}

type AccessResponse struct {
	HasAccess      bool       `json:"has_access"`
	Reason         string     `json:"reason"`
	SubscriptionID *uuid.UUID `json:"subscription_id,omitempty"`
	PurchaseID     *uuid.UUID `json:"purchase_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

type CouponQuoteResponse struct {
	Code       string          `json:"code"`
	Amount     decimal.Decimal `json:"amount"`
	Discount   decimal.Decimal `json:"discount"`
	FinalPrice decimal.Decimal `json:"final_price"`
}

type CreateCouponRequest struct {
	Code              string           `json:"code"`
	DiscountType      string           `json:"discount_type"`
	Value             decimal.Decimal  `json:"value"`
	Scope             string           `json:"scope"`
	ApplicableItemIDs []uuid.UUID      `json:"applicable_item_ids"`
	MinimumAmount     *decimal.Decimal `json:"minimum_amount"`
	MaximumDiscount   *decimal.Decimal `json:"maximum_discount"`
	UsageLimit        *int             `json:"usage_limit"`
	PerUserLimit      *int             `json:"per_user_limit"`
	ValidFrom         *time.Time       `json:"valid_from"`
	ValidUntil        *time.Time       `json:"valid_until"`
	FirstPurchaseOnly bool             `json:"first_purchase_only"`
}

type UpsertItemRequest struct {
	Title    string          `json:"title"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	Active   *bool           `json:"active"`
}

type UpsertPlanRequest struct {
	Name      string          `json:"name"`
	PriceRef  string          `json:"price_ref"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Interval  string          `json:"interval"`
	TrialDays int             `json:"trial_days"`
	Active    *bool           `json:"active"`
}
