package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type SubscriptionStatus string

const (
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
)

// subscriptionTransitions lists the statuses reachable from each non-terminal status.
var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionIncomplete: {SubscriptionActive, SubscriptionTrialing, SubscriptionIncompleteExpired, SubscriptionCanceled},
	SubscriptionTrialing:   {SubscriptionActive, SubscriptionPastDue, SubscriptionCanceled},
	SubscriptionActive:     {SubscriptionPastDue, SubscriptionCanceled},
	SubscriptionPastDue:    {SubscriptionActive, SubscriptionUnpaid, SubscriptionCanceled},
	SubscriptionUnpaid:     {SubscriptionActive, SubscriptionCanceled},
}

// Valid reports whether s is one of the known statuses.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionIncomplete, SubscriptionIncompleteExpired, SubscriptionTrialing,
		SubscriptionActive, SubscriptionPastDue, SubscriptionUnpaid, SubscriptionCanceled:
		return true
	}
	return false
}

func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionIncompleteExpired || s == SubscriptionCanceled
}

// CanTransitionTo reports whether moving from s to next is a forward step.
// Staying in the same status is not a transition.
func (s SubscriptionStatus) CanTransitionTo(next SubscriptionStatus) bool {
	for _, allowed := range subscriptionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Subscription is a recurring entitlement mirrored from the payment processor.
// Rows are retained after cancellation.
type Subscription struct {
	ID                 uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	UserID             uuid.UUID          `gorm:"type:uuid;not null;index" json:"user_id"`
	ExternalRef        string             `gorm:"size:255;not null;uniqueIndex" json:"external_ref"`
	PlanID             uuid.UUID          `gorm:"type:uuid;not null" json:"plan_id"`
	PriceRef           string             `gorm:"size:255;not null" json:"price_ref"`
	Amount             decimal.Decimal    `gorm:"type:numeric(12,2);not null" json:"amount"`
	Currency           string             `gorm:"size:3;not null" json:"currency"`
	Interval           string             `gorm:"size:20;not null" json:"interval"`
	Status             SubscriptionStatus `gorm:"size:30;not null;index" json:"status"`
	TrialStart         *time.Time         `json:"trial_start,omitempty"`
	TrialEnd           *time.Time         `json:"trial_end,omitempty"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd  *time.Time         `json:"cancel_at_period_end,omitempty"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
	CouponCode         string             `gorm:"size:64" json:"coupon_code,omitempty"`
	CouponRedeemed     bool               `gorm:"not null;default:false" json:"-"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// HasAccess is true while the subscription is active or trialing and the
// current period has not ended.
func (s *Subscription) HasAccess(now time.Time) bool {
	if s.Status != SubscriptionActive && s.Status != SubscriptionTrialing {
		return false
	}
	return now.Before(s.CurrentPeriodEnd)
}
