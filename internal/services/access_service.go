package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AccessReason string

const (
	AccessViaSubscription AccessReason = "subscription"
	AccessViaPurchase     AccessReason = "purchase"
	AccessNone            AccessReason = "none"
)

// AccessDecision explains why a user can or cannot open an item.
type AccessDecision struct {
	HasAccess    bool
	Reason       AccessReason
	Subscription *models.Subscription
	Purchase     *models.Purchase
	ExpiresAt    *time.Time
}

// AccessService answers entitlement questions. It never writes.
type AccessService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewAccessService(db *gorm.DB) *AccessService {
	return &AccessService{db: db, now: time.Now}
}

// Resolve checks the user's subscriptions first and the item purchase second.
// A purchase is looked up independently of any subscription, so ending a
// subscription never takes away a purchased item.
func (s *AccessService) Resolve(ctx context.Context, userID, itemID uuid.UUID) (*AccessDecision, error) {
	db := s.db.WithContext(ctx)

	var subs []models.Subscription
	if err := db.Where("user_id = ? AND status IN ?", userID,
		[]models.SubscriptionStatus{models.SubscriptionActive, models.SubscriptionTrialing}).
		Order("created_at DESC").
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	now := s.now()
	for i := range subs {
		if subs[i].HasAccess(now) {
			sub := subs[i]
			return &AccessDecision{
				HasAccess:    true,
				Reason:       AccessViaSubscription,
				Subscription: &sub,
				ExpiresAt:    &sub.CurrentPeriodEnd,
			}, nil
		}
	}

	var purchase models.Purchase
	err := db.Where("user_id = ? AND item_id = ? AND status = ?", userID, itemID, models.PurchaseCompleted).
		First(&purchase).Error
	switch {
	case err == nil:
		return &AccessDecision{HasAccess: true, Reason: AccessViaPurchase, Purchase: &purchase}, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return &AccessDecision{HasAccess: false, Reason: AccessNone}, nil
	default:
		return nil, fmt.Errorf("failed to load purchase: %w", err)
	}
}
