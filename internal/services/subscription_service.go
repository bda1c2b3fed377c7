package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/gateway"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type OpenSubscriptionInput struct {
	User             gateway.Customer
	PlanID           uuid.UUID
	PaymentMethodRef string
	CouponCode       string
}

type SubscriptionService struct {
	db        *gorm.DB
	gateway   gateway.Gateway
	catalog   *CatalogService
	coupons   *CouponService
	customers *CustomerService
	now       func() time.Time
}

func NewSubscriptionService(db *gorm.DB, gw gateway.Gateway, catalog *CatalogService, coupons *CouponService, customers *CustomerService) *SubscriptionService {
	return &SubscriptionService{
		db:        db,
		gateway:   gw,
		catalog:   catalog,
		coupons:   coupons,
		customers: customers,
		now:       time.Now,
	}
}

// Open creates the processor subscription and its local incomplete row. The
// returned client secret lets the caller finish payment authorization.
func (s *SubscriptionService) Open(ctx context.Context, in OpenSubscriptionInput) (*models.Subscription, string, error) {
	plan, err := s.catalog.GetPlan(ctx, in.PlanID)
	if err != nil {
		return nil, "", err
	}

	couponCode := ""
	if in.CouponCode != "" {
		coupon, err := s.coupons.Validate(ctx, in.CouponCode, in.User.UserID, AmountContext{
			Amount: plan.Amount,
			Target: TargetSubscription,
		})
		if err != nil {
			return nil, "", err
		}
		couponCode = coupon.Code
	}

	customerRef, err := s.customers.Ensure(ctx, in.User)
	if err != nil {
		return nil, "", err
	}

	result, err := s.gateway.CreateSubscription(ctx, gateway.SubscriptionRequest{
		UserID:           in.User.UserID,
		CustomerRef:      customerRef,
		PriceRef:         plan.PriceRef,
		PaymentMethodRef: in.PaymentMethodRef,
		CouponCode:       couponCode,
		TrialDays:        plan.TrialDays,
	})
	if err != nil {
		slog.Error("subscription creation failed",
			"user_id", in.User.UserID.String(),
			"action", "open_subscription",
			"reference", plan.PriceRef,
			"error", err,
		)
		return nil, "", upstream(err)
	}

	sub := models.Subscription{
		UserID:             in.User.UserID,
		ExternalRef:        result.Ref,
		PlanID:             plan.ID,
		PriceRef:           plan.PriceRef,
		Amount:             plan.Amount,
		Currency:           plan.Currency,
		Interval:           plan.Interval,
		Status:             models.SubscriptionIncomplete,
		TrialStart:         result.TrialStart,
		TrialEnd:           result.TrialEnd,
		CurrentPeriodStart: result.PeriodStart,
		CurrentPeriodEnd:   result.PeriodEnd,
		CouponCode:         couponCode,
	}
	if err := s.db.WithContext(ctx).Create(&sub).Error; err != nil {
		slog.Warn("processor subscription orphaned", "reference", result.Ref, "user_id", in.User.UserID.String(), "error", err)
		return nil, "", fmt.Errorf("failed to create subscription: %w", err)
	}
	return &sub, result.ClientSecret, nil
}

// Cancel ends the user's subscription now, or marks it to end with the
// current period. A deferred cancellation leaves the status untouched.
func (s *SubscriptionService) Cancel(ctx context.Context, userID, subscriptionID uuid.UUID, immediately bool) (*models.Subscription, error) {
	sub, err := s.Get(ctx, userID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status.Terminal() {
		return nil, ErrSubscriptionTerminated
	}
	if !immediately && sub.CancelAtPeriodEnd != nil {
		return nil, ErrCancellationPending
	}

	if err := s.gateway.CancelSubscription(ctx, sub.ExternalRef, immediately); err != nil {
		slog.Error("subscription cancellation failed",
			"user_id", userID.String(),
			"action", "cancel_subscription",
			"reference", sub.ExternalRef,
			"error", err,
		)
		return nil, upstream(err)
	}

	// A webhook may move the row between the read above and the write. The
	// write is retried once against the fresh row.
	for attempt := 0; attempt < 2; attempt++ {
		updates := map[string]interface{}{"cancel_at_period_end": sub.CurrentPeriodEnd}
		if immediately {
			updates = map[string]interface{}{
				"status":      models.SubscriptionCanceled,
				"canceled_at": s.now(),
			}
		}
		res := s.db.WithContext(ctx).Model(&models.Subscription{}).
			Where("id = ? AND status = ?", sub.ID, sub.Status).
			Updates(updates)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to cancel subscription: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			return s.Get(ctx, userID, subscriptionID)
		}

		if sub, err = s.Get(ctx, userID, subscriptionID); err != nil {
			return nil, err
		}
		if sub.Status.Terminal() {
			return sub, nil
		}
	}

	slog.Error("subscription cancelled at processor but local row not updated",
		"user_id", userID.String(),
		"action", "cancel_subscription",
		"reference", sub.ExternalRef,
		"status", string(sub.Status),
	)
	return sub, ErrSubscriptionChanged
}

func (s *SubscriptionService) Get(ctx context.Context, userID, subscriptionID uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", subscriptionID, userID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return &sub, nil
}

func (s *SubscriptionService) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Subscription, error) {
	var subs []models.Subscription
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// ApplyEvent folds a processor event into the subscription it names. Events
// are matched by subscription reference and only move a row forward: events
// for terminal rows, repeated events and stale events change nothing.
func (s *SubscriptionService) ApplyEvent(ctx context.Context, evt gateway.Event) error {
	switch e := evt.(type) {
	case gateway.RenewalSucceeded:
		return s.transition(ctx, e.Meta, e.SubscriptionRef, func(sub *models.Subscription) map[string]interface{} {
			return s.renewed(sub, e)
		})
	case gateway.RenewalFailed:
		return s.transition(ctx, e.Meta, e.SubscriptionRef, func(sub *models.Subscription) map[string]interface{} {
			return s.renewalFailed(sub, e)
		})
	case gateway.SubscriptionUpdated:
		return s.transition(ctx, e.Meta, e.SubscriptionRef, func(sub *models.Subscription) map[string]interface{} {
			return s.updated(sub, e)
		})
	case gateway.SubscriptionDeleted:
		return s.transition(ctx, e.Meta, e.SubscriptionRef, func(sub *models.Subscription) map[string]interface{} {
			canceledAt := s.now()
			if e.CanceledAt != nil {
				canceledAt = *e.CanceledAt
			}
			return map[string]interface{}{
				"status":      models.SubscriptionCanceled,
				"canceled_at": canceledAt,
			}
		})
	default:
		return fmt.Errorf("%w: %s is not a subscription event", ErrInvalidInput, evt.Envelope().Type)
	}
}

func (s *SubscriptionService) renewed(sub *models.Subscription, e gateway.RenewalSucceeded) map[string]interface{} {
	if !e.PeriodEnd.IsZero() && e.PeriodEnd.Before(sub.CurrentPeriodEnd) {
		return nil
	}
	changes := map[string]interface{}{}
	if e.PeriodEnd.After(sub.CurrentPeriodEnd) {
		changes["current_period_start"] = e.PeriodStart
		changes["current_period_end"] = e.PeriodEnd
	}

	target := models.SubscriptionActive
	if sub.TrialEnd != nil && s.now().Before(*sub.TrialEnd) {
		target = models.SubscriptionTrialing
	}
	if sub.Status.CanTransitionTo(target) {
		changes["status"] = target
	}
	return changes
}

// renewalFailed drops failures for a period the row has already moved past,
// and failures for the current period once it has been paid.
func (s *SubscriptionService) renewalFailed(sub *models.Subscription, e gateway.RenewalFailed) map[string]interface{} {
	if !e.PeriodEnd.IsZero() {
		if e.PeriodEnd.Before(sub.CurrentPeriodEnd) {
			return nil
		}
		if e.PeriodEnd.Equal(sub.CurrentPeriodEnd) && sub.Status == models.SubscriptionActive {
			return nil
		}
	}
	if !sub.Status.CanTransitionTo(models.SubscriptionPastDue) {
		return nil
	}
	return map[string]interface{}{"status": models.SubscriptionPastDue}
}

func (s *SubscriptionService) updated(sub *models.Subscription, e gateway.SubscriptionUpdated) map[string]interface{} {
	changes := map[string]interface{}{}
	stale := !e.PeriodEnd.IsZero() && e.PeriodEnd.Before(sub.CurrentPeriodEnd)
	periodEnd := sub.CurrentPeriodEnd

	if e.PeriodEnd.After(sub.CurrentPeriodEnd) {
		changes["current_period_start"] = e.PeriodStart
		changes["current_period_end"] = e.PeriodEnd
		periodEnd = e.PeriodEnd
	}

	next := models.SubscriptionStatus(e.Status)
	switch {
	case !next.Valid():
		slog.Warn("unrecognised subscription status", "reference", sub.ExternalRef, "event_type", e.Type, "status", e.Status)
	case next == models.SubscriptionCanceled && sub.Status.CanTransitionTo(next):
		changes["status"] = next
		canceledAt := s.now()
		if e.CanceledAt != nil {
			canceledAt = *e.CanceledAt
		}
		changes["canceled_at"] = canceledAt
	case !stale && sub.Status.CanTransitionTo(next):
		changes["status"] = next
	}

	if !stale {
		switch {
		case e.CancelAtPeriodEnd && sub.CancelAtPeriodEnd == nil:
			changes["cancel_at_period_end"] = periodEnd
		case !e.CancelAtPeriodEnd && sub.CancelAtPeriodEnd != nil:
			changes["cancel_at_period_end"] = nil
		}
	}
	if e.TrialEnd != nil && sub.TrialEnd == nil {
		changes["trial_start"] = e.TrialStart
		changes["trial_end"] = e.TrialEnd
	}
	return changes
}

// transition loads the row for ref, asks decide for forward changes and
// writes them only if the row's status has not moved in the meantime.
func (s *SubscriptionService) transition(ctx context.Context, meta gateway.Meta, ref string, decide func(*models.Subscription) map[string]interface{}) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		err := tx.Where("external_ref = ?", ref).First(&sub).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSubscriptionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load subscription: %w", err)
		}

		if sub.Status.Terminal() {
			slog.Info("event for ended subscription ignored",
				"reference", ref,
				"event_type", meta.Type,
				"status", string(sub.Status),
			)
			return nil
		}

		changes := decide(&sub)
		if len(changes) == 0 {
			slog.Debug("subscription event is a no-op", "reference", ref, "event_type", meta.Type)
			return nil
		}

		if next, ok := changes["status"].(models.SubscriptionStatus); ok && s.activates(&sub, next) {
			if err := s.coupons.Redeem(tx, sub.CouponCode, subscriptionDiscount(tx, &sub)); err == nil {
				changes["coupon_redeemed"] = true
			} else if errors.Is(err, ErrCouponExhausted) {
				slog.Warn("subscription coupon exhausted at activation",
					"user_id", sub.UserID.String(),
					"reference", ref,
					"action", "redeem_coupon",
				)
			} else {
				return err
			}
		}

		res := tx.Model(&models.Subscription{}).
			Where("id = ? AND status = ?", sub.ID, sub.Status).
			Updates(changes)
		if res.Error != nil {
			return fmt.Errorf("failed to update subscription: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errAlreadyApplied
		}
		return nil
	})
	if errors.Is(err, errAlreadyApplied) {
		slog.Debug("subscription moved concurrently, event skipped", "reference", ref, "event_type", meta.Type)
		return nil
	}
	return err
}

// activates reports whether moving sub to next is its first paid state and
// its coupon still has to be counted.
func (s *SubscriptionService) activates(sub *models.Subscription, next models.SubscriptionStatus) bool {
	if sub.CouponCode == "" || sub.CouponRedeemed || sub.Status != models.SubscriptionIncomplete {
		return false
	}
	return next == models.SubscriptionActive || next == models.SubscriptionTrialing
}

// subscriptionDiscount is the first-period discount reported on the coupon.
func subscriptionDiscount(tx *gorm.DB, sub *models.Subscription) decimal.Decimal {
	coupon, err := findCoupon(tx, sub.CouponCode)
	if err != nil {
		return decimal.Zero
	}
	return PriceWith(coupon, sub.Amount)
}
