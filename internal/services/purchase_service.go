package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/gateway"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errAlreadyApplied signals that a concurrent caller completed the row first.
var errAlreadyApplied = errors.New("already applied")

var completablePurchase = []models.PurchaseStatus{models.PurchasePending, models.PurchaseFailed}

// PurchaseService is the ledger of one-time (user, item) purchases.
type PurchaseService struct {
	db          *gorm.DB
	gateway     gateway.Gateway
	catalog     *CatalogService
	coupons     *CouponService
	customers   *CustomerService
	enrollments *EnrollmentService
	now         func() time.Time
}

func NewPurchaseService(db *gorm.DB, gw gateway.Gateway, catalog *CatalogService, coupons *CouponService, customers *CustomerService, enrollments *EnrollmentService) *PurchaseService {
	return &PurchaseService{
		db:          db,
		gateway:     gw,
		catalog:     catalog,
		coupons:     coupons,
		customers:   customers,
		enrollments: enrollments,
		now:         time.Now,
	}
}

// OpenIntent prices itemID for the buyer and opens a payment intent for the
// final price. It returns the pending purchase and the client secret the
// caller uses to authorize the payment. A fully discounted purchase completes
// immediately and has no client secret.
func (s *PurchaseService) OpenIntent(ctx context.Context, buyer gateway.Customer, itemID uuid.UUID, couponCode string) (*models.Purchase, string, error) {
	db := s.db.WithContext(ctx)

	existing, err := findUserPurchase(db, buyer.UserID, itemID)
	if err != nil {
		return nil, "", err
	}
	if existing != nil && existing.Status == models.PurchaseCompleted {
		return nil, "", ErrAlreadyPurchased
	}

	item, err := s.catalog.GetItem(ctx, itemID)
	if err != nil {
		return nil, "", err
	}

	purchase := &models.Purchase{
		UserID:         buyer.UserID,
		ItemID:         item.ID,
		Status:         models.PurchasePending,
		OriginalPrice:  item.Price,
		DiscountAmount: decimal.Zero,
		FinalPrice:     item.Price,
		Currency:       item.Currency,
	}
	if couponCode != "" {
		coupon, discount, err := s.coupons.Quote(ctx, couponCode, buyer.UserID, AmountContext{
			Amount:  item.Price,
			Target:  TargetItem,
			ItemIDs: []uuid.UUID{item.ID},
		})
		if err != nil {
			return nil, "", err
		}
		purchase.CouponCode = coupon.Code
		purchase.DiscountAmount = discount
		purchase.FinalPrice = item.Price.Sub(discount)
	}

	if err := s.releaseIntent(ctx, existing); err != nil {
		return nil, "", err
	}

	if !purchase.FinalPrice.IsPositive() {
		if err := s.completeFree(ctx, existing, purchase); err != nil {
			return nil, "", err
		}
		return purchase, "", nil
	}

	customerRef, err := s.customers.Ensure(ctx, buyer)
	if err != nil {
		return nil, "", err
	}

	intent, err := s.gateway.CreatePaymentIntent(ctx, gateway.PaymentIntentRequest{
		CustomerRef: customerRef,
		Amount:      purchase.FinalPrice,
		Currency:    purchase.Currency,
		Metadata: map[string]string{
			"kind":    "purchase",
			"user_id": buyer.UserID.String(),
			"item_id": item.ID.String(),
		},
	})
	if err != nil {
		slog.Error("payment intent creation failed",
			"user_id", buyer.UserID.String(),
			"action", "open_purchase_intent",
			"reference", item.ID.String(),
			"error", err,
		)
		return nil, "", upstream(err)
	}
	purchase.IntentRef = &intent.Ref

	if err := db.Transaction(func(tx *gorm.DB) error {
		return savePurchase(tx, existing, purchase)
	}); err != nil {
		slog.Warn("payment intent orphaned", "reference", intent.Ref, "user_id", buyer.UserID.String(), "error", err)
		return nil, "", err
	}
	return purchase, intent.ClientSecret, nil
}

// releaseIntent cancels the intent an unfinished purchase is still waiting on
// before a new one replaces it. If the buyer already paid that intent the
// purchase is completed and ErrAlreadyPurchased returned instead.
func (s *PurchaseService) releaseIntent(ctx context.Context, existing *models.Purchase) error {
	if existing == nil || existing.IntentRef == nil || !slices.Contains(completablePurchase, existing.Status) {
		return nil
	}
	ref := *existing.IntentRef

	err := s.gateway.CancelPaymentIntent(ctx, ref)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gateway.ErrRejected) {
		slog.Error("payment intent cancellation failed",
			"user_id", existing.UserID.String(),
			"action", "release_purchase_intent",
			"reference", ref,
			"error", err,
		)
		return upstream(err)
	}

	status, err := s.gateway.RetrieveIntent(ctx, ref)
	if err != nil {
		return upstream(err)
	}
	switch status {
	case gateway.IntentSucceeded:
		if _, err := s.complete(ctx, existing, ref); err != nil {
			return err
		}
		return ErrAlreadyPurchased
	case gateway.IntentCanceled:
		return nil
	default:
		return ErrPaymentInProgress
	}
}

// completeFree records a purchase whose final price is zero as completed
// without a payment intent.
func (s *PurchaseService) completeFree(ctx context.Context, existing, purchase *models.Purchase) error {
	now := s.now()
	purchase.Status = models.PurchaseCompleted
	purchase.CompletedAt = &now

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := savePurchase(tx, existing, purchase); err != nil {
			return err
		}
		if purchase.CouponCode != "" {
			if err := s.coupons.Redeem(tx, purchase.CouponCode, purchase.DiscountAmount); err != nil {
				return err
			}
		}
		_, err := s.enrollments.EnsureEnrolled(tx, purchase.UserID, []uuid.UUID{purchase.ItemID}, models.EnrollmentSourcePurchase, purchase.ID)
		return err
	})
}

// savePurchase inserts purchase, or re-points the user's existing unfinished
// row for the same item at it.
func savePurchase(db *gorm.DB, existing, purchase *models.Purchase) error {
	if existing == nil {
		if err := db.Create(purchase).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyPurchased
			}
			return fmt.Errorf("failed to create purchase: %w", err)
		}
		return nil
	}

	if existing.IntentRef != nil && (purchase.IntentRef == nil || *purchase.IntentRef != *existing.IntentRef) {
		if err := supersede(db, existing.ID, *existing.IntentRef); err != nil {
			return err
		}
	}

	res := db.Model(&models.Purchase{}).
		Where("id = ? AND status <> ?", existing.ID, models.PurchaseCompleted).
		Updates(map[string]interface{}{
			"status":          purchase.Status,
			"original_price":  purchase.OriginalPrice,
			"discount_amount": purchase.DiscountAmount,
			"final_price":     purchase.FinalPrice,
			"currency":        purchase.Currency,
			"intent_ref":      purchase.IntentRef,
			"coupon_code":     purchase.CouponCode,
			"order_id":        nil,
			"completed_at":    purchase.CompletedAt,
			"refund_amount":   decimal.Zero,
			"refund_reason":   "",
			"refunded_at":     nil,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update purchase: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyPurchased
	}
	purchase.ID = existing.ID
	purchase.CreatedAt = existing.CreatedAt
	return nil
}

// supersede keeps intentRef resolvable to purchaseID after the row moves to
// another intent.
func supersede(db *gorm.DB, purchaseID uuid.UUID, intentRef string) error {
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.SupersededIntent{IntentRef: intentRef, PurchaseID: purchaseID}).Error; err != nil {
		return fmt.Errorf("failed to record superseded intent: %w", err)
	}
	return nil
}

// Confirm settles the purchase behind intentRef from the processor's view of
// the intent. Confirming a completed purchase returns it unchanged.
func (s *PurchaseService) Confirm(ctx context.Context, intentRef string) (*models.Purchase, error) {
	purchase, err := s.GetByIntent(ctx, intentRef)
	if err != nil {
		return nil, err
	}
	if purchase.Status == models.PurchaseCompleted {
		return purchase, nil
	}

	status, err := s.gateway.RetrieveIntent(ctx, intentRef)
	if err != nil {
		slog.Error("payment intent lookup failed", "reference", intentRef, "action", "confirm_purchase", "error", err)
		return nil, upstream(err)
	}

	switch status {
	case gateway.IntentSucceeded:
		return s.complete(ctx, purchase, intentRef)
	case gateway.IntentCanceled, gateway.IntentRequiresPaymentMethod:
		if purchase.IntentRef == nil || *purchase.IntentRef != intentRef {
			return purchase, nil
		}
		if err := s.db.WithContext(ctx).Model(&models.Purchase{}).
			Where("id = ? AND status = ?", purchase.ID, models.PurchasePending).
			Update("status", models.PurchaseFailed).Error; err != nil {
			return nil, fmt.Errorf("failed to mark purchase failed: %w", err)
		}
		return s.GetByIntent(ctx, intentRef)
	default:
		return purchase, nil
	}
}

// ApplyPaymentSucceeded completes the purchase behind intentRef on the
// processor's word, without asking the gateway again.
func (s *PurchaseService) ApplyPaymentSucceeded(ctx context.Context, intentRef string) (*models.Purchase, error) {
	purchase, err := s.GetByIntent(ctx, intentRef)
	if err != nil {
		return nil, err
	}
	if purchase.Status == models.PurchaseCompleted {
		slog.Debug("purchase already completed", "reference", intentRef)
		return purchase, nil
	}
	return s.complete(ctx, purchase, intentRef)
}

// complete moves purchase to completed exactly once, redeeming its coupon and
// enrolling the buyer in the same transaction. paidRef is the intent that was
// paid; when it is not the one the row points at, the row moves to it and the
// other intent is cancelled.
func (s *PurchaseService) complete(ctx context.Context, purchase *models.Purchase, paidRef string) (*models.Purchase, error) {
	updates := map[string]interface{}{
		"status":       models.PurchaseCompleted,
		"completed_at": s.now(),
	}
	var unpaidRef string
	if purchase.IntentRef != nil && *purchase.IntentRef != paidRef {
		unpaidRef = *purchase.IntentRef
		updates["intent_ref"] = paidRef
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Purchase{}).
			Where("id = ? AND status IN ?", purchase.ID, completablePurchase).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to complete purchase: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errAlreadyApplied
		}
		if unpaidRef != "" {
			if err := supersede(tx, purchase.ID, unpaidRef); err != nil {
				return err
			}
		}
		if purchase.CouponCode != "" {
			if err := s.coupons.Redeem(tx, purchase.CouponCode, purchase.DiscountAmount); err != nil {
				return err
			}
		}
		_, err := s.enrollments.EnsureEnrolled(tx, purchase.UserID, []uuid.UUID{purchase.ItemID}, models.EnrollmentSourcePurchase, purchase.ID)
		return err
	})
	switch {
	case errors.Is(err, errAlreadyApplied):
		slog.Debug("purchase completion skipped", "reference", purchase.ID.String())
		return s.get(ctx, purchase.ID)
	case errors.Is(err, ErrCouponExhausted):
		slog.Error("coupon exhausted after payment, refund required",
			"user_id", purchase.UserID.String(),
			"reference", paidRef,
			"action", "complete_purchase",
			"error", err,
		)
		return nil, refundRequired(err)
	case err != nil:
		return nil, err
	}

	if unpaidRef != "" {
		if err := s.gateway.CancelPaymentIntent(ctx, unpaidRef); err != nil {
			slog.Error("unpaid payment intent left open",
				"user_id", purchase.UserID.String(),
				"reference", unpaidRef,
				"action", "complete_purchase",
				"error", err,
			)
		}
	}
	return s.get(ctx, purchase.ID)
}

// GetByIntent finds the purchase intentRef was opened for, including
// purchases that have since moved to a newer intent.
func (s *PurchaseService) GetByIntent(ctx context.Context, intentRef string) (*models.Purchase, error) {
	db := s.db.WithContext(ctx)
	var purchase models.Purchase
	err := db.Where("intent_ref = ?", intentRef).First(&purchase).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var superseded models.SupersededIntent
		if err := db.Where("intent_ref = ?", intentRef).First(&superseded).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrPurchaseNotFound
			}
			return nil, fmt.Errorf("failed to load superseded intent: %w", err)
		}
		err = db.Where("id = ?", superseded.PurchaseID).First(&purchase).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPurchaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load purchase: %w", err)
	}
	return &purchase, nil
}

func (s *PurchaseService) get(ctx context.Context, id uuid.UUID) (*models.Purchase, error) {
	var purchase models.Purchase
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&purchase).Error; err != nil {
		return nil, fmt.Errorf("failed to reload purchase: %w", err)
	}
	return &purchase, nil
}

func (s *PurchaseService) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Purchase, error) {
	var purchases []models.Purchase
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&purchases).Error; err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	return purchases, nil
}

func findUserPurchase(db *gorm.DB, userID, itemID uuid.UUID) (*models.Purchase, error) {
	var purchase models.Purchase
	err := db.Where("user_id = ? AND item_id = ?", userID, itemID).First(&purchase).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load purchase: %w", err)
	}
	return &purchase, nil
}
