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

type CreateOrderInput struct {
	User        gateway.Customer
	ItemIDs     []uuid.UUID
	CouponCode  string
	TotalAmount *decimal.Decimal
}

var (
	completableOrder  = []models.OrderStatus{models.OrderPending, models.OrderProcessing, models.OrderFailed}
	cancellableOrder  = []models.OrderStatus{models.OrderPending, models.OrderProcessing}
	unsettledStatuses = []models.OrderStatus{models.OrderPending, models.OrderProcessing}
)

// OrderService checks out several items at once under one coupon and one
// payment intent.
type OrderService struct {
	db          *gorm.DB
	gateway     gateway.Gateway
	catalog     *CatalogService
	coupons     *CouponService
	customers   *CustomerService
	enrollments *EnrollmentService
	now         func() time.Time
}

func NewOrderService(db *gorm.DB, gw gateway.Gateway, catalog *CatalogService, coupons *CouponService, customers *CustomerService, enrollments *EnrollmentService) *OrderService {
	return &OrderService{
		db:          db,
		gateway:     gw,
		catalog:     catalog,
		coupons:     coupons,
		customers:   customers,
		enrollments: enrollments,
		now:         time.Now,
	}
}

// Create prices the bundle, opens one payment intent for the discounted total
// and stores the pending order. A fully discounted order completes at once.
func (s *OrderService) Create(ctx context.Context, in CreateOrderInput) (*models.Order, string, error) {
	ids := dedupeIDs(in.ItemIDs)
	if len(ids) == 0 {
		return nil, "", ErrNoItems
	}

	items, err := s.catalog.GetItems(ctx, ids)
	if err != nil {
		return nil, "", err
	}

	currency := items[0].Currency
	subtotal := decimal.Zero
	for _, item := range items {
		if item.Currency != currency {
			return nil, "", ErrCurrencyMismatch
		}
		subtotal = subtotal.Add(item.Price)
	}

	if err := s.ensureNotOwned(ctx, in.User.UserID, ids); err != nil {
		return nil, "", err
	}

	order := &models.Order{
		UserID:          in.User.UserID,
		ItemIDs:         idStrings(ids),
		Status:          models.OrderPending,
		Subtotal:        subtotal,
		DiscountAmount:  decimal.Zero,
		DiscountPercent: decimal.Zero,
		TotalAmount:     subtotal,
		Currency:        currency,
	}
	if in.CouponCode != "" {
		coupon, discount, err := s.coupons.Quote(ctx, in.CouponCode, in.User.UserID, AmountContext{
			Amount:  subtotal,
			Target:  TargetOrder,
			ItemIDs: ids,
		})
		if err != nil {
			return nil, "", err
		}
		order.CouponCode = coupon.Code
		order.DiscountAmount = discount
		order.TotalAmount = subtotal.Sub(discount)
		if subtotal.IsPositive() {
			order.DiscountPercent = discount.Mul(hundred).Div(subtotal).Round(2)
		}
	}

	if in.TotalAmount != nil && !in.TotalAmount.Round(2).Equal(order.TotalAmount) {
		return nil, "", fmt.Errorf("%w: expected %s", ErrTotalMismatch, order.TotalAmount.StringFixed(2))
	}

	db := s.db.WithContext(ctx)
	if !order.TotalAmount.IsPositive() {
		if err := db.Create(order).Error; err != nil {
			return nil, "", fmt.Errorf("failed to create order: %w", err)
		}
		completed, err := s.complete(ctx, order)
		if err != nil {
			return nil, "", err
		}
		return completed, "", nil
	}

	customerRef, err := s.customers.Ensure(ctx, in.User)
	if err != nil {
		return nil, "", err
	}

	intent, err := s.gateway.CreatePaymentIntent(ctx, gateway.PaymentIntentRequest{
		CustomerRef: customerRef,
		Amount:      order.TotalAmount,
		Currency:    currency,
		Metadata: map[string]string{
			"kind":    "order",
			"user_id": in.User.UserID.String(),
		},
	})
	if err != nil {
		slog.Error("payment intent creation failed",
			"user_id", in.User.UserID.String(),
			"action", "create_order",
			"error", err,
		)
		return nil, "", upstream(err)
	}
	order.IntentRef = &intent.Ref

	if err := db.Create(order).Error; err != nil {
		slog.Warn("payment intent orphaned", "reference", intent.Ref, "user_id", in.User.UserID.String(), "error", err)
		return nil, "", fmt.Errorf("failed to create order: %w", err)
	}
	return order, intent.ClientSecret, nil
}

// ensureNotOwned rejects bundles containing an item the user already has.
func (s *OrderService) ensureNotOwned(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) error {
	enrolled, err := s.enrollments.EnrolledIn(ctx, userID, ids)
	if err != nil {
		return err
	}
	if len(enrolled) > 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyEnrolled, enrolled[0])
	}

	var owned int64
	if err := s.db.WithContext(ctx).Model(&models.Purchase{}).
		Where("user_id = ? AND item_id IN ? AND status = ?", userID, ids, models.PurchaseCompleted).
		Count(&owned).Error; err != nil {
		return fmt.Errorf("failed to check purchases: %w", err)
	}
	if owned > 0 {
		return ErrAlreadyEnrolled
	}
	return nil
}

// Confirm settles the order behind intentRef from the processor's view of
// the intent. Confirming a completed order returns it unchanged.
func (s *OrderService) Confirm(ctx context.Context, intentRef string) (*models.Order, error) {
	order, err := s.GetByIntent(ctx, intentRef)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case models.OrderCompleted:
		return order, nil
	case models.OrderCancelled:
		return nil, ErrOrderNotPayable
	}

	status, err := s.gateway.RetrieveIntent(ctx, intentRef)
	if err != nil {
		slog.Error("payment intent lookup failed", "reference", intentRef, "action", "confirm_order", "error", err)
		return nil, upstream(err)
	}

	var next models.OrderStatus
	switch status {
	case gateway.IntentSucceeded:
		return s.complete(ctx, order)
	case gateway.IntentProcessing:
		next = models.OrderProcessing
	case gateway.IntentCanceled, gateway.IntentRequiresPaymentMethod:
		next = models.OrderFailed
	default:
		return order, nil
	}

	if err := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status IN ? AND status <> ?", order.ID, unsettledStatuses, next).
		Update("status", next).Error; err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}
	return s.GetByIntent(ctx, intentRef)
}

// ApplyPaymentSucceeded completes the order behind intentRef on the
// processor's word.
func (s *OrderService) ApplyPaymentSucceeded(ctx context.Context, intentRef string) (*models.Order, error) {
	order, err := s.GetByIntent(ctx, intentRef)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case models.OrderCompleted:
		slog.Debug("order already completed", "reference", intentRef)
		return order, nil
	case models.OrderCancelled:
		slog.Error("payment succeeded for cancelled order",
			"user_id", order.UserID.String(),
			"reference", intentRef,
			"action", "apply_payment",
		)
		return nil, ErrOrderNotPayable
	}
	return s.complete(ctx, order)
}

// complete settles the order exactly once. Everything it grants commits
// together with the status change.
func (s *OrderService) complete(ctx context.Context, order *models.Order) (*models.Order, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status IN ?", order.ID, completableOrder).
			Updates(map[string]interface{}{
				"status":       models.OrderCompleted,
				"completed_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to complete order: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errAlreadyApplied
		}

		if order.CouponCode != "" {
			if err := s.coupons.Redeem(tx, order.CouponCode, order.DiscountAmount); err != nil {
				return err
			}
		}

		itemIDs := order.Items()
		if err := s.grantPurchases(tx, order, itemIDs, now); err != nil {
			return err
		}
		_, err := s.enrollments.EnsureEnrolled(tx, order.UserID, itemIDs, models.EnrollmentSourceOrder, order.ID)
		return err
	})
	switch {
	case errors.Is(err, errAlreadyApplied):
		slog.Debug("order completion skipped", "reference", order.ID.String())
	case errors.Is(err, ErrCouponExhausted) && order.IntentRef == nil:
		slog.Warn("coupon exhausted at order completion",
			"user_id", order.UserID.String(),
			"reference", order.ID.String(),
			"action", "complete_order",
		)
		return nil, err
	case errors.Is(err, ErrCouponExhausted):
		slog.Error("coupon exhausted after payment, refund required",
			"user_id", order.UserID.String(),
			"reference", *order.IntentRef,
			"action", "complete_order",
			"error", err,
		)
		return nil, refundRequired(err)
	case err != nil:
		return nil, err
	}
	return s.reload(ctx, order.ID)
}

func (s *OrderService) reload(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, fmt.Errorf("failed to reload order: %w", err)
	}
	return &order, nil
}

// grantPurchases records a completed purchase per item so access checks see
// the order's entitlements. Items the user already owns are left alone.
func (s *OrderService) grantPurchases(tx *gorm.DB, order *models.Order, itemIDs []uuid.UUID, now time.Time) error {
	var items []models.Item
	if err := tx.Where("id IN ?", itemIDs).Find(&items).Error; err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}

	for _, item := range items {
		discount := item.Price.Mul(order.DiscountPercent).Div(hundred).Round(2)
		grant := &models.Purchase{
			UserID:         order.UserID,
			ItemID:         item.ID,
			Status:         models.PurchaseCompleted,
			OriginalPrice:  item.Price,
			DiscountAmount: discount,
			FinalPrice:     item.Price.Sub(discount),
			Currency:       order.Currency,
			OrderID:        &order.ID,
			CompletedAt:    &now,
		}

		existing, err := findUserPurchase(tx, order.UserID, item.ID)
		if err != nil {
			return err
		}
		if existing != nil && existing.Status == models.PurchaseCompleted {
			continue
		}
		if existing == nil {
			if err := tx.Create(grant).Error; err != nil {
				return fmt.Errorf("failed to grant purchase: %w", err)
			}
			continue
		}
		if err := tx.Model(&models.Purchase{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"status":          models.PurchaseCompleted,
				"original_price":  grant.OriginalPrice,
				"discount_amount": grant.DiscountAmount,
				"final_price":     grant.FinalPrice,
				"currency":        grant.Currency,
				"coupon_code":     "",
				"order_id":        order.ID,
				"completed_at":    now,
			}).Error; err != nil {
			return fmt.Errorf("failed to grant purchase: %w", err)
		}
	}
	return nil
}

// Cancel withdraws an order that has not been paid yet. Cancelling a
// cancelled order returns it unchanged.
func (s *OrderService) Cancel(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.Get(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case models.OrderCancelled:
		return order, nil
	case models.OrderCompleted:
		return nil, ErrOrderCompleted
	case models.OrderFailed:
		return nil, ErrOrderNotCancellable
	}

	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status IN ?", order.ID, cancellableOrder).
		Updates(map[string]interface{}{
			"status":       models.OrderCancelled,
			"cancelled_at": s.now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", res.Error)
	}

	order, err = s.Get(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 && order.Status == models.OrderCompleted {
		return nil, ErrOrderCompleted
	}
	return order, nil
}

func (s *OrderService) Get(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", orderID, userID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return &order, nil
}

func (s *OrderService) GetByIntent(ctx context.Context, intentRef string) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Where("intent_ref = ?", intentRef).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return &order, nil
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
