package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/dto"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type CouponTarget int

const (
	TargetItem CouponTarget = iota
	TargetOrder
	TargetSubscription
)

// AmountContext describes what a coupon is being applied to.
type AmountContext struct {
	Amount  decimal.Decimal
	Target  CouponTarget
	ItemIDs []uuid.UUID
}

var hundred = decimal.NewFromInt(100)

// CouponService validates and prices discount codes. Redemption bookkeeping is
// done by the ledgers through Redeem, inside their completion transaction.
type CouponService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewCouponService(db *gorm.DB) *CouponService {
	return &CouponService{db: db, now: time.Now}
}

// NormalizeCode canonicalises user-entered codes.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (s *CouponService) Get(ctx context.Context, code string) (*models.Coupon, error) {
	return findCoupon(s.db.WithContext(ctx), NormalizeCode(code))
}

func findCoupon(db *gorm.DB, code string) (*models.Coupon, error) {
	var coupon models.Coupon
	err := db.Where("code = ?", code).First(&coupon).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCouponNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load coupon: %w", err)
	}
	return &coupon, nil
}

// Validate checks every redemption rule for userID against ac and returns the
// coupon, or a *CouponRejectedError naming the first rule that failed.
func (s *CouponService) Validate(ctx context.Context, code string, userID uuid.UUID, ac AmountContext) (*models.Coupon, error) {
	db := s.db.WithContext(ctx)
	coupon, err := findCoupon(db, NormalizeCode(code))
	if err != nil {
		return nil, err
	}

	now := s.now()
	switch {
	case !coupon.Active:
		return nil, rejectCoupon(coupon.Code, CouponInactive)
	case coupon.ValidFrom != nil && now.Before(*coupon.ValidFrom):
		return nil, rejectCoupon(coupon.Code, CouponNotYetValid)
	case coupon.ValidUntil != nil && !now.Before(*coupon.ValidUntil):
		return nil, rejectCoupon(coupon.Code, CouponExpired)
	case coupon.UsageLimit != nil && coupon.UsageCount >= *coupon.UsageLimit:
		return nil, rejectCoupon(coupon.Code, CouponUsageExhausted)
	case !applicable(coupon, ac):
		return nil, rejectCoupon(coupon.Code, CouponNotApplicable)
	case coupon.MinimumAmount != nil && ac.Amount.LessThan(*coupon.MinimumAmount):
		return nil, rejectCoupon(coupon.Code, CouponBelowMinimum)
	}

	if coupon.PerUserLimit != nil {
		used, err := userRedemptions(db, userID, coupon.Code)
		if err != nil {
			return nil, err
		}
		if used >= int64(*coupon.PerUserLimit) {
			return nil, rejectCoupon(coupon.Code, CouponPerUserExhausted)
		}
	}

	if coupon.FirstPurchaseOnly {
		var completed int64
		if err := db.Model(&models.Purchase{}).
			Where("user_id = ? AND status = ?", userID, models.PurchaseCompleted).
			Count(&completed).Error; err != nil {
			return nil, fmt.Errorf("failed to count purchases: %w", err)
		}
		if completed > 0 {
			return nil, rejectCoupon(coupon.Code, CouponFirstPurchaseOnly)
		}
	}

	return coupon, nil
}

func applicable(c *models.Coupon, ac AmountContext) bool {
	switch c.Scope {
	case models.ScopeAllItems:
		return true
	case models.ScopeSubscriptionsOnly:
		return ac.Target == TargetSubscription
	case models.ScopeSpecificItems:
		if ac.Target == TargetSubscription || len(ac.ItemIDs) == 0 {
			return false
		}
		for _, id := range ac.ItemIDs {
			if !c.AppliesToItem(id) {
				return false
			}
		}
		return true
	}
	return false
}

// userRedemptions counts the completed purchases, orders and subscriptions
// that used code for userID. Order-granted purchases are counted via their order.
func userRedemptions(db *gorm.DB, userID uuid.UUID, code string) (int64, error) {
	var purchases, orders, subs int64
	if err := db.Model(&models.Purchase{}).
		Where("user_id = ? AND coupon_code = ? AND status = ? AND order_id IS NULL", userID, code, models.PurchaseCompleted).
		Count(&purchases).Error; err != nil {
		return 0, fmt.Errorf("failed to count coupon purchases: %w", err)
	}
	if err := db.Model(&models.Order{}).
		Where("user_id = ? AND coupon_code = ? AND status = ?", userID, code, models.OrderCompleted).
		Count(&orders).Error; err != nil {
		return 0, fmt.Errorf("failed to count coupon orders: %w", err)
	}
	if err := db.Model(&models.Subscription{}).
		Where("user_id = ? AND coupon_code = ? AND coupon_redeemed = ?", userID, code, true).
		Count(&subs).Error; err != nil {
		return 0, fmt.Errorf("failed to count coupon subscriptions: %w", err)
	}
	return purchases + orders + subs, nil
}

// PriceWith returns the discount coupon grants on amount. The discount is
// capped by MaximumDiscount and never exceeds amount.
func PriceWith(coupon *models.Coupon, amount decimal.Decimal) decimal.Decimal {
	if coupon == nil || !amount.IsPositive() {
		return decimal.Zero
	}

	var discount decimal.Decimal
	switch coupon.DiscountType {
	case models.DiscountPercentage:
		discount = amount.Mul(coupon.Value).Div(hundred)
	case models.DiscountFixedAmount:
		discount = coupon.Value
	}

	if coupon.MaximumDiscount != nil && discount.GreaterThan(*coupon.MaximumDiscount) {
		discount = *coupon.MaximumDiscount
	}
	if discount.GreaterThan(amount) {
		discount = amount
	}
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	return discount.Round(2)
}

// Redeem consumes one use of code inside tx. The limit check and the increment
// are one statement, so concurrent redemptions of the last use cannot both win.
func (s *CouponService) Redeem(tx *gorm.DB, code string, discount decimal.Decimal) error {
	res := tx.Model(&models.Coupon{}).
		Where("code = ? AND (usage_limit IS NULL OR usage_count < usage_limit)", code).
		Updates(map[string]interface{}{
			"usage_count":      gorm.Expr("usage_count + 1"),
			"total_discounted": gorm.Expr("total_discounted + ?", discount),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to redeem coupon: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCouponExhausted
	}
	return nil
}

func (s *CouponService) Create(ctx context.Context, req *dto.CreateCouponRequest) (*models.Coupon, error) {
	code := NormalizeCode(req.Code)
	discountType := models.DiscountType(req.DiscountType)
	scope := models.CouponScope(req.Scope)
	if scope == "" {
		scope = models.ScopeAllItems
	}

	switch {
	case code == "":
		return nil, fmt.Errorf("%w: code is required", ErrInvalidInput)
	case discountType != models.DiscountPercentage && discountType != models.DiscountFixedAmount:
		return nil, fmt.Errorf("%w: discount_type must be percentage or fixed_amount", ErrInvalidInput)
	case !req.Value.IsPositive():
		return nil, fmt.Errorf("%w: value must be positive", ErrInvalidInput)
	case discountType == models.DiscountPercentage && req.Value.GreaterThan(hundred):
		return nil, fmt.Errorf("%w: percentage cannot exceed 100", ErrInvalidInput)
	case scope != models.ScopeAllItems && scope != models.ScopeSpecificItems && scope != models.ScopeSubscriptionsOnly:
		return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidInput, req.Scope)
	case scope == models.ScopeSpecificItems && len(req.ApplicableItemIDs) == 0:
		return nil, fmt.Errorf("%w: specific_items coupons need applicable_item_ids", ErrInvalidInput)
	case req.UsageLimit != nil && *req.UsageLimit < 1,
		req.PerUserLimit != nil && *req.PerUserLimit < 1:
		return nil, fmt.Errorf("%w: limits must be at least 1", ErrInvalidInput)
	case req.ValidFrom != nil && req.ValidUntil != nil && !req.ValidUntil.After(*req.ValidFrom):
		return nil, fmt.Errorf("%w: valid_until must be after valid_from", ErrInvalidInput)
	}

	itemIDs := make([]string, 0, len(req.ApplicableItemIDs))
	for _, id := range req.ApplicableItemIDs {
		itemIDs = append(itemIDs, id.String())
	}

	coupon := models.Coupon{
		Code:              code,
		DiscountType:      discountType,
		Value:             req.Value,
		Scope:             scope,
		ApplicableItemIDs: itemIDs,
		MinimumAmount:     req.MinimumAmount,
		MaximumDiscount:   req.MaximumDiscount,
		UsageLimit:        req.UsageLimit,
		PerUserLimit:      req.PerUserLimit,
		ValidFrom:         req.ValidFrom,
		ValidUntil:        req.ValidUntil,
		Active:            true,
		FirstPurchaseOnly: req.FirstPurchaseOnly,
	}
	if err := s.db.WithContext(ctx).Create(&coupon).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrCouponExists
		}
		return nil, fmt.Errorf("failed to create coupon: %w", err)
	}
	return &coupon, nil
}

func (s *CouponService) Deactivate(ctx context.Context, code string) error {
	res := s.db.WithContext(ctx).Model(&models.Coupon{}).
		Where("code = ?", NormalizeCode(code)).
		Update("active", false)
	if res.Error != nil {
		return fmt.Errorf("failed to deactivate coupon: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCouponNotFound
	}
	return nil
}

// Quote validates code for userID and prices it against ac.Amount.
func (s *CouponService) Quote(ctx context.Context, code string, userID uuid.UUID, ac AmountContext) (*models.Coupon, decimal.Decimal, error) {
	coupon, err := s.Validate(ctx, code, userID, ac)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return coupon, PriceWith(coupon, ac.Amount), nil
}
