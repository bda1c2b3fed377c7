package services

import (
	"context"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/database/databasetest"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/dto"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/gateway"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/gateway/gatewaytest"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db  *gorm.DB
	gw  *gatewaytest.Gateway
	now time.Time

	catalog       *CatalogService
	coupons       *CouponService
	customers     *CustomerService
	enrollments   *EnrollmentService
	purchases     *PurchaseService
	subscriptions *SubscriptionService
	orders        *OrderService
	webhooks      *WebhookService
	access        *AccessService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, databasetest.New(t))
}

func newFixtureOn(t *testing.T, db *gorm.DB) *fixture {
	t.Helper()

	gw := gatewaytest.New()
	f := &fixture{db: db, gw: gw, now: time.Now().UTC().Truncate(time.Second)}
	clock := func() time.Time { return f.now }

	f.catalog = NewCatalogService(db, "usd")
	f.coupons = NewCouponService(db)
	f.coupons.now = clock
	f.customers = NewCustomerService(db, gw)
	f.enrollments = NewEnrollmentService(db)
	f.purchases = NewPurchaseService(db, gw, f.catalog, f.coupons, f.customers, f.enrollments)
	f.purchases.now = clock
	f.subscriptions = NewSubscriptionService(db, gw, f.catalog, f.coupons, f.customers)
	f.subscriptions.now = clock
	f.orders = NewOrderService(db, gw, f.catalog, f.coupons, f.customers, f.enrollments)
	f.orders.now = clock
	f.webhooks = NewWebhookService(db, gw, f.subscriptions, f.purchases, f.orders)
	f.webhooks.now = clock
	f.access = NewAccessService(db)
	f.access.now = clock
	return f
}

var ctx = context.Background()

func buyer() gateway.Customer {
	id := uuid.New()
	return gateway.Customer{UserID: id, Email: id.String()[:8] + "@example.com"}
}

func (f *fixture) item(t *testing.T, price string) *models.Item {
	t.Helper()
	item, err := f.catalog.UpsertItem(ctx, uuid.New(), &dto.UpsertItemRequest{
		Title: "Course " + price,
		Price: decimal.RequireFromString(price),
	})
	require.NoError(t, err)
	return item
}

func (f *fixture) plan(t *testing.T, amount string) *models.Plan {
	t.Helper()
	plan, err := f.catalog.UpsertPlan(ctx, uuid.New(), &dto.UpsertPlanRequest{
		Name:     "Monthly",
		PriceRef: "price_" + uuid.NewString()[:8],
		Amount:   decimal.RequireFromString(amount),
	})
	require.NoError(t, err)
	return plan
}

func (f *fixture) coupon(t *testing.T, code string, discountType models.DiscountType, value string, opts ...func(*dto.CreateCouponRequest)) *models.Coupon {
	t.Helper()
	req := &dto.CreateCouponRequest{
		Code:         code,
		DiscountType: string(discountType),
		Value:        decimal.RequireFromString(value),
	}
	for _, opt := range opts {
		opt(req)
	}
	coupon, err := f.coupons.Create(ctx, req)
	require.NoError(t, err)
	return coupon
}

func (f *fixture) reloadCoupon(t *testing.T, code string) *models.Coupon {
	t.Helper()
	coupon, err := f.coupons.Get(ctx, code)
	require.NoError(t, err)
	return coupon
}

// completedPurchase inserts a settled purchase without going through a gateway.
func (f *fixture) completedPurchase(t *testing.T, userID, itemID uuid.UUID, couponCode string) *models.Purchase {
	t.Helper()
	now := f.now
	purchase := &models.Purchase{
		UserID:        userID,
		ItemID:        itemID,
		Status:        models.PurchaseCompleted,
		OriginalPrice: decimal.NewFromInt(10),
		FinalPrice:    decimal.NewFromInt(10),
		Currency:      "USD",
		CouponCode:    couponCode,
		CompletedAt:   &now,
	}
	require.NoError(t, f.db.Create(purchase).Error)
	return purchase
}

func limit(n int) func(*dto.CreateCouponRequest) {
	return func(r *dto.CreateCouponRequest) { r.UsageLimit = &n }
}

func scope(s models.CouponScope, items ...uuid.UUID) func(*dto.CreateCouponRequest) {
	return func(r *dto.CreateCouponRequest) {
		r.Scope = string(s)
		r.ApplicableItemIDs = items
	}
}

func assertAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Equal(t, want, got.StringFixed(2))
}
