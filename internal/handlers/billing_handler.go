package handlers

import (
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/dto"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/gateway"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type BillingHandler struct {
	accessService       *services.AccessService
	purchaseService     *services.PurchaseService
	subscriptionService *services.SubscriptionService
	orderService        *services.OrderService
	couponService       *services.CouponService
	catalogService      *services.CatalogService
}

func NewBillingHandler(
	accessService *services.AccessService,
	purchaseService *services.PurchaseService,
	subscriptionService *services.SubscriptionService,
	orderService *services.OrderService,
	couponService *services.CouponService,
	catalogService *services.CatalogService,
) *BillingHandler {
	return &BillingHandler{
		accessService:       accessService,
		purchaseService:     purchaseService,
		subscriptionService: subscriptionService,
		orderService:        orderService,
		couponService:       couponService,
		catalogService:      catalogService,
	}
}

func customer(caller middleware.Identity) gateway.Customer {
	return gateway.Customer{UserID: caller.UserID, Email: caller.Email}
}

func (h *BillingHandler) CheckAccess(c *fiber.Ctx) error {
	caller, err := middleware.Caller(c)
	if err != nil {
		return unauthorized(c)
	}
	itemID, err := uuid.Parse(c.Params("item_id"))
	if err != nil {
		return badRequest(c, "Invalid item ID")
	}

	decision, err := h.accessService.Resolve(c.UserContext(), caller.UserID, itemID)
	if err != nil {
		return serviceError(c, err, "Failed to check access")
	}

	resp := dto.AccessResponse{
		HasAccess: decision.HasAccess,
		Reason:    string(decision.Reason),
		ExpiresAt: decision.ExpiresAt,
	}
	if decision.Subscription != nil {
		resp.SubscriptionID = &decision.Subscription.ID
	}
	if decision.Purchase != nil {
		resp.PurchaseID = &decision.Purchase.ID
	}
	return c.JSON(resp)
}

func (h *BillingHandler) OpenPurchase(c *fiber.Ctx) error {
	caller, err := middleware.Caller(c)
	if err != nil {
		return unauthorized(c)
	}

	var req dto.OpenPurchaseRequest
	if err := c.BodyParser(&req); err != nil || req.ItemID == uuid.Nil {
		return badRequest(c, "Invalid request body")
	}

	purchase, secret, err := h.purchaseService.OpenIntent(c.UserContext(), customer(caller), req.ItemID, req.CouponCode)
	if err != nil {
		return serviceError(c, err, "Failed to start purchase")
	}
	return c.Status(fiber.StatusCreated).JSON(dto.IntentResponse{ClientSecret: secret, Record: purchase})
}

func (h *BillingHandler) ConfirmPurchase(c *fiber.Ctx) error {
	caller, err := middleware.Caller(c)
	if err != nil {
		return unauthorized(c)
	}

	var req dto.ConfirmIntentRequest
	if err := c.BodyParser(&req); err != nil || req.PaymentIntentID == "" {
		return badRequest(c, "payment_intent_id is required")
	}

	owned, err := h.purchaseService.GetByIntent(c.UserContext(), req.PaymentIntentID)
	if err == nil && owned.UserID != caller.UserID {
		err = services.ErrPurchaseNotFound
	}
	if err != nil {
		return serviceError(c, err, "Failed to confirm purchase")
	}

	purchase, err := h.purchaseService.Confirm(c.UserContext(), req.PaymentIntentID)
	if err != nil {
		return serviceError(c, err, "Failed to confirm purchase")
	}
	return c.JSON(purchase)
}

func (h *BillingHandler) ListPurchases(c *fiber.Ctx) error {
	caller, err := middleware.Caller(c)
	if err != nil {
		return unauthorized(c)
	}
	purchases, err := h.purchaseService.ListForUser(c.UserContext(), caller.UserID)
	if err != nil {
		return serviceError(c, err, "Failed to list purchases")
	}
	return c.JSON(fiber.Map{"purchases": purchases})
}

func (h *BillingHandler) OpenSubscription(c *fiber.Ctx) error {
	caller, err := middleware.Caller(c)
	if err != nil {
		return unauthorized(c)
	}

	var req dto.OpenSubscriptionRequest
	if err := c.BodyParser(&req); err != nil || req.PlanID == uuid.Nil {
		return badRequest(c, "Invalid request body")
	}

	sub, secret, err := h.subscriptionService.Open(c.UserContext(), services.OpenSubscriptionInput{
		User:             customer(caller),
		PlanID:           req.PlanID,
		PaymentMethodRef: req.PaymentMethodID,
		CouponCode:       req.CouponCode,
	})
	if err != nil {
		return serviceError(c, err, "Failed to start subscription")
	}
	return c.Status(fiber.StatusCreated).JSON(dto.IntentResponse{ClientSecret: secret, Record: sub})
}

func (h *BillingHandler) ListSubscriptions(c *fiber.Ctx) error {
	caller, err := middleware.Caller(c)
	if err != nil {
		return unauthorized(c)
	}
	subs, err := h.subscriptionService.ListForUser(c.UserContext(), caller.UserID)
	if err != nil {
		return serviceError(c, err, "Failed to list subscriptions")
	}
	return c.JSON(fiber.Map{"subscriptions": subs})
}

func (h *BillingHandler) CancelSubscription(c *fiber.Ctx) error {
	caller, err := middleware.Caller(c)
	if err != nil {
		return unauthorized(c)
	}
	subID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "Invalid subscription ID")
	}

	var req dto.CancelSubscriptionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
	}

	sub, err := h.subscriptionService.Cancel(c.UserContext(), caller.UserID, subID, req.Immediately)
	if err != nil {
		return serviceError(c, err, "Failed to cancel subscription")
	}
	return c.JSON(sub)
}

func (h *BillingHandler) CreateOrder(c *fiber.Ctx) error {
	caller, err := middleware.Caller(c)
	if err != nil {
		return unauthorized(c)
	}

	var req dto.CreateOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	order, secret, err := h.orderService.Create(c.UserContext(), services.CreateOrderInput{
		User:        customer(caller),
		ItemIDs:     req.ItemIDs,
		CouponCode:  req.CouponCode,
		TotalAmount: req.TotalAmount,
	})
	if err != nil {
		return serviceError(c, err, "Failed to create order")
	}
	return c.Status(fiber.StatusCreated).JSON(dto.IntentResponse{ClientSecret: secret, Record: order})
}

func (h *BillingHandler) ConfirmOrder(c *fiber.Ctx) error {
	caller, err := middleware.Caller(c)
	if err != nil {
		return unauthorized(c)
	}

	var req dto.ConfirmIntentRequest
	if err := c.BodyParser(&req); err != nil || req.PaymentIntentID == "" {
		return badRequest(c, "payment_intent_id is required")
	}

	owned, err := h.orderService.GetByIntent(c.UserContext(), req.PaymentIntentID)
	if err == nil && owned.UserID != caller.UserID {
		err = services.ErrOrderNotFound
	}
	if err != nil {
		return serviceError(c, err, "Failed to confirm order")
	}

	order, err := h.orderService.Confirm(c.UserContext(), req.PaymentIntentID)
	if err != nil {
		return serviceError(c, err, "Failed to confirm order")
	}
	return c.JSON(order)
}

func (h *BillingHandler) GetOrder(c *fiber.Ctx) error {
	caller, err := middleware.Caller(c)
	if err != nil {
		return unauthorized(c)
	}
	orderID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "Invalid order ID")
	}

	order, err := h.orderService.Get(c.UserContext(), caller.UserID, orderID)
	if err != nil {
		return serviceError(c, err, "Failed to load order")
	}
	return c.JSON(order)
}

func (h *BillingHandler) CancelOrder(c *fiber.Ctx) error {
	caller, err := middleware.Caller(c)
	if err != nil {
		return unauthorized(c)
	}
	orderID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "Invalid order ID")
	}

	order, err := h.orderService.Cancel(c.UserContext(), caller.UserID, orderID)
	if err != nil {
		return serviceError(c, err, "Failed to cancel order")
	}
	return c.JSON(order)
}

// ValidateCoupon quotes a code against a plan or a set of items without
// redeeming it.
func (h *BillingHandler) ValidateCoupon(c *fiber.Ctx) error {
	caller, err := middleware.Caller(c)
	if err != nil {
		return unauthorized(c)
	}

	var req dto.ValidateCouponRequest
	if err := c.BodyParser(&req); err != nil || req.Code == "" {
		return badRequest(c, "code is required")
	}

	ac, err := h.amountContext(c, &req)
	if err != nil {
		return serviceError(c, err, "Failed to validate coupon")
	}

	coupon, discount, err := h.couponService.Quote(c.UserContext(), req.Code, caller.UserID, ac)
	if err != nil {
		return serviceError(c, err, "Failed to validate coupon")
	}
	return c.JSON(dto.CouponQuoteResponse{
		Code:       coupon.Code,
		Amount:     ac.Amount,
		Discount:   discount,
		FinalPrice: ac.Amount.Sub(discount),
	})
}

func (h *BillingHandler) amountContext(c *fiber.Ctx, req *dto.ValidateCouponRequest) (services.AmountContext, error) {
	if req.PlanID != nil {
		plan, err := h.catalogService.GetPlan(c.UserContext(), *req.PlanID)
		if err != nil {
			return services.AmountContext{}, err
		}
		return services.AmountContext{Amount: plan.Amount, Target: services.TargetSubscription}, nil
	}

	if len(req.ItemIDs) == 0 {
		return services.AmountContext{}, services.ErrNoItems
	}
	items, err := h.catalogService.GetItems(c.UserContext(), req.ItemIDs)
	if err != nil {
		return services.AmountContext{}, err
	}
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Price)
	}
	target := services.TargetOrder
	if len(items) == 1 {
		target = services.TargetItem
	}
	return services.AmountContext{Amount: total, Target: target, ItemIDs: req.ItemIDs}, nil
}
