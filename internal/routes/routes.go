package routes

import (
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/config"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/handlers"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

func Setup(
	app *fiber.App,
	cfg *config.Config,
	healthHandler *handlers.HealthHandler,
	billingHandler *handlers.BillingHandler,
	adminHandler *handlers.AdminHandler,
	webhookHandler *handlers.WebhookHandler,
) {
	api := app.Group("/api")

	api.Get("/health", healthHandler.Check)

	// Webhooks are authenticated by signature and are not rate limited, so
	// processor retries are never refused.
	webhooks := api.Group("/webhooks")
	webhooks.Post("/stripe", webhookHandler.HandleStripe)

	// Billing API: 60 req/min per IP, JWT required
	billing := api.Group("/billing",
		limiter.New(limiter.Config{
			Max:               60,
			Expiration:        1 * time.Minute,
			LimiterMiddleware: limiter.SlidingWindow{},
			KeyGenerator:      func(c *fiber.Ctx) string { return c.IP() },
		}),
		middleware.JWTProtected(cfg),
	)
	billing.Get("/access/:item_id", billingHandler.CheckAccess)

	// Intent creation reaches the payment processor: stricter limit
	intents := limiter.New(limiter.Config{
		Max:               10,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator:      func(c *fiber.Ctx) string { return c.IP() },
	})

	billing.Post("/purchases", intents, billingHandler.OpenPurchase)
	billing.Post("/purchases/confirm", billingHandler.ConfirmPurchase)
	billing.Get("/purchases", billingHandler.ListPurchases)

	billing.Post("/subscriptions", intents, billingHandler.OpenSubscription)
	billing.Get("/subscriptions", billingHandler.ListSubscriptions)
	billing.Post("/subscriptions/:id/cancel", billingHandler.CancelSubscription)

	billing.Post("/orders", intents, billingHandler.CreateOrder)
	billing.Post("/orders/confirm", billingHandler.ConfirmOrder)
	billing.Get("/orders/:id", billingHandler.GetOrder)
	billing.Post("/orders/:id/cancel", billingHandler.CancelOrder)

	billing.Post("/coupons/validate", billingHandler.ValidateCoupon)

	// Admin (protected + admin required)
	admin := api.Group("/admin", middleware.JWTProtected(cfg), middleware.AdminRequired(cfg))
	admin.Post("/coupons", adminHandler.CreateCoupon)
	admin.Get("/coupons/:code", adminHandler.GetCoupon)
	admin.Post("/coupons/:code/deactivate", adminHandler.DeactivateCoupon)
	admin.Put("/items/:id", adminHandler.UpsertItem)
	admin.Put("/plans/:id", adminHandler.UpsertPlan)
}
