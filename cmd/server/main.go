package main

import (
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryfiber "github.com/getsentry/sentry-go/fiber"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/config"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/database"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/gateway"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/handlers"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/logging"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/routes"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/services"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
)

func main() {
	cfg := config.Load()

	// Structured logging (JSON to stdout)
	stdout := logging.Setup(cfg.AppEnv)

	if missing := cfg.Missing(); len(missing) > 0 {
		slog.Error("required environment variables are not set", "missing", strings.Join(missing, ","))
		os.Exit(1)
	}

	// Database
	if err := database.Connect(cfg); err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	if err := database.Migrate(database.DB); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}

	// PostgreSQL log handler (ERROR+ async batch)
	pgLogHandler := logging.NewPGHandler(database.DB)
	slog.SetDefault(slog.New(logging.NewMultiHandler(stdout, pgLogHandler)))

	cleanupDone := make(chan struct{})
	logging.StartCleanup(database.DB, cfg.LogRetentionDays, cleanupDone)

	// Payment processor
	stripeGateway := gateway.NewStripe(gateway.StripeConfig{
		SecretKey:       cfg.StripeSecretKey,
		WebhookSecret:   cfg.StripeWebhookSecret,
		Timeout:         cfg.GatewayTimeout,
		BreakerFailures: cfg.GatewayBreakerFailures,
		BreakerTimeout:  cfg.GatewayBreakerTimeout,
	})

	// Services
	catalogService := services.NewCatalogService(database.DB, cfg.DefaultCurrency)
	couponService := services.NewCouponService(database.DB)
	customerService := services.NewCustomerService(database.DB, stripeGateway)
	enrollmentService := services.NewEnrollmentService(database.DB)
	purchaseService := services.NewPurchaseService(database.DB, stripeGateway, catalogService, couponService, customerService, enrollmentService)
	subscriptionService := services.NewSubscriptionService(database.DB, stripeGateway, catalogService, couponService, customerService)
	orderService := services.NewOrderService(database.DB, stripeGateway, catalogService, couponService, customerService, enrollmentService)
	webhookService := services.NewWebhookService(database.DB, stripeGateway, subscriptionService, purchaseService, orderService)
	accessService := services.NewAccessService(database.DB)

	// Handlers
	healthHandler := handlers.NewHealthHandler(database.DB)
	billingHandler := handlers.NewBillingHandler(accessService, purchaseService, subscriptionService, orderService, couponService, catalogService)
	adminHandler := handlers.NewAdminHandler(couponService, catalogService)
	webhookHandler := handlers.NewWebhookHandler(webhookService)

	// Sentry error tracking
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      cfg.AppEnv,
		}); err != nil {
			slog.Error("sentry init failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit:    1 * 1024 * 1024,
		ErrorHandler: customErrorHandler,
	})

	app.Use(sentryfiber.New(sentryfiber.Options{
		Repanic:         true,
		WaitForDelivery: false,
	}))

	// Global middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path}\n",
	}))
	app.Use(middleware.CORS(cfg))
	app.Use(func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-XSS-Protection", "1; mode=block")
		return c.Next()
	})

	routes.Setup(app, cfg, healthHandler, billingHandler, adminHandler, webhookHandler)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "port", cfg.Port, "env", cfg.AppEnv)
		if err := app.Listen(":" + cfg.Port); err != nil {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	slog.Info("shutting down server...")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	close(cleanupDone)
	pgLogHandler.Stop()
	sentry.Flush(2 * time.Second)

	if sqlDB, err := database.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			slog.Error("database close error", "error", err)
		}
	}

	slog.Info("server stopped")
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	// Only expose error details for client errors (4xx), not server errors (5xx)
	if code >= 500 {
		slog.Error("unhandled server error", "method", c.Method(), "path", c.Path(), "error", err.Error())
		message = "Internal server error"
	}

	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": message,
	})
}
