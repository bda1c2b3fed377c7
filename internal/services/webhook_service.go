package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/gateway"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WebhookService verifies processor events and routes them to the ledger
// that owns the referenced row.
type WebhookService struct {
	db            *gorm.DB
	gateway       gateway.Gateway
	subscriptions *SubscriptionService
	purchases     *PurchaseService
	orders        *OrderService
	now           func() time.Time
}

func NewWebhookService(db *gorm.DB, gw gateway.Gateway, subscriptions *SubscriptionService, purchases *PurchaseService, orders *OrderService) *WebhookService {
	return &WebhookService{
		db:            db,
		gateway:       gw,
		subscriptions: subscriptions,
		purchases:     purchases,
		orders:        orders,
		now:           time.Now,
	}
}

// Handle verifies and applies one delivery. It fails only when the signature
// is invalid or the event could not be stored or applied because of a
// storage fault; in both cases the processor should deliver it again.
// Events that are unknown, already applied or that name no local row are
// acknowledged.
func (s *WebhookService) Handle(ctx context.Context, rawBody []byte, signature string) error {
	evt, err := s.gateway.VerifyEvent(rawBody, signature)
	if err != nil {
		slog.Warn("webhook rejected", "action", "verify_webhook", "error", err)
		return err
	}
	meta := evt.Envelope()

	if err := s.record(ctx, meta); err != nil {
		return err
	}

	applyErr := s.dispatch(ctx, evt)
	s.finish(ctx, meta, applyErr)
	if applyErr == nil {
		return nil
	}

	// The ledger logged it at error level and the audit row keeps it for an operator.
	if errors.Is(applyErr, ErrRefundRequired) {
		return nil
	}
	switch KindOf(applyErr) {
	case KindNotFound, KindConflict, KindValidation:
		slog.Warn("webhook event not applied",
			"event_type", meta.Type,
			"reference", meta.ID,
			"action", "apply_webhook",
			"error", applyErr,
		)
		return nil
	}
	slog.Error("webhook event failed",
		"event_type", meta.Type,
		"reference", meta.ID,
		"action", "apply_webhook",
		"error", applyErr,
	)
	return applyErr
}

// dispatch hands evt to its owning ledger.
func (s *WebhookService) dispatch(ctx context.Context, evt gateway.Event) error {
	switch e := evt.(type) {
	case gateway.RenewalSucceeded, gateway.RenewalFailed, gateway.SubscriptionUpdated, gateway.SubscriptionDeleted:
		return s.subscriptions.ApplyEvent(ctx, e)
	case gateway.PaymentSucceeded:
		return s.applyPayment(ctx, e)
	case gateway.Unknown:
		slog.Info("webhook event ignored", "event_type", e.Type, "reference", e.ID)
		return nil
	default:
		slog.Warn("webhook event has no handler", "event_type", evt.Envelope().Type)
		return nil
	}
}

// applyPayment completes whichever purchase or order owns the intent.
func (s *WebhookService) applyPayment(ctx context.Context, e gateway.PaymentSucceeded) error {
	_, err := s.purchases.ApplyPaymentSucceeded(ctx, e.IntentRef)
	if !errors.Is(err, ErrPurchaseNotFound) {
		return err
	}
	_, err = s.orders.ApplyPaymentSucceeded(ctx, e.IntentRef)
	return err
}

func (s *WebhookService) record(ctx context.Context, meta gateway.Meta) error {
	if meta.ID == "" {
		return nil
	}
	row := models.WebhookEvent{
		ProviderEventID: meta.ID,
		EventType:       meta.Type,
		Payload:         datatypes.JSON(meta.Payload),
		Deliveries:      1,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "provider_event_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"deliveries": gorm.Expr("webhook_events.deliveries + 1"),
			"updated_at": s.now(),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

func (s *WebhookService) finish(ctx context.Context, meta gateway.Meta, applyErr error) {
	if meta.ID == "" {
		return
	}
	processingError := ""
	if applyErr != nil {
		processingError = applyErr.Error()
	}
	if err := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("provider_event_id = ?", meta.ID).
		Updates(map[string]interface{}{
			"processed_at":     s.now(),
			"processing_error": processingError,
		}).Error; err != nil {
		slog.Error("failed to mark webhook event processed", "reference", meta.ID, "error", err)
	}
}
