package handlers

import (
	"errors"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/dto"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/gateway"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/services"
	"github.com/gofiber/fiber/v2"
)

type WebhookHandler struct {
	webhookService *services.WebhookService
}

func NewWebhookHandler(webhookService *services.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhookService: webhookService}
}

// HandleStripe verifies the Stripe-Signature header and applies the event.
// Only a bad signature or a storage failure is answered with an error status.
func (h *WebhookHandler) HandleStripe(c *fiber.Ctx) error {
	signature := c.Get("Stripe-Signature")
	if signature == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: true, Message: "Missing signature",
		})
	}

	payload := append([]byte(nil), c.Body()...)
	if err := h.webhookService.Handle(c.UserContext(), payload, signature); err != nil {
		if errors.Is(err, gateway.ErrSignatureInvalid) {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
				Error: true, Message: "Invalid signature",
			})
		}
		capture(c, err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error: true, Message: "Failed to process webhook event",
		})
	}

	return c.JSON(fiber.Map{"received": true})
}
