package handlers

import (
	"errors"
	"log/slog"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/dto"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/services"
	sentryfiber "github.com/getsentry/sentry-go/fiber"
	"github.com/gofiber/fiber/v2"
)

var kindResponses = map[services.Kind]struct {
	status int
	code   string
}{
	services.KindValidation: {fiber.StatusBadRequest, "invalid_request"},
	services.KindNotFound:   {fiber.StatusNotFound, "not_found"},
	services.KindConflict:   {fiber.StatusConflict, "conflict"},
	services.KindUpstream:   {fiber.StatusServiceUnavailable, "gateway_unavailable"},
	services.KindInternal:   {fiber.StatusInternalServerError, "internal_error"},
}

// serviceError writes the response for a service failure. Upstream and
// internal failures are reported to Sentry and never expose their cause.
func serviceError(c *fiber.Ctx, err error, fallback string) error {
	kind := services.KindOf(err)
	resp := kindResponses[kind]
	message := err.Error()
	code := resp.code

	switch kind {
	case services.KindUpstream:
		message = services.ErrGatewayUnavailable.Error()
		capture(c, err)
	case services.KindInternal:
		message = fallback
		slog.Error(fallback,
			"request_id", requestID(c),
			"action", c.Method()+" "+c.Route().Path,
			"error", err,
		)
		capture(c, err)
	}

	var rejected *services.CouponRejectedError
	if errors.As(err, &rejected) {
		code = string(rejected.Reason)
	}

	return c.Status(resp.status).JSON(dto.ErrorResponse{
		Error: true, Message: message, Code: code,
	})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
		Error: true, Message: message,
	})
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{
		Error: true, Message: "Unauthorized",
	})
}

func capture(c *fiber.Ctx, err error) {
	if hub := sentryfiber.GetHubFromContext(c); hub != nil {
		hub.CaptureException(err)
	}
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok {
		return id
	}
	return ""
}
