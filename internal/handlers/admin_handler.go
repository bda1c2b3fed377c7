package handlers

import (
	"errors"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/dto"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// AdminHandler manages coupons and the priced catalog.
type AdminHandler struct {
	couponService  *services.CouponService
	catalogService *services.CatalogService
}

func NewAdminHandler(couponService *services.CouponService, catalogService *services.CatalogService) *AdminHandler {
	return &AdminHandler{couponService: couponService, catalogService: catalogService}
}

func (h *AdminHandler) CreateCoupon(c *fiber.Ctx) error {
	var req dto.CreateCouponRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	coupon, err := h.couponService.Create(c.UserContext(), &req)
	if err != nil {
		return serviceError(c, err, "Failed to create coupon")
	}
	return c.Status(fiber.StatusCreated).JSON(coupon)
}

func (h *AdminHandler) GetCoupon(c *fiber.Ctx) error {
	coupon, err := h.couponService.Get(c.UserContext(), c.Params("code"))
	if err != nil {
		if errors.Is(err, services.ErrCouponNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
				Error: true, Message: err.Error(),
			})
		}
		return serviceError(c, err, "Failed to load coupon")
	}
	return c.JSON(coupon)
}

func (h *AdminHandler) DeactivateCoupon(c *fiber.Ctx) error {
	if err := h.couponService.Deactivate(c.UserContext(), c.Params("code")); err != nil {
		if errors.Is(err, services.ErrCouponNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
				Error: true, Message: err.Error(),
			})
		}
		return serviceError(c, err, "Failed to deactivate coupon")
	}
	return c.JSON(fiber.Map{"message": "Coupon deactivated"})
}

func (h *AdminHandler) UpsertItem(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "Invalid item ID")
	}
	var req dto.UpsertItemRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	item, err := h.catalogService.UpsertItem(c.UserContext(), id, &req)
	if err != nil {
		return serviceError(c, err, "Failed to save item")
	}
	return c.JSON(item)
}

func (h *AdminHandler) UpsertPlan(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "Invalid plan ID")
	}
	var req dto.UpsertPlanRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	plan, err := h.catalogService.UpsertPlan(c.UserContext(), id, &req)
	if err != nil {
		return serviceError(c, err, "Failed to save plan")
	}
	return c.JSON(plan)
}
