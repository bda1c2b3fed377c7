package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/gateway"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/models"
	"gorm.io/gorm"
)

// CustomerService lazily maps users onto processor customers.
type CustomerService struct {
	db      *gorm.DB
	gateway gateway.Gateway
}

func NewCustomerService(db *gorm.DB, gw gateway.Gateway) *CustomerService {
	return &CustomerService{db: db, gateway: gw}
}

// Ensure returns the user's customer reference, creating it on first use.
func (s *CustomerService) Ensure(ctx context.Context, customer gateway.Customer) (string, error) {
	if ref, err := s.lookup(ctx, customer); err != nil || ref != "" {
		return ref, err
	}

	ref, err := s.gateway.CreateCustomer(ctx, customer)
	if err != nil {
		slog.Error("gateway customer creation failed", "user_id", customer.UserID.String(), "action", "create_customer", "error", err)
		return "", upstream(err)
	}

	row := models.BillingCustomer{UserID: customer.UserID, CustomerRef: ref, Email: customer.Email}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			// Lost a race with a concurrent request; the other customer wins.
			return s.lookup(ctx, customer)
		}
		return "", fmt.Errorf("failed to save billing customer: %w", err)
	}
	return ref, nil
}

func (s *CustomerService) lookup(ctx context.Context, customer gateway.Customer) (string, error) {
	var row models.BillingCustomer
	err := s.db.WithContext(ctx).Where("user_id = ?", customer.UserID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load billing customer: %w", err)
	}
	return row.CustomerRef, nil
}
