package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/dto"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CatalogService reads the priced items and plans the ledgers sell.
type CatalogService struct {
	db              *gorm.DB
	defaultCurrency string
}

func NewCatalogService(db *gorm.DB, defaultCurrency string) *CatalogService {
	return &CatalogService{db: db, defaultCurrency: strings.ToUpper(defaultCurrency)}
}

func (s *CatalogService) GetItem(ctx context.Context, id uuid.UUID) (*models.Item, error) {
	var item models.Item
	err := s.db.WithContext(ctx).Where("id = ? AND active = ?", id, true).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load item: %w", err)
	}
	return &item, nil
}

// GetItems loads every id or fails with ErrItemNotFound naming the first missing one.
func (s *CatalogService) GetItems(ctx context.Context, ids []uuid.UUID) ([]models.Item, error) {
	var items []models.Item
	if err := s.db.WithContext(ctx).Where("id IN ? AND active = ?", ids, true).Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to load items: %w", err)
	}
	byID := make(map[uuid.UUID]models.Item, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	ordered := make([]models.Item, 0, len(ids))
	for _, id := range ids {
		item, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
		}
		ordered = append(ordered, item)
	}
	return ordered, nil
}

func (s *CatalogService) GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	var plan models.Plan
	err := s.db.WithContext(ctx).Where("id = ? AND active = ?", id, true).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	return &plan, nil
}

func (s *CatalogService) UpsertItem(ctx context.Context, id uuid.UUID, req *dto.UpsertItemRequest) (*models.Item, error) {
	if strings.TrimSpace(req.Title) == "" || req.Price.IsNegative() {
		return nil, fmt.Errorf("%w: title is required and price must not be negative", ErrInvalidInput)
	}
	item := models.Item{
		ID:       id,
		Title:    strings.TrimSpace(req.Title),
		Price:    req.Price.Round(2),
		Currency: s.currency(req.Currency),
		Active:   req.Active == nil || *req.Active,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "price", "currency", "active", "updated_at"}),
	}).Create(&item).Error
	if err != nil {
		return nil, fmt.Errorf("failed to save item: %w", err)
	}
	return &item, nil
}

func (s *CatalogService) UpsertPlan(ctx context.Context, id uuid.UUID, req *dto.UpsertPlanRequest) (*models.Plan, error) {
	if strings.TrimSpace(req.Name) == "" || req.PriceRef == "" || !req.Amount.IsPositive() || req.TrialDays < 0 {
		return nil, fmt.Errorf("%w: name, price_ref and a positive amount are required", ErrInvalidInput)
	}
	interval := req.Interval
	if interval == "" {
		interval = "month"
	}
	plan := models.Plan{
		ID:        id,
		Name:      strings.TrimSpace(req.Name),
		PriceRef:  req.PriceRef,
		Amount:    req.Amount.Round(2),
		Currency:  s.currency(req.Currency),
		Interval:  interval,
		TrialDays: req.TrialDays,
		Active:    req.Active == nil || *req.Active,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "price_ref", "amount", "currency", "interval", "trial_days", "active", "updated_at"}),
	}).Create(&plan).Error
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: price_ref already used by another plan", ErrInvalidInput)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save plan: %w", err)
	}
	return &plan, nil
}

func (s *CatalogService) currency(c string) string {
	if c == "" {
		return s.defaultCurrency
	}
	return strings.ToUpper(c)
}
