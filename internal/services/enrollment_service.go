package services

import (
	"context"
	"fmt"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EnrollmentService struct {
	db *gorm.DB
}

func NewEnrollmentService(db *gorm.DB) *EnrollmentService {
	return &EnrollmentService{db: db}
}

// EnsureEnrolled adds the missing (user, item) enrollments inside tx and
// returns how many were added. Existing enrollments are left untouched.
func (s *EnrollmentService) EnsureEnrolled(tx *gorm.DB, userID uuid.UUID, itemIDs []uuid.UUID, source string, sourceRef uuid.UUID) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	existing, err := enrolledItems(tx, userID, itemIDs)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, itemID := range itemIDs {
		if existing[itemID] {
			continue
		}
		row := models.Enrollment{UserID: userID, ItemID: itemID, Source: source, SourceRef: sourceRef}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return added, fmt.Errorf("failed to enroll user in item %s: %w", itemID, res.Error)
		}
		existing[itemID] = true
		added += int(res.RowsAffected)
	}
	return added, nil
}

// EnrolledIn returns the subset of itemIDs the user is already enrolled in.
func (s *EnrollmentService) EnrolledIn(ctx context.Context, userID uuid.UUID, itemIDs []uuid.UUID) ([]uuid.UUID, error) {
	existing, err := enrolledItems(s.db.WithContext(ctx), userID, itemIDs)
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(existing))
	for _, id := range itemIDs {
		if existing[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func enrolledItems(db *gorm.DB, userID uuid.UUID, itemIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	var rows []models.Enrollment
	if err := db.Where("user_id = ? AND item_id IN ?", userID, itemIDs).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load enrollments: %w", err)
	}
	set := make(map[uuid.UUID]bool, len(rows))
	for _, row := range rows {
		set[row.ItemID] = true
	}
	return set, nil
}
