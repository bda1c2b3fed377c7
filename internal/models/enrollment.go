package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	EnrollmentSourcePurchase = "purchase"
	EnrollmentSourceOrder    = "order"
)

// Enrollment records that a user is a member of an item. Rows are only ever added.
type Enrollment struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_enrollments_user_item" json:"user_id"`
	ItemID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_enrollments_user_item" json:"item_id"`
	Source    string    `gorm:"size:20;not null" json:"source"`
	SourceRef uuid.UUID `gorm:"type:uuid" json:"source_ref"`
	CreatedAt time.Time `json:"created_at"`
}

func (e *Enrollment) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
