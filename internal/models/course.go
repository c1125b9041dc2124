package models

import (
	"time"

	"gorm.io/gorm"
)

// Course is the minimal slice of the course record this service reads when
// snapshotting a purchase. Course management itself lives in another service.
type Course struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Title     string  `gorm:"type:varchar(255);not null" json:"title"`
	Thumbnail string  `gorm:"type:varchar(512)" json:"thumbnail"`
	Price     float64 `gorm:"type:decimal(15,2)" json:"price"`
	Currency  string  `gorm:"type:varchar(10)" json:"currency"`
}
