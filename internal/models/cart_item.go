package models

import (
	"time"

	"gorm.io/gorm"
)

// CartItem is the checkout-time snapshot of a course the student intends to
// buy. PriceAtAdd is the price agreed when the item entered the cart, which is
// what the payment charges even if the live course price moved since.
type CartItem struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	StudentID     uint    `gorm:"uniqueIndex:idx_cart_student_course;not null" json:"student_id"`
	CourseID      uint    `gorm:"uniqueIndex:idx_cart_student_course;not null" json:"course_id"`
	PriceAtAdd    float64 `gorm:"type:decimal(15,2)" json:"price_at_add"`
	OriginalPrice float64 `gorm:"type:decimal(15,2)" json:"original_price"`
	Currency      string  `gorm:"type:varchar(10)" json:"currency"`
}
