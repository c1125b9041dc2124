package models

import (
	"time"

	"gorm.io/gorm"
)

// Coupon is a percentage discount applied to the whole cart at checkout.
type Coupon struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Code       string     `gorm:"type:varchar(50);uniqueIndex;not null" json:"code"`
	PercentOff float64    `gorm:"type:decimal(5,2)" json:"percent_off"`
	IsActive   bool       `gorm:"default:true" json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Usable reports whether the coupon may be applied at time t.
func (c *Coupon) Usable(t time.Time) bool {
	if !c.IsActive {
		return false
	}
	if c.ExpiresAt != nil && t.After(*c.ExpiresAt) {
		return false
	}
	return true
}
