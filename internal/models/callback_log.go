package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// CallbackLog keeps every callback the gateways deliver, accepted or not, in
// its original byte form. Delivery is at-least-once so the same gateway
// transaction may appear here more than once.
type CallbackLog struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	PaymentMethod PaymentMethod   `gorm:"type:varchar(50);not null" json:"payment_method"`
	OrderCode     string          `gorm:"type:varchar(64);index" json:"order_code"`
	Payload       json.RawMessage `gorm:"type:jsonb" json:"payload"`
	Outcome       string          `gorm:"type:varchar(50)" json:"outcome"`
	Detail        string          `gorm:"type:text" json:"detail,omitempty"`
}
