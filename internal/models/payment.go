package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

type PaymentMethod string

const (
	PaymentMethodMoMo   PaymentMethod = "momo"
	PaymentMethodStripe PaymentMethod = "stripe"
)

// PaymentMode distinguishes the partner-API flow from the manual
// personal-account transfer fallback. Stripe payments are always "api".
type PaymentMode string

const (
	PaymentModeAPI      PaymentMode = "api"
	PaymentModePersonal PaymentMode = "personal"
)

type PaymentStatus string

const (
	PaymentStatusPending             PaymentStatus = "pending"
	PaymentStatusProcessing          PaymentStatus = "processing"
	PaymentStatusPendingVerification PaymentStatus = "pending_verification"
	PaymentStatusCompleted           PaymentStatus = "completed"
	PaymentStatusFailed              PaymentStatus = "failed"
	PaymentStatusCancelled           PaymentStatus = "cancelled"
	PaymentStatusRefunded            PaymentStatus = "refunded"
)

// IsTerminal reports whether no further transition is possible except
// completed -> refunded.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	}
	return false
}

// Payment is one purchase attempt for one or more courses. The order code is
// the externally visible correlation key and never changes once assigned.
type Payment struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	OrderCode string `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_code"`
	StudentID uint   `gorm:"index;not null" json:"student_id"`

	TotalAmount    float64 `gorm:"type:decimal(15,2)" json:"total_amount"`
	DiscountAmount float64 `gorm:"type:decimal(15,2)" json:"discount_amount"`
	FinalAmount    float64 `gorm:"type:decimal(15,2)" json:"final_amount"`
	Currency       string  `gorm:"type:varchar(10)" json:"currency"`
	CouponCode     string  `gorm:"type:varchar(50)" json:"coupon_code,omitempty"`

	PaymentMethod        PaymentMethod   `gorm:"type:varchar(50);not null" json:"payment_method"`
	PaymentMode          PaymentMode     `gorm:"type:varchar(20);default:'api'" json:"payment_mode"`
	GatewayTransactionID string          `gorm:"type:varchar(255);index" json:"gateway_transaction_id,omitempty"`
	GatewayOrderCode     string          `gorm:"type:varchar(255)" json:"gateway_order_code,omitempty"`
	GatewayAmount        int64           `json:"gateway_amount,omitempty"`
	GatewayCurrency      string          `gorm:"type:varchar(10)" json:"gateway_currency,omitempty"`
	GatewayResponse      json.RawMessage `gorm:"type:jsonb" json:"gateway_response,omitempty"`
	FailureReason        string          `gorm:"type:text" json:"failure_reason,omitempty"`

	Status    PaymentStatus `gorm:"type:varchar(30);index;default:'pending'" json:"status"`
	ExpiredAt time.Time     `json:"expired_at"`
	PaidAt    *time.Time    `json:"paid_at,omitempty"`

	// Manual attestation audit trail, set only on the personal-transfer path.
	AttestedBy string     `gorm:"type:varchar(100)" json:"attested_by,omitempty"`
	AttestedAt *time.Time `json:"attested_at,omitempty"`

	RefundReason string     `gorm:"type:text" json:"refund_reason,omitempty"`
	RefundedAt   *time.Time `json:"refunded_at,omitempty"`

	Items []PaymentItem `gorm:"foreignKey:PaymentID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
}

// Expired reports whether a still-open payment is past its deadline at t.
func (p *Payment) Expired(t time.Time) bool {
	return !p.ExpiredAt.IsZero() && t.After(p.ExpiredAt)
}

// PaymentItem is one course line within a payment. Title and thumbnail are
// snapshots taken at purchase time and intentionally decoupled from the live
// course record.
type PaymentItem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	PaymentID       uint    `gorm:"index;not null" json:"payment_id"`
	CourseID        uint    `gorm:"index;not null" json:"course_id"`
	Price           float64 `gorm:"type:decimal(15,2)" json:"price"`
	OriginalPrice   float64 `gorm:"type:decimal(15,2)" json:"original_price"`
	DiscountAmount  float64 `gorm:"type:decimal(15,2)" json:"discount_amount"`
	Currency        string  `gorm:"type:varchar(10)" json:"currency"`
	CourseTitle     string  `gorm:"type:varchar(255)" json:"course_title"`
	CourseThumbnail string  `gorm:"type:varchar(512)" json:"course_thumbnail"`
}
