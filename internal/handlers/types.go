package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"coursepay/internal/gateway"
	"coursepay/internal/models"
)

// Validator adapts go-playground/validator to Echo's Validator interface.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	return &Validator{validate: validator.New()}
}

func (v *Validator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

type CheckoutRequest struct {
	PaymentMethod string `json:"payment_method" validate:"required,oneof=momo stripe"`
	PaymentMode   string `json:"payment_mode" validate:"omitempty,oneof=api personal"`
	CouponCode    string `json:"coupon_code" validate:"omitempty,max=50"`
}

type ManualVerifyRequest struct {
	Reference string `json:"reference" validate:"required,min=6,max=64"`
}

type RefundRequest struct {
	Amount float64 `json:"amount" validate:"omitempty,gt=0"`
	Reason string  `json:"reason" validate:"omitempty,max=500"`
}

// CheckoutResponse is what the client needs to proceed with payment.
type CheckoutResponse struct {
	OrderCode    string                        `json:"order_code"`
	Status       models.PaymentStatus          `json:"status"`
	FinalAmount  float64                       `json:"final_amount"`
	Currency     string                        `json:"currency"`
	ExpiredAt    string                        `json:"expired_at"`
	PayURL       string                        `json:"pay_url,omitempty"`
	Deeplink     string                        `json:"deeplink,omitempty"`
	QRPayload    string                        `json:"qr_payload,omitempty"`
	Instructions *gateway.TransferInstructions `json:"instructions,omitempty"`
}

// PaymentStatusResponse is the polling shape for a payment's current state.
type PaymentStatusResponse struct {
	OrderCode     string               `json:"order_code"`
	Status        models.PaymentStatus `json:"status"`
	FinalAmount   float64              `json:"final_amount"`
	Currency      string               `json:"currency"`
	Expired       bool                 `json:"expired"`
	PaidAt        string               `json:"paid_at,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
	Items         []models.PaymentItem `json:"items"`
}
