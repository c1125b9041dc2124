package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"coursepay/internal/gateway"
	"coursepay/internal/middleware"
	"coursepay/internal/models"
	"coursepay/internal/services"
)

type CheckoutHandler struct {
	db       *gorm.DB
	checkout *services.CheckoutService
}

func NewCheckoutHandler(db *gorm.DB, checkout *services.CheckoutService) *CheckoutHandler {
	return &CheckoutHandler{db: db, checkout: checkout}
}

// Checkout starts a purchase for everything in the student's cart.
func (h *CheckoutHandler) Checkout(c echo.Context) error {
	var req CheckoutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	result, err := h.checkout.Checkout(c.Request().Context(), services.CheckoutInput{
		StudentID:  middleware.StudentID(c),
		Method:     models.PaymentMethod(req.PaymentMethod),
		Mode:       models.PaymentMode(req.PaymentMode),
		CouponCode: req.CouponCode,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEmptyCart),
			errors.Is(err, services.ErrInvalidCoupon),
			errors.Is(err, services.ErrAlreadyEnrolled):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, services.ErrCourseNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		var te *gateway.TransientError
		if errors.As(err, &te) {
			return echo.NewHTTPError(http.StatusBadGateway, "payment gateway unavailable, please retry")
		}
		return err
	}

	resp := CheckoutResponse{
		OrderCode:   result.Payment.OrderCode,
		Status:      result.Payment.Status,
		FinalAmount: result.Payment.FinalAmount,
		Currency:    result.Payment.Currency,
		ExpiredAt:   result.Payment.ExpiredAt.Format(time.RFC3339),
	}
	if result.Payable != nil {
		resp.PayURL = result.Payable.PayURL
		resp.Deeplink = result.Payable.Deeplink
		resp.QRPayload = result.Payable.QRPayload
		resp.Instructions = result.Payable.Instructions
	}
	return c.JSON(http.StatusOK, resp)
}

// GetPayment returns the current state of one of the student's payments.
func (h *CheckoutHandler) GetPayment(c echo.Context) error {
	orderCode := c.Param("orderCode")
	if orderCode == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing order code")
	}

	payment, err := h.checkout.GetPayment(orderCode)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "payment not found")
		}
		return err
	}
	if payment.StudentID != middleware.StudentID(c) {
		return echo.NewHTTPError(http.StatusNotFound, "payment not found")
	}

	resp := PaymentStatusResponse{
		OrderCode:     payment.OrderCode,
		Status:        payment.Status,
		FinalAmount:   payment.FinalAmount,
		Currency:      payment.Currency,
		Expired:       !payment.Status.IsTerminal() && payment.Expired(time.Now()),
		FailureReason: payment.FailureReason,
		Items:         payment.Items,
	}
	if payment.PaidAt != nil {
		resp.PaidAt = payment.PaidAt.Format(time.RFC3339)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetCart lists the student's current cart snapshot.
func (h *CheckoutHandler) GetCart(c echo.Context) error {
	var items []models.CartItem
	if err := h.db.Where("student_id = ?", middleware.StudentID(c)).Order("id").Find(&items).Error; err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": items})
}
