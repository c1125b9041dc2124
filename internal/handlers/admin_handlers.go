package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"coursepay/internal/gateway"
	"coursepay/internal/middleware"
	"coursepay/internal/services"
)

// AdminHandler exposes the operator-only actions: manual attestation of
// personal transfers and refunds.
type AdminHandler struct {
	reconcile *services.ReconcileService
}

func NewAdminHandler(reconcile *services.ReconcileService) *AdminHandler {
	return &AdminHandler{reconcile: reconcile}
}

// ManualVerify attests that an operator matched a personal transfer to this
// payment. It feeds the same reconciliation path as an automatic callback.
func (h *AdminHandler) ManualVerify(c echo.Context) error {
	var req ManualVerifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	payment, err := h.reconcile.ManualVerify(
		c.Request().Context(),
		c.Param("orderCode"),
		middleware.OperatorID(c),
		req.Reference,
	)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrPaymentNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, services.ErrBadReference):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, services.ErrReferenceReused),
			errors.Is(err, services.ErrNotAwaitingAttestion):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return err
	}

	return c.JSON(http.StatusOK, payment)
}

// Refund reverses a completed payment through its gateway.
func (h *AdminHandler) Refund(c echo.Context) error {
	var req RefundRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	payment, err := h.reconcile.Refund(c.Request().Context(), c.Param("orderCode"), req.Amount, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrPaymentNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, services.ErrNotRefundable):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		var te *gateway.TransientError
		if errors.As(err, &te) {
			return echo.NewHTTPError(http.StatusBadGateway, "gateway refund failed, please retry")
		}
		return err
	}

	return c.JSON(http.StatusOK, payment)
}
