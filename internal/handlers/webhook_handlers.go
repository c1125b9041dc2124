package handlers

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"coursepay/internal/gateway"
	"coursepay/internal/models"
	"coursepay/internal/services"
)

// WebhookHandler receives the gateways' asynchronous notifications and the
// browser return redirects. The request body is captured in its original byte
// form before anything touches it; signature verification depends on that.
type WebhookHandler struct {
	reconcile  *services.ReconcileService
	successURL string
	failureURL string
	logger     *zap.Logger
}

func NewWebhookHandler(reconcile *services.ReconcileService, successURL, failureURL string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		reconcile:  reconcile,
		successURL: successURL,
		failureURL: failureURL,
		logger:     logger,
	}
}

// MoMoIPN handles the wallet's server-to-server notification. A rejected
// callback is still acknowledged with the {resultCode, message} shape the
// provider polls for; answering anything else would make it retry a payload
// that was rejected on purpose.
func (h *WebhookHandler) MoMoIPN(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	_, err = h.reconcile.ApplyCallback(c.Request().Context(), models.PaymentMethodMoMo, gateway.Callback{
		Body:   body,
		Header: c.Request().Header,
	})
	if err != nil {
		if _, rejected := gateway.IsRejected(err); rejected || errors.Is(err, services.ErrPaymentNotFound) {
			h.logger.Warn("momo callback rejected", zap.Error(err))
			return c.JSON(http.StatusOK, map[string]interface{}{"resultCode": 0, "message": "received"})
		}
		h.logger.Error("momo callback processing failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "callback processing failed")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"resultCode": 0, "message": "success"})
}

// StripeWebhook handles the card gateway's signed events.
func (h *WebhookHandler) StripeWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	_, err = h.reconcile.ApplyCallback(c.Request().Context(), models.PaymentMethodStripe, gateway.Callback{
		Body:   body,
		Header: c.Request().Header,
	})
	if err != nil {
		if _, rejected := gateway.IsRejected(err); rejected || errors.Is(err, services.ErrPaymentNotFound) {
			h.logger.Warn("stripe webhook rejected", zap.Error(err))
			return c.JSON(http.StatusOK, map[string]string{"status": "received"})
		}
		h.logger.Error("stripe webhook processing failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "webhook processing failed")
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "received"})
}

// MoMoReturn translates the wallet's browser redirect into the front-end's
// success or failure page. It is cosmetic only; the IPN is what moves the
// ledger.
func (h *WebhookHandler) MoMoReturn(c echo.Context) error {
	orderCode := c.QueryParam("orderId")
	if c.QueryParam("resultCode") == "0" {
		return c.Redirect(http.StatusFound, h.redirectTo(h.successURL, orderCode))
	}
	return c.Redirect(http.StatusFound, h.redirectTo(h.failureURL, orderCode))
}

// StripeReturn handles the card gateway's browser return. Unlike the wallet
// redirect this one is authoritative: the session identifier in the query is
// re-fetched from the provider, so a finished checkout completes here even if
// the webhook is delayed.
func (h *WebhookHandler) StripeReturn(c echo.Context) error {
	payment, err := h.reconcile.ApplyCallback(c.Request().Context(), models.PaymentMethodStripe, gateway.Callback{
		Query: c.QueryParams(),
	})
	if err != nil {
		h.logger.Warn("stripe return verification failed", zap.Error(err))
		return c.Redirect(http.StatusFound, h.redirectTo(h.failureURL, c.QueryParam("orderCode")))
	}

	if payment.Status == models.PaymentStatusCompleted {
		return c.Redirect(http.StatusFound, h.redirectTo(h.successURL, payment.OrderCode))
	}
	return c.Redirect(http.StatusFound, h.redirectTo(h.failureURL, payment.OrderCode))
}

func (h *WebhookHandler) redirectTo(base, orderCode string) string {
	if orderCode == "" {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("orderCode", orderCode)
	u.RawQuery = q.Encode()
	return u.String()
}
