package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"coursepay/internal/gateway"
	"coursepay/internal/models"
	"coursepay/internal/services"
)

// scriptedAdapter returns whatever its verify function says, so the handler
// tests can exercise each ack path without a real provider.
type scriptedAdapter struct {
	method models.PaymentMethod
	verify func(cb gateway.Callback) (*gateway.CallbackResult, error)
}

func (a *scriptedAdapter) Method() models.PaymentMethod { return a.method }

func (a *scriptedAdapter) CreatePayable(_ context.Context, _ *models.Payment) (*gateway.Payable, error) {
	return nil, errors.New("not implemented")
}

func (a *scriptedAdapter) VerifyCallback(_ context.Context, cb gateway.Callback) (*gateway.CallbackResult, error) {
	return a.verify(cb)
}

func (a *scriptedAdapter) QueryPayment(_ context.Context, _ *models.Payment) (*gateway.QueryResult, error) {
	return nil, errors.New("not implemented")
}

func (a *scriptedAdapter) RefundPayment(_ context.Context, _ *models.Payment, _ float64, _ string) error {
	return errors.New("not implemented")
}

func newWebhookTestHandler(t *testing.T, adapters ...gateway.Adapter) (*WebhookHandler, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, services.AutoMigrate(db))

	reconcile := services.NewReconcileService(
		db,
		gateway.NewRegistry(adapters...),
		services.NewEnrollmentService(db),
		nil,
		nil,
		zap.NewNop(),
	)
	h := NewWebhookHandler(reconcile,
		"http://localhost:3000/payment/success",
		"http://localhost:3000/payment/failure",
		zap.NewNop(),
	)
	return h, db
}

func seedWebhookPayment(t *testing.T, db *gorm.DB, orderCode string, method models.PaymentMethod) {
	t.Helper()
	require.NoError(t, db.Create(&models.Payment{
		OrderCode:       orderCode,
		StudentID:       7,
		FinalAmount:     49.98,
		Currency:        "USD",
		PaymentMethod:   method,
		GatewayAmount:   1249500,
		GatewayCurrency: "VND",
		Status:          models.PaymentStatusProcessing,
		ExpiredAt:       time.Now().Add(30 * time.Minute),
		Items:           []models.PaymentItem{{CourseID: 1, Price: 49.98, Currency: "USD"}},
	}).Error)
}

func postWebhook(t *testing.T, handle echo.HandlerFunc, target, body string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	return rec, handle(e.NewContext(req, rec))
}

type momoAck struct {
	ResultCode int    `json:"resultCode"`
	Message    string `json:"message"`
}

func TestMoMoIPNAcksSuccess(t *testing.T) {
	adapter := &scriptedAdapter{
		method: models.PaymentMethodMoMo,
		verify: func(_ gateway.Callback) (*gateway.CallbackResult, error) {
			return &gateway.CallbackResult{
				OrderCode:    "CP-W-000001",
				GatewayTxnID: "txn-001",
				Amount:       1249500,
				Currency:     "VND",
				Outcome:      gateway.OutcomeSuccess,
				Raw:          json.RawMessage(`{"resultCode":0}`),
			}, nil
		},
	}
	h, db := newWebhookTestHandler(t, adapter)
	seedWebhookPayment(t, db, "CP-W-000001", models.PaymentMethodMoMo)

	rec, err := postWebhook(t, h.MoMoIPN, "/webhooks/momo", `{"resultCode":0}`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var ack momoAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, 0, ack.ResultCode)
	assert.Equal(t, "success", ack.Message)

	var payment models.Payment
	require.NoError(t, db.Where("order_code = ?", "CP-W-000001").First(&payment).Error)
	assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
}

func TestMoMoIPNAcksRejectedCallback(t *testing.T) {
	adapter := &scriptedAdapter{
		method: models.PaymentMethodMoMo,
		verify: func(_ gateway.Callback) (*gateway.CallbackResult, error) {
			return nil, &gateway.RejectedError{Reason: "invalid signature"}
		},
	}
	h, _ := newWebhookTestHandler(t, adapter)

	// A cryptographically rejected payload is still acked; a non-200 would
	// make the provider retry it forever.
	rec, err := postWebhook(t, h.MoMoIPN, "/webhooks/momo", `{"signature":"bogus"}`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var ack momoAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, 0, ack.ResultCode)
	assert.Equal(t, "received", ack.Message)
}

func TestMoMoIPNUnknownOrderStillAcked(t *testing.T) {
	adapter := &scriptedAdapter{
		method: models.PaymentMethodMoMo,
		verify: func(_ gateway.Callback) (*gateway.CallbackResult, error) {
			return &gateway.CallbackResult{
				OrderCode: "CP-W-999999",
				Outcome:   gateway.OutcomeSuccess,
			}, nil
		},
	}
	h, _ := newWebhookTestHandler(t, adapter)

	rec, err := postWebhook(t, h.MoMoIPN, "/webhooks/momo", `{"resultCode":0}`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var ack momoAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, "received", ack.Message)
}

func TestMoMoIPNTransientFailureAsksForRetry(t *testing.T) {
	adapter := &scriptedAdapter{
		method: models.PaymentMethodMoMo,
		verify: func(_ gateway.Callback) (*gateway.CallbackResult, error) {
			return nil, &gateway.TransientError{Op: "verify", Err: errors.New("timeout")}
		},
	}
	h, _ := newWebhookTestHandler(t, adapter)

	_, err := postWebhook(t, h.MoMoIPN, "/webhooks/momo", `{"resultCode":0}`)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.Code)
}

func TestStripeWebhookAcksSuccess(t *testing.T) {
	adapter := &scriptedAdapter{
		method: models.PaymentMethodStripe,
		verify: func(_ gateway.Callback) (*gateway.CallbackResult, error) {
			return &gateway.CallbackResult{
				OrderCode:    "CP-W-000002",
				GatewayTxnID: "pi_123",
				Amount:       1249500,
				Currency:     "usd",
				Outcome:      gateway.OutcomeSuccess,
				Raw:          json.RawMessage(`{}`),
			}, nil
		},
	}
	h, db := newWebhookTestHandler(t, adapter)
	seedWebhookPayment(t, db, "CP-W-000002", models.PaymentMethodStripe)

	rec, err := postWebhook(t, h.StripeWebhook, "/webhooks/stripe", `{}`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var ack map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, "received", ack["status"])

	var payment models.Payment
	require.NoError(t, db.Where("order_code = ?", "CP-W-000002").First(&payment).Error)
	assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
}

func TestStripeWebhookAcksRejectedCallback(t *testing.T) {
	adapter := &scriptedAdapter{
		method: models.PaymentMethodStripe,
		verify: func(_ gateway.Callback) (*gateway.CallbackResult, error) {
			return nil, &gateway.RejectedError{Reason: "webhook signature verification failed"}
		},
	}
	h, _ := newWebhookTestHandler(t, adapter)

	rec, err := postWebhook(t, h.StripeWebhook, "/webhooks/stripe", `{}`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	var ack map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, "received", ack["status"])
}

func TestStripeWebhookTransientFailureAsksForRetry(t *testing.T) {
	adapter := &scriptedAdapter{
		method: models.PaymentMethodStripe,
		verify: func(_ gateway.Callback) (*gateway.CallbackResult, error) {
			return nil, &gateway.TransientError{Op: "retrieve checkout session", Err: errors.New("timeout")}
		},
	}
	h, _ := newWebhookTestHandler(t, adapter)

	_, err := postWebhook(t, h.StripeWebhook, "/webhooks/stripe", `{}`)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.Code)
}
