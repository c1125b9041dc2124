package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"coursepay/internal/gateway"
	"coursepay/internal/models"
	"coursepay/internal/ordercode"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return db
}

func newTestCache(t *testing.T) *RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

// stubAdapter is an in-memory gateway so the services can be tested without
// network calls.
type stubAdapter struct {
	method      models.PaymentMethod
	payable     *gateway.Payable
	createErr   error
	verifyFn    func(cb gateway.Callback) (*gateway.CallbackResult, error)
	refundFn    func(p *models.Payment) error
	refundErr   error
	refundCalls int
}

func (a *stubAdapter) Method() models.PaymentMethod { return a.method }

func (a *stubAdapter) CreatePayable(_ context.Context, p *models.Payment) (*gateway.Payable, error) {
	if a.createErr != nil {
		return nil, a.createErr
	}
	if a.payable != nil {
		return a.payable, nil
	}
	return &gateway.Payable{
		PayURL:           "https://pay.example/" + p.OrderCode,
		GatewayAmount:    int64(math.Round(p.FinalAmount * 100)),
		GatewayCurrency:  p.Currency,
		GatewayReference: "ref-" + p.OrderCode,
	}, nil
}

func (a *stubAdapter) VerifyCallback(_ context.Context, cb gateway.Callback) (*gateway.CallbackResult, error) {
	if a.verifyFn == nil {
		return nil, errors.New("verifyFn not set")
	}
	return a.verifyFn(cb)
}

func (a *stubAdapter) QueryPayment(_ context.Context, _ *models.Payment) (*gateway.QueryResult, error) {
	return nil, errors.New("not implemented")
}

func (a *stubAdapter) RefundPayment(_ context.Context, p *models.Payment, _ float64, _ string) error {
	a.refundCalls++
	if a.refundFn != nil {
		return a.refundFn(p)
	}
	return a.refundErr
}

func seedCourse(t *testing.T, db *gorm.DB, id uint, title string, price float64) {
	t.Helper()
	course := models.Course{Title: title, Price: price, Currency: "USD"}
	course.ID = id
	require.NoError(t, db.Create(&course).Error)
}

func seedCartItem(t *testing.T, db *gorm.DB, studentID, courseID uint, price float64) {
	t.Helper()
	require.NoError(t, db.Create(&models.CartItem{
		StudentID:     studentID,
		CourseID:      courseID,
		PriceAtAdd:    price,
		OriginalPrice: price,
		Currency:      "USD",
	}).Error)
}

// seedTwoCourseCart sets up the canonical two-course cart worth 49.98 USD.
func seedTwoCourseCart(t *testing.T, db *gorm.DB, studentID uint) {
	t.Helper()
	seedCourse(t, db, 1, "Intro to Go", 29.99)
	seedCourse(t, db, 2, "Advanced Go", 19.99)
	seedCartItem(t, db, studentID, 1, 29.99)
	seedCartItem(t, db, studentID, 2, 19.99)
}

func newTestCheckout(t *testing.T, db *gorm.DB, adapter gateway.Adapter) *CheckoutService {
	t.Helper()
	return NewCheckoutService(
		db,
		gateway.NewRegistry(adapter),
		NewEnrollmentService(db),
		ordercode.New("CP"),
		nil,
		zap.NewNop(),
	)
}

func newTestReconcile(t *testing.T, db *gorm.DB, adapter gateway.Adapter) *ReconcileService {
	t.Helper()
	return NewReconcileService(
		db,
		gateway.NewRegistry(adapter),
		NewEnrollmentService(db),
		nil,
		nil,
		zap.NewNop(),
	)
}

func countEnrollments(t *testing.T, db *gorm.DB, studentID uint) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&models.Enrollment{}).Where("student_id = ?", studentID).Count(&count).Error)
	return count
}

func reloadPayment(t *testing.T, db *gorm.DB, orderCode string) *models.Payment {
	t.Helper()
	var payment models.Payment
	require.NoError(t, db.Preload("Items").Where("order_code = ?", orderCode).First(&payment).Error)
	return &payment
}
