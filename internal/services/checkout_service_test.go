package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"coursepay/internal/gateway"
	"coursepay/internal/models"
)

func TestCheckoutHappyPath(t *testing.T) {
	db := newTestDB(t)
	adapter := &stubAdapter{method: models.PaymentMethodMoMo}
	svc := newTestCheckout(t, db, adapter)

	seedTwoCourseCart(t, db, 7)

	result, err := svc.Checkout(context.Background(), CheckoutInput{
		StudentID: 7,
		Method:    models.PaymentMethodMoMo,
	})
	require.NoError(t, err)

	p := result.Payment
	assert.NotEmpty(t, p.OrderCode)
	assert.Equal(t, models.PaymentStatusProcessing, p.Status)
	assert.Equal(t, models.PaymentModeAPI, p.PaymentMode)
	assert.InDelta(t, 49.98, p.TotalAmount, 0.001)
	assert.InDelta(t, 49.98, p.FinalAmount, 0.001)
	assert.Equal(t, "USD", p.Currency)
	require.Len(t, p.Items, 2)
	assert.Equal(t, "Intro to Go", p.Items[0].CourseTitle)
	assert.Equal(t, "Advanced Go", p.Items[1].CourseTitle)

	assert.WithinDuration(t, time.Now().Add(paymentTTL), p.ExpiredAt, 5*time.Second)

	require.NotNil(t, result.Payable)
	assert.Equal(t, "https://pay.example/"+p.OrderCode, result.Payable.PayURL)

	stored := reloadPayment(t, db, p.OrderCode)
	assert.Equal(t, models.PaymentStatusProcessing, stored.Status)
	assert.Equal(t, int64(4998), stored.GatewayAmount)
	assert.Equal(t, "ref-"+p.OrderCode, stored.GatewayOrderCode)
}

func TestCheckoutEmptyCart(t *testing.T) {
	db := newTestDB(t)
	svc := newTestCheckout(t, db, &stubAdapter{method: models.PaymentMethodMoMo})

	_, err := svc.Checkout(context.Background(), CheckoutInput{
		StudentID: 7,
		Method:    models.PaymentMethodMoMo,
	})
	assert.ErrorIs(t, err, ErrEmptyCart)
}

func TestCheckoutUnknownMethod(t *testing.T) {
	db := newTestDB(t)
	svc := newTestCheckout(t, db, &stubAdapter{method: models.PaymentMethodMoMo})

	_, err := svc.Checkout(context.Background(), CheckoutInput{
		StudentID: 7,
		Method:    models.PaymentMethodStripe,
	})
	assert.Error(t, err)
}

func TestCheckoutRejectsAlreadyEnrolled(t *testing.T) {
	db := newTestDB(t)
	svc := newTestCheckout(t, db, &stubAdapter{method: models.PaymentMethodMoMo})

	seedTwoCourseCart(t, db, 7)
	require.NoError(t, db.Create(&models.Enrollment{StudentID: 7, CourseID: 2}).Error)

	_, err := svc.Checkout(context.Background(), CheckoutInput{
		StudentID: 7,
		Method:    models.PaymentMethodMoMo,
	})
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)

	var payments int64
	require.NoError(t, db.Model(&models.Payment{}).Count(&payments).Error)
	assert.Zero(t, payments, "no payment row for a rejected checkout")
}

func TestCheckoutCourseNoLongerExists(t *testing.T) {
	db := newTestDB(t)
	svc := newTestCheckout(t, db, &stubAdapter{method: models.PaymentMethodMoMo})

	seedCourse(t, db, 1, "Intro to Go", 29.99)
	seedCartItem(t, db, 7, 1, 29.99)
	// Stale cart row pointing at a course that was removed.
	seedCartItem(t, db, 7, 99, 19.99)

	_, err := svc.Checkout(context.Background(), CheckoutInput{
		StudentID: 7,
		Method:    models.PaymentMethodMoMo,
	})
	assert.ErrorIs(t, err, ErrCourseNotFound)
}

func TestCheckoutAppliesCoupon(t *testing.T) {
	db := newTestDB(t)
	svc := newTestCheckout(t, db, &stubAdapter{method: models.PaymentMethodMoMo})

	seedTwoCourseCart(t, db, 7)
	require.NoError(t, db.Create(&models.Coupon{Code: "SAVE10", PercentOff: 10, IsActive: true}).Error)

	result, err := svc.Checkout(context.Background(), CheckoutInput{
		StudentID:  7,
		Method:     models.PaymentMethodMoMo,
		CouponCode: "SAVE10",
	})
	require.NoError(t, err)

	p := result.Payment
	assert.InDelta(t, 49.98, p.TotalAmount, 0.001)
	assert.InDelta(t, 5.00, p.DiscountAmount, 0.001)
	assert.InDelta(t, 44.98, p.FinalAmount, 0.001)

	// Item prices after the proportional spread still sum to the final amount.
	sum := 0.0
	for _, item := range p.Items {
		sum += item.Price
	}
	assert.InDelta(t, p.FinalAmount, sum, 0.001)
}

func TestCheckoutRejectsBadCoupons(t *testing.T) {
	db := newTestDB(t)
	svc := newTestCheckout(t, db, &stubAdapter{method: models.PaymentMethodMoMo})
	seedTwoCourseCart(t, db, 7)

	expired := time.Now().Add(-time.Hour)
	require.NoError(t, db.Create(&models.Coupon{Code: "OLD10", PercentOff: 10, IsActive: true, ExpiresAt: &expired}).Error)
	require.NoError(t, db.Create(&models.Coupon{Code: "OFF10", PercentOff: 10, IsActive: false}).Error)

	for _, code := range []string{"NOSUCH", "OLD10", "OFF10"} {
		_, err := svc.Checkout(context.Background(), CheckoutInput{
			StudentID:  7,
			Method:     models.PaymentMethodMoMo,
			CouponCode: code,
		})
		assert.ErrorIs(t, err, ErrInvalidCoupon, "coupon %s", code)
	}
}

func TestCheckoutPersonalModeAwaitsVerification(t *testing.T) {
	db := newTestDB(t)
	adapter := &stubAdapter{
		method: models.PaymentMethodMoMo,
		payable: &gateway.Payable{
			QRPayload:       "2|99|0901234567|COURSE PLATFORM|||0|0|1249500|CPAY X",
			Instructions:    &gateway.TransferInstructions{AccountID: "0901234567", Amount: 1249500, Currency: "VND"},
			GatewayAmount:   1249500,
			GatewayCurrency: "VND",
		},
	}
	svc := newTestCheckout(t, db, adapter)
	seedTwoCourseCart(t, db, 7)

	result, err := svc.Checkout(context.Background(), CheckoutInput{
		StudentID: 7,
		Method:    models.PaymentMethodMoMo,
		Mode:      models.PaymentModePersonal,
	})
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusPendingVerification, result.Payment.Status)
	require.NotNil(t, result.Payable.Instructions)

	stored := reloadPayment(t, db, result.Payment.OrderCode)
	assert.Equal(t, models.PaymentStatusPendingVerification, stored.Status)
	assert.Equal(t, int64(1249500), stored.GatewayAmount)
	assert.Equal(t, "VND", stored.GatewayCurrency)
}

func TestCheckoutGatewayFailureLeavesRowPending(t *testing.T) {
	db := newTestDB(t)
	adapter := &stubAdapter{
		method:    models.PaymentMethodMoMo,
		createErr: &gateway.TransientError{Op: "create", Err: errors.New("connection refused")},
	}
	svc := newTestCheckout(t, db, adapter)
	seedTwoCourseCart(t, db, 7)

	_, err := svc.Checkout(context.Background(), CheckoutInput{
		StudentID: 7,
		Method:    models.PaymentMethodMoMo,
	})
	require.Error(t, err)
	var transient *gateway.TransientError
	assert.ErrorAs(t, err, &transient)

	// The row was created before the gateway call and stays pending until the
	// expiry sweep voids it.
	var payment models.Payment
	require.NoError(t, db.Where("student_id = ?", 7).First(&payment).Error)
	assert.Equal(t, models.PaymentStatusPending, payment.Status)
}

func TestApplyDiscountRemainderGoesToLastItem(t *testing.T) {
	items := []models.PaymentItem{
		{Price: 10.00},
		{Price: 10.00},
		{Price: 10.00},
	}
	applyDiscount(items, 10.00)

	sum := 0.0
	distributed := 0.0
	for _, item := range items {
		sum += item.Price
		distributed += item.DiscountAmount
	}
	assert.InDelta(t, 20.00, sum, 0.001)
	assert.InDelta(t, 10.00, distributed, 0.001)
	// 3.33 + 3.33 + remainder 3.34
	assert.InDelta(t, 3.34, items[2].DiscountAmount, 0.001)
}

func TestIsDuplicateErr(t *testing.T) {
	assert.True(t, isDuplicateErr(gorm.ErrDuplicatedKey))
	assert.True(t, isDuplicateErr(errors.New(`ERROR: duplicate key value violates unique constraint "idx_payments_order_code"`)))
	assert.True(t, isDuplicateErr(errors.New("UNIQUE constraint failed: payments.order_code")))
	assert.False(t, isDuplicateErr(errors.New("connection reset by peer")))
}
