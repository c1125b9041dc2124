package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"coursepay/internal/gateway"
	"coursepay/internal/models"
	"coursepay/internal/ordercode"
)

// paymentTTL is the hard deadline after which a still-pending payment is void.
const paymentTTL = 30 * time.Minute

// orderCodeAttempts bounds retries when the generated code collides with the
// unique constraint.
const orderCodeAttempts = 3

var (
	ErrEmptyCart       = errors.New("cart is empty")
	ErrCourseNotFound  = errors.New("course not found")
	ErrAlreadyEnrolled = errors.New("already enrolled in a course in the cart")
	ErrInvalidCoupon   = errors.New("coupon is invalid or expired")
)

// CheckoutInput is the validated request to start a purchase.
type CheckoutInput struct {
	StudentID  uint
	Method     models.PaymentMethod
	Mode       models.PaymentMode
	CouponCode string
}

// CheckoutResult pairs the created ledger entry with whatever the client must
// be shown to pay.
type CheckoutResult struct {
	Payment *models.Payment
	Payable *gateway.Payable
}

// CheckoutService turns a cart snapshot into a pending payment and mints the
// gateway payable. The gateway call happens outside any database transaction;
// if it fails the row stays pending and expires naturally.
type CheckoutService struct {
	db          *gorm.DB
	gateways    *gateway.Registry
	enrollments *EnrollmentService
	codes       *ordercode.Generator
	events      *EventPublisher
	logger      *zap.Logger

	now func() time.Time
}

func NewCheckoutService(db *gorm.DB, gateways *gateway.Registry, enrollments *EnrollmentService, codes *ordercode.Generator, events *EventPublisher, logger *zap.Logger) *CheckoutService {
	return &CheckoutService{
		db:          db,
		gateways:    gateways,
		enrollments: enrollments,
		codes:       codes,
		events:      events,
		logger:      logger,
		now:         time.Now,
	}
}

// Checkout validates the cart, builds the payment with its item snapshots and
// asks the gateway for a payable.
func (s *CheckoutService) Checkout(ctx context.Context, input CheckoutInput) (*CheckoutResult, error) {
	adapter, err := s.gateways.Get(input.Method)
	if err != nil {
		return nil, err
	}
	if input.Mode == "" {
		input.Mode = models.PaymentModeAPI
	}

	var cartItems []models.CartItem
	if err := s.db.Where("student_id = ?", input.StudentID).Order("id").Find(&cartItems).Error; err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	if len(cartItems) == 0 {
		return nil, ErrEmptyCart
	}

	payment, err := s.buildPayment(input, cartItems)
	if err != nil {
		return nil, err
	}

	if err := s.persistWithFreshCode(payment); err != nil {
		return nil, err
	}

	payable, err := adapter.CreatePayable(ctx, payment)
	if err != nil {
		// Row stays pending and expires on its own; the caller just sees a
		// failed checkout attempt.
		s.logger.Warn("gateway payable creation failed",
			zap.String("order_code", payment.OrderCode),
			zap.String("method", string(input.Method)),
			zap.Error(err),
		)
		return nil, err
	}

	nextStatus := models.PaymentStatusProcessing
	if input.Mode == models.PaymentModePersonal {
		nextStatus = models.PaymentStatusPendingVerification
	}
	updates := map[string]interface{}{
		"status":             nextStatus,
		"gateway_amount":     payable.GatewayAmount,
		"gateway_currency":   payable.GatewayCurrency,
		"gateway_order_code": payable.GatewayReference,
	}
	if err := s.db.Model(&models.Payment{}).
		Where("id = ? AND status = ?", payment.ID, models.PaymentStatusPending).
		Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to record gateway session: %w", err)
	}
	payment.Status = nextStatus
	payment.GatewayAmount = payable.GatewayAmount
	payment.GatewayCurrency = payable.GatewayCurrency
	payment.GatewayOrderCode = payable.GatewayReference

	s.events.Publish(ctx, PaymentEvent{
		Type:      EventPaymentCreated,
		OrderCode: payment.OrderCode,
		StudentID: payment.StudentID,
		Amount:    payment.FinalAmount,
		Currency:  payment.Currency,
	})

	return &CheckoutResult{Payment: payment, Payable: payable}, nil
}

func (s *CheckoutService) buildPayment(input CheckoutInput, cartItems []models.CartItem) (*models.Payment, error) {
	now := s.now()

	total := 0.0
	items := make([]models.PaymentItem, 0, len(cartItems))
	currency := cartItems[0].Currency

	for _, ci := range cartItems {
		enrolled, err := s.enrollments.IsEnrolled(input.StudentID, ci.CourseID)
		if err != nil {
			return nil, fmt.Errorf("failed to check enrollment: %w", err)
		}
		if enrolled {
			return nil, fmt.Errorf("%w: course %d", ErrAlreadyEnrolled, ci.CourseID)
		}

		var course models.Course
		if err := s.db.First(&course, ci.CourseID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: %d", ErrCourseNotFound, ci.CourseID)
			}
			return nil, fmt.Errorf("failed to load course %d: %w", ci.CourseID, err)
		}

		total = round2(total + ci.PriceAtAdd)
		items = append(items, models.PaymentItem{
			CourseID:        ci.CourseID,
			Price:           ci.PriceAtAdd,
			OriginalPrice:   ci.OriginalPrice,
			Currency:        ci.Currency,
			CourseTitle:     course.Title,
			CourseThumbnail: course.Thumbnail,
		})
	}

	discount := 0.0
	if input.CouponCode != "" {
		var err error
		discount, err = s.couponDiscount(input.CouponCode, total, now)
		if err != nil {
			return nil, err
		}
		applyDiscount(items, discount)
	}

	final := round2(total - discount)
	if final < 0 {
		final = 0
	}

	return &models.Payment{
		StudentID:      input.StudentID,
		TotalAmount:    total,
		DiscountAmount: discount,
		FinalAmount:    final,
		Currency:       currency,
		CouponCode:     input.CouponCode,
		PaymentMethod:  input.Method,
		PaymentMode:    input.Mode,
		Status:         models.PaymentStatusPending,
		ExpiredAt:      now.Add(paymentTTL),
		Items:          items,
	}, nil
}

func (s *CheckoutService) couponDiscount(code string, total float64, now time.Time) (float64, error) {
	var coupon models.Coupon
	if err := s.db.Where("code = ?", code).First(&coupon).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrInvalidCoupon
		}
		return 0, fmt.Errorf("failed to load coupon: %w", err)
	}
	if !coupon.Usable(now) {
		return 0, ErrInvalidCoupon
	}
	return round2(total * coupon.PercentOff / 100), nil
}

// applyDiscount spreads the cart-level discount across items proportionally,
// assigning the rounding remainder to the last item so the item prices still
// sum exactly to the final amount.
func applyDiscount(items []models.PaymentItem, discount float64) {
	if discount <= 0 || len(items) == 0 {
		return
	}

	total := 0.0
	for _, it := range items {
		total += it.Price
	}
	if total <= 0 {
		return
	}

	distributed := 0.0
	for i := range items {
		share := round2(discount * items[i].Price / total)
		if i == len(items)-1 {
			share = round2(discount - distributed)
		}
		items[i].DiscountAmount = share
		items[i].Price = round2(items[i].Price - share)
		distributed = round2(distributed + share)
	}
}

func (s *CheckoutService) persistWithFreshCode(payment *models.Payment) error {
	var lastErr error
	for attempt := 0; attempt < orderCodeAttempts; attempt++ {
		code, err := s.codes.Generate()
		if err != nil {
			return err
		}
		payment.OrderCode = code

		if err := s.db.Create(payment).Error; err != nil {
			if isDuplicateErr(err) {
				// Collision on the unique order code: retryable, not fatal.
				lastErr = err
				payment.ID = 0
				continue
			}
			return fmt.Errorf("failed to create payment: %w", err)
		}
		return nil
	}
	return fmt.Errorf("order code collision persisted after %d attempts: %w", orderCodeAttempts, lastErr)
}

func isDuplicateErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

// GetPayment loads a payment with its items by order code.
func (s *CheckoutService) GetPayment(orderCode string) (*models.Payment, error) {
	var payment models.Payment
	if err := s.db.Preload("Items").Where("order_code = ?", orderCode).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
