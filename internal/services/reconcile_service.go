package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"coursepay/internal/gateway"
	"coursepay/internal/models"
)

var (
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrNotRefundable        = errors.New("payment is not in a refundable state")
	ErrNotAwaitingAttestion = errors.New("payment is not awaiting manual verification")
	ErrBadReference         = errors.New("transaction reference is malformed")
	ErrReferenceReused      = errors.New("transaction reference already attested on another payment")
)

// completionEligible lists the pre-states a payment may complete from. The
// conditional update below only succeeds while the row is still in one of
// these, which is what makes duplicate callbacks a no-op.
var completionEligible = []models.PaymentStatus{
	models.PaymentStatusPending,
	models.PaymentStatusProcessing,
	models.PaymentStatusPendingVerification,
}

var manualReferencePattern = regexp.MustCompile(`^[A-Za-z0-9-]{6,64}$`)

// dedupTTL covers the at-least-once redelivery window of both gateways.
const dedupTTL = 48 * time.Hour

// ReconcileService applies verified gateway callbacks to the payment ledger.
// Completing a payment and granting its enrollments happen in one database
// transaction guarded by a row-level status precondition, so two concurrent
// callbacks for the same order produce exactly one grant.
type ReconcileService struct {
	db          *gorm.DB
	gateways    *gateway.Registry
	enrollments *EnrollmentService
	cache       *RedisCache
	events      *EventPublisher
	logger      *zap.Logger

	now func() time.Time
}

func NewReconcileService(db *gorm.DB, gateways *gateway.Registry, enrollments *EnrollmentService, cache *RedisCache, events *EventPublisher, logger *zap.Logger) *ReconcileService {
	return &ReconcileService{
		db:          db,
		gateways:    gateways,
		enrollments: enrollments,
		cache:       cache,
		events:      events,
		logger:      logger,
		now:         time.Now,
	}
}

// ApplyCallback authenticates an inbound notification and transitions the
// payment. A verification rejection deterministically fails the payment with
// the recorded reason; a transient gateway error leaves the ledger untouched
// so the gateway can retry.
func (s *ReconcileService) ApplyCallback(ctx context.Context, method models.PaymentMethod, cb gateway.Callback) (*models.Payment, error) {
	adapter, err := s.gateways.Get(method)
	if err != nil {
		return nil, err
	}

	result, err := adapter.VerifyCallback(ctx, cb)
	if err != nil {
		if rejected, ok := gateway.IsRejected(err); ok {
			s.logCallback(method, rejected.OrderCode, cb.Body, "rejected", rejected.Reason)
			if rejected.OrderCode != "" {
				s.markFailed(ctx, rejected.OrderCode, rejected.Reason)
			}
		}
		return nil, err
	}

	s.logCallback(method, result.OrderCode, result.Raw, string(result.Outcome), result.Message)

	payment, err := s.loadPayment(result.OrderCode)
	if err != nil {
		return nil, err
	}

	// The gateway authenticated the callback but the money figure must also
	// match what the session was minted for.
	if payment.GatewayAmount != 0 && result.Amount != 0 && result.Amount != payment.GatewayAmount {
		reason := fmt.Sprintf("amount mismatch: callback %d %s, expected %d %s",
			result.Amount, result.Currency, payment.GatewayAmount, payment.GatewayCurrency)
		s.markFailed(ctx, payment.OrderCode, reason)
		return nil, &gateway.RejectedError{Reason: reason, OrderCode: payment.OrderCode}
	}

	switch result.Outcome {
	case gateway.OutcomeSuccess:
		return s.completePayment(ctx, payment, map[string]interface{}{
			"gateway_transaction_id": result.GatewayTxnID,
			"gateway_response":       []byte(result.Raw),
		})
	case gateway.OutcomeProcessing:
		if err := s.db.Model(&models.Payment{}).
			Where("id = ? AND status = ?", payment.ID, models.PaymentStatusPending).
			Update("status", models.PaymentStatusProcessing).Error; err != nil {
			return nil, fmt.Errorf("failed to mark payment processing: %w", err)
		}
		return s.loadPayment(payment.OrderCode)
	default:
		s.markFailed(ctx, payment.OrderCode, result.Message)
		return s.loadPayment(payment.OrderCode)
	}
}

// completePayment flips the row to completed and grants enrollments in one
// transaction. A zero-row conditional update means another callback already
// handled it; that is reported as the same success without further writes.
func (s *ReconcileService) completePayment(ctx context.Context, payment *models.Payment, extra map[string]interface{}) (*models.Payment, error) {
	dedupKey := s.dedupKey(payment, extra)
	if dedupKey != "" && s.seenBefore(ctx, dedupKey) {
		return s.loadPayment(payment.OrderCode)
	}

	now := s.now()
	late := payment.Expired(now)

	updates := map[string]interface{}{
		"status":  models.PaymentStatusCompleted,
		"paid_at": &now,
	}
	for k, v := range extra {
		updates[k] = v
	}

	alreadyHandled := false
	granted := 0
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Payment{}).
			Where("id = ? AND status IN ?", payment.ID, completionEligible).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			alreadyHandled = true
			return nil
		}

		var err error
		granted, err = s.enrollments.GrantForPayment(tx, payment)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete payment %s: %w", payment.OrderCode, err)
	}

	// The dedup marker is written only after the transaction committed. A
	// failed first delivery leaves no marker, so the gateway's retry gets a
	// full pass through the conditional update.
	if dedupKey != "" {
		s.markSeen(ctx, dedupKey)
	}

	if alreadyHandled {
		s.logger.Info("duplicate completion callback ignored",
			zap.String("order_code", payment.OrderCode))
		return s.loadPayment(payment.OrderCode)
	}

	if late {
		// Accept-but-flag policy: the charge went through at the provider, so
		// access is still granted, but the lateness is visible downstream.
		s.logger.Warn("payment completed after its expiry deadline",
			zap.String("order_code", payment.OrderCode),
			zap.Time("expired_at", payment.ExpiredAt))
	}

	s.clearCart(ctx, payment)

	s.events.Publish(ctx, PaymentEvent{
		Type:      EventPaymentCompleted,
		OrderCode: payment.OrderCode,
		StudentID: payment.StudentID,
		Amount:    payment.FinalAmount,
		Currency:  payment.Currency,
		Late:      late,
	})

	s.logger.Info("payment completed",
		zap.String("order_code", payment.OrderCode),
		zap.Int("enrollments_granted", granted))

	return s.loadPayment(payment.OrderCode)
}

// ManualVerify resolves a personal-transfer payment through the same
// completion path as an automatic callback. The operator-supplied reference
// must be well formed and never attested on another payment, and the attester
// identity is recorded on the ledger row.
func (s *ReconcileService) ManualVerify(ctx context.Context, orderCode, operator, reference string) (*models.Payment, error) {
	if !manualReferencePattern.MatchString(reference) {
		return nil, ErrBadReference
	}

	payment, err := s.loadPayment(orderCode)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusPendingVerification {
		return nil, ErrNotAwaitingAttestion
	}

	var count int64
	if err := s.db.Model(&models.Payment{}).
		Where("gateway_transaction_id = ? AND id <> ?", reference, payment.ID).
		Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to check reference reuse: %w", err)
	}
	if count > 0 {
		return nil, ErrReferenceReused
	}

	now := s.now()
	result, err := s.completePayment(ctx, payment, map[string]interface{}{
		"gateway_transaction_id": reference,
		"attested_by":            operator,
		"attested_at":            &now,
	})
	if err != nil {
		// The partial unique index on gateway_transaction_id is the
		// authoritative reuse guard; the count above is only a friendly
		// pre-check and two concurrent attestations can both pass it.
		if isDuplicateErr(err) {
			return nil, ErrReferenceReused
		}
		return nil, err
	}
	return result, nil
}

// Refund reverses a completed payment. The conditional ledger flip runs first
// and acts as the claim: only the request that wins it calls the provider, so
// concurrent refund requests cannot both move money. A provider failure
// releases the claim so the refund can be retried.
func (s *ReconcileService) Refund(ctx context.Context, orderCode string, amount float64, reason string) (*models.Payment, error) {
	payment, err := s.loadPayment(orderCode)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusCompleted {
		return nil, ErrNotRefundable
	}
	if amount <= 0 || amount > payment.FinalAmount {
		amount = payment.FinalAmount
	}

	adapter, err := s.gateways.Get(payment.PaymentMethod)
	if err != nil {
		return nil, err
	}

	now := s.now()
	res := s.db.Model(&models.Payment{}).
		Where("id = ? AND status = ?", payment.ID, models.PaymentStatusCompleted).
		Updates(map[string]interface{}{
			"status":        models.PaymentStatusRefunded,
			"refund_reason": reason,
			"refunded_at":   &now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to mark payment refunded: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Another request claimed the refund between the read and the flip.
		return nil, ErrNotRefundable
	}

	if err := adapter.RefundPayment(ctx, payment, amount, reason); err != nil {
		s.db.Model(&models.Payment{}).
			Where("id = ? AND status = ?", payment.ID, models.PaymentStatusRefunded).
			Updates(map[string]interface{}{
				"status":        models.PaymentStatusCompleted,
				"refund_reason": "",
				"refunded_at":   nil,
			})
		return nil, err
	}

	s.events.Publish(ctx, PaymentEvent{
		Type:      EventPaymentRefunded,
		OrderCode: payment.OrderCode,
		StudentID: payment.StudentID,
		Amount:    amount,
		Currency:  payment.Currency,
		Reason:    reason,
	})

	return s.loadPayment(orderCode)
}

// ExpireStale voids open api-mode payments past their deadline. Manual
// transfers awaiting attestation are left alone; operators resolve those.
func (s *ReconcileService) ExpireStale(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("status IN ? AND expired_at < ?",
			[]models.PaymentStatus{models.PaymentStatusPending, models.PaymentStatusProcessing},
			s.now()).
		Updates(map[string]interface{}{
			"status":         models.PaymentStatusCancelled,
			"failure_reason": "expired before completion",
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (s *ReconcileService) markFailed(ctx context.Context, orderCode, reason string) {
	res := s.db.Model(&models.Payment{}).
		Where("order_code = ? AND status IN ?", orderCode, completionEligible).
		Updates(map[string]interface{}{
			"status":         models.PaymentStatusFailed,
			"failure_reason": reason,
		})
	if res.Error != nil {
		s.logger.Error("failed to mark payment failed",
			zap.String("order_code", orderCode), zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		payment, err := s.loadPayment(orderCode)
		if err == nil {
			s.events.Publish(ctx, PaymentEvent{
				Type:      EventPaymentFailed,
				OrderCode: payment.OrderCode,
				StudentID: payment.StudentID,
				Amount:    payment.FinalAmount,
				Currency:  payment.Currency,
				Reason:    reason,
			})
		}
	}
}

// dedupKey identifies one gateway delivery. Empty when no cache is configured
// or the callback carries no transaction id, which disables the fast path.
func (s *ReconcileService) dedupKey(payment *models.Payment, extra map[string]interface{}) string {
	if s.cache == nil {
		return ""
	}
	txnID, _ := extra["gateway_transaction_id"].(string)
	if txnID == "" {
		return ""
	}
	return fmt.Sprintf("cb:%s:%s:%s", payment.PaymentMethod, payment.OrderCode, txnID)
}

// seenBefore is a best-effort redis fast path for duplicate deliveries. The
// conditional update remains the source of truth; a cache miss or error just
// means the duplicate is absorbed there instead.
func (s *ReconcileService) seenBefore(ctx context.Context, key string) bool {
	var marker int
	return s.cache.Get(ctx, key, &marker) == nil
}

// markSeen records a handled delivery, only ever called after the completion
// transaction committed.
func (s *ReconcileService) markSeen(ctx context.Context, key string) {
	if err := s.cache.Set(ctx, key, 1, dedupTTL); err != nil {
		s.logger.Warn("failed to record callback dedup marker", zap.Error(err))
	}
}

// clearCart removes the purchased items from the student's cart. Best-effort:
// a failure is logged and never unwinds the completed payment.
func (s *ReconcileService) clearCart(ctx context.Context, payment *models.Payment) {
	courseIDs := make([]uint, 0, len(payment.Items))
	for _, item := range payment.Items {
		courseIDs = append(courseIDs, item.CourseID)
	}
	if len(courseIDs) == 0 {
		return
	}

	if err := s.db.WithContext(ctx).
		Where("student_id = ? AND course_id IN ?", payment.StudentID, courseIDs).
		Delete(&models.CartItem{}).Error; err != nil {
		s.logger.Warn("failed to clear cart after completed payment",
			zap.String("order_code", payment.OrderCode),
			zap.Uint("student_id", payment.StudentID),
			zap.Error(err))
	}
}

func (s *ReconcileService) loadPayment(orderCode string) (*models.Payment, error) {
	var payment models.Payment
	if err := s.db.Preload("Items").Where("order_code = ?", orderCode).First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, orderCode)
		}
		return nil, err
	}
	return &payment, nil
}

func (s *ReconcileService) logCallback(method models.PaymentMethod, orderCode string, payload []byte, outcome, detail string) {
	entry := models.CallbackLog{
		PaymentMethod: method,
		OrderCode:     orderCode,
		Payload:       payload,
		Outcome:       outcome,
		Detail:        detail,
	}
	if err := s.db.Create(&entry).Error; err != nil {
		s.logger.Warn("failed to record callback log", zap.Error(err))
	}
}
