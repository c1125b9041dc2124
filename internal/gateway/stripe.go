package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/checkout/session"
	"github.com/stripe/stripe-go/v80/refund"
	"github.com/stripe/stripe-go/v80/webhook"

	"coursepay/internal/models"
)

// StripeConfig holds the card gateway credentials and the browser return
// targets appended to every checkout session.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

// StripeAdapter drives hosted checkout sessions. Callback verification never
// trusts the notification body: it re-fetches the session from the provider
// and only believes the freshly retrieved payment status, cross-checked
// against the order code the callback claims.
type StripeAdapter struct {
	cfg StripeConfig

	// Indirection over the stripe-go package functions so tests can substitute
	// a fake session store.
	createSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	getSession    func(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	newRefund     func(params *stripe.RefundParams) (*stripe.Refund, error)
}

func NewStripeAdapter(cfg StripeConfig) *StripeAdapter {
	stripe.Key = cfg.SecretKey
	return &StripeAdapter{
		cfg:           cfg,
		createSession: session.New,
		getSession:    session.Get,
		newRefund:     refund.New,
	}
}

func (a *StripeAdapter) Method() models.PaymentMethod { return models.PaymentMethodStripe }

// CreatePayable opens a hosted checkout session carrying the order code in
// both metadata and client_reference_id.
func (a *StripeAdapter) CreatePayable(_ context.Context, p *models.Payment) (*Payable, error) {
	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(p.Items))
	for _, item := range p.Items {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(p.Currency),
				UnitAmount: stripe.Int64(toMinorUnits(item.Price)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.CourseTitle),
				},
			},
			Quantity: stripe.Int64(1),
		})
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems:         lineItems,
		ClientReferenceID: stripe.String(p.OrderCode),
		SuccessURL:        stripe.String(a.cfg.SuccessURL + "?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(a.cfg.CancelURL + "?orderCode=" + p.OrderCode),
		ExpiresAt:         stripe.Int64(p.ExpiredAt.Unix()),
	}
	params.AddMetadata("order_code", p.OrderCode)

	sess, err := a.createSession(params)
	if err != nil {
		return nil, &TransientError{Op: "create checkout session", Err: err}
	}

	return &Payable{
		PayURL:           sess.URL,
		GatewayAmount:    toMinorUnits(p.FinalAmount),
		GatewayCurrency:  p.Currency,
		GatewayReference: sess.ID,
	}, nil
}

type stripeCallbackClaim struct {
	sessionID string
	orderCode string
}

// VerifyCallback accepts either a signed webhook event (Stripe-Signature
// header over the raw body) or a browser return carrying session_id in the
// query, then retrieves the authoritative session state.
func (a *StripeAdapter) VerifyCallback(_ context.Context, cb Callback) (*CallbackResult, error) {
	claim, err := a.extractClaim(cb)
	if err != nil {
		return nil, err
	}

	sess, err := a.getSession(claim.sessionID, nil)
	if err != nil {
		return nil, &TransientError{Op: "retrieve checkout session", Err: err}
	}

	orderCode := sess.Metadata["order_code"]
	if orderCode == "" {
		orderCode = sess.ClientReferenceID
	}
	if orderCode == "" {
		return nil, &RejectedError{Reason: "session carries no order code"}
	}
	if claim.orderCode != "" && claim.orderCode != orderCode {
		return nil, &RejectedError{Reason: "session order code does not match callback claim", OrderCode: claim.orderCode}
	}

	outcome := OutcomeProcessing
	switch sess.PaymentStatus {
	case stripe.CheckoutSessionPaymentStatusPaid, stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		outcome = OutcomeSuccess
	case stripe.CheckoutSessionPaymentStatusUnpaid:
		if sess.Status == stripe.CheckoutSessionStatusExpired {
			outcome = OutcomeFailure
		}
	}

	txnID := sess.ID
	if sess.PaymentIntent != nil {
		txnID = sess.PaymentIntent.ID
	}

	raw, _ := json.Marshal(sess)
	return &CallbackResult{
		OrderCode:    orderCode,
		GatewayTxnID: txnID,
		Amount:       sess.AmountTotal,
		Currency:     string(sess.Currency),
		Outcome:      outcome,
		Message:      string(sess.PaymentStatus),
		Raw:          raw,
	}, nil
}

func (a *StripeAdapter) extractClaim(cb Callback) (*stripeCallbackClaim, error) {
	if sig := cb.Header.Get("Stripe-Signature"); sig != "" {
		event, err := webhook.ConstructEvent(cb.Body, sig, a.cfg.WebhookSecret)
		if err != nil {
			return nil, &RejectedError{Reason: fmt.Sprintf("webhook signature verification failed: %v", err)}
		}
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, &RejectedError{Reason: "malformed checkout session in event"}
		}
		if sess.ID == "" {
			return nil, &RejectedError{Reason: "event carries no session id"}
		}
		return &stripeCallbackClaim{sessionID: sess.ID, orderCode: sess.Metadata["order_code"]}, nil
	}

	if id := cb.Query.Get("session_id"); id != "" {
		return &stripeCallbackClaim{sessionID: id, orderCode: cb.Query.Get("orderCode")}, nil
	}

	return nil, &RejectedError{Reason: "callback carries no session identifier"}
}

// QueryPayment re-fetches the checkout session recorded for the payment.
func (a *StripeAdapter) QueryPayment(_ context.Context, p *models.Payment) (*QueryResult, error) {
	if p.GatewayOrderCode == "" {
		return nil, fmt.Errorf("payment %s has no checkout session recorded", p.OrderCode)
	}
	sess, err := a.getSession(p.GatewayOrderCode, nil)
	if err != nil {
		return nil, &TransientError{Op: "retrieve checkout session", Err: err}
	}

	outcome := OutcomeProcessing
	if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
		outcome = OutcomeSuccess
	} else if sess.Status == stripe.CheckoutSessionStatusExpired {
		outcome = OutcomeFailure
	}

	txnID := sess.ID
	if sess.PaymentIntent != nil {
		txnID = sess.PaymentIntent.ID
	}
	return &QueryResult{
		OrderCode:    p.OrderCode,
		GatewayTxnID: txnID,
		Outcome:      outcome,
		Message:      string(sess.PaymentStatus),
	}, nil
}

// RefundPayment refunds against the payment intent captured at completion.
func (a *StripeAdapter) RefundPayment(_ context.Context, p *models.Payment, amount float64, reason string) error {
	if p.GatewayTransactionID == "" {
		return fmt.Errorf("payment %s has no gateway transaction to refund", p.OrderCode)
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(p.GatewayTransactionID),
		Amount:        stripe.Int64(toMinorUnits(amount)),
	}
	if reason != "" {
		params.AddMetadata("reason", reason)
	}
	if _, err := a.newRefund(params); err != nil {
		return &TransientError{Op: "refund", Err: err}
	}
	return nil
}

func toMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
