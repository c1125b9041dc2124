// Package gateway abstracts the external payment providers behind a single
// contract. Each provider keeps its own request shapes, signature scheme and
// URL construction inside its adapter; the reconciliation engine only sees
// Payable and CallbackResult.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"coursepay/internal/models"
)

// Outcome is the normalised result a verified callback reports.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
	OutcomeProcessing Outcome = "processing"
)

// Payable is whatever artifact the client must be shown to pay: a redirect
// URL, a wallet deep link, a QR payload, or manual transfer instructions.
type Payable struct {
	PayURL       string                `json:"pay_url,omitempty"`
	Deeplink     string                `json:"deeplink,omitempty"`
	QRPayload    string                `json:"qr_payload,omitempty"`
	Instructions *TransferInstructions `json:"instructions,omitempty"`

	// GatewayAmount is the exact minor-unit amount presented to the provider
	// (VND for momo, cents for stripe). Recorded on the payment so inbound
	// callbacks can be cross-checked against it.
	GatewayAmount    int64  `json:"-"`
	GatewayCurrency  string `json:"-"`
	GatewayReference string `json:"-"`
}

// TransferInstructions describe a manual personal-account transfer.
type TransferInstructions struct {
	AccountID   string `json:"account_id"`
	AccountName string `json:"account_name"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference"`
}

// Callback carries an inbound notification in its original form. Body must be
// the raw request bytes; re-serialised JSON breaks signature verification.
type Callback struct {
	Body   []byte
	Header http.Header
	Query  url.Values
}

// CallbackResult is the normalised, authenticated content of a callback.
type CallbackResult struct {
	OrderCode    string
	GatewayTxnID string
	Amount       int64
	Currency     string
	Outcome      Outcome
	Message      string
	Raw          json.RawMessage
	ResponseTime int64
}

// QueryResult is the provider's authoritative view of a transaction.
type QueryResult struct {
	OrderCode    string
	GatewayTxnID string
	Outcome      Outcome
	Message      string
}

// Adapter is the uniform provider contract.
type Adapter interface {
	Method() models.PaymentMethod

	// CreatePayable mints a payable artifact for a pending payment. Safe to
	// retry: the provider may hand out a new session each call but the caller
	// observes the same shape.
	CreatePayable(ctx context.Context, p *models.Payment) (*Payable, error)

	// VerifyCallback authenticates an inbound notification and fails closed on
	// any missing field or malformed payload.
	VerifyCallback(ctx context.Context, cb Callback) (*CallbackResult, error)

	QueryPayment(ctx context.Context, p *models.Payment) (*QueryResult, error)
	RefundPayment(ctx context.Context, p *models.Payment, amount float64, reason string) error
}

// RejectedError marks a callback that was authenticated and found invalid:
// bad signature, amount mismatch, stale timestamp. It deterministically drives
// the payment to failed, as opposed to a TransientError which must not mutate
// ledger state.
type RejectedError struct {
	Reason string

	// OrderCode is the order the callback claimed to be about, when the
	// payload was parseable enough to tell. Unauthenticated, but it lets the
	// engine pin the rejection reason onto the right ledger row.
	OrderCode string
}

func (e *RejectedError) Error() string {
	return "callback rejected: " + e.Reason
}

// TransientError marks a provider or network failure that may succeed on
// retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsRejected reports whether err is a deterministic verification rejection.
func IsRejected(err error) (*RejectedError, bool) {
	var re *RejectedError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// Registry dispatches to the concrete adapter by payment method.
type Registry struct {
	adapters map[models.PaymentMethod]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.PaymentMethod]Adapter)}
	for _, a := range adapters {
		r.adapters[a.Method()] = a
	}
	return r
}

// Get returns the adapter for the given method.
func (r *Registry) Get(method models.PaymentMethod) (Adapter, error) {
	a, ok := r.adapters[method]
	if !ok {
		return nil, fmt.Errorf("unsupported payment method: %s", method)
	}
	return a, nil
}
