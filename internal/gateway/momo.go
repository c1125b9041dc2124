package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"coursepay/internal/models"
)

// MoMoConfig holds everything the wallet adapter needs. The Payout* fields and
// FxRate drive the personal-account manual mode; the rest is the partner API.
type MoMoConfig struct {
	PartnerCode string
	AccessKey   string
	SecretKey   string
	Endpoint    string
	RedirectURL string
	IPNURL      string

	PayoutAccountID   string
	PayoutDisplayName string
	// FxRate converts the catalog currency into VND for wallet transfers.
	FxRate float64

	// ReplayWindow bounds how old a callback's responseTime may be before it
	// is rejected as a replay. Zero means the 15 minute default.
	ReplayWindow time.Duration
}

const defaultReplayWindow = 15 * time.Minute

// MoMoAdapter talks to the wallet's partner API and verifies its IPN
// signatures. With PaymentModePersonal it produces manual transfer
// instructions instead of calling out.
type MoMoAdapter struct {
	cfg    MoMoConfig
	client *http.Client

	// now is overridable for replay-window tests.
	now func() time.Time
}

func NewMoMoAdapter(cfg MoMoConfig) *MoMoAdapter {
	if cfg.ReplayWindow == 0 {
		cfg.ReplayWindow = defaultReplayWindow
	}
	return &MoMoAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		now:    time.Now,
	}
}

func (a *MoMoAdapter) Method() models.PaymentMethod { return models.PaymentMethodMoMo }

// AmountFor converts a payment's final amount into whole VND.
func (a *MoMoAdapter) AmountFor(p *models.Payment) int64 {
	if strings.EqualFold(p.Currency, "VND") {
		return int64(math.Round(p.FinalAmount))
	}
	return int64(math.Round(p.FinalAmount * a.cfg.FxRate))
}

type momoCreateRequest struct {
	PartnerCode string `json:"partnerCode"`
	AccessKey   string `json:"accessKey"`
	RequestID   string `json:"requestId"`
	Amount      int64  `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderInfo   string `json:"orderInfo"`
	RedirectURL string `json:"redirectUrl"`
	IPNURL      string `json:"ipnUrl"`
	ExtraData   string `json:"extraData"`
	RequestType string `json:"requestType"`
	Signature   string `json:"signature"`
}

type momoCreateResponse struct {
	ResultCode int    `json:"resultCode"`
	Message    string `json:"message"`
	PayURL     string `json:"payUrl"`
	Deeplink   string `json:"deeplink"`
	QRCodeURL  string `json:"qrCodeUrl"`
}

// CreatePayable mints a wallet payment, or builds manual transfer
// instructions when the payment uses the personal-account mode.
func (a *MoMoAdapter) CreatePayable(ctx context.Context, p *models.Payment) (*Payable, error) {
	amount := a.AmountFor(p)

	if p.PaymentMode == models.PaymentModePersonal {
		return a.personalPayable(p, amount), nil
	}

	req := momoCreateRequest{
		PartnerCode: a.cfg.PartnerCode,
		AccessKey:   a.cfg.AccessKey,
		RequestID:   uuid.NewString(),
		Amount:      amount,
		OrderID:     p.OrderCode,
		OrderInfo:   fmt.Sprintf("Course purchase %s", p.OrderCode),
		RedirectURL: a.cfg.RedirectURL,
		IPNURL:      a.cfg.IPNURL,
		ExtraData:   "",
		RequestType: "captureWallet",
	}

	raw := fmt.Sprintf("accessKey=%s&amount=%d&extraData=%s&ipnUrl=%s&orderId=%s&orderInfo=%s&partnerCode=%s&redirectUrl=%s&requestId=%s&requestType=%s",
		req.AccessKey, req.Amount, req.ExtraData, req.IPNURL, req.OrderID, req.OrderInfo, req.PartnerCode, req.RedirectURL, req.RequestID, req.RequestType)
	req.Signature = a.sign(raw)

	var resp momoCreateResponse
	if err := a.post(ctx, "/v2/gateway/api/create", req, &resp); err != nil {
		return nil, err
	}
	if resp.ResultCode != 0 {
		return nil, &TransientError{Op: "create", Err: fmt.Errorf("provider returned %d: %s", resp.ResultCode, resp.Message)}
	}

	return &Payable{
		PayURL:           resp.PayURL,
		Deeplink:         resp.Deeplink,
		QRPayload:        resp.QRCodeURL,
		GatewayAmount:    amount,
		GatewayCurrency:  "VND",
		GatewayReference: req.RequestID,
	}, nil
}

func (a *MoMoAdapter) personalPayable(p *models.Payment, amount int64) *Payable {
	reference := fmt.Sprintf("CPAY %s", p.OrderCode)
	instructions := &TransferInstructions{
		AccountID:   a.cfg.PayoutAccountID,
		AccountName: a.cfg.PayoutDisplayName,
		Amount:      amount,
		Currency:    "VND",
		Reference:   reference,
	}
	// Personal transfer QR payload understood by the wallet app.
	qr := fmt.Sprintf("2|99|%s|%s|||0|0|%d|%s", a.cfg.PayoutAccountID, a.cfg.PayoutDisplayName, amount, reference)
	return &Payable{
		QRPayload:       qr,
		Instructions:    instructions,
		GatewayAmount:   amount,
		GatewayCurrency: "VND",
	}
}

type momoIPN struct {
	PartnerCode  string `json:"partnerCode"`
	OrderID      string `json:"orderId"`
	RequestID    string `json:"requestId"`
	Amount       int64  `json:"amount"`
	OrderInfo    string `json:"orderInfo"`
	OrderType    string `json:"orderType"`
	TransID      int64  `json:"transId"`
	ResultCode   int    `json:"resultCode"`
	Message      string `json:"message"`
	PayType      string `json:"payType"`
	ResponseTime int64  `json:"responseTime"`
	ExtraData    string `json:"extraData"`
	Signature    string `json:"signature"`
}

// VerifyCallback authenticates an IPN notification. The signature is an
// HMAC-SHA256 over the fixed ordered field string; any missing field fails
// closed, and a responseTime outside the replay window is rejected with a
// reason distinct from a bad signature so audit logs can tell forged from
// stale.
func (a *MoMoAdapter) VerifyCallback(_ context.Context, cb Callback) (*CallbackResult, error) {
	var ipn momoIPN
	if err := json.Unmarshal(cb.Body, &ipn); err != nil {
		return nil, &RejectedError{Reason: "malformed callback payload"}
	}
	if ipn.OrderID == "" || ipn.RequestID == "" || ipn.Signature == "" || ipn.ResponseTime == 0 {
		return nil, &RejectedError{Reason: "missing required callback fields", OrderCode: ipn.OrderID}
	}
	if ipn.PartnerCode != a.cfg.PartnerCode {
		return nil, &RejectedError{Reason: "unknown partner code", OrderCode: ipn.OrderID}
	}

	raw := fmt.Sprintf("accessKey=%s&amount=%d&extraData=%s&message=%s&orderId=%s&orderInfo=%s&orderType=%s&partnerCode=%s&payType=%s&requestId=%s&responseTime=%d&resultCode=%d&transId=%d",
		a.cfg.AccessKey, ipn.Amount, ipn.ExtraData, ipn.Message, ipn.OrderID, ipn.OrderInfo, ipn.OrderType,
		ipn.PartnerCode, ipn.PayType, ipn.RequestID, ipn.ResponseTime, ipn.ResultCode, ipn.TransID)
	expected := a.sign(raw)
	if !hmac.Equal([]byte(expected), []byte(ipn.Signature)) {
		return nil, &RejectedError{Reason: "invalid signature", OrderCode: ipn.OrderID}
	}

	sentAt := time.UnixMilli(ipn.ResponseTime)
	if a.now().Sub(sentAt) > a.cfg.ReplayWindow {
		return nil, &RejectedError{Reason: "stale callback timestamp (possible replay)", OrderCode: ipn.OrderID}
	}

	outcome := OutcomeFailure
	switch ipn.ResultCode {
	case 0:
		outcome = OutcomeSuccess
	case 9000:
		// Authorized but not yet captured.
		outcome = OutcomeProcessing
	}

	return &CallbackResult{
		OrderCode:    ipn.OrderID,
		GatewayTxnID: fmt.Sprintf("%d", ipn.TransID),
		Amount:       ipn.Amount,
		Currency:     "VND",
		Outcome:      outcome,
		Message:      ipn.Message,
		Raw:          json.RawMessage(cb.Body),
		ResponseTime: ipn.ResponseTime,
	}, nil
}

type momoQueryResponse struct {
	ResultCode int    `json:"resultCode"`
	Message    string `json:"message"`
	TransID    int64  `json:"transId"`
}

// QueryPayment re-fetches the transaction state out of band.
func (a *MoMoAdapter) QueryPayment(ctx context.Context, p *models.Payment) (*QueryResult, error) {
	requestID := uuid.NewString()
	raw := fmt.Sprintf("accessKey=%s&orderId=%s&partnerCode=%s&requestId=%s",
		a.cfg.AccessKey, p.OrderCode, a.cfg.PartnerCode, requestID)

	req := map[string]interface{}{
		"partnerCode": a.cfg.PartnerCode,
		"requestId":   requestID,
		"orderId":     p.OrderCode,
		"signature":   a.sign(raw),
		"lang":        "en",
	}

	var resp momoQueryResponse
	if err := a.post(ctx, "/v2/gateway/api/query", req, &resp); err != nil {
		return nil, err
	}

	outcome := OutcomeFailure
	switch resp.ResultCode {
	case 0:
		outcome = OutcomeSuccess
	case 9000, 1000:
		outcome = OutcomeProcessing
	}
	return &QueryResult{
		OrderCode:    p.OrderCode,
		GatewayTxnID: fmt.Sprintf("%d", resp.TransID),
		Outcome:      outcome,
		Message:      resp.Message,
	}, nil
}

// RefundPayment issues a partner-API refund. Personal-mode payments have no
// API to refund through and must be handled by the operator out of band.
func (a *MoMoAdapter) RefundPayment(ctx context.Context, p *models.Payment, amount float64, reason string) error {
	if p.PaymentMode == models.PaymentModePersonal {
		return &TransientError{Op: "refund", Err: fmt.Errorf("personal transfers cannot be refunded via API")}
	}

	requestID := uuid.NewString()
	refundAmount := int64(math.Round(amount * a.cfg.FxRate))
	if strings.EqualFold(p.Currency, "VND") {
		refundAmount = int64(math.Round(amount))
	}

	raw := fmt.Sprintf("accessKey=%s&amount=%d&description=%s&orderId=%s&partnerCode=%s&requestId=%s&transId=%s",
		a.cfg.AccessKey, refundAmount, reason, p.OrderCode, a.cfg.PartnerCode, requestID, p.GatewayTransactionID)

	req := map[string]interface{}{
		"partnerCode": a.cfg.PartnerCode,
		"requestId":   requestID,
		"orderId":     p.OrderCode,
		"amount":      refundAmount,
		"transId":     p.GatewayTransactionID,
		"description": reason,
		"signature":   a.sign(raw),
	}

	var resp momoQueryResponse
	if err := a.post(ctx, "/v2/gateway/api/refund", req, &resp); err != nil {
		return err
	}
	if resp.ResultCode != 0 {
		return &TransientError{Op: "refund", Err: fmt.Errorf("provider returned %d: %s", resp.ResultCode, resp.Message)}
	}
	return nil
}

func (a *MoMoAdapter) sign(raw string) string {
	mac := hmac.New(sha256.New, []byte(a.cfg.SecretKey))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *MoMoAdapter) post(ctx context.Context, path string, payload, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return &TransientError{Op: "request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Op: "read response", Err: err}
	}
	if resp.StatusCode >= 400 {
		return &TransientError{Op: "request", Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &TransientError{Op: "decode response", Err: err}
	}
	return nil
}
