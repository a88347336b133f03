package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mnhtng/vpsctl/internal/controlplane/config"
	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
)

// MoMoDriver talks to MoMo's v2 "payWithMethod" API: a JSON request signed
// with a fixed-order HMAC-SHA256 raw string, and a JSON IPN callback signed
// the same way over a different fixed field order.
type MoMoDriver struct {
	cfg        config.MoMoConfig
	httpClient *http.Client
}

func NewMoMoDriver(cfg config.MoMoConfig) *MoMoDriver {
	return &MoMoDriver{cfg: cfg, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

func (d *MoMoDriver) Method() store.PaymentMethod { return store.PaymentMethodMoMo }

type momoCreateRequest struct {
	PartnerCode string `json:"partnerCode"`
	PartnerName string `json:"partnerName"`
	StoreID     string `json:"storeId"`
	RequestID   string `json:"requestId"`
	Amount      int64  `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderInfo   string `json:"orderInfo"`
	RedirectURL string `json:"redirectUrl"`
	IpnURL      string `json:"ipnUrl"`
	Lang        string `json:"lang"`
	ExtraData   string `json:"extraData"`
	RequestType string `json:"requestType"`
	Signature   string `json:"signature"`
}

type momoCreateResponse struct {
	ResultCode int    `json:"resultCode"`
	Message    string `json:"message"`
	PayURL     string `json:"payUrl"`
	QRCodeURL  string `json:"qrCodeUrl"`
	Deeplink   string `json:"deeplink"`
}

func (d *MoMoDriver) CreatePayment(ctx context.Context, order store.Order, opts CreateOptions) (PaymentResult, error) {
	requestID := fmt.Sprintf("REQ_%s_%d", order.ID, time.Now().Unix())
	momoOrderID := fmt.Sprintf("VPS_%s_%d", order.OrderNumber, time.Now().Unix())

	redirectURL := d.cfg.ReturnURL
	if opts.ReturnURL != "" {
		redirectURL = opts.ReturnURL
	}
	ipnURL := d.cfg.NotifyURL
	if opts.NotifyURL != "" {
		ipnURL = opts.NotifyURL
	}

	orderInfo := fmt.Sprintf("Thanh toan don hang #%s", order.OrderNumber)
	const extraData = ""
	const requestType = "payWithMethod"

	rawSignature := fmt.Sprintf(
		"accessKey=%s&amount=%d&extraData=%s&ipnUrl=%s&orderId=%s&orderInfo=%s&partnerCode=%s&redirectUrl=%s&requestId=%s&requestType=%s",
		d.cfg.AccessKey, order.Price, extraData, ipnURL, momoOrderID, orderInfo, d.cfg.PartnerCode, redirectURL, requestID, requestType,
	)
	signature := d.sign(rawSignature)

	reqBody := momoCreateRequest{
		PartnerCode: d.cfg.PartnerCode,
		PartnerName: "VPS Rental",
		StoreID:     "VPSRentalStore",
		RequestID:   requestID,
		Amount:      order.Price,
		OrderID:     momoOrderID,
		OrderInfo:   orderInfo,
		RedirectURL: redirectURL,
		IpnURL:      ipnURL,
		Lang:        "vi",
		ExtraData:   extraData,
		RequestType: requestType,
		Signature:   signature,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("marshaling momo request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return PaymentResult{}, fmt.Errorf("building momo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("calling momo: %w", err)
	}
	defer resp.Body.Close()

	var result momoCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return PaymentResult{}, fmt.Errorf("decoding momo response: %w", err)
	}
	if result.ResultCode != 0 {
		return PaymentResult{}, fmt.Errorf("momo payment creation failed: %s (code %d)", result.Message, result.ResultCode)
	}

	return PaymentResult{
		GatewayTxnID: momoOrderID,
		PaymentURL:   result.PayURL,
		QRCodeURL:    result.QRCodeURL,
		Deeplink:     result.Deeplink,
	}, nil
}

// VerifyCallback checks the IPN payload's signature against the fixed
// callback field order and reports the payment outcome.
func (d *MoMoDriver) VerifyCallback(ctx context.Context, params map[string]string) (VerifyResult, error) {
	rawSignature := fmt.Sprintf(
		"accessKey=%s&amount=%s&extraData=%s&message=%s&orderId=%s&orderInfo=%s&orderType=%s&partnerCode=%s&payType=%s&requestId=%s&responseTime=%s&resultCode=%s&transId=%s",
		d.cfg.AccessKey, params["amount"], params["extraData"], params["message"], params["orderId"], params["orderInfo"],
		params["orderType"], params["partnerCode"], params["payType"], params["requestId"], params["responseTime"], params["resultCode"], params["transId"],
	)
	expected := d.sign(rawSignature)
	received := params["signature"]

	if !hmac.Equal([]byte(expected), []byte(received)) {
		return VerifyResult{Valid: false}, ErrInvalidSignature
	}

	var amount int64
	fmt.Sscanf(params["amount"], "%d", &amount)

	return VerifyResult{
		Valid:        true,
		Success:      params["resultCode"] == "0",
		GatewayTxnID: params["orderId"],
		Amount:       amount,
		Message:      params["message"],
	}, nil
}

func (d *MoMoDriver) sign(raw string) string {
	mac := hmac.New(sha256.New, []byte(d.cfg.SecretKey))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}
