package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mnhtng/vpsctl/internal/controlplane/config"
	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
)

// VNPayDriver builds and verifies VNPay's redirect-based payment flow: all
// vnp_* fields except vnp_SecureHash/vnp_SecureHashType are sorted
// ascending, joined with '+'-for-space percent-encoding, and signed with
// HMAC-SHA512. Amounts are VND * 100 on the wire.
type VNPayDriver struct {
	cfg config.VNPayConfig
}

func NewVNPayDriver(cfg config.VNPayConfig) *VNPayDriver {
	return &VNPayDriver{cfg: cfg}
}

func (d *VNPayDriver) Method() store.PaymentMethod { return store.PaymentMethodVNPay }

func (d *VNPayDriver) CreatePayment(ctx context.Context, order store.Order, opts CreateOptions) (PaymentResult, error) {
	txnRef := fmt.Sprintf("VPS%s%d", order.OrderNumber, time.Now().Unix())
	amount := order.Price * 100

	returnURL := d.cfg.ReturnURL
	if opts.ReturnURL != "" {
		returnURL = opts.ReturnURL
	}
	clientIP := opts.ClientIP
	if clientIP == "" {
		clientIP = "127.0.0.1"
	}

	params := map[string]string{
		"vnp_Version":    "2.1.0",
		"vnp_Command":    "pay",
		"vnp_TmnCode":    d.cfg.TmnCode,
		"vnp_Amount":     strconv.FormatInt(amount, 10),
		"vnp_CurrCode":   "VND",
		"vnp_TxnRef":     txnRef,
		"vnp_OrderInfo":  fmt.Sprintf("Pay for order #%s", order.OrderNumber),
		"vnp_OrderType":  "other",
		"vnp_Locale":     "vn",
		"vnp_ReturnUrl":  returnURL,
		"vnp_CreateDate": time.Now().Format("20060102150405"),
		"vnp_IpAddr":     clientIP,
	}
	if opts.BankCode != "" {
		params["vnp_BankCode"] = opts.BankCode
	}

	signature := d.sign(params)
	params["vnp_SecureHash"] = signature

	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	paymentURL := fmt.Sprintf("%s?%s", d.cfg.Endpoint, values.Encode())

	return PaymentResult{GatewayTxnID: txnRef, PaymentURL: paymentURL}, nil
}

func (d *VNPayDriver) VerifyCallback(ctx context.Context, params map[string]string) (VerifyResult, error) {
	received := params["vnp_SecureHash"]

	signParams := make(map[string]string, len(params))
	for k, v := range params {
		if k == "vnp_SecureHash" || k == "vnp_SecureHashType" {
			continue
		}
		signParams[k] = v
	}
	expected := d.sign(signParams)

	if !strings.EqualFold(expected, received) {
		return VerifyResult{Valid: false}, ErrInvalidSignature
	}

	amount, _ := strconv.ParseInt(params["vnp_Amount"], 10, 64)
	amount /= 100

	return VerifyResult{
		Valid:        true,
		Success:      params["vnp_ResponseCode"] == "00",
		GatewayTxnID: params["vnp_TxnRef"],
		Amount:       amount,
		Message:      vnpayResponseMessage(params["vnp_ResponseCode"]),
	}, nil
}

// sign builds the sorted, '+'-space-encoded query string and returns its
// hex HMAC-SHA512 using the configured hash secret.
func (d *VNPayDriver) sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(plusEncode(params[k]))
	}

	mac := hmac.New(sha512.New, []byte(d.cfg.HashSecret))
	mac.Write([]byte(sb.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// plusEncode matches urllib.parse.quote_plus (spaces as '+', not "%20"),
// which is exactly what url.QueryEscape already does.
func plusEncode(s string) string {
	return url.QueryEscape(s)
}

func vnpayResponseMessage(code string) string {
	switch code {
	case "00":
		return "Giao dich thanh cong"
	case "24":
		return "Khach hang huy giao dich"
	case "51":
		return "Tai khoan khong du so du"
	default:
		return "Giao dich khong thanh cong"
	}
}
