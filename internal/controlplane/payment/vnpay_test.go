package payment

import (
	"context"
	"net/url"
	"testing"

	"github.com/mnhtng/vpsctl/internal/controlplane/config"
	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
)

func TestVNPayDriver_CreatePayment(t *testing.T) {
	driver := NewVNPayDriver(config.VNPayConfig{
		TmnCode:    "TMN001",
		HashSecret: "hash-secret",
		Endpoint:   "https://vnpay.test/pay",
		ReturnURL:  "https://vpsctl.io/return",
	})

	order := store.Order{OrderNumber: "abc123", Price: 500000}
	result, err := driver.CreatePayment(context.Background(), order, CreateOptions{ClientIP: "203.0.113.5"})
	if err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}
	if result.GatewayTxnID == "" {
		t.Error("expected a non-empty txn ref")
	}

	u, err := url.Parse(result.PaymentURL)
	if err != nil {
		t.Fatalf("parsing payment URL: %v", err)
	}
	q := u.Query()
	if q.Get("vnp_Amount") != "50000000" {
		t.Errorf("expected amount *100 = 50000000, got %s", q.Get("vnp_Amount"))
	}
	if q.Get("vnp_SecureHash") == "" {
		t.Error("expected a non-empty vnp_SecureHash")
	}
}

func TestVNPayDriver_VerifyCallback(t *testing.T) {
	driver := NewVNPayDriver(config.VNPayConfig{TmnCode: "TMN001", HashSecret: "hash-secret"})

	params := map[string]string{
		"vnp_Amount":     "50000000",
		"vnp_BankCode":   "NCB",
		"vnp_ResponseCode": "00",
		"vnp_TmnCode":    "TMN001",
		"vnp_TxnRef":     "VPSabc1231700000000",
	}
	params["vnp_SecureHash"] = driver.sign(params)

	result, err := driver.VerifyCallback(context.Background(), params)
	if err != nil {
		t.Fatalf("VerifyCallback failed: %v", err)
	}
	if !result.Valid || !result.Success {
		t.Errorf("expected valid+success, got %+v", result)
	}
	if result.Amount != 500000 {
		t.Errorf("expected amount 500000 after /100, got %d", result.Amount)
	}
}

func TestVNPayDriver_VerifyCallback_TamperedAmount(t *testing.T) {
	driver := NewVNPayDriver(config.VNPayConfig{TmnCode: "TMN001", HashSecret: "hash-secret"})

	params := map[string]string{
		"vnp_Amount":       "50000000",
		"vnp_ResponseCode": "00",
		"vnp_TxnRef":       "VPSabc1231700000000",
	}
	params["vnp_SecureHash"] = driver.sign(params)
	params["vnp_Amount"] = "900000000" // tampered after signing

	_, err := driver.VerifyCallback(context.Background(), params)
	if err != ErrInvalidSignature {
		t.Errorf("expected ErrInvalidSignature for tampered amount, got %v", err)
	}
}
