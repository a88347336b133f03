package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mnhtng/vpsctl/internal/controlplane/config"
	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
)

func TestMoMoDriver_CreatePayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req momoCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Signature == "" {
			t.Error("expected a non-empty signature")
		}
		json.NewEncoder(w).Encode(momoCreateResponse{
			ResultCode: 0,
			PayURL:     "https://momo.test/pay/abc",
			QRCodeURL:  "https://momo.test/qr/abc",
			Deeplink:   "momo://abc",
		})
	}))
	defer srv.Close()

	driver := NewMoMoDriver(config.MoMoConfig{
		PartnerCode: "MOMO123",
		AccessKey:   "access-key",
		SecretKey:   "secret-key",
		Endpoint:    srv.URL,
		ReturnURL:   "https://vpsctl.io/return",
		NotifyURL:   "https://vpsctl.io/notify",
	})

	order := store.Order{ID: "order-1", OrderNumber: "VPS-abc123", Price: 250000, Currency: "VND"}
	result, err := driver.CreatePayment(context.Background(), order, CreateOptions{})
	if err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}
	if result.PaymentURL != "https://momo.test/pay/abc" {
		t.Errorf("unexpected payment URL: %s", result.PaymentURL)
	}
	if result.GatewayTxnID == "" {
		t.Error("expected a non-empty gateway txn id")
	}
}

func TestMoMoDriver_CreatePayment_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(momoCreateResponse{ResultCode: 99, Message: "insufficient funds"})
	}))
	defer srv.Close()

	driver := NewMoMoDriver(config.MoMoConfig{Endpoint: srv.URL, SecretKey: "secret"})
	_, err := driver.CreatePayment(context.Background(), store.Order{ID: "o1", OrderNumber: "VPS-1", Price: 1000}, CreateOptions{})
	if err == nil {
		t.Fatal("expected an error for a rejected payment")
	}
}

func TestMoMoDriver_VerifyCallback(t *testing.T) {
	driver := NewMoMoDriver(config.MoMoConfig{AccessKey: "access-key", SecretKey: "secret-key"})

	params := map[string]string{
		"accessKey":    "access-key",
		"amount":       "250000",
		"orderId":      "VPS_order-1_1700000000",
		"orderInfo":    "Thanh toan don hang #VPS-abc123",
		"partnerCode":  "MOMO123",
		"requestId":    "REQ_order-1_1700000000",
		"responseTime": "1700000001",
		"resultCode":   "0",
		"transId":      "9876543210",
	}
	raw := "accessKey=access-key&amount=250000&extraData=&ipnUrl=&orderId=VPS_order-1_1700000000" +
		"&orderInfo=Thanh toan don hang #VPS-abc123&orderType=&partnerCode=MOMO123&payType=" +
		"&requestId=REQ_order-1_1700000000&responseTime=1700000001&resultCode=0&transId=9876543210"
	params["signature"] = driver.sign(raw)

	result, err := driver.VerifyCallback(context.Background(), params)
	if err != nil {
		t.Fatalf("VerifyCallback failed: %v", err)
	}
	if !result.Valid || !result.Success {
		t.Errorf("expected valid+success, got %+v", result)
	}
	if result.Amount != 250000 {
		t.Errorf("expected amount 250000, got %d", result.Amount)
	}
}

func TestMoMoDriver_VerifyCallback_BadSignature(t *testing.T) {
	driver := NewMoMoDriver(config.MoMoConfig{AccessKey: "access-key", SecretKey: "secret-key"})

	params := map[string]string{
		"orderId":    "VPS_order-1_1700000000",
		"resultCode": "0",
		"signature":  "not-the-right-signature",
	}
	_, err := driver.VerifyCallback(context.Background(), params)
	if err != ErrInvalidSignature {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}
