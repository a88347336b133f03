// Package payment implements the two payment gateway drivers (MoMo and
// VNPay) used to collect payment for an order: building the signed
// redirect/payload for the gateway to collect funds, and verifying the
// signed callback/return it sends back.
package payment

import (
	"context"
	"errors"

	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
)

// ErrInvalidSignature is returned by VerifyCallback when the gateway's HMAC
// does not match the one computed locally — the callback is rejected
// without touching the database.
var ErrInvalidSignature = errors.New("payment: invalid gateway signature")

// CreateOptions carries the per-request overrides a driver's CreatePayment
// accepts on top of its configured defaults.
type CreateOptions struct {
	ClientIP  string // required by VNPay (vnp_IpAddr)
	ReturnURL string // overrides the configured return URL if set
	NotifyURL string // MoMo only; overrides the configured IPN URL if set
	BankCode  string // VNPay only; routes straight to a bank's page
}

// PaymentResult is what a driver returns after successfully registering a
// payment with the gateway.
type PaymentResult struct {
	GatewayTxnID string
	PaymentURL   string
	QRCodeURL    string // MoMo only
	Deeplink     string // MoMo only
}

// VerifyResult is what a driver returns after checking a callback/return's
// signature and extracting its outcome.
type VerifyResult struct {
	Valid        bool
	Success      bool
	GatewayTxnID string
	Amount       int64
	Message      string
}

// Driver is implemented once per gateway (MoMo, VNPay). CreatePayment does
// not persist anything; the caller is responsible for recording the
// resulting PaymentTransaction in the same flow that calls it.
type Driver interface {
	Method() store.PaymentMethod
	CreatePayment(ctx context.Context, order store.Order, opts CreateOptions) (PaymentResult, error)
	// VerifyCallback checks params' signature and reports the gateway's
	// outcome. It never touches the database — ProcessCallback does that,
	// serialized per transaction ID.
	VerifyCallback(ctx context.Context, params map[string]string) (VerifyResult, error)
}
