package payment

import (
	"context"
	"fmt"

	"github.com/mnhtng/vpsctl/internal/controlplane/apierr"
	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
)

// CreatePayment starts (or retries) a gateway payment session for an
// order. The order must still be pending — a previously paid or
// cancelled order is rejected with InvalidState, the repay guard from
// spec.md §8 scenario 2.
func (p *Processor) CreatePayment(ctx context.Context, method store.PaymentMethod, orderNumber string, opts CreateOptions) (PaymentResult, error) {
	driver, ok := p.drivers[method]
	if !ok {
		return PaymentResult{}, apierr.New(apierr.KindInvalidState, fmt.Sprintf("unknown payment method %q", method))
	}

	order, err := p.repo.GetOrderByNumber(ctx, orderNumber)
	if err != nil {
		return PaymentResult{}, apierr.Wrap(apierr.KindNotFound, "order not found", err)
	}
	if order.Status != store.OrderPending {
		return PaymentResult{}, apierr.New(apierr.KindInvalidState, "order is not in a payable state")
	}

	result, err := driver.CreatePayment(ctx, order, opts)
	if err != nil {
		return PaymentResult{}, apierr.Upstream(fmt.Errorf("creating %s payment for order %s: %w", method, orderNumber, err))
	}

	_, err = p.repo.CreatePaymentTransaction(ctx, store.PaymentTransaction{
		OrderID:      order.ID,
		GatewayTxnID: result.GatewayTxnID,
		Method:       method,
		Amount:       order.Price,
		Currency:     order.Currency,
		Status:       store.PaymentPending,
	})
	if err != nil {
		return PaymentResult{}, apierr.Internal(fmt.Errorf("persisting payment transaction for order %s: %w", orderNumber, err))
	}

	return result, nil
}
