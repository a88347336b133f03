package payment

import (
	"context"
	"fmt"

	"github.com/mnhtng/vpsctl/internal/controlplane/apierr"
	"github.com/mnhtng/vpsctl/internal/controlplane/metrics"
	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
)

// Processor verifies a gateway callback and applies its outcome to the
// order/transaction tables, serialized per transaction ID so a gateway's
// at-least-once delivery can never double-apply a payment.
type Processor struct {
	repo    store.Repo
	drivers map[store.PaymentMethod]Driver
}

func NewProcessor(repo store.Repo, drivers ...Driver) *Processor {
	byMethod := make(map[store.PaymentMethod]Driver, len(drivers))
	for _, d := range drivers {
		byMethod[d.Method()] = d
	}
	return &Processor{repo: repo, drivers: byMethod}
}

// ProcessCallback verifies params against the named gateway's driver, then
// — holding the per-transaction lock — looks up the PaymentTransaction,
// updates its status, and (on success) marks the order paid. Replays of an
// already-processed callback are a no-op success.
func (p *Processor) ProcessCallback(ctx context.Context, method store.PaymentMethod, params map[string]string) (VerifyResult, error) {
	driver, ok := p.drivers[method]
	if !ok {
		return VerifyResult{}, apierr.New(apierr.KindInvalidState, fmt.Sprintf("unknown payment method %q", method))
	}

	result, err := driver.VerifyCallback(ctx, params)
	if err != nil {
		metrics.PaymentCallbacksTotal.WithLabelValues(string(method), "invalid_signature").Inc()
		return VerifyResult{}, apierr.Wrap(apierr.KindForbidden, "callback signature verification failed", err)
	}

	release, err := p.repo.LockTransactionByTxnID(ctx, result.GatewayTxnID)
	if err != nil {
		return VerifyResult{}, apierr.Internal(fmt.Errorf("locking transaction %s: %w", result.GatewayTxnID, err))
	}
	defer release()

	txn, err := p.repo.GetPaymentTransactionByTxnID(ctx, result.GatewayTxnID)
	if err != nil {
		metrics.PaymentCallbacksTotal.WithLabelValues(string(method), "unknown_txn").Inc()
		return VerifyResult{}, apierr.Wrap(apierr.KindNotFound, "payment transaction not found", err)
	}

	if txn.Status == store.PaymentCompleted || txn.Status == store.PaymentFailed {
		// Already processed by an earlier delivery of the same callback.
		metrics.PaymentCallbacksTotal.WithLabelValues(string(method), "replay").Inc()
		return result, nil
	}

	if result.Success {
		txn.Status = store.PaymentCompleted
	} else {
		txn.Status = store.PaymentFailed
	}
	if err := p.repo.UpdatePaymentTransaction(ctx, txn); err != nil {
		return VerifyResult{}, apierr.Internal(fmt.Errorf("updating transaction %s: %w", txn.ID, err))
	}

	if result.Success {
		var promotionID, promoUserID string
		order, orderErr := p.repo.GetOrder(ctx, txn.OrderID)
		if orderErr == nil {
			promotionID = order.PromotionID
			promoUserID = order.UserID
		}
		if err := p.repo.MarkOrderPaid(ctx, txn.OrderID, promotionID, promoUserID); err != nil {
			return VerifyResult{}, apierr.Internal(fmt.Errorf("marking order %s paid: %w", txn.OrderID, err))
		}
		metrics.OrdersPaid.WithLabelValues(string(method)).Inc()
		metrics.PaymentCallbacksTotal.WithLabelValues(string(method), "success").Inc()
	} else {
		metrics.PaymentCallbacksTotal.WithLabelValues(string(method), "failed").Inc()
	}

	return result, nil
}
