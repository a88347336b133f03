package controlplane

import (
	"net/http"

	"github.com/mnhtng/vpsctl/internal/controlplane/apierr"
	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
	"github.com/mnhtng/vpsctl/internal/controlplane/payment"
)

// gatewayMethod maps the {momo,vnpay} path segment onto the internal
// PaymentMethod codes the payment package uses on the wire.
func gatewayMethod(r *http.Request) (store.PaymentMethod, bool) {
	switch r.PathValue("method") {
	case "momo":
		return store.PaymentMethodMoMo, true
	case "vnpay":
		return store.PaymentMethodVNPay, true
	default:
		return "", false
	}
}

type paymentCreateRequest struct {
	OrderNumber string `json:"order_number"`
	ReturnURL   string `json:"return_url"`
	BankCode    string `json:"bank_code"`
}

// handlePaymentCreate backs both /create and /repay — CreatePayment
// already treats a pending order's second call as a repay (updating
// the existing transaction row in place) and rejects a paid or
// cancelled order with InvalidState.
func (a *App) handlePaymentCreate(w http.ResponseWriter, r *http.Request) {
	method, ok := gatewayMethod(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported payment method")
		return
	}

	var req paymentCreateRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OrderNumber == "" {
		writeError(w, http.StatusBadRequest, "order_number is required")
		return
	}

	result, err := a.payments.CreatePayment(r.Context(), method, req.OrderNumber, payment.CreateOptions{
		ClientIP:  sourceIP(r),
		ReturnURL: req.ReturnURL,
		BankCode:  req.BankCode,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handlePaymentReturn is the user-redirect counterpart to the
// server-to-server notify/IPN callbacks below; it shares the same
// verification path but renders a browser-facing result instead of a
// gateway-facing acknowledgement body.
func (a *App) handlePaymentReturn(w http.ResponseWriter, r *http.Request) {
	method, ok := gatewayMethod(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported payment method")
		return
	}

	result, err := a.payments.ProcessCallback(r.Context(), method, flattenQuery(r))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": result.Success, "order_number": r.URL.Query().Get("order_number")})
}

// handlePaymentNotify is gateway M's server-to-server IPN. Its
// acknowledgement body always carries resultCode=0 once the callback
// has been durably processed, even on a replay — spec.md §8 scenario 3.
func (a *App) handlePaymentNotify(w http.ResponseWriter, r *http.Request) {
	var params map[string]string
	if err := decodeJSON(r.Body, &params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := a.payments.ProcessCallback(r.Context(), store.PaymentMethodMoMo, params); err != nil {
		if apiErr, ok := apierr.As(err); ok && apiErr.Status() == http.StatusForbidden {
			writeJSON(w, http.StatusOK, map[string]any{"resultCode": 97, "message": "invalid signature"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"resultCode": 99, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resultCode": 0, "message": "success"})
}

// handlePaymentIPN is gateway V's server-to-server IPN, with its own
// {RspCode, Message} acknowledgement shape — spec.md §8 scenario 6.
func (a *App) handlePaymentIPN(w http.ResponseWriter, r *http.Request) {
	params := flattenQuery(r)

	if _, err := a.payments.ProcessCallback(r.Context(), store.PaymentMethodVNPay, params); err != nil {
		if apiErr, ok := apierr.As(err); ok && apiErr.Status() == http.StatusForbidden {
			writeJSON(w, http.StatusOK, map[string]any{"RspCode": "97", "Message": "Invalid signature"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"RspCode": "99", "Message": "Unknown error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"RspCode": "00", "Message": "Confirm success"})
}

func flattenQuery(r *http.Request) map[string]string {
	q := r.URL.Query()
	out := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
