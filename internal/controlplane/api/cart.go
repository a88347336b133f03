package controlplane

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mnhtng/vpsctl/internal/controlplane/apierr"
	"github.com/mnhtng/vpsctl/internal/controlplane/order"
)

// cartTTL bounds how long an unpurchased cart survives. The cart itself
// has no persisted storage per spec.md §1 — it is a pre-checkout
// staging area, not a billing record, so an in-memory cache with a
// generous TTL is sufficient and avoids a schema for throwaway state.
const cartTTL = 24 * time.Hour

type cartItem struct {
	PlanID         string `json:"plan_id"`
	TemplateID     string `json:"template_id"`
	Hostname       string `json:"hostname"`
	DurationMonths int    `json:"duration_months"`
}

func cartKey(userID string) string {
	return fmt.Sprintf("cart:%s", userID)
}

func (a *App) loadCart(userID string) []cartItem {
	v, ok := a.cache.Get(cartKey(userID))
	if !ok {
		return nil
	}
	items, ok := v.([]cartItem)
	if !ok {
		return nil
	}
	return items
}

func (a *App) saveCart(userID string, items []cartItem) {
	a.cache.Set(cartKey(userID), items, cartTTL)
}

func (a *App) handleCartAdd(w http.ResponseWriter, r *http.Request) {
	claims, _ := userFromContext(r)

	var item cartItem
	if err := decodeJSON(r.Body, &item); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if item.PlanID == "" || item.TemplateID == "" || item.DurationMonths <= 0 {
		writeError(w, http.StatusBadRequest, "plan_id, template_id and a positive duration_months are required")
		return
	}

	items := append(a.loadCart(claims.UserID), item)
	a.saveCart(claims.UserID, items)
	writeJSON(w, http.StatusCreated, items)
}

func (a *App) handleCartList(w http.ResponseWriter, r *http.Request) {
	claims, _ := userFromContext(r)
	items := a.loadCart(claims.UserID)
	if items == nil {
		items = []cartItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *App) handleCartClear(w http.ResponseWriter, r *http.Request) {
	claims, _ := userFromContext(r)
	a.cache.Delete(cartKey(claims.UserID))
	writeJSON(w, http.StatusOK, map[string]string{"message": "cart cleared"})
}

func (a *App) handleCartRemove(w http.ResponseWriter, r *http.Request) {
	claims, _ := userFromContext(r)
	idx := r.PathValue("id")

	items := a.loadCart(claims.UserID)
	pos := -1
	for i := range items {
		if fmt.Sprintf("%d", i) == idx {
			pos = i
			break
		}
	}
	if pos == -1 {
		writeError(w, http.StatusNotFound, "cart item not found")
		return
	}
	items = append(items[:pos], items[pos+1:]...)
	a.saveCart(claims.UserID, items)
	writeJSON(w, http.StatusOK, items)
}

type checkoutRequest struct {
	PromoCode string `json:"promo_code"`
}

// handleCheckout turns the caller's cart into a priced order and clears
// the cart on success — a failed pricing attempt (unknown plan, mixed
// currencies) leaves the cart untouched so the caller can retry.
func (a *App) handleCheckout(w http.ResponseWriter, r *http.Request) {
	claims, _ := userFromContext(r)

	var req checkoutRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	items := a.loadCart(claims.UserID)
	if len(items) == 0 {
		writeAPIError(w, apierr.New(apierr.KindInvalidState, "cart is empty"))
		return
	}

	itemRequests := make([]order.ItemRequest, len(items))
	for i, it := range items {
		itemRequests[i] = order.ItemRequest{
			PlanID:         it.PlanID,
			TemplateID:     it.TemplateID,
			Hostname:       it.Hostname,
			DurationMonths: it.DurationMonths,
		}
	}

	createdOrder, createdItems, err := a.orders.CreateOrder(r.Context(), claims.UserID, itemRequests, req.PromoCode)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	a.cache.Delete(cartKey(claims.UserID))
	a.writeAudit(r.Context(), "USER", claims.UserID, "order.created", "order", createdOrder.ID, r)

	writeJSON(w, http.StatusCreated, map[string]any{
		"order": createdOrder,
		"items": createdItems,
	})
}
