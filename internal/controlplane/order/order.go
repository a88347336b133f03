// Package order implements the order state machine: building a priced
// order from a plan/template selection, validating and applying an
// optional promotion code, and the pending->paid / pending->cancelled
// transitions (the pending->paid half is driven by the payment package's
// callback processor, which calls store.Repo.MarkOrderPaid directly).
package order

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/mnhtng/vpsctl/internal/controlplane/apierr"
	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
	"github.com/mnhtng/vpsctl/internal/controlplane/metrics"
)

// maxOrderNumberAttempts bounds the order_number collision-retry loop;
// a collision on a timestamp+random6 suffix is vanishingly unlikely, so
// this only guards against a pathological generator bug.
const maxOrderNumberAttempts = 5

// ItemRequest is one line item a caller wants to order: a plan/template
// pair, a chosen hostname, and a billing duration in months.
type ItemRequest struct {
	PlanID         string
	TemplateID     string
	Hostname       string
	DurationMonths int
}

// Service builds and transitions orders.
type Service struct {
	repo store.Repo
}

func NewService(repo store.Repo) *Service {
	return &Service{repo: repo}
}

// CreateOrder prices each requested item off its plan's MonthlyPrice,
// applies promoCode (if non-empty) as a whole-order discount, and
// persists the order and its items in pending status. The order number
// is generated and retried independently of any other field, so a
// collision never loses or duplicates the priced items.
func (s *Service) CreateOrder(ctx context.Context, userID string, items []ItemRequest, promoCode string) (store.Order, []store.OrderItem, error) {
	if len(items) == 0 {
		return store.Order{}, nil, apierr.New(apierr.KindInvalidState, "an order requires at least one item")
	}

	orderItems := make([]store.OrderItem, 0, len(items))
	var subtotal int64
	var currency string
	for _, it := range items {
		if it.DurationMonths <= 0 {
			return store.Order{}, nil, apierr.New(apierr.KindInvalidState, "duration_months must be positive")
		}
		plan, err := s.repo.GetPlan(ctx, it.PlanID)
		if err != nil {
			return store.Order{}, nil, apierr.Wrap(apierr.KindNotFound, fmt.Sprintf("plan %s not found", it.PlanID), err)
		}
		if _, err := s.repo.GetTemplate(ctx, it.TemplateID); err != nil {
			return store.Order{}, nil, apierr.Wrap(apierr.KindNotFound, fmt.Sprintf("template %s not found", it.TemplateID), err)
		}
		if currency == "" {
			currency = plan.Currency
		} else if currency != plan.Currency {
			return store.Order{}, nil, apierr.New(apierr.KindInvalidState, "all items in an order must share a currency")
		}

		total := plan.MonthlyPrice * int64(it.DurationMonths)
		subtotal += total
		orderItems = append(orderItems, store.OrderItem{
			PlanID:         it.PlanID,
			TemplateID:     it.TemplateID,
			Hostname:       it.Hostname,
			DurationMonths: it.DurationMonths,
			UnitPrice:      plan.MonthlyPrice,
			TotalPrice:     total,
		})
	}

	price := subtotal
	var appliedPromotionID string
	if promoCode != "" {
		promo, err := s.validatePromotion(ctx, promoCode, userID)
		if err != nil {
			return store.Order{}, nil, err
		}
		price = applyDiscount(subtotal, promo)
		appliedPromotionID = promo.ID
	}

	order := store.Order{
		UserID:      userID,
		Price:       price,
		Currency:    currency,
		Status:      store.OrderPending,
		PromotionID: appliedPromotionID,
	}

	var created store.Order
	var createdItems []store.OrderItem
	var err error
	for attempt := 0; attempt < maxOrderNumberAttempts; attempt++ {
		order.OrderNumber = newOrderNumber()
		created, createdItems, err = s.repo.CreateOrder(ctx, order, orderItems)
		if err == nil {
			break
		}
		if err != store.ErrConflict {
			return store.Order{}, nil, apierr.Internal(fmt.Errorf("creating order: %w", err))
		}
	}
	if err != nil {
		return store.Order{}, nil, apierr.Internal(fmt.Errorf("creating order: exhausted %d order_number attempts: %w", maxOrderNumberAttempts, err))
	}

	metrics.OrdersCreated.WithLabelValues(currency).Inc()
	return created, createdItems, nil
}

// CancelOrder transitions a pending order to cancelled. It fails if the
// order has already been paid.
func (s *Service) CancelOrder(ctx context.Context, orderID string) error {
	if err := s.repo.CancelOrder(ctx, orderID); err != nil {
		if err == store.ErrOrderAlreadyPaid {
			return apierr.New(apierr.KindInvalidState, "order is already paid and cannot be cancelled")
		}
		if err == store.ErrNotFound {
			return apierr.Wrap(apierr.KindNotFound, "order not found", err)
		}
		return apierr.Internal(fmt.Errorf("cancelling order %s: %w", orderID, err))
	}
	return nil
}

// newOrderNumber builds a sortable-by-creation, collision-resistant
// order number: a base36 millisecond timestamp plus a random 6-character
// suffix.
func newOrderNumber() string {
	return "VPS-" + strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + random6()
}

const random6Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

func random6() string {
	var sb strings.Builder
	for i := 0; i < 6; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(random6Alphabet))))
		if err != nil {
			// crypto/rand failing is unrecoverable; fall back to a
			// timestamp-derived digit rather than panicking.
			sb.WriteByte(random6Alphabet[time.Now().Nanosecond()%len(random6Alphabet)])
			continue
		}
		sb.WriteByte(random6Alphabet[n.Int64()])
	}
	return sb.String()
}
