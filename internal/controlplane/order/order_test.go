package order

import (
	"context"
	"strings"
	"testing"

	"github.com/mnhtng/vpsctl/internal/controlplane/apierr"
	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
)

func newTestRepo() *store.MemoryRepo {
	repo := store.NewMemoryRepo()
	repo.SeedPlan(store.Plan{ID: "plan-starter", MonthlyPrice: 100000, Currency: "VND"})
	repo.SeedTemplate(store.Template{ID: "tpl-ubuntu", Name: "ubuntu-22.04"})
	return repo
}

func TestCreateOrder_PricesAndGeneratesOrderNumber(t *testing.T) {
	repo := newTestRepo()
	svc := NewService(repo)

	order, items, err := svc.CreateOrder(context.Background(), "user-1", []ItemRequest{
		{PlanID: "plan-starter", TemplateID: "tpl-ubuntu", Hostname: "box1", DurationMonths: 3},
	}, "")
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if order.Price != 300000 {
		t.Errorf("expected price 300000, got %d", order.Price)
	}
	if order.Status != store.OrderPending {
		t.Errorf("expected pending status, got %s", order.Status)
	}
	if !strings.HasPrefix(order.OrderNumber, "VPS-") {
		t.Errorf("expected order number prefixed with VPS-, got %s", order.OrderNumber)
	}
	if len(items) != 1 || items[0].TotalPrice != 300000 {
		t.Errorf("unexpected items: %+v", items)
	}
}

func TestCreateOrder_UnknownPlan(t *testing.T) {
	repo := newTestRepo()
	svc := NewService(repo)

	_, _, err := svc.CreateOrder(context.Background(), "user-1", []ItemRequest{
		{PlanID: "does-not-exist", TemplateID: "tpl-ubuntu", DurationMonths: 1},
	}, "")
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Kind != apierr.KindNotFound {
		t.Fatalf("expected a KindNotFound error, got %v", err)
	}
}

func TestCreateOrder_WithPercentagePromotion(t *testing.T) {
	repo := newTestRepo()
	repo.SeedPromotion(store.Promotion{ID: "promo-1", Code: "SAVE10", Type: store.PromotionPercentage, Value: 10, UsageCap: 0, PerUserCap: 0})
	svc := NewService(repo)

	order, _, err := svc.CreateOrder(context.Background(), "user-1", []ItemRequest{
		{PlanID: "plan-starter", TemplateID: "tpl-ubuntu", DurationMonths: 1},
	}, "SAVE10")
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if order.Price != 90000 {
		t.Errorf("expected discounted price 90000, got %d", order.Price)
	}
	if order.PromotionID != "promo-1" {
		t.Errorf("expected promotion id to be recorded, got %s", order.PromotionID)
	}
}

func TestCreateOrder_PromotionPerUserCapExhausted(t *testing.T) {
	repo := newTestRepo()
	repo.SeedPromotion(store.Promotion{ID: "promo-1", Code: "ONCE", Type: store.PromotionFixed, Value: 5000, PerUserCap: 1})
	svc := NewService(repo)

	// First order consumes the cap via MarkOrderPaid.
	order1, _, err := svc.CreateOrder(context.Background(), "user-1", []ItemRequest{
		{PlanID: "plan-starter", TemplateID: "tpl-ubuntu", DurationMonths: 1},
	}, "ONCE")
	if err != nil {
		t.Fatalf("first CreateOrder failed: %v", err)
	}
	if err := repo.MarkOrderPaid(context.Background(), order1.ID, order1.PromotionID, "user-1"); err != nil {
		t.Fatalf("MarkOrderPaid failed: %v", err)
	}

	_, _, err = svc.CreateOrder(context.Background(), "user-1", []ItemRequest{
		{PlanID: "plan-starter", TemplateID: "tpl-ubuntu", DurationMonths: 1},
	}, "ONCE")
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Kind != apierr.KindLimitExceeded {
		t.Fatalf("expected a KindLimitExceeded error, got %v", err)
	}
}

func TestCancelOrder(t *testing.T) {
	repo := newTestRepo()
	svc := NewService(repo)

	order, _, err := svc.CreateOrder(context.Background(), "user-1", []ItemRequest{
		{PlanID: "plan-starter", TemplateID: "tpl-ubuntu", DurationMonths: 1},
	}, "")
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if err := svc.CancelOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}

	got, err := repo.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if got.Status != store.OrderCancelled {
		t.Errorf("expected cancelled status, got %s", got.Status)
	}
}

func TestCancelOrder_AlreadyPaid(t *testing.T) {
	repo := newTestRepo()
	svc := NewService(repo)

	order, _, err := svc.CreateOrder(context.Background(), "user-1", []ItemRequest{
		{PlanID: "plan-starter", TemplateID: "tpl-ubuntu", DurationMonths: 1},
	}, "")
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if err := repo.MarkOrderPaid(context.Background(), order.ID, "", ""); err != nil {
		t.Fatalf("MarkOrderPaid failed: %v", err)
	}

	err = svc.CancelOrder(context.Background(), order.ID)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Kind != apierr.KindInvalidState {
		t.Fatalf("expected a KindInvalidState error, got %v", err)
	}
}
