package order

import (
	"context"
	"fmt"
	"time"

	"github.com/mnhtng/vpsctl/internal/controlplane/apierr"
	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
)

// validatePromotion looks up code and checks it is currently active
// (inside its start/end window, under its total and per-user usage
// caps) for userID. It does not record usage — MarkOrderPaid does that,
// in the same transaction as the pending->paid transition, so a
// promotion is only ever consumed by an order that actually got paid.
func (s *Service) validatePromotion(ctx context.Context, code, userID string) (store.Promotion, error) {
	promo, err := s.repo.GetPromotionByCode(ctx, code)
	if err != nil {
		if err == store.ErrNotFound {
			return store.Promotion{}, apierr.Wrap(apierr.KindNotFound, fmt.Sprintf("promotion code %q not found", code), err)
		}
		return store.Promotion{}, apierr.Internal(fmt.Errorf("looking up promotion %q: %w", code, err))
	}

	now := time.Now()
	if promo.StartsAt != nil && now.Before(*promo.StartsAt) {
		return store.Promotion{}, apierr.New(apierr.KindInvalidState, "promotion is not yet active")
	}
	if promo.EndsAt != nil && now.After(*promo.EndsAt) {
		return store.Promotion{}, apierr.New(apierr.KindInvalidState, "promotion has expired")
	}

	if promo.UsageCap > 0 {
		used, err := s.repo.CountPromotionUsage(ctx, promo.ID)
		if err != nil {
			return store.Promotion{}, apierr.Internal(fmt.Errorf("counting promotion usage: %w", err))
		}
		if used >= promo.UsageCap {
			return store.Promotion{}, apierr.New(apierr.KindLimitExceeded, "promotion usage cap reached")
		}
	}
	if promo.PerUserCap > 0 {
		used, err := s.repo.CountUserPromotionUsage(ctx, promo.ID, userID)
		if err != nil {
			return store.Promotion{}, apierr.Internal(fmt.Errorf("counting user promotion usage: %w", err))
		}
		if used >= promo.PerUserCap {
			return store.Promotion{}, apierr.New(apierr.KindLimitExceeded, "you have already used this promotion")
		}
	}

	return promo, nil
}

// applyDiscount computes the post-discount price for subtotal under
// promo, floored at zero.
func applyDiscount(subtotal int64, promo store.Promotion) int64 {
	var discounted int64
	switch promo.Type {
	case store.PromotionPercentage:
		discounted = subtotal - (subtotal*promo.Value)/100
	case store.PromotionFixed:
		discounted = subtotal - promo.Value
	default:
		discounted = subtotal
	}
	if discounted < 0 {
		return 0
	}
	return discounted
}
