package tenant

import (
	"context"
	"errors"
	"testing"
)

type mockUsageRepo struct {
	getUserUsage func(ctx context.Context, userID string) (*QuotaUsage, error)
}

func (m *mockUsageRepo) GetUserUsage(ctx context.Context, userID string) (*QuotaUsage, error) {
	if m.getUserUsage != nil {
		return m.getUserUsage(ctx, userID)
	}
	return &QuotaUsage{}, nil
}

func TestDefaultQuotaLimits(t *testing.T) {
	limits := DefaultQuotaLimits()

	if limits.MaxSnapshots != 3 {
		t.Errorf("Expected MaxSnapshots = 3, got %d", limits.MaxSnapshots)
	}
	if limits.MaxIPs != 1 {
		t.Errorf("Expected MaxIPs = 1, got %d", limits.MaxIPs)
	}
	if limits.MaxActiveVPS != 10 {
		t.Errorf("Expected MaxActiveVPS = 10, got %d", limits.MaxActiveVPS)
	}
}

func TestQuotaManager_GetLimits(t *testing.T) {
	repo := &mockUsageRepo{}
	qm := NewQuotaManager(repo)

	limits := qm.GetLimits("plan-basic")
	defaultLimits := DefaultQuotaLimits()
	if limits != defaultLimits {
		t.Errorf("Expected default limits, got %v", limits)
	}

	customLimits := QuotaLimits{
		MaxSnapshots: 10,
		MaxIPs:       3,
		MaxActiveVPS: 10,
	}
	qm.SetPlanLimits("plan-premium", customLimits)

	limits = qm.GetLimits("plan-premium")
	if limits != customLimits {
		t.Errorf("Expected custom limits %v, got %v", customLimits, limits)
	}

	// Unrelated plan still gets defaults.
	limits = qm.GetLimits("plan-basic")
	if limits != defaultLimits {
		t.Errorf("Expected default limits for unrelated plan, got %v", limits)
	}
}

func TestQuotaManager_GetUsage(t *testing.T) {
	repo := &mockUsageRepo{
		getUserUsage: func(ctx context.Context, userID string) (*QuotaUsage, error) {
			return &QuotaUsage{Snapshots: 2, IPs: 1, ActiveVPS: 3}, nil
		},
	}
	qm := NewQuotaManager(repo)

	usage, err := qm.GetUsage(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if usage.Snapshots != 2 || usage.IPs != 1 || usage.ActiveVPS != 3 {
		t.Errorf("unexpected usage: %+v", usage)
	}

	if _, err := qm.GetUsage(context.Background(), ""); err == nil {
		t.Error("expected error for empty user ID")
	}
}

func TestQuotaManager_GetUsage_WithProvider(t *testing.T) {
	qm := NewQuotaManagerWithProvider(func(ctx context.Context, userID string) (*QuotaUsage, error) {
		return &QuotaUsage{Snapshots: 1}, nil
	})

	usage, err := qm.GetUsage(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if usage.Snapshots != 1 {
		t.Errorf("expected snapshots=1, got %d", usage.Snapshots)
	}
}

func TestQuotaManager_GetUsage_NoProvider(t *testing.T) {
	qm := &QuotaManager{limits: map[string]QuotaLimits{}, defaultLim: DefaultQuotaLimits()}
	if _, err := qm.GetUsage(context.Background(), "user-1"); err == nil {
		t.Error("expected error when no usage provider is configured")
	}
}

func TestQuotaManager_CheckQuota(t *testing.T) {
	repo := &mockUsageRepo{
		getUserUsage: func(ctx context.Context, userID string) (*QuotaUsage, error) {
			return &QuotaUsage{Snapshots: 3, IPs: 1, ActiveVPS: 5}, nil
		},
	}
	qm := NewQuotaManager(repo)
	qm.SetPlanLimits("plan-basic", QuotaLimits{MaxSnapshots: 3, MaxIPs: 1, MaxActiveVPS: 10})

	// Snapshots already at the limit.
	err := qm.CheckQuota(context.Background(), "user-1", "plan-basic", QuotaResourceSnapshot)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("expected ErrQuotaExceeded, got %v", err)
	}

	// IPs already at the limit.
	err = qm.CheckQuota(context.Background(), "user-1", "plan-basic", QuotaResourceIP)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("expected ErrQuotaExceeded, got %v", err)
	}

	// Active VPS still has headroom.
	err = qm.CheckQuota(context.Background(), "user-1", "plan-basic", QuotaResourceVPS)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}

	// Unknown resource type.
	err = qm.CheckQuota(context.Background(), "user-1", "plan-basic", "unknown")
	if err == nil {
		t.Error("expected error for unknown resource type")
	}
}

func TestQuotaManager_CheckQuotaWithCount(t *testing.T) {
	repo := &mockUsageRepo{
		getUserUsage: func(ctx context.Context, userID string) (*QuotaUsage, error) {
			return &QuotaUsage{ActiveVPS: 8}, nil
		},
	}
	qm := NewQuotaManager(repo)
	qm.SetPlanLimits("plan-basic", QuotaLimits{MaxActiveVPS: 10})

	// Ordering 2 more VPS instances fits within the limit.
	if err := qm.CheckQuotaWithCount(context.Background(), "user-1", "plan-basic", QuotaResourceVPS, 2); err != nil {
		t.Errorf("expected no error, got %v", err)
	}

	// Ordering 3 more would exceed it.
	err := qm.CheckQuotaWithCount(context.Background(), "user-1", "plan-basic", QuotaResourceVPS, 3)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("expected ErrQuotaExceeded, got %v", err)
	}

	// A zero or negative count is always a no-op.
	if err := qm.CheckQuotaWithCount(context.Background(), "user-1", "plan-basic", QuotaResourceVPS, 0); err != nil {
		t.Errorf("expected no error for zero count, got %v", err)
	}
}

func TestQuotaManager_GetQuotaUsagePercent(t *testing.T) {
	repo := &mockUsageRepo{
		getUserUsage: func(ctx context.Context, userID string) (*QuotaUsage, error) {
			return &QuotaUsage{Snapshots: 1, IPs: 1, ActiveVPS: 5}, nil
		},
	}
	qm := NewQuotaManager(repo)
	qm.SetPlanLimits("plan-basic", QuotaLimits{MaxSnapshots: 2, MaxIPs: 1, MaxActiveVPS: 10})

	percentages, err := qm.GetQuotaUsagePercent(context.Background(), "user-1", "plan-basic")
	if err != nil {
		t.Fatalf("GetQuotaUsagePercent failed: %v", err)
	}
	if percentages["snapshots"] != 50 {
		t.Errorf("expected snapshots=50%%, got %v", percentages["snapshots"])
	}
	if percentages["ips"] != 100 {
		t.Errorf("expected ips=100%%, got %v", percentages["ips"])
	}
	if percentages["active_vps"] != 50 {
		t.Errorf("expected active_vps=50%%, got %v", percentages["active_vps"])
	}
}

func TestQuotaManager_GetQuotaStatus(t *testing.T) {
	repo := &mockUsageRepo{
		getUserUsage: func(ctx context.Context, userID string) (*QuotaUsage, error) {
			return &QuotaUsage{Snapshots: 1, IPs: 1, ActiveVPS: 1}, nil
		},
	}
	qm := NewQuotaManager(repo)
	qm.SetPlanLimits("plan-basic", QuotaLimits{MaxSnapshots: 2, MaxIPs: 1, MaxActiveVPS: 10})

	status, err := qm.GetQuotaStatus(context.Background(), "user-1", "plan-basic")
	if err != nil {
		t.Fatalf("GetQuotaStatus failed: %v", err)
	}
	if status.Limits.MaxSnapshots != 2 {
		t.Errorf("unexpected limits: %+v", status.Limits)
	}
	if status.Usage.Snapshots != 1 {
		t.Errorf("unexpected usage: %+v", status.Usage)
	}
	if status.Percentages["snapshots"] != 50 {
		t.Errorf("unexpected percentages: %+v", status.Percentages)
	}
}

func TestQuotaManager_CheckQuota_RepoError(t *testing.T) {
	repo := &mockUsageRepo{
		getUserUsage: func(ctx context.Context, userID string) (*QuotaUsage, error) {
			return nil, errors.New("database error")
		},
	}
	qm := NewQuotaManager(repo)

	err := qm.CheckQuota(context.Background(), "user-1", "plan-basic", QuotaResourceSnapshot)
	if err == nil {
		t.Error("expected error when usage repo fails")
	}
}
