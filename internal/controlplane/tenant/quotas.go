package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrQuotaExceeded is returned when a user exceeds a plan-derived quota limit.
var ErrQuotaExceeded = errors.New("quota exceeded")

// QuotaLimits defines the maximum resources a user can hold under a given
// plan. MaxSnapshots and MaxIPs come directly off the catalog Plan;
// MaxActiveVPS is an account-wide cap independent of any single plan.
type QuotaLimits struct {
	MaxSnapshots int `json:"max_snapshots"`
	MaxIPs       int `json:"max_ips"`
	MaxActiveVPS int `json:"max_active_vps"`
}

// DefaultQuotaLimits returns sensible default quota limits for a user with
// no plan-specific override on file.
func DefaultQuotaLimits() QuotaLimits {
	return QuotaLimits{
		MaxSnapshots: 3,
		MaxIPs:       1,
		MaxActiveVPS: 10,
	}
}

// QuotaUsage represents current resource usage for a user.
type QuotaUsage struct {
	Snapshots int `json:"snapshots"`
	IPs       int `json:"ips"`
	ActiveVPS int `json:"active_vps"`
}

// UsageRepo defines the interface for getting a user's current usage.
type UsageRepo interface {
	GetUserUsage(ctx context.Context, userID string) (*QuotaUsage, error)
}

// QuotaUsageProvider is a function type that provides user usage, useful in
// tests or when usage is computed from multiple repos.
type QuotaUsageProvider func(ctx context.Context, userID string) (*QuotaUsage, error)

// QuotaManager manages per-user quota limits (overridable per plan) and
// usage checks.
type QuotaManager struct {
	mu         sync.RWMutex
	limits     map[string]QuotaLimits // planID -> limits
	defaultLim QuotaLimits
	repo       UsageRepo
	provider   QuotaUsageProvider
}

// NewQuotaManager creates a new QuotaManager backed by a usage repo.
func NewQuotaManager(repo UsageRepo) *QuotaManager {
	return &QuotaManager{
		limits:     make(map[string]QuotaLimits),
		defaultLim: DefaultQuotaLimits(),
		repo:       repo,
	}
}

// NewQuotaManagerWithProvider creates a new QuotaManager with a custom
// provider function instead of a repo.
func NewQuotaManagerWithProvider(provider QuotaUsageProvider) *QuotaManager {
	return &QuotaManager{
		limits:     make(map[string]QuotaLimits),
		defaultLim: DefaultQuotaLimits(),
		provider:   provider,
	}
}

// SetPlanLimits sets quota limits derived from a catalog plan (its
// MaxSnapshots/MaxIPs) so CheckQuota can enforce plan-specific caps.
func (qm *QuotaManager) SetPlanLimits(planID string, limits QuotaLimits) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	qm.limits[planID] = limits
}

// GetLimits returns the quota limits for a plan, or the account-wide
// defaults if the plan has no override on file.
func (qm *QuotaManager) GetLimits(planID string) QuotaLimits {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	if limits, ok := qm.limits[planID]; ok {
		return limits
	}
	return qm.defaultLim
}

// GetUsage returns the current quota usage for a user.
func (qm *QuotaManager) GetUsage(ctx context.Context, userID string) (*QuotaUsage, error) {
	if userID == "" {
		return nil, errors.New("user ID is required")
	}
	if qm.provider != nil {
		return qm.provider(ctx, userID)
	}
	if qm.repo != nil {
		return qm.repo.GetUserUsage(ctx, userID)
	}
	return nil, errors.New("no usage provider configured")
}

// QuotaResourceType represents the type of resource being checked.
type QuotaResourceType string

const (
	QuotaResourceSnapshot QuotaResourceType = "snapshot"
	QuotaResourceIP       QuotaResourceType = "ip"
	QuotaResourceVPS      QuotaResourceType = "vps_instance"
)

func (qm *QuotaManager) resolve(resourceType QuotaResourceType, limits QuotaLimits, usage *QuotaUsage) (limit, current int, name string, err error) {
	switch resourceType {
	case QuotaResourceSnapshot:
		return limits.MaxSnapshots, usage.Snapshots, "snapshots", nil
	case QuotaResourceIP:
		return limits.MaxIPs, usage.IPs, "IPs", nil
	case QuotaResourceVPS:
		return limits.MaxActiveVPS, usage.ActiveVPS, "active VPS instances", nil
	default:
		return 0, 0, "", fmt.Errorf("unknown resource type: %s", resourceType)
	}
}

// CheckQuota checks whether a user on the given plan can create one more
// resource of the given type. Returns ErrQuotaExceeded if the quota would be
// exceeded.
func (qm *QuotaManager) CheckQuota(ctx context.Context, userID, planID string, resourceType QuotaResourceType) error {
	return qm.CheckQuotaWithCount(ctx, userID, planID, resourceType, 1)
}

// CheckQuotaWithCount checks quota with a specific count (for batch
// provisioning, e.g. an order with several VPS items).
func (qm *QuotaManager) CheckQuotaWithCount(ctx context.Context, userID, planID string, resourceType QuotaResourceType, count int) error {
	if count <= 0 {
		return nil
	}

	limits := qm.GetLimits(planID)
	usage, err := qm.GetUsage(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get quota usage: %w", err)
	}

	limit, current, resourceName, err := qm.resolve(resourceType, limits, usage)
	if err != nil {
		return err
	}

	if current+count > limit {
		return fmt.Errorf("%w: cannot create %d %s (limit: %d, current: %d, would be: %d)",
			ErrQuotaExceeded, count, resourceName, limit, current, current+count)
	}

	return nil
}

// GetQuotaUsagePercent returns the quota usage percentage for each resource
// type, for a user on the given plan.
func (qm *QuotaManager) GetQuotaUsagePercent(ctx context.Context, userID, planID string) (map[string]float64, error) {
	limits := qm.GetLimits(planID)
	usage, err := qm.GetUsage(ctx, userID)
	if err != nil {
		return nil, err
	}

	percentages := make(map[string]float64)

	if limits.MaxSnapshots > 0 {
		percentages["snapshots"] = float64(usage.Snapshots) / float64(limits.MaxSnapshots) * 100
	}
	if limits.MaxIPs > 0 {
		percentages["ips"] = float64(usage.IPs) / float64(limits.MaxIPs) * 100
	}
	if limits.MaxActiveVPS > 0 {
		percentages["active_vps"] = float64(usage.ActiveVPS) / float64(limits.MaxActiveVPS) * 100
	}

	return percentages, nil
}

// QuotaStatus combines limits, usage, and percentages for a user.
type QuotaStatus struct {
	Limits      QuotaLimits        `json:"limits"`
	Usage       QuotaUsage         `json:"usage"`
	Percentages map[string]float64 `json:"quota_usage_percent"`
}

// GetQuotaStatus returns the complete quota status for a user on the given plan.
func (qm *QuotaManager) GetQuotaStatus(ctx context.Context, userID, planID string) (*QuotaStatus, error) {
	limits := qm.GetLimits(planID)
	usage, err := qm.GetUsage(ctx, userID)
	if err != nil {
		return nil, err
	}

	percentages, err := qm.GetQuotaUsagePercent(ctx, userID, planID)
	if err != nil {
		return nil, err
	}

	return &QuotaStatus{
		Limits:      limits,
		Usage:       *usage,
		Percentages: percentages,
	}, nil
}
