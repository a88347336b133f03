package controlplane

import (
	"net/http"

	"github.com/mnhtng/vpsctl/internal/controlplane/apierr"
)

func (a *App) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.repo.DashboardStats(r.Context())
	if err != nil {
		writeAPIError(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// dashboardAnalytics derives conversion and fleet-health ratios from
// the same aggregate counts DashboardStats already computes — the repo
// boundary stays a single aggregate query, not two.
type dashboardAnalytics struct {
	OrderConversionRate float64 `json:"order_conversion_rate"`
	VPSHealthyRate      float64 `json:"vps_healthy_rate"`
	AverageRevenueOrder float64 `json:"average_revenue_per_paid_order"`
}

func (a *App) handleDashboardAnalytics(w http.ResponseWriter, r *http.Request) {
	stats, err := a.repo.DashboardStats(r.Context())
	if err != nil {
		writeAPIError(w, apierr.Internal(err))
		return
	}

	analytics := dashboardAnalytics{}
	if stats.TotalOrders > 0 {
		analytics.OrderConversionRate = float64(stats.PaidOrders) / float64(stats.TotalOrders)
	}
	totalVPS := stats.ActiveVPS + stats.SuspendedVPS + stats.TerminatedVPS
	if totalVPS > 0 {
		analytics.VPSHealthyRate = float64(stats.ActiveVPS) / float64(totalVPS)
	}
	if stats.PaidOrders > 0 {
		analytics.AverageRevenueOrder = float64(stats.RevenueTotal) / float64(stats.PaidOrders)
	}

	writeJSON(w, http.StatusOK, analytics)
}
