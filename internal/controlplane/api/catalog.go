package controlplane

import (
	"net/http"

	"github.com/mnhtng/vpsctl/internal/controlplane/apierr"
)

// handleListPlans returns the rental catalog. Plans change rarely, so
// the result is cached briefly to spare the repo from a full scan on
// every storefront page load.
func (a *App) handleListPlans(w http.ResponseWriter, r *http.Request) {
	const cacheKey = "catalog:plans"
	if cached, ok := a.cache.Get(cacheKey); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	plans, err := a.repo.ListPlans(r.Context())
	if err != nil {
		writeAPIError(w, apierr.Internal(err))
		return
	}
	a.cache.Set(cacheKey, plans, 0)
	writeJSON(w, http.StatusOK, plans)
}

func (a *App) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := a.repo.GetPlan(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, apierr.Wrap(apierr.KindNotFound, "plan not found", err))
		return
	}
	writeJSON(w, http.StatusOK, plan)
}
