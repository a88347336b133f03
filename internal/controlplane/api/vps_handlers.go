package controlplane

import (
	"net/http"
	"strconv"

	"github.com/mnhtng/vpsctl/internal/controlplane/apierr"
	"github.com/mnhtng/vpsctl/internal/controlplane/hypervisor"
	"github.com/mnhtng/vpsctl/internal/controlplane/tenant"
)

type vpsSetupRequest struct {
	OrderItemID string `json:"order_item_id"`
}

// handleVPSSetup is the only path that turns a paid order item into a
// running instance — a payment callback never triggers provisioning on
// its own (spec.md §4.D), so this handler is where ownership of the
// order item is actually checked; Provision itself trusts its caller.
func (a *App) handleVPSSetup(w http.ResponseWriter, r *http.Request) {
	claims, _ := userFromContext(r)

	var req vpsSetupRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.OrderItemID == "" {
		writeError(w, http.StatusBadRequest, "order_item_id is required")
		return
	}

	item, err := a.repo.GetOrderItem(r.Context(), req.OrderItemID)
	if err != nil {
		writeAPIError(w, apierr.Wrap(apierr.KindNotFound, "order item not found", err))
		return
	}
	if err := a.isolation.EnforceOwnership(r.Context(), claims.UserID, tenant.Resource{
		Type: tenant.ResourceTypeOrder, ID: item.OrderID,
	}); err != nil {
		writeAPIError(w, apierr.Forbidden("you do not own this order item"))
		return
	}

	result, err := a.provisioner.Provision(r.Context(), req.OrderItemID)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	a.writeAudit(r.Context(), "USER", claims.UserID, "vps.provisioned", "vps_instance", result.ID, r)
	writeJSON(w, http.StatusCreated, map[string]any{
		"vps_instance":     result.VPSInstance,
		"initial_username": result.InitialUsername,
		"initial_password": result.InitialPassword,
	})
}

func (a *App) handleListMyVPS(w http.ResponseWriter, r *http.Request) {
	claims, _ := userFromContext(r)
	instances, err := a.repo.ListVPSInstancesByOwner(r.Context(), claims.UserID)
	if err != nil {
		writeAPIError(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (a *App) handleVPSInfo(w http.ResponseWriter, r *http.Request) {
	claims, _ := userFromContext(r)
	info, err := a.vpsCtrl.Info(r.Context(), claims.UserID, r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *App) handleVPSRrd(w http.ResponseWriter, r *http.Request) {
	claims, _ := userFromContext(r)
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "hour"
	}
	raw, err := a.vpsCtrl.Rrd(r.Context(), claims.UserID, r.PathValue("id"), timeframe)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

type vpsPowerRequest struct {
	Action string `json:"action"`
}

// supportedPowerActions are the only actions the hypervisor Adapter
// can actually carry out; the remaining names sometimes seen on VPS
// control panels (reset, suspend, resume) have no Adapter equivalent
// here and are rejected as a 400, not silently remapped.
var supportedPowerActions = map[string]hypervisor.PowerAction{
	"start":    hypervisor.PowerStart,
	"stop":     hypervisor.PowerStop,
	"shutdown": hypervisor.PowerShutdown,
	"reboot":   hypervisor.PowerReboot,
}

func (a *App) handleVPSPower(w http.ResponseWriter, r *http.Request) {
	claims, _ := userFromContext(r)

	var req vpsPowerRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	action, ok := supportedPowerActions[req.Action]
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported power action")
		return
	}

	if err := a.vpsCtrl.Power(r.Context(), claims.UserID, r.PathValue("id"), action); err != nil {
		writeAPIError(w, err)
		return
	}
	a.writeAudit(r.Context(), "USER", claims.UserID, "vps.power."+req.Action, "vps_instance", r.PathValue("id"), r)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleVPSVNC(w http.ResponseWriter, r *http.Request) {
	claims, _ := userFromContext(r)
	session, err := a.vpsCtrl.VNC(r.Context(), claims.UserID, r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"websocket_url": "/vnc/ws?id=" + r.PathValue("id") + "&port=" + strconv.Itoa(session.Port) + "&ticket=" + session.Ticket,
		"cert":          session.Cert,
		"expires_in":    int(session.ExpiresIn.Seconds()),
	})
}

type snapshotCreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (a *App) handleSnapshotList(w http.ResponseWriter, r *http.Request) {
	claims, _ := userFromContext(r)
	snaps, err := a.vpsCtrl.SnapshotList(r.Context(), claims.UserID, r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (a *App) handleSnapshotCreate(w http.ResponseWriter, r *http.Request) {
	claims, _ := userFromContext(r)
	var req snapshotCreateRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	snap, err := a.vpsCtrl.SnapshotCreate(r.Context(), claims.UserID, r.PathValue("id"), req.Name, req.Description)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	a.writeAudit(r.Context(), "USER", claims.UserID, "vps.snapshot.create", "vps_instance", r.PathValue("id"), r)
	writeJSON(w, http.StatusCreated, snap)
}

func (a *App) handleSnapshotRollback(w http.ResponseWriter, r *http.Request) {
	claims, _ := userFromContext(r)
	if err := a.vpsCtrl.SnapshotRollback(r.Context(), claims.UserID, r.PathValue("id"), r.PathValue("name")); err != nil {
		writeAPIError(w, err)
		return
	}
	a.writeAudit(r.Context(), "USER", claims.UserID, "vps.snapshot.rollback", "vps_instance", r.PathValue("id"), r)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleSnapshotDelete(w http.ResponseWriter, r *http.Request) {
	claims, _ := userFromContext(r)
	if err := a.vpsCtrl.SnapshotDelete(r.Context(), claims.UserID, r.PathValue("id"), r.PathValue("name")); err != nil {
		writeAPIError(w, err)
		return
	}
	a.writeAudit(r.Context(), "USER", claims.UserID, "vps.snapshot.delete", "vps_instance", r.PathValue("id"), r)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
