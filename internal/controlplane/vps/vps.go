// Package vps implements the per-instance lifecycle operations a VPS
// owner can invoke: reading merged status, power control, VNC console
// access, snapshot management, and RRD metric pass-through. Every
// operation is ownership-checked and constrained by the instance's
// current state.
package vps

import (
	"context"
	"fmt"
	"time"

	"github.com/mnhtng/vpsctl/internal/controlplane/apierr"
	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
	"github.com/mnhtng/vpsctl/internal/controlplane/hypervisor"
	"github.com/mnhtng/vpsctl/internal/controlplane/metrics"
	"github.com/mnhtng/vpsctl/internal/controlplane/tenant"
)

type operation string

const (
	opInfo     operation = "info"
	opPower    operation = "power"
	opVNC      operation = "vnc"
	opSnapshot operation = "snapshot"
	opRrd      operation = "rrd"
)

// allowedOps is the per-state operation allow-list from spec.md §4.E:
// creating permits only Info, active permits everything, suspended
// permits only Info (administrative reactivation is out of scope),
// and terminated/error permit nothing at all.
var allowedOps = map[store.VPSStatus]map[operation]bool{
	store.VPSCreating: {opInfo: true},
	store.VPSActive: {
		opInfo: true, opPower: true, opVNC: true, opSnapshot: true, opRrd: true,
	},
	store.VPSSuspended:  {opInfo: true},
	store.VPSTerminated: {},
	store.VPSError:      {},
}

// vncTicketTTL is how long a minted VNC ticket is valid for, surfaced to
// the caller as expires_in.
const vncTicketTTL = 60 * time.Second

// Controller drives user-initiated operations against a single VPS
// instance, authenticated by ownership and gated by lifecycle state.
type Controller struct {
	repo      store.Repo
	isolation *tenant.IsolationEnforcer
	quotas    *tenant.QuotaManager
	dial      func(store.Cluster) (hypervisor.Adapter, error)
}

func NewController(repo store.Repo, isolation *tenant.IsolationEnforcer, quotas *tenant.QuotaManager) *Controller {
	return &Controller{repo: repo, isolation: isolation, quotas: quotas, dial: hypervisor.Dial}
}

// Info is the merged view of the persisted VPSInstance and its
// HypervisorVM row. The adapter exposes no standalone "query live power
// state" primitive (only async task polling), so the live status
// surfaced here is the cached power_status last observed by a Power
// call or by provisioning — refreshed lazily, not polled on every read.
type Info struct {
	store.VPSInstance
	VM store.HypervisorVM
}

func (c *Controller) Info(ctx context.Context, userID, vpsID string) (Info, error) {
	inst, err := c.loadAuthorized(ctx, userID, vpsID, opInfo)
	if err != nil {
		return Info{}, err
	}
	vm, err := c.repo.GetHypervisorVM(ctx, inst.HypervisorVMID)
	if err != nil {
		return Info{}, apierr.Wrap(apierr.KindNotFound, "hypervisor vm not found", err)
	}
	return Info{VPSInstance: inst, VM: vm}, nil
}

// Power forwards a power action to the hypervisor, polls it to
// completion, and updates the cached power_status accordingly.
func (c *Controller) Power(ctx context.Context, userID, vpsID string, action hypervisor.PowerAction) error {
	inst, err := c.loadAuthorized(ctx, userID, vpsID, opPower)
	if err != nil {
		return err
	}
	vm, adapter, node, err := c.resolveVM(ctx, inst)
	if err != nil {
		return err
	}

	upid, err := adapter.Power(ctx, node.Name, vm.VMID, action)
	if err != nil {
		return apierr.Upstream(fmt.Errorf("power %s vmid %d: %w", action, vm.VMID, err))
	}
	if err := awaitTask(ctx, adapter, node.Name, upid, "power_"+string(action)); err != nil {
		return err
	}

	vm.PowerStatus = powerStatusAfter(action)
	if err := c.repo.UpdateHypervisorVM(ctx, vm); err != nil {
		return apierr.Internal(fmt.Errorf("persisting power status: %w", err))
	}
	return nil
}

func powerStatusAfter(action hypervisor.PowerAction) store.PowerStatus {
	switch action {
	case hypervisor.PowerStop, hypervisor.PowerShutdown:
		return store.PowerStopped
	default:
		return store.PowerRunning
	}
}

// VNCSession is a short-lived console ticket. The WebSocket URL itself
// is assembled by the HTTP edge, which owns the /vnc/ws route; this
// package only produces the cluster-issued ticket and its lifetime.
type VNCSession struct {
	Port      int
	Ticket    string
	Cert      string
	ExpiresIn time.Duration
}

func (c *Controller) VNC(ctx context.Context, userID, vpsID string) (VNCSession, error) {
	inst, err := c.loadAuthorized(ctx, userID, vpsID, opVNC)
	if err != nil {
		return VNCSession{}, err
	}
	vm, adapter, node, err := c.resolveVM(ctx, inst)
	if err != nil {
		return VNCSession{}, err
	}
	ticket, err := adapter.VncProxy(ctx, node.Name, vm.VMID)
	if err != nil {
		return VNCSession{}, apierr.Upstream(fmt.Errorf("minting vnc ticket for vmid %d: %w", vm.VMID, err))
	}
	metrics.VNCSessionsActive.Inc()
	return VNCSession{Port: ticket.Port, Ticket: ticket.Ticket, Cert: ticket.Cert, ExpiresIn: vncTicketTTL}, nil
}

// Rrd passes through time-series metrics for the VM, untouched.
func (c *Controller) Rrd(ctx context.Context, userID, vpsID, timeframe string) ([]byte, error) {
	inst, err := c.loadAuthorized(ctx, userID, vpsID, opRrd)
	if err != nil {
		return nil, err
	}
	vm, adapter, node, err := c.resolveVM(ctx, inst)
	if err != nil {
		return nil, err
	}
	raw, err := adapter.Rrd(ctx, node.Name, vm.VMID, timeframe)
	if err != nil {
		return nil, apierr.Upstream(fmt.Errorf("fetching rrd data for vmid %d: %w", vm.VMID, err))
	}
	return raw, nil
}

// loadAuthorized loads the VPSInstance, enforces ownership, and checks
// that op is permitted in the instance's current state.
func (c *Controller) loadAuthorized(ctx context.Context, userID, vpsID string, op operation) (store.VPSInstance, error) {
	inst, err := c.repo.GetVPSInstance(ctx, vpsID)
	if err != nil {
		return store.VPSInstance{}, apierr.Wrap(apierr.KindNotFound, "vps instance not found", err)
	}
	if err := c.isolation.EnforceOwnership(ctx, userID, tenant.Resource{
		OwnerID: inst.OwnerID, Type: tenant.ResourceTypeVPSInstance, ID: inst.ID,
	}); err != nil {
		return store.VPSInstance{}, apierr.Forbidden("you do not own this vps instance")
	}
	if inst.Status == store.VPSSuspended && op == opPower {
		return store.VPSInstance{}, apierr.PaymentRequired("payment required")
	}
	if !allowedOps[inst.Status][op] {
		return store.VPSInstance{}, apierr.New(apierr.KindInvalidState,
			fmt.Sprintf("operation not permitted while vps is %s", inst.Status))
	}
	return inst, nil
}

func (c *Controller) resolveVM(ctx context.Context, inst store.VPSInstance) (store.HypervisorVM, hypervisor.Adapter, store.Node, error) {
	vm, err := c.repo.GetHypervisorVM(ctx, inst.HypervisorVMID)
	if err != nil {
		return store.HypervisorVM{}, nil, store.Node{}, apierr.Wrap(apierr.KindNotFound, "hypervisor vm not found", err)
	}
	cluster, err := c.repo.GetCluster(ctx, vm.ClusterID)
	if err != nil {
		return store.HypervisorVM{}, nil, store.Node{}, apierr.Wrap(apierr.KindNotFound, "cluster not found", err)
	}
	node, err := c.repo.GetNode(ctx, vm.NodeID)
	if err != nil {
		return store.HypervisorVM{}, nil, store.Node{}, apierr.Wrap(apierr.KindNotFound, "node not found", err)
	}
	adapter, err := c.dial(cluster)
	if err != nil {
		return store.HypervisorVM{}, nil, store.Node{}, apierr.Upstream(fmt.Errorf("dialing cluster %s: %w", cluster.Name, err))
	}
	return vm, adapter, node, nil
}

func awaitTask(ctx context.Context, adapter hypervisor.Adapter, node string, upid hypervisor.UPID, operation string) error {
	start := time.Now()
	for {
		state, err := adapter.TaskStatus(ctx, node, upid)
		if err != nil {
			metrics.HypervisorTaskPolls.WithLabelValues(operation).Inc()
			return apierr.Upstream(fmt.Errorf("polling task %s for %s: %w", upid, operation, err))
		}
		metrics.HypervisorTaskPolls.WithLabelValues(operation).Inc()
		if state.Done() {
			if !state.OK() {
				return apierr.Upstream(fmt.Errorf("%s task %s finished with exit status %q", operation, upid, state.ExitStatus))
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
		if time.Since(start) > 5*time.Minute {
			return apierr.Upstream(fmt.Errorf("%s task %s did not complete within 5m", operation, upid))
		}
	}
}
