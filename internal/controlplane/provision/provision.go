// Package provision implements the provisioning coordinator: turning a
// paid order item into a running VPS instance on a hypervisor cluster.
package provision

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mnhtng/vpsctl/internal/controlplane/apierr"
	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
	"github.com/mnhtng/vpsctl/internal/controlplane/email"
	"github.com/mnhtng/vpsctl/internal/controlplane/hypervisor"
	"github.com/mnhtng/vpsctl/internal/controlplane/metrics"
)

// primaryDisk is the disk identifier resized to the plan's StorageGiB
// after cloning — every template image in this fleet is built with a
// single scsi0 system disk.
const primaryDisk = "scsi0"

// guestIPPollInterval/guestIPPollTimeout bound how long Provision waits
// for the guest agent to report a network address before giving up and
// leaving the instance active without one (a non-fatal timeout — the
// owner can still see the VM and it will pick up an address once the
// guest agent starts).
const (
	guestIPPollInterval = 10 * time.Second
	guestIPPollTimeout  = 5 * time.Minute
)

// Result is a successfully provisioned instance, including the
// one-time plaintext credentials for display to the owner. Only
// PasswordHash — never InitialPassword — is ever persisted.
type Result struct {
	store.VPSInstance
	InitialUsername string
	InitialPassword string
}

// Coordinator drives the clone -> resize -> start -> await-IP ->
// persist pipeline for a single order item.
type Coordinator struct {
	repo   store.Repo
	dial   func(store.Cluster) (hypervisor.Adapter, error)
	mailer *email.Sender
}

func NewCoordinator(repo store.Repo, mailer *email.Sender) *Coordinator {
	return &Coordinator{repo: repo, dial: hypervisor.Dial, mailer: mailer}
}

// Provision implements spec §6.D's ten-step algorithm for orderItemID.
// It is idempotent: a second call for an order item that already has a
// VPSInstance returns that instance (with no credentials, since they
// are only ever surfaced once, at creation) without touching the
// hypervisor.
func (c *Coordinator) Provision(ctx context.Context, orderItemID string) (Result, error) {
	correlationID := uuid.New().String()

	// 1. idempotence check
	if existing, ok, err := c.repo.GetVPSInstanceByOrderItem(ctx, orderItemID); err != nil {
		return Result{}, apierr.Internal(fmt.Errorf("checking existing provisioning state: %w", err))
	} else if ok {
		return Result{VPSInstance: existing}, nil
	}

	item, err := c.repo.GetOrderItem(ctx, orderItemID)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.KindNotFound, "order item not found", err)
	}
	order, err := c.repo.GetOrder(ctx, item.OrderID)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.KindNotFound, "order not found", err)
	}
	if order.Status != store.OrderPaid {
		return Result{}, apierr.New(apierr.KindInvalidState, "order must be paid before provisioning")
	}

	plan, err := c.repo.GetPlan(ctx, item.PlanID)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.KindNotFound, "plan not found", err)
	}

	// 2. resolve template -> cluster/node/storage
	template, err := c.repo.GetTemplate(ctx, item.TemplateID)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.KindNotFound, "template not found", err)
	}
	cluster, err := c.repo.GetCluster(ctx, template.ClusterID)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.KindNotFound, "cluster not found", err)
	}
	node, err := c.repo.GetNode(ctx, template.NodeID)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.KindNotFound, "node not found", err)
	}

	adapter, err := c.dial(cluster)
	if err != nil {
		return Result{}, apierr.Upstream(fmt.Errorf("dialing cluster %s: %w", cluster.Name, err))
	}

	start := time.Now()
	result, vmErr := c.runPipeline(ctx, correlationID, adapter, node.Name, cluster.ID, item, order, plan, template)
	metrics.ProvisioningDuration.WithLabelValues(plan.ID).Observe(time.Since(start).Seconds())
	if vmErr != nil {
		metrics.ProvisioningFailures.WithLabelValues(failureReason(vmErr)).Inc()
		log.Printf("[provision] correlation_id=%s order_item=%s failed: %v", correlationID, orderItemID, vmErr)
		return Result{}, vmErr
	}

	if c.mailer != nil {
		if mailErr := c.mailer.SendVPSReady(ctx, order.UserID, result.VPSInstance); mailErr != nil {
			log.Printf("[provision] correlation_id=%s failed to send ready notification: %v", correlationID, mailErr)
		}
	}

	return result, nil
}

// runPipeline carries out steps 3-10. Any failure after the VM is
// cloned (step 4) triggers a best-effort compensating delete so a
// half-provisioned VM doesn't linger on the hypervisor.
func (c *Coordinator) runPipeline(
	ctx context.Context,
	correlationID string,
	adapter hypervisor.Adapter,
	nodeName, clusterID string,
	item store.OrderItem,
	order store.Order,
	plan store.Plan,
	template store.Template,
) (Result, error) {
	// 3. allocate a vmid unique within this cluster. Proxmox's own
	// /cluster/nextid has no reservation semantics against concurrent
	// callers, so the DB-side per-cluster counter is the source of
	// truth here; hypervisor.NextVMID remains part of the Adapter
	// contract for direct cluster introspection (e.g. admin tooling),
	// but provisioning never races against it.
	vmid, err := c.repo.NextVMIDSeq(ctx, clusterID)
	if err != nil {
		return Result{}, apierr.Internal(fmt.Errorf("allocating vmid: %w", err))
	}

	compensate := func(cause error) (Result, error) {
		if delErr := adapter.Delete(ctx, nodeName, vmid); delErr != nil {
			log.Printf("[provision] correlation_id=%s compensating delete of vmid %d failed: %v", correlationID, vmid, delErr)
		}
		return Result{}, cause
	}

	// 4. clone + poll
	upid, err := adapter.Clone(ctx, nodeName, template.BaseVMID, vmid, item.Hostname)
	if err != nil {
		return compensate(apierr.Upstream(fmt.Errorf("cloning vmid %d from template %d: %w", vmid, template.BaseVMID, err)))
	}
	if err := c.awaitTask(ctx, adapter, nodeName, upid, "clone"); err != nil {
		return compensate(err)
	}

	// 5. resize disk to the plan's storage allocation
	if err := adapter.Resize(ctx, nodeName, vmid, primaryDisk, plan.StorageGiB); err != nil {
		return compensate(apierr.Upstream(fmt.Errorf("resizing vmid %d: %w", vmid, err)))
	}

	// 6. power on
	powerUPID, err := adapter.Power(ctx, nodeName, vmid, hypervisor.PowerStart)
	if err != nil {
		return compensate(apierr.Upstream(fmt.Errorf("starting vmid %d: %w", vmid, err)))
	}
	if err := c.awaitTask(ctx, adapter, nodeName, powerUPID, "power_start"); err != nil {
		return compensate(err)
	}

	// 7. poll guest agent for an IP — bounded, non-fatal timeout
	guestNet, err := c.awaitGuestIP(ctx, adapter, nodeName, vmid)
	if err != nil {
		return compensate(apierr.Upstream(err))
	}

	// 8. generate credentials
	username := template.DefaultUser
	if username == "" {
		username = "root"
	}
	password, err := generatePassword(16)
	if err != nil {
		return compensate(apierr.Internal(fmt.Errorf("generating credentials: %w", err)))
	}
	passwordHash, err := hashPassword(password)
	if err != nil {
		return compensate(apierr.Internal(fmt.Errorf("hashing credentials: %w", err)))
	}

	vm := store.HypervisorVM{
		ClusterID:    clusterID,
		NodeID:       template.NodeID,
		TemplateID:   template.ID,
		VMID:         vmid,
		Hostname:     item.Hostname,
		Username:     username,
		PasswordHash: passwordHash,
		PowerStatus:  store.PowerRunning,
	}
	if guestNet != nil {
		vm.IP = guestNet.IP
		vm.MAC = guestNet.MAC
	}

	// 9. single transaction inserting HypervisorVM + VPSInstance
	// 10. expires_at = now + duration_months * 30 * 24h
	vps := store.VPSInstance{
		OwnerID:     order.UserID,
		PlanID:      plan.ID,
		OrderItemID: item.ID,
		Status:      store.VPSActive,
		ExpiresAt:   time.Now().Add(time.Duration(item.DurationMonths) * 30 * 24 * time.Hour),
		AutoRenew:   false,
	}
	createdVPS, _, err := c.repo.CreateVPSInstance(ctx, vps, vm)
	if err != nil {
		return compensate(apierr.Internal(fmt.Errorf("persisting vps instance: %w", err)))
	}

	// Plaintext credentials never touch storage; this is the only
	// place they exist, returned to the caller for immediate display.
	return Result{VPSInstance: createdVPS, InitialUsername: username, InitialPassword: password}, nil
}

func (c *Coordinator) awaitTask(ctx context.Context, adapter hypervisor.Adapter, node string, upid hypervisor.UPID, operation string) error {
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
		if time.Since(start) > 10*time.Minute {
			return apierr.Upstream(fmt.Errorf("%s task %s did not complete within 10m", operation, upid))
		}
	}
}

func (c *Coordinator) awaitGuestIP(ctx context.Context, adapter hypervisor.Adapter, node string, vmid int) (*hypervisor.GuestNetwork, error) {
	deadline := time.Now().Add(guestIPPollTimeout)
	for time.Now().Before(deadline) {
		net, err := adapter.GuestIP(ctx, node, vmid)
		if err != nil {
			return nil, fmt.Errorf("querying guest agent for vmid %d: %w", vmid, err)
		}
		if net != nil {
			return net, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(guestIPPollInterval):
		}
	}
	// Guest agent never reported in time; not fatal, the instance is
	// still usable and will pick up an address on its own.
	return nil, nil
}

func failureReason(err error) string {
	if apiErr, ok := apierr.As(err); ok {
		return string(apiErr.Kind)
	}
	return "unknown"
}
