package vps

import (
	"context"
	"fmt"

	"github.com/mnhtng/vpsctl/internal/controlplane/apierr"
	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
	"github.com/mnhtng/vpsctl/internal/controlplane/hypervisor"
	"github.com/mnhtng/vpsctl/internal/controlplane/metrics"
)

// SnapshotCreate submits a new snapshot to the hypervisor, persists a
// tracking row, and enforces the plan's max_snapshots cap. The cap is
// counted off the persisted rows, which never include the hypervisor's
// implicit "current" pseudo-entry — only rows this package itself
// creates are counted, so no explicit filtering is needed.
func (c *Controller) SnapshotCreate(ctx context.Context, userID, vpsID, name, description string) (store.Snapshot, error) {
	inst, err := c.loadAuthorized(ctx, userID, vpsID, opSnapshot)
	if err != nil {
		return store.Snapshot{}, err
	}
	vm, adapter, node, err := c.resolveVM(ctx, inst)
	if err != nil {
		return store.Snapshot{}, err
	}

	if _, exists, err := c.repo.GetSnapshotByName(ctx, vm.ID, name); err != nil {
		return store.Snapshot{}, apierr.Internal(fmt.Errorf("checking snapshot name: %w", err))
	} else if exists {
		metrics.SnapshotOperations.WithLabelValues("create", "duplicate_name").Inc()
		return store.Snapshot{}, apierr.Conflict("a snapshot with this name already exists")
	}

	// The snapshot cap is per-VM (spec: count(snapshots for v) <=
	// plan.max_snapshots), so it's checked directly against this
	// instance's own rows rather than through the account-wide
	// tenant.QuotaManager, which only ever sees a per-user aggregate.
	if c.quotas != nil {
		plan, err := c.repo.GetPlan(ctx, inst.PlanID)
		if err != nil {
			return store.Snapshot{}, apierr.Wrap(apierr.KindNotFound, "plan not found", err)
		}
		existing, err := c.repo.ListSnapshots(ctx, vm.ID)
		if err != nil {
			return store.Snapshot{}, apierr.Internal(fmt.Errorf("checking snapshot quota: %w", err))
		}
		if len(existing) >= plan.MaxSnapshots {
			metrics.SnapshotOperations.WithLabelValues("create", "limit_exceeded").Inc()
			return store.Snapshot{}, apierr.LimitExceeded("snapshot limit reached for this plan")
		}
	}

	upid, err := adapter.Snapshots(node.Name, vm.VMID).Create(ctx, name, description)
	if err != nil {
		metrics.SnapshotOperations.WithLabelValues("create", "upstream_error").Inc()
		return store.Snapshot{}, apierr.Upstream(fmt.Errorf("creating snapshot %q on vmid %d: %w", name, vm.VMID, err))
	}
	if err := awaitTask(ctx, adapter, node.Name, upid, "snapshot_create"); err != nil {
		metrics.SnapshotOperations.WithLabelValues("create", "task_failed").Inc()
		return store.Snapshot{}, err
	}

	snap, err := c.repo.CreateSnapshot(ctx, store.Snapshot{
		VMID:        vm.ID,
		Name:        name,
		Description: description,
		Status:      store.SnapshotAvailable,
	})
	if err != nil {
		metrics.SnapshotOperations.WithLabelValues("create", "persist_error").Inc()
		return store.Snapshot{}, apierr.Internal(fmt.Errorf("persisting snapshot: %w", err))
	}
	metrics.SnapshotOperations.WithLabelValues("create", "success").Inc()
	return snap, nil
}

// SnapshotList returns the hypervisor's live snapshot list, including
// its "current" pseudo-entry (CreatedAt == 0) — callers enforcing the
// quota cap must not count it, but a read of "what snapshots exist"
// legitimately includes it.
func (c *Controller) SnapshotList(ctx context.Context, userID, vpsID string) ([]hypervisor.SnapshotInfo, error) {
	inst, err := c.loadAuthorized(ctx, userID, vpsID, opSnapshot)
	if err != nil {
		return nil, err
	}
	_, adapter, node, err := c.resolveVM(ctx, inst)
	if err != nil {
		return nil, err
	}
	vm, err := c.repo.GetHypervisorVM(ctx, inst.HypervisorVMID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindNotFound, "hypervisor vm not found", err)
	}
	list, err := adapter.Snapshots(node.Name, vm.VMID).List(ctx)
	if err != nil {
		return nil, apierr.Upstream(fmt.Errorf("listing snapshots for vmid %d: %w", vm.VMID, err))
	}
	return list, nil
}

func (c *Controller) SnapshotRollback(ctx context.Context, userID, vpsID, name string) error {
	inst, err := c.loadAuthorized(ctx, userID, vpsID, opSnapshot)
	if err != nil {
		return err
	}
	vm, adapter, node, err := c.resolveVM(ctx, inst)
	if err != nil {
		return err
	}
	upid, err := adapter.Snapshots(node.Name, vm.VMID).Rollback(ctx, name)
	if err != nil {
		metrics.SnapshotOperations.WithLabelValues("rollback", "upstream_error").Inc()
		return apierr.Upstream(fmt.Errorf("rolling back to snapshot %q on vmid %d: %w", name, vm.VMID, err))
	}
	if err := awaitTask(ctx, adapter, node.Name, upid, "snapshot_rollback"); err != nil {
		metrics.SnapshotOperations.WithLabelValues("rollback", "task_failed").Inc()
		return err
	}
	metrics.SnapshotOperations.WithLabelValues("rollback", "success").Inc()
	return nil
}

func (c *Controller) SnapshotDelete(ctx context.Context, userID, vpsID, name string) error {
	inst, err := c.loadAuthorized(ctx, userID, vpsID, opSnapshot)
	if err != nil {
		return err
	}
	vm, adapter, node, err := c.resolveVM(ctx, inst)
	if err != nil {
		return err
	}

	snap, exists, err := c.repo.GetSnapshotByName(ctx, vm.ID, name)
	if err != nil {
		return apierr.Internal(fmt.Errorf("looking up snapshot: %w", err))
	}
	if !exists {
		return apierr.NotFound("snapshot not found")
	}

	upid, err := adapter.Snapshots(node.Name, vm.VMID).Delete(ctx, name)
	if err != nil {
		metrics.SnapshotOperations.WithLabelValues("delete", "upstream_error").Inc()
		return apierr.Upstream(fmt.Errorf("deleting snapshot %q on vmid %d: %w", name, vm.VMID, err))
	}
	if err := awaitTask(ctx, adapter, node.Name, upid, "snapshot_delete"); err != nil {
		metrics.SnapshotOperations.WithLabelValues("delete", "task_failed").Inc()
		return err
	}
	if err := c.repo.DeleteSnapshot(ctx, snap.ID); err != nil {
		return apierr.Internal(fmt.Errorf("removing snapshot record: %w", err))
	}
	metrics.SnapshotOperations.WithLabelValues("delete", "success").Inc()
	return nil
}
