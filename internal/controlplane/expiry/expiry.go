// Package expiry implements the expiration sweep: a single cooperative
// background task that suspends VPS instances past their expires_at
// and, after a grace period, terminates ones that never got renewed.
package expiry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
	"github.com/mnhtng/vpsctl/internal/controlplane/hypervisor"
	"github.com/mnhtng/vpsctl/internal/controlplane/metrics"
)

// stopRetryAttempts/stopRetryWait match the original scheduler's
// stop-with-retry cadence: resubmit Power(stop) and re-check, up to 10
// times, 30 seconds apart, before giving up.
const (
	stopRetryAttempts = 10
	stopRetryWait     = 30 * time.Second
)

// Scheduler drives the two-phase expiration sweep on a cron trigger.
// Tick is exposed directly so tests can invoke a sweep deterministically
// without waiting on the cron trigger.
type Scheduler struct {
	repo          store.Repo
	dial          func(store.Cluster) (hypervisor.Adapter, error)
	sweepInterval time.Duration
	gracePeriod   time.Duration

	running sync.Mutex
	cron    *cron.Cron
}

func NewScheduler(repo store.Repo, sweepInterval, gracePeriod time.Duration) *Scheduler {
	return &Scheduler{
		repo:          repo,
		dial:          hypervisor.Dial,
		sweepInterval: sweepInterval,
		gracePeriod:   gracePeriod,
	}
}

// Start registers the sweep on a cron schedule and begins running it in
// the background. It does not block; call Stop to shut it down.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.sweepInterval), func() {
		if err := s.Tick(ctx); err != nil {
			log.Printf("[expiry] sweep failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling expiration sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop waits for any in-flight sweep to finish and halts the cron.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

// Tick runs one sweep. It is single-flight: if a previous Tick is still
// running, a concurrent call is a silent no-op rather than stacking up
// overlapping sweeps.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.running.TryLock() {
		return nil
	}
	defer s.running.Unlock()

	start := time.Now()
	defer func() {
		metrics.ExpirySweepDuration.Observe(time.Since(start).Seconds())
	}()

	now := time.Now()
	s.suspendExpired(ctx, now)
	s.terminateSuspended(ctx, now)
	return nil
}

// suspendExpired is phase 1: VPSInstances active and past expires_at
// are stopped and moved to suspended. Errors on one instance are logged
// and do not abort the sweep for the rest.
func (s *Scheduler) suspendExpired(ctx context.Context, now time.Time) {
	list, err := s.repo.ListExpiredActiveVPS(ctx, now)
	if err != nil {
		log.Printf("[expiry] listing expired active vps failed: %v", err)
		return
	}
	for _, inst := range list {
		if err := s.suspendOne(ctx, inst); err != nil {
			log.Printf("[expiry] suspending vps %s failed: %v", inst.ID, err)
		}
	}
}

func (s *Scheduler) suspendOne(ctx context.Context, inst store.VPSInstance) error {
	if inst.HypervisorVMID == "" {
		return s.markStatus(ctx, inst.ID, store.VPSSuspended, "suspend")
	}
	vm, err := s.repo.GetHypervisorVM(ctx, inst.HypervisorVMID)
	if err != nil {
		// The hypervisor row is gone already; nothing left to stop.
		return s.markStatus(ctx, inst.ID, store.VPSSuspended, "suspend")
	}

	adapter, node, err := s.dialVM(ctx, vm)
	if err != nil {
		_ = s.markStatus(ctx, inst.ID, store.VPSError, "")
		return err
	}

	if err := stopWithRetry(ctx, adapter, node.Name, vm.VMID); err != nil {
		_ = s.markStatus(ctx, inst.ID, store.VPSError, "")
		return fmt.Errorf("stopping vmid %d: %w", vm.VMID, err)
	}

	vm.PowerStatus = store.PowerStopped
	if err := s.repo.UpdateHypervisorVM(ctx, vm); err != nil {
		log.Printf("[expiry] persisting stopped power status for vm %s failed: %v", vm.ID, err)
	}
	return s.markStatus(ctx, inst.ID, store.VPSSuspended, "suspend")
}

// terminateSuspended is phase 2: VPSInstances suspended long enough ago
// to be past the grace period are deleted from the hypervisor and
// marked terminated.
func (s *Scheduler) terminateSuspended(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.gracePeriod)
	list, err := s.repo.ListSuspendedPastGrace(ctx, cutoff)
	if err != nil {
		log.Printf("[expiry] listing suspended-past-grace vps failed: %v", err)
		return
	}
	for _, inst := range list {
		if err := s.terminateOne(ctx, inst); err != nil {
			log.Printf("[expiry] terminating vps %s failed: %v", inst.ID, err)
		}
	}
}

func (s *Scheduler) terminateOne(ctx context.Context, inst store.VPSInstance) error {
	if inst.HypervisorVMID == "" {
		return s.markStatus(ctx, inst.ID, store.VPSTerminated, "terminate")
	}
	vm, err := s.repo.GetHypervisorVM(ctx, inst.HypervisorVMID)
	if err != nil {
		return s.markStatus(ctx, inst.ID, store.VPSTerminated, "terminate")
	}

	adapter, node, err := s.dialVM(ctx, vm)
	if err != nil {
		_ = s.markStatus(ctx, inst.ID, store.VPSError, "")
		return err
	}

	// StopAndDelete ensures the VM is stopped (idempotent if phase 1
	// already stopped it) before deleting it, matching the Delete
	// precondition in §4.A.
	if err := adapter.StopAndDelete(ctx, node.Name, vm.VMID); err != nil {
		_ = s.markStatus(ctx, inst.ID, store.VPSError, "")
		return fmt.Errorf("stopping and deleting vmid %d: %w", vm.VMID, err)
	}

	if err := s.repo.DeleteHypervisorVM(ctx, vm.ID); err != nil {
		log.Printf("[expiry] removing hypervisor vm row %s failed: %v", vm.ID, err)
	}
	return s.markStatus(ctx, inst.ID, store.VPSTerminated, "terminate")
}

func (s *Scheduler) dialVM(ctx context.Context, vm store.HypervisorVM) (hypervisor.Adapter, store.Node, error) {
	cluster, err := s.repo.GetCluster(ctx, vm.ClusterID)
	if err != nil {
		return nil, store.Node{}, fmt.Errorf("looking up cluster %s: %w", vm.ClusterID, err)
	}
	node, err := s.repo.GetNode(ctx, vm.NodeID)
	if err != nil {
		return nil, store.Node{}, fmt.Errorf("looking up node %s: %w", vm.NodeID, err)
	}
	adapter, err := s.dial(cluster)
	if err != nil {
		return nil, store.Node{}, fmt.Errorf("dialing cluster %s: %w", cluster.Name, err)
	}
	return adapter, node, nil
}

func (s *Scheduler) markStatus(ctx context.Context, vpsID string, status store.VPSStatus, metricPhase string) error {
	if err := s.repo.UpdateVPSInstanceStatus(ctx, vpsID, status); err != nil {
		return fmt.Errorf("updating vps %s to %s: %w", vpsID, status, err)
	}
	if metricPhase != "" {
		metrics.ExpirySweepActions.WithLabelValues(metricPhase).Inc()
	}
	return nil
}

// stopWithRetry resubmits Power(stop) and checks the task's outcome, up
// to stopRetryAttempts times, stopRetryWait apart, grounded on the
// original scheduler's stop-with-retry loop.
func stopWithRetry(ctx context.Context, adapter hypervisor.Adapter, node string, vmid int) error {
	var lastErr error
	for attempt := 0; attempt < stopRetryAttempts; attempt++ {
		upid, err := adapter.Power(ctx, node, vmid, hypervisor.PowerStop)
		if err != nil {
			lastErr = err
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(stopRetryWait):
			}
			state, serr := adapter.TaskStatus(ctx, node, upid)
			switch {
			case serr != nil:
				lastErr = serr
			case state.Done() && state.OK():
				return nil
			case state.Done():
				lastErr = fmt.Errorf("stop task finished with exit status %q", state.ExitStatus)
			default:
				lastErr = fmt.Errorf("stop task still running after %s", stopRetryWait)
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(stopRetryWait):
		}
	}
	return fmt.Errorf("vmid %d did not stop after %d attempts: %w", vmid, stopRetryAttempts, lastErr)
}
