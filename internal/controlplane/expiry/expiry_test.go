package expiry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
	"github.com/mnhtng/vpsctl/internal/controlplane/hypervisor"
)

type fakeAdapter struct {
	stopCalls        int
	stopAndDeleteErr error
	deletedVMIDs     []int
}

func (f *fakeAdapter) NextVMID(ctx context.Context) (int, error) { return 1, nil }
func (f *fakeAdapter) Clone(ctx context.Context, node string, templateVMID, newVMID int, name string) (hypervisor.UPID, error) {
	return "", nil
}
func (f *fakeAdapter) Power(ctx context.Context, node string, vmid int, action hypervisor.PowerAction) (hypervisor.UPID, error) {
	if action == hypervisor.PowerStop {
		f.stopCalls++
	}
	return "UPID:power", nil
}
func (f *fakeAdapter) Delete(ctx context.Context, node string, vmid int) (hypervisor.UPID, error) {
	f.deletedVMIDs = append(f.deletedVMIDs, vmid)
	return "UPID:delete", nil
}
func (f *fakeAdapter) Resize(ctx context.Context, node string, vmid int, disk string, sizeGiB int) error {
	return nil
}
func (f *fakeAdapter) TaskStatus(ctx context.Context, node string, task hypervisor.UPID) (hypervisor.TaskState, error) {
	return hypervisor.TaskState{Running: false, ExitStatus: "OK"}, nil
}
func (f *fakeAdapter) GuestIP(ctx context.Context, node string, vmid int) (*hypervisor.GuestNetwork, error) {
	return nil, nil
}
func (f *fakeAdapter) VncProxy(ctx context.Context, node string, vmid int) (hypervisor.VNCTicket, error) {
	return hypervisor.VNCTicket{}, nil
}
func (f *fakeAdapter) VncWebsocketDial(ctx context.Context, node string, vmid, port int, ticket string) (*websocket.Conn, error) {
	return nil, nil
}
func (f *fakeAdapter) Snapshots(node string, vmid int) hypervisor.SnapshotOps { return nil }
func (f *fakeAdapter) StopAndDelete(ctx context.Context, node string, vmid int) error {
	if f.stopAndDeleteErr != nil {
		return f.stopAndDeleteErr
	}
	f.deletedVMIDs = append(f.deletedVMIDs, vmid)
	return nil
}
func (f *fakeAdapter) Rrd(ctx context.Context, node string, vmid int, timeframe string) (json.RawMessage, error) {
	return nil, nil
}

func newTestScheduler(repo store.Repo, adapter hypervisor.Adapter, gracePeriod time.Duration) *Scheduler {
	return &Scheduler{
		repo:        repo,
		dial:        func(store.Cluster) (hypervisor.Adapter, error) { return adapter, nil },
		gracePeriod: gracePeriod,
	}
}

func TestTick_SuspendsExpiredActive(t *testing.T) {
	repo := store.NewMemoryRepo()
	repo.SeedCluster(store.Cluster{ID: "cluster-1", Name: "pve-1"})
	repo.SeedNode(store.Node{ID: "node-1", ClusterID: "cluster-1", Name: "pve-node-1"})

	vps, vm, err := repo.CreateVPSInstance(context.Background(), store.VPSInstance{
		OwnerID: "user-1", PlanID: "plan-1", OrderItemID: "item-1",
		Status: store.VPSActive, ExpiresAt: time.Now().Add(-1 * time.Hour),
	}, store.HypervisorVM{ClusterID: "cluster-1", NodeID: "node-1", VMID: 101, PowerStatus: store.PowerRunning})
	if err != nil {
		t.Fatalf("seeding vps failed: %v", err)
	}

	adapter := &fakeAdapter{}
	sched := newTestScheduler(repo, adapter, 24*time.Hour)
	if err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	got, err := repo.GetVPSInstance(context.Background(), vps.ID)
	if err != nil {
		t.Fatalf("GetVPSInstance failed: %v", err)
	}
	if got.Status != store.VPSSuspended {
		t.Errorf("expected suspended, got %s", got.Status)
	}
	if adapter.stopCalls == 0 {
		t.Error("expected Power(stop) to be called")
	}

	gotVM, err := repo.GetHypervisorVM(context.Background(), vm.ID)
	if err != nil {
		t.Fatalf("GetHypervisorVM failed: %v", err)
	}
	if gotVM.PowerStatus != store.PowerStopped {
		t.Errorf("expected power status stopped, got %s", gotVM.PowerStatus)
	}
}

func TestTick_SuspendsWithNoLinkedVM(t *testing.T) {
	repo := store.NewMemoryRepo()
	vps, _, err := repo.CreateVPSInstance(context.Background(), store.VPSInstance{
		OwnerID: "user-1", PlanID: "plan-1", OrderItemID: "item-1",
		Status: store.VPSActive, ExpiresAt: time.Now().Add(-1 * time.Hour),
	}, store.HypervisorVM{ClusterID: "cluster-1", NodeID: "node-1", VMID: 202})
	if err != nil {
		t.Fatalf("seeding vps failed: %v", err)
	}
	// Break the link to simulate an already-orphaned hypervisor row.
	if err := repo.DeleteHypervisorVM(context.Background(), vps.HypervisorVMID); err != nil {
		t.Fatalf("deleting hypervisor vm failed: %v", err)
	}

	adapter := &fakeAdapter{}
	sched := newTestScheduler(repo, adapter, 24*time.Hour)
	if err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	got, err := repo.GetVPSInstance(context.Background(), vps.ID)
	if err != nil {
		t.Fatalf("GetVPSInstance failed: %v", err)
	}
	if got.Status != store.VPSSuspended {
		t.Errorf("expected suspended even with a missing hypervisor row, got %s", got.Status)
	}
	if adapter.stopCalls != 0 {
		t.Error("expected no hypervisor calls when the vm row is already gone")
	}
}

func TestTick_TerminatesPastGracePeriod(t *testing.T) {
	repo := store.NewMemoryRepo()
	repo.SeedCluster(store.Cluster{ID: "cluster-1", Name: "pve-1"})
	repo.SeedNode(store.Node{ID: "node-1", ClusterID: "cluster-1", Name: "pve-node-1"})

	vps, vm, err := repo.CreateVPSInstance(context.Background(), store.VPSInstance{
		OwnerID: "user-1", PlanID: "plan-1", OrderItemID: "item-1",
		Status: store.VPSSuspended, ExpiresAt: time.Now().Add(-48 * time.Hour),
	}, store.HypervisorVM{ClusterID: "cluster-1", NodeID: "node-1", VMID: 303, PowerStatus: store.PowerStopped})
	if err != nil {
		t.Fatalf("seeding vps failed: %v", err)
	}

	adapter := &fakeAdapter{}
	// A negative grace period pushes the cutoff into the future, so the
	// just-created (UpdatedAt ~ now) suspended instance is immediately
	// past grace without needing to fake the clock.
	sched := newTestScheduler(repo, adapter, -1*time.Minute)
	if err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	got, err := repo.GetVPSInstance(context.Background(), vps.ID)
	if err != nil {
		t.Fatalf("GetVPSInstance failed: %v", err)
	}
	if got.Status != store.VPSTerminated {
		t.Errorf("expected terminated, got %s", got.Status)
	}
	if len(adapter.deletedVMIDs) != 1 || adapter.deletedVMIDs[0] != 303 {
		t.Errorf("expected vmid 303 to be deleted, got %v", adapter.deletedVMIDs)
	}
	if _, err := repo.GetHypervisorVM(context.Background(), vm.ID); err == nil {
		t.Error("expected the hypervisor vm row to be removed")
	}
}

func TestTick_SingleFlight(t *testing.T) {
	repo := store.NewMemoryRepo()
	vps, _, err := repo.CreateVPSInstance(context.Background(), store.VPSInstance{
		OwnerID: "user-1", PlanID: "plan-1", OrderItemID: "item-1",
		Status: store.VPSActive, ExpiresAt: time.Now().Add(-1 * time.Hour),
	}, store.HypervisorVM{ClusterID: "cluster-1", NodeID: "node-1", VMID: 404})
	if err != nil {
		t.Fatalf("seeding vps failed: %v", err)
	}

	adapter := &fakeAdapter{}
	sched := newTestScheduler(repo, adapter, 24*time.Hour)

	sched.running.Lock()
	if err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick with held lock should be a silent no-op, got error: %v", err)
	}
	sched.running.Unlock()

	got, err := repo.GetVPSInstance(context.Background(), vps.ID)
	if err != nil {
		t.Fatalf("GetVPSInstance failed: %v", err)
	}
	if got.Status != store.VPSActive {
		t.Errorf("expected no change while a sweep was already running, got %s", got.Status)
	}

	if err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	got, err = repo.GetVPSInstance(context.Background(), vps.ID)
	if err != nil {
		t.Fatalf("GetVPSInstance failed: %v", err)
	}
	if got.Status != store.VPSSuspended {
		t.Errorf("expected the sweep to process once the lock was released, got %s", got.Status)
	}
}
