package provision

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mnhtng/vpsctl/internal/controlplane/apierr"
	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
	"github.com/mnhtng/vpsctl/internal/controlplane/hypervisor"
)

// fakeAdapter is a scriptable in-memory stand-in for a real Proxmox
// cluster, exercising the coordinator's pipeline without any network
// calls.
type fakeAdapter struct {
	deletedVMIDs []int
	guestIP      *hypervisor.GuestNetwork
	resizeErr    error
	failClone    bool
}

func (f *fakeAdapter) NextVMID(ctx context.Context) (int, error) { return 999, nil }

func (f *fakeAdapter) Clone(ctx context.Context, node string, templateVMID, newVMID int, name string) (hypervisor.UPID, error) {
	if f.failClone {
		return "", hypervisor.ErrTransport
	}
	return "UPID:clone", nil
}

func (f *fakeAdapter) Power(ctx context.Context, node string, vmid int, action hypervisor.PowerAction) (hypervisor.UPID, error) {
	return "UPID:power", nil
}

func (f *fakeAdapter) Delete(ctx context.Context, node string, vmid int) (hypervisor.UPID, error) {
	f.deletedVMIDs = append(f.deletedVMIDs, vmid)
	return "UPID:delete", nil
}

func (f *fakeAdapter) Resize(ctx context.Context, node string, vmid int, disk string, sizeGiB int) error {
	return f.resizeErr
}

func (f *fakeAdapter) TaskStatus(ctx context.Context, node string, task hypervisor.UPID) (hypervisor.TaskState, error) {
	return hypervisor.TaskState{Running: false, ExitStatus: "OK"}, nil
}

func (f *fakeAdapter) GuestIP(ctx context.Context, node string, vmid int) (*hypervisor.GuestNetwork, error) {
	return f.guestIP, nil
}

func (f *fakeAdapter) VncProxy(ctx context.Context, node string, vmid int) (hypervisor.VNCTicket, error) {
	return hypervisor.VNCTicket{}, nil
}
func (f *fakeAdapter) VncWebsocketDial(ctx context.Context, node string, vmid, port int, ticket string) (*websocket.Conn, error) {
	return nil, nil
}

func (f *fakeAdapter) Snapshots(node string, vmid int) hypervisor.SnapshotOps { return nil }

func (f *fakeAdapter) StopAndDelete(ctx context.Context, node string, vmid int) error { return nil }

func (f *fakeAdapter) Rrd(ctx context.Context, node string, vmid int, timeframe string) (json.RawMessage, error) {
	return nil, nil
}

func newTestRepo() (*store.MemoryRepo, store.Order, store.OrderItem) {
	repo := store.NewMemoryRepo()
	repo.SeedPlan(store.Plan{ID: "plan-1", MonthlyPrice: 50000, Currency: "VND", StorageGiB: 40})
	repo.SeedCluster(store.Cluster{ID: "cluster-1", Name: "pve-1", APIHost: "pve.test"})
	repo.SeedNode(store.Node{ID: "node-1", ClusterID: "cluster-1", Name: "pve-node-1"})
	repo.SeedTemplate(store.Template{ID: "tpl-1", ClusterID: "cluster-1", NodeID: "node-1", BaseVMID: 9000, DefaultUser: "ubuntu"})

	order, items, err := repo.CreateOrder(context.Background(), store.Order{
		OrderNumber: "VPS-TEST-1", UserID: "user-1", Price: 50000, Currency: "VND", Status: store.OrderPending,
	}, []store.OrderItem{
		{PlanID: "plan-1", TemplateID: "tpl-1", Hostname: "box1", DurationMonths: 1, UnitPrice: 50000, TotalPrice: 50000},
	})
	if err != nil {
		panic(err)
	}
	if err := repo.MarkOrderPaid(context.Background(), order.ID, "", ""); err != nil {
		panic(err)
	}
	order, _ = repo.GetOrder(context.Background(), order.ID)
	return repo, order, items[0]
}

func newTestCoordinator(repo store.Repo, adapter hypervisor.Adapter) *Coordinator {
	return &Coordinator{
		repo: repo,
		dial: func(store.Cluster) (hypervisor.Adapter, error) { return adapter, nil },
	}
}

func TestProvision_Success(t *testing.T) {
	repo, _, item := newTestRepo()
	adapter := &fakeAdapter{guestIP: &hypervisor.GuestNetwork{IP: "10.0.0.5", MAC: "aa:bb:cc:dd:ee:ff"}}
	coord := newTestCoordinator(repo, adapter)

	result, err := coord.Provision(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if result.Status != store.VPSActive {
		t.Errorf("expected active status, got %s", result.Status)
	}
	if result.InitialUsername == "" || result.InitialPassword == "" {
		t.Error("expected generated credentials to be returned")
	}
	if result.ExpiresAt.Before(time.Now().Add(29 * 24 * time.Hour)) {
		t.Errorf("expected expires_at roughly 30 days out, got %v", result.ExpiresAt)
	}

	vm, err := repo.GetHypervisorVM(context.Background(), result.HypervisorVMID)
	if err != nil {
		t.Fatalf("GetHypervisorVM failed: %v", err)
	}
	if vm.IP != "10.0.0.5" {
		t.Errorf("expected guest ip to be persisted, got %s", vm.IP)
	}
}

func TestProvision_IdempotentOnRepeat(t *testing.T) {
	repo, _, item := newTestRepo()
	adapter := &fakeAdapter{}
	coord := newTestCoordinator(repo, adapter)

	first, err := coord.Provision(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("first Provision failed: %v", err)
	}
	second, err := coord.Provision(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("second Provision failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected the same vps instance id on repeat, got %s vs %s", second.ID, first.ID)
	}
	if second.InitialPassword != "" {
		t.Error("expected no credentials to be re-surfaced on an idempotent repeat")
	}
}

func TestProvision_CompensatesOnResizeFailure(t *testing.T) {
	repo, _, item := newTestRepo()
	adapter := &fakeAdapter{resizeErr: hypervisor.ErrTransport}
	coord := newTestCoordinator(repo, adapter)

	_, err := coord.Provision(context.Background(), item.ID)
	if err == nil {
		t.Fatal("expected an error from a failed resize")
	}
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Kind != apierr.KindUpstreamUnavailable {
		t.Fatalf("expected KindUpstreamUnavailable, got %v", err)
	}
	if len(adapter.deletedVMIDs) != 1 {
		t.Errorf("expected exactly one compensating delete, got %d", len(adapter.deletedVMIDs))
	}

	if _, ok, _ := repo.GetVPSInstanceByOrderItem(context.Background(), item.ID); ok {
		t.Error("expected no vps instance to be persisted after a compensated failure")
	}
}

func TestProvision_RequiresPaidOrder(t *testing.T) {
	repo := store.NewMemoryRepo()
	repo.SeedPlan(store.Plan{ID: "plan-1", MonthlyPrice: 50000, Currency: "VND"})
	repo.SeedTemplate(store.Template{ID: "tpl-1", ClusterID: "cluster-1", NodeID: "node-1", BaseVMID: 9000})

	order, items, err := repo.CreateOrder(context.Background(), store.Order{
		OrderNumber: "VPS-TEST-2", UserID: "user-1", Price: 50000, Currency: "VND", Status: store.OrderPending,
	}, []store.OrderItem{
		{PlanID: "plan-1", TemplateID: "tpl-1", Hostname: "box2", DurationMonths: 1, UnitPrice: 50000, TotalPrice: 50000},
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	_ = order

	coord := newTestCoordinator(repo, &fakeAdapter{})
	_, err = coord.Provision(context.Background(), items[0].ID)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Kind != apierr.KindInvalidState {
		t.Fatalf("expected KindInvalidState for a still-pending order, got %v", err)
	}
}
