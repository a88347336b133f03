package vps

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/mnhtng/vpsctl/internal/controlplane/apierr"
	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
	"github.com/mnhtng/vpsctl/internal/controlplane/hypervisor"
	"github.com/mnhtng/vpsctl/internal/controlplane/tenant"
)

type fakeSnapshotOps struct {
	list        []hypervisor.SnapshotInfo
	createErr   error
	deleteErr   error
	rollbackErr error
	created     []string
}

func (f *fakeSnapshotOps) Create(ctx context.Context, name, description string) (hypervisor.UPID, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, name)
	return "UPID:snap-create", nil
}

func (f *fakeSnapshotOps) List(ctx context.Context) ([]hypervisor.SnapshotInfo, error) {
	return f.list, nil
}

func (f *fakeSnapshotOps) Rollback(ctx context.Context, name string) (hypervisor.UPID, error) {
	return "UPID:snap-rollback", f.rollbackErr
}

func (f *fakeSnapshotOps) Delete(ctx context.Context, name string) (hypervisor.UPID, error) {
	return "UPID:snap-delete", f.deleteErr
}

type fakeAdapter struct {
	snapOps   *fakeSnapshotOps
	powerErr  error
	vncTicket hypervisor.VNCTicket
	rrd       json.RawMessage
}

func (f *fakeAdapter) NextVMID(ctx context.Context) (int, error) { return 1, nil }
func (f *fakeAdapter) Clone(ctx context.Context, node string, templateVMID, newVMID int, name string) (hypervisor.UPID, error) {
	return "", nil
}
func (f *fakeAdapter) Power(ctx context.Context, node string, vmid int, action hypervisor.PowerAction) (hypervisor.UPID, error) {
	if f.powerErr != nil {
		return "", f.powerErr
	}
	return "UPID:power", nil
}
func (f *fakeAdapter) Delete(ctx context.Context, node string, vmid int) (hypervisor.UPID, error) {
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
	return f.vncTicket, nil
}
func (f *fakeAdapter) VncWebsocketDial(ctx context.Context, node string, vmid, port int, ticket string) (*websocket.Conn, error) {
	return nil, nil
}
func (f *fakeAdapter) Snapshots(node string, vmid int) hypervisor.SnapshotOps { return f.snapOps }
func (f *fakeAdapter) StopAndDelete(ctx context.Context, node string, vmid int) error { return nil }
func (f *fakeAdapter) Rrd(ctx context.Context, node string, vmid int, timeframe string) (json.RawMessage, error) {
	return f.rrd, nil
}

func newTestSetup(t *testing.T, status store.VPSStatus) (*Controller, store.VPSInstance, *fakeAdapter) {
	t.Helper()
	repo := store.NewMemoryRepo()
	repo.SeedPlan(store.Plan{ID: "plan-1", MonthlyPrice: 50000, Currency: "VND", MaxSnapshots: 1})
	repo.SeedCluster(store.Cluster{ID: "cluster-1", Name: "pve-1"})
	repo.SeedNode(store.Node{ID: "node-1", ClusterID: "cluster-1", Name: "pve-node-1"})

	vps, vm, err := repo.CreateVPSInstance(context.Background(), store.VPSInstance{
		OwnerID: "user-1", PlanID: "plan-1", OrderItemID: "item-1", Status: status,
	}, store.HypervisorVM{
		ClusterID: "cluster-1", NodeID: "node-1", VMID: 101, Hostname: "box1", PowerStatus: store.PowerRunning,
	})
	if err != nil {
		t.Fatalf("seeding vps instance: %v", err)
	}
	_ = vm

	adapter := &fakeAdapter{snapOps: &fakeSnapshotOps{}}
	ctrl := &Controller{
		repo:      repo,
		isolation: tenant.NewIsolationEnforcer(repoAdapter{repo}),
		quotas:    tenant.NewQuotaManagerWithProvider(func(ctx context.Context, userID string) (*tenant.QuotaUsage, error) { return &tenant.QuotaUsage{}, nil }),
		dial:      func(store.Cluster) (hypervisor.Adapter, error) { return adapter, nil },
	}
	return ctrl, vps, adapter
}

// repoAdapter narrows store.Repo down to tenant.Repo's two lookup methods.
type repoAdapter struct{ repo store.Repo }

func (r repoAdapter) OrderOwnerID(ctx context.Context, orderID string) (string, error) {
	o, err := r.repo.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	return o.UserID, nil
}

func (r repoAdapter) VPSInstanceOwnerID(ctx context.Context, vpsID string) (string, error) {
	v, err := r.repo.GetVPSInstance(ctx, vpsID)
	if err != nil {
		return "", err
	}
	return v.OwnerID, nil
}

func TestInfo_ActiveInstance(t *testing.T) {
	ctrl, vps, _ := newTestSetup(t, store.VPSActive)
	info, err := ctrl.Info(context.Background(), "user-1", vps.ID)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.VM.Hostname != "box1" {
		t.Errorf("expected merged hostname, got %q", info.VM.Hostname)
	}
}

func TestInfo_RejectsNonOwner(t *testing.T) {
	ctrl, vps, _ := newTestSetup(t, store.VPSActive)
	_, err := ctrl.Info(context.Background(), "someone-else", vps.ID)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Kind != apierr.KindForbidden {
		t.Fatalf("expected KindForbidden, got %v", err)
	}
}

func TestInfo_RejectedWhenTerminated(t *testing.T) {
	ctrl, vps, _ := newTestSetup(t, store.VPSTerminated)
	_, err := ctrl.Info(context.Background(), "user-1", vps.ID)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Kind != apierr.KindInvalidState {
		t.Fatalf("expected KindInvalidState for terminated instance, got %v", err)
	}
}

func TestPower_SuspendedRejected(t *testing.T) {
	ctrl, vps, _ := newTestSetup(t, store.VPSSuspended)
	err := ctrl.Power(context.Background(), "user-1", vps.ID, hypervisor.PowerStop)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Kind != apierr.KindInvalidState {
		t.Fatalf("expected KindInvalidState, got %v", err)
	}
}

func TestPower_StartUpdatesCachedStatus(t *testing.T) {
	ctrl, vps, _ := newTestSetup(t, store.VPSActive)
	if err := ctrl.Power(context.Background(), "user-1", vps.ID, hypervisor.PowerStop); err != nil {
		t.Fatalf("Power failed: %v", err)
	}
	info, err := ctrl.Info(context.Background(), "user-1", vps.ID)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.VM.PowerStatus != store.PowerStopped {
		t.Errorf("expected cached power status to be stopped, got %s", info.VM.PowerStatus)
	}
}

func TestVNC_OnlyAllowedWhenActive(t *testing.T) {
	ctrl, vps, adapter := newTestSetup(t, store.VPSActive)
	adapter.vncTicket = hypervisor.VNCTicket{Port: 5901, Ticket: "tix", Cert: "cert"}
	session, err := ctrl.VNC(context.Background(), "user-1", vps.ID)
	if err != nil {
		t.Fatalf("VNC failed: %v", err)
	}
	if session.Port != 5901 || session.Ticket != "tix" {
		t.Errorf("unexpected session: %+v", session)
	}

	ctrl2, vps2, _ := newTestSetup(t, store.VPSSuspended)
	_, err = ctrl2.VNC(context.Background(), "user-1", vps2.ID)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Kind != apierr.KindInvalidState {
		t.Fatalf("expected KindInvalidState for suspended vps, got %v", err)
	}
}

func TestSnapshotCreate_EnforcesCapAndDuplicateName(t *testing.T) {
	ctrl, vps, adapter := newTestSetup(t, store.VPSActive)

	if _, err := ctrl.SnapshotCreate(context.Background(), "user-1", vps.ID, "snap-1", ""); err != nil {
		t.Fatalf("first snapshot create failed: %v", err)
	}
	if len(adapter.snapOps.created) != 1 {
		t.Fatalf("expected one snapshot submitted to the adapter, got %d", len(adapter.snapOps.created))
	}

	_, err := ctrl.SnapshotCreate(context.Background(), "user-1", vps.ID, "snap-1", "")
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Kind != apierr.KindConflict {
		t.Fatalf("expected KindConflict for a duplicate name, got %v", err)
	}

	_, err = ctrl.SnapshotCreate(context.Background(), "user-1", vps.ID, "snap-2", "")
	apiErr, ok = apierr.As(err)
	if !ok || apiErr.Kind != apierr.KindLimitExceeded {
		t.Fatalf("expected KindLimitExceeded once plan's max_snapshots (1) is reached, got %v", err)
	}
}

func TestSnapshotDelete(t *testing.T) {
	ctrl, vps, _ := newTestSetup(t, store.VPSActive)
	if _, err := ctrl.SnapshotCreate(context.Background(), "user-1", vps.ID, "snap-1", ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := ctrl.SnapshotDelete(context.Background(), "user-1", vps.ID, "snap-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	err := ctrl.SnapshotDelete(context.Background(), "user-1", vps.ID, "snap-1")
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Kind != apierr.KindNotFound {
		t.Fatalf("expected KindNotFound deleting an already-deleted snapshot, got %v", err)
	}
}

func TestRrd_PassesThroughRawBytes(t *testing.T) {
	ctrl, vps, adapter := newTestSetup(t, store.VPSActive)
	adapter.rrd = json.RawMessage(`{"data":[1,2,3]}`)
	raw, err := ctrl.Rrd(context.Background(), "user-1", vps.ID, "hour")
	if err != nil {
		t.Fatalf("Rrd failed: %v", err)
	}
	if string(raw) != `{"data":[1,2,3]}` {
		t.Errorf("unexpected rrd payload: %s", raw)
	}
}
