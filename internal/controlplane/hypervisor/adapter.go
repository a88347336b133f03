// Package hypervisor talks to a Proxmox-compatible hypervisor cluster over
// its REST API: cloning VMs from templates, driving power state, resizing
// disks, polling async tasks, and reading guest-agent network info. It is
// the only package in the control plane that makes outbound calls to the
// hypervisor cluster.
package hypervisor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gorilla/websocket"
)

// ErrTransport indicates the cluster was unreachable or returned a
// malformed response — retryable, surfaced as apierr.Upstream by callers.
var ErrTransport = errors.New("hypervisor: transport error")

// ErrConflict indicates the cluster rejected the request because of VM
// state (e.g. resizing a running VM's boot disk without the right flags).
var ErrConflict = errors.New("hypervisor: conflict")

// ErrNotFound indicates the referenced VM or task does not exist on the
// cluster.
var ErrNotFound = errors.New("hypervisor: not found")

// UPID is a Proxmox task identifier, returned by every async operation
// (clone/power/delete/resize) and polled via TaskStatus.
type UPID string

// PowerAction is one of the VM power operations.
type PowerAction string

const (
	PowerStart    PowerAction = "start"
	PowerStop     PowerAction = "stop"
	PowerShutdown PowerAction = "shutdown"
	PowerReboot   PowerAction = "reboot"
)

// TaskState is the polled status of an async cluster task.
type TaskState struct {
	Running    bool
	ExitStatus string // "OK" on success, an error string otherwise
}

// Done reports whether the task has finished, successfully or not.
func (t TaskState) Done() bool { return !t.Running }

// OK reports whether a finished task succeeded.
func (t TaskState) OK() bool { return !t.Running && t.ExitStatus == "OK" }

// GuestNetwork is one IPv4 address reported by the QEMU guest agent.
type GuestNetwork struct {
	IP  string
	MAC string
}

// VNCTicket is a one-time console ticket minted by the cluster for a VM.
type VNCTicket struct {
	Port   int
	Ticket string
	Cert   string
}

// SnapshotInfo describes one snapshot as reported by the cluster. The
// pseudo-entry named "current" represents the live disk state and is
// filtered out by callers enforcing a snapshot count quota.
type SnapshotInfo struct {
	Name        string
	Description string
	CreatedAt   int64 // unix seconds, 0 for "current"
}

// SnapshotOps scopes snapshot operations to one VM on one node.
type SnapshotOps interface {
	Create(ctx context.Context, name, description string) (UPID, error)
	List(ctx context.Context) ([]SnapshotInfo, error)
	Rollback(ctx context.Context, name string) (UPID, error)
	Delete(ctx context.Context, name string) (UPID, error)
}

// Adapter is the clean API surface the provisioning, VPS lifecycle, and
// expiration packages use to drive the hypervisor cluster. A production
// Adapter is obtained via Dial; tests substitute a fake.
type Adapter interface {
	NextVMID(ctx context.Context) (int, error)
	Clone(ctx context.Context, node string, templateVMID, newVMID int, name string) (UPID, error)
	Power(ctx context.Context, node string, vmid int, action PowerAction) (UPID, error)
	Delete(ctx context.Context, node string, vmid int) (UPID, error)
	Resize(ctx context.Context, node string, vmid int, disk string, sizeGiB int) error
	TaskStatus(ctx context.Context, node string, task UPID) (TaskState, error)
	GuestIP(ctx context.Context, node string, vmid int) (*GuestNetwork, error)
	VncProxy(ctx context.Context, node string, vmid int) (VNCTicket, error)
	// VncWebsocketDial opens the cluster's own console websocket for a
	// ticket minted by VncProxy, authenticated with the adapter's session
	// cookie. The caller relays frames between this and the browser's
	// console websocket; the adapter owns only the upstream leg.
	VncWebsocketDial(ctx context.Context, node string, vmid, port int, ticket string) (*websocket.Conn, error)
	Snapshots(node string, vmid int) SnapshotOps
	// StopAndDelete stops a VM and waits for it to settle before deleting
	// it, polling TaskStatus up to 10 times at 30s intervals.
	StopAndDelete(ctx context.Context, node string, vmid int) error
	Rrd(ctx context.Context, node string, vmid int, timeframe string) (json.RawMessage, error)
}
