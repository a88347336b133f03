package hypervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

func (c *client) NextVMID(ctx context.Context) (int, error) {
	raw, err := c.do(ctx, http.MethodGet, "/cluster/nextid", nil)
	if err != nil {
		return 0, err
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, fmt.Errorf("%w: decoding nextid: %v", ErrTransport, err)
	}
	return strconv.Atoi(id)
}

func (c *client) Clone(ctx context.Context, node string, templateVMID, newVMID int, name string) (UPID, error) {
	form := url.Values{
		"newid": {itoa(newVMID)},
		"node":  {node},
		"name":  {name},
		"full":  {"1"},
	}
	raw, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/qemu/%d/clone", node, templateVMID), form)
	if err != nil {
		return "", err
	}
	return decodeUPID(raw)
}

func (c *client) Power(ctx context.Context, node string, vmid int, action PowerAction) (UPID, error) {
	raw, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/qemu/%d/status/%s", node, vmid, action), url.Values{})
	if err != nil {
		return "", err
	}
	return decodeUPID(raw)
}

func (c *client) Delete(ctx context.Context, node string, vmid int) (UPID, error) {
	form := url.Values{
		"skiplock":                   {"1"},
		"purge":                      {"1"},
		"destroy-unreferenced-disks": {"1"},
	}
	raw, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/nodes/%s/qemu/%d", node, vmid), form)
	if err != nil {
		return "", err
	}
	return decodeUPID(raw)
}

func (c *client) Resize(ctx context.Context, node string, vmid int, disk string, sizeGiB int) error {
	form := url.Values{"disk": {disk}, "size": {fmt.Sprintf("%dG", sizeGiB)}}
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/nodes/%s/qemu/%d/resize", node, vmid), form)
	return err
}

func (c *client) TaskStatus(ctx context.Context, node string, task UPID) (TaskState, error) {
	raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/tasks/%s/status", node, task), nil)
	if err != nil {
		return TaskState{}, err
	}
	var body struct {
		Status     string `json:"status"`
		ExitStatus string `json:"exitstatus"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return TaskState{}, fmt.Errorf("%w: decoding task status: %v", ErrTransport, err)
	}
	return TaskState{Running: body.Status == "running", ExitStatus: body.ExitStatus}, nil
}

// GuestIP returns the first non-loopback, non-link-local IPv4 address
// reported by the QEMU guest agent, or (nil, nil) if the agent has not
// reported one yet (it is not ready immediately after boot).
func (c *client) GuestIP(ctx context.Context, node string, vmid int) (*GuestNetwork, error) {
	raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/qemu/%d/agent/network-get-interfaces", node, vmid), nil)
	if err != nil {
		// The guest agent isn't installed/running yet; callers poll, so a
		// transport error here is non-fatal rather than bubbled up.
		return nil, nil
	}

	var body struct {
		Result []struct {
			Name            string `json:"name"`
			HardwareAddress string `json:"hardware-address"`
			IPAddresses     []struct {
				Type string `json:"ip-address-type"`
				Addr string `json:"ip-address"`
			} `json:"ip-addresses"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, nil
	}

	for _, iface := range body.Result {
		if iface.Name == "lo" {
			continue
		}
		for _, addr := range iface.IPAddresses {
			if addr.Type != "ipv4" || addr.Addr == "" {
				continue
			}
			if strings.HasPrefix(addr.Addr, "127.") || strings.HasPrefix(addr.Addr, "169.254.") {
				continue
			}
			return &GuestNetwork{IP: addr.Addr, MAC: iface.HardwareAddress}, nil
		}
	}
	return nil, nil
}

func (c *client) VncProxy(ctx context.Context, node string, vmid int) (VNCTicket, error) {
	raw, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/qemu/%d/vncproxy", node, vmid), url.Values{"websocket": {"1"}})
	if err != nil {
		return VNCTicket{}, err
	}
	var body struct {
		Port   json.Number `json:"port"`
		Ticket string      `json:"ticket"`
		Cert   string      `json:"cert"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return VNCTicket{}, fmt.Errorf("%w: decoding vncproxy response: %v", ErrTransport, err)
	}
	port, _ := body.Port.Int64()
	return VNCTicket{Port: int(port), Ticket: body.Ticket, Cert: body.Cert}, nil
}

func (c *client) Rrd(ctx context.Context, node string, vmid int, timeframe string) (json.RawMessage, error) {
	if timeframe == "" {
		timeframe = "hour"
	}
	form := url.Values{"timeframe": {timeframe}, "cf": {"AVERAGE"}}
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/qemu/%d/rrddata", node, vmid), form)
}

// StopAndDelete stops a VM and waits for it to settle (up to 10 polls at
// 30s intervals) before deleting it, so the disk isn't purged mid-shutdown.
func (c *client) StopAndDelete(ctx context.Context, node string, vmid int) error {
	task, err := c.Power(ctx, node, vmid, PowerStop)
	if err != nil {
		return err
	}

	for i := 0; i < 10; i++ {
		state, err := c.TaskStatus(ctx, node, task)
		if err != nil {
			return err
		}
		if state.Done() {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(30 * time.Second):
		}
	}

	if _, err := c.Delete(ctx, node, vmid); err != nil {
		return err
	}
	return nil
}

func (c *client) Snapshots(node string, vmid int) SnapshotOps {
	return &snapshotOps{c: c, node: node, vmid: vmid}
}

type snapshotOps struct {
	c    *client
	node string
	vmid int
}

func (s *snapshotOps) path() string {
	return fmt.Sprintf("/nodes/%s/qemu/%d/snapshot", s.node, s.vmid)
}

func (s *snapshotOps) Create(ctx context.Context, name, description string) (UPID, error) {
	form := url.Values{"snapname": {name}, "description": {description}}
	raw, err := s.c.do(ctx, http.MethodPost, s.path(), form)
	if err != nil {
		return "", err
	}
	return decodeUPID(raw)
}

func (s *snapshotOps) List(ctx context.Context) ([]SnapshotInfo, error) {
	raw, err := s.c.do(ctx, http.MethodGet, s.path(), nil)
	if err != nil {
		return nil, err
	}
	var entries []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Snaptime    int64  `json:"snaptime"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: decoding snapshot list: %v", ErrTransport, err)
	}

	out := make([]SnapshotInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, SnapshotInfo{Name: e.Name, Description: e.Description, CreatedAt: e.Snaptime})
	}
	return out, nil
}

func (s *snapshotOps) Rollback(ctx context.Context, name string) (UPID, error) {
	raw, err := s.c.do(ctx, http.MethodPost, s.path()+"/"+name+"/rollback", url.Values{})
	if err != nil {
		return "", err
	}
	return decodeUPID(raw)
}

func (s *snapshotOps) Delete(ctx context.Context, name string) (UPID, error) {
	raw, err := s.c.do(ctx, http.MethodDelete, s.path()+"/"+name, url.Values{})
	if err != nil {
		return "", err
	}
	return decodeUPID(raw)
}

func decodeUPID(raw json.RawMessage) (UPID, error) {
	var upid string
	if err := json.Unmarshal(raw, &upid); err != nil {
		return "", fmt.Errorf("%w: decoding task id: %v", ErrTransport, err)
	}
	return UPID(upid), nil
}
