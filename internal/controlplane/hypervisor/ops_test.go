package hypervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
)

// newTestServer builds a fake Proxmox API that handles login plus whatever
// additional routes the test registers.
func newTestServer(t *testing.T, routes map[string]func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/access/ticket", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"ticket": "PVE:test", "CSRFPreventionToken": "csrf-token"},
		})
	})
	for path, handler := range routes {
		mux.HandleFunc(path, handler)
	}
	return httptest.NewServer(mux)
}

func dialTestClient(t *testing.T, srv *httptest.Server) Adapter {
	t.Helper()
	c := &client{
		baseURL:    srv.URL + "/api2/json",
		user:       "root@pam",
		pass:       "secret",
		httpClient: srv.Client(),
	}
	if err := c.ensureLoggedIn(context.Background()); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	return c
}

func jsonData(w http.ResponseWriter, v any) {
	json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func TestDial_CachesClientPerHostUser(t *testing.T) {
	cluster := store.Cluster{APIHost: "pve.example.test", APIPort: 8006, APIUser: "root@pam", APIPassword: "secret"}
	key := cacheKey(cluster)

	seeded := &client{
		baseURL:    "https://pve.example.test:8006/api2/json",
		user:       cluster.APIUser,
		pass:       cluster.APIPassword,
		httpClient: http.DefaultClient,
		ticket:     "PVE:already-logged-in",
		loggedIn:   time.Now(),
	}
	clientsMu.Lock()
	clients[key] = seeded
	clientsMu.Unlock()
	t.Cleanup(func() {
		clientsMu.Lock()
		delete(clients, key)
		clientsMu.Unlock()
	})

	a1, err := Dial(cluster)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	a2, err := Dial(cluster)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if a1.(*client) != seeded || a2.(*client) != seeded {
		t.Error("expected Dial to return the same cached client for the same {host, user}")
	}
}

func TestNextVMID(t *testing.T) {
	srv := newTestServer(t, map[string]func(w http.ResponseWriter, r *http.Request){
		"/api2/json/cluster/nextid": func(w http.ResponseWriter, r *http.Request) {
			jsonData(w, "142")
		},
	})
	defer srv.Close()

	c := dialTestClient(t, srv)
	id, err := c.NextVMID(context.Background())
	if err != nil {
		t.Fatalf("NextVMID failed: %v", err)
	}
	if id != 142 {
		t.Errorf("expected 142, got %d", id)
	}
}

func TestClone(t *testing.T) {
	srv := newTestServer(t, map[string]func(w http.ResponseWriter, r *http.Request){
		"/api2/json/nodes/pve1/qemu/9000/clone": func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("expected POST, got %s", r.Method)
			}
			jsonData(w, "UPID:pve1:00001234:CLONE")
		},
	})
	defer srv.Close()

	c := dialTestClient(t, srv)
	task, err := c.Clone(context.Background(), "pve1", 9000, 150, "vps-150")
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	if task != "UPID:pve1:00001234:CLONE" {
		t.Errorf("unexpected task id: %s", task)
	}
}

func TestPowerAndDelete(t *testing.T) {
	srv := newTestServer(t, map[string]func(w http.ResponseWriter, r *http.Request){
		"/api2/json/nodes/pve1/qemu/150/status/start": func(w http.ResponseWriter, r *http.Request) {
			jsonData(w, "UPID:pve1:START")
		},
		"/api2/json/nodes/pve1/qemu/150": func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodDelete {
				t.Errorf("expected DELETE, got %s", r.Method)
			}
			jsonData(w, "UPID:pve1:DELETE")
		},
	})
	defer srv.Close()

	c := dialTestClient(t, srv)
	task, err := c.Power(context.Background(), "pve1", 150, PowerStart)
	if err != nil {
		t.Fatalf("Power failed: %v", err)
	}
	if task != "UPID:pve1:START" {
		t.Errorf("unexpected task id: %s", task)
	}

	task, err = c.Delete(context.Background(), "pve1", 150)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if task != "UPID:pve1:DELETE" {
		t.Errorf("unexpected task id: %s", task)
	}
}

func TestTaskStatus(t *testing.T) {
	srv := newTestServer(t, map[string]func(w http.ResponseWriter, r *http.Request){
		"/api2/json/nodes/pve1/tasks/UPID:pve1:CLONE/status": func(w http.ResponseWriter, r *http.Request) {
			jsonData(w, map[string]string{"status": "stopped", "exitstatus": "OK"})
		},
	})
	defer srv.Close()

	c := dialTestClient(t, srv)
	state, err := c.TaskStatus(context.Background(), "pve1", UPID("UPID:pve1:CLONE"))
	if err != nil {
		t.Fatalf("TaskStatus failed: %v", err)
	}
	if !state.Done() || !state.OK() {
		t.Errorf("expected done+OK, got %+v", state)
	}
}

func TestGuestIP_FiltersLoopbackAndLinkLocal(t *testing.T) {
	srv := newTestServer(t, map[string]func(w http.ResponseWriter, r *http.Request){
		"/api2/json/nodes/pve1/qemu/150/agent/network-get-interfaces": func(w http.ResponseWriter, r *http.Request) {
			jsonData(w, map[string]any{
				"result": []map[string]any{
					{
						"name": "lo",
						"ip-addresses": []map[string]string{
							{"ip-address-type": "ipv4", "ip-address": "127.0.0.1"},
						},
					},
					{
						"name":             "eth0",
						"hardware-address": "aa:bb:cc:dd:ee:ff",
						"ip-addresses": []map[string]string{
							{"ip-address-type": "ipv4", "ip-address": "169.254.1.2"},
							{"ip-address-type": "ipv4", "ip-address": "10.0.0.5"},
						},
					},
				},
			})
		},
	})
	defer srv.Close()

	c := dialTestClient(t, srv)
	net, err := c.GuestIP(context.Background(), "pve1", 150)
	if err != nil {
		t.Fatalf("GuestIP failed: %v", err)
	}
	if net == nil {
		t.Fatal("expected a network, got nil")
	}
	if net.IP != "10.0.0.5" || net.MAC != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("unexpected result: %+v", net)
	}
}

func TestGuestIP_NotReadyReturnsNilNotError(t *testing.T) {
	srv := newTestServer(t, map[string]func(w http.ResponseWriter, r *http.Request){
		"/api2/json/nodes/pve1/qemu/150/agent/network-get-interfaces": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
	})
	defer srv.Close()

	c := dialTestClient(t, srv)
	net, err := c.GuestIP(context.Background(), "pve1", 150)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if net != nil {
		t.Errorf("expected nil network, got %+v", net)
	}
}

func TestSnapshotOps(t *testing.T) {
	srv := newTestServer(t, map[string]func(w http.ResponseWriter, r *http.Request){
		"/api2/json/nodes/pve1/qemu/150/snapshot": func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost:
				jsonData(w, "UPID:pve1:SNAP")
			case http.MethodGet:
				jsonData(w, []map[string]any{
					{"name": "current", "snaptime": 0},
					{"name": "before-upgrade", "description": "pre-upgrade", "snaptime": 1700000000},
				})
			}
		},
		"/api2/json/nodes/pve1/qemu/150/snapshot/before-upgrade": func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodDelete {
				t.Errorf("expected DELETE, got %s", r.Method)
			}
			jsonData(w, "UPID:pve1:SNAPDEL")
		},
	})
	defer srv.Close()

	c := dialTestClient(t, srv)
	ops := c.Snapshots("pve1", 150)

	task, err := ops.Create(context.Background(), "before-upgrade", "pre-upgrade")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if task != "UPID:pve1:SNAP" {
		t.Errorf("unexpected task: %s", task)
	}

	list, err := ops.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 || list[0].Name != "current" {
		t.Errorf("unexpected list: %+v", list)
	}

	if _, err := ops.Delete(context.Background(), "before-upgrade"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
}

func TestDo_NotFoundAndConflict(t *testing.T) {
	srv := newTestServer(t, map[string]func(w http.ResponseWriter, r *http.Request){
		"/api2/json/nodes/pve1/qemu/999": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		},
		"/api2/json/nodes/pve1/qemu/150/resize": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPreconditionFailed)
		},
	})
	defer srv.Close()

	c := dialTestClient(t, srv)

	_, err := c.Delete(context.Background(), "pve1", 999)
	if err == nil {
		t.Fatal("expected error")
	}

	err = c.Resize(context.Background(), "pve1", 150, "scsi0", 80)
	if err == nil {
		t.Fatal("expected error")
	}
}
