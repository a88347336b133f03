package controlplane

import (
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/mnhtng/vpsctl/internal/controlplane/hypervisor"
)

// upgrader accepts console connections from any origin: the console
// page is itself served by this same control plane behind the caller's
// own reverse proxy, and the short-lived ticket in the query string is
// the actual authorization check, not the Origin header.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleVNCWebSocket bridges a browser console client to the
// hypervisor's own console websocket. The vnc ticket minted by
// handleVPSVNC is the sole credential here — the browser's WebSocket
// API cannot attach an Authorization header, so this route is
// deliberately reachable without a bearer token.
func (a *App) handleVNCWebSocket(w http.ResponseWriter, r *http.Request) {
	vpsID := r.URL.Query().Get("id")
	ticket := r.URL.Query().Get("ticket")
	port, err := strconv.Atoi(r.URL.Query().Get("port"))
	if vpsID == "" || ticket == "" || err != nil {
		writeError(w, http.StatusBadRequest, "id, port and ticket query parameters are required")
		return
	}

	ctx := r.Context()
	inst, err := a.repo.GetVPSInstance(ctx, vpsID)
	if err != nil {
		writeError(w, http.StatusNotFound, "vps instance not found")
		return
	}
	vm, err := a.repo.GetHypervisorVM(ctx, inst.HypervisorVMID)
	if err != nil {
		writeError(w, http.StatusNotFound, "hypervisor vm not found")
		return
	}
	cluster, err := a.repo.GetCluster(ctx, vm.ClusterID)
	if err != nil {
		writeError(w, http.StatusNotFound, "cluster not found")
		return
	}
	node, err := a.repo.GetNode(ctx, vm.NodeID)
	if err != nil {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}

	adapter, err := hypervisor.Dial(cluster)
	if err != nil {
		writeError(w, http.StatusBadGateway, "hypervisor cluster unreachable")
		return
	}
	upstream, err := adapter.VncWebsocketDial(ctx, node.Name, vm.VMID, port, ticket)
	if err != nil {
		writeError(w, http.StatusBadGateway, "console connection failed")
		return
	}
	defer upstream.Close()

	downstream, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer downstream.Close()

	done := make(chan struct{}, 2)
	go relayFrames(downstream, upstream, done)
	go relayFrames(upstream, downstream, done)
	<-done
}

// relayFrames copies every frame read from src onto dst, preserving the
// original message type (the console protocol mixes text and binary
// frames), until either side closes or errors.
func relayFrames(dst, src *websocket.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}
