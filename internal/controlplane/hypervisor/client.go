package hypervisor

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
)

// client is the production Adapter, backed by one *http.Client and a
// Proxmox auth ticket per {host, user}.
type client struct {
	baseURL       string
	host          string
	port          int
	user          string
	pass          string
	skipTLSVerify bool

	httpClient *http.Client

	mu       sync.Mutex
	ticket   string
	csrf     string
	loggedIn time.Time
}

var (
	clientsMu sync.Mutex
	clients   = map[string]*client{}
)

// cacheKey identifies the shared client for a cluster's {host, port, user}.
func cacheKey(cluster store.Cluster) string {
	return fmt.Sprintf("%s:%d|%s", cluster.APIHost, cluster.APIPort, cluster.APIUser)
}

// Dial returns the shared Adapter for a cluster's {host, user}, creating and
// authenticating it on first use. Concurrent callers dialing the same
// cluster block on the same login rather than racing separate ones.
func Dial(cluster store.Cluster) (Adapter, error) {
	key := cacheKey(cluster)

	clientsMu.Lock()
	c, ok := clients[key]
	if !ok {
		c = &client{
			baseURL:       fmt.Sprintf("https://%s:%d/api2/json", cluster.APIHost, cluster.APIPort),
			host:          cluster.APIHost,
			port:          cluster.APIPort,
			user:          cluster.APIUser,
			pass:          cluster.APIPassword,
			skipTLSVerify: cluster.SkipTLSVerify,
			httpClient: &http.Client{
				Timeout: 30 * time.Second,
				Transport: &http.Transport{
					TLSClientConfig: &tls.Config{InsecureSkipVerify: cluster.SkipTLSVerify},
				},
			},
		}
		clients[key] = c
	}
	clientsMu.Unlock()

	if err := c.ensureLoggedIn(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

// ensureLoggedIn obtains or refreshes the PVE auth ticket. Tickets are valid
// for 2 hours; we refresh proactively after 90 minutes.
func (c *client) ensureLoggedIn(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ticket != "" && time.Since(c.loggedIn) < 90*time.Minute {
		return nil
	}

	form := url.Values{"username": {c.user}, "password": {c.pass}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/access/ticket", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: login returned %d", ErrTransport, resp.StatusCode)
	}

	var body struct {
		Data struct {
			Ticket              string `json:"ticket"`
			CSRFPreventionToken string `json:"CSRFPreventionToken"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: decoding login response: %v", ErrTransport, err)
	}
	if body.Data.Ticket == "" {
		return fmt.Errorf("%w: empty ticket in login response", ErrTransport)
	}

	c.ticket = body.Data.Ticket
	c.csrf = body.Data.CSRFPreventionToken
	c.loggedIn = time.Now()
	return nil
}

// taskResponse unwraps Proxmox's {"data": "<value>"} and {"data": {...}}
// envelopes.
type taskResponse struct {
	Data json.RawMessage `json:"data"`
}

// do issues an authenticated request against the cluster, retrying once
// after a fresh login on 401. method/path/form follow Proxmox's REST
// conventions (form-encoded body for POST/PUT, query string for GET).
func (c *client) do(ctx context.Context, method, path string, form url.Values) (json.RawMessage, error) {
	resp, status, err := c.doOnce(ctx, method, path, form)
	if err == nil && status == http.StatusUnauthorized {
		c.mu.Lock()
		c.ticket = ""
		c.mu.Unlock()
		if err := c.ensureLoggedIn(ctx); err != nil {
			return nil, err
		}
		resp, status, err = c.doOnce(ctx, method, path, form)
	}
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case status == http.StatusPreconditionFailed || status == http.StatusLocked:
		return nil, fmt.Errorf("%w: %s %s returned %d", ErrConflict, method, path, status)
	case status >= 300:
		return nil, fmt.Errorf("%w: %s %s returned %d: %s", ErrTransport, method, path, status, string(resp))
	}

	var env taskResponse
	if err := json.Unmarshal(resp, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrTransport, err)
	}
	return env.Data, nil
}

func (c *client) doOnce(ctx context.Context, method, path string, form url.Values) ([]byte, int, error) {
	var body io.Reader
	target := c.baseURL + path
	if method == http.MethodGet && form != nil {
		target += "?" + form.Encode()
	} else if form != nil {
		body = bytes.NewReader([]byte(form.Encode()))
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	c.mu.Lock()
	req.AddCookie(&http.Cookie{Name: "PVEAuthCookie", Value: c.ticket})
	if method != http.MethodGet {
		req.Header.Set("CSRFPreventionToken", c.csrf)
	}
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: reading response: %v", ErrTransport, err)
	}
	return data, resp.StatusCode, nil
}

func itoa(v int) string { return strconv.Itoa(v) }

// VncWebsocketDial opens the cluster's console websocket, authenticated
// with the session cookie this client already holds plus the one-time
// vncticket minted by VncProxy. Proxmox requires both: the cookie proves
// the API session, the ticket proves this specific console grant.
func (c *client) VncWebsocketDial(ctx context.Context, node string, vmid, port int, ticket string) (*websocket.Conn, error) {
	u := url.URL{
		Scheme:   "wss",
		Host:     fmt.Sprintf("%s:%d", c.host, c.port),
		Path:     fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/vncwebsocket", node, vmid),
		RawQuery: url.Values{"port": {itoa(port)}, "vncticket": {ticket}}.Encode(),
	}

	c.mu.Lock()
	cookie := c.ticket
	c.mu.Unlock()

	dialer := websocket.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: c.skipTLSVerify},
	}
	header := http.Header{}
	header.Set("Cookie", "PVEAuthCookie="+cookie)

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing console websocket: %v", ErrTransport, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	return conn, nil
}
