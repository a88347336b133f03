package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryRepo struct {
	mu sync.Mutex

	users     map[string]User
	plans     map[string]Plan
	templates map[string]Template
	clusters  map[string]Cluster
	nodes     map[string]Node
	storages  map[string]Storage

	orders      map[string]Order
	orderItems  map[string][]OrderItem
	orderItemsByID map[string]OrderItem

	promotions      map[string]Promotion
	userPromotions  []UserPromotion

	txns       map[string]PaymentTransaction // by ID
	txnsByGwID map[string]string             // gateway txn id -> ID
	txnLocks   map[string]*sync.Mutex

	vpsInstances     map[string]VPSInstance
	vpsByOrderItem   map[string]string
	hypervisorVMs    map[string]HypervisorVM
	vmidSeq          map[string]int

	snapshots map[string]Snapshot

	auditEvents []AuditEvent
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		users:          map[string]User{},
		plans:          map[string]Plan{},
		templates:      map[string]Template{},
		clusters:       map[string]Cluster{},
		nodes:          map[string]Node{},
		storages:       map[string]Storage{},
		orders:         map[string]Order{},
		orderItems:     map[string][]OrderItem{},
		orderItemsByID: map[string]OrderItem{},
		promotions:     map[string]Promotion{},
		txns:           map[string]PaymentTransaction{},
		txnsByGwID:     map[string]string{},
		txnLocks:       map[string]*sync.Mutex{},
		vpsInstances:   map[string]VPSInstance{},
		vpsByOrderItem: map[string]string{},
		hypervisorVMs:  map[string]HypervisorVM{},
		vmidSeq:        map[string]int{},
		snapshots:      map[string]Snapshot{},
		auditEvents:    []AuditEvent{},
	}
}

// Close is a no-op for MemoryRepo since it doesn't hold external resources.
func (m *MemoryRepo) Close() error { return nil }

func (m *MemoryRepo) CreateUser(_ context.Context, u User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return User{}, ErrConflict
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = time.Now().UTC()
	m.users[u.ID] = u
	return u, nil
}

func (m *MemoryRepo) GetUserByID(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *MemoryRepo) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *MemoryRepo) UpdateUserPassword(_ context.Context, id, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	m.users[id] = u
	return nil
}

func (m *MemoryRepo) MarkEmailVerified(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	u.EmailVerifiedAt = &now
	m.users[id] = u
	return nil
}

func (m *MemoryRepo) GetPlan(_ context.Context, id string) (Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return Plan{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryRepo) ListPlans(_ context.Context) ([]Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Plan, 0, len(m.plans))
	for _, p := range m.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MonthlyPrice < out[j].MonthlyPrice })
	return out, nil
}

func (m *MemoryRepo) GetTemplate(_ context.Context, id string) (Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return Template{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryRepo) GetCluster(_ context.Context, id string) (Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[id]
	if !ok {
		return Cluster{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryRepo) GetNode(_ context.Context, id string) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return Node{}, ErrNotFound
	}
	return n, nil
}

func (m *MemoryRepo) ListNodesByCluster(_ context.Context, clusterID string) ([]Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Node, 0)
	for _, n := range m.nodes {
		if n.ClusterID == clusterID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryRepo) CreateOrder(_ context.Context, o Order, items []OrderItem) (Order, []OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	if o.Status == "" {
		o.Status = OrderPending
	}
	m.orders[o.ID] = o

	out := make([]OrderItem, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		it.OrderID = o.ID
		it.CreatedAt = now
		m.orderItemsByID[it.ID] = it
		out = append(out, it)
	}
	m.orderItems[o.ID] = out
	return o, out, nil
}

func (m *MemoryRepo) GetOrderByNumber(_ context.Context, orderNumber string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.OrderNumber == orderNumber {
			return o, nil
		}
	}
	return Order{}, ErrNotFound
}

func (m *MemoryRepo) GetOrder(_ context.Context, id string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

// OrderOwnerID reports the UserID of an order, for use by the tenant
// package's ownership enforcer.
func (m *MemoryRepo) OrderOwnerID(_ context.Context, orderID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return "", ErrNotFound
	}
	return o.UserID, nil
}

// VPSInstanceOwnerID reports the OwnerID of a VPS instance, for use by the
// tenant package's ownership enforcer.
func (m *MemoryRepo) VPSInstanceOwnerID(_ context.Context, vpsID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vpsInstances[vpsID]
	if !ok {
		return "", ErrNotFound
	}
	return v.OwnerID, nil
}

func (m *MemoryRepo) ListOrderItems(_ context.Context, orderID string) ([]OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.orderItems[orderID]
	out := append([]OrderItem(nil), items...)
	return out, nil
}

func (m *MemoryRepo) GetOrderItem(_ context.Context, id string) (OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.orderItemsByID[id]
	if !ok {
		return OrderItem{}, ErrNotFound
	}
	return it, nil
}

func (m *MemoryRepo) MarkOrderPaid(_ context.Context, orderID string, promotionID, promoUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if o.Status == OrderPaid {
		return nil // idempotent replay
	}
	if o.Status == OrderCancelled {
		return ErrOrderCancelled
	}
	o.Status = OrderPaid
	o.UpdatedAt = time.Now().UTC()
	if promotionID != "" {
		o.PromotionID = promotionID
		m.userPromotions = append(m.userPromotions, UserPromotion{
			ID:          uuid.NewString(),
			PromotionID: promotionID,
			UserID:      promoUserID,
			OrderID:     orderID,
			UsedAt:      o.UpdatedAt,
		})
	}
	m.orders[orderID] = o
	return nil
}

func (m *MemoryRepo) CancelOrder(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if o.Status == OrderPaid {
		return ErrOrderAlreadyPaid
	}
	o.Status = OrderCancelled
	o.UpdatedAt = time.Now().UTC()
	m.orders[orderID] = o
	return nil
}

func (m *MemoryRepo) GetPromotionByCode(_ context.Context, code string) (Promotion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.promotions {
		if p.Code == code {
			return p, nil
		}
	}
	return Promotion{}, ErrNotFound
}

func (m *MemoryRepo) CountPromotionUsage(_ context.Context, promotionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, up := range m.userPromotions {
		if up.PromotionID == promotionID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepo) CountUserPromotionUsage(_ context.Context, promotionID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, up := range m.userPromotions {
		if up.PromotionID == promotionID && up.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepo) CreatePaymentTransaction(_ context.Context, t PaymentTransaction) (PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, exists := m.txnsByGwID[t.GatewayTxnID]; exists {
		return PaymentTransaction{}, ErrDuplicateTxn
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = PaymentPending
	}
	m.txns[t.ID] = t
	m.txnsByGwID[t.GatewayTxnID] = t.ID
	return t, nil
}

func (m *MemoryRepo) UpdatePaymentTransaction(_ context.Context, t PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txns[t.ID]; !ok {
		return ErrNotFound
	}
	t.UpdatedAt = time.Now().UTC()
	m.txns[t.ID] = t
	return nil
}

func (m *MemoryRepo) GetPaymentTransactionByTxnID(_ context.Context, txnID string) (PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.txnsByGwID[txnID]
	if !ok {
		return PaymentTransaction{}, ErrNotFound
	}
	return m.txns[id], nil
}

func (m *MemoryRepo) GetLatestPaymentTransactionForOrder(_ context.Context, orderID string) (PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest PaymentTransaction
	found := false
	for _, t := range m.txns {
		if t.OrderID != orderID {
			continue
		}
		if !found || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
			found = true
		}
	}
	if !found {
		return PaymentTransaction{}, ErrNotFound
	}
	return latest, nil
}

// LockTransactionByTxnID serializes callback processing for a given gateway
// transaction id using a per-key in-process mutex. The returned func must be
// deferred by the caller to release it.
func (m *MemoryRepo) LockTransactionByTxnID(_ context.Context, txnID string) (func(), error) {
	m.mu.Lock()
	lock, ok := m.txnLocks[txnID]
	if !ok {
		lock = &sync.Mutex{}
		m.txnLocks[txnID] = lock
	}
	m.mu.Unlock()
	lock.Lock()
	return lock.Unlock, nil
}

func (m *MemoryRepo) GetVPSInstanceByOrderItem(_ context.Context, orderItemID string) (VPSInstance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.vpsByOrderItem[orderItemID]
	if !ok {
		return VPSInstance{}, false, nil
	}
	return m.vpsInstances[id], true, nil
}

func (m *MemoryRepo) CreateVPSInstance(_ context.Context, vps VPSInstance, vm HypervisorVM) (VPSInstance, HypervisorVM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.vpsByOrderItem[vps.OrderItemID]; exists {
		return VPSInstance{}, HypervisorVM{}, ErrAlreadyProvisioned
	}
	for _, existing := range m.hypervisorVMs {
		if existing.ClusterID == vm.ClusterID && existing.NodeID == vm.NodeID && existing.VMID == vm.VMID {
			return VPSInstance{}, HypervisorVM{}, ErrVMIDConflict
		}
	}
	if vps.ID == "" {
		vps.ID = uuid.NewString()
	}
	if vm.ID == "" {
		vm.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	vps.HypervisorVMID = vm.ID
	vps.CreatedAt = now
	vps.UpdatedAt = now
	vm.CreatedAt = now

	m.vpsInstances[vps.ID] = vps
	m.vpsByOrderItem[vps.OrderItemID] = vps.ID
	m.hypervisorVMs[vm.ID] = vm

	item := m.orderItemsByID[vps.OrderItemID]
	item.VPSInstanceID = vps.ID
	m.orderItemsByID[vps.OrderItemID] = item
	items := m.orderItems[item.OrderID]
	for i := range items {
		if items[i].ID == item.ID {
			items[i].VPSInstanceID = vps.ID
		}
	}
	m.orderItems[item.OrderID] = items

	return vps, vm, nil
}

func (m *MemoryRepo) GetVPSInstance(_ context.Context, id string) (VPSInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vpsInstances[id]
	if !ok {
		return VPSInstance{}, ErrNotFound
	}
	return v, nil
}

func (m *MemoryRepo) ListVPSInstancesByOwner(_ context.Context, ownerID string) ([]VPSInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]VPSInstance, 0)
	for _, v := range m.vpsInstances {
		if v.OwnerID == ownerID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepo) UpdateVPSInstanceStatus(_ context.Context, id string, status VPSStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vpsInstances[id]
	if !ok {
		return ErrNotFound
	}
	if v.Status == VPSTerminated {
		return ErrInvalidVPSState
	}
	v.Status = status
	v.UpdatedAt = time.Now().UTC()
	m.vpsInstances[id] = v
	return nil
}

func (m *MemoryRepo) SetVPSInstanceError(_ context.Context, orderItemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.vpsByOrderItem[orderItemID]
	if !ok {
		return ErrNotFound
	}
	v := m.vpsInstances[id]
	v.Status = VPSError
	v.UpdatedAt = time.Now().UTC()
	m.vpsInstances[id] = v
	return nil
}

func (m *MemoryRepo) GetHypervisorVM(_ context.Context, id string) (HypervisorVM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, ok := m.hypervisorVMs[id]
	if !ok {
		return HypervisorVM{}, ErrNotFound
	}
	return vm, nil
}

func (m *MemoryRepo) UpdateHypervisorVM(_ context.Context, vm HypervisorVM) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hypervisorVMs[vm.ID]; !ok {
		return ErrNotFound
	}
	m.hypervisorVMs[vm.ID] = vm
	return nil
}

func (m *MemoryRepo) DeleteHypervisorVM(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hypervisorVMs, id)
	return nil
}

func (m *MemoryRepo) NextVMIDSeq(_ context.Context, clusterID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.vmidSeq[clusterID]
	if next == 0 {
		next = 100
	}
	next++
	m.vmidSeq[clusterID] = next
	return next, nil
}

func (m *MemoryRepo) ListExpiredActiveVPS(_ context.Context, now time.Time) ([]VPSInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]VPSInstance, 0)
	for _, v := range m.vpsInstances {
		if v.Status == VPSActive && v.ExpiresAt.Before(now) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *MemoryRepo) ListSuspendedPastGrace(_ context.Context, cutoff time.Time) ([]VPSInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]VPSInstance, 0)
	for _, v := range m.vpsInstances {
		if v.Status == VPSSuspended && v.UpdatedAt.Before(cutoff) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryRepo) ListSnapshots(_ context.Context, vmID string) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0)
	for _, s := range m.snapshots {
		if s.VMID == vmID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepo) CreateSnapshot(_ context.Context, s Snapshot) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.snapshots {
		if existing.VMID == s.VMID && existing.Name == s.Name {
			return Snapshot{}, ErrSnapshotNameExists
		}
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = time.Now().UTC()
	m.snapshots[s.ID] = s
	return s, nil
}

func (m *MemoryRepo) UpdateSnapshotStatus(_ context.Context, id string, status SnapshotStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	m.snapshots[id] = s
	return nil
}

func (m *MemoryRepo) DeleteSnapshot(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, id)
	return nil
}

func (m *MemoryRepo) GetSnapshotByName(_ context.Context, vmID, name string) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.snapshots {
		if s.VMID == vmID && s.Name == name {
			return s, true, nil
		}
	}
	return Snapshot{}, false, nil
}

func (m *MemoryRepo) DashboardStats(_ context.Context) (DashboardStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats DashboardStats
	stats.TotalUsers = len(m.users)
	stats.TotalOrders = len(m.orders)
	for _, o := range m.orders {
		if o.Status == OrderPaid {
			stats.PaidOrders++
			stats.RevenueTotal += o.Price
		}
	}
	for _, v := range m.vpsInstances {
		switch v.Status {
		case VPSActive:
			stats.ActiveVPS++
		case VPSSuspended:
			stats.SuspendedVPS++
		case VPSTerminated:
			stats.TerminatedVPS++
		}
	}
	return stats, nil
}

func (m *MemoryRepo) GetLastAuditEvent(_ context.Context) (*AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.auditEvents) == 0 {
		return nil, nil
	}
	last := m.auditEvents[len(m.auditEvents)-1]
	return &last, nil
}

func (m *MemoryRepo) WriteAuditEvent(_ context.Context, event *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.ID == 0 {
		event.ID = int64(len(m.auditEvents) + 1)
	}
	m.auditEvents = append(m.auditEvents, *event)
	return nil
}

func (m *MemoryRepo) UpdateAuditEventValidity(_ context.Context, id int64, valid bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.auditEvents {
		if m.auditEvents[i].ID == id {
			m.auditEvents[i].ChainValid = valid
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryRepo) ListAuditEvents(_ context.Context, actorUserID string, limit int) ([]AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditEvent
	for _, e := range m.auditEvents {
		if actorUserID == "" || (e.ActorUserID != nil && *e.ActorUserID == actorUserID) {
			out = append(out, e)
		}
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
