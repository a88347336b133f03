// Package store defines the relational entities of the VPS rental domain
// and the Repo interface every service depends on. Entities are passed by
// value into the core; there are no lazy relationships — callers that need
// related rows fetch them explicitly via the Repo.
package store

import (
	"context"
	"time"
)

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

type User struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	PasswordHash    string     `json:"-"`
	Role            Role       `json:"role"`
	EmailVerifiedAt *time.Time `json:"email_verified_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type StorageType string

const (
	StorageSSD  StorageType = "SSD"
	StorageNVMe StorageType = "NVMe"
)

type PlanCategory string

const (
	PlanBasic    PlanCategory = "basic"
	PlanStandard PlanCategory = "standard"
	PlanPremium  PlanCategory = "premium"
)

// Plan is an immutable catalog entry.
type Plan struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	VCPU          int          `json:"vcpu"`
	RAMGiB        int          `json:"ram_gib"`
	StorageGiB    int          `json:"storage_gib"`
	StorageType   StorageType  `json:"storage_type"`
	BandwidthMbps int          `json:"bandwidth_mbps"`
	MonthlyPrice  int64        `json:"monthly_price"`
	Currency      string       `json:"currency"`
	MaxSnapshots  int          `json:"max_snapshots"`
	MaxIPs        int          `json:"max_ips"`
	Category      PlanCategory `json:"category"`
}

// Template references a VM image that lives on some {cluster, node, storage}.
type Template struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ClusterID   string `json:"cluster_id"`
	NodeID      string `json:"node_id"`
	StorageID   string `json:"storage_id"`
	OSFamily    string `json:"os_family"`
	OSVersion   string `json:"os_version"`
	CloudInit   bool   `json:"cloud_init"`
	DefaultUser string `json:"default_user"`
	BaseVMID    int    `json:"base_vmid"`
}

type Cluster struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	APIHost       string `json:"api_host"`
	APIPort       int    `json:"api_port"`
	APIUser       string `json:"api_user"`
	APIPassword   string `json:"-"`
	SkipTLSVerify bool   `json:"skip_tls_verify"`
}

type Node struct {
	ID            string  `json:"id"`
	ClusterID     string  `json:"cluster_id"`
	Name          string  `json:"name"`
	CPUCores      int     `json:"cpu_cores"`
	RAMGiB        int     `json:"ram_gib"`
	OvercommitCPU float64 `json:"overcommit_cpu"`
	OvercommitRAM float64 `json:"overcommit_ram"`
}

type Storage struct {
	ID       string      `json:"id"`
	NodeID   string      `json:"node_id"`
	Name     string      `json:"name"`
	Type     StorageType `json:"type"`
	Shared   bool        `json:"shared"`
	TotalGiB int         `json:"total_gib"`
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderCancelled OrderStatus = "cancelled"
)

type Order struct {
	ID          string      `json:"id"`
	OrderNumber string      `json:"order_number"`
	UserID      string      `json:"user_id"`
	Price       int64       `json:"price"`
	Currency    string      `json:"currency"`
	Status      OrderStatus `json:"status"`
	PromotionID string      `json:"promotion_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type OrderItem struct {
	ID             string    `json:"id"`
	OrderID        string    `json:"order_id"`
	PlanID         string    `json:"plan_id"`
	TemplateID     string    `json:"template_id"`
	Hostname       string    `json:"hostname"`
	DurationMonths int       `json:"duration_months"`
	UnitPrice      int64     `json:"unit_price"`
	TotalPrice     int64     `json:"total_price"`
	VPSInstanceID  string    `json:"vps_instance_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type PaymentMethod string

const (
	PaymentMethodMoMo  PaymentMethod = "M"
	PaymentMethodVNPay PaymentMethod = "V"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

type PaymentTransaction struct {
	ID           string        `json:"id"`
	OrderID      string        `json:"order_id"`
	GatewayTxnID string        `json:"gateway_txn_id"`
	Method       PaymentMethod `json:"method"`
	Amount       int64         `json:"amount"`
	Currency     string        `json:"currency"`
	Status       PaymentStatus `json:"status"`
	RawResponse  []byte        `json:"raw_response,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

type VPSStatus string

const (
	VPSCreating   VPSStatus = "creating"
	VPSActive     VPSStatus = "active"
	VPSSuspended  VPSStatus = "suspended"
	VPSTerminated VPSStatus = "terminated"
	VPSError      VPSStatus = "error"
)

type VPSInstance struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	PlanID         string    `json:"plan_id"`
	OrderItemID    string    `json:"order_item_id"`
	HypervisorVMID string    `json:"hypervisor_vm_id,omitempty"`
	Status         VPSStatus `json:"status"`
	ExpiresAt      time.Time `json:"expires_at"`
	AutoRenew      bool      `json:"auto_renew"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type PowerStatus string

const (
	PowerRunning   PowerStatus = "running"
	PowerStopped   PowerStatus = "stopped"
	PowerSuspended PowerStatus = "suspended"
)

type HypervisorVM struct {
	ID           string      `json:"id"`
	ClusterID    string      `json:"cluster_id"`
	NodeID       string      `json:"node_id"`
	TemplateID   string      `json:"template_id"`
	VMID         int         `json:"vmid"`
	Hostname     string      `json:"hostname"`
	IP           string      `json:"ip,omitempty"`
	MAC          string      `json:"mac,omitempty"`
	Username     string      `json:"username"`
	PasswordHash string      `json:"-"`
	VNCPort      int         `json:"vnc_port,omitempty"`
	VNCPassword  string      `json:"-"`
	PowerStatus  PowerStatus `json:"power_status"`
	CreatedAt    time.Time   `json:"created_at"`
}

type SnapshotStatus string

const (
	SnapshotCreating  SnapshotStatus = "creating"
	SnapshotAvailable SnapshotStatus = "available"
	SnapshotDeleting  SnapshotStatus = "deleting"
	SnapshotError     SnapshotStatus = "error"
)

type Snapshot struct {
	ID          string         `json:"id"`
	VMID        string         `json:"vm_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	SizeBytes   int64          `json:"size_bytes"`
	Status      SnapshotStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
}

type PromotionType string

const (
	PromotionPercentage PromotionType = "percentage"
	PromotionFixed      PromotionType = "fixed"
)

type Promotion struct {
	ID         string        `json:"id"`
	Code       string        `json:"code"`
	Type       PromotionType `json:"type"`
	Value      int64         `json:"value"`
	StartsAt   *time.Time    `json:"starts_at,omitempty"`
	EndsAt     *time.Time    `json:"ends_at,omitempty"`
	UsageCap   int           `json:"usage_cap"`
	PerUserCap int           `json:"per_user_cap"`
}

type UserPromotion struct {
	ID          string    `json:"id"`
	PromotionID string    `json:"promotion_id"`
	UserID      string    `json:"user_id"`
	OrderID     string    `json:"order_id"`
	UsedAt      time.Time `json:"used_at"`
}

// Repo is the persistence boundary every service depends on. Implementations
// (PostgresRepo, MemoryRepo) must uphold the model's invariants: an
// OrderItem links to at most one VPSInstance, (cluster_id, node_id, vmid) is
// unique, an Order never moves from paid back to pending, a terminal
// VPSInstance status never changes, and a PaymentTransaction only becomes
// completed after signature verification succeeds.
type Repo interface {
	Close() error

	// Users
	CreateUser(ctx context.Context, u User) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	UpdateUserPassword(ctx context.Context, id, passwordHash string) error
	MarkEmailVerified(ctx context.Context, id string) error

	// Catalog
	GetPlan(ctx context.Context, id string) (Plan, error)
	ListPlans(ctx context.Context) ([]Plan, error)
	GetTemplate(ctx context.Context, id string) (Template, error)
	GetCluster(ctx context.Context, id string) (Cluster, error)
	GetNode(ctx context.Context, id string) (Node, error)
	ListNodesByCluster(ctx context.Context, clusterID string) ([]Node, error)

	// Orders
	CreateOrder(ctx context.Context, o Order, items []OrderItem) (Order, []OrderItem, error)
	GetOrderByNumber(ctx context.Context, orderNumber string) (Order, error)
	GetOrder(ctx context.Context, id string) (Order, error)
	ListOrderItems(ctx context.Context, orderID string) ([]OrderItem, error)
	GetOrderItem(ctx context.Context, id string) (OrderItem, error)
	// MarkOrderPaid transitions an order pending->paid and records the
	// consumed promotion (if any) atomically. It is a no-op success if the
	// order is already paid (idempotent callback replay), and fails if the
	// order is cancelled.
	MarkOrderPaid(ctx context.Context, orderID string, promotionID, promoUserID string) error
	CancelOrder(ctx context.Context, orderID string) error

	// Promotions
	GetPromotionByCode(ctx context.Context, code string) (Promotion, error)
	CountPromotionUsage(ctx context.Context, promotionID string) (int, error)
	CountUserPromotionUsage(ctx context.Context, promotionID, userID string) (int, error)

	// Payments — callback processing for a given gateway txn id must be
	// serialized; LockTransactionByTxnID acquires that serialization point
	// (a row lock in Postgres, an in-process mutex in the memory repo) and
	// returns a release function the caller must defer.
	CreatePaymentTransaction(ctx context.Context, t PaymentTransaction) (PaymentTransaction, error)
	UpdatePaymentTransaction(ctx context.Context, t PaymentTransaction) error
	GetPaymentTransactionByTxnID(ctx context.Context, txnID string) (PaymentTransaction, error)
	GetLatestPaymentTransactionForOrder(ctx context.Context, orderID string) (PaymentTransaction, error)
	LockTransactionByTxnID(ctx context.Context, txnID string) (func(), error)

	// Provisioning / VPS
	GetVPSInstanceByOrderItem(ctx context.Context, orderItemID string) (VPSInstance, bool, error)
	CreateVPSInstance(ctx context.Context, vps VPSInstance, vm HypervisorVM) (VPSInstance, HypervisorVM, error)
	GetVPSInstance(ctx context.Context, id string) (VPSInstance, error)
	ListVPSInstancesByOwner(ctx context.Context, ownerID string) ([]VPSInstance, error)
	UpdateVPSInstanceStatus(ctx context.Context, id string, status VPSStatus) error
	SetVPSInstanceError(ctx context.Context, orderItemID string) error
	GetHypervisorVM(ctx context.Context, id string) (HypervisorVM, error)
	UpdateHypervisorVM(ctx context.Context, vm HypervisorVM) error
	DeleteHypervisorVM(ctx context.Context, id string) error
	NextVMIDSeq(ctx context.Context, clusterID string) (int, error)

	// Expiration sweep
	ListExpiredActiveVPS(ctx context.Context, now time.Time) ([]VPSInstance, error)
	ListSuspendedPastGrace(ctx context.Context, cutoff time.Time) ([]VPSInstance, error)

	// Snapshots
	ListSnapshots(ctx context.Context, vmID string) ([]Snapshot, error)
	CreateSnapshot(ctx context.Context, s Snapshot) (Snapshot, error)
	UpdateSnapshotStatus(ctx context.Context, id string, status SnapshotStatus) error
	DeleteSnapshot(ctx context.Context, id string) error
	GetSnapshotByName(ctx context.Context, vmID, name string) (Snapshot, bool, error)

	// Admin dashboard aggregates
	DashboardStats(ctx context.Context) (DashboardStats, error)

	// Audit log (hash-chained)
	GetLastAuditEvent(ctx context.Context) (*AuditEvent, error)
	WriteAuditEvent(ctx context.Context, event *AuditEvent) error
	UpdateAuditEventValidity(ctx context.Context, id int64, valid bool) error
	ListAuditEvents(ctx context.Context, actorUserID string, limit int) ([]AuditEvent, error)
}

// AuditEventInput is the caller-supplied payload for a new audit event; the
// chain manager fills in PrevHash/EntryHash/OccurredAt before persisting it.
type AuditEventInput struct {
	ActorType    string // USER or SYSTEM
	ActorID      string
	Action       string // e.g. order.created, payment.verified, vps.power_on, snapshot.created
	ResourceType string // order, vps_instance, snapshot, payment_transaction
	ResourceID   string
	RequestID    string
	SourceIP     string
	Metadata     []byte
}

// AuditEvent is one entry in the append-only, hash-chained audit log.
type AuditEvent struct {
	ID           int64     `json:"id"`
	ActorType    string    `json:"actor_type"`
	ActorUserID  *string   `json:"actor_user_id,omitempty"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	RequestID    string    `json:"request_id,omitempty"`
	SourceIP     string    `json:"source_ip,omitempty"`
	MetadataJSON []byte    `json:"metadata_json,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
	PrevHash     string    `json:"prev_hash"`
	EntryHash    string    `json:"entry_hash"`
	ChainValid   bool      `json:"chain_valid"`
}

type DashboardStats struct {
	TotalUsers    int   `json:"total_users"`
	TotalOrders   int   `json:"total_orders"`
	PaidOrders    int   `json:"paid_orders"`
	ActiveVPS     int   `json:"active_vps"`
	SuspendedVPS  int   `json:"suspended_vps"`
	TerminatedVPS int   `json:"terminated_vps"`
	RevenueTotal  int64 `json:"revenue_total"`
}
