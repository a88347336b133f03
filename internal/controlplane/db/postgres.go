package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Query timeout durations
const (
	DefaultQueryTimeout = 30 * time.Second
	LongQueryTimeout    = 60 * time.Second
)

// Connection pool defaults
const (
	DefaultMaxConns          = 25
	DefaultMinConns          = 5
	DefaultMaxConnLifetime   = 30 * time.Minute
	DefaultMaxConnIdleTime   = 10 * time.Minute
	DefaultHealthCheckPeriod = 5 * time.Minute
)

type PostgresRepo struct {
	db *sql.DB
}

// NewPostgresRepo creates a new PostgresRepo with the given database connection.
func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Close closes the database connection pool.
func (r *PostgresRepo) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// DB returns the underlying sql.DB instance for health checks.
func (r *PostgresRepo) DB() *sql.DB {
	return r.db
}

// ConfigureConnectionPool configures the connection pool settings from environment variables.
// This should be called after sql.Open but before using the database.
func ConfigureConnectionPool(db *sql.DB) {
	maxConns := getEnvInt("DB_MAX_CONNECTIONS", DefaultMaxConns)
	db.SetMaxOpenConns(maxConns)

	minConns := getEnvInt("DB_MIN_CONNECTIONS", DefaultMinConns)
	db.SetMaxIdleConns(minConns)

	maxLifetime := getEnvDuration("DB_CONN_MAX_LIFETIME", DefaultMaxConnLifetime)
	db.SetConnMaxLifetime(maxLifetime)

	maxIdleTime := getEnvDuration("DB_CONN_MAX_IDLE_TIME", DefaultMaxConnIdleTime)
	db.SetConnMaxIdleTime(maxIdleTime)
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return n
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			return d
		}
	}
	return defaultVal
}

func queryTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return context.WithTimeout(parent, timeout)
}

// --- Users ---

func (r *PostgresRepo) CreateUser(ctx context.Context, u User) (User, error) {
	row := r.db.QueryRowContext(ctx, `
INSERT INTO users (id, email, password_hash, role)
VALUES ($1,$2,$3,$4)
RETURNING id, email, password_hash, role, email_verified_at, created_at`,
		nullable(u.ID), u.Email, u.PasswordHash, u.Role)
	var out User
	if err := row.Scan(&out.ID, &out.Email, &out.PasswordHash, &out.Role, &out.EmailVerifiedAt, &out.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrConflict
		}
		return User{}, err
	}
	return out, nil
}

func (r *PostgresRepo) GetUserByID(ctx context.Context, id string) (User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, email, password_hash, role, email_verified_at, created_at FROM users WHERE id=$1`, id)
	var out User
	if err := row.Scan(&out.ID, &out.Email, &out.PasswordHash, &out.Role, &out.EmailVerifiedAt, &out.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return out, nil
}

func (r *PostgresRepo) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, email, password_hash, role, email_verified_at, created_at FROM users WHERE email=$1`, email)
	var out User
	if err := row.Scan(&out.ID, &out.Email, &out.PasswordHash, &out.Role, &out.EmailVerifiedAt, &out.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return out, nil
}

func (r *PostgresRepo) UpdateUserPassword(ctx context.Context, id, passwordHash string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET password_hash=$1 WHERE id=$2`, passwordHash, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) MarkEmailVerified(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET email_verified_at=now() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Catalog ---

func (r *PostgresRepo) GetPlan(ctx context.Context, id string) (Plan, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, name, vcpu, ram_gib, storage_gib, storage_type, bandwidth_mbps, monthly_price, currency, max_snapshots, max_ips, category
FROM plans WHERE id=$1`, id)
	var p Plan
	if err := row.Scan(&p.ID, &p.Name, &p.VCPU, &p.RAMGiB, &p.StorageGiB, &p.StorageType, &p.BandwidthMbps, &p.MonthlyPrice, &p.Currency, &p.MaxSnapshots, &p.MaxIPs, &p.Category); err != nil {
		if err == sql.ErrNoRows {
			return Plan{}, ErrNotFound
		}
		return Plan{}, err
	}
	return p, nil
}

func (r *PostgresRepo) ListPlans(ctx context.Context) ([]Plan, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, name, vcpu, ram_gib, storage_gib, storage_type, bandwidth_mbps, monthly_price, currency, max_snapshots, max_ips, category
FROM plans ORDER BY monthly_price ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Plan
	for rows.Next() {
		var p Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.VCPU, &p.RAMGiB, &p.StorageGiB, &p.StorageType, &p.BandwidthMbps, &p.MonthlyPrice, &p.Currency, &p.MaxSnapshots, &p.MaxIPs, &p.Category); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) GetTemplate(ctx context.Context, id string) (Template, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, name, cluster_id, node_id, storage_id, os_family, os_version, cloud_init, default_user, base_vmid
FROM templates WHERE id=$1`, id)
	var t Template
	if err := row.Scan(&t.ID, &t.Name, &t.ClusterID, &t.NodeID, &t.StorageID, &t.OSFamily, &t.OSVersion, &t.CloudInit, &t.DefaultUser, &t.BaseVMID); err != nil {
		if err == sql.ErrNoRows {
			return Template{}, ErrNotFound
		}
		return Template{}, err
	}
	return t, nil
}

func (r *PostgresRepo) GetCluster(ctx context.Context, id string) (Cluster, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, name, api_host, api_port, api_user, api_password, skip_tls_verify FROM clusters WHERE id=$1`, id)
	var c Cluster
	if err := row.Scan(&c.ID, &c.Name, &c.APIHost, &c.APIPort, &c.APIUser, &c.APIPassword, &c.SkipTLSVerify); err != nil {
		if err == sql.ErrNoRows {
			return Cluster{}, ErrNotFound
		}
		return Cluster{}, err
	}
	return c, nil
}

func (r *PostgresRepo) GetNode(ctx context.Context, id string) (Node, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, cluster_id, name, cpu_cores, ram_gib, overcommit_cpu, overcommit_ram FROM nodes WHERE id=$1`, id)
	var n Node
	if err := row.Scan(&n.ID, &n.ClusterID, &n.Name, &n.CPUCores, &n.RAMGiB, &n.OvercommitCPU, &n.OvercommitRAM); err != nil {
		if err == sql.ErrNoRows {
			return Node{}, ErrNotFound
		}
		return Node{}, err
	}
	return n, nil
}

func (r *PostgresRepo) ListNodesByCluster(ctx context.Context, clusterID string) ([]Node, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, cluster_id, name, cpu_cores, ram_gib, overcommit_cpu, overcommit_ram FROM nodes WHERE cluster_id=$1 ORDER BY name`, clusterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.ClusterID, &n.Name, &n.CPUCores, &n.RAMGiB, &n.OvercommitCPU, &n.OvercommitRAM); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// --- Orders ---

func (r *PostgresRepo) CreateOrder(ctx context.Context, o Order, items []OrderItem) (Order, []OrderItem, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Order{}, nil, err
	}
	defer tx.Rollback()

	if o.ID == "" {
		o.ID = newUUID()
	}
	if o.Status == "" {
		o.Status = OrderPending
	}
	row := tx.QueryRowContext(ctx, `
INSERT INTO orders (id, order_number, user_id, price, currency, status)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING created_at, updated_at`, o.ID, o.OrderNumber, o.UserID, o.Price, o.Currency, o.Status)
	if err := row.Scan(&o.CreatedAt, &o.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return Order{}, nil, ErrConflict
		}
		return Order{}, nil, err
	}

	out := make([]OrderItem, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			it.ID = newUUID()
		}
		it.OrderID = o.ID
		row := tx.QueryRowContext(ctx, `
INSERT INTO order_items (id, order_id, plan_id, template_id, hostname, duration_months, unit_price, total_price)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING created_at`, it.ID, it.OrderID, it.PlanID, it.TemplateID, it.Hostname, it.DurationMonths, it.UnitPrice, it.TotalPrice)
		if err := row.Scan(&it.CreatedAt); err != nil {
			return Order{}, nil, err
		}
		out = append(out, it)
	}

	if err := tx.Commit(); err != nil {
		return Order{}, nil, err
	}
	return o, out, nil
}

func (r *PostgresRepo) GetOrderByNumber(ctx context.Context, orderNumber string) (Order, error) {
	return r.scanOrder(r.db.QueryRowContext(ctx, `
SELECT id, order_number, user_id, price, currency, status, COALESCE(promotion_id,''), created_at, updated_at
FROM orders WHERE order_number=$1`, orderNumber))
}

func (r *PostgresRepo) GetOrder(ctx context.Context, id string) (Order, error) {
	return r.scanOrder(r.db.QueryRowContext(ctx, `
SELECT id, order_number, user_id, price, currency, status, COALESCE(promotion_id,''), created_at, updated_at
FROM orders WHERE id=$1`, id))
}

// OrderOwnerID reports the UserID of an order, for use by the tenant
// package's ownership enforcer.
func (r *PostgresRepo) OrderOwnerID(ctx context.Context, orderID string) (string, error) {
	var ownerID string
	err := r.db.QueryRowContext(ctx, `SELECT user_id FROM orders WHERE id=$1`, orderID).Scan(&ownerID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return ownerID, err
}

// VPSInstanceOwnerID reports the OwnerID of a VPS instance, for use by the
// tenant package's ownership enforcer.
func (r *PostgresRepo) VPSInstanceOwnerID(ctx context.Context, vpsID string) (string, error) {
	var ownerID string
	err := r.db.QueryRowContext(ctx, `SELECT owner_id FROM vps_instances WHERE id=$1`, vpsID).Scan(&ownerID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return ownerID, err
}

func (r *PostgresRepo) scanOrder(row *sql.Row) (Order, error) {
	var o Order
	if err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.Price, &o.Currency, &o.Status, &o.PromotionID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Order{}, ErrNotFound
		}
		return Order{}, err
	}
	return o, nil
}

func (r *PostgresRepo) ListOrderItems(ctx context.Context, orderID string) ([]OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, order_id, plan_id, template_id, hostname, duration_months, unit_price, total_price, COALESCE(vps_instance_id,''), created_at
FROM order_items WHERE order_id=$1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.PlanID, &it.TemplateID, &it.Hostname, &it.DurationMonths, &it.UnitPrice, &it.TotalPrice, &it.VPSInstanceID, &it.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) GetOrderItem(ctx context.Context, id string) (OrderItem, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, order_id, plan_id, template_id, hostname, duration_months, unit_price, total_price, COALESCE(vps_instance_id,''), created_at
FROM order_items WHERE id=$1`, id)
	var it OrderItem
	if err := row.Scan(&it.ID, &it.OrderID, &it.PlanID, &it.TemplateID, &it.Hostname, &it.DurationMonths, &it.UnitPrice, &it.TotalPrice, &it.VPSInstanceID, &it.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return OrderItem{}, ErrNotFound
		}
		return OrderItem{}, err
	}
	return it, nil
}

// MarkOrderPaid locks the order row, checks its current status, and performs
// the pending->paid transition plus promotion-usage bookkeeping atomically.
// Called from the payment callback handler, so it must tolerate replay.
func (r *PostgresRepo) MarkOrderPaid(ctx context.Context, orderID string, promotionID, promoUserID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status OrderStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if status == OrderPaid {
		return tx.Commit()
	}
	if status == OrderCancelled {
		return ErrOrderCancelled
	}

	if _, err := tx.ExecContext(ctx, `UPDATE orders SET status=$1, promotion_id=$2, updated_at=now() WHERE id=$3`,
		OrderPaid, nullable(promotionID), orderID); err != nil {
		return err
	}
	if promotionID != "" {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO user_promotions (id, promotion_id, user_id, order_id, used_at)
VALUES ($1,$2,$3,$4,now())`, newUUID(), promotionID, promoUserID, orderID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *PostgresRepo) CancelOrder(ctx context.Context, orderID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status OrderStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if status == OrderPaid {
		return ErrOrderAlreadyPaid
	}
	if _, err := tx.ExecContext(ctx, `UPDATE orders SET status=$1, updated_at=now() WHERE id=$2`, OrderCancelled, orderID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Promotions ---

func (r *PostgresRepo) GetPromotionByCode(ctx context.Context, code string) (Promotion, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, code, type, value, starts_at, ends_at, usage_cap, per_user_cap FROM promotions WHERE code=$1`, code)
	var p Promotion
	if err := row.Scan(&p.ID, &p.Code, &p.Type, &p.Value, &p.StartsAt, &p.EndsAt, &p.UsageCap, &p.PerUserCap); err != nil {
		if err == sql.ErrNoRows {
			return Promotion{}, ErrNotFound
		}
		return Promotion{}, err
	}
	return p, nil
}

func (r *PostgresRepo) CountPromotionUsage(ctx context.Context, promotionID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_promotions WHERE promotion_id=$1`, promotionID).Scan(&n)
	return n, err
}

func (r *PostgresRepo) CountUserPromotionUsage(ctx context.Context, promotionID, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_promotions WHERE promotion_id=$1 AND user_id=$2`, promotionID, userID).Scan(&n)
	return n, err
}

// --- Payments ---

func (r *PostgresRepo) CreatePaymentTransaction(ctx context.Context, t PaymentTransaction) (PaymentTransaction, error) {
	if t.ID == "" {
		t.ID = newUUID()
	}
	if t.Status == "" {
		t.Status = PaymentPending
	}
	row := r.db.QueryRowContext(ctx, `
INSERT INTO payment_transactions (id, order_id, gateway_txn_id, method, amount, currency, status, raw_response)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING created_at, updated_at`, t.ID, t.OrderID, t.GatewayTxnID, t.Method, t.Amount, t.Currency, t.Status, t.RawResponse)
	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return PaymentTransaction{}, ErrDuplicateTxn
		}
		return PaymentTransaction{}, err
	}
	return t, nil
}

func (r *PostgresRepo) UpdatePaymentTransaction(ctx context.Context, t PaymentTransaction) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE payment_transactions SET status=$1, raw_response=$2, updated_at=now() WHERE id=$3`, t.Status, t.RawResponse, t.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) GetPaymentTransactionByTxnID(ctx context.Context, txnID string) (PaymentTransaction, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, order_id, gateway_txn_id, method, amount, currency, status, raw_response, created_at, updated_at
FROM payment_transactions WHERE gateway_txn_id=$1`, txnID)
	return scanPaymentTxn(row)
}

func (r *PostgresRepo) GetLatestPaymentTransactionForOrder(ctx context.Context, orderID string) (PaymentTransaction, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, order_id, gateway_txn_id, method, amount, currency, status, raw_response, created_at, updated_at
FROM payment_transactions WHERE order_id=$1 ORDER BY created_at DESC LIMIT 1`, orderID)
	return scanPaymentTxn(row)
}

func scanPaymentTxn(row *sql.Row) (PaymentTransaction, error) {
	var t PaymentTransaction
	if err := row.Scan(&t.ID, &t.OrderID, &t.GatewayTxnID, &t.Method, &t.Amount, &t.Currency, &t.Status, &t.RawResponse, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return PaymentTransaction{}, ErrNotFound
		}
		return PaymentTransaction{}, err
	}
	return t, nil
}

// LockTransactionByTxnID takes a Postgres advisory lock keyed on the gateway
// transaction id so concurrent callback deliveries for the same txn id
// serialize instead of racing on the insert-then-update sequence. The
// connection backing the advisory lock is held until the returned func runs.
func (r *PostgresRepo) LockTransactionByTxnID(ctx context.Context, txnID string) (func(), error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, txnID); err != nil {
		conn.Close()
		return nil, err
	}
	release := func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, txnID)
		conn.Close()
	}
	return release, nil
}

// --- Provisioning / VPS ---

func (r *PostgresRepo) GetVPSInstanceByOrderItem(ctx context.Context, orderItemID string) (VPSInstance, bool, error) {
	v, err := r.scanVPS(r.db.QueryRowContext(ctx, `
SELECT id, owner_id, plan_id, order_item_id, COALESCE(hypervisor_vm_id,''), status, expires_at, auto_renew, created_at, updated_at
FROM vps_instances WHERE order_item_id=$1`, orderItemID))
	if err == ErrNotFound {
		return VPSInstance{}, false, nil
	}
	if err != nil {
		return VPSInstance{}, false, err
	}
	return v, true, nil
}

// CreateVPSInstance inserts the vps_instances and hypervisor_vms rows for a
// single order item inside one transaction, relying on the unique
// constraints on (order_item_id) and (cluster_id, node_id, vmid) to catch
// concurrent double-provisioning and vmid collisions.
func (r *PostgresRepo) CreateVPSInstance(ctx context.Context, vps VPSInstance, vm HypervisorVM) (VPSInstance, HypervisorVM, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return VPSInstance{}, HypervisorVM{}, err
	}
	defer tx.Rollback()

	if vm.ID == "" {
		vm.ID = newUUID()
	}
	if err := tx.QueryRowContext(ctx, `
INSERT INTO hypervisor_vms (id, cluster_id, node_id, template_id, vmid, hostname, ip, mac, username, password_hash, vnc_port, vnc_password, power_status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
RETURNING created_at`, vm.ID, vm.ClusterID, vm.NodeID, vm.TemplateID, vm.VMID, vm.Hostname, nullable(vm.IP), nullable(vm.MAC), vm.Username, vm.PasswordHash, vm.VNCPort, vm.VNCPassword, vm.PowerStatus).Scan(&vm.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return VPSInstance{}, HypervisorVM{}, ErrVMIDConflict
		}
		return VPSInstance{}, HypervisorVM{}, err
	}

	if vps.ID == "" {
		vps.ID = newUUID()
	}
	vps.HypervisorVMID = vm.ID
	if err := tx.QueryRowContext(ctx, `
INSERT INTO vps_instances (id, owner_id, plan_id, order_item_id, hypervisor_vm_id, status, expires_at, auto_renew)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING created_at, updated_at`, vps.ID, vps.OwnerID, vps.PlanID, vps.OrderItemID, vps.HypervisorVMID, vps.Status, vps.ExpiresAt, vps.AutoRenew).Scan(&vps.CreatedAt, &vps.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return VPSInstance{}, HypervisorVM{}, ErrAlreadyProvisioned
		}
		return VPSInstance{}, HypervisorVM{}, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE order_items SET vps_instance_id=$1 WHERE id=$2`, vps.ID, vps.OrderItemID); err != nil {
		return VPSInstance{}, HypervisorVM{}, err
	}

	if err := tx.Commit(); err != nil {
		return VPSInstance{}, HypervisorVM{}, err
	}
	return vps, vm, nil
}

func (r *PostgresRepo) GetVPSInstance(ctx context.Context, id string) (VPSInstance, error) {
	return r.scanVPS(r.db.QueryRowContext(ctx, `
SELECT id, owner_id, plan_id, order_item_id, COALESCE(hypervisor_vm_id,''), status, expires_at, auto_renew, created_at, updated_at
FROM vps_instances WHERE id=$1`, id))
}

func (r *PostgresRepo) scanVPS(row *sql.Row) (VPSInstance, error) {
	var v VPSInstance
	if err := row.Scan(&v.ID, &v.OwnerID, &v.PlanID, &v.OrderItemID, &v.HypervisorVMID, &v.Status, &v.ExpiresAt, &v.AutoRenew, &v.CreatedAt, &v.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return VPSInstance{}, ErrNotFound
		}
		return VPSInstance{}, err
	}
	return v, nil
}

func (r *PostgresRepo) ListVPSInstancesByOwner(ctx context.Context, ownerID string) ([]VPSInstance, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, owner_id, plan_id, order_item_id, COALESCE(hypervisor_vm_id,''), status, expires_at, auto_renew, created_at, updated_at
FROM vps_instances WHERE owner_id=$1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VPSInstance
	for rows.Next() {
		var v VPSInstance
		if err := rows.Scan(&v.ID, &v.OwnerID, &v.PlanID, &v.OrderItemID, &v.HypervisorVMID, &v.Status, &v.ExpiresAt, &v.AutoRenew, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpdateVPSInstanceStatus locks the row to refuse transitions out of a
// terminal state (terminated instances never resurrect).
func (r *PostgresRepo) UpdateVPSInstanceStatus(ctx context.Context, id string, status VPSStatus) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current VPSStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM vps_instances WHERE id=$1 FOR UPDATE`, id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if current == VPSTerminated {
		return ErrInvalidVPSState
	}
	if _, err := tx.ExecContext(ctx, `UPDATE vps_instances SET status=$1, updated_at=now() WHERE id=$2`, status, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresRepo) SetVPSInstanceError(ctx context.Context, orderItemID string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE vps_instances SET status=$1, updated_at=now() WHERE order_item_id=$2`, VPSError, orderItemID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) GetHypervisorVM(ctx context.Context, id string) (HypervisorVM, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, cluster_id, node_id, template_id, vmid, hostname, COALESCE(ip,''), COALESCE(mac,''), username, password_hash, vnc_port, vnc_password, power_status, created_at
FROM hypervisor_vms WHERE id=$1`, id)
	var vm HypervisorVM
	if err := row.Scan(&vm.ID, &vm.ClusterID, &vm.NodeID, &vm.TemplateID, &vm.VMID, &vm.Hostname, &vm.IP, &vm.MAC, &vm.Username, &vm.PasswordHash, &vm.VNCPort, &vm.VNCPassword, &vm.PowerStatus, &vm.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return HypervisorVM{}, ErrNotFound
		}
		return HypervisorVM{}, err
	}
	return vm, nil
}

func (r *PostgresRepo) UpdateHypervisorVM(ctx context.Context, vm HypervisorVM) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE hypervisor_vms SET ip=$1, mac=$2, vnc_port=$3, vnc_password=$4, power_status=$5 WHERE id=$6`,
		nullable(vm.IP), nullable(vm.MAC), vm.VNCPort, vm.VNCPassword, vm.PowerStatus, vm.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) DeleteHypervisorVM(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM hypervisor_vms WHERE id=$1`, id)
	return err
}

// NextVMIDSeq draws the next vmid for a cluster from a per-cluster sequence
// row, locked FOR UPDATE so concurrent provisioning requests never hand out
// the same vmid twice.
func (r *PostgresRepo) NextVMIDSeq(ctx context.Context, clusterID string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx, `SELECT next_vmid FROM cluster_vmid_seq WHERE cluster_id=$1 FOR UPDATE`, clusterID).Scan(&next)
	if err == sql.ErrNoRows {
		next = 101
		if _, err := tx.ExecContext(ctx, `INSERT INTO cluster_vmid_seq (cluster_id, next_vmid) VALUES ($1,$2)`, clusterID, next+1); err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE cluster_vmid_seq SET next_vmid=$1 WHERE cluster_id=$2`, next+1, clusterID); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

// --- Expiration sweep ---

func (r *PostgresRepo) ListExpiredActiveVPS(ctx context.Context, now time.Time) ([]VPSInstance, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, owner_id, plan_id, order_item_id, COALESCE(hypervisor_vm_id,''), status, expires_at, auto_renew, created_at, updated_at
FROM vps_instances WHERE status=$1 AND expires_at < $2 ORDER BY expires_at`, VPSActive, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanVPSRows(rows)
}

func (r *PostgresRepo) ListSuspendedPastGrace(ctx context.Context, cutoff time.Time) ([]VPSInstance, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, owner_id, plan_id, order_item_id, COALESCE(hypervisor_vm_id,''), status, expires_at, auto_renew, created_at, updated_at
FROM vps_instances WHERE status=$1 AND updated_at < $2 ORDER BY updated_at`, VPSSuspended, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanVPSRows(rows)
}

func scanVPSRows(rows *sql.Rows) ([]VPSInstance, error) {
	var out []VPSInstance
	for rows.Next() {
		var v VPSInstance
		if err := rows.Scan(&v.ID, &v.OwnerID, &v.PlanID, &v.OrderItemID, &v.HypervisorVMID, &v.Status, &v.ExpiresAt, &v.AutoRenew, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Snapshots ---

func (r *PostgresRepo) ListSnapshots(ctx context.Context, vmID string) ([]Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, vm_id, name, COALESCE(description,''), size_bytes, status, created_at FROM snapshots WHERE vm_id=$1 ORDER BY created_at DESC`, vmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.ID, &s.VMID, &s.Name, &s.Description, &s.SizeBytes, &s.Status, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) CreateSnapshot(ctx context.Context, s Snapshot) (Snapshot, error) {
	if s.ID == "" {
		s.ID = newUUID()
	}
	row := r.db.QueryRowContext(ctx, `
INSERT INTO snapshots (id, vm_id, name, description, size_bytes, status)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING created_at`, s.ID, s.VMID, s.Name, nullable(s.Description), s.SizeBytes, s.Status)
	if err := row.Scan(&s.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return Snapshot{}, ErrSnapshotNameExists
		}
		return Snapshot{}, err
	}
	return s, nil
}

func (r *PostgresRepo) UpdateSnapshotStatus(ctx context.Context, id string, status SnapshotStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE snapshots SET status=$1 WHERE id=$2`, status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) DeleteSnapshot(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id=$1`, id)
	return err
}

func (r *PostgresRepo) GetSnapshotByName(ctx context.Context, vmID, name string) (Snapshot, bool, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, vm_id, name, COALESCE(description,''), size_bytes, status, created_at FROM snapshots WHERE vm_id=$1 AND name=$2`, vmID, name)
	var s Snapshot
	if err := row.Scan(&s.ID, &s.VMID, &s.Name, &s.Description, &s.SizeBytes, &s.Status, &s.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	return s, true, nil
}

// --- Admin dashboard ---

func (r *PostgresRepo) DashboardStats(ctx context.Context) (DashboardStats, error) {
	var stats DashboardStats
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&stats.TotalUsers); err != nil {
		return stats, err
	}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&stats.TotalOrders); err != nil {
		return stats, err
	}
	row := r.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(price), 0) FROM orders WHERE status=$1`, OrderPaid)
	if err := row.Scan(&stats.PaidOrders, &stats.RevenueTotal); err != nil {
		return stats, err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM vps_instances GROUP BY status`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status VPSStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		switch status {
		case VPSActive:
			stats.ActiveVPS = n
		case VPSSuspended:
			stats.SuspendedVPS = n
		case VPSTerminated:
			stats.TerminatedVPS = n
		}
	}
	return stats, rows.Err()
}

func (r *PostgresRepo) GetLastAuditEvent(ctx context.Context) (*AuditEvent, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, actor_type, actor_user_id, action, resource_type, resource_id, COALESCE(request_id,''),
       COALESCE(source_ip,''), metadata_json, occurred_at, prev_hash, entry_hash, chain_valid
FROM audit_events ORDER BY id DESC LIMIT 1`)
	var e AuditEvent
	if err := scanAuditEvent(row, &e); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func (r *PostgresRepo) WriteAuditEvent(ctx context.Context, event *AuditEvent) error {
	return r.db.QueryRowContext(ctx, `
INSERT INTO audit_events (actor_type, actor_user_id, action, resource_type, resource_id,
                           request_id, source_ip, metadata_json, occurred_at, prev_hash,
                           entry_hash, chain_valid)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
RETURNING id`,
		event.ActorType, event.ActorUserID, event.Action, event.ResourceType, event.ResourceID,
		nullable(event.RequestID), nullable(event.SourceIP), event.MetadataJSON, event.OccurredAt,
		event.PrevHash, event.EntryHash, event.ChainValid,
	).Scan(&event.ID)
}

func (r *PostgresRepo) UpdateAuditEventValidity(ctx context.Context, id int64, valid bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE audit_events SET chain_valid=$1 WHERE id=$2`, valid, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) ListAuditEvents(ctx context.Context, actorUserID string, limit int) ([]AuditEvent, error) {
	query := `
SELECT id, actor_type, actor_user_id, action, resource_type, resource_id, COALESCE(request_id,''),
       COALESCE(source_ip,''), metadata_json, occurred_at, prev_hash, entry_hash, chain_valid
FROM audit_events`
	var args []any
	if actorUserID != "" {
		query += ` WHERE actor_user_id=$1`
		args = append(args, actorUserID)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := scanAuditEvent(rows, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type auditEventScanner interface {
	Scan(dest ...any) error
}

func scanAuditEvent(row auditEventScanner, e *AuditEvent) error {
	return row.Scan(&e.ID, &e.ActorType, &e.ActorUserID, &e.Action, &e.ResourceType, &e.ResourceID,
		&e.RequestID, &e.SourceIP, &e.MetadataJSON, &e.OccurredAt, &e.PrevHash, &e.EntryHash, &e.ChainValid)
}

// --- helpers ---

func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate key")
}

func newUUID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(b[:])
}
