// Package controlplane is the HTTP edge of the control plane: request
// routing, authentication, rate limiting, and JSON marshaling around the
// order, payment, provisioning, vps, and expiry packages. It owns no
// domain logic of its own beyond mapping requests to those packages and
// their errors to HTTP status codes.
package controlplane

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnhtng/vpsctl/internal/controlplane/apierr"
	"github.com/mnhtng/vpsctl/internal/controlplane/audit"
	"github.com/mnhtng/vpsctl/internal/controlplane/cache"
	"github.com/mnhtng/vpsctl/internal/controlplane/config"
	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
	"github.com/mnhtng/vpsctl/internal/controlplane/email"
	"github.com/mnhtng/vpsctl/internal/controlplane/expiry"
	"github.com/mnhtng/vpsctl/internal/controlplane/health"
	"github.com/mnhtng/vpsctl/internal/controlplane/order"
	"github.com/mnhtng/vpsctl/internal/controlplane/payment"
	"github.com/mnhtng/vpsctl/internal/controlplane/provision"
	"github.com/mnhtng/vpsctl/internal/controlplane/tenant"
	"github.com/mnhtng/vpsctl/internal/controlplane/vps"
)

// App wires the HTTP surface to the core domain services. One App is
// built once at process start and serves for the process lifetime.
type App struct {
	cfg  config.Config
	repo store.Repo
	mux  *http.ServeMux

	cache       *cache.Cache
	rateLimiter *RateLimiter
	healthCheck *health.Checker
	auditChain  *audit.ChainManager
	mailer      *email.Sender

	orders      *order.Service
	payments    *payment.Processor
	provisioner *provision.Coordinator
	vpsCtrl     *vps.Controller
	scheduler   *expiry.Scheduler

	isolation *tenant.IsolationEnforcer
	quotas    *tenant.QuotaManager
}

// repoIsolation narrows store.Repo down to the two ownership lookups
// tenant.IsolationEnforcer needs.
type repoIsolation struct{ repo store.Repo }

func (r repoIsolation) OrderOwnerID(ctx context.Context, orderID string) (string, error) {
	o, err := r.repo.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	return o.UserID, nil
}

func (r repoIsolation) VPSInstanceOwnerID(ctx context.Context, vpsID string) (string, error) {
	v, err := r.repo.GetVPSInstance(ctx, vpsID)
	if err != nil {
		return "", err
	}
	return v.OwnerID, nil
}

// NewApp builds the full dependency graph: the domain services, then the
// HTTP routes over them.
func NewApp(cfg config.Config, repo store.Repo) (*App, error) {
	mailer := email.NewSender(cfg.SMTP, repo)

	isolation := tenant.NewIsolationEnforcer(repoIsolation{repo})
	quotas := tenant.NewQuotaManagerWithProvider(func(ctx context.Context, userID string) (*tenant.QuotaUsage, error) {
		instances, err := repo.ListVPSInstancesByOwner(ctx, userID)
		if err != nil {
			return nil, err
		}
		usage := &tenant.QuotaUsage{}
		for _, inst := range instances {
			if inst.Status != store.VPSTerminated && inst.Status != store.VPSError {
				usage.ActiveVPS++
			}
			snaps, err := repo.ListSnapshots(ctx, inst.HypervisorVMID)
			if err == nil {
				usage.Snapshots += len(snaps)
			}
		}
		return usage, nil
	})

	a := &App{
		cfg:         cfg,
		repo:        repo,
		mux:         http.NewServeMux(),
		cache:       cache.New(5*time.Minute, 10*time.Minute),
		rateLimiter: NewRateLimiter(cfg.RateLimit),
		auditChain:  audit.NewChainManager(repo),
		mailer:      mailer,
		orders:      order.NewService(repo),
		payments:    payment.NewProcessor(repo, payment.NewMoMoDriver(cfg.MoMo), payment.NewVNPayDriver(cfg.VNPay)),
		provisioner: provision.NewCoordinator(repo, mailer),
		vpsCtrl:     vps.NewController(repo, isolation, quotas),
		scheduler:   expiry.NewScheduler(repo, cfg.SweepInterval, cfg.GracePeriod),
		isolation:   isolation,
		quotas:      quotas,
	}

	a.setupHealthChecker(repo)
	a.registerRoutes()
	return a, nil
}

func (a *App) setupHealthChecker(repo store.Repo) {
	a.healthCheck = health.NewChecker("dev")
	a.healthCheck.Register("database", func(ctx context.Context) error {
		if db, ok := repo.(interface{ DB() *sql.DB }); ok {
			return db.DB().PingContext(ctx)
		}
		return nil
	})
}

// Handler returns the full middleware chain over the registered routes.
func (a *App) Handler() http.Handler {
	return a.withRequestLogging(a.rateLimiter.Middleware(a.peekUserID)(a.mux))
}

// StartScheduler launches the expiration sweep in the background. It does
// not block; call a.scheduler.Stop() (via Shutdown) to halt it cleanly.
func (a *App) StartScheduler(ctx context.Context) error {
	return a.scheduler.Start(ctx)
}

// Shutdown stops the expiration scheduler, waiting for any in-flight
// sweep to finish.
func (a *App) Shutdown() {
	a.scheduler.Stop()
}

func (a *App) registerRoutes() {
	a.mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.mux.HandleFunc("GET /readyz", a.handleReadyz)
	a.mux.Handle("GET /metrics", metricsHandler())

	a.mux.HandleFunc("POST /auth/register", a.handleRegister)
	a.mux.HandleFunc("POST /auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /auth/refresh-token", a.handleRefreshToken)
	a.mux.HandleFunc("POST /auth/logout", a.handleLogout)
	a.mux.HandleFunc("GET /auth/verify-email", a.handleVerifyEmail)
	a.mux.HandleFunc("POST /auth/forgot-password", a.handleForgotPassword)
	a.mux.HandleFunc("POST /auth/reset-password", a.handleResetPassword)

	a.mux.Handle("GET /plans", a.authMiddleware(http.HandlerFunc(a.handleListPlans)))
	a.mux.Handle("GET /plans/{id}", a.authMiddleware(http.HandlerFunc(a.handleGetPlan)))

	a.mux.Handle("POST /cart", a.authMiddleware(http.HandlerFunc(a.handleCartAdd)))
	a.mux.Handle("GET /cart", a.authMiddleware(http.HandlerFunc(a.handleCartList)))
	a.mux.Handle("DELETE /cart", a.authMiddleware(http.HandlerFunc(a.handleCartClear)))
	a.mux.Handle("DELETE /cart/{id}", a.authMiddleware(http.HandlerFunc(a.handleCartRemove)))
	a.mux.Handle("POST /cart/checkout", a.authMiddleware(http.HandlerFunc(a.handleCheckout)))

	a.mux.Handle("POST /payments/{method}/create", a.authMiddleware(http.HandlerFunc(a.handlePaymentCreate)))
	a.mux.Handle("POST /payments/{method}/repay", a.authMiddleware(http.HandlerFunc(a.handlePaymentCreate)))
	a.mux.HandleFunc("GET /payments/{method}/return", a.handlePaymentReturn)
	a.mux.HandleFunc("POST /payments/momo/notify", a.handlePaymentNotify)
	a.mux.HandleFunc("POST /payments/vnpay/ipn", a.handlePaymentIPN)

	a.mux.Handle("POST /vps/setup", a.authMiddleware(http.HandlerFunc(a.handleVPSSetup)))
	a.mux.Handle("GET /vps/my-vps", a.authMiddleware(http.HandlerFunc(a.handleListMyVPS)))
	a.mux.Handle("GET /vps/{id}/info", a.authMiddleware(http.HandlerFunc(a.handleVPSInfo)))
	a.mux.Handle("GET /vps/{id}/rrd", a.authMiddleware(http.HandlerFunc(a.handleVPSRrd)))
	a.mux.Handle("POST /vps/{id}/power", a.authMiddleware(http.HandlerFunc(a.handleVPSPower)))
	a.mux.Handle("GET /vps/{id}/vnc", a.authMiddleware(http.HandlerFunc(a.handleVPSVNC)))
	a.mux.Handle("GET /vps/{id}/snapshots", a.authMiddleware(http.HandlerFunc(a.handleSnapshotList)))
	a.mux.Handle("POST /vps/{id}/snapshots", a.authMiddleware(http.HandlerFunc(a.handleSnapshotCreate)))
	a.mux.Handle("POST /vps/{id}/snapshots/{name}/rollback", a.authMiddleware(http.HandlerFunc(a.handleSnapshotRollback)))
	a.mux.Handle("DELETE /vps/{id}/snapshots/{name}", a.authMiddleware(http.HandlerFunc(a.handleSnapshotDelete)))

	a.mux.Handle("GET /vnc/ws", http.HandlerFunc(a.handleVNCWebSocket))

	a.mux.Handle("GET /admin/dashboard/stats", a.adminAuth(http.HandlerFunc(a.handleDashboardStats)))
	a.mux.Handle("GET /admin/dashboard/analytics", a.adminAuth(http.HandlerFunc(a.handleDashboardAnalytics)))
}

func (a *App) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func (a *App) adminAuth(next http.Handler) http.Handler {
	return a.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := userFromContext(r)
		if !ok || claims.Role != string(store.RoleAdmin) {
			writeAPIError(w, apierr.New(apierr.KindForbidden, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.healthCheck.Check(r.Context()))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.healthCheck.IsHealthy(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// writeAPIError maps an apierr.Error (or any error wrapping one) to its
// HTTP status per spec.md §7; anything else is a 500.
func writeAPIError(w http.ResponseWriter, err error) {
	status := apierr.StatusOf(err)
	writeError(w, status, err.Error())
}

func decodeJSON(body io.Reader, v any) error {
	dec := json.NewDecoder(io.LimitReader(body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func requestID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Request-ID")); v != "" {
		return v
	}
	return uuid.NewString()
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *App) writeAudit(ctx context.Context, actorType, actorID, action, resourceType, resourceID string, r *http.Request) {
	_, err := a.auditChain.CreateAuditEvent(ctx, store.AuditEventInput{
		ActorType:    actorType,
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    requestID(r),
		SourceIP:     sourceIP(r),
	})
	if err != nil {
		log.Printf("[audit] writing event %s failed: %v", action, err)
	}
}

