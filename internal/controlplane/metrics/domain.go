package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersCreated counts orders created, labeled by currency.
	OrdersCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpsctl_orders_created_total",
			Help: "Total number of orders created",
		},
		[]string{"currency"},
	)

	// OrdersPaid counts orders that successfully transitioned to paid.
	OrdersPaid = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpsctl_orders_paid_total",
			Help: "Total number of orders marked paid",
		},
		[]string{"method"},
	)

	// PaymentCallbacksTotal counts gateway callback deliveries by method and outcome.
	PaymentCallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpsctl_payment_callbacks_total",
			Help: "Total number of payment gateway callbacks processed",
		},
		[]string{"method", "outcome"}, // outcome: success, failed, replay, invalid_signature, unknown_txn
	)

	// ProvisioningDuration is a histogram of end-to-end provisioning latency
	// from order-paid to VPS active, labeled by plan.
	ProvisioningDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vpsctl_provisioning_duration_seconds",
			Help:    "Duration of VPS provisioning from paid order to active instance",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"plan_id"},
	)

	// ProvisioningFailures counts provisioning attempts that ended in error.
	ProvisioningFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpsctl_provisioning_failures_total",
			Help: "Total number of provisioning attempts that failed",
		},
		[]string{"reason"},
	)

	// HypervisorRequestDuration is a histogram of hypervisor adapter call
	// latency, labeled by operation and outcome.
	HypervisorRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vpsctl_hypervisor_request_duration_seconds",
			Help:    "Duration of hypervisor adapter API calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "outcome"},
	)

	// HypervisorTaskPolls counts task-status polls issued while waiting for
	// an async hypervisor operation (clone/start/stop/delete/resize) to reach
	// a terminal state.
	HypervisorTaskPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpsctl_hypervisor_task_polls_total",
			Help: "Total number of hypervisor task-status polls issued",
		},
		[]string{"operation"},
	)

	// ExpirySweepDuration is a histogram of the two-phase expiration sweep's
	// wall-clock duration.
	ExpirySweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vpsctl_expiry_sweep_duration_seconds",
			Help:    "Duration of a single expiration sweep tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ExpirySweepActions counts VPS instances acted upon per sweep phase.
	ExpirySweepActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpsctl_expiry_sweep_actions_total",
			Help: "Total number of VPS instances suspended or terminated by the expiration sweep",
		},
		[]string{"phase"}, // suspend, terminate
	)

	// SnapshotOperations counts snapshot create/delete operations by outcome.
	SnapshotOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpsctl_snapshot_operations_total",
			Help: "Total number of snapshot operations",
		},
		[]string{"operation", "outcome"},
	)

	// VNCSessionsActive is a gauge of currently proxied VNC WebSocket sessions.
	VNCSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vpsctl_vnc_sessions_active",
			Help: "Number of currently active VNC WebSocket proxy sessions",
		},
	)
)
