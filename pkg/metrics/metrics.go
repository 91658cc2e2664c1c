package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue and session metrics
	PendingSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_pending_sessions",
			Help: "Number of sessions waiting in the queue by resource group",
		},
		[]string{"group"},
	)

	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_sessions_total",
			Help: "Total number of sessions by status",
		},
		[]string{"status"},
	)

	SessionsScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_sessions_scheduled_total",
			Help: "Total number of sessions placed by resource group",
		},
		[]string{"group"},
	)

	// Agent metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_agents_total",
			Help: "Total number of agents by status",
		},
		[]string{"status"},
	)

	AgentSlotOccupancy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_agent_slot_occupancy",
			Help: "Occupied amount per agent and slot name, in base units",
		},
		[]string{"agent", "slot"},
	)

	// Scheduler metrics
	SchedulerCycleSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hive_scheduler_cycle_seconds",
			Help:    "Duration of one scheduling cycle by resource group",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"group"},
	)

	// Dispatch metrics
	DispatchRPCs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_dispatch_rpcs_total",
			Help: "Dispatched agent RPCs by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	DispatchRPCSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hive_dispatch_rpc_seconds",
			Help:    "Agent RPC duration by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Accounting metrics
	AccountingDrift = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_accounting_drift_total",
			Help: "Disagreements detected between live occupancy and ledger replay",
		},
	)

	// Reconciler metrics
	ReconcileActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_reconcile_actions_total",
			Help: "Corrective actions taken by the reconciler, by kind",
		},
		[]string{"kind"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hive_raft_is_leader",
			Help: "Whether this replica is the raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hive_raft_log_index",
			Help: "Current raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hive_raft_applied_index",
			Help: "Last applied raft log index",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		PendingSessions,
		SessionsTotal,
		SessionsScheduled,
		AgentsTotal,
		AgentSlotOccupancy,
		SchedulerCycleSeconds,
		DispatchRPCs,
		DispatchRPCSeconds,
		AccountingDrift,
		ReconcileActions,
		RaftLeader,
		RaftLogIndex,
		RaftAppliedIndex,
		APIRequestsTotal,
	)
}

// NewTimer starts a duration observation for the given observer.
func NewTimer(o prometheus.Observer) *prometheus.Timer {
	return prometheus.NewTimer(o)
}

// Handler returns the prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
