package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the policy and approval engine.
// A nil *Metrics disables recording.
type Metrics struct {
	Decisions          *prometheus.CounterVec
	CheckDuration      prometheus.Histogram
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	ScopeChecks        *prometheus.CounterVec
	AuditDropsTotal    prometheus.Counter
	ApprovalsCreated   prometheus.Counter
	ApprovalsResolved  *prometheus.CounterVec
	ApprovalsPending   prometheus.Gauge
	ApprovalsThrottled prometheus.Counter
	ConfigReloads      *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Decisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentguard",
				Name:      "decisions_total",
				Help:      "Permission checks by result",
			},
			[]string{"result", "matched_by"},
		),
		CheckDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "agentguard",
				Name:      "check_duration_seconds",
				Help:      "Permission check latency in seconds",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
			},
		),
		CacheHits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentguard",
				Name:      "decision_cache_hits_total",
				Help:      "Checks answered from the decision cache",
			},
		),
		CacheMisses: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentguard",
				Name:      "decision_cache_misses_total",
				Help:      "Checks that were not in the decision cache",
			},
		),
		ScopeChecks: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentguard",
				Name:      "scope_checks_total",
				Help:      "Data scope checks by result",
			},
			[]string{"result"}, // allowed/denied
		),
		AuditDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentguard",
				Name:      "audit_drops_total",
				Help:      "Audit records dropped due to backpressure",
			},
		),
		ApprovalsCreated: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentguard",
				Name:      "approvals_created_total",
				Help:      "Approval requests created",
			},
		),
		ApprovalsResolved: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentguard",
				Name:      "approvals_resolved_total",
				Help:      "Approval requests that reached a terminal state",
			},
			[]string{"status"},
		),
		ApprovalsPending: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentguard",
				Name:      "approvals_pending",
				Help:      "Approval requests currently pending",
			},
		),
		ApprovalsThrottled: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentguard",
				Name:      "approvals_throttled_total",
				Help:      "Approval requests refused by the per-requester limit",
			},
		),
		ConfigReloads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentguard",
				Name:      "config_reloads_total",
				Help:      "Tenant configuration loads by outcome",
			},
			[]string{"outcome"}, // ok/error
		),
	}
}
