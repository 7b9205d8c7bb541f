package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay, funding, and reconciliation counters, partitioned by asset where
// the event is asset-specific.

var (
	// Gateway
	RelayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macgas",
		Subsystem: "gateway",
		Name:      "relay_requests_total",
		Help:      "Total relay requests by outcome",
	}, []string{"outcome"})

	RelayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "macgas",
		Subsystem: "gateway",
		Name:      "relay_duration_seconds",
		Help:      "End-to-end relay request duration including the signer round trip",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	RelayDebitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macgas",
		Subsystem: "gateway",
		Name:      "relay_debits_total",
		Help:      "Total unit-cost debits committed after successful broadcast",
	}, []string{"asset"})

	FundingShortfallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "macgas",
		Subsystem: "gateway",
		Name:      "funding_shortfalls_total",
		Help:      "Total relay requests that terminated with a funding-shortfall response",
	})

	ThrottleRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macgas",
		Subsystem: "gateway",
		Name:      "throttle_rejections_total",
		Help:      "Total requests rejected by the request throttle",
	}, []string{"budget"})

	ProjectsRegisteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macgas",
		Subsystem: "gateway",
		Name:      "projects_registered_total",
		Help:      "Total projects registered",
	}, []string{"tier"})

	// Signer
	SignerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macgas",
		Subsystem: "signer",
		Name:      "errors_total",
		Help:      "Total signer-service failures by stage",
	}, []string{"stage"})

	SignerCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "macgas",
		Subsystem: "signer",
		Name:      "circuit_state",
		Help:      "Signer circuit breaker state (0=closed, 1=open, 2=half-open)",
	})

	// Solana RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macgas",
		Subsystem: "solana",
		Name:      "rpc_calls_total",
		Help:      "Total Solana JSON-RPC calls by method and status",
	}, []string{"method", "status"})

	RPCRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "macgas",
		Subsystem: "solana",
		Name:      "rpc_rate_limit_waits_total",
		Help:      "Total RPC calls delayed by the outbound rate limiter",
	})

	// Deposit reconciler
	ReconcileCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macgas",
		Subsystem: "reconciler",
		Name:      "cycles_total",
		Help:      "Total deposit poll cycles executed",
	}, []string{"asset"})

	ReconcileCycleErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macgas",
		Subsystem: "reconciler",
		Name:      "cycle_errors_total",
		Help:      "Total deposit poll cycles aborted by transient errors",
	}, []string{"asset"})

	DepositsCreditedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macgas",
		Subsystem: "reconciler",
		Name:      "deposits_credited_total",
		Help:      "Total deposits credited to project balances",
	}, []string{"asset"})

	DepositsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macgas",
		Subsystem: "reconciler",
		Name:      "deposits_skipped_total",
		Help:      "Total activity entries skipped during reconciliation",
	}, []string{"asset", "reason"})

	ReconcileCursorLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "macgas",
		Subsystem: "reconciler",
		Name:      "entries_behind",
		Help:      "Entries processed in the most recent poll cycle",
	}, []string{"asset"})

	// Payment verifier
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macgas",
		Subsystem: "payment",
		Name:      "settlements_total",
		Help:      "Total facilitator settlements by outcome",
	}, []string{"outcome"})

	SettlementDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "macgas",
		Subsystem: "payment",
		Name:      "settlement_duplicates_total",
		Help:      "Total settlements skipped because the reference was already applied",
	})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macgas",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "macgas",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})
)
