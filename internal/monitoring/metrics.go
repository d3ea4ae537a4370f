package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrelay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmrelay_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmrelay_http_inflight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	SchedulerPicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrelay_scheduler_picks_total",
			Help: "Account selections by platform and reason (sticky|lru|binding)",
		},
		[]string{"platform", "reason"},
	)

	SchedulerNoAccountTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrelay_scheduler_no_account_total",
			Help: "Selections that found no eligible account",
		},
		[]string{"platform"},
	)

	AccountStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrelay_account_state_transitions_total",
			Help: "Account state machine transitions",
		},
		[]string{"platform", "to"},
	)

	SSEEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrelay_sse_events_total",
			Help: "SSE events relayed to clients",
		},
		[]string{"dialect"},
	)

	SSEHeartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmrelay_sse_heartbeats_total",
			Help: "Heartbeat newlines written to idle client streams",
		},
	)

	UsageTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrelay_usage_tokens_total",
			Help: "Tokens recorded by the usage ledger",
		},
		[]string{"model", "class"},
	)

	UsageCostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrelay_usage_cost_usd_total",
			Help: "Cost recorded by the usage ledger in USD",
		},
		[]string{"model"},
	)

	CostRankRefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmrelay_costrank_refresh_seconds",
			Help:    "Cost rank index refresh duration",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"window"},
	)

	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrelay_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	RateLimitKeysGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmrelay_ratelimit_keys",
			Help: "Number of per-key limiters currently cached",
		},
	)
)
