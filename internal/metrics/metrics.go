package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SwapsTotal counts swaps created by source/destination network
	SwapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swap_swaps_total",
			Help: "Total number of swaps created",
		},
		[]string{"network_from", "network_to"},
	)

	// SwapsByStatus tracks the current number of swaps in each lifecycle state
	SwapsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swap_swaps_by_status",
			Help: "Number of swaps by lifecycle status",
		},
		[]string{"status"},
	)

	// SwapDuration tracks time from creation to completion
	SwapDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swap_duration_seconds",
			Help:    "Swap processing duration in seconds",
			Buckets: []float64{60, 300, 600, 1200, 1800, 3600, 7200},
		},
		[]string{"network_from", "network_to"},
	)

	// PayoutsTotal counts payout attempts by chain and outcome
	PayoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swap_payouts_total",
			Help: "Total number of payout attempts",
		},
		[]string{"chain", "status"},
	)

	// RefundsTotal counts refund outcomes
	RefundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swap_refunds_total",
			Help: "Total number of refund attempts",
		},
		[]string{"chain", "status"},
	)

	// RefundQueueDepth tracks pending refunds awaiting processing
	RefundQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swap_refund_queue_depth",
			Help: "Number of refunds waiting to be processed",
		},
	)

	// WebhookDeliveries counts webhook delivery attempts by outcome
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swap_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts",
		},
		[]string{"event_type", "status"},
	)

	// WebhookDLQDepth tracks deliveries parked in the dead letter queue
	WebhookDLQDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swap_webhook_dlq_depth",
			Help: "Number of webhook deliveries in the dead letter queue",
		},
	)

	// RPCRequests counts RPC calls by chain, endpoint and outcome
	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swap_rpc_requests_total",
			Help: "Total number of RPC requests",
		},
		[]string{"chain", "endpoint", "status"},
	)

	// RPCLatency tracks RPC call latency per endpoint
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swap_rpc_latency_seconds",
			Help:    "RPC request latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"chain", "endpoint"},
	)

	// RPCEndpointHealth tracks the composite health score per endpoint
	RPCEndpointHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swap_rpc_endpoint_health_score",
			Help: "Composite health score (0-1) per RPC endpoint",
		},
		[]string{"chain", "endpoint"},
	)

	// GasPrice tracks the smoothed gas price per chain
	GasPrice = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swap_gas_price",
			Help: "Smoothed gas price per chain in native units (wei, sat/vB, lamports)",
		},
		[]string{"chain"},
	)

	// CacheRequests counts cache lookups by outcome (hit, miss, early_refresh)
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swap_cache_requests_total",
			Help: "Total number of cache lookups",
		},
		[]string{"cache", "outcome"},
	)

	// ProviderRequests counts upstream aggregator API calls
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swap_provider_requests_total",
			Help: "Total number of upstream provider API requests",
		},
		[]string{"operation", "status"},
	)

	// DepositsDetected counts detected deposits by chain
	DepositsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swap_deposits_detected_total",
			Help: "Total number of deposits detected on custody addresses",
		},
		[]string{"chain"},
	)

	// ErrorsTotal counts errors by component
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swap_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)
