package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relayer counters and gauges, partitioned by chain (mainnet, shasta).

var (
	// HTTP surface
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests by route and status code",
	}, []string{"route", "code"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relayer",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration until the response is written",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"route"})

	// Upstreams (TronGrid, marketplace, notifications)
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Total upstream calls by upstream, endpoint and outcome",
	}, []string{"upstream", "endpoint", "outcome"})

	// Quotes
	QuoteFeeUSDT = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "quote",
		Name:      "fee_usdt",
		Help:      "Most recently computed total fee in USDT",
	}, []string{"chain"})

	QuoteEnergyPriceSun = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "quote",
		Name:      "energy_price_sun",
		Help:      "Marketplace energy price per unit in sun",
	}, []string{"chain"})

	// Transactions
	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "tx",
		Name:      "broadcasts_total",
		Help:      "Total broadcasts by outcome",
	}, []string{"chain", "outcome"})

	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "relay",
		Name:      "executions_total",
		Help:      "Total relay operations by kind and outcome",
	}, []string{"chain", "kind", "outcome"})

	// Energy rental
	RentalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "energy",
		Name:      "rental_transitions_total",
		Help:      "Rental state transitions by subject and target state",
	}, []string{"chain", "subject", "state"})

	EnergyAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "wallet",
		Name:      "energy_available",
		Help:      "Relayer energy limit minus energy used",
	}, []string{"chain"})

	EnergyLimit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "wallet",
		Name:      "energy_limit",
		Help:      "Relayer energy limit",
	}, []string{"chain"})

	BalanceSun = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "wallet",
		Name:      "balance_sun",
		Help:      "Relayer TRX balance in sun",
	}, []string{"chain"})

	SecondsUntilLiquidation = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "energy",
		Name:      "seconds_until_liquidation",
		Help:      "Estimated seconds until the relayer rental is liquidated",
	}, []string{"chain"})

	MonitorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "monitor",
		Name:      "errors_total",
		Help:      "Total failed health audits",
	}, []string{"chain"})

	TopUps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "monitor",
		Name:      "topups_total",
		Help:      "Total relayer rental top-ups issued by the monitor",
	}, []string{"chain"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
