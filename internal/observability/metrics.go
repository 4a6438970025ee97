package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "haul_dispatch", Name: "offers_created_total", Help: "Total offers created"})
	OffersResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "haul_dispatch", Name: "offers_resolved_total", Help: "Offers resolved by outcome"},
		[]string{"outcome"},
	)
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "haul_dispatch", Name: "dispatch_outcomes_total", Help: "Trips leaving dispatch by terminal status"},
		[]string{"status"},
	)
	QueueDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "haul_dispatch",
		Name:      "offer_queue_depth",
		Help:      "Ranked candidate queue depth at dispatch start",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})
	SweeperExpirations = promauto.NewCounter(prometheus.CounterOpts{Namespace: "haul_dispatch", Name: "sweeper_expirations_total", Help: "Offers expired by the timeout sweeper"})
	DriversOnline      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "haul_dispatch", Name: "drivers_online", Help: "Number of online drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "haul_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "haul_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
