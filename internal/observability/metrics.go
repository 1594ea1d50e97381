package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TripsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_created_total", Help: "Trips created"})
	TripsCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_cancelled_total", Help: "Trips cancelled by reason"},
		[]string{"reason"},
	)
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "claims_total", Help: "Claim attempts by outcome"},
		[]string{"outcome"},
	)
	// Cross-tenant claim attempts get their own counter; they are security
	// signal, not noise.
	StationMismatchTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "station_mismatch_total", Help: "Claim attempts across station boundaries"})
	DispatchLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "trip_dispatch", Name: "dispatch_latency_seconds", Help: "Time from trip creation to claim or cancellation", Buckets: prometheus.ExponentialBuckets(0.5, 2, 10)})
	OffersTotal          = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "offers_total", Help: "Candidate offers sent"})
	DriversOnline        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "trip_dispatch", Name: "drivers_online", Help: "Number of online drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trip_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
