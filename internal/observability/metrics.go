package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	TripsUploaded  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_uploaded_total", Help: "Trips created or overwritten by passengers"})
	TripsAccepted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_accepted_total", Help: "Accept attempts that won the trip"})
	AcceptsLost    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trip_accepts_lost_total", Help: "Accept attempts that found the trip already taken"})
	TripsCancelled = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_cancelled_total", Help: "Trips removed by cancellation"})
	TripsCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_completed_total", Help: "Trips that reached completed"})
	StoreErrors    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "store_errors_total", Help: "Trip store write failures by operation"}, []string{"op"})

	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers in the geo index"})
	OpenStreams   = promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "open_streams", Help: "Open websocket streams by kind"}, []string{"kind"})
	OffersSent    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Trip offers delivered to drivers by channel"}, []string{"channel"})
	MatchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Nearby driver lookup latency"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
