package matching

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	matchingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "matching_time_seconds",
		Help:    "Time from broadcast to resolution of a ride request.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 45, 60, 90},
	}, []string{"result"})

	requestOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ride_requests_total",
		Help: "Ride requests grouped by outcome.",
	}, []string{"result"})

	broadcastSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ride_request_broadcasts_total",
		Help: "Per-driver ride request sends grouped by result.",
	}, []string{"result"})
)
