package tracking

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	staleEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ride_stale_events_total",
		Help: "Status pushes dropped as regressive, repeated or foreign.",
	}, []string{"reason"})

	notificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ride_notifications_total",
		Help: "One-shot rider notifications by kind.",
	}, []string{"kind"})

	distanceCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ride_distance_recomputes_total",
		Help: "Distance recompute attempts, issued or dropped by the rate limiter.",
	}, []string{"result"})

	cancellations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ride_cancellations_total",
		Help: "Rider cancellations grouped by the status they were made in.",
	}, []string{"status"})
)
