package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_messages_total",
		Help: "Realtime messages grouped by direction and type.",
	}, []string{"direction", "type"})

	decodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_decode_errors_total",
		Help: "Inbound messages dropped because the payload could not be decoded.",
	}, []string{"type"})

	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_reconnects_total",
		Help: "Connection attempts made after the first one.",
	})

	connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connected",
		Help: "1 while the realtime connection is open.",
	})
)
