package geolocation

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	errNoDistrict = errors.New("no district")
	errNoRoute    = errors.New("no route")
)

var calls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "geolocation_calls_total",
	Help: "Geolocation service calls grouped by operation and result.",
}, []string{"op", "result"})

func observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	calls.WithLabelValues(op, result).Inc()
}
