package roster

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rosterSize = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "roster_drivers",
	Help: "Nearby drivers currently known to the roster.",
})
