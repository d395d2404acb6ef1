package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PeripheralHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "verdant_peripheral_health",
			Help: "Peripheral health score from 0 to 100",
		},
		[]string{"peripheral"},
	)

	// One series per mode; the current mode is 1, all others 0.
	PeripheralMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "verdant_peripheral_mode",
			Help: "Current peripheral mode (1 = active)",
		},
		[]string{"peripheral", "mode"},
	)

	ActuationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdant_actuations_total",
			Help: "Total number of driver actuations by peripheral and action",
		},
		[]string{"peripheral", "action"},
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verdant_events_total",
			Help: "Total number of submitted events by peripheral and response code",
		},
		[]string{"peripheral", "code"},
	)

	IterationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verdant_iteration_duration_seconds",
			Help:    "Manager loop iteration duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"peripheral"},
	)
)

func init() {
	prometheus.MustRegister(PeripheralHealth)
	prometheus.MustRegister(PeripheralMode)
	prometheus.MustRegister(ActuationsTotal)
	prometheus.MustRegister(EventsTotal)
	prometheus.MustRegister(IterationDuration)
}

// SetMode marks mode as the active series for a peripheral.
func SetMode(peripheral, mode string, all []string) {
	for _, m := range all {
		v := 0.0
		if m == mode {
			v = 1
		}
		PeripheralMode.WithLabelValues(peripheral, m).Set(v)
	}
}

type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
