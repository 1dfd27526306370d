package converge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are written to a node exporter textfile after each run.
type Metrics struct {
	registry *prometheus.Registry

	lastRun  prometheus.Gauge
	duration prometheus.Gauge
	success  prometheus.Gauge
	checkout *prometheus.GaugeVec
	pulled   prometheus.Gauge
}

// NewMetrics registers the convergence gauges on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ci_storage_converge_last_run_timestamp_seconds",
			Help: "Unix time the last convergence run started.",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ci_storage_converge_duration_seconds",
			Help: "Duration of the last convergence run.",
		}),
		success: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ci_storage_converge_success",
			Help: "1 if the last convergence run succeeded.",
		}),
		checkout: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ci_storage_converge_checkout",
			Help: "1 for the checkout mode of the last convergence run.",
		}, []string{"mode"}),
		pulled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ci_storage_converge_pulled_images",
			Help: "Images pulled by the last convergence run.",
		}),
	}
	m.registry.MustRegister(m.lastRun, m.duration, m.success, m.checkout, m.pulled)
	return m
}

// Observe records one run.
func (m *Metrics) Observe(start time.Time, took time.Duration, res Result, err error) {
	m.lastRun.Set(float64(start.Unix()))
	m.duration.Set(took.Seconds())
	if err == nil {
		m.success.Set(1)
	} else {
		m.success.Set(0)
	}
	m.checkout.Reset()
	if res.Checkout != "" {
		m.checkout.WithLabelValues(string(res.Checkout)).Set(1)
	}
	m.pulled.Set(float64(len(res.Pulled)))
}

// WriteTextfile writes the gauges to path atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
