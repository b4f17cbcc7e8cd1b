package metrics

import (
	"time"

	"github.com/cmatc13/overseer/pkg/service"
	"github.com/prometheus/client_golang/prometheus"
)

// StateSource is the read side of the supervisor used by the collector.
type StateSource interface {
	States() map[string]service.State
	AllMetrics() map[string]service.Metrics
}

var allStates = []service.State{
	service.StateRegistered,
	service.StateInitializing,
	service.StateStarting,
	service.StateRunning,
	service.StateUnhealthy,
	service.StateRetrying,
	service.StateStopping,
	service.StateStopped,
	service.StateFailed,
}

// SupervisorCollector exports per-service state and metrics at scrape time.
type SupervisorCollector struct {
	source StateSource

	state               *prometheus.Desc
	restarts            *prometheus.Desc
	errors              *prometheus.Desc
	healthCheckFailures *prometheus.Desc
	uptime              *prometheus.Desc
}

// NewSupervisorCollector creates a collector reading from source.
func NewSupervisorCollector(cfg Config, source StateSource) *SupervisorCollector {
	name := func(n string) string { return prometheus.BuildFQName(cfg.Namespace, "service", n) }
	return &SupervisorCollector{
		source: source,
		state: prometheus.NewDesc(name("state"),
			"Current lifecycle state; 1 for the active state", []string{"service", "state"}, nil),
		restarts: prometheus.NewDesc(name("restarts_total"),
			"Retry attempts made for the service", []string{"service"}, nil),
		errors: prometheus.NewDesc(name("recorded_errors_total"),
			"Errors recorded in the service metrics", []string{"service"}, nil),
		healthCheckFailures: prometheus.NewDesc(name("health_check_failures_total"),
			"Health checks that reported the service unhealthy", []string{"service"}, nil),
		uptime: prometheus.NewDesc(name("uptime_seconds"),
			"Seconds since the last successful start of a running service", []string{"service"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *SupervisorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.restarts
	ch <- c.errors
	ch <- c.healthCheckFailures
	ch <- c.uptime
}

// Collect implements prometheus.Collector.
func (c *SupervisorCollector) Collect(ch chan<- prometheus.Metric) {
	states := c.source.States()
	now := time.Now()

	for name, m := range c.source.AllMetrics() {
		current := states[name]
		for _, st := range allStates {
			v := 0.0
			if st == current {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, name, string(st))
		}

		ch <- prometheus.MustNewConstMetric(c.restarts, prometheus.CounterValue, float64(m.Restarts), name)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(m.Errors), name)
		ch <- prometheus.MustNewConstMetric(c.healthCheckFailures, prometheus.CounterValue, float64(m.HealthCheckFailures), name)

		if current == service.StateRunning && !m.StartTime.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, now.Sub(m.StartTime).Seconds(), name)
		}
	}
}
