// Package metrics provides metrics collection capabilities for the application.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cmatc13/overseer/pkg/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the metrics collectors for the application.
type Metrics struct {
	// Registry is the Prometheus registry for all metrics.
	Registry *prometheus.Registry

	// HTTP metrics
	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestInFlight prometheus.Gauge

	// Process metrics
	Uptime      prometheus.Gauge
	LastStarted prometheus.Gauge

	// Lifecycle event metrics
	Events        *prometheus.CounterVec
	ServiceErrors *prometheus.CounterVec
	StartDuration *prometheus.HistogramVec
	ServiceStarts *prometheus.CounterVec

	cfg Config
}

// Config holds the configuration for metrics.
type Config struct {
	// Namespace is the Prometheus namespace for all metrics.
	Namespace string
	// Subsystem is the Prometheus subsystem for all metrics.
	Subsystem string
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "overseer",
	}
}

// New creates a new metrics collector with the given configuration.
func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		Registry: registry,
		cfg:      cfg,

		RequestCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of admin API requests",
			},
			[]string{"method", "route", "code"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "Admin API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		RequestInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Current number of admin API requests being processed",
			},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "uptime_seconds",
				Help:      "Supervisor process uptime in seconds",
			},
		),

		LastStarted: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "last_started_timestamp",
				Help:      "Timestamp when the supervisor process started",
			},
		),

		Events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "service",
				Name:      "events_total",
				Help:      "Lifecycle events emitted per service and kind",
			},
			[]string{"service", "kind"},
		),

		ServiceErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "service",
				Name:      "errors_total",
				Help:      "Service errors by lifecycle phase",
			},
			[]string{"service", "phase"},
		),

		StartDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "service",
				Name:      "start_duration_seconds",
				Help:      "Time from factory call to running",
				Buckets:   []float64{.001, .01, .05, .1, .5, 1, 5, 15, 60},
			},
			[]string{"service"},
		),

		ServiceStarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "service",
				Name:      "starts_total",
				Help:      "Successful starts per service; retry marks starts after a failure",
			},
			[]string{"service", "retry"},
		),
	}

	m.LastStarted.Set(float64(time.Now().Unix()))

	return m
}

// Handler returns an HTTP handler for exposing metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordUptime starts a goroutine that updates the uptime metric.
func (m *Metrics) RecordUptime(done <-chan struct{}) {
	startTime := time.Now()
	ticker := time.NewTicker(1 * time.Second)

	go func() {
		for {
			select {
			case <-ticker.C:
				m.Uptime.Set(time.Since(startTime).Seconds())
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
}

// RecordRequest records metrics for an admin API request.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	m.RequestCount.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Observe subscribes m to the supervisor's events and registers a collector
// that reports state and counters from the supervisor on every scrape.
// It returns the unsubscribe function.
func (m *Metrics) Observe(s *service.Supervisor) (unsubscribe func(), err error) {
	if err := m.Registry.Register(NewSupervisorCollector(m.cfg, s)); err != nil {
		return nil, err
	}
	return s.SubscribeHandler(m), nil
}

// OnRegistered implements service.Handler.
func (m *Metrics) OnRegistered(ev service.Registered) { m.count(ev) }

// OnStarted implements service.Handler.
func (m *Metrics) OnStarted(ev service.Started) {
	m.count(ev)
	m.ServiceStarts.WithLabelValues(ev.Service, strconv.FormatBool(ev.Attempt > 0)).Inc()
	m.StartDuration.WithLabelValues(ev.Service).Observe(ev.Duration.Seconds())
}

// OnError implements service.Handler.
func (m *Metrics) OnError(ev service.Errored) {
	m.count(ev)
	m.ServiceErrors.WithLabelValues(ev.Service, string(ev.Phase)).Inc()
}

// OnUnhealthy implements service.Handler.
func (m *Metrics) OnUnhealthy(ev service.Unhealthy) { m.count(ev) }

// OnStopped implements service.Handler.
func (m *Metrics) OnStopped(ev service.Stopped) { m.count(ev) }

// OnFailed implements service.Handler.
func (m *Metrics) OnFailed(ev service.Failed) { m.count(ev) }

func (m *Metrics) count(ev service.Event) {
	m.Events.WithLabelValues(service.Meta(ev).Service, service.Kind(ev)).Inc()
}
