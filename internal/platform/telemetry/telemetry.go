// Package telemetry exposes Prometheus metrics for the prior authorization
// server: HTTP traffic, domain operation outcomes, published events and
// database pool gauges. Each Provider owns its own registry.
package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehr/priorauth/internal/platform/db"
	"github.com/ehr/priorauth/internal/platform/events"
)

const namespace = "priorauth"

// Config holds all configuration for the telemetry provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	MetricsEnabled *bool // nil = use default (true)
}

func (c *Config) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "priorauth-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper to create a *bool for Config fields.
func BoolPtr(b bool) *bool {
	return &b
}

// Provider owns the metric collectors and the registry they are exported from.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry

	inFlight        prometheus.Gauge
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	operations      *prometheus.CounterVec
	eventsTotal     *prometheus.CounterVec
}

// NewProvider creates a provider with a fresh registry, including Go runtime
// and process collectors and a build_info gauge.
func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()

	p := &Provider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "In-flight HTTP requests.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Prior authorization operations by outcome code.",
		}, []string{"operation", "outcome"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Domain events handed to publishers.",
		}, []string{"type"}),
	}

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information.",
	}, []string{"service", "version", "environment"})
	buildInfo.WithLabelValues(cfg.ServiceName, cfg.ServiceVersion, cfg.Environment).Set(1)

	p.registry.MustRegister(
		p.inFlight, p.requestsTotal, p.requestDuration, p.operations, p.eventsTotal, buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Registry exposes the underlying registry for tests and extra collectors.
func (p *Provider) Registry() *prometheus.Registry { return p.registry }

// ObserveOperation counts one domain operation. outcome is "ok", an error
// code, or "error".
func (p *Provider) ObserveOperation(operation, outcome string) {
	p.operations.WithLabelValues(operation, outcome).Inc()
}

// CountEvents wraps next so every published event is counted by type.
func (p *Provider) CountEvents(next events.Publisher) events.Publisher {
	return events.PublisherFunc(func(ctx context.Context, e events.Event) {
		p.eventsTotal.WithLabelValues(e.Type).Inc()
		next.Publish(ctx, e)
	})
}

// RegisterPoolStats exports connection pool gauges read from stats on scrape.
func (p *Provider) RegisterPoolStats(stats func() *db.PoolStats) {
	gauge := func(name, help string, read func(*db.PoolStats) int32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, func() float64 {
			s := stats()
			if s == nil {
				return 0
			}
			return float64(read(s))
		})
	}
	p.registry.MustRegister(
		gauge("total_conns", "Open connections.", func(s *db.PoolStats) int32 { return s.TotalConns }),
		gauge("idle_conns", "Idle connections.", func(s *db.PoolStats) int32 { return s.IdleConns }),
		gauge("acquired_conns", "Connections in use.", func(s *db.PoolStats) int32 { return s.AcquiredConns }),
		gauge("max_conns", "Configured pool size.", func(s *db.PoolStats) int32 { return s.MaxConns }),
	)
}

// MetricsMiddleware records request count, latency and in-flight gauge,
// labelled by route pattern rather than raw path.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.metricsOn() {
				return next(c)
			}
			p.inFlight.Inc()
			defer p.inFlight.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if status < http.StatusBadRequest {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			labels := []string{c.Request().Method, route, strconv.Itoa(status)}
			p.requestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
			p.requestsTotal.WithLabelValues(labels...).Inc()
			return err
		}
	}
}

// Handler serves the registry in Prometheus text exposition format.
func (p *Provider) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry}))
}
