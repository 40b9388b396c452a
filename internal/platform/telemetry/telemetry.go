// Package telemetry exposes Prometheus metrics for the MAR service: HTTP
// request counters and latencies, dose toggle outcomes, storage write
// latencies and connection pool gauges.
package telemetry

import (
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls metric naming.
type Config struct {
	Namespace   string
	ServiceName string
	Environment string
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "mar"
	}
	if c.ServiceName == "" {
		c.ServiceName = "mar-server"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// Provider owns a private registry so tests and multiple servers in one
// process never collide on the global one.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge
	toggles      *prometheus.CounterVec
	persist      *prometheus.HistogramVec
	archives     *prometheus.CounterVec
}

func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()
	constLabels := prometheus.Labels{"service": cfg.ServiceName, "env": cfg.Environment}

	p := &Provider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests.",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "http_request_duration_seconds",
			Help:        "Duration of HTTP requests in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "http_requests_in_flight",
			Help:        "Requests currently being served.",
			ConstLabels: constLabels,
		}),
		toggles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "dose_toggles_total",
			Help:        "Dose verification toggles by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		persist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "store_operation_duration_seconds",
			Help:        "Duration of storage operations in seconds.",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
			ConstLabels: constLabels,
		}, []string{"op", "result"}),
		archives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "archive_runs_total",
			Help:        "Daily archive runs by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
	}

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.httpRequests,
		p.httpDuration,
		p.httpInFlight,
		p.toggles,
		p.persist,
		p.archives,
	)
	return p
}

// Registry returns the provider's registry.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// ToggleOutcome counts one dose toggle attempt.
func (p *Provider) ToggleOutcome(outcome string) {
	p.toggles.WithLabelValues(outcome).Inc()
}

// ObservePersist records the latency of a storage operation. err is nil for
// success; any error is counted as "error".
func (p *Provider) ObservePersist(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.persist.WithLabelValues(op, result).Observe(d.Seconds())
}

// ArchiveRun counts a nightly archive attempt. created is false when the day
// was already archived.
func (p *Provider) ArchiveRun(created bool, err error) {
	switch {
	case err != nil:
		p.archives.WithLabelValues("error").Inc()
	case created:
		p.archives.WithLabelValues("created").Inc()
	default:
		p.archives.WithLabelValues("exists").Inc()
	}
}

// RegisterPool exports pgxpool statistics as gauges read at scrape time.
func (p *Provider) RegisterPool(pool *pgxpool.Pool) {
	if pool == nil {
		return
	}
	gauge := func(name, help string, read func(*pgxpool.Stat) int32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   p.cfg.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"service": p.cfg.ServiceName, "env": p.cfg.Environment},
		}, func() float64 { return float64(read(pool.Stat())) })
	}
	p.registry.MustRegister(
		gauge("db_pool_total_conns", "Connections currently open.", (*pgxpool.Stat).TotalConns),
		gauge("db_pool_acquired_conns", "Connections currently in use.", (*pgxpool.Stat).AcquiredConns),
		gauge("db_pool_idle_conns", "Idle connections.", (*pgxpool.Stat).IdleConns),
		gauge("db_pool_max_conns", "Configured pool size.", (*pgxpool.Stat).MaxConns),
	)
}

// MetricsMiddleware records request count and latency keyed by the matched
// route template, so ids in the path do not explode label cardinality.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().URL.Path == "/metrics" {
				return next(c)
			}
			p.httpInFlight.Inc()
			defer p.httpInFlight.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) && !c.Response().Committed {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			p.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
}
