// Package telemetry wires Prometheus metrics and OpenTelemetry tracing into
// the HTTP server and the session and MFA services.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ehr_auth"

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Metrics holds every collector the service exports. All recording methods
// accept a nil receiver so services can run without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	activeRequests prometheus.Gauge

	sessionVerifications *prometheus.CounterVec
	sessionOps           *prometheus.CounterVec
	cacheErrors          *prometheus.CounterVec
	mfaCodesIssued       *prometheus.CounterVec
	mfaVerifications     *prometheus.CounterVec
	notifyAttempts       *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help: "HTTP request latency.", Buckets: defaultDurationBuckets,
		}, []string{"method", "route"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "active_requests",
			Help: "In-flight HTTP requests.",
		}),
		sessionVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "verifications_total",
			Help: "Access token verifications by lookup path and result.",
		}, []string{"path", "result"}),
		sessionOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "operations_total",
			Help: "Session lifecycle operations by outcome.",
		}, []string{"op", "result"}),
		cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "errors_total",
			Help: "Cache operations that failed and fell back to the database.",
		}, []string{"op"}),
		mfaCodesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mfa", Name: "codes_issued_total",
			Help: "MFA codes issued by method, purpose and delivery status.",
		}, []string{"method", "purpose", "delivery"}),
		mfaVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mfa", Name: "verifications_total",
			Help: "MFA code verifications by purpose and result.",
		}, []string{"purpose", "result"}),
		notifyAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "notify", Name: "attempts",
			Help: "Delivery attempts per notification.", Buckets: []float64{1, 2, 3, 4, 5},
		}, []string{"channel", "result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration, m.activeRequests,
		m.sessionVerifications, m.sessionOps, m.cacheErrors,
		m.mfaCodesIssued, m.mfaVerifications, m.notifyAttempts,
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WatchCache exports cache availability as a gauge sampled at scrape time.
func (m *Metrics) WatchCache(available func() bool) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "cache", Name: "available",
		Help: "1 when the cache tier is reachable.",
	}, func() float64 {
		if available() {
			return 1
		}
		return 0
	}))
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

func (m *Metrics) SessionVerification(path, result string) {
	if m == nil {
		return
	}
	m.sessionVerifications.WithLabelValues(path, result).Inc()
}

func (m *Metrics) SessionOp(op, result string) {
	if m == nil {
		return
	}
	m.sessionOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) CacheError(op string) {
	if m == nil {
		return
	}
	m.cacheErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) MFACodeIssued(method, purpose, delivery string) {
	if m == nil {
		return
	}
	m.mfaCodesIssued.WithLabelValues(method, purpose, delivery).Inc()
}

func (m *Metrics) MFAVerification(purpose, result string) {
	if m == nil {
		return
	}
	m.mfaVerifications.WithLabelValues(purpose, result).Inc()
}

func (m *Metrics) NotifyAttempts(channel, result string, attempts int) {
	if m == nil {
		return
	}
	m.notifyAttempts.WithLabelValues(channel, result).Observe(float64(attempts))
}

// Middleware records request counts and latency keyed by route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.activeRequests.Inc()
			start := time.Now()

			err := next(c)

			m.activeRequests.Dec()
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil && status < http.StatusBadRequest {
				status = http.StatusInternalServerError
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())

			return err
		}
	}
}
