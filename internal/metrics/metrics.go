// ABOUTME: Prometheus collectors for tenant loops, verifications and the HTTP surface
// ABOUTME: Collectors live on a private registry so tests can build as many as they like

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rewards_gateway"

// Metrics holds all Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	tenantsRunning   prometheus.Gauge
	tenantEvents     *prometheus.CounterVec
	handlerPanics    prometheus.Counter
	streamReconnects prometheus.Counter
	verifications    *prometheus.CounterVec
	ipBans           *prometheus.CounterVec

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		tenantsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tenants_running",
			Help:      "Number of tenant bot loops currently running",
		}),
		tenantEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_events_total",
			Help:      "Inbound chat events by dispatch result",
		}, []string{"result"}),
		handlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Panics recovered inside tenant event handlers",
		}),
		streamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Times a tenant receive stream failed and was reopened",
		}),
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_verifications_total",
			Help:      "Device verification callbacks by outcome",
		}, []string{"outcome"}),
		ipBans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ip_bans_total",
			Help:      "IP bans applied by reason",
		}, []string{"reason"}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "path"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TenantServing tracks the running tenant gauge.
func (m *Metrics) TenantServing(_ string, serving bool) {
	if serving {
		m.tenantsRunning.Inc()
	} else {
		m.tenantsRunning.Dec()
	}
}

// RecordEvent counts one inbound event by its dispatch result
func (m *Metrics) RecordEvent(result string) {
	m.tenantEvents.WithLabelValues(result).Inc()
}

// RecordPanic counts a recovered handler panic
func (m *Metrics) RecordPanic() {
	m.handlerPanics.Inc()
}

// RecordReconnect counts a reopened receive stream
func (m *Metrics) RecordReconnect() {
	m.streamReconnects.Inc()
}

// RecordVerification counts a verification callback outcome
func (m *Metrics) RecordVerification(outcome string) {
	m.verifications.WithLabelValues(outcome).Inc()
}

// RecordBan counts an applied ban
func (m *Metrics) RecordBan(reason string) {
	m.ipBans.WithLabelValues(reason).Inc()
}

// Middleware records request counts and latencies. pattern labels the route
// so ids in paths do not explode cardinality.
func (m *Metrics) Middleware(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		m.requestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rw.statusCode)).Inc()
		m.requestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
