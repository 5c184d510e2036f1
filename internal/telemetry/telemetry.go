// Package telemetry exposes keysmith's Prometheus metrics. A nil *Metrics is
// valid and records nothing.
package telemetry

import (
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keysmith"

// Metrics holds the collectors on a private registry, so tests and multiple
// servers in one process never collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	keysIssued      prometheus.Counter
	issueCollisions prometheus.Counter
	validations     *prometheus.CounterVec
	revocations     *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// Enabled reports whether metrics collection is on. KEYSMITH_METRICS=0,
// false or off turns it off.
func Enabled() bool {
	switch os.Getenv("KEYSMITH_METRICS") {
	case "0", "false", "off":
		return false
	}
	return true
}

// New builds the collectors and registers them along with the Go runtime and
// process collectors.
func New(version string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		keysIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_issued_total",
			Help:      "Keys successfully issued.",
		}),
		issueCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issue_collisions_total",
			Help:      "Inserts rejected because the generated key already existed.",
		}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Validation verdicts by result and reason.",
		}, []string{"result", "reason"}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocations_total",
			Help:      "Revocation outcomes.",
		}, []string{"outcome"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Key store faults by operation.",
		}, []string{"op"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route pattern, method and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information. Always 1.",
	}, []string{"version", "go_version"})
	buildInfo.WithLabelValues(version, runtime.Version()).Set(1)

	m.registry.MustRegister(
		m.keysIssued,
		m.issueCollisions,
		m.validations,
		m.revocations,
		m.storeErrors,
		m.httpDuration,
		buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format. A nil
// receiver serves 404.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// KeyIssued counts one issued key.
func (m *Metrics) KeyIssued() {
	if m == nil {
		return
	}
	m.keysIssued.Inc()
}

// IssueCollision counts one rejected insert.
func (m *Metrics) IssueCollision() {
	if m == nil {
		return
	}
	m.issueCollisions.Inc()
}

// Validation counts one verdict. reason is empty for valid keys.
func (m *Metrics) Validation(result, reason string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(result, reason).Inc()
}

// Revocation counts one revoke outcome.
func (m *Metrics) Revocation(outcome string) {
	if m == nil {
		return
	}
	m.revocations.WithLabelValues(outcome).Inc()
}

// StoreError counts one store fault.
func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(d.Seconds())
}
