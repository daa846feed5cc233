// Package metrics exposes Prometheus counters for database provisioning and
// the HTTP API.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/saltyorg/pqlmem"
)

const namespace = "pqlmem"

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	created  prometheus.Counter
	dropped  prometheus.Counter
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New creates the collectors and registers them along with the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "databases_created_total",
			Help:      "Databases created through the manager.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "databases_dropped_total",
			Help:      "Databases dropped through the manager, including reaped ones.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.created,
		m.dropped,
		m.requests,
		m.duration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveManager exports the manager's lifecycle state as a gauge, 1 when Ready.
func (m *Metrics) ObserveManager(mgr *pqlmem.Manager) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "engine_ready",
		Help:      "1 when the engine is running and accepting operations.",
	}, func() float64 {
		if mgr.State() == pqlmem.StateReady {
			return 1
		}
		return 0
	}))
}

// Middleware counts and times every request under its chi route pattern so
// that URL parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// NewRecorder returns a ledger that counts creates and drops and then
// forwards them to next, which may be nil.
func (m *Metrics) NewRecorder(next pqlmem.Recorder) pqlmem.Recorder {
	return &countingRecorder{metrics: m, next: next}
}

type countingRecorder struct {
	metrics *Metrics
	next    pqlmem.Recorder
}

func (r *countingRecorder) RecordCreated(ctx context.Context, name, uri string) error {
	r.metrics.created.Inc()
	if r.next == nil {
		return nil
	}
	return r.next.RecordCreated(ctx, name, uri)
}

func (r *countingRecorder) RecordDropped(ctx context.Context, name string) error {
	r.metrics.dropped.Inc()
	if r.next == nil {
		return nil
	}
	return r.next.RecordDropped(ctx, name)
}
