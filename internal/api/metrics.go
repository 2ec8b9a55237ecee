package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/jreplay/internal/export"
)

const namespace = "jreplay"

// Metrics holds the server's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	exports      *prometheus.CounterVec
	shareLinks   *prometheus.CounterVec
	runsImported prometheus.Counter
	anomalies    prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route pattern and status code",
			},
			[]string{"route", "code"},
		),
		exports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exports_total",
				Help:      "Rendered exports by format and outcome",
			},
			[]string{"format", "status"}, // status: success, error
		),
		shareLinks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "share_links_total",
				Help:      "Share link operations by outcome",
			},
			[]string{"op"}, // op: issued, resolved, expired
		),
		runsImported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_imported_total",
			Help:      "Recorded runs imported",
		}),
		anomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_anomalies_total",
			Help:      "Data-integrity anomalies found in imported runs",
		}),
	}
	m.registry.MustRegister(m.requests, m.exports, m.shareLinks, m.runsImported, m.anomalies)
	m.registry.MustRegister(collectors.NewGoCollector())
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ExportFinished counts an export outcome. It also serves as the worker's
// observer.
func (m *Metrics) ExportFinished(format export.Format, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.exports.WithLabelValues(string(format), status).Inc()
}

func (m *Metrics) shareOp(op string) {
	if m == nil {
		return
	}
	m.shareLinks.WithLabelValues(op).Inc()
}

func (m *Metrics) runImported(anomalies int) {
	if m == nil {
		return
	}
	m.runsImported.Inc()
	m.anomalies.Add(float64(anomalies))
}

// instrument counts requests by their chi route pattern, so ids in the
// path do not explode label cardinality.
func (m *Metrics) instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.requests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}
