package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jobmetrics "github.com/odyssey-erp/odyssey-billing/internal/jobs"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry         *prometheus.Registry
	handler          http.Handler
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	providerRequests *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	ambiguous        prometheus.Counter
	omitted          prometheus.Counter
	jobs             *jobmetrics.Metrics
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	providerRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_billing_provider_requests_total",
		Help: "Jumlah panggilan ke API billing provider per operasi dan status.",
	}, []string{"op", "code"})
	providerDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_billing_provider_request_duration_seconds",
		Help:    "Durasi panggilan ke API billing provider per operasi.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	}, []string{"op"})
	ambiguous := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_billing_ambiguous_customer_matches_total",
		Help: "Pencarian customer per CPF/CNPJ yang mengembalikan lebih dari satu hasil.",
	})
	omitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_billing_omitted_customers_total",
		Help: "Customer yang dilewati dalam laporan bulanan karena lookup gagal.",
	})
	registry.MustRegister(requests, duration, providerRequests, providerDuration, ambiguous, omitted)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		providerRequests: providerRequests,
		providerDuration: providerDuration,
		ambiguous:        ambiguous,
		omitted:          omitted,
		jobs:             jobmetrics.NewMetrics(registry),
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveProviderRequest mencatat satu panggilan ke billing provider. Status 0
// berarti request gagal sebelum ada respons.
func (m *Metrics) ObserveProviderRequest(op string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.providerRequests.WithLabelValues(op, code).Inc()
	m.providerDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// AmbiguousMatch menghitung pencarian customer yang ambigu.
func (m *Metrics) AmbiguousMatch() {
	if m == nil {
		return
	}
	m.ambiguous.Inc()
}

// AggregationOmitted menambah jumlah customer yang dilewati.
func (m *Metrics) AggregationOmitted(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.omitted.Add(float64(count))
}

// Jobs mengembalikan metrik job yang terdaftar di registry yang sama.
func (m *Metrics) Jobs() *jobmetrics.Metrics {
	if m == nil {
		return nil
	}
	return m.jobs
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush meneruskan flush agar server-sent events tetap mengalir.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap membuka writer asli untuk http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
