package observability

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk layanan stocktake.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	anomalies       *prometheus.CounterVec
	cycles          *prometheus.CounterVec
	activeLocks     prometheus.Gauge
	roomSessions    *prometheus.GaugeVec
	jobs            *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stocktake_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stocktake_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	anomalies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stocktake_usage_anomalies_total",
		Help: "Jumlah peringatan pemakaian (negatif atau terlalu tinggi).",
	}, []string{"kind"})
	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stocktake_cycle_operations_total",
		Help: "Operasi siklus hitung per jenis dan hasil.",
	}, []string{"operation", "outcome"})
	locks := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stocktake_edit_locks_active",
		Help: "Jumlah kunci edit yang sedang dipegang.",
	})
	sessions := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stocktake_live_sessions",
		Help: "Jumlah sesi live per toko.",
	}, []string{"store"})
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stocktake_jobs_total",
		Help: "Eksekusi job latar belakang per tipe dan status.",
	}, []string{"job", "status"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stocktake_job_duration_seconds",
		Help:    "Durasi eksekusi job latar belakang.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	registry.MustRegister(requests, duration, anomalies, cycles, locks, sessions, jobs, jobDuration)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		anomalies:       anomalies,
		cycles:          cycles,
		activeLocks:     locks,
		roomSessions:    sessions,
		jobs:            jobs,
		jobDuration:     jobDuration,
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

// RecordAnomaly menghitung peringatan pemakaian.
func (m *Metrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(kind).Inc()
}

// RecordCycle mencatat hasil operasi siklus (begin, complete, archive, clear).
func (m *Metrics) RecordCycle(operation, outcome string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(operation, outcome).Inc()
}

// SetActiveLocks memperbarui gauge kunci edit.
func (m *Metrics) SetActiveLocks(n int) {
	if m == nil {
		return
	}
	m.activeLocks.Set(float64(n))
}

// SetRoomSessions memperbarui jumlah sesi live untuk satu toko.
func (m *Metrics) SetRoomSessions(store string, n int) {
	if m == nil {
		return
	}
	if n <= 0 {
		m.roomSessions.DeleteLabelValues(store)
		return
	}
	m.roomSessions.WithLabelValues(store).Set(float64(n))
}

// RecordJob mencatat durasi dan status satu eksekusi job, lalu mengembalikan
// err apa adanya.
func (m *Metrics) RecordJob(job string, start time.Time, err error) error {
	if m == nil {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.jobs.WithLabelValues(job, status).Inc()
	m.jobDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
	return err
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

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observability: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

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
