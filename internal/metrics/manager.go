package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns the Prometheus registry and the share lifecycle counters
type Manager struct {
	registry *prometheus.Registry

	sharesCreated prometheus.Counter
	resolves      *prometheus.CounterVec
	downloads     *prometheus.CounterVec
	reaped        *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewManager creates a metrics manager with all collectors registered
func NewManager() *Manager {
	m := &Manager{
		registry: prometheus.NewRegistry(),
		sharesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropcode_shares_created_total",
			Help: "Total number of shares created",
		}),
		resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dropcode_resolves_total",
			Help: "Total number of resolve calls by outcome",
		}, []string{"status"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dropcode_downloads_total",
			Help: "Total number of download attempts by outcome",
		}, []string{"status"}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dropcode_shares_reaped_total",
			Help: "Total number of shares removed by the reaper by reason",
		}, []string{"reason"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dropcode_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dropcode_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	m.registry.MustRegister(
		m.sharesCreated,
		m.resolves,
		m.downloads,
		m.reaped,
		m.httpRequestsTotal,
		m.httpRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RegisterActiveShares registers a gauge sampling the live share count on
// every scrape
func (m *Manager) RegisterActiveShares(count func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dropcode_shares_active",
		Help: "Number of currently active shares",
	}, count))
}

// ShareCreated records a successful share creation
func (m *Manager) ShareCreated() {
	m.sharesCreated.Inc()
}

// ResolveObserved records a resolve outcome
func (m *Manager) ResolveObserved(status string) {
	m.resolves.WithLabelValues(status).Inc()
}

// DownloadObserved records a download attempt outcome
func (m *Manager) DownloadObserved(status string) {
	m.downloads.WithLabelValues(status).Inc()
}

// ReapedInc records a share removed by the reaper
func (m *Manager) ReapedInc(reason string) {
	m.reaped.WithLabelValues(reason).Inc()
}

// Handler returns the /metrics HTTP handler
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware instruments every request with count and duration. The mux
// route template is used as the path label to keep cardinality bounded.
func (m *Manager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}

			m.httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
			m.httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
