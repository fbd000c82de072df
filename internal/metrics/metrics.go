package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushgate_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	openConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushgate_live_connections",
			Help: "Currently open live push channels",
		},
	)

	eventsPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_events_pushed_total",
			Help: "Live channel pushes by event name and outcome",
		},
		[]string{"event", "outcome"},
	)

	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_notifications_dispatched_total",
			Help: "Notification channel outcomes by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgate_delivery_jobs_processed_total",
			Help: "Delivery job attempts by result",
		},
		[]string{"result"},
	)

	jobAttemptDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pushgate_delivery_job_attempt_seconds",
			Help:    "Relay transport latency per delivery attempt",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
	)

	fanoutRecipients = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pushgate_fanout_recipients",
			Help:    "Resolved recipient set size per fan-out",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ConnectionOpened increments the open live channel gauge
func ConnectionOpened() {
	openConnections.Inc()
}

// ConnectionClosed decrements the open live channel gauge
func ConnectionClosed() {
	openConnections.Dec()
}

// RecordEventPush records one live channel push attempt
func RecordEventPush(event, outcome string) {
	eventsPushed.WithLabelValues(event, outcome).Inc()
}

// RecordNotificationDispatch records a per-channel notification outcome
func RecordNotificationDispatch(channel, outcome string) {
	notificationsDispatched.WithLabelValues(channel, outcome).Inc()
}

// RecordJobProcessed records a delivery job attempt result
func RecordJobProcessed(result string) {
	jobsProcessed.WithLabelValues(result).Inc()
}

// RecordJobAttemptDuration records relay transport latency for one attempt
func RecordJobAttemptDuration(d time.Duration) {
	jobAttemptDuration.Observe(d.Seconds())
}

// RecordFanoutSize records the resolved recipient count for one fan-out
func RecordFanoutSize(n int) {
	fanoutRecipients.Observe(float64(n))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
