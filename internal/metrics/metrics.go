package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leotrack_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leotrack_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	dishRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leotrack_dish_requests_total",
			Help: "Terminal gRPC requests by request name and result.",
		},
		[]string{"request", "result"},
	)

	dishRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leotrack_dish_request_duration_seconds",
			Help:    "Terminal gRPC request duration in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"request"},
	)

	framesSampledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leotrack_frames_sampled_total",
			Help: "Obstruction map frames sampled from the terminal.",
		},
	)

	framesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leotrack_frames_dropped_total",
			Help: "Obstruction map frames dropped as unreadable or malformed.",
		},
	)

	timeslotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leotrack_timeslots_total",
			Help: "Processed timeslots by outcome.",
		},
		[]string{"outcome"},
	)

	timeslotSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leotrack_timeslot_processing_seconds",
			Help:    "Time spent estimating the serving satellite for one timeslot.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	ephemerisTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leotrack_ephemeris_propagations_total",
			Help: "Satellite propagations by result.",
		},
		[]string{"result"},
	)

	persistenceErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leotrack_persistence_errors_total",
			Help: "Failed artifact writes by artifact.",
		},
		[]string{"artifact"},
	)

	tasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "leotrack_tasks_in_flight",
			Help: "Timeslot tasks queued or running.",
		},
	)

	catalogSatellites = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "leotrack_catalog_satellites",
			Help: "Satellites in the active catalog.",
		},
	)

	catalogAgeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "leotrack_catalog_age_seconds",
			Help: "Age of the active catalog in seconds.",
		},
	)

	catalogRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leotrack_catalog_refreshes_total",
			Help: "Catalog refresh attempts by result.",
		},
		[]string{"result"},
	)

	streamConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leotrack_stream_connections_total",
			Help: "SSE connection events (connect, disconnect).",
		},
		[]string{"event"},
	)

	streamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "leotrack_streams_active",
			Help: "Open SSE connections.",
		},
	)

	streamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leotrack_stream_errors_total",
			Help: "SSE errors by reason.",
		},
		[]string{"reason"},
	)

	streamMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leotrack_stream_messages_total",
			Help: "SSE messages written.",
		},
	)

	streamBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leotrack_stream_bytes_total",
			Help: "SSE payload bytes written.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpDurationSeconds,
		dishRequestsTotal,
		dishRequestSeconds,
		framesSampledTotal,
		framesDroppedTotal,
		timeslotsTotal,
		timeslotSeconds,
		ephemerisTotal,
		persistenceErrorsTotal,
		tasksInFlight,
		catalogSatellites,
		catalogAgeSeconds,
		catalogRefreshesTotal,
		streamConnectionsTotal,
		streamsActive,
		streamErrorsTotal,
		streamMessagesTotal,
		streamBytesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDishRequest records one terminal request.
func ObserveDishRequest(request string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	dishRequestsTotal.WithLabelValues(request, result).Inc()
	dishRequestSeconds.WithLabelValues(request).Observe(d.Seconds())
}

func IncFramesSampled() { framesSampledTotal.Inc() }
func IncFramesDropped() { framesDroppedTotal.Inc() }

// IncTimeslots counts a finished timeslot. Outcomes in use: matched,
// insufficient_data, no_candidate, no_catalog, no_orientation,
// unsupported_frame, failed.
func IncTimeslots(outcome string) {
	timeslotsTotal.WithLabelValues(outcome).Inc()
}

func ObserveTimeslotProcessing(d time.Duration) {
	timeslotSeconds.Observe(d.Seconds())
}

// RecordEphemeris adds the propagation counts of one matching pass.
func RecordEphemeris(ok, failed int) {
	if ok > 0 {
		ephemerisTotal.WithLabelValues("ok").Add(float64(ok))
	}
	if failed > 0 {
		ephemerisTotal.WithLabelValues("error").Add(float64(failed))
	}
}

func IncPersistenceErrors(artifact string) {
	persistenceErrorsTotal.WithLabelValues(artifact).Inc()
}

func SetTasksInFlight(n int) { tasksInFlight.Set(float64(n)) }

func SetCatalogSize(n int) { catalogSatellites.Set(float64(n)) }

func SetCatalogAge(d time.Duration) { catalogAgeSeconds.Set(d.Seconds()) }

func IncCatalogRefreshes(result string) {
	catalogRefreshesTotal.WithLabelValues(result).Inc()
}

func IncStreamConnections(event string) {
	streamConnectionsTotal.WithLabelValues(event).Inc()
}

func IncStreamsActive() { streamsActive.Inc() }
func DecStreamsActive() { streamsActive.Dec() }
func IncStreamMessages() { streamMessagesTotal.Inc() }
func AddStreamBytes(n int64) { streamBytesTotal.Add(float64(n)) }

func IncStreamErrors(reason string) {
	streamErrorsTotal.WithLabelValues(reason).Inc()
}

// knownRoutes are the exact paths served by the API. Anything else is
// labelled "other" to bound label cardinality.
var knownRoutes = map[string]bool{
	"/":                        true,
	"/healthz":                 true,
	"/readyz":                  true,
	"/metrics":                 true,
	"/api/v1/serving/latest":   true,
	"/api/v1/serving/timeline": true,
	"/api/v1/catalog/metadata": true,
	"/api/v1/stream/serving":   true,
}

func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush passes through so SSE handlers behind the middleware can stream.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		route := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(route, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(duration)
	})
}
