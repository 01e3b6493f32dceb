// Package api serves the read-only HTTP API over the serving-satellite
// timeline.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/star/leotrack/internal/auth"
	"github.com/star/leotrack/internal/health"
	"github.com/star/leotrack/internal/httputil"
	"github.com/star/leotrack/internal/metrics"
	"github.com/star/leotrack/internal/stream"
	"github.com/star/leotrack/internal/timeline"
	"github.com/star/leotrack/internal/tle"
)

// Timeline is the read side of the timeline aggregator.
type Timeline interface {
	Latest() (timeline.Entry, bool)
	Range(start, end time.Time) []timeline.Entry
}

// Deps are the server's data sources. Stream may be nil to disable SSE.
type Deps struct {
	Timeline Timeline
	Catalog  *tle.Store
	Stream   *stream.Handler
	Ready    map[string]health.Check

	// TrustProxy takes logged client IPs from proxy headers.
	TrustProxy bool
}

// Server wraps the http.Server serving the API.
type Server struct {
	srv *http.Server
}

// NewServer creates a configured HTTP server.
func NewServer(addr string, logger *slog.Logger, authCfg auth.Config, deps Deps) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           NewHandler(logger, authCfg, deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// SSE handlers lift this per connection.
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}}
}

// NewHandler builds the routed handler with the middleware chain
// metrics -> logging -> auth -> mux.
func NewHandler(logger *slog.Logger, authCfg auth.Config, deps Deps) http.Handler {
	h := &handlers{deps: deps, now: time.Now}
	routes := http.NewServeMux()

	routes.HandleFunc("GET /{$}", h.index)
	routes.HandleFunc("GET /healthz", health.Healthz)
	routes.HandleFunc("GET /readyz", health.Readyz(deps.Ready))
	routes.Handle("GET /metrics", metrics.Handler())
	routes.HandleFunc("GET /api/v1/serving/latest", h.latest)
	routes.HandleFunc("GET /api/v1/serving/timeline", h.timeline)
	routes.HandleFunc("GET /api/v1/catalog/metadata", h.catalogMetadata)
	if deps.Stream != nil {
		routes.HandleFunc("GET /api/v1/stream/serving", deps.Stream.HandleServing)
	}

	return metrics.Middleware(
		requestLogger(logger.With("component", "api"), deps.TrustProxy)(
			auth.Middleware(authCfg)(routes)))
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Shutdown stops accepting connections and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// quietPath reports paths polled by health checkers and scrapers, logged at Debug.
func quietPath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}

// statusRecorder captures the status code and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func requestLogger(logger *slog.Logger, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sr, r)

			level := slog.LevelInfo
			switch {
			case sr.status >= http.StatusInternalServerError:
				level = slog.LevelWarn
			case quietPath(r.URL.Path):
				level = slog.LevelDebug
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sr.status,
				"bytes", sr.bytes,
				"duration_ms", time.Since(began).Milliseconds(),
				"client_ip", httputil.ClientIP(r, trustProxy),
			)
		})
	}
}
