package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPMiddleware returns an http.Handler that records HTTP request
// count and duration metrics.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(rw.status)

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// normalizePath groups paths to avoid high-cardinality labels. Session
// and tool-call IDs are replaced with placeholders.
func normalizePath(path string) string {
	if path == "/healthz" || path == "/metrics" {
		return path
	}
	if rest, ok := strings.CutPrefix(path, "/api/sessions/"); ok {
		_, tail, found := strings.Cut(rest, "/")
		switch {
		case !found:
			return "/api/sessions/{id}"
		case tail == "ws":
			return "/api/sessions/{id}/ws"
		case strings.HasPrefix(tail, "tool-calls/") && strings.HasSuffix(tail, "/start"):
			return "/api/sessions/{id}/tool-calls/{id}/start"
		case strings.HasPrefix(tail, "tool-calls/") && strings.HasSuffix(tail, "/end"):
			return "/api/sessions/{id}/tool-calls/{id}/end"
		default:
			return "/api/sessions/{id}"
		}
	}
	// Anything else (probes, bad paths) is grouped.
	return "/other"
}
