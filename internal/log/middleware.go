package applog

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	imetrics "github.com/Mirocow/lampatv-proxy/internal/metrics"
)

// loggingResponseWriter captures status code and bytes written.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	n      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.n += int64(n)
	return n, err
}

// Flush must pass through so streamed chunks reach the client promptly.
func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// isMetricsScrape tries to detect Prometheus/OpenMetrics scrapes.
func isMetricsScrape(req *http.Request) bool {
	if req.URL != nil && req.URL.Path == "/metrics" {
		return true
	}
	if strings.Contains(req.Header.Get("User-Agent"), "Prometheus") {
		return true
	}
	if strings.Contains(req.Header.Get("Accept"), "openmetrics") {
		return true
	}
	return false
}

// WithRequestLogging logs request/response details for every request and
// emits Loki + Prometheus metrics.
func WithRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Fast-path: do not log or record metrics for Prometheus scrapes.
		if isMetricsScrape(r) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		imetrics.InflightInc()
		defer imetrics.InflightDec()

		// Prepare remote address (favor X-Forwarded-For if present).
		var remote string
		if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
			remote = strings.TrimSpace(strings.Split(xf, ",")[0])
		} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			remote = host
		} else {
			remote = r.RemoteAddr
		}

		reqID := r.Header.Get("X-Request-ID")
		reqLine := fmt.Sprintf(
			"REQ remote=%s method=%s url=%s proto=%s range=%q req_id=%s",
			remote, r.Method, r.URL.RequestURI(), r.Proto, r.Header.Get("Range"), reqID,
		)
		Emit("info", "proxy", map[string]string{
			"method":     r.Method,
			"host":       MustHostname(),
			"request_id": reqID,
		}, reqLine)

		// Wrap ResponseWriter to capture status/bytes.
		lrw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lrw, r)

		dur := time.Since(start)
		status := lrw.status
		if status == 0 {
			status = http.StatusOK
		}

		respLine := fmt.Sprintf(
			"RESP status=%d bytes=%d dur=%s content-type=%q req_id=%s",
			status, lrw.n, dur.String(), lrw.Header().Get("Content-Type"), reqID,
		)
		Emit("info", "proxy", map[string]string{
			"method":     r.Method,
			"status":     strconv.Itoa(status),
			"host":       MustHostname(),
			"request_id": reqID,
		}, respLine)
	})
}
