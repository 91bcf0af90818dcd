package proxy

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var requestCounter int64

// WithRequestID guarantees every request carries an X-Request-ID and echoes
// it on the response so log lines can be correlated with client reports.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = fmt.Sprintf("%d-%d", time.Now().UnixNano(), atomic.AddInt64(&requestCounter, 1))
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}
