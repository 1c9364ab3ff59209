package server

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"

	tdotel "github.com/basket/taskdeck/internal/otel"
)

// maxBodyBytes caps REST request bodies. The largest legitimate payload is
// a plan draft with twenty subtasks, which stays far below this.
const maxBodyBytes = 1 << 20

// corsHeaders answers cross-origin dashboard fetches against the REST
// endpoints. The socket upgrade checks Origin itself through OriginPatterns;
// this covers everything else. An empty allowlist sets no headers, which
// keeps browsers same-origin.
func corsHeaders(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// limitBody rejects oversized request bodies before a handler buffers them.
func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// timeRequests records each request on the duration histogram, labeled by the
// mux pattern it matched so task and plan IDs never become attribute values.
// The socket and the push stream are excluded: those requests last as long as
// the client stays connected and would bury the REST latency signal.
func timeRequests(m *tdotel.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/ws" || r.URL.Path == "/events" {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			next.ServeHTTP(w, r)
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			m.RequestDuration.Record(r.Context(), time.Since(start).Seconds(),
				metric.WithAttributes(tdotel.AttrRoute.String(route)))
		})
	}
}
