// Package server is the HTTP surface of the sync core: the subscription
// socket at /ws, the push stream at /events, and the REST handlers that
// drive the plan approval machine and the task store. Mutating endpoints
// require the bearer token; the two real-time endpoints accept dashboard
// connections unauthenticated.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskdeck/internal/audit"
	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/errdefs"
	"github.com/basket/taskdeck/internal/hub"
	tdotel "github.com/basket/taskdeck/internal/otel"
	"github.com/basket/taskdeck/internal/plan"
	"github.com/basket/taskdeck/internal/store"
	"github.com/basket/taskdeck/internal/stream"
	"github.com/basket/taskdeck/internal/upstream"
)

type Config struct {
	Store    *store.Store
	Hub      *hub.Hub
	Streams  *stream.Registry
	Machine  *plan.Machine
	Upstream *upstream.Client

	// Bus receives task mutation events after the store write commits,
	// mirroring what the plan machine does for plan topics.
	Bus *bus.Bus

	// AuthToken guards mutating REST endpoints. The socket and the push
	// stream accept connections without it.
	AuthToken string

	// AllowOrigins controls accepted Origin headers: socket upgrades match
	// them as OriginPatterns, REST responses carry CORS headers for them.
	// Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, surfaced on /healthz.
	ConfigFingerprint string

	DefaultWorkspace string

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *tdotel.Metrics
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	started time.Time

	// authMu guards authToken, which the config watcher may swap while
	// requests are in flight.
	authMu    sync.RWMutex
	authToken string

	planSchema *planSchema
}

func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(tdotel.TracerName)
	}
	schema, err := compilePlanSchema()
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return &Server{
		cfg:        cfg,
		logger:     logger.With("component", "server"),
		tracer:     tracer,
		started:    time.Now(),
		authToken:  cfg.AuthToken,
		planSchema: schema,
	}, nil
}

// SetAuthToken swaps the bearer token guarding mutating endpoints. Called
// when a config.yaml edit changes auth_token on a running server.
func (s *Server) SetAuthToken(token string) {
	s.authMu.Lock()
	s.authToken = token
	s.authMu.Unlock()
}

func (s *Server) currentAuthToken() string {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	return s.authToken
}

func (s *Server) publishEvent(topic string, payload any) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(topic, payload)
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	// REST API endpoints.
	mux.HandleFunc("/api/plans", s.handleAPIPlans)
	mux.HandleFunc("/api/plans/", s.handleAPIPlanByID)
	mux.HandleFunc("/api/tasks", s.handleAPITasks)
	mux.HandleFunc("/api/tasks/", s.handleAPITaskByID)
	// Upstream gateway proxies.
	mux.HandleFunc("/api/gateway/health", s.handleGatewayProxy("health"))
	mux.HandleFunc("/api/gateway/sessions", s.handleGatewayProxy("sessions"))
	mux.HandleFunc("/api/gateway/usage", s.handleGatewayProxy("usage"))
	// timeRequests wraps the mux directly so it sees the matched pattern.
	return corsHeaders(s.cfg.AllowOrigins)(limitBody(timeRequests(s.cfg.Metrics)(mux)))
}

func (s *Server) authorize(r *http.Request) bool {
	want := s.currentAuthToken()
	if want == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == want
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.CountsByStatus(r.Context(), s.defaultWorkspace()); err != nil {
		dbOK = false
	}

	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"socket_clients": s.cfg.Hub.ClientCount(),
		"stream_clients": s.cfg.Streams.ClientCount(),
		"config_hash":    s.cfg.ConfigFingerprint,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.CountsByStatus(r.Context(), s.defaultWorkspace())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP taskdeck_socket_clients Currently registered subscription-socket connections.\n")
	fmt.Fprintf(w, "# TYPE taskdeck_socket_clients gauge\n")
	fmt.Fprintf(w, "taskdeck_socket_clients %d\n", s.cfg.Hub.ClientCount())
	fmt.Fprintf(w, "# HELP taskdeck_stream_clients Currently open push-stream connections.\n")
	fmt.Fprintf(w, "# TYPE taskdeck_stream_clients gauge\n")
	fmt.Fprintf(w, "taskdeck_stream_clients %d\n", s.cfg.Streams.ClientCount())
	fmt.Fprintf(w, "# HELP taskdeck_plan_rejects_total Plans rejected since startup.\n")
	fmt.Fprintf(w, "# TYPE taskdeck_plan_rejects_total counter\n")
	fmt.Fprintf(w, "taskdeck_plan_rejects_total %d\n", audit.RejectCount())
	fmt.Fprintf(w, "# HELP taskdeck_tasks Tasks in the default workspace, per status.\n")
	fmt.Fprintf(w, "# TYPE taskdeck_tasks gauge\n")
	for _, status := range []store.TaskStatus{
		store.StatusPlanning, store.StatusPendingApproval, store.StatusInbox,
		store.StatusAssigned, store.StatusInProgress, store.StatusTesting,
		store.StatusReview, store.StatusDone, store.StatusBlocked,
	} {
		fmt.Fprintf(w, "taskdeck_tasks{status=%q} %d\n", status, counts[status])
	}
	fmt.Fprintf(w, "# HELP taskdeck_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE taskdeck_alloc_bytes gauge\n")
	fmt.Fprintf(w, "taskdeck_alloc_bytes %d\n", mem.Alloc)
	fmt.Fprintf(w, "# HELP taskdeck_uptime_seconds Seconds since the server started.\n")
	fmt.Fprintf(w, "# TYPE taskdeck_uptime_seconds counter\n")
	fmt.Fprintf(w, "taskdeck_uptime_seconds %d\n", int64(time.Since(s.started).Seconds()))
}

func (s *Server) handleGatewayProxy(what string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.cfg.Upstream == nil || !s.cfg.Upstream.Configured() {
			http.Error(w, "upstream gateway not configured", http.StatusServiceUnavailable)
			return
		}
		var (
			doc json.RawMessage
			err error
		)
		switch what {
		case "health":
			doc, err = s.cfg.Upstream.Health(r.Context())
		case "sessions":
			doc, err = s.cfg.Upstream.Sessions(r.Context())
		case "usage":
			doc, err = s.cfg.Upstream.Usage(r.Context())
		}
		if err != nil {
			s.logger.Warn("gateway proxy failed", "endpoint", what, "error", err)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}
}

func (s *Server) defaultWorkspace() string {
	if s.cfg.DefaultWorkspace != "" {
		return s.cfg.DefaultWorkspace
	}
	return store.DefaultWorkspace
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps the error taxonomy onto HTTP statuses: bad input 400,
// missing id 404, lost one-shot race 409, store failure 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errdefs.IsValidation(err):
		status = http.StatusBadRequest
	case errdefs.IsNotFound(err):
		status = http.StatusNotFound
	case errdefs.IsInvalidState(err):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
