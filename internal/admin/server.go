// Package admin serves the supervisor's operator HTTP API: health, metrics,
// service inspection and start/stop/retry actions.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-chi/jwtauth/v5"

	"github.com/cmatc13/overseer/pkg/config"
	apperrors "github.com/cmatc13/overseer/pkg/errors"
	"github.com/cmatc13/overseer/pkg/health"
	"github.com/cmatc13/overseer/pkg/logging"
	"github.com/cmatc13/overseer/pkg/metrics"
	"github.com/cmatc13/overseer/pkg/service"
)

// ServiceName is the name the admin server is supervised under.
const ServiceName = "admin"

// Server represents the admin API server
type Server struct {
	config         config.AdminConfig
	router         *chi.Mux
	supervisor     *service.Supervisor
	tokenAuth      *jwtauth.JWTAuth
	logger         *logging.Logger
	metrics        *metrics.Metrics
	healthRegistry *health.Registry
	started        time.Time
}

// NewServer creates a new admin API server. Actions are protected by JWT when
// cfg.JWTSecret is set and open otherwise.
func NewServer(cfg config.AdminConfig, sup *service.Supervisor, m *metrics.Metrics, hr *health.Registry, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	if hr == nil {
		hr = health.NewRegistry(logger)
	}
	s := &Server{
		config:         cfg,
		router:         chi.NewRouter(),
		supervisor:     sup,
		logger:         logger.WithService(ServiceName),
		metrics:        m,
		healthRegistry: hr,
		started:        time.Now(),
	}
	if cfg.JWTSecret != "" {
		s.tokenAuth = jwtauth.New("HS256", []byte(cfg.JWTSecret), nil)
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(SecureHeaders)
	s.router.Use(LoggingMiddleware(s.logger))
	if s.metrics != nil {
		s.router.Use(MetricsMiddleware(s.metrics))
	}
	s.router.Use(Recoverer(s.logger))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	if s.config.RateLimit > 0 {
		s.router.Use(httprate.LimitByIP(s.config.RateLimit, time.Minute))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	s.router.Get("/services", s.handleListServices)
	s.router.Get("/services/{name}", s.handleGetService)

	s.router.Group(func(r chi.Router) {
		if s.tokenAuth != nil {
			r.Use(jwtauth.Verifier(s.tokenAuth))
			r.Use(jwtauth.Authenticator)
			r.Use(s.operatorOnly)
		}

		r.Post("/services/{name}/start", s.handleAction(s.supervisor.StartService))
		r.Post("/services/{name}/retry", s.handleAction(s.supervisor.RetryService))
		r.Post("/services/{name}/stop", s.handleAction(s.supervisor.StopService))
	})
}

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ServiceView is the JSON rendition of one supervised service.
type ServiceView struct {
	Name           string          `json:"name"`
	State          service.State   `json:"state"`
	Dependencies   []string        `json:"dependencies"`
	Priority       int             `json:"priority"`
	AutoStart      bool            `json:"auto_start"`
	RetryOnFailure bool            `json:"retry_on_failure"`
	HealthChecked  bool            `json:"health_checked"`
	Metrics        service.Metrics `json:"metrics"`
}

func (s *Server) view(name string) (ServiceView, bool) {
	d, ok := s.supervisor.Descriptor(name)
	if !ok {
		return ServiceView{}, false
	}
	m, _ := s.supervisor.Metrics(name)
	deps := d.Dependencies
	if deps == nil {
		deps = []string{}
	}
	return ServiceView{
		Name:           name,
		State:          s.supervisor.State(name),
		Dependencies:   deps,
		Priority:       d.Priority,
		AutoStart:      d.AutoStart,
		RetryOnFailure: d.RetryOnFailure,
		HealthChecked:  d.HealthCheck != nil,
		Metrics:        m,
	}, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := s.healthRegistry.RunChecks(r.Context())
	status := health.Overall(checks)

	httpStatus := http.StatusOK
	if status == health.StatusDown {
		httpStatus = http.StatusServiceUnavailable
	}

	s.renderJSON(w, Response{
		Success: status == health.StatusUp,
		Message: "Supervisor health status: " + string(status),
		Data: map[string]interface{}{
			"status":         status,
			"timestamp":      time.Now().Unix(),
			"uptime_seconds": int64(time.Since(s.started).Seconds()),
			"checks":         checks,
			"system": map[string]interface{}{
				"go_version":    runtime.Version(),
				"go_goroutines": runtime.NumGoroutine(),
				"go_cpus":       runtime.NumCPU(),
			},
		},
	}, httpStatus)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	names := s.supervisor.Names()
	views := make([]ServiceView, 0, len(names))
	for _, name := range names {
		if v, ok := s.view(name); ok {
			views = append(views, v)
		}
	}
	s.renderJSON(w, Response{Success: true, Data: views}, http.StatusOK)
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	v, ok := s.view(chi.URLParam(r, "name"))
	if !ok {
		s.renderError(w, "Service not found", http.StatusNotFound)
		return
	}
	s.renderJSON(w, Response{Success: true, Data: v}, http.StatusOK)
}

// handleAction runs a lifecycle action on {name}. The action outlives a
// disconnected client so a retry loop is never cut short halfway.
func (s *Server) handleAction(action func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if name == ServiceName {
			s.renderError(w, "The admin service cannot be controlled through itself", http.StatusConflict)
			return
		}

		if err := action(context.WithoutCancel(r.Context()), name); err != nil {
			s.logger.WithError(err).Warn("Service action failed", "target", name, "path", r.URL.Path)
			s.renderError(w, err.Error(), statusFor(err))
			return
		}

		v, _ := s.view(name)
		s.renderJSON(w, Response{Success: true, Data: v}, http.StatusOK)
	}
}

func statusFor(err error) int {
	switch {
	case apperrors.Is(err, service.ErrUnknownService):
		return http.StatusNotFound
	case apperrors.Is(err, service.ErrServiceFailed), apperrors.Is(err, service.ErrCyclicDependency):
		return http.StatusConflict
	case apperrors.Is(err, context.Canceled), apperrors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// renderJSON renders a JSON response
func (s *Server) renderJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Error encoding JSON response", "error", err)
	}
}

// renderError renders an error response
func (s *Server) renderError(w http.ResponseWriter, message string, status int) {
	s.renderJSON(w, Response{Success: false, Error: message}, status)
}
