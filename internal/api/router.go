package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"rcontab/internal/console"
	"rcontab/internal/core"
)

// Console is the shared remote-console session.
type Console interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (string, error)
	Status() console.Status
}

// Jobs is the read side of the scheduler.
type Jobs interface {
	Jobs() []core.JobInfo
	HasJob(name string) bool
	Running() bool
}

// Runs reads recorded run history.
type Runs interface {
	GetRun(ctx context.Context, id string) (*core.Run, error)
	ListRuns(ctx context.Context, jobName string, limit, offset int) ([]*core.Run, error)
	RunLogPath(runID string) string
}

// Deps are the components the API exposes. Metrics and MCP are optional.
type Deps struct {
	Console Console
	Jobs    Jobs
	Runs    Runs
	Metrics http.Handler
	MCP     http.Handler
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	deps       Deps
	logger     *slog.Logger
	location   *time.Location
	authToken  string
}

// NewServer constructs the HTTP API server.
func NewServer(addr, authToken string, deps Deps, logger *slog.Logger, location *time.Location) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if location == nil {
		location = time.Local
	}
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		deps:      deps,
		logger:    logger.With("component", "api"),
		location:  location,
		authToken: authToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Log following streams until the run ends.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics)
	}

	if s.deps.MCP != nil {
		mcpHandler := s.deps.MCP
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/cron/preview", s.handleCronPreview)

		r.Route("/console", func(r chi.Router) {
			r.Get("/", s.handleConsoleStatus)
			r.Post("/execute", s.handleConsoleExecute)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Get("/{name}/runs", s.handleListRuns)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/{runID}", s.handleGetRun)
			r.Get("/{runID}/log", s.handleRunLog)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"scheduler_running": s.deps.Jobs.Running(),
		"console_connected": s.deps.Console.Status().Connected,
	})
}
