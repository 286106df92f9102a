package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"taskpilot/internal/core"
	"taskpilot/internal/events"
	"taskpilot/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	control    *core.Control
	store      *store.Store
	bus        events.Bus
	mcp        http.Handler
	logger     *slog.Logger
	authToken  string
}

// Options wires the collaborators of the HTTP API.
type Options struct {
	Addr      string
	AuthToken string
	Control   *core.Control
	Store     *store.Store
	Bus       events.Bus
	// MCP is mounted at /mcp when set.
	MCP    http.Handler
	Logger *slog.Logger
}

// NewServer constructs the HTTP API server.
func NewServer(opts Options) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.Discard
	}

	s := &Server{
		router:    router,
		control:   opts.Control,
		store:     opts.Store,
		bus:       bus,
		mcp:       opts.MCP,
		logger:    logger,
		authToken: opts.AuthToken,
	}
	router.Use(requestLogger(logger))
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router.
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
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.mcp != nil {
		var mcpHandler = s.mcp
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

		r.Route("/schedule", func(r chi.Router) {
			r.Get("/", s.handleGetSchedule)
			r.Put("/", s.handlePutSchedule)
			r.Post("/", s.handleAddEntry)
			r.Delete("/{index}", s.handleRemoveEntry)
			r.Get("/next", s.handleNextTask)
		})
		r.Get("/scheduler/status", s.handleSchedulerStatus)

		r.Route("/failures", func(r chi.Router) {
			r.Get("/", s.handleListFailures)
			r.Delete("/", s.handleClearFailures)
			r.Post("/{id}/dismiss", s.handleDismissFailure)
		})

		r.Post("/tasks/{task}/run", s.handleRunTask)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Get("/{runID}", s.handleGetRun)
			r.Get("/{runID}/log", s.handleRunLog)
		})

		r.Get("/data", s.handleListData)
		r.Get("/events", s.handleEvents)
	})
}
