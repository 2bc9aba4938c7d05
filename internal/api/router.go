package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"hookbeat/internal/monitor"
	"hookbeat/internal/ratelimit"
	"hookbeat/internal/store"
)

// maxListLimit caps every list endpoint's page size regardless of the
// requested value.
const maxListLimit = 100

const defaultListLimit = 20

// Server holds the HTTP API state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	engine     *monitor.Engine
	limiter    *ratelimit.Limiter
	idemCache  *lru.Cache[string, cachedResponse]
	logger     zerolog.Logger
}

// NewServer constructs the HTTP API server.
func NewServer(addr string, st *store.Store, engine *monitor.Engine, limiter *ratelimit.Limiter, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	idemCache, err := lru.New[string, cachedResponse](1024)
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:    router,
		store:     st,
		engine:    engine,
		limiter:   limiter,
		idemCache: idemCache,
		logger:    logger,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	// The ping path token is the credential; no API key, no rate envelope
	// that could mask a monitor's own cadence.
	s.router.Get("/ping/{token}", s.handlePing)
	s.router.Post("/ping/{token}", s.handlePing)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.rateLimitMiddleware)
		r.Use(s.authMiddleware)

		r.Post("/cron/preview", s.handleCronPreview)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.With(s.idempotencyMiddleware).Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.With(s.idempotencyMiddleware).Post("/trigger", s.handleTriggerTask)
				r.Get("/executions", s.handleListExecutions)
			})
		})

		r.Get("/executions/{executionID}", s.handleGetExecution)

		r.Route("/monitors", func(r chi.Router) {
			r.Get("/", s.handleListMonitors)
			r.Post("/", s.handleCreateMonitor)

			r.Route("/{monitorID}", func(r chi.Router) {
				r.Get("/", s.handleGetMonitor)
				r.Delete("/", s.handleDeleteMonitor)
				r.Post("/pause", s.handlePauseMonitor)
				r.Post("/resume", s.handleResumeMonitor)
				r.Get("/uptime", s.handleMonitorUptime)
			})
		})
	})
}
