package server

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/me/cyclecast/internal/config"
	"github.com/me/cyclecast/internal/store"
	"github.com/me/cyclecast/pkg/model"
)

// Broadcaster is the broadcast store the API exposes.
type Broadcaster interface {
	Put(namespaces, cycles []string, settings []model.Settings) (bool, string)
	Get(taskID string) (model.Settings, error)
	Expire(cutoff string)
	Clear()
	DrainJournal() []model.ChangeRecord
	Journal() []model.ChangeRecord
	Dump(w io.Writer) error
	Load(data []byte) error
	Stats() model.StoreStats
}

// Server is the cyclecast REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	broadcast Broadcaster
	limiter   *rate.Limiter // nil when throttling is disabled

	store store.Store // optional; serves persisted change history
	runID string
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithHistory exposes the change records persisted for runID.
func WithHistory(st store.Store, runID string) Option {
	return func(s *Server) {
		s.store = st
		s.runID = runID
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, bc Broadcaster, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		broadcast: bc,
	}
	if cfg.PutRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.PutRate), cfg.PutBurst)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		r.Route("/broadcast", func(r chi.Router) {
			r.Get("/", s.handleGetBroadcast)
			r.Get("/dump", s.handleDump)
			r.Get("/journal", s.handleJournal)
			r.Get("/history", s.handleHistory)

			// Mutating routes
			r.Group(func(r chi.Router) {
				r.Use(tokenAuthMiddleware(s.config.AuthToken, s.logger))
				r.Use(rateLimitMiddleware(s.limiter))
				r.Post("/", s.handlePutBroadcast)
				r.Delete("/", s.handleClearBroadcast)
				r.Post("/expire", s.handleExpireBroadcast)
				r.Post("/load", s.handleLoad)
				r.Post("/journal/drain", s.handleDrainJournal)
			})
		})
	})
}
