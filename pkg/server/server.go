// Package server exposes the claim engine over HTTP: a claim endpoint for
// recipients plus the administrative surface, with health and metrics
// endpoints for operators.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/meridianlabs/claimd/pkg/claiming"
)

type Config struct {
	Logger *slog.Logger
	Engine *claiming.Engine

	Addr    string
	Version string

	// ClaimsPerMinute and ClaimBurst bound the per-IP claim rate.
	ClaimsPerMinute int
	ClaimBurst      int

	// Ready reports backing-store health for the readiness probe. Optional;
	// when nil, readiness follows liveness.
	Ready func(ctx context.Context) error
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ClaimsPerMinute <= 0 {
		cfg.ClaimsPerMinute = 60
	}
	if cfg.ClaimBurst <= 0 {
		cfg.ClaimBurst = 10
	}
	return nil
}

// Server is the HTTP server for the claim engine.
type Server struct {
	log     *slog.Logger
	cfg     Config
	engine  *claiming.Engine
	router  *chi.Mux
	srv     *http.Server
	limiter *RateLimiter
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		engine:  cfg.Engine,
		router:  chi.NewRouter(),
		limiter: NewRateLimiter(rate.Every(time.Minute/time.Duration(cfg.ClaimsPerMinute)), cfg.ClaimBurst),
	}
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/distributors", s.handleCreateDistributor)
		r.Route("/distributors/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetDistributor)
			r.With(s.limiter.Middleware).Post("/claims", s.handleClaim)
			r.Get("/ledger/{recipient}", s.handleLedgerEntry)
			r.Post("/root", s.handleUpdateRoot)
			r.Post("/paused", s.handleSetPaused)
			r.Post("/schedule", s.handleUpdateSchedule)
			r.Post("/withdrawals", s.handleWithdraw)
		})
		r.Get("/admins", s.handleListAdmins)
		r.Post("/admins", s.handleAddAdmin)
		r.Delete("/admins/{key}", s.handleRemoveAdmin)
	})
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("server: listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("server: shutting down")
	s.limiter.Close()
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.cfg.Version})
}
