// Package server is the composition root of the API.
//
// New builds every long-lived component exactly once, in dependency order,
// and hands each one only the interfaces it consumes:
//
//	sqlite.DB ─┬─> AuthService (+ TokenService, PasswordService, AttemptLimiter)
//	           └─> HealthHandler
//	GoogleVerifier (optional) ─> AuthHandler, RequireGoogle, redirect flow
//	certs.Client ─> CertsHandler
//
// Nothing is constructed at package load time, so tests can build as many
// independent Servers as they like, each with its own in-memory database.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sakif/certs-view/internal/auth"
	"github.com/sakif/certs-view/internal/certs"
	"github.com/sakif/certs-view/internal/config"
	"github.com/sakif/certs-view/internal/handler"
	"github.com/sakif/certs-view/internal/metrics"
	"github.com/sakif/certs-view/internal/middleware"
	sqliteRepo "github.com/sakif/certs-view/internal/repository/sqlite"
	"github.com/sakif/certs-view/internal/service"
)

const (
	attemptSweepInterval = time.Minute
	rateLimitCleanup     = 5 * time.Minute
	shutdownTimeout      = 30 * time.Second
)

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the database connection and the background workers
// (attempt-limiter sweep, rate-limiter cleanup). Close releases both; Start
// calls it on the way out.
type Server struct {
	router *chi.Mux
	config *config.Config
	logger *slog.Logger

	db          *sqliteRepo.DB
	metrics     *metrics.Metrics
	attempts    *auth.AttemptLimiter
	rateLimiter *middleware.RateLimiter
	authService *service.AuthService
	google      auth.GoogleTokenVerifier
	certs       *certs.Client

	// ctx lives as long as the Server. It bounds background goroutines,
	// including go-oidc's key set refreshes.
	ctx    context.Context
	cancel context.CancelFunc
}

// Option customises New. Production passes none; tests use them to swap in
// fakes for the pieces that would otherwise be slow or reach the network.
type Option func(*options)

type options struct {
	google     auth.GoogleTokenVerifier
	passwords  *auth.PasswordService
	httpClient *http.Client
}

// WithGoogleVerifier replaces the go-oidc verifier, for tests that cannot
// fetch Google's signing keys.
func WithGoogleVerifier(v auth.GoogleTokenVerifier) Option {
	return func(o *options) { o.google = v }
}

// WithPasswordService overrides bcrypt's cost (tests use the minimum).
func WithPasswordService(p *auth.PasswordService) Option {
	return func(o *options) { o.passwords = p }
}

// WithCertsHTTPClient replaces the client used to reach the registry.
func WithCertsHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New creates a new Server with the given config.
//
// DEPENDENCY INJECTION & WIRING:
// This is where the entire dependency chain is assembled:
//  1. Open the database (and run migrations)
//  2. Build the auth components and the AuthService on top of the store
//  3. Build the Google verifier when a client ID is configured
//  4. Build the certs client
//  5. Wire handlers to routes
//
// Each layer only receives what it needs:
// - AuthService gets the repository interface (not the concrete sqlite.DB)
// - Handlers get the service (not the repository or DB)
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// === CREATE DATABASE ===
	db, err := sqliteRepo.New(ctx, cfg.DBPath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		logger:  logger,
		db:      db,
		metrics: metrics.New(),
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := s.build(o); err != nil {
		s.Close()
		return nil, err
	}

	s.setupRoutes()
	return s, nil
}

// build assembles everything between the store and the handlers.
func (s *Server) build(o options) error {
	cfg := s.config

	tokens, err := auth.NewTokenService(cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}

	passwords := o.passwords
	if passwords == nil {
		passwords = auth.NewPasswordService()
	}

	allowed := auth.ParseDomainAllowList(cfg.AllowedEmailDomains)
	s.attempts = auth.NewAttemptLimiter(s.logger)

	s.authService, err = service.NewAuthService(s.db, tokens, passwords, s.attempts, allowed, s.metrics, s.logger)
	if err != nil {
		return fmt.Errorf("creating auth service: %w", err)
	}

	// A nil *GoogleVerifier stored in the interface would not compare equal
	// to nil, so only assign when one was actually built.
	switch {
	case o.google != nil:
		s.google = o.google
	case cfg.GoogleEnabled():
		v, err := auth.NewGoogleVerifier(s.ctx, cfg.GoogleClientID, allowed, s.logger)
		if err != nil {
			return fmt.Errorf("creating Google verifier: %w", err)
		}
		s.google = v
	}
	if cfg.CertsAuthMode == config.AuthModeGoogle && s.google == nil {
		return errors.New("CERTS_AUTH_MODE=google needs a Google verifier")
	}

	var certOpts []certs.Option
	if o.httpClient != nil {
		certOpts = append(certOpts, certs.WithHTTPClient(o.httpClient))
	}
	s.certs = certs.NewClient(cfg.CertsAPIURL, cfg.CertsAPIToken, s.metrics, s.logger, certOpts...)

	s.rateLimiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, s.logger)
	return nil
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
// GET    /healthz                → liveness (pings the DB)
// GET    /metrics                → Prometheus exposition
// POST   /api/auth/register      → create account          [rate limited]
// POST   /api/auth/login         → email + password login  [rate limited]
// POST   /api/auth/logout        → acknowledge logout
// POST   /api/auth/verify        → check a token from the body
// GET    /api/auth/profile       → current user            [RequireAuth]
// POST   /api/auth/google        → verify a Google ID token [rate limited]
// GET    /api/certs/{edrpou}     → certificate lookup      [RequireAuth or RequireGoogle]
// GET    /auth/google/login      → redirect to Google      [when GOOGLE_CLIENT_SECRET is set]
// GET    /auth/google/callback   → finish Google sign-in
//
// MIDDLEWARE ORDER MATTERS:
// Middleware executes in the order it's added. Our order:
// 1. RequestID: assigns unique ID to each request (for tracing)
// 2. RealIP: extracts real client IP from proxy headers (the rate limiter keys on it)
// 3. Recoverer: catches panics and returns 500 instead of crashing
// 4. Logger: logs each request with timing info
// 5. Metrics: records latency per route pattern
// 6. CORS: answers preflights before any route-level auth runs
func (s *Server) setupRoutes() {
	// === Global Middleware ===
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After", "X-Request-Id"},
		MaxAge:         300,
	}))

	// === Operational ===
	healthHandler := handler.NewHealthHandler(s.db, s.logger)
	s.router.Get("/healthz", healthHandler.HandleHealth)
	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	// === Auth API ===
	// DEPENDENCY CHAIN:
	//   s.db → AuthService → AuthHandler
	// The handler never touches the database directly.
	authHandler := handler.NewAuthHandler(s.authService, s.google, s.logger)
	requireAuth := auth.RequireAuth(s.authService, s.logger)

	s.router.Route("/api/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimiter.Middleware)
			r.Post("/register", authHandler.HandleRegister)
			r.Post("/login", authHandler.HandleLogin)
			r.Post("/google", authHandler.HandleGoogle)
		})
		r.Post("/logout", authHandler.HandleLogout)
		r.Post("/verify", authHandler.HandleVerify)
		r.With(requireAuth).Get("/profile", authHandler.HandleProfile)
	})

	// === Certificates ===
	certsGate := requireAuth
	if s.config.CertsAuthMode == config.AuthModeGoogle {
		certsGate = auth.RequireGoogle(s.google, s.logger)
	}
	certsHandler := handler.NewCertsHandler(s.certs, s.logger)

	s.router.Route("/api/certs", func(r chi.Router) {
		r.Use(certsGate)
		r.Get("/", certsHandler.HandleMissing)
		r.Get("/{edrpou}", certsHandler.HandleGet)
	})

	// === Google redirect flow ===
	if s.config.GoogleRedirectEnabled() && s.google != nil {
		provider := auth.NewGoogleProvider(
			s.config.GoogleClientID,
			s.config.GoogleClientSecret,
			s.config.GoogleCallbackURL,
			auth.ParseDomainAllowList(s.config.AllowedEmailDomains),
		)
		googleHandler := handler.NewGoogleRedirectHandler(provider, s.google, s.config.IsProduction(), s.logger)

		s.router.Get("/auth/google/login", googleHandler.HandleLogin)
		s.router.Get("/auth/google/callback", googleHandler.HandleCallback)
	}
}

// Handler returns the fully wired router. Tests drive it with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close stops background work and closes the database. Safe to call twice.
func (s *Server) Close() error {
	s.cancel()
	return s.db.Close()
}

// Start starts the HTTP server and handles graceful shutdown.
//
// GRACEFUL SHUTDOWN:
// 1. Stop accepting new HTTP connections
// 2. Wait for in-flight requests to finish (30s timeout)
// 3. Stop the background workers and close the database connection
//    (flushes WAL, releases file lock)
//
// The `defer s.Close()` ensures step 3 happens even if something panics.
func (s *Server) Start() error {
	defer s.Close()

	// Background workers stop when s.ctx is cancelled by Close.
	go s.attempts.Run(s.ctx, attemptSweepInterval)
	go s.rateLimiter.StartCleanupWorker(s.ctx, rateLimitCleanup)

	// Create the HTTP server with sensible timeouts. WriteTimeout leaves
	// room for the 15s upstream certs call.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      certs.DefaultTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to receive OS signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	// Channel to receive server errors
	serverErrors := make(chan error, 1)

	// Start the server in a goroutine (so it doesn't block)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("environment", s.config.Environment),
			slog.String("database", s.config.DBPath),
			slog.String("certsAuthMode", s.config.CertsAuthMode),
			slog.Bool("google", s.google != nil),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		// Give in-flight requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
