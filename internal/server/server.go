package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/faucetdb/keysmith/internal/handler"
	"github.com/faucetdb/keysmith/internal/openapi"
	"github.com/faucetdb/keysmith/internal/server/middleware"
	"github.com/faucetdb/keysmith/internal/service"
	"github.com/faucetdb/keysmith/internal/telemetry"
	"github.com/faucetdb/keysmith/internal/ui"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	EnableUI        bool
	MaxBodySize     int64 // bytes
	BaseURL         string
	Version         string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            3000,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		EnableUI:        true,
		MaxBodySize:     64 * 1024,
	}
}

// KeyStore is what the server needs from the store beyond the key service:
// readiness checks and listing.
type KeyStore interface {
	handler.KeyLister
	Ping(ctx context.Context) error
	Driver() string
}

// Server is the top-level HTTP server. It owns the chi router and the
// services the handlers are built from.
type Server struct {
	cfg        Config
	router     chi.Router
	keys       *service.KeyService
	store      KeyStore
	authSvc    *service.AuthService
	metrics    *telemetry.Metrics
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server and wires up all routes and middleware. metrics
// may be nil, in which case /metrics is not served. Call ListenAndServe to
// start accepting connections.
func New(cfg Config, keys *service.KeyService, store KeyStore, authSvc *service.AuthService, metrics *telemetry.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		keys:    keys,
		store:   store,
		authSvc: authSvc,
		metrics: metrics,
		logger:  logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.Metrics(s.metrics))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	if s.cfg.MaxBodySize > 0 {
		r.Use(chimw.RequestSize(s.cfg.MaxBodySize))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		handler.WriteError(w, http.StatusNotFound, "Not found: "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		handler.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed: "+r.Method)
	})

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.metrics != nil {
		r.Method("GET", "/metrics", s.metrics.Handler())
	}

	r.Get("/openapi.json", handler.NewOpenAPIHandler(openapi.Options{
		BaseURL:   s.cfg.BaseURL,
		Version:   s.cfg.Version,
		AdminAuth: s.authSvc.Enabled(),
	}).ServeSpec)

	var lister handler.KeyLister
	if s.store != nil {
		lister = s.store
	}
	keys := handler.NewKeysHandler(s.keys, lister, s.logger)
	admin := middleware.RequireAdmin(s.authSvc)

	// --- Original paths ---
	r.With(admin).Post("/create", keys.Issue)
	r.Post("/checkapi", keys.Validate)
	r.With(admin).Post("/revoke", keys.Revoke)

	// --- Versioned API ---
	r.Route("/api/v1/keys", func(r chi.Router) {
		r.Post("/validate", keys.Validate)

		r.Group(func(r chi.Router) {
			r.Use(admin)
			r.Post("/", keys.Issue)
			r.Get("/", keys.List)
			r.Post("/revoke", keys.Revoke)
		})
	})

	// --- Embedded UI ---
	if s.cfg.EnableUI {
		distFS, err := fs.Sub(ui.Dist, "dist")
		if err != nil {
			s.logger.Error("failed to create sub filesystem for UI", "error", err)
		} else {
			r.Get("/", s.serveIndex(distFS))
		}
	}

	s.router = r
}

// serveIndex serves index.html from distFS. A missing page is 404; a page
// that cannot be stat'ed or seeked is 500.
func (s *Server) serveIndex(distFS fs.FS) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := distFS.Open("index.html")
		if err != nil {
			handler.WriteError(w, http.StatusNotFound, "UI not available")
			return
		}
		defer f.Close()

		stat, err := f.Stat()
		if err != nil {
			s.logger.Error("stat embedded UI", "error", err)
			handler.WriteError(w, http.StatusInternalServerError, "UI not available")
			return
		}
		content, ok := f.(io.ReadSeeker)
		if !ok {
			s.logger.Error("embedded UI is not seekable")
			handler.WriteError(w, http.StatusInternalServerError, "UI not available")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		http.ServeContent(w, r, "index.html", stat.ModTime(), content)
	}
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the key store answers
// a ping within two seconds, 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		handler.WriteError(w, http.StatusServiceUnavailable, "Key store not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "driver", s.store.Driver(), "error", err)
		handler.WriteError(w, http.StatusServiceUnavailable, "Key store unreachable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"checks": map[string]string{"store": s.store.Driver()},
	})
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled
// or a SIGINT or SIGTERM is received. It then drains in-flight requests.
// Closing the store is left to the caller.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
