// Package server hosts the realtime backend over HTTP: the websocket
// endpoint, realtime admin endpoints and the push API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/crypto/acme/autocert"

	"github.com/markb/sbrealtime/internal/db"
	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/observability"
	"github.com/markb/sbrealtime/internal/push"
	"github.com/markb/sbrealtime/internal/realtime"
)

// Config holds server configuration.
type Config struct {
	JWTSecret  string
	AnonKey    string
	ServiceKey string

	// DBPath is the push device database. Push is disabled when empty.
	DBPath string

	// CORSOrigins defaults to all origins.
	CORSOrigins []string

	// Telemetry instruments HTTP requests when set.
	Telemetry *observability.Telemetry
}

type Server struct {
	cfg    Config
	router *chi.Mux

	realtimeService *realtime.Service

	// Push fields
	db          *db.DB
	pushStore   *push.Store
	pushHandler *push.Handler

	// HTTP server for graceful shutdown
	httpServer *http.Server

	// HTTPS fields
	httpsServer  *http.Server
	httpRedirect *http.Server
	autocertMgr  *autocert.Manager
}

// ErrorResponse is the JSON error body of server-level failures.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// New creates a server. With a DBPath the push database is opened and
// migrated.
func New(cfg Config) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		realtimeService: realtime.NewService(realtime.Config{
			JWTSecret:  cfg.JWTSecret,
			AnonKey:    cfg.AnonKey,
			ServiceKey: cfg.ServiceKey,
		}),
	}

	if cfg.DBPath != "" {
		database, err := db.New(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := database.RunMigrations(); err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		s.db = database
		s.pushStore = push.NewStore(database)
		s.pushHandler = push.NewHandler(s.pushStore, s.realtimeService)
	}

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// CORS middleware for browser-based apps
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{log.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if s.cfg.Telemetry != nil {
		s.router.Use(observability.HTTPMiddleware(s.cfg.Telemetry, s.cfg.Telemetry.Config().ServiceName))
	}
	s.router.Use(log.RequestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)

	// Realtime routes; handlers check API keys themselves
	s.router.Route("/realtime/v1", func(r chi.Router) {
		r.Get("/websocket", s.realtimeService.HandleWebSocket)
		r.Get("/stats", s.realtimeService.HandleStats)
		r.Delete("/channels", s.realtimeService.HandleCloseChannel)
		r.Get("/logs", s.handleLogs)
	})

	// Push routes
	if s.pushHandler != nil {
		s.router.Route(push.BasePath, func(r chi.Router) {
			r.Use(s.apiKeyMiddleware)
			s.pushHandler.RegisterRoutes(r)
		})
	}
}

func (s *Server) Router() *chi.Mux {
	return s.router
}

// RealtimeService returns the realtime service.
func (s *Server) RealtimeService() *realtime.Service {
	return s.realtimeService
}

// PushStore returns the push device store, or nil when push is disabled.
func (s *Server) PushStore() *push.Store {
	return s.pushStore
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.realtimeService.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "healthy",
		"connections": stats.Connections,
		"push":        s.pushHandler != nil,
	})
}

// LogsResponse is the body of GET /realtime/v1/logs.
type LogsResponse struct {
	Entries  []log.Entry `json:"entries"`
	Held     int         `json:"held"`
	Capacity int         `json:"capacity"`
}

// handleLogs serves the newest in-memory log entries to the service role.
// Query parameters: n (default 100) and level (minimum, default debug).
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	role, ok := s.realtimeService.Authorize(r)
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid API key")
		return
	}
	if role != realtime.RoleService {
		s.writeError(w, http.StatusForbidden, "forbidden", "service role required")
		return
	}

	n := 100
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid_parameter", "n must be a non-negative integer")
			return
		}
		n = parsed
	}
	minLevel := slog.LevelDebug
	if v := r.URL.Query().Get("level"); v != "" {
		if err := minLevel.UnmarshalText([]byte(v)); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_parameter", "unknown level "+strconv.Quote(v))
			return
		}
	}

	held, capacity, enabled := log.BufferStats()
	if !enabled {
		s.writeError(w, http.StatusNotFound, "logs_disabled", "log buffer is disabled")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(LogsResponse{
		Entries:  log.Recent(n, minLevel),
		Held:     held,
		Capacity: capacity,
	})
}

func (s *Server) writeError(w http.ResponseWriter, status int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errCode,
		Message: message,
	})
}

func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// ListenAndServeTLS serves HTTPS on addr with a Let's Encrypt certificate
// for cfg.Domain. cfg.HTTPAddr answers ACME challenges and redirects
// everything else to HTTPS.
func (s *Server) ListenAndServeTLS(addr string, cfg HTTPSConfig) error {
	if err := ValidateDomain(cfg.Domain); err != nil {
		return err
	}
	s.autocertMgr = NewAutocertManager(cfg.Domain, cfg.CertDir)

	s.httpRedirect = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.autocertMgr.HTTPHandler(HTTPRedirectHandler(cfg.Domain)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpRedirect.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http redirect server failed", "error", err.Error())
		}
	}()

	s.httpsServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		TLSConfig:         NewTLSConfig(s.autocertMgr),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpsServer.ListenAndServeTLS("", "")
}

// Shutdown gracefully shuts down the HTTP server(s) and closes the push
// database.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	// Shutdown HTTPS server if running
	if s.httpsServer != nil {
		if err := s.httpsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTPS server: %w", err))
		}
	}

	// Shutdown HTTP redirect server if running
	if s.httpRedirect != nil {
		if err := s.httpRedirect.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP redirect server: %w", err))
		}
	}

	// Shutdown main HTTP server if running (non-TLS mode)
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server: %w", err))
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("push database: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
