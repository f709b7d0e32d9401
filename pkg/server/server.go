package server

import (
	"context"
	_ "embed"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	shinymw "github.com/vango-dev/shiny/pkg/middleware"
	"github.com/vango-dev/shiny/pkg/render"
)

//go:embed client.js
var clientScript []byte

// PageFunc renders the body of a page. Templates mounted through c become
// the top-level instances of the new session.
type PageFunc func(c *Ctx, r *http.Request) (any, error)

// Server serves pages, the websocket endpoint of the runtime and /metrics.
type Server struct {
	config   *ServerConfig
	sessions *SessionManager
	router   chi.Router
	upgrader websocket.Upgrader
	registry *prometheus.Registry
	metrics  *Metrics
	logger   *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
}

// New creates a Server with the given configuration. Unset fields take
// their defaults.
func New(config *ServerConfig) *Server {
	defaults := DefaultServerConfig()
	if config == nil {
		config = defaults
	} else {
		cfg := *config
		config = &cfg
		if config.Address == "" {
			config.Address = defaults.Address
		}
		if config.BasePath == "" {
			config.BasePath = defaults.BasePath
		}
		if config.CookieName == "" {
			config.CookieName = defaults.CookieName
		}
		if config.Title == "" {
			config.Title = defaults.Title
		}
		if config.ReadBufferSize == 0 {
			config.ReadBufferSize = defaults.ReadBufferSize
		}
		if config.WriteBufferSize == 0 {
			config.WriteBufferSize = defaults.WriteBufferSize
		}
		if config.CheckOrigin == nil {
			config.CheckOrigin = defaults.CheckOrigin
		}
		if config.ShutdownTimeout == 0 {
			config.ShutdownTimeout = defaults.ShutdownTimeout
		}
		if config.Serializer == nil {
			config.Serializer = defaults.Serializer
		}
		if config.MetricsNamespace == "" {
			config.MetricsNamespace = defaults.MetricsNamespace
		}
	}
	config.SessionConfig = config.SessionConfig.withDefaults()
	config.BasePath = "/" + strings.Trim(config.BasePath, "/")

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	metrics := NewMetrics(registry, config.MetricsNamespace)

	s := &Server{
		config: config,
		sessions: NewSessionManagerWithOptions(config.SessionConfig, logger, &SessionManagerOptions{
			MaxSessions: config.MaxSessions,
			Serializer:  config.Serializer,
			Metrics:     metrics,
		}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		registry: registry,
		metrics:  metrics,
		logger:   logger.With("component", "server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(shinymw.Prometheus(
		shinymw.WithRegistry(registry),
		shinymw.WithNamespace(config.MetricsNamespace),
	))
	r.Use(shinymw.OpenTelemetry())
	r.Get(config.BasePath+"/ws", s.HandleWebSocket)
	r.Get(config.BasePath+"/online", s.handleOnline)
	r.Get(config.BasePath+"/client.js", s.handleClientScript)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	s.router = r

	return s
}

// Page registers fn as the page served at pattern. Every request creates a
// new session whose ID is stored in the session cookie.
func (s *Server) Page(pattern string, fn PageFunc) {
	s.router.Get(pattern, s.pageHandler(fn))
}

func (s *Server) pageHandler(fn PageFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := s.sessions.Create()
		if err != nil {
			s.logger.Warn("session create failed", "error", err)
			http.Error(w, "too many sessions", http.StatusServiceUnavailable)
			return
		}

		artifact, err := fn(session.PageContext(r.Context()), r)
		var body string
		if err == nil {
			body, err = s.config.Serializer.Serialize(artifact)
		}
		if err != nil {
			s.logger.Error("page render failed", "path", r.URL.Path, "session_id", session.ID, "error", err)
			_ = s.sessions.remove(session.ID, closeReasonFailed)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     s.config.CookieName,
			Value:    session.ID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		doc := render.Document(s.config.Title, render.HTML(body), s.config.BasePath+"/client.js")
		if _, err := io.WriteString(w, string(doc)); err != nil {
			s.logger.Debug("page write failed", "error", err)
		}
	}
}

func (s *Server) handleOnline(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, "true")
}

func (s *Server) handleClientScript(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(clientScript)
}

// Router returns the chi router so applications can add their own routes.
func (s *Server) Router() chi.Router {
	return s.router
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Metrics returns the runtime metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Registry returns the Prometheus registry backing /metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Config returns the effective configuration.
func (s *Server) Config() *ServerConfig {
	return s.config
}

// Run listens on the configured address and serves until ctx is done, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.config.SessionConfig.ReadTimeout,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

// Shutdown closes every session, then shuts the HTTP server down.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.sessions.Shutdown(ctx); err != nil {
		s.logger.Error("session shutdown error", "error", err)
	}

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.logger.Info("server shutdown complete")
	return nil
}
