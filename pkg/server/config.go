package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vango-dev/shiny/pkg/render"
)

// SessionConfig configures session behaviour.
type SessionConfig struct {
	// LivenessWindow is how long a session counts as active after creation
	// and after the last activity on its channel. Inactive sessions are
	// swept and stop reacting to cell changes.
	// Default: 60 seconds.
	LivenessWindow time.Duration

	// SweepInterval is the time between sweeps of inactive sessions.
	// Default: 30 seconds.
	SweepInterval time.Duration

	// ReadTimeout is the maximum time to wait for a message from the client.
	// Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// HeartbeatInterval is the time between websocket pings.
	// Default: 20 seconds.
	HeartbeatInterval time.Duration

	// MaxMessageSize is the maximum size of an incoming websocket message.
	// Default: 64KB.
	MaxMessageSize int64
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		LivenessWindow:    60 * time.Second,
		SweepInterval:     30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		MaxMessageSize:    64 * 1024, // 64KB
	}
}

// withDefaults returns a copy of c with zero fields filled from the defaults.
func (c *SessionConfig) withDefaults() *SessionConfig {
	defaults := DefaultSessionConfig()
	if c == nil {
		return defaults
	}
	out := *c
	if out.LivenessWindow <= 0 {
		out.LivenessWindow = defaults.LivenessWindow
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = defaults.SweepInterval
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = defaults.ReadTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = defaults.WriteTimeout
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = defaults.MaxMessageSize
	}
	return &out
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Address is the address to listen on.
	// Default: ":8080".
	Address string

	// BasePath prefixes the runtime endpoints (websocket, online probe,
	// client script).
	// Default: "/api/shiny".
	BasePath string

	// CookieName is the cookie carrying the session ID from the page
	// request to the websocket upgrade.
	// Default: "shiny_session_id".
	CookieName string

	// Title is the document title used by pages that do not set one.
	// Default: "shiny".
	Title string

	// SessionConfig is the configuration for sessions.
	SessionConfig *SessionConfig

	// MaxSessions limits concurrent sessions. Zero means unlimited.
	MaxSessions int

	// ReadBufferSize is the websocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the websocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin validates the websocket upgrade origin.
	// Default: same-origin check.
	CheckOrigin func(r *http.Request) bool

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// Serializer turns render artifacts into markup.
	// Default: render.Default.
	Serializer render.Serializer

	// MetricsNamespace prefixes every Prometheus metric.
	// Default: "shiny".
	MetricsNamespace string

	// Registry receives the server metrics and backs /metrics.
	// Default: a fresh registry.
	Registry *prometheus.Registry

	// Logger is the base logger.
	// Default: slog.Default().
	Logger *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:          ":8080",
		BasePath:         "/api/shiny",
		CookieName:       "shiny_session_id",
		Title:            "shiny",
		SessionConfig:    DefaultSessionConfig(),
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		CheckOrigin:      sameOrigin,
		ShutdownTimeout:  30 * time.Second,
		Serializer:       render.Default,
		MetricsNamespace: "shiny",
	}
}

// sameOrigin accepts upgrades without an Origin header or whose Origin host
// matches the request host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, scheme := range []string{"http://", "https://"} {
		if origin == scheme+r.Host {
			return true
		}
	}
	return false
}
