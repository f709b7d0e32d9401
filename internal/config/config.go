package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/vango-dev/shiny/internal/errors"
	"github.com/vango-dev/shiny/pkg/server"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "SHINY_"

// Config is the configuration of a shiny server process.
type Config struct {
	// Address is the host:port the server listens on.
	Address string `yaml:"address" env:"ADDRESS"`

	// LivenessWindow is how long a session without a live channel stays
	// active.
	LivenessWindow time.Duration `yaml:"liveness_window" env:"LIVENESS_WINDOW"`

	// SweepInterval is how often inactive sessions are removed.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`

	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`

	// HeartbeatInterval is the time between websocket pings. It must be
	// shorter than ReadTimeout or idle connections are dropped.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`

	// MaxSessions limits concurrent sessions. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions" env:"MAX_SESSIONS"`

	// MaxMessageSize is the largest client message accepted, in bytes.
	MaxMessageSize int64 `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	// Debug forces debug logging.
	Debug bool `yaml:"debug" env:"DEBUG"`

	path string
}

// New returns a Config holding the defaults.
func New() *Config {
	sc := server.DefaultSessionConfig()
	return &Config{
		Address:           server.DefaultServerConfig().Address,
		LivenessWindow:    sc.LivenessWindow,
		SweepInterval:     sc.SweepInterval,
		ReadTimeout:       sc.ReadTimeout,
		WriteTimeout:      sc.WriteTimeout,
		HeartbeatInterval: sc.HeartbeatInterval,
		MaxMessageSize:    sc.MaxMessageSize,
		LogLevel:          "info",
	}
}

// Load returns the defaults overlaid with the YAML file at path, if path
// is not empty, and then with the environment.
func Load(path string) (*Config, error) {
	cfg := New()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(nil); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.New("S100").Wrap(err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return errors.New("S101").WithDetail(path + ":").Wrap(err)
	}
	c.path = path
	return nil
}

// loadEnv overlays variables from environ, or from the process
// environment when environ is nil.
func (c *Config) loadEnv(environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(c, opts); err != nil {
		return errors.New("S102").Wrap(fmt.Errorf("parse env: %w", err))
	}
	return nil
}

// Validate checks that every value is usable.
func (c *Config) Validate() error {
	var problems []string
	if c.Address == "" {
		problems = append(problems, "address is empty")
	}
	for name, d := range map[string]time.Duration{
		"liveness_window":    c.LivenessWindow,
		"sweep_interval":     c.SweepInterval,
		"read_timeout":       c.ReadTimeout,
		"write_timeout":      c.WriteTimeout,
		"heartbeat_interval": c.HeartbeatInterval,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if c.HeartbeatInterval > 0 && c.ReadTimeout > 0 && c.HeartbeatInterval >= c.ReadTimeout {
		problems = append(problems, fmt.Sprintf("heartbeat_interval (%s) must be shorter than read_timeout (%s)", c.HeartbeatInterval, c.ReadTimeout))
	}
	if c.MaxSessions < 0 {
		problems = append(problems, "max_sessions must not be negative")
	}
	if c.MaxMessageSize <= 0 {
		problems = append(problems, "max_message_size must be positive")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return errors.New("S103").WithDetail(strings.Join(problems, "; ") + ".")
}

// Path returns the file the configuration was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

// Level returns the slog level for LogLevel, or debug when Debug is set.
func (c *Config) Level() slog.Level {
	if c.Debug {
		return slog.LevelDebug
	}
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// Logger builds a text logger writing to w at the configured level.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     c.Level(),
		AddSource: c.Debug,
	}))
}

// SessionConfig converts the session settings.
func (c *Config) SessionConfig() *server.SessionConfig {
	sc := server.DefaultSessionConfig()
	sc.LivenessWindow = c.LivenessWindow
	sc.SweepInterval = c.SweepInterval
	sc.ReadTimeout = c.ReadTimeout
	sc.WriteTimeout = c.WriteTimeout
	sc.HeartbeatInterval = c.HeartbeatInterval
	sc.MaxMessageSize = c.MaxMessageSize
	return sc
}

// ServerConfig converts the configuration for server.New.
func (c *Config) ServerConfig(logger *slog.Logger) *server.ServerConfig {
	sc := server.DefaultServerConfig()
	sc.Address = c.Address
	sc.SessionConfig = c.SessionConfig()
	sc.MaxSessions = c.MaxSessions
	sc.Logger = logger
	return sc
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level %q is not one of debug, info, warn, error", s)
	}
	return level, nil
}
