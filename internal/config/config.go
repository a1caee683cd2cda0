package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Deployment stages
const (
	StageDevelopment = "development"
	StageProduction  = "production"
)

// Session storage backends
const (
	StorageFile   = "file"
	StorageRedis  = "redis"
	StorageMemory = "memory"
)

// Config represents the complete application configuration
type Config struct {
	Stage   string        `yaml:"stage"`
	API     APIConfig     `yaml:"api"`
	OIDC    OIDCConfig    `yaml:"oidc"`
	Session SessionConfig `yaml:"session"`
	Listen  ListenConfig  `yaml:"listen"`
	Log     LogConfig     `yaml:"log"`
}

// APIConfig defines how the to-do backend is reached
type APIConfig struct {
	URL       string        `yaml:"url"`        // Backend URL used outside production
	PublicURL string        `yaml:"public_url"` // Backend URL used in production
	Timeout   time.Duration `yaml:"timeout"`    // Per-request timeout
	RateLimit float64       `yaml:"rate_limit"` // Outgoing requests per second (0 disables)
	Burst     int           `yaml:"burst"`      // Limiter burst size
}

// OIDCConfig defines the identity provider settings
type OIDCConfig struct {
	Issuer        string        `yaml:"issuer"`         // Issuer URL used for discovery
	ClientID      string        `yaml:"client_id"`      // OAuth2 client ID
	ClientSecret  string        `yaml:"client_secret"`  // OAuth2 client secret (empty for public clients)
	Scopes        []string      `yaml:"scopes"`         // Requested scopes
	AutoRefresh   bool          `yaml:"auto_refresh"`   // Refresh stored sessions before they expire
	RefreshMargin time.Duration `yaml:"refresh_margin"` // How long before expiry to refresh
}

// SessionConfig defines where the identity provider client persists sessions
type SessionConfig struct {
	Storage string      `yaml:"storage"` // file, redis or memory
	File    string      `yaml:"file"`    // Path for file storage
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig defines the redis session storage connection
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// ListenConfig defines where the local web UI listens
type ListenConfig struct {
	HTTP string `yaml:"http"` // HTTP server address (e.g., "127.0.0.1:5173")
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the --config flag
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Stage: StageDevelopment,
		API: APIConfig{
			URL:       "http://localhost:3000/api",
			Timeout:   15 * time.Second,
			RateLimit: 10,
			Burst:     20,
		},
		OIDC: OIDCConfig{
			Scopes:        []string{"openid", "profile", "email", "offline_access"},
			AutoRefresh:   true,
			RefreshMargin: 60 * time.Second,
		},
		Session: SessionConfig{
			Storage: StorageFile,
			File:    defaultSessionFile(),
			Redis: RedisConfig{
				Addr: "127.0.0.1:6379",
				Key:  "todoctl:session",
			},
		},
		Listen: ListenConfig{
			HTTP: "127.0.0.1:5173",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// defaultSessionFile returns the per-user session file location
func defaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "todoctl-session.json"
	}
	return filepath.Join(dir, "todoctl", "session.json")
}

// APIBaseURL returns the backend URL for the configured stage.
// Production uses the public URL; every other stage uses the local one.
func (c *Config) APIBaseURL() string {
	if c.Stage == StageProduction {
		return c.API.PublicURL
	}
	return c.API.URL
}

// applyEnvOverrides lets TODOCTL_* variables win over the file.
func (c *Config) applyEnvOverrides() {
	strs := []struct {
		env string
		dst *string
	}{
		{"TODOCTL_STAGE", &c.Stage},
		{"TODOCTL_API_URL", &c.API.URL},
		{"TODOCTL_PUBLIC_API_URL", &c.API.PublicURL},
		{"TODOCTL_OIDC_ISSUER", &c.OIDC.Issuer},
		{"TODOCTL_OIDC_CLIENT_ID", &c.OIDC.ClientID},
		{"TODOCTL_OIDC_CLIENT_SECRET", &c.OIDC.ClientSecret},
		{"TODOCTL_SESSION_STORAGE", &c.Session.Storage},
		{"TODOCTL_SESSION_FILE", &c.Session.File},
		{"TODOCTL_REDIS_ADDR", &c.Session.Redis.Addr},
		{"TODOCTL_REDIS_PASSWORD", &c.Session.Redis.Password},
		{"TODOCTL_LISTEN_HTTP", &c.Listen.HTTP},
		{"TODOCTL_LOG_LEVEL", &c.Log.Level},
		{"TODOCTL_LOG_FORMAT", &c.Log.Format},
	}
	for _, o := range strs {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}

	// Unparseable numbers keep the file value.
	if v := os.Getenv("TODOCTL_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Session.Redis.DB = db
		}
	}
}

// Validate reports the first problem found, section by section.
func (c *Config) Validate() error {
	for _, check := range []func() error{
		c.validateAPI,
		c.validateOIDC,
		c.Session.validate,
		c.Log.validate,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	if c.Listen.HTTP == "" {
		return errors.New("listen.http is required")
	}
	return nil
}

func (c *Config) validateAPI() error {
	if c.Stage != StageDevelopment && c.Stage != StageProduction {
		return fmt.Errorf("stage must be one of: %s, %s", StageDevelopment, StageProduction)
	}
	if c.Stage == StageProduction && c.API.PublicURL == "" {
		return errors.New("api.public_url is required in production")
	}

	switch {
	case !isHTTPURL(c.APIBaseURL()):
		return errors.New("api url must be a valid HTTP(S) URL")
	case c.API.Timeout <= 0:
		return errors.New("api.timeout must be positive")
	case c.API.RateLimit < 0:
		return errors.New("api.rate_limit must not be negative")
	case c.API.RateLimit > 0 && c.API.Burst <= 0:
		return errors.New("api.burst must be positive when api.rate_limit is set")
	}
	return nil
}

func (c *Config) validateOIDC() error {
	o := c.OIDC
	switch {
	case o.Issuer == "":
		return errors.New("oidc.issuer is required")
	case !isHTTPURL(o.Issuer):
		return errors.New("oidc.issuer must be a valid HTTP(S) URL")
	case o.ClientID == "":
		return errors.New("oidc.client_id is required")
	case len(o.Scopes) == 0:
		return errors.New("oidc.scopes must contain at least 'openid'")
	case !slices.Contains(o.Scopes, "openid"):
		return errors.New("oidc.scopes must include 'openid'")
	case o.RefreshMargin < 0:
		return errors.New("oidc.refresh_margin must not be negative")
	}
	return nil
}

func (s *SessionConfig) validate() error {
	switch s.Storage {
	case StorageFile:
		if s.File == "" {
			return errors.New("session.file is required for file storage")
		}
	case StorageRedis:
		if s.Redis.Addr == "" {
			return errors.New("session.redis.addr is required for redis storage")
		}
		if s.Redis.Key == "" {
			return errors.New("session.redis.key is required for redis storage")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("session.storage must be one of: %s, %s, %s", StorageFile, StorageRedis, StorageMemory)
	}
	return nil
}

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"json", "text"}
)

func (l *LogConfig) validate() error {
	if !slices.Contains(logLevels, l.Level) {
		return fmt.Errorf("log.level must be one of: %s", strings.Join(logLevels, ", "))
	}
	if !slices.Contains(logFormats, l.Format) {
		return fmt.Errorf("log.format must be one of: %s", strings.Join(logFormats, ", "))
	}
	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// SetupLogging installs the process-wide slog logger. Logs go to stderr so
// command output on stdout stays machine-readable.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// Redact returns a copy with secrets masked, safe to print or log.
func (c *Config) Redact() *Config {
	redacted := *c
	redacted.OIDC.Scopes = slices.Clone(c.OIDC.Scopes)
	if redacted.OIDC.ClientSecret != "" {
		redacted.OIDC.ClientSecret = "[REDACTED]"
	}
	if redacted.Session.Redis.Password != "" {
		redacted.Session.Redis.Password = "[REDACTED]"
	}
	return &redacted
}
