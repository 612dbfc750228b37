package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/commune/internal/ratelimit"
	"github.com/haasonsaas/commune/internal/storage"
)

// Config is the main configuration structure for commune.
type Config struct {
	Version   int              `yaml:"version"`
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Auth      AuthConfig       `yaml:"auth"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Logging   LoggingConfig    `yaml:"logging"`
	Tracing   TracingConfig    `yaml:"tracing"`
}

// ServerConfig controls the HTTP listener and websocket sessions.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	SendBuffer      int           `yaml:"send_buffer"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongWait        time.Duration `yaml:"pong_wait"`
	WriteWait       time.Duration `yaml:"write_wait"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// StorageConfig converts the section into storage options.
func (d DatabaseConfig) StorageConfig() storage.Config {
	return storage.Config{
		Driver:          d.Driver,
		URL:             d.URL,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ConnMaxIdleTime: d.ConnMaxIdleTime,
		ConnectTimeout:  d.ConnectTimeout,
		ConnectAttempts: d.ConnectAttempts,
		AutoMigrate:     d.AutoMigrate,
	}
}

type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	Required    bool           `yaml:"required"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
}

type APIKeyConfig struct {
	Key      string `yaml:"key"`
	UserID   string `yaml:"user_id"`
	Username string `yaml:"username"`
	Name     string `yaml:"name"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls OpenTelemetry tracing. Tracing is off when Endpoint is empty.
type TracingConfig struct {
	Endpoint     string            `yaml:"endpoint"`
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Insecure     bool              `yaml:"insecure"`
	Attributes   map[string]string `yaml:"attributes"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{RateLimit: ratelimit.DefaultConfig()}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MaxMessageBytes == 0 {
		cfg.Server.MaxMessageBytes = 64 << 10
	}
	if cfg.Server.SendBuffer == 0 {
		cfg.Server.SendBuffer = 64
	}
	if cfg.Server.PongWait == 0 {
		cfg.Server.PongWait = 60 * time.Second
	}
	if cfg.Server.PingInterval == 0 {
		cfg.Server.PingInterval = cfg.Server.PongWait * 9 / 10
	}
	if cfg.Server.WriteWait == 0 {
		cfg.Server.WriteWait = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	storageDefaults := storage.DefaultConfig()
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = storageDefaults.Driver
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = storageDefaults.MaxOpenConns
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = storageDefaults.MaxIdleConns
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = storageDefaults.ConnMaxLifetime
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = storageDefaults.ConnMaxIdleTime
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = storageDefaults.ConnectTimeout
	}
	if cfg.Database.ConnectAttempts == 0 {
		cfg.Database.ConnectAttempts = storageDefaults.ConnectAttempts
	}

	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = ratelimit.DefaultConfig().RequestsPerSecond
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = ratelimit.DefaultConfig().BurstSize
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "commune"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}

	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be between 1 and 65535"))
	}
	if c.Server.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_message_bytes must be positive"))
	}
	if c.Server.SendBuffer < 0 {
		errs = append(errs, fmt.Errorf("server.send_buffer must be positive"))
	}
	if c.Server.PingInterval >= c.Server.PongWait {
		errs = append(errs, fmt.Errorf("server.ping_interval must be shorter than server.pong_wait"))
	}

	switch strings.ToLower(c.Database.Driver) {
	case storage.DriverMemory:
	case storage.DriverPostgres, "postgresql", "cockroach", storage.DriverSQLite, "sqlite3":
		if strings.TrimSpace(c.Database.URL) == "" {
			errs = append(errs, fmt.Errorf("database.url is required for driver %q", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}

	if c.Auth.Required && strings.TrimSpace(c.Auth.JWTSecret) == "" && len(c.Auth.APIKeys) == 0 {
		errs = append(errs, fmt.Errorf("auth.required needs auth.jwt_secret or auth.api_keys"))
	}
	for i, key := range c.Auth.APIKeys {
		if strings.TrimSpace(key.Key) == "" {
			errs = append(errs, fmt.Errorf("auth.api_keys[%d].key is required", i))
		}
	}

	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.BurstSize < 0 {
		errs = append(errs, fmt.Errorf("rate_limit values must not be negative"))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not supported", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not supported", c.Logging.Format))
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sampling_rate must be between 0 and 1"))
	}
	return errors.Join(errs...)
}
