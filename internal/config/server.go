package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/nfrx-coord/sdk/base/worker"
)

// ServerConfig holds configuration for the coordination server.
type ServerConfig struct {
	Port                int           `yaml:"port"`
	MetricsAddr         string        `yaml:"metrics_addr"`
	AuthToken           string        `yaml:"auth_token"`
	AuthTokenFile       string        `yaml:"auth_token_file"`
	APIKey              string        `yaml:"api_key"`
	WSPath              string        `yaml:"ws_path"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	RegistrationTimeout time.Duration `yaml:"registration_timeout"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	DrainTimeout        time.Duration `yaml:"drain_timeout"`
	AllowedOrigins      []string      `yaml:"allowed_origins"`
	RedisAddr           string        `yaml:"redis_addr"`
	LogLevel            string        `yaml:"log_level"`
	LogFormat           string        `yaml:"log_format"`
	ConfigFile          string        `yaml:"-"`
}

// SetDefaults fills unset fields with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.WSPath == "" {
		c.WSPath = "/api/workers/connect"
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = worker.DefaultHeartbeatTimeout
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = worker.DefaultHealthCheckInterval
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = worker.DefaultHeartbeatInterval
	}
	if c.RegistrationTimeout == 0 {
		c.RegistrationTimeout = worker.DefaultRegistrationTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 5 * time.Minute
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("server.yaml")
	}
}

// LoadFile overlays the YAML file at path. Keys missing from the file keep
// their current values.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto the current values.
func (c *ServerConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("LOG_FORMAT", ""); v != "" {
		c.LogFormat = v
	}
	if v := GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = listenAddr(v)
	}
	if v := GetEnv("AUTH_TOKEN", ""); v != "" {
		c.AuthToken = v
	}
	if v := GetEnv("AUTH_TOKEN_FILE", ""); v != "" {
		c.AuthTokenFile = v
	}
	if v := GetEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := GetEnv("WS_PATH", ""); v != "" {
		c.WSPath = v
	}
	if v := GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	durationEnv("HEARTBEAT_TIMEOUT", &c.HeartbeatTimeout)
	durationEnv("HEALTH_CHECK_INTERVAL", &c.HealthCheckInterval)
	durationEnv("HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	durationEnv("REGISTRATION_TIMEOUT", &c.RegistrationTimeout)
	durationEnv("REQUEST_TIMEOUT", &c.RequestTimeout)
	durationEnv("DRAIN_TIMEOUT", &c.DrainTimeout)
}

// BindFlags binds command line flags using the current values as defaults.
func (c *ServerConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log output format (console or json)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the API and worker connections")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; empty serves /metrics on --port", func(v string) error {
		c.MetricsAddr = listenAddr(v)
		return nil
	})
	fs.StringVar(&c.AuthToken, "auth-token", c.AuthToken, "pre-shared token workers must present; leave empty to disable")
	fs.StringVar(&c.AuthTokenFile, "auth-token-file", c.AuthTokenFile, "file holding the worker token; reloaded when it changes")
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "bearer key required for /api requests; leave empty to disable auth")
	fs.StringVar(&c.WSPath, "ws-path", c.WSPath, "path workers use to establish WebSocket connections")
	fs.DurationVar(&c.HeartbeatTimeout, "heartbeat-timeout", c.HeartbeatTimeout, "evict workers silent for longer than this")
	fs.DurationVar(&c.HealthCheckInterval, "health-check-interval", c.HealthCheckInterval, "interval between heartbeat sweeps")
	fs.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", c.HeartbeatInterval, "heartbeat interval advertised to workers")
	fs.DurationVar(&c.RegistrationTimeout, "registration-timeout", c.RegistrationTimeout, "time a new connection has to register")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "maximum duration of a relayed request")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight requests on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for server state")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// Validate reports settings the server cannot start with.
func (c *ServerConfig) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		errs = append(errs, fmt.Errorf("ws_path %q must start with /", c.WSPath))
	}
	if c.HeartbeatTimeout <= 0 || c.HealthCheckInterval <= 0 || c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat settings must be positive"))
	}
	if c.HeartbeatInterval >= c.HeartbeatTimeout {
		errs = append(errs, fmt.Errorf("heartbeat_interval %v must be shorter than heartbeat_timeout %v", c.HeartbeatInterval, c.HeartbeatTimeout))
	}
	if c.AuthToken != "" && c.AuthTokenFile != "" {
		errs = append(errs, errors.New("auth_token and auth_token_file are mutually exclusive"))
	}
	return errors.Join(errs...)
}

// PoolOptions maps the config onto worker pool options.
func (c *ServerConfig) PoolOptions() worker.Options {
	return worker.Options{
		AuthToken:           c.AuthToken,
		HeartbeatTimeout:    c.HeartbeatTimeout,
		HealthCheckInterval: c.HealthCheckInterval,
		HeartbeatInterval:   c.HeartbeatInterval,
		RegistrationTimeout: c.RegistrationTimeout,
	}
}

func listenAddr(v string) string {
	if v == "" || strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

func durationEnv(key string, dst *time.Duration) {
	v := GetEnv(key, "")
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	// bare numbers are milliseconds
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
	}
}
