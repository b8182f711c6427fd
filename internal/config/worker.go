package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerConfig holds configuration for the worker agent binary.
type WorkerConfig struct {
	ServerURL             string            `yaml:"server_url"`
	AuthToken             string            `yaml:"auth_token"`
	WorkerID              string            `yaml:"worker_id"`
	WorkerName            string            `yaml:"worker_name"`
	Models                []string          `yaml:"models"`
	MaxConcurrentRequests int               `yaml:"max_concurrent_requests"`
	Metadata              map[string]string `yaml:"metadata"`
	HostMetadata          bool              `yaml:"host_metadata"`
	StatusAddr            string            `yaml:"status_addr"`
	TokenPath             string            `yaml:"token_path"`
	MetricsAddr           string            `yaml:"metrics_addr"`
	DrainTimeout          time.Duration     `yaml:"drain_timeout"`
	Reconnect             bool              `yaml:"reconnect"`
	LogLevel              string            `yaml:"log_level"`
	ConfigFile            string            `yaml:"-"`
}

func (c *WorkerConfig) SetDefaults() {
	if c.ServerURL == "" {
		c.ServerURL = "ws://localhost:8080/api/workers/connect"
	}
	if c.MaxConcurrentRequests == 0 {
		c.MaxConcurrentRequests = 2
	}
	if c.WorkerName == "" {
		if host, err := os.Hostname(); err == nil {
			c.WorkerName = host
		}
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 5 * time.Minute
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("worker.yaml")
	}
	c.Reconnect = true
	c.HostMetadata = true
}

// LoadFile overlays the YAML file at path.
func (c *WorkerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *WorkerConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("SERVER_URL", ""); v != "" {
		c.ServerURL = v
	}
	if v := GetEnv("AUTH_TOKEN", ""); v != "" {
		c.AuthToken = v
	}
	if v := GetEnv("WORKER_ID", ""); v != "" {
		c.WorkerID = v
	}
	if v := GetEnv("WORKER_NAME", ""); v != "" {
		c.WorkerName = v
	}
	if v := GetEnv("MODELS", ""); v != "" {
		c.Models = splitComma(v)
	}
	if v := GetEnv("MAX_CONCURRENT_REQUESTS", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentRequests = n
		}
	}
	if v := GetEnv("STATUS_ADDR", ""); v != "" {
		c.StatusAddr = v
	}
	if v := GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = listenAddr(v)
	}
	if v := GetEnv("RECONNECT", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Reconnect = b
		}
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	durationEnv("DRAIN_TIMEOUT", &c.DrainTimeout)
}

func (c *WorkerConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "worker config file path")
	fs.StringVar(&c.ServerURL, "server-url", c.ServerURL, "coordination server websocket url")
	fs.StringVar(&c.AuthToken, "auth-token", c.AuthToken, "pre-shared worker token")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "worker identifier (defaults to the hostname)")
	fs.StringVar(&c.WorkerName, "worker-name", c.WorkerName, "worker display name")
	fs.Func("models", "comma separated list of model ids served by this worker", func(v string) error {
		c.Models = splitComma(v)
		return nil
	})
	fs.IntVar(&c.MaxConcurrentRequests, "max-concurrent-requests", c.MaxConcurrentRequests, "requests this worker runs at once")
	fs.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "listen address for the local status and drain endpoints")
	fs.StringVar(&c.TokenPath, "token-path", c.TokenPath, "file holding the local control token")
	fs.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for running requests after SIGTERM")
	fs.BoolVar(&c.Reconnect, "reconnect", c.Reconnect, "reconnect to the server when the connection drops")
	fs.BoolVar(&c.HostMetadata, "host-metadata", c.HostMetadata, "advertise host facts in the capabilities metadata")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
}
