// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Access        AccessConfig        `yaml:"access"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	SLA           SLAConfig           `yaml:"sla"`
	Events        EventsConfig        `yaml:"events"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	JWKSURL      string        `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	Algorithms   []string      `yaml:"algorithms"`
	// ClaimPaths maps subject_id, tenant_id, email and roles to claim
	// names. Dots descend into nested objects ("realm_access.roles").
	ClaimPaths map[string]string `yaml:"claim_paths"`
}

// DefinitionsConfig describes where seed definitions are read from at boot.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// AccessConfig describes role resolution and the authorization gate.
type AccessConfig struct {
	// EmptyRoles is "permit" (an empty role list admits everyone) or "deny".
	EmptyRoles    string        `yaml:"empty_roles"`
	AdminRoles    []string      `yaml:"admin_roles"`
	DirectoryFile string        `yaml:"directory_file"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// WorkflowConfig describes instance persistence and locking.
type WorkflowConfig struct {
	Store WorkflowStoreConfig `yaml:"store"`
	Lock  LockConfig          `yaml:"lock"`
}

// WorkflowStoreConfig describes workflow persistence settings.
type WorkflowStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// LockConfig describes per-instance write serialization.
type LockConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	Prefix  string        `yaml:"prefix"`
	TTL     time.Duration `yaml:"ttl"`
}

// SLAConfig describes the background SLA monitor.
type SLAConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
	ScanSize int    `yaml:"scan_size"`
}

// EventsConfig describes where domain events are published.
type EventsConfig struct {
	Driver      string   `yaml:"driver"`
	Brokers     []string `yaml:"brokers"`
	TopicPrefix string   `yaml:"topic_prefix"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Access: AccessConfig{
			EmptyRoles: "permit",
			AdminRoles: []string{"Admin"},
			CacheTTL:   5 * time.Minute,
		},
		Workflow: WorkflowConfig{
			Store: WorkflowStoreConfig{
				Driver:          "memory",
				DSNEnv:          "MAINTFLOW_DATABASE_URL",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
			Lock: LockConfig{
				Driver:  "memory",
				AddrEnv: "MAINTFLOW_REDIS_ADDR",
				Prefix:  "maintflow:",
				TTL:     10 * time.Second,
			},
		},
		SLA: SLAConfig{
			Enabled:  true,
			Schedule: "@every 1m",
			ScanSize: 1000,
		},
		Events: EventsConfig{
			Driver:      "none",
			TopicPrefix: "maintflow.",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if !oneOf(c.Access.EmptyRoles, "permit", "deny") {
		errs = append(errs, "access.empty_roles must be permit or deny")
	}
	if !oneOf(c.Workflow.Store.Driver, "memory", "postgres") {
		errs = append(errs, "workflow.store.driver must be memory or postgres")
	}
	if !oneOf(c.Workflow.Lock.Driver, "memory", "redis") {
		errs = append(errs, "workflow.lock.driver must be memory or redis")
	}
	if c.Workflow.Lock.TTL <= 0 {
		errs = append(errs, "workflow.lock.ttl must be positive")
	}
	if c.SLA.Enabled && c.SLA.Schedule == "" {
		errs = append(errs, "sla.schedule is required when sla.enabled")
	}
	if !oneOf(c.Events.Driver, "none", "gochannel", "kafka") {
		errs = append(errs, "events.driver must be none, gochannel or kafka")
	}
	if c.Events.Driver == "kafka" && len(c.Events.Brokers) == 0 {
		errs = append(errs, "events.brokers is required for the kafka driver")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// applyEnvOverrides reads MAINTFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MAINTFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MAINTFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("MAINTFLOW_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("MAINTFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("MAINTFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("MAINTFLOW_ACCESS_EMPTY_ROLES"); v != "" {
		cfg.Access.EmptyRoles = v
	}
	if v := os.Getenv("MAINTFLOW_WORKFLOW_STORE_DRIVER"); v != "" {
		cfg.Workflow.Store.Driver = v
	}
	if v := os.Getenv("MAINTFLOW_WORKFLOW_LOCK_DRIVER"); v != "" {
		cfg.Workflow.Lock.Driver = v
	}
	if v := os.Getenv("MAINTFLOW_EVENTS_DRIVER"); v != "" {
		cfg.Events.Driver = v
	}
	if v := os.Getenv("MAINTFLOW_EVENTS_BROKERS"); v != "" {
		cfg.Events.Brokers = strings.Split(v, ",")
	}
}
