// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Roles         RolesConfig         `yaml:"roles"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes the operations HTTP server (health, readiness,
// metrics).
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefinitionsConfig describes where to find workflow template YAML files.
type DefinitionsConfig struct {
	Directories  []string      `yaml:"directories"`
	SyncInterval time.Duration `yaml:"sync_interval"`
	SyncActor    string        `yaml:"sync_actor"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	// MaxDelegationDepth caps delegations per step. Zero means unlimited.
	MaxDelegationDepth int                 `yaml:"max_delegation_depth"`
	LockRetries        int                 `yaml:"lock_retries"`
	RoleHierarchy      []string            `yaml:"role_hierarchy"`
	AdminRoles         []string            `yaml:"admin_roles"`
	Store              WorkflowStoreConfig `yaml:"store"`
}

// WorkflowStoreConfig describes workflow persistence settings.
type WorkflowStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RolesConfig describes where actor roles come from.
type RolesConfig struct {
	DirectoryFile string      `yaml:"directory_file"`
	Cache         CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	Driver    string        `yaml:"driver"`
	AddrEnv   string        `yaml:"addr_env"`
	DB        int           `yaml:"db"`
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// NotificationsConfig describes how NotifyActor intents are delivered.
type NotificationsConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	Channel string        `yaml:"channel"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig describes the circuit breaker in front of the notifier.
// A zero FailureThreshold disables it.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`
	// LogOutput is a zap output path such as "stdout", "stderr" or a file.
	LogOutput string        `yaml:"log_output"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
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

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverLog      = "log"
)

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Definitions: DefinitionsConfig{
			Directories:  []string{"definitions"},
			SyncInterval: 5 * time.Minute,
			SyncActor:    "system",
		},
		Workflow: WorkflowConfig{
			MaxDelegationDepth: 3,
			LockRetries:        3,
			AdminRoles:         []string{"super_admin", "admin"},
			Store: WorkflowStoreConfig{
				Driver:          DriverSQLite,
				DSNEnv:          "ASSENT_DATABASE_URL",
				Path:            "assent.db",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Roles: RolesConfig{
			DirectoryFile: "roles.yaml",
			Cache: CacheConfig{
				Driver:    DriverMemory,
				AddrEnv:   "ASSENT_REDIS_ADDR",
				TTL:       5 * time.Minute,
				KeyPrefix: "assent:role:",
			},
		},
		Notifications: NotificationsConfig{
			Driver:  DriverLog,
			AddrEnv: "ASSENT_REDIS_ADDR",
			Channel: "assent:notifications",
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				OpenTimeout:      30 * time.Second,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogOutput: "stdout",
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
// and validates the result.
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

// LoadOrDefaults behaves like Load but falls back to Defaults (plus
// environment overrides) when path is empty.
func LoadOrDefaults(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	cfg := Defaults()
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
	if c.Workflow.MaxDelegationDepth < 0 {
		errs = append(errs, "workflow.max_delegation_depth must not be negative")
	}
	if c.Workflow.LockRetries < 1 {
		errs = append(errs, "workflow.lock_retries must be at least 1")
	}

	switch c.Workflow.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Workflow.Store.DSNEnv == "" {
			errs = append(errs, "workflow.store.dsn_env is required for the postgres driver")
		}
	case DriverSQLite:
		if c.Workflow.Store.Path == "" {
			errs = append(errs, "workflow.store.path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("workflow.store.driver %q must be one of memory, postgres, sqlite", c.Workflow.Store.Driver))
	}

	if !slices.Contains([]string{DriverMemory, DriverRedis}, c.Roles.Cache.Driver) {
		errs = append(errs, fmt.Sprintf("roles.cache.driver %q must be one of memory, redis", c.Roles.Cache.Driver))
	}
	if c.Notifications.Breaker.FailureThreshold < 0 {
		errs = append(errs, "notifications.breaker.failure_threshold must not be negative")
	}
	if c.Roles.Cache.TTL < 0 {
		errs = append(errs, "roles.cache.ttl must not be negative")
	}
	if !slices.Contains([]string{DriverLog, DriverRedis}, c.Notifications.Driver) {
		errs = append(errs, fmt.Sprintf("notifications.driver %q must be one of log, redis", c.Notifications.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads ASSENT_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ASSENT_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ASSENT_DEFINITIONS_DIRECTORIES"); v != "" {
		cfg.Definitions.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("ASSENT_WORKFLOW_STORE_DRIVER"); v != "" {
		cfg.Workflow.Store.Driver = v
	}
	if v := os.Getenv("ASSENT_WORKFLOW_STORE_PATH"); v != "" {
		cfg.Workflow.Store.Path = v
	}
	if v := os.Getenv("ASSENT_WORKFLOW_MAX_DELEGATION_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workflow.MaxDelegationDepth = n
		}
	}
	if v := os.Getenv("ASSENT_ROLES_DIRECTORY_FILE"); v != "" {
		cfg.Roles.DirectoryFile = v
	}
	if v := os.Getenv("ASSENT_NOTIFICATIONS_DRIVER"); v != "" {
		cfg.Notifications.Driver = v
	}
	if v := os.Getenv("ASSENT_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
