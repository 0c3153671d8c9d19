package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries the orchestrator-wide settings. Values are resolved in this
// order: built-in defaults, then each option in the order given (a config
// file loaded by WithConfigFile is one of them), then environment variables.
// An environment variable therefore overrides both the file and an explicit
// option.
type Config struct {
	Name    string        `yaml:"name"`
	DataDir string        `yaml:"data_dir"`
	Logging LoggingConfig `yaml:"logging"`
	LLM     LLMConfig     `yaml:"llm"`
	Kernel  KernelConfig  `yaml:"kernel"`
	BDI     BDIConfig     `yaml:"bdi"`
	Plan    PlanConfig    `yaml:"plan"`
	Audit   AuditConfig   `yaml:"audit"`
	Redis   RedisConfig   `yaml:"redis"`

	logger Logger
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
	Output string `yaml:"output"` // stdout or stderr
}

// LLMConfig controls the default LLM dispatch behavior.
type LLMConfig struct {
	Provider          string  `yaml:"provider"`
	Model             string  `yaml:"model"`
	BaseURL           string  `yaml:"base_url"`
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	MaxRetries        int     `yaml:"max_retries"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
}

// KernelConfig bounds kernel-level work.
type KernelConfig struct {
	MaxConcurrentHeavyTasks int `yaml:"max_concurrent_heavy_tasks"`
	DirectiveTimeoutSeconds int `yaml:"directive_timeout_seconds"`
}

// BDIConfig controls the BDI executor.
type BDIConfig struct {
	MaxCycles            int     `yaml:"max_cycles"`
	MaxRepairAttempts    int     `yaml:"max_repair_attempts"`
	WorkspaceRoot        string  `yaml:"workspace_root"`
	RecoveryDelaySeconds float64 `yaml:"recovery_delay_seconds"`
}

// PlanConfig controls plan execution.
type PlanConfig struct {
	ParallelEnabled bool `yaml:"parallel_enabled"`
	MaxConcurrent   int  `yaml:"max_concurrent"`
}

// AuditConfig controls the autonomous audit scheduler.
type AuditConfig struct {
	CheckIntervalSeconds int     `yaml:"check_interval_seconds"`
	MaxCPUPercent        float64 `yaml:"max_cpu_percent"`
	MaxMemoryPercent     float64 `yaml:"max_memory_percent"`
	MaxBacklogSize       int     `yaml:"max_backlog_size"`
}

// RedisConfig is used by the optional Redis-backed belief store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "mindforge",
		DataDir: "data",
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		LLM: LLMConfig{
			Provider:          "openaicompat",
			Model:             "gpt-4o-mini",
			RequestsPerMinute: 60,
			MaxRetries:        3,
			TimeoutSeconds:    120,
		},
		Kernel: KernelConfig{
			MaxConcurrentHeavyTasks: 2,
			DirectiveTimeoutSeconds: 300,
		},
		BDI: BDIConfig{
			MaxCycles:            100,
			MaxRepairAttempts:    2,
			WorkspaceRoot:        ".",
			RecoveryDelaySeconds: 5,
		},
		Plan: PlanConfig{ParallelEnabled: false, MaxConcurrent: 3},
		Audit: AuditConfig{
			CheckIntervalSeconds: 300,
			MaxCPUPercent:        80,
			MaxMemoryPercent:     85,
			MaxBacklogSize:       50,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
	}
}

// Option mutates a Config during construction.
type Option func(*Config) error

// WithName sets the service name used in logs.
func WithName(name string) Option {
	return func(c *Config) error {
		c.Name = name
		return nil
	}
}

// WithDataDir sets the directory for persisted JSON artifacts.
func WithDataDir(dir string) Option {
	return func(c *Config) error {
		c.DataDir = dir
		return nil
	}
}

// WithConfigFile loads settings from a YAML file before env overrides apply.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing config file %s: %w", path, err)
		}
		return nil
	}
}

// WithLogger injects a pre-built logger.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// NewConfig builds a Config: defaults, then options (including file loads),
// then environment variables.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	cfg.applyEnvironment()

	if cfg.logger == nil {
		cfg.logger = NewProductionLogger(cfg.Logging, cfg.Name)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Logger returns the configured logger.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		return &NoOpLogger{}
	}
	return c.logger
}

// DirectiveTimeout returns the per-directive deadline.
func (c *Config) DirectiveTimeout() time.Duration {
	return time.Duration(c.Kernel.DirectiveTimeoutSeconds) * time.Second
}

func (c *Config) applyEnvironment() {
	if v := os.Getenv("MINDFORGE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("MINDFORGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MINDFORGE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("MINDFORGE_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("MINDFORGE_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("MINDFORGE_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("MINDFORGE_LLM_RPM"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.LLM.RequestsPerMinute = f
		}
	}
	if v := os.Getenv("MINDFORGE_MAX_HEAVY_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Kernel.MaxConcurrentHeavyTasks = n
		}
	}
	if v := os.Getenv("MINDFORGE_WORKSPACE_ROOT"); v != "" {
		c.BDI.WorkspaceRoot = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: service name is empty", ErrInvalidInput)
	}
	if c.LLM.RequestsPerMinute <= 0 {
		return fmt.Errorf("%w: llm.requests_per_minute must be positive", ErrInvalidInput)
	}
	if c.Kernel.MaxConcurrentHeavyTasks < 1 {
		return fmt.Errorf("%w: kernel.max_concurrent_heavy_tasks must be at least 1", ErrInvalidInput)
	}
	if c.BDI.MaxCycles < 1 {
		return fmt.Errorf("%w: bdi.max_cycles must be at least 1", ErrInvalidInput)
	}
	if c.Plan.MaxConcurrent < 1 {
		return fmt.Errorf("%w: plan.max_concurrent must be at least 1", ErrInvalidInput)
	}
	return nil
}
