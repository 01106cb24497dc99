// Package config provides configuration loading and management for the orchestrator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete orchestrator configuration.
type Config struct {
	Repo       RepoConfig       `yaml:"repo"`
	Worker     WorkerConfig     `yaml:"worker"`
	Pool       PoolConfig       `yaml:"pool"`
	Allocator  AllocatorConfig  `yaml:"allocator"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Review     ReviewConfig     `yaml:"review"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
}

// RepoConfig configures the working directory the orchestrator operates on.
type RepoConfig struct {
	// Path is the working directory root (auto-detected from git if empty).
	Path string `yaml:"path"`
}

// WorkerConfig configures the default worker endpoint and execution timeout.
type WorkerConfig struct {
	// Endpoint is the worker/LLM endpoint URL (WORKER_ENDPOINT env var wins if set).
	Endpoint string `yaml:"endpoint"`
	// Model is the model identifier workers are provisioned with.
	Model string `yaml:"model"`
	// Timeout bounds a single worker assignment.
	Timeout time.Duration `yaml:"timeout"`
}

// PoolConfig configures worker-pool sizing and autoscaling.
type PoolConfig struct {
	MinWorkers          int           `yaml:"min_workers"`
	MaxWorkers          int           `yaml:"max_workers"`
	ScaleUpThreshold    float64       `yaml:"scale_up_threshold"`
	ScaleDownThreshold  float64       `yaml:"scale_down_threshold"`
	ScaleUpCooldown     time.Duration `yaml:"scale_up_cooldown"`
	ScaleDownCooldown   time.Duration `yaml:"scale_down_cooldown"`
	ScalingPolicy       string        `yaml:"scaling_policy"` // conservative|balanced|aggressive
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	MaxIdleTime         time.Duration `yaml:"max_idle_time"`
	FailureThreshold    int           `yaml:"failure_threshold"`
	QueueStarvationTime time.Duration `yaml:"queue_starvation_timeout"`
}

// AllocatorConfig configures worker-selection strategy weights.
type AllocatorConfig struct {
	Strategy string             `yaml:"strategy"` // capability_based|load_balanced|performance_optimized|complexity_matched|hybrid
	Weights  map[string]float64 `yaml:"weights"`
}

// LifecycleConfig configures retry and stuck-task recovery.
type LifecycleConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	StuckTimeout time.Duration `yaml:"stuck_timeout"`
}

// CheckpointConfig configures retention for the checkpoint store.
type CheckpointConfig struct {
	MaxCheckpoints int      `yaml:"max_checkpoints"`
	IncludePaths   []string `yaml:"include_paths"`
}

// ReviewConfig configures the reviewer pass gate.
type ReviewConfig struct {
	HighThreshold int `yaml:"high_threshold"`
}

// SchedulerConfig configures the orchestrator's background maintenance cadence.
type SchedulerConfig struct {
	// CronSpec drives periodic pool autoscale/health-check ticks and lifecycle
	// stuck-task sweeps (robfig/cron expression, default "@every 5s").
	CronSpec string `yaml:"cron_spec"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Repo: RepoConfig{Path: ""},
		Worker: WorkerConfig{
			Endpoint: "http://localhost:11434/v1",
			Model:    "llama3.1",
			Timeout:  5 * time.Minute,
		},
		Pool: PoolConfig{
			MinWorkers:          2,
			MaxWorkers:          6,
			ScaleUpThreshold:    0.8,
			ScaleDownThreshold:  0.2,
			ScaleUpCooldown:     30 * time.Second,
			ScaleDownCooldown:   60 * time.Second,
			ScalingPolicy:       "balanced",
			HealthCheckInterval: 5 * time.Second,
			MaxIdleTime:         5 * time.Minute,
			FailureThreshold:    3,
			QueueStarvationTime: 2 * time.Minute,
		},
		Allocator: AllocatorConfig{
			Strategy: "hybrid",
			Weights: map[string]float64{
				"capability_based":      0.3,
				"load_balanced":         0.2,
				"performance_optimized": 0.3,
				"complexity_matched":    0.2,
			},
		},
		Lifecycle: LifecycleConfig{
			MaxRetries:   2,
			StuckTimeout: 15 * time.Minute,
		},
		Checkpoint: CheckpointConfig{
			MaxCheckpoints: 20,
			IncludePaths:   []string{"**/*"},
		},
		Review: ReviewConfig{
			HighThreshold: 2,
		},
		Scheduler: SchedulerConfig{
			CronSpec: "@every 5s",
		},
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Pool.MinWorkers < 0 {
		return fmt.Errorf("pool.min_workers must be >= 0")
	}
	if c.Pool.MaxWorkers < c.Pool.MinWorkers {
		return fmt.Errorf("pool.max_workers must be >= pool.min_workers")
	}
	if c.Pool.ScaleUpThreshold <= c.Pool.ScaleDownThreshold {
		return fmt.Errorf("pool.scale_up_threshold must be greater than pool.scale_down_threshold")
	}
	switch c.Pool.ScalingPolicy {
	case "conservative", "balanced", "aggressive":
	default:
		return fmt.Errorf("pool.scaling_policy must be one of conservative, balanced, aggressive")
	}
	switch c.Allocator.Strategy {
	case "capability_based", "load_balanced", "performance_optimized", "complexity_matched", "hybrid":
	default:
		return fmt.Errorf("allocator.strategy %q is not a known strategy", c.Allocator.Strategy)
	}
	if c.Lifecycle.MaxRetries < 0 {
		return fmt.Errorf("lifecycle.max_retries must be >= 0")
	}
	if c.Checkpoint.MaxCheckpoints <= 0 {
		return fmt.Errorf("checkpoint.max_checkpoints must be > 0")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file, layering over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves configuration to a YAML file, creating parent directories.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one; other's non-zero values win for
// Repo.Path, Worker.Endpoint/Model/Timeout, Pool.MinWorkers/MaxWorkers/ScalingPolicy,
// Allocator.Strategy/Weights, Lifecycle.MaxRetries, Checkpoint.MaxCheckpoints/
// IncludePaths and Scheduler.CronSpec. Every other field keeps this config's value.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Repo.Path != "" {
		c.Repo.Path = other.Repo.Path
	}
	if other.Worker.Endpoint != "" {
		c.Worker.Endpoint = other.Worker.Endpoint
	}
	if other.Worker.Model != "" {
		c.Worker.Model = other.Worker.Model
	}
	if other.Worker.Timeout != 0 {
		c.Worker.Timeout = other.Worker.Timeout
	}
	if other.Pool.MinWorkers != 0 {
		c.Pool.MinWorkers = other.Pool.MinWorkers
	}
	if other.Pool.MaxWorkers != 0 {
		c.Pool.MaxWorkers = other.Pool.MaxWorkers
	}
	if other.Pool.ScalingPolicy != "" {
		c.Pool.ScalingPolicy = other.Pool.ScalingPolicy
	}
	if other.Allocator.Strategy != "" {
		c.Allocator.Strategy = other.Allocator.Strategy
	}
	if len(other.Allocator.Weights) > 0 {
		c.Allocator.Weights = other.Allocator.Weights
	}
	if other.Lifecycle.MaxRetries != 0 {
		c.Lifecycle.MaxRetries = other.Lifecycle.MaxRetries
	}
	if other.Checkpoint.MaxCheckpoints != 0 {
		c.Checkpoint.MaxCheckpoints = other.Checkpoint.MaxCheckpoints
	}
	if len(other.Checkpoint.IncludePaths) > 0 {
		c.Checkpoint.IncludePaths = other.Checkpoint.IncludePaths
	}
	if other.Scheduler.CronSpec != "" {
		c.Scheduler.CronSpec = other.Scheduler.CronSpec
	}
}
