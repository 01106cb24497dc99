package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Worker.Endpoint != "http://localhost:11434/v1" {
		t.Errorf("expected default endpoint http://localhost:11434/v1, got %s", cfg.Worker.Endpoint)
	}
	if cfg.Worker.Timeout != 5*time.Minute {
		t.Errorf("expected default worker timeout 5m, got %v", cfg.Worker.Timeout)
	}
	if cfg.Pool.MinWorkers != 2 || cfg.Pool.MaxWorkers != 6 {
		t.Errorf("expected default pool range [2,6], got [%d,%d]", cfg.Pool.MinWorkers, cfg.Pool.MaxWorkers)
	}
	if cfg.Allocator.Strategy != "hybrid" {
		t.Errorf("expected default allocator strategy hybrid, got %s", cfg.Allocator.Strategy)
	}
	if cfg.Scheduler.CronSpec != "@every 5s" {
		t.Errorf("expected default cron spec '@every 5s', got %s", cfg.Scheduler.CronSpec)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "negative min workers",
			modify:  func(c *Config) { c.Pool.MinWorkers = -1 },
			wantErr: true,
		},
		{
			name:    "max workers below min",
			modify:  func(c *Config) { c.Pool.MaxWorkers = 1; c.Pool.MinWorkers = 2 },
			wantErr: true,
		},
		{
			name:    "scale thresholds inverted",
			modify:  func(c *Config) { c.Pool.ScaleUpThreshold = 0.1; c.Pool.ScaleDownThreshold = 0.5 },
			wantErr: true,
		},
		{
			name:    "unknown scaling policy",
			modify:  func(c *Config) { c.Pool.ScalingPolicy = "turbo" },
			wantErr: true,
		},
		{
			name:    "unknown allocator strategy",
			modify:  func(c *Config) { c.Allocator.Strategy = "random" },
			wantErr: true,
		},
		{
			name:    "negative max retries",
			modify:  func(c *Config) { c.Lifecycle.MaxRetries = -1 },
			wantErr: true,
		},
		{
			name:    "zero max checkpoints",
			modify:  func(c *Config) { c.Checkpoint.MaxCheckpoints = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
repo:
  path: "/test/path"
worker:
  endpoint: "http://test:1234/v1"
  timeout: 10m
pool:
  min_workers: 1
  max_workers: 4
allocator:
  strategy: "performance_optimized"
checkpoint:
  max_checkpoints: 5
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Repo.Path != "/test/path" {
		t.Errorf("expected repo path /test/path, got %s", cfg.Repo.Path)
	}
	if cfg.Worker.Endpoint != "http://test:1234/v1" {
		t.Errorf("expected endpoint http://test:1234/v1, got %s", cfg.Worker.Endpoint)
	}
	if cfg.Worker.Timeout != 10*time.Minute {
		t.Errorf("expected timeout 10m, got %v", cfg.Worker.Timeout)
	}
	if cfg.Pool.MinWorkers != 1 || cfg.Pool.MaxWorkers != 4 {
		t.Errorf("expected pool range [1,4], got [%d,%d]", cfg.Pool.MinWorkers, cfg.Pool.MaxWorkers)
	}
	if cfg.Allocator.Strategy != "performance_optimized" {
		t.Errorf("expected allocator strategy performance_optimized, got %s", cfg.Allocator.Strategy)
	}
	if cfg.Checkpoint.MaxCheckpoints != 5 {
		t.Errorf("expected max_checkpoints 5, got %d", cfg.Checkpoint.MaxCheckpoints)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Repo: RepoConfig{
			Path: "/override/path",
		},
		Pool: PoolConfig{
			MaxWorkers: 10,
		},
	}

	base.Merge(override)

	if base.Repo.Path != "/override/path" {
		t.Errorf("expected repo path /override/path, got %s", base.Repo.Path)
	}
	if base.Pool.MaxWorkers != 10 {
		t.Errorf("expected max workers 10, got %d", base.Pool.MaxWorkers)
	}
	// Endpoint should remain from base since override didn't set it
	if base.Worker.Endpoint != "http://localhost:11434/v1" {
		t.Errorf("expected endpoint to remain default, got %s", base.Worker.Endpoint)
	}
	// MinWorkers should remain from base since override didn't set it
	if base.Pool.MinWorkers != 2 {
		t.Errorf("expected min workers to remain default 2, got %d", base.Pool.MinWorkers)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Repo.Path = "/saved/path"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Repo.Path != "/saved/path" {
		t.Errorf("expected repo path /saved/path, got %s", loaded.Repo.Path)
	}
}
