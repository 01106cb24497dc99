// Package main implements the orchestrator CLI - a task orchestrator for a fleet
// of LLM worker processes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kef2001/claude-code-ochestrator-sub002/config"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/orcherr"
)

// Build information (set via ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// exitError carries a CLI exit code alongside the error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	err := run()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	if errors.Is(err, orcherr.ErrInterrupted) || errors.Is(err, context.Canceled) {
		os.Exit(130)
	}
	os.Exit(1)
}

func run() error {
	var (
		configPath string
		repoPath   string
	)

	rootCmd := &cobra.Command{
		Use:     "orchestrator",
		Short:   "Task orchestrator for a fleet of LLM workers",
		Long:    `Orchestrator decomposes submitted plans into a dependency graph of tasks, routes each task to the most suitable worker, reviews the output, and applies the resulting filesystem changes with checkpoint/rollback protection.`,
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&repoPath, "repo", "", "Working directory the orchestrator operates on")

	rootCmd.AddCommand(
		newSubmitCmd(&configPath, &repoPath),
		newRunCmd(&configPath, &repoPath),
		newStatusCmd(&configPath, &repoPath),
		newRollbackCmd(&configPath, &repoPath),
		newValidateCmd(&configPath, &repoPath),
		newWorkersCmd(&configPath, &repoPath),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

// newLogger builds the CLI logger; LOG_LEVEL is the only logging knob.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig loads and validates the effective configuration, applying the
// --config/--repo flags and the WORKER_ENDPOINT environment variable.
func loadConfig(configPath, repoPath string, logger *slog.Logger) (*config.Config, string, error) {
	var cfg *config.Config
	var err error

	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("load config: %w", err)
		}
	} else {
		loader := config.NewLoader(logger)
		cfg, err = loader.Load()
		if err != nil {
			return nil, "", fmt.Errorf("load config: %w", err)
		}
	}

	if endpoint := os.Getenv("WORKER_ENDPOINT"); endpoint != "" {
		cfg.Worker.Endpoint = endpoint
	}
	if repoPath != "" {
		cfg.Repo.Path = repoPath
	}
	if cfg.Repo.Path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, "", fmt.Errorf("determine working directory: %w", err)
		}
		cfg.Repo.Path = wd
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, cfg.Repo.Path, nil
}
