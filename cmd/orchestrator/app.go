package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kef2001/claude-code-ochestrator-sub002/config"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/llmworker"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/orchestrator"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/requirements"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/worker"
)

// workerProvider maps worker IDs to their LLM-backed execution clients.
type workerProvider struct {
	mu      sync.Mutex
	workers map[string]worker.Worker
}

func newWorkerProvider() *workerProvider {
	return &workerProvider{workers: map[string]worker.Worker{}}
}

func (p *workerProvider) WorkerFor(id string) (worker.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	return w, ok
}

func (p *workerProvider) add(id string, w worker.Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[id] = w
}

// allCapabilities is the capability set provisioned workers advertise. Routing
// still differentiates workers by complexity tier and live metrics.
func allCapabilities() map[requirements.Capability]bool {
	caps := map[requirements.Capability]bool{}
	for _, c := range requirements.AllCapabilities {
		caps[c] = true
	}
	return caps
}

// buildApp constructs the orchestrator plus the initial worker fleet. The first
// worker gets the critical tier so every plan has at least one eligible worker;
// the rest are provisioned at high.
func buildApp(cfg *config.Config, workDir string, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	provider := newWorkerProvider()

	var orch *orchestrator.Orchestrator
	nextWorker := 0
	var spawnMu sync.Mutex
	spawn := func(ctx context.Context) (string, error) {
		spawnMu.Lock()
		nextWorker++
		n := nextWorker
		spawnMu.Unlock()

		id := fmt.Sprintf("worker-%d", n)
		tier := requirements.ComplexityHigh
		if n == 1 {
			tier = requirements.ComplexityCritical
		}
		wk := llmworker.New(cfg.Worker.Endpoint, "", cfg.Worker.Model, cfg.Worker.Timeout, logger)
		provider.add(id, wk)
		if _, err := orch.Registry().Register(id, cfg.Worker.Model, allCapabilities(), tier, 2); err != nil {
			return "", err
		}
		logger.Info("worker provisioned", slog.String("worker_id", id), slog.String("model", cfg.Worker.Model))
		return id, nil
	}

	var err error
	orch, err = orchestrator.New(cfg, workDir, "orchestrator", orchestrator.Options{
		Provider: provider,
		Spawn:    spawn,
	}, logger)
	if err != nil {
		return nil, err
	}

	for i := 0; i < cfg.Pool.MinWorkers; i++ {
		if _, err := spawn(context.Background()); err != nil {
			return nil, fmt.Errorf("provision initial workers: %w", err)
		}
	}
	return orch, nil
}
