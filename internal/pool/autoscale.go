package pool

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/kef2001/claude-code-ochestrator-sub002/internal/workerregistry"
)

// Run drives the autoscaling loop and health checks every HealthCheckInterval until
// ctx is cancelled. It is meant to run as its own supervised goroutine, one per pool
//.
func (p *Pool) Run(ctx context.Context) {
	interval := p.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one health-check/autoscale/idle-reap pass. The orchestrator's
// maintenance scheduler calls this on its cron cadence; Run wraps it in a ticker
// for standalone use.
func (p *Pool) Tick(ctx context.Context) {
	p.healthCheck()
	p.autoscale(ctx)
	p.reapIdle()
}

// healthCheck marks workers offline whose heartbeat is stale.
func (p *Pool) healthCheck() {
	staleAfter := 2 * p.cfg.HealthCheckInterval
	now := time.Now()
	for _, prof := range p.registry.All() {
		if prof.State == workerregistry.StateFailed || prof.State == workerregistry.StateOffline {
			continue
		}
		if !prof.LastHeartbeat.IsZero() && now.Sub(prof.LastHeartbeat) > staleAfter {
			if err := p.registry.MarkState(prof.WorkerID, workerregistry.StateOffline); err != nil {
				p.logger.Warn("health check: mark offline failed", slog.String("worker", prof.WorkerID), slog.String("error", err.Error()))
			}
		}
	}
}

// scaleUpAmount returns how many workers to add given the configured policy.
func scaleUpAmount(policy ScalingPolicy, gap, queueDepth int) int {
	if gap <= 0 {
		return 0
	}
	switch policy {
	case PolicyConservative:
		return min(1, gap)
	case PolicyAggressive:
		return min(int(math.Ceil(float64(queueDepth)/2)), gap)
	default: // balanced
		return min(2, gap)
	}
}

// autoscale applies the scale-up/scale-down rules.
func (p *Pool) autoscale(ctx context.Context) {
	c := p.counts()
	now := time.Now()

	if c.total == 0 {
		return
	}
	utilization := float64(c.busy) / float64(c.total)

	if utilization > p.cfg.ScaleUpThreshold && c.total < p.cfg.MaxWorkers &&
		now.Sub(p.lastScaleUp) > p.cfg.ScaleUpCooldown {
		gap := p.cfg.MaxWorkers - c.total
		n := scaleUpAmount(p.cfg.Policy, gap, p.QueueLen())
		for i := 0; i < n; i++ {
			if p.spawn == nil {
				break
			}
			if _, err := p.spawn(ctx); err != nil {
				p.logger.Warn("autoscale: spawn failed", slog.String("error", err.Error()))
				break
			}
		}
		if n > 0 {
			p.lastScaleUp = now
		}
		return
	}

	if utilization < p.cfg.ScaleDownThreshold && c.total > p.cfg.MinWorkers &&
		now.Sub(p.lastScaleDown) > p.cfg.ScaleDownCooldown {
		toRemove := c.total - p.cfg.MinWorkers
		removed := 0
		for _, prof := range p.registry.All() {
			if removed >= toRemove {
				break
			}
			if prof.State != workerregistry.StateIdle {
				continue
			}
			if err := p.Remove(ctx, prof.WorkerID, false); err != nil {
				p.logger.Warn("autoscale: scale-down remove failed", slog.String("worker", prof.WorkerID), slog.String("error", err.Error()))
				continue
			}
			removed++
		}
		if removed > 0 {
			p.lastScaleDown = now
		}
	}
}

// reapIdle removes workers that have been idle longer than MaxIdleTime, never
// dropping the pool below MinWorkers.
func (p *Pool) reapIdle() {
	if p.cfg.MaxIdleTime <= 0 {
		return
	}
	c := p.counts()
	now := time.Now()
	for _, prof := range p.registry.All() {
		if c.total <= p.cfg.MinWorkers {
			return
		}
		if prof.State != workerregistry.StateIdle {
			continue
		}
		if prof.LastHeartbeat.IsZero() || now.Sub(prof.LastHeartbeat) <= p.cfg.MaxIdleTime {
			continue
		}
		if err := p.Remove(context.Background(), prof.WorkerID, false); err != nil {
			p.logger.Warn("idle reap failed", slog.String("worker", prof.WorkerID), slog.String("error", err.Error()))
			continue
		}
		c.total--
	}
}
