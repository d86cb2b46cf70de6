// Package orchestrator runs the engine's periodic jobs: the due-payment
// scan and the chain reconciliation. Each job runs on its own ticker in its
// own goroutine; a slow run never stacks, the next tick simply fires after
// the previous run returns.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"subengine/internal/metrics"
)

// Job is one periodic task
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// ErrNotRunning is returned by Stop when Start was never called
var ErrNotRunning = errors.New("orchestrator not running")

// Orchestrator drives the registered jobs until stopped
type Orchestrator struct {
	jobs []Job

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an orchestrator over the given jobs
func New(jobs ...Job) *Orchestrator {
	return &Orchestrator{jobs: jobs}
}

// Start launches one loop per job. Each job runs once immediately, then on
// every tick of its interval.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	o.running = true

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for _, job := range o.jobs {
		o.wg.Add(1)
		go o.loop(runCtx, job)
	}
	slog.Info("🚀 Orchestrator started", "jobs", len(o.jobs))
}

// Stop cancels all job loops and waits for in-flight runs to finish
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()

	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
	slog.Info("Orchestrator stopped")
	return nil
}

func (o *Orchestrator) loop(ctx context.Context, job Job) {
	defer o.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	o.runOnce(ctx, job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runOnce(ctx, job)
		}
	}
}

func (o *Orchestrator) runOnce(ctx context.Context, job Job) {
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		metrics.ErrorsTotal.WithLabelValues(job.Name).Inc()
		slog.Error("Periodic job failed",
			"job", job.Name,
			"duration", time.Since(start),
			"error", err,
		)
		return
	}
	slog.Debug("Periodic job finished",
		"job", job.Name,
		"duration", time.Since(start),
	)
}
