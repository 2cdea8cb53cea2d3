// Package controller supervises the reconciliation daemon and the scraper
// orchestrator. It owns the monitor loop (watch the queue, trigger the
// orchestrator), the health-check loop, and lifecycle transitions; it never
// does blocking work on its own goroutine.
package controller

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/coverd/internal/clock"
	"github.com/example/coverd/internal/config"
	"github.com/example/coverd/internal/daemon"
	"github.com/example/coverd/internal/model"
	"github.com/example/coverd/internal/observability"
	"github.com/example/coverd/internal/orchestrator"
	"github.com/example/coverd/internal/taskqueue"
)

// RunState is the controller lifecycle position.
type RunState string

const (
	StateStopped  RunState = "STOPPED"
	StateRunning  RunState = "RUNNING"
	StateStopping RunState = "STOPPING"
)

// Status is the external view served by GET /status.
type Status struct {
	State        RunState                `json:"state"`
	StartedAt    *time.Time              `json:"started_at,omitempty"`
	DaemonPhase  daemon.Phase            `json:"daemon_phase"`
	QueueSize    int                     `json:"queue_size"`
	LastCycle    *model.CycleMetrics     `json:"last_cycle,omitempty"`
	LastBatch    *orchestrator.Summary   `json:"last_batch,omitempty"`
	Health       []model.ComponentHealth `json:"health"`
	CycleHistory []model.CycleMetrics    `json:"cycle_history,omitempty"`
}

type Controller struct {
	cfg     config.Config
	daemon  *daemon.Daemon
	orch    *orchestrator.Orchestrator
	logger  zerolog.Logger
	metrics *observability.Registry
	clock   clock.Clock
	checks  []HealthCheck

	mu        sync.Mutex
	state     RunState
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	health healthBoard
}

func New(cfg config.Config, d *daemon.Daemon, o *orchestrator.Orchestrator, logger zerolog.Logger, metrics *observability.Registry, clk clock.Clock) *Controller {
	if clk == nil {
		clk = clock.Real()
	}
	c := &Controller{
		cfg:     cfg,
		daemon:  d,
		orch:    o,
		logger:  logger.With().Str("component", "controller").Logger(),
		metrics: metrics,
		clock:   clk,
		state:   StateStopped,
	}
	// Freshly collected data should show up in the next gap computation.
	o.OnBatchDone = d.Trigger
	return c
}

// RegisterCheck adds a named health probe. Probes run on the health loop
// with a per-probe timeout; registration happens before Start.
func (c *Controller) RegisterCheck(check HealthCheck) {
	c.checks = append(c.checks, check)
}

// Start launches the daemon loop, the monitor loop and the health loop.
// Idempotent: starting a running controller is a no-op.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning {
		c.logger.Info().Msg("already running, start ignored")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = StateRunning
	c.startedAt = c.clock.Now()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_ = c.daemon.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		c.monitorLoop(runCtx)
	}()
	go func() {
		defer wg.Done()
		c.healthLoop(runCtx)
	}()
	done := c.done
	go func() {
		wg.Wait()
		close(done)
	}()
	c.logger.Info().Msg("autonomous loop started")
}

// Stop cancels the loops and waits up to the configured grace period for
// in-flight work to finish. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		c.logger.Info().Msg("not running, stop ignored")
		return
	}
	c.state = StateStopping
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(c.cfg.ShutdownGrace):
		c.logger.Warn().Dur("grace", c.cfg.ShutdownGrace).Msg("shutdown grace period elapsed with work in flight")
	}

	c.mu.Lock()
	c.state = StateStopped
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()
	c.logger.Info().Msg("autonomous loop stopped")
}

// Restart is stop-then-start with the same parent context.
func (c *Controller) Restart(ctx context.Context) {
	c.Stop()
	c.Start(ctx)
}

func (c *Controller) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reconcile requests an on-demand cycle, served by POST /reconcile.
func (c *Controller) Reconcile() {
	c.daemon.Trigger()
}

// Status assembles the external view. Reads only published snapshots; no
// lock is shared with the control loops.
func (c *Controller) Status() Status {
	c.mu.Lock()
	state := c.state
	started := c.startedAt
	c.mu.Unlock()

	s := Status{
		State:       state,
		DaemonPhase: c.daemon.Phase(),
		Health:      c.health.snapshot(),
	}
	if state != StateStopped && !started.IsZero() {
		t := started
		s.StartedAt = &t
	}
	if m, ok := c.daemon.LastCycle(); ok {
		s.LastCycle = &m
	}
	if b, ok := c.orch.LastSummary(); ok {
		s.LastBatch = &b
	}
	s.CycleHistory = c.daemon.History()
	if q, err := taskqueue.Load(c.cfg.QueuePath()); err == nil {
		s.QueueSize = q.Runnable()
	}
	return s
}

// Healthy reports whether every checked component is usable. DEGRADED still
// counts as healthy for the liveness endpoint; UNHEALTHY does not.
func (c *Controller) Healthy() bool {
	for _, h := range c.health.snapshot() {
		if h.Status == model.HealthUnhealthy {
			return false
		}
	}
	return true
}

// monitorLoop polls the queue snapshot and hands runnable work to the
// orchestrator. The orchestrator's own version tracking makes the poll
// harmless when nothing changed.
func (c *Controller) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.dispatchIfReady(ctx)
		}
	}
}

func (c *Controller) dispatchIfReady(ctx context.Context) {
	queue, err := taskqueue.Load(c.cfg.QueuePath())
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn().Err(err).Msg("queue snapshot unreadable")
		}
		return
	}
	if queue.Runnable() < c.cfg.TriggerThreshold {
		return
	}
	summary, ran, err := c.orch.ExecuteQueue(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("orchestrator batch failed")
		return
	}
	if ran {
		c.logger.Info().
			Str("run_id", summary.RunID).
			Int("completed", summary.Completed).
			Int("failed", summary.Failed).
			Msg("orchestrator batch dispatched")
	}
}
