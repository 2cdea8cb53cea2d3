package controller

import (
	"context"
	"sync"
	"time"

	"github.com/example/coverd/internal/model"
)

// HealthCheck is one named component probe. Probe returns nil when the
// component is reachable and usable.
type HealthCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// healthBoard publishes the latest check results wholesale. Writers build a
// fresh slice and swap it in; readers copy under a short lock and never
// contend with the probes themselves.
type healthBoard struct {
	mu      sync.Mutex
	current []model.ComponentHealth
}

func (b *healthBoard) swap(next []model.ComponentHealth) {
	b.mu.Lock()
	b.current = next
	b.mu.Unlock()
}

func (b *healthBoard) snapshot() []model.ComponentHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.ComponentHealth, len(b.current))
	copy(out, b.current)
	return out
}

// healthLoop re-probes every component on its own timer, independent of the
// control loops.
func (c *Controller) healthLoop(ctx context.Context) {
	c.runChecks(ctx)
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runChecks(ctx)
		}
	}
}

func (c *Controller) runChecks(ctx context.Context) {
	now := c.clock.Now()
	next := make([]model.ComponentHealth, 0, len(c.checks)+1)

	for _, check := range c.checks {
		h := model.ComponentHealth{Component: check.Name, Status: model.HealthHealthy, LastCheckAt: now}
		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.HealthCheckTimeout)
		err := check.Probe(probeCtx)
		timedOut := probeCtx.Err() == context.DeadlineExceeded
		cancel()
		switch {
		case timedOut:
			// Timed-out probes are UNKNOWN, not UNHEALTHY: the component may
			// be fine behind a slow network.
			h.Status = model.HealthUnknown
			h.Detail = "health probe timed out"
		case err != nil:
			h.Status = model.HealthUnhealthy
			h.Detail = err.Error()
		}
		next = append(next, h)
	}

	// The daemon reports through its last cycle outcome rather than a probe.
	dh := model.ComponentHealth{Component: "reconciliation_daemon", Status: model.HealthHealthy, LastCheckAt: now}
	if errText := c.daemon.LastError(); errText != "" {
		dh.Status = model.HealthDegraded
		dh.Detail = errText
	} else if m, ok := c.daemon.LastCycle(); ok && m.Partial {
		dh.Status = model.HealthDegraded
		dh.Detail = "last inventory scan was partial"
	}
	next = append(next, dh)

	c.health.swap(next)
	if c.metrics != nil {
		for _, h := range next {
			v := 0.0
			if h.Status == model.HealthHealthy {
				v = 1.0
			}
			c.metrics.SetGauge("coverd_component_healthy", map[string]string{"component": h.Component}, v)
		}
	}
}
