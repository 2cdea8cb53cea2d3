// Package daemon runs the reconciliation loop: scan the object store,
// analyze coverage, detect gaps, generate the task queue, go idle. One cycle
// per tick or on demand; a failed step degrades the cycle and the loop
// retries at the next tick instead of crashing the process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/coverd/internal/clock"
	"github.com/example/coverd/internal/config"
	"github.com/example/coverd/internal/coverage"
	"github.com/example/coverd/internal/gaps"
	"github.com/example/coverd/internal/inventory"
	"github.com/example/coverd/internal/model"
	"github.com/example/coverd/internal/observability"
	"github.com/example/coverd/internal/storage"
	"github.com/example/coverd/internal/taskqueue"
)

// Phase is the daemon's position in the cycle state machine.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseScanning   Phase = "SCANNING"
	PhaseAnalyzing  Phase = "ANALYZING"
	PhaseDetecting  Phase = "DETECTING"
	PhaseGenerating Phase = "GENERATING"
)

type Daemon struct {
	cfg     config.Config
	store   storage.ObjectStore
	logger  zerolog.Logger
	metrics *observability.Registry
	clock   clock.Clock
	gen     *taskqueue.Generator
	trigger chan struct{}

	mu      sync.Mutex
	phase   Phase
	lastErr string
	history []model.CycleMetrics
}

func New(cfg config.Config, store storage.ObjectStore, logger zerolog.Logger, metrics *observability.Registry, clk clock.Clock) *Daemon {
	if clk == nil {
		clk = clock.Real()
	}
	return &Daemon{
		cfg:     cfg,
		store:   store,
		logger:  logger.With().Str("component", "daemon").Logger(),
		metrics: metrics,
		clock:   clk,
		gen:     taskqueue.NewGenerator(),
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests an on-demand cycle. Non-blocking; a cycle already pending
// absorbs the request.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Phase returns the current state-machine position.
func (d *Daemon) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.phase == "" {
		return PhaseIdle
	}
	return d.phase
}

// LastError is the most recent cycle-level failure, empty when the last
// cycle succeeded. The controller folds this into component health.
func (d *Daemon) LastError() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// History returns recent cycle metrics, newest last.
func (d *Daemon) History() []model.CycleMetrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.CycleMetrics, len(d.history))
	copy(out, d.history)
	return out
}

// LastCycle returns the most recent cycle record, false before the first
// cycle completes.
func (d *Daemon) LastCycle() (model.CycleMetrics, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.history) == 0 {
		return model.CycleMetrics{}, false
	}
	return d.history[len(d.history)-1], true
}

// Run executes one cycle immediately, then loops on the configured interval
// until ctx is cancelled. On-demand triggers run between ticks.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info().Dur("interval", d.cfg.CycleInterval).Msg("reconciliation daemon started")
	d.runCycle(ctx)

	ticker := time.NewTicker(d.cfg.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("reconciliation daemon stopping")
			return ctx.Err()
		case <-ticker.C:
			d.runCycle(ctx)
		case <-d.trigger:
			d.runCycle(ctx)
		}
	}
}

func (d *Daemon) setPhase(p Phase) {
	d.mu.Lock()
	d.phase = p
	d.mu.Unlock()
}

// runCycle drives one pass of the state machine. Any step failure logs,
// records the error for the health surface, and returns to IDLE.
func (d *Daemon) runCycle(ctx context.Context) {
	cycleID := uuid.NewString()
	started := d.clock.Now()
	log := d.logger.With().Str("cycle_id", cycleID).Logger()

	ctx, span := observability.StartSpan(ctx, "reconcile.cycle", attribute.String("cycle_id", cycleID))
	defer span.End()

	metrics, err := d.cycle(ctx, cycleID, log)
	metrics.CycleID = cycleID
	metrics.StartedAt = started
	metrics.Duration = d.clock.Now().Sub(started)
	d.setPhase(PhaseIdle)

	d.mu.Lock()
	if err != nil {
		d.lastErr = err.Error()
		metrics.Err = err.Error()
	} else {
		d.lastErr = ""
	}
	d.history = append(d.history, metrics)
	if max := d.cfg.CycleHistory; max > 0 && len(d.history) > max {
		d.history = d.history[len(d.history)-max:]
	}
	d.mu.Unlock()

	d.publish(metrics)
	if err != nil {
		log.Error().Err(err).Dur("duration", metrics.Duration).Msg("reconciliation cycle failed")
		return
	}
	log.Info().
		Dur("duration", metrics.Duration).
		Int("inventory_size", metrics.InventorySize).
		Int("total_gaps", metrics.TotalGaps).
		Int("queue_size", metrics.QueueSize).
		Bool("partial", metrics.Partial).
		Msg("reconciliation cycle complete")
}

func (d *Daemon) cycle(ctx context.Context, cycleID string, log zerolog.Logger) (model.CycleMetrics, error) {
	var metrics model.CycleMetrics

	// Spec reload every cycle so operators can edit coverage.yaml without a
	// restart.
	spec, err := coverage.LoadSpec(d.cfg.CoverageSpecPath)
	if err != nil {
		return metrics, fmt.Errorf("load coverage spec: %w", err)
	}

	d.setPhase(PhaseScanning)
	now := d.clock.Now()
	snap, err := d.snapshot(ctx, spec, now, log)
	if err != nil {
		return metrics, fmt.Errorf("inventory scan: %w", err)
	}
	metrics.InventorySize = len(snap.Entries)
	metrics.Partial = snap.Partial

	d.setPhase(PhaseAnalyzing)
	reports := coverage.Analyze(spec, snap, now)

	d.setPhase(PhaseDetecting)
	gapList := gaps.Detect(spec, reports, now, gaps.Options{
		CriticalWindowDays: d.cfg.CriticalWindowDays,
		RecentHistoryDays:  d.cfg.RecentHistoryDays,
	})
	metrics.TotalGaps = len(gapList)
	for _, g := range gapList {
		metrics.GapsByTier.Add(g.Priority)
	}

	d.setPhase(PhaseGenerating)
	queue := d.gen.Generate(spec, gapList, cycleID, now)
	if err := taskqueue.Save(d.cfg.QueuePath(), queue); err != nil {
		return metrics, fmt.Errorf("write task queue: %w", err)
	}
	metrics.QueueSize = queue.TotalTasks
	return metrics, nil
}

// snapshot resolves the inventory in precedence order: fresh local cache,
// bulk manifest, live scan. Manifest and cache misses fall through silently.
func (d *Daemon) snapshot(ctx context.Context, spec *coverage.Spec, now time.Time, log zerolog.Logger) (model.InventorySnapshot, error) {
	if d.cfg.UseCache {
		if snap, ok := inventory.LoadCache(d.cfg.CachePath(), d.cfg.CacheTTL, now); ok {
			log.Debug().Int("entries", len(snap.Entries)).Msg("using cached inventory snapshot")
			return snap, nil
		}
	}
	if d.cfg.ManifestKey != "" {
		snap, err := inventory.FromManifest(ctx, d.store, d.cfg.ManifestKey, d.cfg.ManifestMaxAge, now)
		if err == nil {
			log.Debug().Int("entries", len(snap.Entries)).Msg("using bulk inventory manifest")
			d.cacheSnapshot(snap, log)
			return snap, nil
		}
		if !errors.Is(err, inventory.ErrManifestUnavailable) {
			log.Warn().Err(err).Msg("manifest read failed, falling back to live scan")
		}
	}

	scanner := inventory.NewScanner(d.store, d.logger)
	scanner.SampleRate = d.cfg.SampleRate
	scanner.Workers = d.cfg.ScanWorkers
	scanner.ListTimeout = d.cfg.ListTimeout
	snap, err := scanner.Scan(ctx, spec, now)
	if err != nil {
		return snap, err
	}
	d.cacheSnapshot(snap, log)
	return snap, nil
}

func (d *Daemon) cacheSnapshot(snap model.InventorySnapshot, log zerolog.Logger) {
	if !d.cfg.UseCache {
		return
	}
	// A partial snapshot must not be served for the whole TTL: the next
	// cycle should retry the failed prefixes.
	if snap.Partial {
		return
	}
	if err := inventory.SaveCache(d.cfg.CachePath(), snap); err != nil {
		// Cache trouble never fails a cycle.
		log.Warn().Err(err).Msg("inventory cache write failed")
	}
}

func (d *Daemon) publish(m model.CycleMetrics) {
	if d.metrics == nil {
		return
	}
	d.metrics.IncCounter("coverd_cycles_total", nil, 1)
	if m.Err != "" {
		d.metrics.IncCounter("coverd_cycle_failures_total", nil, 1)
	}
	d.metrics.SetGauge("coverd_cycle_duration_seconds", nil, m.Duration.Seconds())
	d.metrics.SetGauge("coverd_inventory_entries", nil, float64(m.InventorySize))
	d.metrics.SetGauge("coverd_gaps_total", nil, float64(m.TotalGaps))
	d.metrics.SetGauge("coverd_gaps", map[string]string{"priority": "critical"}, float64(m.GapsByTier.Critical))
	d.metrics.SetGauge("coverd_gaps", map[string]string{"priority": "high"}, float64(m.GapsByTier.High))
	d.metrics.SetGauge("coverd_gaps", map[string]string{"priority": "medium"}, float64(m.GapsByTier.Medium))
	d.metrics.SetGauge("coverd_gaps", map[string]string{"priority": "low"}, float64(m.GapsByTier.Low))
	d.metrics.SetGauge("coverd_queue_size", nil, float64(m.QueueSize))
}
