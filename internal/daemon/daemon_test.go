package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/coverd/internal/clock"
	"github.com/example/coverd/internal/config"
	"github.com/example/coverd/internal/model"
	"github.com/example/coverd/internal/observability"
	"github.com/example/coverd/internal/storage"
	"github.com/example/coverd/internal/taskqueue"
)

const daemonSpecYAML = `
sources:
  nba_stats:
    collector: nba_stats_collector
    partitions:
      - name: "2025-26"
        start_date: "2025-10-01"
        end_date: "2026-06-30"
        data_types:
          box_scores:
            expected_count: 3
            completeness_threshold: 1.0
collectors:
  nba_stats_collector:
    command: collect-nba
`

func daemonConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	specPath := filepath.Join(dir, "coverage.yaml")
	require.NoError(t, os.WriteFile(specPath, []byte(daemonSpecYAML), 0o644))

	cfg := config.FromEnv()
	cfg.RuntimeDir = dir
	cfg.CoverageSpecPath = specPath
	cfg.CycleInterval = time.Hour
	cfg.CycleHistory = 3
	return cfg
}

func TestCycleProducesQueueFromGaps(t *testing.T) {
	cfg := daemonConfig(t)
	store := storage.NewMemoryStore()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	// 1 of 3 expected box scores present: one HIGH gap expected.
	store.Put("nba_stats/2025-26/box_scores/0022500001.json", []byte("{}"), now.Add(-time.Hour))

	clk := clock.NewFake(now)
	d := New(cfg, store, zerolog.Nop(), observability.NewRegistry(), clk)
	d.runCycle(context.Background())

	m, ok := d.LastCycle()
	require.True(t, ok)
	require.Empty(t, m.Err)
	require.Equal(t, 1, m.InventorySize)
	require.Equal(t, 1, m.TotalGaps)
	require.Equal(t, 1, m.GapsByTier.High)
	require.Equal(t, 1, m.QueueSize)
	require.Equal(t, PhaseIdle, d.Phase())

	q, err := taskqueue.Load(cfg.QueuePath())
	require.NoError(t, err)
	require.Equal(t, 1, q.TotalTasks)
	require.Equal(t, model.TaskPending, q.Tasks[0].Status)
	require.Equal(t, m.CycleID, q.CycleID)
}

func TestCycleFailureDegradesAndReturnsToIdle(t *testing.T) {
	cfg := daemonConfig(t)
	cfg.CoverageSpecPath = filepath.Join(cfg.RuntimeDir, "missing.yaml")

	d := New(cfg, storage.NewMemoryStore(), zerolog.Nop(), observability.NewRegistry(), clock.NewFake(time.Now().UTC()))
	d.runCycle(context.Background())

	require.NotEmpty(t, d.LastError())
	require.Equal(t, PhaseIdle, d.Phase())
	m, ok := d.LastCycle()
	require.True(t, ok)
	require.NotEmpty(t, m.Err)

	// A later good cycle clears the error.
	require.NoError(t, os.WriteFile(cfg.CoverageSpecPath, []byte(daemonSpecYAML), 0o644))
	d.runCycle(context.Background())
	require.Empty(t, d.LastError())
}

func TestCyclePartialScanStillWritesQueue(t *testing.T) {
	cfg := daemonConfig(t)
	store := storage.NewMemoryStore()
	store.FailPrefix("nba_stats/2025-26/", os.ErrDeadlineExceeded)

	d := New(cfg, store, zerolog.Nop(), observability.NewRegistry(), clock.NewFake(time.Now().UTC()))
	d.runCycle(context.Background())

	m, ok := d.LastCycle()
	require.True(t, ok)
	require.Empty(t, m.Err)
	require.True(t, m.Partial)

	_, err := taskqueue.Load(cfg.QueuePath())
	require.NoError(t, err)
}

func TestHistoryBounded(t *testing.T) {
	cfg := daemonConfig(t)
	d := New(cfg, storage.NewMemoryStore(), zerolog.Nop(), observability.NewRegistry(), clock.NewFake(time.Now().UTC()))
	for i := 0; i < 5; i++ {
		d.runCycle(context.Background())
	}
	require.Len(t, d.History(), cfg.CycleHistory)
}

func TestTriggerIsNonBlocking(t *testing.T) {
	cfg := daemonConfig(t)
	d := New(cfg, storage.NewMemoryStore(), zerolog.Nop(), observability.NewRegistry(), clock.NewFake(time.Now().UTC()))
	for i := 0; i < 10; i++ {
		d.Trigger()
	}
}

func TestPartialSnapshotIsNotCached(t *testing.T) {
	cfg := daemonConfig(t)
	cfg.UseCache = true
	store := storage.NewMemoryStore()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	store.Put("nba_stats/2025-26/box_scores/a.json", []byte("{}"), now)
	store.FailPrefix("nba_stats/2025-26/", os.ErrDeadlineExceeded)

	d := New(cfg, store, zerolog.Nop(), observability.NewRegistry(), clock.NewFake(now))
	d.runCycle(context.Background())

	m, ok := d.LastCycle()
	require.True(t, ok)
	require.True(t, m.Partial)

	// The failed prefix must be retried next cycle, not shadowed by a
	// cached partial snapshot for the whole TTL.
	_, err := os.Stat(cfg.CachePath())
	require.True(t, os.IsNotExist(err))
}

func TestCycleUsesCacheWithinTTL(t *testing.T) {
	cfg := daemonConfig(t)
	cfg.UseCache = true
	store := storage.NewMemoryStore()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)

	d := New(cfg, store, zerolog.Nop(), observability.NewRegistry(), clk)
	d.runCycle(context.Background())
	first, _ := d.LastCycle()
	require.Equal(t, 0, first.InventorySize)

	// Objects added after the scan are invisible while the cache is fresh.
	store.Put("nba_stats/2025-26/box_scores/0022500001.json", []byte("{}"), now)
	clk.Advance(time.Minute)
	d.runCycle(context.Background())
	second, _ := d.LastCycle()
	require.Equal(t, 0, second.InventorySize)

	clk.Advance(cfg.CacheTTL + time.Minute)
	d.runCycle(context.Background())
	third, _ := d.LastCycle()
	require.Equal(t, 1, third.InventorySize)
}
