package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/coverd/internal/clock"
	"github.com/example/coverd/internal/config"
	"github.com/example/coverd/internal/controller"
	"github.com/example/coverd/internal/daemon"
	"github.com/example/coverd/internal/model"
	"github.com/example/coverd/internal/observability"
	"github.com/example/coverd/internal/orchestrator"
	"github.com/example/coverd/internal/results"
	"github.com/example/coverd/internal/storage"
	"github.com/example/coverd/internal/taskqueue"
)

const apiSpecYAML = `
sources:
  nba_stats:
    collector: nba_stats_collector
    partitions:
      - name: "2025-26"
        start_date: "2025-10-01"
        end_date: "2026-06-30"
        data_types:
          box_scores:
            expected_count: 2
collectors:
  nba_stats_collector:
    command: collect-nba
`

type fixture struct {
	server  *httptest.Server
	ctrl    *controller.Controller
	cfg     config.Config
	journal *results.Store
	metrics *observability.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	specPath := filepath.Join(dir, "coverage.yaml")
	require.NoError(t, os.WriteFile(specPath, []byte(apiSpecYAML), 0o644))

	cfg := config.FromEnv()
	cfg.RuntimeDir = dir
	cfg.CoverageSpecPath = specPath
	cfg.PollInterval = 20 * time.Millisecond
	cfg.HealthCheckInterval = 20 * time.Millisecond
	cfg.CycleInterval = time.Hour

	clk := clock.NewFake(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))
	reg := observability.NewRegistry()
	store := storage.NewMemoryStore()
	journal, err := results.Open(context.Background(), cfg.ResultsDBPath())
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	d := daemon.New(cfg, store, zerolog.Nop(), reg, clk)
	o := orchestrator.New(cfg, orchestrator.NewFakeRunner(), journal, zerolog.Nop(), reg, clk)
	ctrl := controller.New(cfg, d, o, zerolog.Nop(), reg, clk)

	srv := httptest.NewServer(NewServer(cfg, ctrl, journal, reg, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return &fixture{server: srv, ctrl: ctrl, cfg: cfg, journal: journal, metrics: reg}
}

func get(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestHealthEndpointHealthy(t *testing.T) {
	f := newFixture(t)
	resp, body := get(t, f.server.URL+"/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(model.HealthHealthy), body["status"])
}

func TestHealthEndpointUnhealthy(t *testing.T) {
	f := newFixture(t)
	f.ctrl.RegisterCheck(controller.HealthCheck{Name: "object_store", Probe: func(ctx context.Context) error {
		return errors.New("connection refused")
	}})
	f.ctrl.Start(context.Background())
	t.Cleanup(f.ctrl.Stop)

	require.Eventually(t, func() bool {
		resp, err := http.Get(f.server.URL + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusServiceUnavailable
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, body := get(t, f.server.URL+"/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(controller.StateStopped), body["state"])
}

func TestTasksEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/tasks")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	queue := model.TaskQueue{
		Version:     1,
		GeneratedAt: time.Now().UTC(),
		CycleID:     "cycle-1",
		TotalTasks:  1,
		Tasks: []model.Task{{
			ID: 1, Priority: model.PriorityCritical, Source: "nba_stats",
			Partition: "2025-26", DataType: "box_scores",
			Collector: "nba_stats_collector", Status: model.TaskPending,
			CreatedAt: time.Now().UTC(),
		}},
	}
	require.NoError(t, taskqueue.Save(f.cfg.QueuePath(), queue))

	resp2, body := get(t, f.server.URL+"/tasks")
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.Equal(t, "cycle-1", body["cycle_id"])
	require.Equal(t, float64(1), body["total_tasks"])
}

func TestTasksPlanView(t *testing.T) {
	f := newFixture(t)
	queue := model.TaskQueue{
		Version:     1,
		GeneratedAt: time.Now().UTC(),
		CycleID:     "cycle-1",
		TotalTasks:  2,
		Skipped:     1,
		Tasks: []model.Task{
			{
				ID: 1, Priority: model.PriorityCritical, Source: "nba_stats",
				Partition: "2025-26", DataType: "box_scores",
				Collector: "nba_stats_collector", Status: model.TaskPending,
			},
			{
				ID: 2, Priority: model.PriorityHigh, Source: "orphan_feed",
				Partition: "2025-26", DataType: "schedule",
				Status: model.TaskSkipped, Reason: "no collector registered for source orphan_feed",
			},
		},
	}
	require.NoError(t, taskqueue.Save(f.cfg.QueuePath(), queue))

	// The plan view carries only what the orchestrator would execute.
	resp, body := get(t, f.server.URL+"/tasks?plan=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), body["total"])
	require.Equal(t, float64(1), body["skipped"])
	tasks := body["tasks"].([]any)
	require.Len(t, tasks, 1)
	require.Equal(t, float64(1), tasks[0].(map[string]any)["id"])

	// plan=0 serves the full snapshot.
	resp2, body2 := get(t, f.server.URL+"/tasks?plan=0")
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.Equal(t, float64(2), body2["total_tasks"])
}

func TestRunsEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := time.Now().UTC()
	require.NoError(t, f.journal.BeginRun(ctx, "run-1", started, 1, false))
	require.NoError(t, f.journal.RecordTask(ctx, "run-1", model.Task{
		ID: 1, Priority: model.PriorityHigh, Source: "nba_stats",
		Partition: "2025-26", DataType: "box_scores", Status: model.TaskCompleted,
	}))
	require.NoError(t, f.journal.FinishRun(ctx, "run-1", started.Add(time.Minute), 1, 0, 0))

	resp, body := get(t, f.server.URL+"/runs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runs := body["runs"].([]any)
	require.Len(t, runs, 1)

	resp2, body2 := get(t, f.server.URL+"/runs?run_id=run-1")
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.Equal(t, "run-1", body2["run_id"])
	require.Len(t, body2["tasks"].([]any), 1)

	resp3, err := http.Get(f.server.URL + "/runs?limit=zero")
	require.NoError(t, err)
	resp3.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestMetricsEndpoints(t *testing.T) {
	f := newFixture(t)
	f.metrics.IncCounter("coverd_cycles_total", nil, 3)
	f.metrics.SetGauge("coverd_queue_size", nil, 7)

	resp, body := get(t, f.server.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["counters"])

	resp2, err := http.Get(f.server.URL + "/metrics/prometheus")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.Contains(t, resp2.Header.Get("Content-Type"), "text/plain")
}

func TestReconcileEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.server.URL+"/reconcile", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp2, err := http.Get(f.server.URL + "/reconcile")
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
}
