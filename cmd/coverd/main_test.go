package main

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const mainSpecYAML = `
sources:
  nba_stats:
    collector: nba_stats_collector
    partitions:
      - name: "2025-26"
        start_date: "2025-10-01"
        end_date: "2026-06-30"
        data_types:
          box_scores:
            expected_count: 1230
collectors:
  nba_stats_collector:
    command: collect-nba
`

// fakeBucket answers the object-store startup probe: a bucket location
// lookup and a HEAD on the bucket itself.
func fakeBucket(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.RawQuery, "location") {
			w.Header().Set("Content-Type", "application/xml")
			fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/">us-east-1</LocationConstraint>`)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// An unbindable health port must refuse startup with a non-nil error before
// the autonomous loop runs, not degrade into a daemon nobody can probe.
func TestRunRefusesUnbindableHealthPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	bucket := fakeBucket(t)
	dir := t.TempDir()
	specPath := filepath.Join(dir, "coverage.yaml")
	require.NoError(t, os.WriteFile(specPath, []byte(mainSpecYAML), 0o644))

	t.Setenv("COVERD_RUNTIME_DIR", dir)
	t.Setenv("COVERD_COVERAGE_SPEC", specPath)
	t.Setenv("COVERD_HEALTH_ADDR", ln.Addr().String())
	t.Setenv("COVERD_MINIO_ENDPOINT", strings.TrimPrefix(bucket.URL, "http://"))
	t.Setenv("COVERD_MINIO_ACCESS_KEY", "test")
	t.Setenv("COVERD_MINIO_SECRET_KEY", "test")
	t.Setenv("COVERD_OTEL_EXPORTER", "none")

	err = run()
	require.Error(t, err)
	require.Contains(t, err.Error(), "health port")

	// The loop never started: no cycle ran, so no queue snapshot exists.
	_, statErr := os.Stat(filepath.Join(dir, "queue", "tasks.json"))
	require.True(t, os.IsNotExist(statErr))
}

func TestWritePIDFileRefusesLiveDaemon(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coverd.pid")

	// Our own PID is certainly alive.
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644))
	err := writePIDFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already running")

	// A stale PID is reclaimed.
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o644))
	require.NoError(t, writePIDFile(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("%d\n", os.Getpid()), string(b))
}
