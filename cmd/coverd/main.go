// coverd is the reconciliation and orchestration daemon: it scans the object
// store for collected data, compares it against the expected-coverage spec,
// queues collection tasks for the gaps, and runs the collectors that fill
// them, looping until stopped.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/example/coverd/internal/api"
	"github.com/example/coverd/internal/clock"
	"github.com/example/coverd/internal/config"
	"github.com/example/coverd/internal/controller"
	"github.com/example/coverd/internal/coverage"
	"github.com/example/coverd/internal/daemon"
	"github.com/example/coverd/internal/observability"
	"github.com/example/coverd/internal/orchestrator"
	"github.com/example/coverd/internal/results"
	"github.com/example/coverd/internal/storage"
	"github.com/example/coverd/internal/taskqueue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "coverd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
		return fmt.Errorf("runtime dir: %w", err)
	}

	logger, err := observability.InitLogger("coverd", cfg.LogLevel, cfg.LogPath())
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	shutdownTrace, err := observability.InitTracingFromEnv("coverd")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	// Startup checks are the fatal tier: a daemon that cannot read its spec
	// or reach its bucket has nothing useful to do.
	if _, err := coverage.LoadSpec(cfg.CoverageSpecPath); err != nil {
		return err
	}
	store, err := storage.NewMinIO(storage.MinIOOptions{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		Bucket:    cfg.MinIOBucket,
		UseSSL:    cfg.MinIOUseSSL,
	})
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.ListTimeout)
	err = store.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("object store unreachable: %w", err)
	}

	journal, err := results.Open(context.Background(), cfg.ResultsDBPath())
	if err != nil {
		return fmt.Errorf("results journal: %w", err)
	}
	defer journal.Close()

	if err := writePIDFile(cfg.PIDPath()); err != nil {
		return err
	}
	defer os.Remove(cfg.PIDPath())

	metrics := observability.Default
	d := daemon.New(cfg, store, logger, metrics, clock.Real())
	orch := orchestrator.New(cfg, orchestrator.ExecRunner{}, journal, logger, metrics, clock.Real())
	ctrl := controller.New(cfg, d, orch, logger, metrics, clock.Real())
	ctrl.RegisterCheck(controller.HealthCheck{Name: "object_store", Probe: store.Ping})
	ctrl.RegisterCheck(controller.HealthCheck{Name: "task_queue", Probe: func(context.Context) error {
		_, err := taskqueue.Load(cfg.QueuePath())
		if os.IsNotExist(err) {
			return nil // no cycle yet
		}
		return err
	}})

	// The health port is part of the fatal tier: bind it before the loop
	// starts so an unbindable port refuses startup instead of leaving a
	// daemon running blind.
	ln, err := net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		return fmt.Errorf("health port %s: %w", cfg.HealthAddr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl.Start(ctx)

	srv := &http.Server{
		Handler: api.NewServer(cfg, ctrl, journal, metrics, logger).Handler(),
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("health server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-serveErr:
		stop()
		logger.Error().Err(runErr).Msg("health server failed")
	}

	ctrl.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("health server shutdown incomplete")
	}
	logger.Info().Msg("coverd exited")
	if runErr != nil {
		return fmt.Errorf("health server: %w", runErr)
	}
	return nil
}

// writePIDFile records the daemon PID for coverctl. Refuses to clobber a
// live daemon's file.
func writePIDFile(path string) error {
	if b, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(b))); err == nil && processAlive(pid) {
			return fmt.Errorf("coverd already running with pid %d", pid)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
