package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config carries every tunable of the daemon. Values come from COVERD_*
// env vars with defaults suitable for a local deployment; cmd/coverd loads
// an optional .env file before calling FromEnv.
type Config struct {
	RuntimeDir       string
	CoverageSpecPath string
	HealthAddr       string
	LogLevel         string

	// Object store (inventory scanning).
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
	ListTimeout    time.Duration
	ScanWorkers    int

	// Inventory sampling and caching.
	SampleRate     float64
	UseCache       bool
	CacheTTL       time.Duration
	ManifestKey    string
	ManifestMaxAge time.Duration

	// Reconciliation cadence.
	CycleInterval time.Duration

	// Gap priority tuning (spec thresholds are operator tunables).
	CriticalWindowDays int
	RecentHistoryDays  int

	// Orchestrator.
	MaxConcurrent    int
	CollectorTimeout time.Duration
	DryRun           bool

	// Controller loops.
	PollInterval        time.Duration
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	TriggerThreshold    int
	ShutdownGrace       time.Duration

	// Trend reporting.
	CycleHistory int
}

func FromEnv() Config {
	runtimeDir := getenv("COVERD_RUNTIME_DIR", defaultRuntimeDir())
	return Config{
		RuntimeDir:       runtimeDir,
		CoverageSpecPath: getenv("COVERD_COVERAGE_SPEC", filepath.Join(runtimeDir, "coverage.yaml")),
		HealthAddr:       getenv("COVERD_HEALTH_ADDR", ":8877"),
		LogLevel:         getenv("COVERD_LOG_LEVEL", "info"),

		MinIOEndpoint:  getenv("COVERD_MINIO_ENDPOINT", ""),
		MinIOAccessKey: getenv("COVERD_MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: getenv("COVERD_MINIO_SECRET_KEY", ""),
		MinIOBucket:    getenv("COVERD_MINIO_BUCKET", "collected-data"),
		MinIOUseSSL:    getenvBool("COVERD_MINIO_USE_SSL", false),
		ListTimeout:    getenvDuration("COVERD_LIST_TIMEOUT", 30*time.Second),
		ScanWorkers:    getenvInt("COVERD_SCAN_WORKERS", 4),

		SampleRate:     getenvFloat("COVERD_SAMPLE_RATE", 1.0),
		UseCache:       getenvBool("COVERD_USE_CACHE", false),
		CacheTTL:       getenvDuration("COVERD_CACHE_TTL", 30*time.Minute),
		ManifestKey:    getenv("COVERD_MANIFEST_KEY", ""),
		ManifestMaxAge: getenvDuration("COVERD_MANIFEST_MAX_AGE", 24*time.Hour),

		CycleInterval: getenvDuration("COVERD_CYCLE_INTERVAL", time.Hour),

		CriticalWindowDays: getenvInt("COVERD_CRITICAL_WINDOW_DAYS", 7),
		RecentHistoryDays:  getenvInt("COVERD_RECENT_HISTORY_DAYS", 180),

		MaxConcurrent:    getenvInt("COVERD_MAX_CONCURRENT", 3),
		CollectorTimeout: getenvDuration("COVERD_COLLECTOR_TIMEOUT", 15*time.Minute),
		DryRun:           getenvBool("COVERD_DRY_RUN", false),

		PollInterval:        getenvDuration("COVERD_POLL_INTERVAL", 30*time.Second),
		HealthCheckInterval: getenvDuration("COVERD_HEALTH_CHECK_INTERVAL", 60*time.Second),
		HealthCheckTimeout:  getenvDuration("COVERD_HEALTH_CHECK_TIMEOUT", 5*time.Second),
		TriggerThreshold:    getenvInt("COVERD_TRIGGER_THRESHOLD", 1),
		ShutdownGrace:       getenvDuration("COVERD_SHUTDOWN_GRACE", 30*time.Second),

		CycleHistory: getenvInt("COVERD_CYCLE_HISTORY", 24),
	}
}

// Validate rejects configurations the daemon cannot run with. These are the
// fatal-tier failures: surfaced at startup, never tolerated at runtime.
func (c Config) Validate() error {
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate %v outside (0,1]", c.SampleRate)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent %d must be >= 1", c.MaxConcurrent)
	}
	if c.CycleInterval <= 0 {
		return fmt.Errorf("cycle interval must be positive")
	}
	if c.TriggerThreshold < 1 {
		return fmt.Errorf("trigger threshold %d must be >= 1", c.TriggerThreshold)
	}
	return nil
}

// QueuePath is the task-queue snapshot location, single-writer multi-reader.
func (c Config) QueuePath() string {
	return filepath.Join(c.RuntimeDir, "queue", "tasks.json")
}

func (c Config) CachePath() string {
	return filepath.Join(c.RuntimeDir, "cache", "inventory.json")
}

func (c Config) ResultsDBPath() string {
	return filepath.Join(c.RuntimeDir, "results", "results.db")
}

func (c Config) LogPath() string {
	return filepath.Join(c.RuntimeDir, "coverd.log")
}

func (c Config) PIDPath() string {
	return filepath.Join(c.RuntimeDir, "coverd.pid")
}

func defaultRuntimeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".coverd"
	}
	return filepath.Join(home, ".coverd")
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
