package model

import "time"

// Priority orders gaps and tasks. The detector assigns exactly one priority
// per gap; callers never set it directly.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// Rank returns the sort rank of a priority, lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskSkipped   TaskStatus = "SKIPPED"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
	HealthUnknown   HealthStatus = "UNKNOWN"
)

// InventoryEntry is one collected artifact discovered in the object store.
// Snapshots are rebuilt wholesale every scan, entries are never mutated.
type InventoryEntry struct {
	Source       string    `json:"source"`
	Partition    string    `json:"partition"`
	DataType     string    `json:"data_type"`
	RecordID     string    `json:"record_id"`
	LastModified time.Time `json:"last_modified"`
	SizeBytes    int64     `json:"size_bytes"`
}

// InventorySnapshot is the result of one scan. Partial is set when one or
// more prefixes could not be listed; the cycle still proceeds with what was
// gathered.
type InventorySnapshot struct {
	ScannedAt    time.Time        `json:"scanned_at"`
	SampleRate   float64          `json:"sample_rate"`
	Entries      []InventoryEntry `json:"entries"`
	Partial      bool             `json:"partial"`
	FailedPrefix []string         `json:"failed_prefixes,omitempty"`
	FromManifest bool             `json:"from_manifest,omitempty"`
	FromCache    bool             `json:"from_cache,omitempty"`
}

// CoverageReport is one row per (source, partition, data type) declared in
// the expected-coverage spec. Derived fresh every cycle.
type CoverageReport struct {
	Source            string    `json:"source"`
	Partition         string    `json:"partition"`
	DataType          string    `json:"data_type"`
	ExpectedCount     *int      `json:"expected_count,omitempty"`
	ActualCount       int       `json:"actual_count"`
	CompletenessRatio float64   `json:"completeness_ratio"`
	IsStale           bool      `json:"is_stale"`
	IsRequired        bool      `json:"is_required"`
	LastModified      time.Time `json:"last_modified,omitzero"`
}

// Gap is a coverage shortfall. One exists only where the report shows
// completeness below threshold or staleness for required data.
type Gap struct {
	Source       string   `json:"source"`
	Partition    string   `json:"partition"`
	DataType     string   `json:"data_type"`
	Priority     Priority `json:"priority"`
	Reason       string   `json:"reason"`
	MissingCount int      `json:"missing_count"`
}

// Task is one unit of executable collection work. Status, timestamps and
// Error are written exactly once each by the orchestrator; everything else
// is immutable after generation.
type Task struct {
	ID         int64      `json:"id"`
	Priority   Priority   `json:"priority"`
	Source     string     `json:"source"`
	Partition  string     `json:"partition"`
	DataType   string     `json:"data_type"`
	Collector  string     `json:"collector"`
	Args       []string   `json:"args"`
	Cost       int        `json:"estimated_cost"`
	Status     TaskStatus `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// PriorityCounts aggregates tasks or gaps by priority tier.
type PriorityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

func (c *PriorityCounts) Add(p Priority) {
	switch p {
	case PriorityCritical:
		c.Critical++
	case PriorityHigh:
		c.High++
	case PriorityMedium:
		c.Medium++
	case PriorityLow:
		c.Low++
	}
}

func (c PriorityCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low
}

// TaskQueue is the versioned snapshot written wholesale by the daemon and
// consumed read-only by the orchestrator and the health surface.
type TaskQueue struct {
	Version     int64          `json:"version"`
	GeneratedAt time.Time      `json:"generated_at"`
	CycleID     string         `json:"cycle_id"`
	TotalTasks  int            `json:"total_tasks"`
	ByPriority  PriorityCounts `json:"by_priority"`
	Skipped     int            `json:"skipped"`
	Tasks       []Task         `json:"tasks"`
}

// Runnable counts tasks that the orchestrator would actually execute.
func (q *TaskQueue) Runnable() int {
	n := 0
	for _, t := range q.Tasks {
		if t.Status == TaskPending {
			n++
		}
	}
	return n
}

// ComponentHealth is transient, recomputed on every health-check tick.
type ComponentHealth struct {
	Component   string       `json:"component"`
	Status      HealthStatus `json:"status"`
	LastCheckAt time.Time    `json:"last_check_at"`
	Detail      string       `json:"detail,omitempty"`
}

// CycleMetrics summarizes one reconciliation cycle for trend reporting.
type CycleMetrics struct {
	CycleID       string         `json:"cycle_id"`
	StartedAt     time.Time      `json:"started_at"`
	Duration      time.Duration  `json:"duration"`
	InventorySize int            `json:"inventory_size"`
	TotalGaps     int            `json:"total_gaps"`
	GapsByTier    PriorityCounts `json:"gaps_by_priority"`
	QueueSize     int            `json:"queue_size"`
	Partial       bool           `json:"partial"`
	Err           string         `json:"error,omitempty"`
}
