// Package taskqueue turns gaps into an ordered, versioned task-queue snapshot
// and persists it atomically. The daemon is the only writer; the orchestrator
// and the HTTP surface read whole snapshots.
package taskqueue

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/example/coverd/internal/coverage"
	"github.com/example/coverd/internal/model"
)

// Generator maps gaps to tasks. Task IDs are monotonic across the process
// lifetime so two cycles never reuse an ID.
type Generator struct {
	nextID atomic.Int64
}

func NewGenerator() *Generator {
	return &Generator{}
}

// Generate builds the full queue for one cycle. Gaps whose source has no
// registered collector become SKIPPED tasks with a reason; nothing is
// silently dropped, so len(queue.Tasks) always equals len(gaps).
func (g *Generator) Generate(spec *coverage.Spec, gapList []model.Gap, cycleID string, now time.Time) model.TaskQueue {
	queue := model.TaskQueue{
		Version:     now.UnixNano(),
		GeneratedAt: now,
		CycleID:     cycleID,
		Tasks:       make([]model.Task, 0, len(gapList)),
	}
	for _, gap := range gapList {
		t := model.Task{
			ID:        g.nextID.Add(1),
			Priority:  gap.Priority,
			Source:    gap.Source,
			Partition: gap.Partition,
			DataType:  gap.DataType,
			CreatedAt: now,
		}
		name, collector, ok := spec.CollectorFor(gap.Source)
		if !ok {
			t.Status = model.TaskSkipped
			t.Reason = fmt.Sprintf("no collector registered for source %s", gap.Source)
			t.Cost = 1
			queue.Skipped++
			queue.Tasks = append(queue.Tasks, t)
			continue
		}
		t.Status = model.TaskPending
		t.Collector = name
		t.Args = invocationArgs(collector, gap)
		t.Cost = estimateCost(collector, gap)
		queue.ByPriority.Add(gap.Priority)
		queue.Tasks = append(queue.Tasks, t)
	}
	// Priority first, then cheapest work first. ID breaks remaining ties so
	// the order is total and reproducible.
	sort.SliceStable(queue.Tasks, func(i, j int) bool {
		a, b := queue.Tasks[i], queue.Tasks[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if a.Cost != b.Cost {
			return a.Cost < b.Cost
		}
		return a.ID < b.ID
	})
	queue.TotalTasks = len(queue.Tasks)
	return queue
}

// invocationArgs builds the collector command line for a partition-level
// re-run of the missing data type.
func invocationArgs(c coverage.CollectorSpec, gap model.Gap) []string {
	args := append([]string(nil), c.Args...)
	args = append(args,
		"--source", gap.Source,
		"--partition", gap.Partition,
		"--data-type", gap.DataType,
	)
	return args
}

// estimateCost scales the collector's cost factor by the amount of missing
// work, so small backfills sort ahead of bulk re-scrapes within a tier.
func estimateCost(c coverage.CollectorSpec, gap model.Gap) int {
	units := gap.MissingCount
	if units < 1 {
		units = 1
	}
	return c.CostFactor * units
}
