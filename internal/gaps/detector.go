// Package gaps turns coverage reports into prioritized gaps. Priority is a
// pure function of partition recency and required-ness; re-running the
// detector on identical input always yields identical output.
package gaps

import (
	"fmt"
	"time"

	"github.com/example/coverd/internal/coverage"
	"github.com/example/coverd/internal/model"
)

// Options are the operator-tuned recency thresholds. Day counts are
// configuration, not correctness requirements.
type Options struct {
	// CriticalWindowDays bounds the "most recent" window for rule 1.
	CriticalWindowDays int
	// RecentHistoryDays bounds how far back a partition still counts as
	// recent history for rule 3.
	RecentHistoryDays int
}

func (o Options) withDefaults() Options {
	if o.CriticalWindowDays <= 0 {
		o.CriticalWindowDays = 7
	}
	if o.RecentHistoryDays <= 0 {
		o.RecentHistoryDays = 180
	}
	return o
}

// Detect emits one gap per report that is required and either incomplete or
// stale. Reports preserve their input order, so output order is stable.
func Detect(spec *coverage.Spec, reports []model.CoverageReport, now time.Time, opts Options) []model.Gap {
	opts = opts.withDefaults()
	out := make([]model.Gap, 0)
	for _, r := range reports {
		p, d, ok := spec.Lookup(r.Source, r.Partition, r.DataType)
		if !ok {
			continue
		}
		if !r.IsRequired {
			continue
		}
		incomplete := r.CompletenessRatio < d.CompletenessThreshold
		if !incomplete && !r.IsStale {
			continue
		}
		g := model.Gap{
			Source:       r.Source,
			Partition:    r.Partition,
			DataType:     r.DataType,
			Priority:     classify(p, r, d, now, opts),
			Reason:       reason(r, d),
			MissingCount: missingCount(r),
		}
		out = append(out, g)
	}
	return out
}

// classify applies the ordered rule cascade; first match wins.
func classify(p coverage.PartitionSpec, r model.CoverageReport, d coverage.DataTypeSpec, now time.Time, opts Options) model.Priority {
	criticalWindow := time.Duration(opts.CriticalWindowDays) * 24 * time.Hour
	historyWindow := time.Duration(opts.RecentHistoryDays) * 24 * time.Hour

	// Rule 1: partition activity falls within the most recent N days.
	if r.IsRequired && withinWindow(p, now, criticalWindow) {
		return model.PriorityCritical
	}
	// Rule 2: partition is in progress and under the completeness bar.
	current := !now.Before(p.StartDate) && !now.After(p.EndDate)
	if current && r.CompletenessRatio < d.CompletenessThreshold {
		return model.PriorityHigh
	}
	// Rule 3: recent history.
	if p.EndDate.Before(now) && now.Sub(p.EndDate) <= historyWindow {
		return model.PriorityMedium
	}
	// Rule 4: everything older.
	return model.PriorityLow
}

// withinWindow reports whether the partition either ended or started inside
// the last `window`. A long-running partition that started months ago and is
// still open does not match; that case belongs to rule 2.
func withinWindow(p coverage.PartitionSpec, now time.Time, window time.Duration) bool {
	cutoff := now.Add(-window)
	endedRecently := !p.EndDate.After(now) && !p.EndDate.Before(cutoff)
	startedRecently := !p.StartDate.After(now) && !p.StartDate.Before(cutoff)
	return endedRecently || startedRecently
}

func missingCount(r model.CoverageReport) int {
	if r.ExpectedCount != nil {
		missing := *r.ExpectedCount - r.ActualCount
		if missing < 0 {
			missing = 0
		}
		return missing
	}
	if r.ActualCount == 0 {
		// Expected total unknown: report one partition-level unit of work.
		return 1
	}
	return 0
}

func reason(r model.CoverageReport, d coverage.DataTypeSpec) string {
	incomplete := r.CompletenessRatio < d.CompletenessThreshold
	switch {
	case incomplete && r.IsStale:
		return fmt.Sprintf("completeness %.2f below threshold %.2f and data stale beyond %dd",
			r.CompletenessRatio, d.CompletenessThreshold, d.FreshnessDays)
	case incomplete:
		return fmt.Sprintf("completeness %.2f below threshold %.2f (%d of expected records present)",
			r.CompletenessRatio, d.CompletenessThreshold, r.ActualCount)
	default:
		return fmt.Sprintf("data stale: last update older than freshness threshold %dd", d.FreshnessDays)
	}
}
