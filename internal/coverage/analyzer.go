package coverage

import (
	"math"
	"sort"
	"time"

	"github.com/example/coverd/internal/model"
)

// Analyze compares an inventory snapshot against the expected-coverage spec
// and returns one report per declared (source, partition, data type) triple.
// Pure: no I/O, no randomness, deterministic output order, so running it
// twice on the same inputs yields byte-identical results.
func Analyze(spec *Spec, snap model.InventorySnapshot, now time.Time) []model.CoverageReport {
	type key struct{ source, partition, dataType string }
	counts := make(map[key]int)
	newest := make(map[key]time.Time)
	for _, e := range snap.Entries {
		k := key{e.Source, e.Partition, e.DataType}
		counts[k]++
		if e.LastModified.After(newest[k]) {
			newest[k] = e.LastModified
		}
	}

	rate := snap.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1.0
	}

	out := make([]model.CoverageReport, 0, 64)
	for _, source := range spec.SourceNames() {
		src := spec.Sources[source]
		for _, p := range src.Partitions {
			for _, dt := range sortedDataTypes(p) {
				d := p.DataTypes[dt]
				k := key{source, p.Name, dt}
				observed := counts[k]
				// Sampled scans extrapolate the observed count back to an
				// estimate of the true population.
				actual := observed
				if rate < 1.0 {
					actual = int(math.Round(float64(observed) / rate))
				}
				r := model.CoverageReport{
					Source:       source,
					Partition:    p.Name,
					DataType:     dt,
					ActualCount:  actual,
					IsRequired:   d.Required,
					LastModified: newest[k],
				}
				if d.ExpectedCount != nil {
					expected := *d.ExpectedCount
					r.ExpectedCount = &expected
					switch {
					case expected <= 0:
						r.CompletenessRatio = 1.0
					case actual >= expected:
						r.CompletenessRatio = 1.0
					default:
						r.CompletenessRatio = float64(actual) / float64(expected)
					}
				} else if actual > 0 {
					r.CompletenessRatio = 1.0
				}
				if observed > 0 && now.Sub(newest[k]) > d.FreshnessThreshold() {
					r.IsStale = true
				}
				out = append(out, r)
			}
		}
	}
	return out
}

func sortedDataTypes(p PartitionSpec) []string {
	names := make([]string, 0, len(p.DataTypes))
	for dt := range p.DataTypes {
		names = append(names, dt)
	}
	sort.Strings(names)
	return names
}
