package coverage

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/coverd/internal/model"
)

const analyzerSpecYAML = `
sources:
  nba_stats:
    collector: nba_stats_collector
    partitions:
      - name: "2025-26"
        start_date: "2025-10-01"
        end_date: "2026-06-30"
        data_types:
          box_scores:
            expected_count: 100
            completeness_threshold: 0.95
            freshness_days: 7
          play_by_play:
            freshness_days: 7
collectors:
  nba_stats_collector:
    command: collect-nba
`

func entry(dataType, id string, modified time.Time) model.InventoryEntry {
	return model.InventoryEntry{
		Source:       "nba_stats",
		Partition:    "2025-26",
		DataType:     dataType,
		RecordID:     id,
		LastModified: modified,
	}
}

func TestAnalyzeFullCoverage(t *testing.T) {
	spec, err := ParseSpec([]byte(analyzerSpecYAML))
	require.NoError(t, err)
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	snap := model.InventorySnapshot{ScannedAt: now, SampleRate: 1.0}
	for i := 0; i < 100; i++ {
		snap.Entries = append(snap.Entries, entry("box_scores", "game-"+strconv.Itoa(i)+".json", now.Add(-time.Hour)))
	}

	reports := Analyze(spec, snap, now)
	require.Len(t, reports, 2)
	// Deterministic order: box_scores before play_by_play.
	require.Equal(t, "box_scores", reports[0].DataType)
	require.Equal(t, 1.0, reports[0].CompletenessRatio)
	require.False(t, reports[0].IsStale)
	require.Equal(t, 100, reports[0].ActualCount)
}

func TestAnalyzeMissingDataScoresZero(t *testing.T) {
	spec, err := ParseSpec([]byte(analyzerSpecYAML))
	require.NoError(t, err)
	now := time.Now().UTC()

	reports := Analyze(spec, model.InventorySnapshot{ScannedAt: now, SampleRate: 1.0}, now)
	require.Len(t, reports, 2)
	for _, r := range reports {
		require.Equal(t, 0, r.ActualCount)
		require.Equal(t, 0.0, r.CompletenessRatio)
		// Nothing observed means nothing to be stale.
		require.False(t, r.IsStale)
	}
}

func TestAnalyzeSamplingExtrapolates(t *testing.T) {
	spec, err := ParseSpec([]byte(analyzerSpecYAML))
	require.NoError(t, err)
	now := time.Now().UTC()

	// 25 observed at a 0.25 sample rate extrapolates to the full 100.
	snap := model.InventorySnapshot{ScannedAt: now, SampleRate: 0.25}
	for i := 0; i < 25; i++ {
		snap.Entries = append(snap.Entries, entry("box_scores", "game-"+strconv.Itoa(i)+".json", now))
	}
	reports := Analyze(spec, snap, now)
	require.Equal(t, 100, reports[0].ActualCount)
	require.Equal(t, 1.0, reports[0].CompletenessRatio)
}

func TestAnalyzeStaleness(t *testing.T) {
	spec, err := ParseSpec([]byte(analyzerSpecYAML))
	require.NoError(t, err)
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	snap := model.InventorySnapshot{ScannedAt: now, SampleRate: 1.0, Entries: []model.InventoryEntry{
		entry("box_scores", "old.json", now.AddDate(0, 0, -30)),
		entry("play_by_play", "fresh.json", now.Add(-time.Hour)),
	}}
	reports := Analyze(spec, snap, now)
	require.True(t, reports[0].IsStale, "30-day-old box scores exceed the 7-day freshness threshold")
	require.False(t, reports[1].IsStale)
	// Unknown expected count falls back to presence-only completeness.
	require.Nil(t, reports[1].ExpectedCount)
	require.Equal(t, 1.0, reports[1].CompletenessRatio)
}

func TestParseSpecValidation(t *testing.T) {
	cases := map[string]string{
		"no sources": `collectors: {}`,
		"bad date": `
sources:
  s:
    partitions:
      - name: p
        start_date: "not-a-date"
        end_date: "2026-01-01"
        data_types: {d: {}}
`,
		"end before start": `
sources:
  s:
    partitions:
      - name: p
        start_date: "2026-01-02"
        end_date: "2026-01-01"
        data_types: {d: {}}
`,
		"threshold out of range": `
sources:
  s:
    partitions:
      - name: p
        start_date: "2026-01-01"
        end_date: "2026-02-01"
        data_types:
          d:
            completeness_threshold: 1.5
`,
		"collector without command": `
sources:
  s:
    partitions:
      - name: p
        start_date: "2026-01-01"
        end_date: "2026-02-01"
        data_types: {d: {}}
collectors:
  c: {}
`,
	}
	for name, doc := range cases {
		if _, err := ParseSpec([]byte(doc)); err == nil {
			t.Fatalf("%s: expected a validation error", name)
		}
	}
}

func TestParseSpecDefaultsAndOrdering(t *testing.T) {
	spec, err := ParseSpec([]byte(`
sources:
  s:
    collector: c
    partitions:
      - name: later
        start_date: "2025-01-01"
        end_date: "2025-06-01"
        data_types: {d: {}}
      - name: earlier
        start_date: "2024-01-01"
        end_date: "2024-06-01"
        data_types: {d: {}}
collectors:
  c:
    command: run-c
`))
	require.NoError(t, err)

	src := spec.Sources["s"]
	require.Equal(t, "earlier", src.Partitions[0].Name, "partitions sort by start date")

	d := src.Partitions[0].DataTypes["d"]
	require.True(t, d.Required)
	require.Equal(t, 1.0, d.CompletenessThreshold)
	require.Equal(t, 7, d.FreshnessDays)

	c := spec.Collectors["c"]
	require.Equal(t, 900, c.TimeoutSeconds)
	require.Equal(t, 1, c.CostFactor)

	name, _, ok := spec.CollectorFor("s")
	require.True(t, ok)
	require.Equal(t, "c", name)
	_, _, ok = spec.CollectorFor("missing")
	require.False(t, ok)

	_, _, ok = spec.Lookup("s", "earlier", "d")
	require.True(t, ok)
	_, _, ok = spec.Lookup("s", "earlier", "nope")
	require.False(t, ok)
}
