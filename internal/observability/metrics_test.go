package observability

import (
	"strings"
	"testing"
)

func TestRegistryCountersAndGauges(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("coverd_cycles_total", nil, 1)
	r.IncCounter("coverd_cycles_total", nil, 2)
	r.SetGauge("coverd_queue_size", nil, 5)
	r.SetGauge("coverd_queue_size", nil, 3)
	r.IncCounter("coverd_tasks_total", map[string]string{"status": "COMPLETED"}, 1)
	r.IncCounter("coverd_tasks_total", map[string]string{"status": "FAILED"}, 1)

	s := r.Snapshot()
	if len(s.Counters) != 3 {
		t.Fatalf("expected 3 counters, got %d", len(s.Counters))
	}
	if len(s.Gauges) != 1 {
		t.Fatalf("expected 1 gauge, got %d", len(s.Gauges))
	}
	if s.Counters[0].Name != "coverd_cycles_total" || s.Counters[0].Value != 3 {
		t.Fatalf("unexpected first counter: %+v", s.Counters[0])
	}
	if s.Gauges[0].Value != 3 {
		t.Fatalf("gauge must keep the last set value, got %v", s.Gauges[0].Value)
	}
}

func TestRegistryLabelsAreIndependentSeries(t *testing.T) {
	r := NewRegistry()
	r.SetGauge("coverd_gaps", map[string]string{"priority": "critical"}, 2)
	r.SetGauge("coverd_gaps", map[string]string{"priority": "low"}, 9)

	s := r.Snapshot()
	if len(s.Gauges) != 2 {
		t.Fatalf("expected 2 labeled series, got %d", len(s.Gauges))
	}
}

func TestRenderPrometheus(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("coverd_cycles_total", nil, 4)
	r.SetGauge("coverd_gaps", map[string]string{"priority": "high"}, 1)

	out := r.RenderPrometheus()
	if !strings.Contains(out, "coverd_cycles_total 4") {
		t.Fatalf("missing counter line in output:\n%s", out)
	}
	if !strings.Contains(out, `coverd_gaps{priority="high"} 1`) {
		t.Fatalf("missing labeled gauge line in output:\n%s", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatal("prometheus text output must end with a newline")
	}
}

func TestSanitizeMetricName(t *testing.T) {
	cases := map[string]string{
		"coverd_cycles_total": "coverd_cycles_total",
		"bad name!":           "bad_name_",
		"":                    "coverd_metric",
		"9starts_with_digit":  "_starts_with_digit",
	}
	for in, want := range cases {
		if got := sanitizeMetricName(in); got != want {
			t.Fatalf("sanitizeMetricName(%q) = %q, want %q", in, got, want)
		}
	}
}
