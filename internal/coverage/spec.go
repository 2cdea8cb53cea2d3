// Package coverage loads the declarative expected-coverage specification and
// derives per-(source, partition, data type) completeness reports from an
// inventory snapshot.
package coverage

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const dateLayout = "2006-01-02"

// DataTypeSpec declares what "covered" means for one data type within a
// partition. ExpectedCount is nil when the total is unknowable up front;
// the analyzer then falls back to a presence-only check.
type DataTypeSpec struct {
	Required              bool
	FreshnessDays         int
	CompletenessThreshold float64
	ExpectedCount         *int
}

func (d DataTypeSpec) FreshnessThreshold() time.Duration {
	return time.Duration(d.FreshnessDays) * 24 * time.Hour
}

// PartitionSpec is one time partition (a season) of a source.
type PartitionSpec struct {
	Name      string
	StartDate time.Time
	EndDate   time.Time
	DataTypes map[string]DataTypeSpec
}

type SourceSpec struct {
	Collector  string
	Partitions []PartitionSpec
}

// CollectorSpec describes how to invoke one external collector executable.
type CollectorSpec struct {
	Command        string
	Args           []string
	TimeoutSeconds int
	CostFactor     int
}

// Spec is the full expected-coverage document. Immutable at runtime;
// reloaded from disk at the start of every reconciliation cycle.
type Spec struct {
	Sources    map[string]SourceSpec
	Collectors map[string]CollectorSpec
}

// SourceNames returns the declared sources in stable order.
func (s *Spec) SourceNames() []string {
	names := make([]string, 0, len(s.Sources))
	for name := range s.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the partition and data-type declarations behind a report
// triple. False when the triple is not declared anywhere in the document.
func (s *Spec) Lookup(source, partition, dataType string) (PartitionSpec, DataTypeSpec, bool) {
	src, ok := s.Sources[source]
	if !ok {
		return PartitionSpec{}, DataTypeSpec{}, false
	}
	for _, p := range src.Partitions {
		if p.Name != partition {
			continue
		}
		d, ok := p.DataTypes[dataType]
		if !ok {
			return PartitionSpec{}, DataTypeSpec{}, false
		}
		return p, d, true
	}
	return PartitionSpec{}, DataTypeSpec{}, false
}

// CollectorFor resolves the collector responsible for a source. The second
// return is false when the source has no registered collector.
func (s *Spec) CollectorFor(source string) (string, CollectorSpec, bool) {
	src, ok := s.Sources[source]
	if !ok || strings.TrimSpace(src.Collector) == "" {
		return "", CollectorSpec{}, false
	}
	c, ok := s.Collectors[src.Collector]
	if !ok {
		return "", CollectorSpec{}, false
	}
	return src.Collector, c, true
}

type rawDataType struct {
	Required              *bool    `yaml:"required"`
	FreshnessDays         int      `yaml:"freshness_days"`
	CompletenessThreshold *float64 `yaml:"completeness_threshold"`
	ExpectedCount         *int     `yaml:"expected_count"`
}

type rawPartition struct {
	Name      string                 `yaml:"name"`
	StartDate string                 `yaml:"start_date"`
	EndDate   string                 `yaml:"end_date"`
	DataTypes map[string]rawDataType `yaml:"data_types"`
}

type rawSource struct {
	Collector  string         `yaml:"collector"`
	Partitions []rawPartition `yaml:"partitions"`
}

type rawCollector struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	CostFactor     int      `yaml:"cost_factor"`
}

type rawSpec struct {
	Sources    map[string]rawSource    `yaml:"sources"`
	Collectors map[string]rawCollector `yaml:"collectors"`
}

// LoadSpec reads and validates the coverage spec file. A parse or validation
// failure here is a cycle-level error: the caller abandons the cycle and
// retries at the next tick.
func LoadSpec(path string) (*Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read coverage spec: %w", err)
	}
	return ParseSpec(b)
}

func ParseSpec(b []byte) (*Spec, error) {
	var raw rawSpec
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse coverage spec: %w", err)
	}
	if len(raw.Sources) == 0 {
		return nil, fmt.Errorf("coverage spec declares no sources")
	}
	spec := &Spec{
		Sources:    make(map[string]SourceSpec, len(raw.Sources)),
		Collectors: make(map[string]CollectorSpec, len(raw.Collectors)),
	}
	for name, rc := range raw.Collectors {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if strings.TrimSpace(rc.Command) == "" {
			return nil, fmt.Errorf("collector %s: command is required", name)
		}
		timeout := rc.TimeoutSeconds
		if timeout <= 0 {
			timeout = 900
		}
		cost := rc.CostFactor
		if cost <= 0 {
			cost = 1
		}
		spec.Collectors[name] = CollectorSpec{
			Command:        rc.Command,
			Args:           append([]string(nil), rc.Args...),
			TimeoutSeconds: timeout,
			CostFactor:     cost,
		}
	}
	for name, rs := range raw.Sources {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		src := SourceSpec{
			Collector:  strings.TrimSpace(rs.Collector),
			Partitions: make([]PartitionSpec, 0, len(rs.Partitions)),
		}
		for _, rp := range rs.Partitions {
			p, err := parsePartition(name, rp)
			if err != nil {
				return nil, err
			}
			src.Partitions = append(src.Partitions, p)
		}
		sort.Slice(src.Partitions, func(i, j int) bool {
			return src.Partitions[i].StartDate.Before(src.Partitions[j].StartDate)
		})
		spec.Sources[name] = src
	}
	return spec, nil
}

func parsePartition(source string, rp rawPartition) (PartitionSpec, error) {
	name := strings.TrimSpace(rp.Name)
	if name == "" {
		return PartitionSpec{}, fmt.Errorf("source %s: partition without a name", source)
	}
	start, err := time.Parse(dateLayout, strings.TrimSpace(rp.StartDate))
	if err != nil {
		return PartitionSpec{}, fmt.Errorf("source %s partition %s: invalid start_date: %w", source, name, err)
	}
	end, err := time.Parse(dateLayout, strings.TrimSpace(rp.EndDate))
	if err != nil {
		return PartitionSpec{}, fmt.Errorf("source %s partition %s: invalid end_date: %w", source, name, err)
	}
	if end.Before(start) {
		return PartitionSpec{}, fmt.Errorf("source %s partition %s: end_date precedes start_date", source, name)
	}
	if len(rp.DataTypes) == 0 {
		return PartitionSpec{}, fmt.Errorf("source %s partition %s: no data_types declared", source, name)
	}
	p := PartitionSpec{
		Name:      name,
		StartDate: start.UTC(),
		EndDate:   end.UTC(),
		DataTypes: make(map[string]DataTypeSpec, len(rp.DataTypes)),
	}
	for dt, rd := range rp.DataTypes {
		dt = strings.TrimSpace(dt)
		if dt == "" {
			continue
		}
		required := true
		if rd.Required != nil {
			required = *rd.Required
		}
		threshold := 1.0
		if rd.CompletenessThreshold != nil {
			threshold = *rd.CompletenessThreshold
		}
		if threshold < 0 || threshold > 1 {
			return PartitionSpec{}, fmt.Errorf("source %s partition %s type %s: completeness_threshold %v outside [0,1]", source, name, dt, threshold)
		}
		if rd.ExpectedCount != nil && *rd.ExpectedCount < 0 {
			return PartitionSpec{}, fmt.Errorf("source %s partition %s type %s: negative expected_count", source, name, dt)
		}
		freshness := rd.FreshnessDays
		if freshness <= 0 {
			freshness = 7
		}
		p.DataTypes[dt] = DataTypeSpec{
			Required:              required,
			FreshnessDays:         freshness,
			CompletenessThreshold: threshold,
			ExpectedCount:         rd.ExpectedCount,
		}
	}
	return p, nil
}
