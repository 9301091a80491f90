// Package metrics is the backend-neutral metrics interface of the ETL. The
// engine, coordinator and summary recorder receive a Backend at construction;
// there is no process-wide backend.
package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Labels are the dimensions of one observation.
type Labels map[string]string

// Backend receives counter increments and histogram observations. Unknown
// metric names may be ignored.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Metric names.
const (
	// QueryTotal counts query executions by source and status.
	QueryTotal = "etl_query_total"
	// RowsTotal counts rows written by source.
	RowsTotal = "etl_rows_total"
	// BatchesTotal counts WriteBatch calls.
	BatchesTotal = "etl_batches_total"
	// RestoreTotal counts restore attempts by status (ok, failed).
	RestoreTotal = "etl_restore_total"
	// SummaryErrorsTotal counts summary records that could not be written.
	SummaryErrorsTotal = "etl_summary_errors_total"
	// QueryDuration observes query execution time in seconds by source and status.
	QueryDuration = "etl_query_duration_seconds"
)

// Label keys.
const (
	LabelSource = "source"
	LabelStatus = "status"
)

type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) ObserveHistogram(string, float64, Labels) {}

// OrNop returns b, or Nop when b is nil.
func OrNop(b Backend) Backend {
	if b == nil {
		return Nop{}
	}
	return b
}

// Memory is an in-process Backend that keeps totals per name and label set.
// It backs the "memory" metrics option and the tests of instrumented packages.
type Memory struct {
	mu       sync.Mutex
	counters map[string]float64
	samples  map[string][]float64
}

func NewMemory() *Memory {
	return &Memory{counters: map[string]float64{}, samples: map[string][]float64{}}
}

func (m *Memory) IncCounter(name string, delta float64, labels Labels) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[seriesKey(name, labels)] += delta
}

func (m *Memory) ObserveHistogram(name string, value float64, labels Labels) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := seriesKey(name, labels)
	m.samples[k] = append(m.samples[k], value)
}

// Counter returns the total for name with exactly the given labels.
func (m *Memory) Counter(name string, labels Labels) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[seriesKey(name, labels)]
}

// Samples returns a copy of the observations for name with exactly the given labels.
func (m *Memory) Samples(name string, labels Labels) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.samples[seriesKey(name, labels)]...)
}

// Snapshot returns all counter totals keyed by "name{k=v,...}".
func (m *Memory) Snapshot() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}

func seriesKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}
