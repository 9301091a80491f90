package datadog

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"tableauetl/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
	"github.com/jonboulle/clockwork"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

func newTestBackend(t *testing.T, fs *fakeSubmitter, clock clockwork.Clock) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName:    "job1",
		FlushEvery: time.Minute,
		Clock:      clock,
		submitter:  fs,
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestResolveEnvTag(t *testing.T) {
	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ENV", tc.env)
			t.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestWrapInitErr(t *testing.T) {
	if got := wrapInitErr(nil); got != nil {
		t.Fatalf("wrapInitErr(nil)=%v, want nil", got)
	}

	in := errors.New("boom")
	got := wrapInitErr(in)
	if got == nil || !strings.Contains(got.Error(), "datadog metrics init:") {
		t.Fatalf("wrapInitErr prefix missing: %v", got)
	}
	if !errors.Is(got, in) {
		t.Fatalf("wrapInitErr did not wrap original error: got=%v", got)
	}
}

func TestEncodeTags(t *testing.T) {
	keys := []string{metrics.LabelSource, metrics.LabelStatus}

	got := decodeTags(encodeTags(keys, metrics.Labels{"source": "MES", "status": "ok", "extra": "x"}))
	want := []string{"source:mes", "status:ok"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tags=%v, want %v", got, want)
	}

	got = decodeTags(encodeTags(keys, nil))
	want = []string{"source:unknown", "status:unknown"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tags=%v, want %v", got, want)
	}

	if s := encodeTags(nil, metrics.Labels{"source": "mes"}); s != "" {
		t.Fatalf("encodeTags(nil keys)=%q, want empty", s)
	}
	if d := decodeTags(""); d != nil {
		t.Fatalf("decodeTags(\"\")=%v, want nil", d)
	}
}

func TestWithTags(t *testing.T) {
	base := []string{"env:test", "job:etl"}
	got := withTags(base, "source:mes", "status:ok")
	want := []string{"env:test", "job:etl", "source:mes", "status:ok"}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("withTags()=%v, want %v", got, want)
	}
	got[0] = "env:mutated"
	if base[0] == "env:mutated" {
		t.Fatalf("withTags output aliases base slice")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", s: nil, p: 0.50, want: 0},
		{name: "single", s: []float64{7}, p: 0.95, want: 7},
		{name: "p_le_0", s: []float64{1, 2, 3}, p: -1, want: 1},
		{name: "p_ge_1", s: []float64{1, 2, 3}, p: 2, want: 3},
		{name: "median", s: []float64{1, 2, 3, 4, 5}, p: 0.50, want: 3},
		{name: "p90_small_n", s: []float64{1, 2, 3, 4, 5}, p: 0.90, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := percentileNearestRank(tc.s, tc.p); got != tc.want {
				t.Fatalf("percentileNearestRank(%v,%v)=%v, want %v", tc.s, tc.p, got, tc.want)
			}
		})
	}
}

func TestAddPercentiles(t *testing.T) {
	orig := []float64{5, 1, 3, 2, 4}
	in := append([]float64(nil), orig...)

	var series []datadogV2.MetricSeries
	addPercentiles(&series, []string{"env:test"}, "etl.query.duration_seconds", in, 999)

	if len(series) != 6 {
		t.Fatalf("series.len=%d, want 6", len(series))
	}
	if !reflect.DeepEqual(in, orig) {
		t.Fatalf("samples mutated: got %v, want %v", in, orig)
	}
	byName := map[string]float64{}
	for _, s := range series {
		if s.Type == nil || *s.Type != datadogV2.METRICINTAKETYPE_GAUGE {
			t.Fatalf("%s: type=%v, want GAUGE", s.Metric, s.Type)
		}
		if *s.Points[0].Timestamp != 999 {
			t.Fatalf("%s: timestamp=%d, want 999", s.Metric, *s.Points[0].Timestamp)
		}
		byName[s.Metric] = *s.Points[0].Value
	}
	if byName["etl.query.duration_seconds.max"] != 5 || byName["etl.query.duration_seconds.samples"] != 5 {
		t.Fatalf("unexpected gauges: %v", byName)
	}
	if byName["etl.query.duration_seconds.p50"] != 3 {
		t.Fatalf("p50=%v, want 3", byName["etl.query.duration_seconds.p50"])
	}

	series = nil
	addPercentiles(&series, nil, "x", nil, 1)
	if len(series) != 0 {
		t.Fatalf("empty samples produced %d series", len(series))
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		Tags:      []string{"service:etl"},
		Clock:     clockwork.NewFakeClock(),
		submitter: fs,
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v, want nil", err)
	}
	defer func() { _ = b.Close() }()

	if !contains(b.baseTags, "job:tableau-etl") {
		t.Fatalf("baseTags missing job tag: %v", b.baseTags)
	}
	if !contains(b.baseTags, "service:etl") {
		t.Fatalf("baseTags missing service:etl: %v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	clock := clockwork.NewFakeClockAt(time.Unix(1000, 0))
	b := newTestBackend(t, fs, clock)

	b.IncCounter(metrics.QueryTotal, 1, metrics.Labels{"source": "MES", "status": "succeeded"})
	b.IncCounter(metrics.QueryTotal, 1, metrics.Labels{"source": "MES", "status": "succeeded"})
	b.IncCounter(metrics.QueryTotal, 1, metrics.Labels{"source": "SAP", "status": "failed"})
	b.IncCounter(metrics.RowsTotal, 250, metrics.Labels{"source": "MES"})
	b.IncCounter(metrics.BatchesTotal, 3, nil)
	b.IncCounter(metrics.RestoreTotal, 1, metrics.Labels{"status": "ok"})
	b.IncCounter(metrics.SummaryErrorsTotal, 1, nil)
	b.ObserveHistogram(metrics.QueryDuration, 0.5, metrics.Labels{"source": "MES", "status": "succeeded"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
	if len(b.counts) != 0 || len(b.samples) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, _ := fs.last()
	type point struct {
		metric string
		tags   string
	}
	got := map[point]float64{}
	for _, s := range payload.Series {
		if *s.Points[0].Timestamp != 1000 {
			t.Fatalf("%s timestamp=%d, want 1000", s.Metric, *s.Points[0].Timestamp)
		}
		got[point{s.Metric, strings.Join(s.Tags[2:], ",")}] = *s.Points[0].Value
	}

	want := map[point]float64{
		{"etl.query.total", "source:mes,status:succeeded"}:                    2,
		{"etl.query.total", "source:sap,status:failed"}:                       1,
		{"etl.rows.total", "source:mes"}:                                      250,
		{"etl.batches.total", ""}:                                             3,
		{"etl.restore.total", "status:ok"}:                                    1,
		{"etl.summary.errors.total", ""}:                                      1,
		{"etl.query.duration_seconds.p50", "source:mes,status:succeeded"}:     0.5,
		{"etl.query.duration_seconds.samples", "source:mes,status:succeeded"}: 1,
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("series %v=%v, want %v; all=%v", k, got[k], v, got)
		}
	}
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs, clockwork.NewFakeClock())

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 0 {
		t.Fatalf("unexpected submission count=%d, want 0", fs.count())
	}
}

func TestFlush_SubmitErrorStillResets(t *testing.T) {
	fs := &fakeSubmitter{err: errors.New("403")}
	b := newTestBackend(t, fs, clockwork.NewFakeClock())

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	err := b.Flush()
	if err == nil || !strings.Contains(err.Error(), "datadog submit") {
		t.Fatalf("Flush() err=%v, want wrapped submit error", err)
	}
	if len(b.counts) != 0 {
		t.Fatalf("buffers not reset after failed Flush")
	}
}

func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	clock := clockwork.NewFakeClock()
	b, err := NewBackend(context.Background(), Options{
		FlushEvery: time.Minute,
		Clock:      clock,
		submitter:  fs,
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("ticker never registered: %v", err)
	}

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	clock.Advance(time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for fs.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected a background Flush after one tick; got %d", fs.count())
	}

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v, want nil", err)
	}
	if fs.count() != 2 {
		t.Fatalf("expected 2 submissions after Close; got %d", fs.count())
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close() err=%v, want nil", err)
	}
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs, clockwork.NewFakeClock())

	workers := runtime.GOMAXPROCS(0) * 4
	iters := 500

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				b.IncCounter(metrics.BatchesTotal, 1, nil)
				b.IncCounter(metrics.QueryTotal, 1, metrics.Labels{"source": "mes", "status": "succeeded"})
				b.ObserveHistogram(metrics.QueryDuration, 0.01, metrics.Labels{"source": "mes", "status": "succeeded"})
			}
		}()
	}
	wg.Wait()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	payload, _ := fs.last()
	for _, s := range payload.Series {
		if s.Metric == "etl.batches.total" && *s.Points[0].Value != float64(workers*iters) {
			t.Fatalf("batches=%v, want %d", *s.Points[0].Value, workers*iters)
		}
	}
}

func TestIgnoredObservations(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs, clockwork.NewFakeClock())

	b.IncCounter(metrics.BatchesTotal, 0, nil)
	b.IncCounter("unknown_total", 1, metrics.Labels{"x": "y"})
	b.IncCounter(metrics.QueryDuration, 1, nil)
	b.ObserveHistogram(metrics.QueryTotal, 1, nil)
	b.ObserveHistogram(metrics.QueryDuration, -1, nil)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 0 {
		t.Fatalf("ignored observations were submitted: %d payloads", fs.count())
	}
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty_returns_nil", in: "", want: nil},
		{name: "trims_and_skips_empty_segments", in: " env:prod , ,service:etl,  ,team:data ", want: []string{"env:prod", "service:etl", "team:data"}},
		{name: "single_tag", in: "service:etl", want: []string{"service:etl"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ParseTagsCSV(tc.in); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
