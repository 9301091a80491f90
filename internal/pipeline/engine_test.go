package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"tableauetl/internal/config"
	"tableauetl/internal/dataset"
	"tableauetl/internal/metrics"
	"tableauetl/internal/storage"
)

func mesOrders() config.QueryDefinition {
	return config.QueryDefinition{Name: "mes_orders", SQLRef: "mes_orders.sql", TargetTable: "orders"}
}

func newTestEngine(store *fakeStore, rec *fakeRecorder, opts Options) *Engine {
	opts.Recorder = rec
	if opts.Clock == nil {
		opts.Clock = clockwork.NewFakeClock()
	}
	return NewEngine(store, identityResolver{}, opts)
}

func TestEffectiveBatchSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                     string
		configured, params, cols int
		want                     int
	}{
		{name: "configured fits", configured: 75, params: 2100, cols: 20, want: 75},
		{name: "bounded by parameters", configured: 75, params: 2100, cols: 40, want: 52},
		{name: "very wide table", configured: 75, params: 2100, cols: 5000, want: 1},
		{name: "no limit", configured: 500, params: 0, cols: 10, want: 500},
		{name: "default when unset", configured: 0, params: 65535, cols: 3, want: config.DefaultBatchSize},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, EffectiveBatchSize(tc.configured, tc.params, tc.cols))
		})
	}
}

func TestExecute_TwoBatchesCreateThenAppend(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	rec := &fakeRecorder{}
	reader := &fakeReader{results: map[string]*dataset.ResultSet{"SELECT mes_orders.sql": orderResult(150)}}
	e := newTestEngine(store, rec, Options{BatchSize: 75})

	res := e.Execute(context.Background(), mesOrders(), reader)

	require.NoError(t, res.Err)
	require.True(t, res.Succeeded)
	require.Equal(t, int64(150), res.RowCount)
	require.Equal(t, config.SourceMES, res.SourceType)
	require.Empty(t, res.Backup)

	writes := store.ops("write")
	require.Len(t, writes, 2)
	require.Equal(t, storeCall{op: "write", table: "orders", rows: 75, mode: storage.WriteCreate}, writes[0])
	require.Equal(t, storeCall{op: "write", table: "orders", rows: 75, mode: storage.WriteAppend}, writes[1])
	require.Empty(t, store.ops("backup"))

	require.Len(t, rec.queries, 1)
	require.Equal(t, res, rec.queries[0])

	// nulls were cleaned before writing
	for _, r := range store.tables["orders"] {
		require.NotNil(t, r[1])
		require.NotNil(t, r[2])
	}
}

func TestExecute_FailedBatchRestoresBackup(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	before := [][]any{{int64(1), 9.0, "old"}, {int64(2), 8.0, "old"}}
	store.seed("sales", before)
	store.failWriteAt = 2
	rec := &fakeRecorder{}
	m := metrics.NewMemory()
	reader := &fakeReader{results: map[string]*dataset.ResultSet{"SELECT sap_sales.sql": orderResult(225)}}
	e := newTestEngine(store, rec, Options{BatchSize: 75, Metrics: m})

	q := config.QueryDefinition{Name: "sap_sales", SQLRef: "sap_sales.sql", TargetTable: "sales"}
	res := e.Execute(context.Background(), q, reader)

	require.False(t, res.Succeeded)
	require.Error(t, res.Err)
	require.True(t, res.Restored)
	require.Zero(t, res.RowCount)

	backups := store.ops("backup")
	require.Len(t, backups, 1)
	require.Equal(t, "sales", backups[0].table)
	require.Len(t, store.ops("write"), 2)
	require.Equal(t, []storeCall{{op: "drop", table: "sales"}}, store.ops("drop"))
	require.Equal(t, []storeCall{{op: "restore", table: "sales", arg: res.Backup}}, store.ops("restore"))
	require.Equal(t, "sales_backup_20260102030405", res.Backup)

	if diff := cmp.Diff(before, store.tables["sales"]); diff != "" {
		t.Fatalf("restored contents differ (-want +got):\n%s", diff)
	}
	require.Len(t, rec.queries, 1)
	require.Equal(t, 1.0, m.Counter(metrics.RestoreTotal, metrics.Labels{metrics.LabelStatus: "ok"}))
	require.Equal(t, 1.0, m.Counter(metrics.QueryTotal, metrics.Labels{metrics.LabelSource: "sap", metrics.LabelStatus: "failed"}))
}

func TestExecute_EmptyResultLeavesTargetUntouched(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.seed("orders", [][]any{{int64(1), 1.0, "x"}})
	rec := &fakeRecorder{}
	e := newTestEngine(store, rec, Options{})

	res := e.Execute(context.Background(), mesOrders(), &fakeReader{})

	require.True(t, res.Succeeded)
	require.Zero(t, res.RowCount)
	require.Empty(t, store.calls)
	require.Len(t, store.tables["orders"], 1)
	require.Len(t, rec.queries, 1)
}

func TestExecute_FailuresBeforeMutation(t *testing.T) {
	t.Parallel()

	readErr := errors.New("login failed")
	tests := []struct {
		name      string
		resolver  identityResolver
		reader    *fakeReader
		setup     func(*fakeStore)
		wantCalls []string
	}{
		{
			name:     "unresolvable sql",
			resolver: identityResolver{errs: map[string]error{"mes_orders.sql": errors.New("not found")}},
			reader:   &fakeReader{},
		},
		{
			name:   "read error",
			reader: &fakeReader{errs: map[string]error{"SELECT mes_orders.sql": readErr}},
		},
		{
			name:      "exists check fails",
			reader:    &fakeReader{results: map[string]*dataset.ResultSet{"SELECT mes_orders.sql": orderResult(10)}},
			setup:     func(s *fakeStore) { s.errExists = errors.New("timeout") },
			wantCalls: []string{"exists"},
		},
		{
			name:      "backup fails",
			reader:    &fakeReader{results: map[string]*dataset.ResultSet{"SELECT mes_orders.sql": orderResult(10)}},
			setup:     func(s *fakeStore) { s.errBackup = errors.New("disk full") },
			wantCalls: []string{"exists", "backup"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			store.seed("orders", [][]any{{int64(1), 1.0, "x"}})
			if tc.setup != nil {
				tc.setup(store)
			}
			rec := &fakeRecorder{}
			e := NewEngine(store, tc.resolver, Options{Recorder: rec, Clock: clockwork.NewFakeClock()})

			res := e.Execute(context.Background(), mesOrders(), tc.reader)

			require.False(t, res.Succeeded)
			require.Error(t, res.Err)
			var ops []string
			for _, c := range store.calls {
				ops = append(ops, c.op)
			}
			require.Equal(t, tc.wantCalls, ops)
			require.Equal(t, [][]any{{int64(1), 1.0, "x"}}, store.tables["orders"])
			require.Len(t, rec.queries, 1)
		})
	}
}

func TestExecute_WriteFailureWithoutBackupLeavesPartialTable(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.failWriteAt = 2
	rec := &fakeRecorder{}
	reader := &fakeReader{results: map[string]*dataset.ResultSet{"SELECT mes_orders.sql": orderResult(30)}}
	e := newTestEngine(store, rec, Options{BatchSize: 10})

	res := e.Execute(context.Background(), mesOrders(), reader)

	require.False(t, res.Succeeded)
	require.False(t, res.Restored)
	require.Empty(t, store.ops("drop"))
	require.Empty(t, store.ops("restore"))
	require.Len(t, store.tables["orders"], 10)
}

func TestExecute_RestoreFailureIsReported(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.seed("orders", [][]any{{int64(1), 1.0, "x"}})
	store.failWriteAt = 1
	store.errRestore = errors.New("permission denied")
	m := metrics.NewMemory()
	reader := &fakeReader{results: map[string]*dataset.ResultSet{"SELECT mes_orders.sql": orderResult(5)}}
	e := newTestEngine(store, &fakeRecorder{}, Options{Metrics: m})

	res := e.Execute(context.Background(), mesOrders(), reader)

	require.False(t, res.Succeeded)
	require.False(t, res.Restored)
	require.ErrorIs(t, res.Err, ErrRestoreFailed)
	require.ErrorContains(t, res.Err, "write rejected")
	require.Equal(t, 1.0, m.Counter(metrics.RestoreTotal, metrics.Labels{metrics.LabelStatus: "failed"}))
}

func TestExecute_RowCountMismatchTakesRestorePath(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	before := [][]any{{int64(1), 1.0, "x"}}
	store.seed("orders", before)
	store.rowCountDelta = -1
	reader := &fakeReader{results: map[string]*dataset.ResultSet{"SELECT mes_orders.sql": orderResult(5)}}
	e := newTestEngine(store, &fakeRecorder{}, Options{})

	res := e.Execute(context.Background(), mesOrders(), reader)

	require.False(t, res.Succeeded)
	require.ErrorIs(t, res.Err, ErrRowCountMismatch)
	require.True(t, res.Restored)
	require.Equal(t, before, store.tables["orders"])
}

func TestExecute_BatchSizeBoundedByParameterLimit(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.maxParams = 10 // 3 columns -> 3 rows per statement
	reader := &fakeReader{results: map[string]*dataset.ResultSet{"SELECT mes_orders.sql": orderResult(7)}}
	e := newTestEngine(store, &fakeRecorder{}, Options{BatchSize: 75})

	res := e.Execute(context.Background(), mesOrders(), reader)

	require.True(t, res.Succeeded)
	var sizes []int
	for _, w := range store.ops("write") {
		sizes = append(sizes, w.rows)
	}
	require.Equal(t, []int{3, 3, 1}, sizes)
}

func TestExecute_ProgressAndMetrics(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	progress := &progressLog{}
	m := metrics.NewMemory()
	reader := &fakeReader{results: map[string]*dataset.ResultSet{"SELECT mes_orders.sql": orderResult(100)}}
	e := newTestEngine(store, &fakeRecorder{}, Options{BatchSize: 10, ProgressInterval: 25, Progress: progress, Metrics: m})

	res := e.Execute(context.Background(), mesOrders(), reader)
	require.True(t, res.Succeeded)

	var written []int
	for _, ev := range progress.events {
		require.Equal(t, 100, ev.Total)
		written = append(written, ev.Written)
	}
	require.Equal(t, []int{30, 50, 80, 100}, written)
	require.True(t, progress.events[len(progress.events)-1].Done)

	require.Equal(t, 10.0, m.Counter(metrics.BatchesTotal, nil))
	require.Equal(t, 100.0, m.Counter(metrics.RowsTotal, metrics.Labels{metrics.LabelSource: "mes"}))
	require.Len(t, m.Samples(metrics.QueryDuration, metrics.Labels{metrics.LabelSource: "mes", metrics.LabelStatus: "succeeded"}), 1)
}

// Sum of rows across WriteBatch calls is N and the call count is ceil(N/B).
func TestExecute_BatchConservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 600).Draw(t, "rows")
		b := rapid.IntRange(1, 120).Draw(t, "batch")

		store := newFakeStore()
		reader := &fakeReader{results: map[string]*dataset.ResultSet{"SELECT mes_orders.sql": orderResult(n)}}
		e := newTestEngine(store, &fakeRecorder{}, Options{BatchSize: b})

		res := e.Execute(context.Background(), mesOrders(), reader)
		if !res.Succeeded {
			t.Fatalf("execute failed: %v", res.Err)
		}

		writes := store.ops("write")
		if want := (n + b - 1) / b; len(writes) != want {
			t.Fatalf("WriteBatch calls = %d, want %d", len(writes), want)
		}
		sum := 0
		for i, w := range writes {
			sum += w.rows
			wantMode := storage.WriteAppend
			if i == 0 {
				wantMode = storage.WriteCreate
			}
			if w.mode != wantMode {
				t.Fatalf("call %d mode = %s, want %s", i, w.mode, wantMode)
			}
		}
		if sum != n {
			t.Fatalf("rows written = %d, want %d", sum, n)
		}
	})
}

// After Execute the target holds the new data, the exact pre-run contents,
// or a partial/absent table only when it was absent before and the result
// reports failure.
func TestExecute_AtMostOneLiveCopy(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 200).Draw(t, "rows")
		b := rapid.IntRange(1, 50).Draw(t, "batch")
		existed := rapid.Bool().Draw(t, "existed")
		calls := (n + b - 1) / b
		failAt := 0
		if calls > 0 {
			failAt = rapid.IntRange(0, calls).Draw(t, "failAt")
		}

		store := newFakeStore()
		before := [][]any{{int64(-1), -1.0, "before"}}
		if existed {
			store.seed("orders", before)
		}
		store.failWriteAt = failAt
		reader := &fakeReader{results: map[string]*dataset.ResultSet{"SELECT mes_orders.sql": orderResult(n)}}
		e := newTestEngine(store, &fakeRecorder{}, Options{BatchSize: b})

		res := e.Execute(context.Background(), mesOrders(), reader)
		got, present := store.tables["orders"]

		switch {
		case res.Succeeded && n == 0:
			if existed && !cmp.Equal(before, got) {
				t.Fatalf("empty result mutated target")
			}
			if !existed && present {
				t.Fatalf("empty result created target")
			}
		case res.Succeeded:
			if len(got) != n {
				t.Fatalf("succeeded with %d rows in target, want %d", len(got), n)
			}
		case existed:
			if !res.Restored || !cmp.Equal(before, got) {
				t.Fatalf("failed run did not restore pre-run contents: restored=%v got=%v", res.Restored, got)
			}
		default:
			if res.Err == nil {
				t.Fatalf("failed result without error")
			}
		}
	})
}
