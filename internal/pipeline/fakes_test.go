package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tableauetl/internal/dataset"
	"tableauetl/internal/storage"
)

type storeCall struct {
	op    string
	table string
	arg   string
	rows  int
	mode  storage.WriteMode
}

// fakeStore is an in-memory TargetStore that logs every call.
type fakeStore struct {
	tables    map[string][][]any
	calls     []storeCall
	maxParams int

	// failWriteAt fails the n-th WriteBatch call (1-based); 0 never fails.
	failWriteAt   int
	writes        int
	errExists     error
	errBackup     error
	errRestore    error
	rowCountDelta int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{tables: map[string][][]any{}, maxParams: 2100}
}

func (f *fakeStore) seed(table string, rows [][]any) {
	f.tables[table] = cloneRows(rows)
}

func (f *fakeStore) ops(op string) []storeCall {
	var out []storeCall
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeStore) TableExists(ctx context.Context, table string) (bool, error) {
	f.calls = append(f.calls, storeCall{op: "exists", table: table})
	if f.errExists != nil {
		return false, f.errExists
	}
	_, ok := f.tables[table]
	return ok, nil
}

func (f *fakeStore) BackupAndTruncate(ctx context.Context, table string) (string, error) {
	f.calls = append(f.calls, storeCall{op: "backup", table: table})
	if f.errBackup != nil {
		return "", f.errBackup
	}
	rows, ok := f.tables[table]
	if !ok {
		return "", nil
	}
	name := storage.BackupName(table, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	f.tables[name] = cloneRows(rows)
	f.tables[table] = [][]any{}
	return name, nil
}

func (f *fakeStore) WriteBatch(ctx context.Context, table string, columns []dataset.Column, rows [][]any, mode storage.WriteMode) error {
	f.writes++
	f.calls = append(f.calls, storeCall{op: "write", table: table, rows: len(rows), mode: mode})
	if f.failWriteAt > 0 && f.writes == f.failWriteAt {
		return errors.New("write rejected")
	}
	for _, r := range rows {
		if len(r) != len(columns) {
			return fmt.Errorf("row width %d, want %d", len(r), len(columns))
		}
	}
	switch mode {
	case storage.WriteCreate:
		f.tables[table] = cloneRows(rows)
	default:
		if _, ok := f.tables[table]; !ok {
			return storage.ErrTableNotFound
		}
		f.tables[table] = append(f.tables[table], cloneRows(rows)...)
	}
	return nil
}

func (f *fakeStore) DropTable(ctx context.Context, table string) error {
	f.calls = append(f.calls, storeCall{op: "drop", table: table})
	delete(f.tables, table)
	return nil
}

func (f *fakeStore) RestoreFromBackup(ctx context.Context, table, backup string) error {
	f.calls = append(f.calls, storeCall{op: "restore", table: table, arg: backup})
	if f.errRestore != nil {
		return f.errRestore
	}
	if _, ok := f.tables[table]; ok {
		return fmt.Errorf("table %s already exists", table)
	}
	rows, ok := f.tables[backup]
	if !ok {
		return storage.ErrTableNotFound
	}
	f.tables[table] = cloneRows(rows)
	return nil
}

func (f *fakeStore) GetStructure(ctx context.Context, table string) ([]storage.ColumnInfo, error) {
	return nil, nil
}

func (f *fakeStore) RowCount(ctx context.Context, table string) (int64, error) {
	f.calls = append(f.calls, storeCall{op: "count", table: table})
	rows, ok := f.tables[table]
	if !ok {
		return 0, storage.ErrTableNotFound
	}
	return int64(len(rows)) + f.rowCountDelta, nil
}

func (f *fakeStore) MaxParameters() int { return f.maxParams }

func cloneRows(rows [][]any) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = append([]any(nil), r...)
	}
	return out
}

// fakeReader returns a fixed result set per SQL text and logs queries.
type fakeReader struct {
	results map[string]*dataset.ResultSet
	errs    map[string]error
	queried []string
}

func (r *fakeReader) Query(ctx context.Context, sql string) (*dataset.ResultSet, error) {
	r.queried = append(r.queried, sql)
	if err := r.errs[sql]; err != nil {
		return nil, err
	}
	if rs, ok := r.results[sql]; ok {
		return rs, nil
	}
	return &dataset.ResultSet{}, nil
}

func (r *fakeReader) Close() error { return nil }

// identityResolver maps a SQL reference to "SELECT <ref>".
type identityResolver struct {
	errs map[string]error
}

func (r identityResolver) Load(ref string) (string, error) {
	if err := r.errs[ref]; err != nil {
		return "", err
	}
	return "SELECT " + ref, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	started []time.Time
	queries []QueryRunResult
	runs    []RunSummary
}

func (r *fakeRecorder) BeginRun(ctx context.Context, started time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, started)
}

func (r *fakeRecorder) RecordQuery(ctx context.Context, res QueryRunResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, res)
}

func (r *fakeRecorder) RecordRun(ctx context.Context, sum RunSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, sum)
}

type progressLog struct {
	events []ProgressEvent
}

func (p *progressLog) Observe(ev ProgressEvent) { p.events = append(p.events, ev) }

var orderColumns = []dataset.Column{
	{Name: "order_id", Kind: dataset.KindInteger},
	{Name: "qty", Kind: dataset.KindFloat},
	{Name: "plant", Kind: dataset.KindText},
}

// orderRows builds n rows; every third row has null qty and plant.
func orderRows(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		if i%3 == 2 {
			rows[i] = []any{int64(i), nil, nil}
			continue
		}
		rows[i] = []any{int64(i), float64(i) * 1.5, fmt.Sprintf("P%03d", i%7)}
	}
	return rows
}

func orderResult(n int) *dataset.ResultSet {
	return &dataset.ResultSet{Columns: orderColumns, Rows: orderRows(n)}
}
