package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"

	"tableauetl/internal/config"
	"tableauetl/internal/dataset"
	"tableauetl/internal/log"
	"tableauetl/internal/metrics"
	"tableauetl/internal/source"
	"tableauetl/internal/storage"
)

// Options configures an Engine and the Coordinator built on it. Zero values fall back to
// defaults: no-op recorder, metrics and progress, the real clock and the
// configured default batch size.
type Options struct {
	BatchSize        int
	ProgressInterval int

	Recorder Recorder
	Metrics  metrics.Backend
	Progress ProgressObserver
	Clock    clockwork.Clock
	Logger   log.Logger
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = config.DefaultBatchSize
	}
	if o.ProgressInterval < 0 {
		o.ProgressInterval = 0
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	o.Metrics = metrics.OrNop(o.Metrics)
	if o.Progress == nil {
		o.Progress = nopProgress{}
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	o.Logger = log.NewLogger(o.Logger)
	return o
}

// Engine replaces one target table with the result of one source query:
// read, clean, back up and truncate, write in batches, verify, and restore
// from the backup when the write fails.
type Engine struct {
	store    storage.TargetStore
	resolver SQLResolver
	opts     Options
	logger   log.Logger
}

func NewEngine(store storage.TargetStore, resolver SQLResolver, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		store:    store,
		resolver: resolver,
		opts:     opts,
		logger:   opts.Logger.WithFields(log.Fields{log.ModuleField: "engine"}),
	}
}

// EffectiveBatchSize bounds the configured batch size so that one statement
// binds fewer than maxParameters values. One parameter is reserved for
// drivers that bind an extra value per statement. The result is at least 1.
func EffectiveBatchSize(configured, maxParameters, columns int) int {
	size := configured
	if size <= 0 {
		size = config.DefaultBatchSize
	}
	if maxParameters > 0 && columns > 0 {
		if limit := (maxParameters - 1) / columns; limit < size {
			size = limit
		}
	}
	if size < 1 {
		size = 1
	}
	return size
}

// Execute runs one query and records exactly one result.
func (e *Engine) Execute(ctx context.Context, query config.QueryDefinition, reader source.Reader) QueryRunResult {
	start := e.opts.Clock.Now()
	res := e.execute(ctx, query, reader)
	res.Duration = e.opts.Clock.Since(start)

	status := "succeeded"
	if !res.Succeeded {
		status = "failed"
	}
	labels := metrics.Labels{metrics.LabelSource: string(res.SourceType), metrics.LabelStatus: status}
	e.opts.Metrics.IncCounter(metrics.QueryTotal, 1, labels)
	e.opts.Metrics.ObserveHistogram(metrics.QueryDuration, res.Duration.Seconds(), labels)
	if res.Succeeded {
		e.opts.Metrics.IncCounter(metrics.RowsTotal, float64(res.RowCount), metrics.Labels{metrics.LabelSource: string(res.SourceType)})
	}

	e.opts.Recorder.RecordQuery(ctx, res)
	return res
}

func (e *Engine) execute(ctx context.Context, query config.QueryDefinition, reader source.Reader) QueryRunResult {
	res := QueryRunResult{
		QueryName:   query.Name,
		TargetTable: query.TargetTable,
		SourceType:  query.SourceType(),
	}
	logger := e.logger.WithFields(log.Fields{
		log.QueryField:  query.Name,
		log.TableField:  query.TargetTable,
		log.SourceField: string(res.SourceType),
	})
	fail := func(err error) QueryRunResult {
		res.Err = err
		logger.Error(err, "query failed")
		return res
	}

	// 1. resolve and read
	sqlText, err := e.resolver.Load(query.SQLRef)
	if err != nil {
		return fail(fmt.Errorf("resolve sql %q: %w", query.SQLRef, err))
	}
	if strings.TrimSpace(sqlText) == "" {
		return fail(fmt.Errorf("resolve sql %q: empty", query.SQLRef))
	}
	logger.Info("executing source query")
	rs, err := reader.Query(ctx, sqlText)
	if err != nil {
		return fail(fmt.Errorf("read source: %w", err))
	}

	// 2. empty result
	total := rs.Len()
	if total == 0 {
		logger.Info("source query returned no rows; target left untouched")
		res.Succeeded = true
		return res
	}

	// 3. clean
	if nulls := dataset.CountNulls(rs); nulls > 0 {
		logger.Debug("normalizing null values", log.Fields{"nulls": nulls})
	}
	cleaned := dataset.Clean(rs)

	// 4. backup
	exists, err := e.store.TableExists(ctx, query.TargetTable)
	if err != nil {
		return fail(fmt.Errorf("check target table: %w", err))
	}
	if exists {
		backup, err := e.store.BackupAndTruncate(ctx, query.TargetTable)
		if err != nil {
			return fail(fmt.Errorf("backup target table: %w", err))
		}
		res.Backup = backup
		logger.Info("target table backed up and truncated", log.Fields{"backup": backup})
	}

	// 5. write, then verify
	if err := e.write(ctx, query, cleaned, logger); err != nil {
		res.Err = err
		e.opts.Progress.Observe(ProgressEvent{Query: query.Name, Table: query.TargetTable, Total: total, Done: true, Err: err})
		return e.rollback(ctx, res, logger)
	}

	// 6. commit
	res.RowCount = int64(total)
	res.Succeeded = true
	logger.Info("query completed", log.Fields{"rows": total})
	return res
}

func (e *Engine) write(ctx context.Context, query config.QueryDefinition, rs *dataset.ResultSet, logger log.Logger) error {
	total := rs.Len()
	size := EffectiveBatchSize(e.opts.BatchSize, e.store.MaxParameters(), len(rs.Columns))
	if size != e.opts.BatchSize {
		logger.Debug("batch size bounded by parameter limit", log.Fields{"batch_size": size})
	}

	written := 0
	for i, chunk := range dataset.Chunks(rs.Rows, size) {
		mode := storage.WriteAppend
		if i == 0 {
			mode = storage.WriteCreate
		}
		if err := e.store.WriteBatch(ctx, query.TargetTable, rs.Columns, chunk, mode); err != nil {
			return fmt.Errorf("write batch %d (%s, rows %d-%d): %w", i+1, mode, written+1, written+len(chunk), err)
		}
		e.opts.Metrics.IncCounter(metrics.BatchesTotal, 1, nil)

		prev := written
		written += len(chunk)
		if iv := e.opts.ProgressInterval; iv > 0 && written/iv > prev/iv && written < total {
			e.opts.Progress.Observe(ProgressEvent{Query: query.Name, Table: query.TargetTable, Written: written, Total: total})
		}
	}

	got, err := e.store.RowCount(ctx, query.TargetTable)
	if err != nil {
		return fmt.Errorf("verify row count: %w", err)
	}
	if got != int64(total) {
		return fmt.Errorf("%w: table %s has %d rows, wrote %d", ErrRowCountMismatch, query.TargetTable, got, total)
	}
	e.opts.Progress.Observe(ProgressEvent{Query: query.Name, Table: query.TargetTable, Written: written, Total: total, Done: true})
	return nil
}

// rollback restores the pre-run contents after a failed write. Without a
// backup the partially written table is left in place and only the write
// error is reported.
func (e *Engine) rollback(ctx context.Context, res QueryRunResult, logger log.Logger) QueryRunResult {
	if res.Backup == "" {
		logger.Error(res.Err, "write failed; no backup to restore, target table may be partial")
		return res
	}

	logger.Warn(res.Err, "write failed; restoring from backup", log.Fields{"backup": res.Backup})
	if err := e.restore(ctx, res.TargetTable, res.Backup); err != nil {
		e.opts.Metrics.IncCounter(metrics.RestoreTotal, 1, metrics.Labels{metrics.LabelStatus: "failed"})
		restoreErr := fmt.Errorf("%w: %s from %s: %w", ErrRestoreFailed, res.TargetTable, res.Backup, err)
		logger.Error(restoreErr, "DATA LOSS RISK: target table could not be restored", log.Fields{"backup": res.Backup})
		res.Err = errors.Join(res.Err, restoreErr)
		return res
	}

	e.opts.Metrics.IncCounter(metrics.RestoreTotal, 1, metrics.Labels{metrics.LabelStatus: "ok"})
	res.Restored = true
	logger.Info("target table restored from backup", log.Fields{"backup": res.Backup})
	return res
}

func (e *Engine) restore(ctx context.Context, table, backup string) error {
	exists, err := e.store.TableExists(ctx, table)
	if err != nil {
		return fmt.Errorf("check live table: %w", err)
	}
	if exists {
		if err := e.store.DropTable(ctx, table); err != nil {
			return fmt.Errorf("drop partial table: %w", err)
		}
	}
	return e.store.RestoreFromBackup(ctx, table, backup)
}
