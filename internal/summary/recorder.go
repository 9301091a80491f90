// Package summary writes query and run outcomes to the ETL_SUMMARY table and
// builds the execution report read back from it.
package summary

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"tableauetl/internal/config"
	"tableauetl/internal/log"
	"tableauetl/internal/metrics"
	"tableauetl/internal/pipeline"
	"tableauetl/internal/storage"
)

// Sentinels of run-level records.
const (
	SourceAll     = "ALL"
	RunQueryName  = "ETL_COMPLETE"
	RunTableName  = "ALL_TABLES"
	StatusOK      = "SUCCEEDED"
	StatusFailed  = "FAILED"
	StatusSkipped = "SKIPPED"
	RunComplete   = "COMPLETE"
	RunFailed     = "FAILED"
)

// maxErrorMessage bounds ERROR_MESSAGE; longer messages are cut.
const maxErrorMessage = 4000

// Recorder implements pipeline.Recorder on a summary repository. Write
// failures are logged and counted, never returned.
type Recorder struct {
	repo    storage.SummaryRepository
	metrics metrics.Backend
	clock   clockwork.Clock
	logger  log.Logger

	mu  sync.Mutex
	tag string
}

func NewRecorder(repo storage.SummaryRepository, m metrics.Backend, clock clockwork.Clock, logger log.Logger) *Recorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Recorder{
		repo:    repo,
		metrics: metrics.OrNop(m),
		clock:   clock,
		logger:  log.NewLogger(logger).WithFields(log.Fields{log.ModuleField: "summary"}),
	}
}

// BeginRun ensures the summary table exists and fixes the run tag.
func (r *Recorder) BeginRun(ctx context.Context, started time.Time) {
	r.mu.Lock()
	r.tag = started.Format(storage.TimestampLayout)
	r.mu.Unlock()

	if err := r.repo.EnsureSummaryTable(ctx); err != nil {
		r.metrics.IncCounter(metrics.SummaryErrorsTotal, 1, nil)
		r.logger.Warn(err, "summary table unavailable; records of this run may be lost")
	}
}

func (r *Recorder) RecordQuery(ctx context.Context, res pipeline.QueryRunResult) {
	rec := QueryRecord(r.runTag(), res, r.clock.Now())
	if err := r.repo.InsertSummary(ctx, rec); err != nil {
		r.metrics.IncCounter(metrics.SummaryErrorsTotal, 1, nil)
		r.logger.Warn(err, "failed to record query summary", log.Fields{log.QueryField: res.QueryName, log.TableField: res.TargetTable})
		return
	}
	r.logger.Debug("query summary recorded", log.Fields{log.QueryField: res.QueryName, "status": rec.ETLStatus})
}

func (r *Recorder) RecordRun(ctx context.Context, sum pipeline.RunSummary) {
	rec := RunRecord(r.runTag(), sum, r.clock.Now())
	if err := r.repo.InsertSummary(ctx, rec); err != nil {
		r.metrics.IncCounter(metrics.SummaryErrorsTotal, 1, nil)
		r.logger.Warn(err, "failed to record run summary")
		return
	}
	r.logger.Info("run summary recorded", log.Fields{"status": rec.ETLStatus, "rows": rec.RowCount})
}

// runTag returns the tag set by BeginRun, or the current time when results
// are recorded outside a run.
func (r *Recorder) runTag() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tag == "" {
		return r.clock.Now().Format(storage.TimestampLayout)
	}
	return r.tag
}

// QueryRecord maps one query result to a QUERY summary row.
func QueryRecord(tag string, res pipeline.QueryRunResult, at time.Time) storage.SummaryRecord {
	status := StatusFailed
	switch {
	case res.Skipped:
		status = StatusSkipped
	case res.Succeeded:
		status = StatusOK
	}
	return storage.SummaryRecord{
		Timestamp:    tag,
		SourceType:   res.SourceType.Label(),
		QueryName:    res.QueryName,
		TargetTable:  res.TargetTable,
		RowCount:     res.RowCount,
		ETLDate:      at,
		SummaryType:  storage.SummaryTypeQuery,
		ETLStatus:    status,
		ErrorMessage: errorMessage(res.Err),
	}
}

// RunRecord maps a run summary to the single SUMMARY row of the run.
func RunRecord(tag string, sum pipeline.RunSummary, at time.Time) storage.SummaryRecord {
	status := RunComplete
	if !sum.Succeeded() {
		status = RunFailed
	}
	var failed []string
	for _, s := range config.Sources {
		if sum.Status(s) == pipeline.StatusFailed {
			failed = append(failed, s.Label())
		}
	}
	msg := ""
	if len(failed) > 0 {
		msg = fmt.Sprintf("failed sources: %s", strings.Join(failed, ", "))
	}
	return storage.SummaryRecord{
		Timestamp:    tag,
		SourceType:   SourceAll,
		QueryName:    RunQueryName,
		TargetTable:  RunTableName,
		RowCount:     sum.TotalRows(),
		ETLDate:      at,
		SummaryType:  storage.SummaryTypeRun,
		ETLStatus:    status,
		MESStatus:    sourceStatus(sum.Status(config.SourceMES)),
		SAPStatus:    sourceStatus(sum.Status(config.SourceSAP)),
		MESRows:      sum.Rows[config.SourceMES],
		SAPRows:      sum.Rows[config.SourceSAP],
		ErrorMessage: msg,
	}
}

func sourceStatus(s pipeline.Status) string {
	switch s {
	case pipeline.StatusSucceeded:
		return StatusOK
	case pipeline.StatusFailed:
		return StatusFailed
	default:
		return StatusSkipped
	}
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", "; ")
	if len(msg) > maxErrorMessage {
		msg = strings.ToValidUTF8(msg[:maxErrorMessage], "")
	}
	return msg
}

var _ pipeline.Recorder = (*Recorder)(nil)

// sortNewestFirst orders records by ETLDate then ID, newest first.
func sortNewestFirst(recs []storage.SummaryRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].ETLDate.Equal(recs[j].ETLDate) {
			return recs[i].ETLDate.After(recs[j].ETLDate)
		}
		return recs[i].ID > recs[j].ID
	})
}
