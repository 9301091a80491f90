// Package pipeline holds the batch replace engine, which replaces one target
// table with the result of one source query, and the run coordinator, which
// drives the engine over the queries of each requested source.
//
// Everything here is sequential: one query at a time, one source at a time.
package pipeline

import (
	"context"
	"errors"
	"time"

	"tableauetl/internal/config"
)

var (
	// ErrRowCountMismatch reports that the target holds a different number of
	// rows than were written.
	ErrRowCountMismatch = errors.New("pipeline: row count mismatch")
	// ErrRestoreFailed reports that a failed write could not be rolled back
	// from its backup. The target table may be missing or partial.
	ErrRestoreFailed = errors.New("pipeline: restore from backup failed")
)

// SourceType is the upstream system a query reads from.
type SourceType = config.SourceType

// Status is the aggregate outcome of one source in a run.
type Status string

const (
	StatusSkipped   Status = "skipped"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// QueryRunResult is the outcome of one query attempt. Skipped results are
// produced for queries that were never handed to the engine.
type QueryRunResult struct {
	QueryName   string
	TargetTable string
	SourceType  SourceType
	RowCount    int64
	Succeeded   bool
	Err         error
	Skipped     bool
	// Backup is the backup table taken before the write, if any.
	Backup string
	// Restored is set when a failed write was rolled back from Backup.
	Restored bool
	Duration time.Duration
}

// RunSummary aggregates one run over all sources.
type RunSummary struct {
	Timestamp time.Time
	Statuses  map[SourceType]Status
	Rows      map[SourceType]int64
}

// Status returns the status of s, skipped when s was not part of the run.
func (r RunSummary) Status(s SourceType) Status {
	if st, ok := r.Statuses[s]; ok {
		return st
	}
	return StatusSkipped
}

// Succeeded reports whether every requested source succeeded.
func (r RunSummary) Succeeded() bool {
	for _, st := range r.Statuses {
		if st == StatusFailed {
			return false
		}
	}
	return true
}

func (r RunSummary) TotalRows() int64 {
	var n int64
	for _, v := range r.Rows {
		n += v
	}
	return n
}

// Recorder persists query and run outcomes. Implementations must not fail the
// pipeline: errors are handled internally.
type Recorder interface {
	// BeginRun fixes the timestamp tag shared by the records of one run.
	BeginRun(ctx context.Context, started time.Time)
	RecordQuery(ctx context.Context, res QueryRunResult)
	RecordRun(ctx context.Context, sum RunSummary)
}

// ProgressEvent reports rows written so far for one query. The final event of
// a query has Done set.
type ProgressEvent struct {
	Query   string
	Table   string
	Written int
	Total   int
	Done    bool
	Err     error
}

type ProgressObserver interface {
	Observe(ev ProgressEvent)
}

// SQLResolver turns a query's SQL reference into SQL text.
type SQLResolver interface {
	Load(ref string) (string, error)
}

type nopRecorder struct{}

func (nopRecorder) BeginRun(context.Context, time.Time)         {}
func (nopRecorder) RecordQuery(context.Context, QueryRunResult) {}
func (nopRecorder) RecordRun(context.Context, RunSummary)       {}

type nopProgress struct{}

func (nopProgress) Observe(ProgressEvent) {}
