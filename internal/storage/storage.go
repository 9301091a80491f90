// Package storage defines the target store contract consumed by the batch
// replace engine, the summary persistence contract, and the registry of
// backend implementations. Backends live in sub-packages and register
// themselves from init.
package storage

import (
	"context"
	"errors"
	"time"

	"tableauetl/internal/dataset"
)

var (
	ErrUnsupportedKind = errors.New("storage: unsupported kind")
	ErrTableNotFound   = errors.New("storage: table not found")
)

// WriteMode selects how WriteBatch treats the destination table.
type WriteMode int

const (
	// WriteCreate drops any existing table, creates it from the column kinds
	// and inserts the rows.
	WriteCreate WriteMode = iota
	// WriteAppend inserts into an existing table.
	WriteAppend
)

func (m WriteMode) String() string {
	if m == WriteCreate {
		return "create"
	}
	return "append"
}

// ColumnInfo describes one column of an existing table. MaxLength, Precision
// and Scale are zero when the backend does not report them.
type ColumnInfo struct {
	Name      string
	Type      string
	Nullable  bool
	MaxLength int64
	Precision int64
	Scale     int64
}

// TargetStore is the set of table operations the engine needs. Table and
// column names are passed unquoted; each backend quotes them itself.
type TargetStore interface {
	TableExists(ctx context.Context, table string) (bool, error)
	// BackupAndTruncate copies table to a new backup table and empties it in
	// one transaction. It returns "" when table does not exist.
	BackupAndTruncate(ctx context.Context, table string) (string, error)
	// WriteBatch writes rows with a single parameterized statement.
	WriteBatch(ctx context.Context, table string, columns []dataset.Column, rows [][]any, mode WriteMode) error
	// DropTable is a no-op when table does not exist.
	DropTable(ctx context.Context, table string) error
	// RestoreFromBackup recreates table from backup. table must not exist.
	RestoreFromBackup(ctx context.Context, table, backup string) error
	GetStructure(ctx context.Context, table string) ([]ColumnInfo, error)
	RowCount(ctx context.Context, table string) (int64, error)
	// MaxParameters is the bound parameter limit of one statement.
	MaxParameters() int
}

// SummaryRepository persists summary records.
type SummaryRepository interface {
	// EnsureSummaryTable applies the summary table migrations.
	EnsureSummaryTable(ctx context.Context) error
	InsertSummary(ctx context.Context, rec SummaryRecord) error
	// ListSummaries returns records with ETLDate >= since, newest first.
	ListSummaries(ctx context.Context, since time.Time) ([]SummaryRecord, error)
}

// Target is a reporting database backend.
type Target interface {
	TargetStore
	SummaryRepository
	Close() error
}
