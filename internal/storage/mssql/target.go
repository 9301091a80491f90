// Package mssql is the Microsoft SQL Server target backend, the production
// reporting database.
package mssql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/pressly/goose/v3"

	"tableauetl/internal/dataset"
	"tableauetl/internal/log"
	"tableauetl/internal/storage"
)

const Kind = "mssql"

// maxParameters is SQL Server's limit on parameters per request.
const maxParameters = 2100

// maxValuesRows is the row limit of an INSERT ... VALUES list. Larger batches
// use a VALUES derived table, which has no such limit.
const maxValuesRows = 1000

//go:embed migrations/*.sql
var migrations embed.FS

func init() {
	storage.Register(Kind, New)
}

// Target implements storage.Target for SQL Server.
//
// Backup and create-mode writes run in a transaction: SELECT INTO, TRUNCATE
// and DDL are all transactional in SQL Server, so a failure leaves neither a
// half-made backup nor an emptied live table.
type Target struct {
	db     dbConn
	raw    *sql.DB
	clock  clockwork.Clock
	logger log.Logger

	// tsDatetime is set when ETL_SUMMARY.TIMESTAMP is a date/time column,
	// as in tables created by the previous job.
	tsDatetime bool
}

// New opens a Target using database/sql and the "sqlserver" driver and checks
// connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Target, error) {
	cfg = cfg.WithDefaults()
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return newTarget(&sqlDB{db: raw}, raw, cfg), nil
}

func newTarget(db dbConn, raw *sql.DB, cfg storage.Config) *Target {
	cfg = cfg.WithDefaults()
	return &Target{
		db:     db,
		raw:    raw,
		clock:  cfg.Clock,
		logger: cfg.Logger.WithFields(log.Fields{log.ModuleField: "storage.mssql"}),
	}
}

// Close releases database resources held by this target.
func (t *Target) Close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

func (t *Target) MaxParameters() int { return maxParameters }

const existsSQL = "SELECT CASE WHEN OBJECT_ID(@p1, N'U') IS NULL THEN 0 ELSE 1 END"

func (t *Target) TableExists(ctx context.Context, table string) (bool, error) {
	return tableExists(ctx, t.db, table)
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
}

func tableExists(ctx context.Context, q rowQueryer, table string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, existsSQL, mssqlTableIdent(table)).Scan(&n); err != nil {
		return false, fmt.Errorf("mssql: table exists %s: %w", table, err)
	}
	return n == 1, nil
}

// BackupAndTruncate copies table with SELECT INTO and truncates it in one
// transaction.
func (t *Target) BackupAndTruncate(ctx context.Context, table string) (string, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("mssql: backup %s: begin tx: %w", table, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	ok, err := tableExists(ctx, tx, table)
	if err != nil || !ok {
		return "", err
	}

	backup, err := storage.FreeBackupName(ctx, table, t.clock.Now(), func(ctx context.Context, name string) (bool, error) {
		return tableExists(ctx, tx, name)
	})
	if err != nil {
		return "", fmt.Errorf("mssql: backup %s: %w", table, err)
	}

	if _, err := tx.ExecContext(ctx, selectIntoSQL(table, backup)); err != nil {
		return "", fmt.Errorf("mssql: backup %s to %s: %w", table, backup, err)
	}
	if _, err := tx.ExecContext(ctx, "TRUNCATE TABLE "+mssqlTableIdent(table)); err != nil {
		return "", fmt.Errorf("mssql: truncate %s: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("mssql: backup %s: commit: %w", table, err)
	}
	committed = true

	t.logger.Info("table backed up and truncated", log.Fields{log.TableField: table, "backup": backup})
	return backup, nil
}

func (t *Target) RestoreFromBackup(ctx context.Context, table, backup string) error {
	if _, err := t.db.ExecContext(ctx, selectIntoSQL(backup, table)); err != nil {
		return fmt.Errorf("mssql: restore %s from %s: %w", table, backup, err)
	}
	t.logger.Info("table restored from backup", log.Fields{log.TableField: table, "backup": backup})
	return nil
}

func (t *Target) WriteBatch(ctx context.Context, table string, columns []dataset.Column, rows [][]any, mode storage.WriteMode) error {
	if len(columns) == 0 {
		return fmt.Errorf("mssql: write %s: no columns", table)
	}
	if len(rows)*len(columns) > maxParameters {
		return fmt.Errorf("mssql: write %s: %d parameters exceed the limit of %d",
			table, len(rows)*len(columns), maxParameters)
	}
	names := columnNames(columns)

	if mode == storage.WriteAppend {
		if len(rows) == 0 {
			return nil
		}
		q, args := buildInsertSQL(table, names, rows)
		if _, err := t.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("mssql: append %s: %w", table, err)
		}
		return nil
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mssql: create %s: begin tx: %w", table, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, dropIfExistsSQL(table), mssqlTableIdent(table)); err != nil {
		return fmt.Errorf("mssql: drop %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, buildCreateTableSQL(table, columns)); err != nil {
		return fmt.Errorf("mssql: create %s: %w", table, err)
	}
	if len(rows) > 0 {
		q, args := buildInsertSQL(table, names, rows)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("mssql: insert %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mssql: create %s: commit: %w", table, err)
	}
	committed = true
	return nil
}

func (t *Target) DropTable(ctx context.Context, table string) error {
	if _, err := t.db.ExecContext(ctx, dropIfExistsSQL(table), mssqlTableIdent(table)); err != nil {
		return fmt.Errorf("mssql: drop %s: %w", table, err)
	}
	return nil
}

const structureSQL = `SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE,
	COALESCE(CHARACTER_MAXIMUM_LENGTH, 0), COALESCE(NUMERIC_PRECISION, 0), COALESCE(NUMERIC_SCALE, 0)
FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_NAME = @p1 AND TABLE_SCHEMA = COALESCE(NULLIF(@p2, ''), SCHEMA_NAME())
ORDER BY ORDINAL_POSITION`

func (t *Target) GetStructure(ctx context.Context, table string) ([]storage.ColumnInfo, error) {
	schema, name := splitQualifiedName(table)
	rows, err := t.db.QueryContext(ctx, structureSQL, name, schema)
	if err != nil {
		return nil, fmt.Errorf("mssql: structure %s: %w", table, err)
	}
	defer rows.Close()

	var out []storage.ColumnInfo
	for rows.Next() {
		var (
			c        storage.ColumnInfo
			nullable string
			prec     int64
			scale    int64
		)
		if err := rows.Scan(&c.Name, &c.Type, &nullable, &c.MaxLength, &prec, &scale); err != nil {
			return nil, fmt.Errorf("mssql: structure %s: %w", table, err)
		}
		c.Nullable = strings.EqualFold(nullable, "YES")
		c.Precision, c.Scale = prec, scale
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mssql: structure %s: %w", table, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrTableNotFound, table)
	}
	return out, nil
}

func (t *Target) RowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := t.db.QueryRowContext(ctx, "SELECT COUNT_BIG(*) FROM "+mssqlTableIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("mssql: count %s: %w", table, err)
	}
	return n, nil
}

func (t *Target) EnsureSummaryTable(ctx context.Context) error {
	if t.raw == nil {
		return fmt.Errorf("mssql: no database handle for migrations")
	}
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	if err := storage.Migrate(ctx, t.raw, goose.DialectMSSQL, sub, t.logger); err != nil {
		return err
	}
	return t.detectTimestampType(ctx)
}

const timestampTypeSQL = `SELECT DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_NAME = N'ETL_SUMMARY' AND COLUMN_NAME = N'TIMESTAMP' AND TABLE_SCHEMA = SCHEMA_NAME()`

func (t *Target) detectTimestampType(ctx context.Context) error {
	var typ string
	err := t.db.QueryRowContext(ctx, timestampTypeSQL).Scan(&typ)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("mssql: summary timestamp type: %w", err)
	}
	switch strings.ToLower(typ) {
	case "datetime", "datetime2", "smalldatetime", "datetimeoffset":
		t.tsDatetime = true
	default:
		t.tsDatetime = false
	}
	return nil
}

// timestampArg binds the run tag. Date/time columns get a typed datetime so
// the value does not depend on the session DATEFORMAT.
func (t *Target) timestampArg(tag string) any {
	if !t.tsDatetime {
		return tag
	}
	ts, err := time.ParseInLocation(storage.TimestampLayout, tag, time.UTC)
	if err != nil {
		return tag
	}
	return mssql.DateTime1(ts)
}

const insertSummarySQL = `INSERT INTO [ETL_SUMMARY]
	([TIMESTAMP], [SOURCE_TYPE], [QUERY_NAME], [TARGET_TABLE], [ROW_COUNT], [ETL_DATE],
	 [SUMMARY_TYPE], [ETL_STATUS], [MES_STATUS], [SAP_STATUS], [MES_ROWS], [SAP_ROWS], [ERROR_MESSAGE])
VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9, @p10, @p11, @p12, @p13)`

func (t *Target) InsertSummary(ctx context.Context, rec storage.SummaryRecord) error {
	if rec.ETLDate.IsZero() {
		rec.ETLDate = t.clock.Now()
	}
	run := rec.IsRun()
	_, err := t.db.ExecContext(ctx, insertSummarySQL,
		t.timestampArg(rec.Timestamp), rec.SourceType, rec.QueryName, rec.TargetTable, rec.RowCount, rec.ETLDate,
		rec.SummaryType, nullString(rec.ETLStatus),
		nullString(rec.MESStatus), nullString(rec.SAPStatus),
		sql.NullInt64{Int64: rec.MESRows, Valid: run}, sql.NullInt64{Int64: rec.SAPRows, Valid: run},
		nullString(rec.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("mssql: insert summary: %w", err)
	}
	return nil
}

const listSummariesSQL = `SELECT [ID], [TIMESTAMP], [SOURCE_TYPE], [QUERY_NAME], [TARGET_TABLE], [ROW_COUNT],
	[ETL_DATE], [SUMMARY_TYPE], [ETL_STATUS], [MES_STATUS], [SAP_STATUS], [MES_ROWS], [SAP_ROWS], [ERROR_MESSAGE]
FROM [ETL_SUMMARY]
WHERE [ETL_DATE] >= @p1
ORDER BY [ETL_DATE] DESC, [ID] DESC`

func (t *Target) ListSummaries(ctx context.Context, since time.Time) ([]storage.SummaryRecord, error) {
	rows, err := t.db.QueryContext(ctx, listSummariesSQL, since)
	if err != nil {
		return nil, fmt.Errorf("mssql: list summaries: %w", err)
	}
	defer rows.Close()

	var out []storage.SummaryRecord
	for rows.Next() {
		var (
			r                                     storage.SummaryRecord
			ts                                    any
			src, qname, table, stype              sql.NullString
			status, mesStatus, sapStatus, errText sql.NullString
			count, mesRows, sapRows               sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &ts, &src, &qname, &table, &count, &r.ETLDate, &stype,
			&status, &mesStatus, &sapStatus, &mesRows, &sapRows, &errText); err != nil {
			return nil, fmt.Errorf("mssql: scan summary: %w", err)
		}
		r.Timestamp = storage.FormatTimestamp(ts)
		r.SourceType, r.QueryName, r.TargetTable, r.SummaryType = src.String, qname.String, table.String, stype.String
		r.RowCount = count.Int64
		r.ETLStatus, r.MESStatus, r.SAPStatus, r.ErrorMessage = status.String, mesStatus.String, sapStatus.String, errText.String
		r.MESRows, r.SAPRows = mesRows.Int64, sapRows.Int64
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func columnNames(columns []dataset.Column) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.Name
	}
	return out
}
