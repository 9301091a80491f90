// Package sqlite is the SQLite target backend, used for local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"tableauetl/internal/dataset"
	"tableauetl/internal/log"
	"tableauetl/internal/storage"
)

// Kind is the storage kind this backend registers under.
const Kind = "sqlite"

// maxParameters is SQLITE_MAX_VARIABLE_NUMBER of the bundled SQLite.
const maxParameters = 32766

//go:embed migrations/*.sql
var migrations embed.FS

func init() {
	storage.Register(Kind, New)
}

// Target implements storage.Target for SQLite.
//
// The pool is limited to one connection so that ":memory:" databases are
// shared and writers never contend for the file lock.
type Target struct {
	db     *sql.DB
	clock  clockwork.Clock
	logger log.Logger
}

func New(ctx context.Context, cfg storage.Config) (storage.Target, error) {
	cfg = cfg.WithDefaults()
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Target{
		db:     db,
		clock:  cfg.Clock,
		logger: cfg.Logger.WithFields(log.Fields{log.ModuleField: "storage.sqlite"}),
	}, nil
}

func (t *Target) Close() error { return t.db.Close() }

func (t *Target) MaxParameters() int { return maxParameters }

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (t *Target) TableExists(ctx context.Context, table string) (bool, error) {
	return tableExists(ctx, t.db, table)
}

func tableExists(ctx context.Context, q queryer, table string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: table exists %s: %w", table, err)
	}
	return n > 0, nil
}

func (t *Target) BackupAndTruncate(ctx context.Context, table string) (string, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlite: backup %s: begin: %w", table, err)
	}
	defer tx.Rollback()

	ok, err := tableExists(ctx, tx, table)
	if err != nil || !ok {
		return "", err
	}

	backup, err := storage.FreeBackupName(ctx, table, t.clock.Now(), func(ctx context.Context, name string) (bool, error) {
		return tableExists(ctx, tx, name)
	})
	if err != nil {
		return "", fmt.Errorf("sqlite: backup %s: %w", table, err)
	}
	if err := copyTable(ctx, tx, table, backup); err != nil {
		return "", fmt.Errorf("sqlite: backup %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+sqlIdent(table)); err != nil {
		return "", fmt.Errorf("sqlite: truncate %s: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlite: backup %s: commit: %w", table, err)
	}

	t.logger.Info("table backed up and truncated", log.Fields{log.TableField: table, "backup": backup})
	return backup, nil
}

func (t *Target) RestoreFromBackup(ctx context.Context, table, backup string) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: restore %s: begin: %w", table, err)
	}
	defer tx.Rollback()

	if err := copyTable(ctx, tx, backup, table); err != nil {
		return fmt.Errorf("sqlite: restore %s from %s: %w", table, backup, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: restore %s: commit: %w", table, err)
	}
	t.logger.Info("table restored from backup", log.Fields{log.TableField: table, "backup": backup})
	return nil
}

// copyTable creates dst with the declared column types of src and copies
// every row. CREATE TABLE ... AS SELECT would lose the declared types.
func copyTable(ctx context.Context, q queryer, src, dst string) error {
	cols, err := structure(ctx, q, src)
	if err != nil {
		return err
	}
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = sqlIdent(c.Name) + " " + c.Type
	}
	create := "CREATE TABLE " + sqlIdent(dst) + " (" + strings.Join(defs, ", ") + ")"
	if _, err := q.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := q.ExecContext(ctx, "INSERT INTO "+sqlIdent(dst)+" SELECT * FROM "+sqlIdent(src)); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return nil
}

func (t *Target) WriteBatch(ctx context.Context, table string, columns []dataset.Column, rows [][]any, mode storage.WriteMode) error {
	if len(columns) == 0 {
		return fmt.Errorf("sqlite: write %s: no columns", table)
	}
	if mode == storage.WriteAppend {
		if len(rows) == 0 {
			return nil
		}
		q, args := buildInsertSQL(table, columnNames(columns), rows)
		if _, err := t.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("sqlite: append %s: %w", table, err)
		}
		return nil
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: create %s: begin: %w", table, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlIdent(table)); err != nil {
		return fmt.Errorf("sqlite: drop %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, buildCreateTableSQL(table, columns)); err != nil {
		return fmt.Errorf("sqlite: create %s: %w", table, err)
	}
	if len(rows) > 0 {
		q, args := buildInsertSQL(table, columnNames(columns), rows)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("sqlite: insert %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: create %s: commit: %w", table, err)
	}
	return nil
}

func (t *Target) DropTable(ctx context.Context, table string) error {
	if _, err := t.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlIdent(table)); err != nil {
		return fmt.Errorf("sqlite: drop %s: %w", table, err)
	}
	return nil
}

func (t *Target) GetStructure(ctx context.Context, table string) ([]storage.ColumnInfo, error) {
	return structure(ctx, t.db, table)
}

func structure(ctx context.Context, q queryer, table string) ([]storage.ColumnInfo, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, type, "notnull" FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("sqlite: structure %s: %w", table, err)
	}
	defer rows.Close()

	var out []storage.ColumnInfo
	for rows.Next() {
		var (
			c       storage.ColumnInfo
			notNull int
		)
		if err := rows.Scan(&c.Name, &c.Type, &notNull); err != nil {
			return nil, fmt.Errorf("sqlite: structure %s: %w", table, err)
		}
		c.Nullable = notNull == 0
		c.MaxLength, c.Precision, c.Scale = typeArgs(c.Type)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: structure %s: %w", table, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrTableNotFound, table)
	}
	return out, nil
}

func (t *Target) RowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := t.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+sqlIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count %s: %w", table, err)
	}
	return n, nil
}

func (t *Target) EnsureSummaryTable(ctx context.Context) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	return storage.Migrate(ctx, t.db, goose.DialectSQLite3, sub, t.logger)
}

func (t *Target) InsertSummary(ctx context.Context, rec storage.SummaryRecord) error {
	if rec.ETLDate.IsZero() {
		rec.ETLDate = t.clock.Now()
	}
	run := rec.IsRun()
	_, err := t.db.ExecContext(ctx, `INSERT INTO "ETL_SUMMARY"
		("TIMESTAMP", "SOURCE_TYPE", "QUERY_NAME", "TARGET_TABLE", "ROW_COUNT", "ETL_DATE",
		 "SUMMARY_TYPE", "ETL_STATUS", "MES_STATUS", "SAP_STATUS", "MES_ROWS", "SAP_ROWS", "ERROR_MESSAGE")
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.SourceType, rec.QueryName, rec.TargetTable, rec.RowCount, formatSQLiteTime(rec.ETLDate),
		rec.SummaryType, nullString(rec.ETLStatus),
		nullString(rec.MESStatus), nullString(rec.SAPStatus),
		nullInt(rec.MESRows, run), nullInt(rec.SAPRows, run),
		nullString(rec.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert summary: %w", err)
	}
	return nil
}

func (t *Target) ListSummaries(ctx context.Context, since time.Time) ([]storage.SummaryRecord, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT "ID", "TIMESTAMP", "SOURCE_TYPE", "QUERY_NAME", "TARGET_TABLE",
		"ROW_COUNT", "ETL_DATE", "SUMMARY_TYPE", "ETL_STATUS", "MES_STATUS", "SAP_STATUS",
		"MES_ROWS", "SAP_ROWS", "ERROR_MESSAGE"
		FROM "ETL_SUMMARY" WHERE "ETL_DATE" >= ? ORDER BY "ETL_DATE" DESC, "ID" DESC`, formatSQLiteTime(since))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list summaries: %w", err)
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
			etlDate                               string
		)
		if err := rows.Scan(&r.ID, &ts, &src, &qname, &table, &count, &etlDate, &stype,
			&status, &mesStatus, &sapStatus, &mesRows, &sapRows, &errText); err != nil {
			return nil, fmt.Errorf("sqlite: scan summary: %w", err)
		}
		d, err := parseSQLiteTime(etlDate)
		if err != nil {
			return nil, fmt.Errorf("sqlite: summary %d: %w", r.ID, err)
		}
		r.Timestamp = storage.FormatTimestamp(ts)
		r.SourceType, r.QueryName, r.TargetTable, r.SummaryType = src.String, qname.String, table.String, stype.String
		r.RowCount, r.ETLDate = count.Int64, d
		r.ETLStatus, r.MESStatus, r.SAPStatus, r.ErrorMessage = status.String, mesStatus.String, sapStatus.String, errText.String
		r.MESRows, r.SAPRows = mesRows.Int64, sapRows.Int64
		out = append(out, r)
	}
	return out, rows.Err()
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// columnType maps a dataset kind to a declared type the driver reads back
// with the same kind.
func columnType(k dataset.Kind) string {
	switch k {
	case dataset.KindInteger:
		return "INTEGER"
	case dataset.KindFloat:
		return "REAL"
	case dataset.KindTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func buildCreateTableSQL(table string, columns []dataset.Column) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = sqlIdent(c.Name) + " " + columnType(c.Kind)
	}
	return "CREATE TABLE " + sqlIdent(table) + " (" + strings.Join(defs, ", ") + ")"
}

// buildInsertSQL builds one multi-row INSERT with ? placeholders.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	colList := make([]string, len(columns))
	for i, c := range columns {
		colList[i] = sqlIdent(c)
	}
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(colList, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, row...)
	}
	return b.String(), args
}

func columnNames(columns []dataset.Column) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.Name
	}
	return out
}

// typeArgs extracts the numbers of a declared type such as NVARCHAR(20) or
// DECIMAL(10,2).
func typeArgs(decl string) (maxLen, precision, scale int64) {
	open := strings.IndexByte(decl, '(')
	end := strings.LastIndexByte(decl, ')')
	if open < 0 || end <= open {
		return 0, 0, 0
	}
	parts := strings.Split(decl[open+1:end], ",")
	first, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return 0, 0, 0
	}
	if len(parts) == 1 {
		if dataset.KindFromDatabaseType(decl) == dataset.KindFloat {
			return 0, first, 0
		}
		return first, 0, 0
	}
	second, _ := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	return 0, first, second
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int64, valid bool) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: valid}
}

// sqliteTimeLayout is fixed width so stored values sort as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

// parseSQLiteTime parses stored timestamps. Values without a zone are UTC.
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty time string")
	}
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
