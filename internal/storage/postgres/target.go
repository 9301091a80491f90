// Package postgres is the PostgreSQL target backend.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jonboulle/clockwork"
	"github.com/pressly/goose/v3"

	"tableauetl/internal/dataset"
	"tableauetl/internal/log"
	"tableauetl/internal/storage"
)

const Kind = "postgres"

// maxParameters is the extended protocol's limit of bind parameters.
const maxParameters = 65535

//go:embed migrations/*.sql
var migrations embed.FS

func init() {
	storage.Register(Kind, New)
}

// Target implements storage.Target on a pgx connection pool.
type Target struct {
	pool   *pgxpool.Pool
	clock  clockwork.Clock
	logger log.Logger
}

// New creates a pool for cfg.DSN and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Target, error) {
	cfg = cfg.WithDefaults()
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Target{
		pool:   pool,
		clock:  cfg.Clock,
		logger: cfg.Logger.WithFields(log.Fields{log.ModuleField: "storage.postgres"}),
	}, nil
}

// Close closes the connection pool.
func (t *Target) Close() error {
	t.pool.Close()
	return nil
}

func (t *Target) MaxParameters() int { return maxParameters }

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (t *Target) TableExists(ctx context.Context, table string) (bool, error) {
	return tableExists(ctx, t.pool, table)
}

func tableExists(ctx context.Context, q querier, table string) (bool, error) {
	var ok bool
	if err := q.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", pgIdent(table)).Scan(&ok); err != nil {
		return false, fmt.Errorf("postgres: table exists %s: %w", table, err)
	}
	return ok, nil
}

// BackupAndTruncate copies table into a new table with the same definition
// and truncates it, in one transaction.
func (t *Target) BackupAndTruncate(ctx context.Context, table string) (string, error) {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("postgres: backup %s: begin: %w", table, err)
	}
	defer tx.Rollback(ctx)

	ok, err := tableExists(ctx, tx, table)
	if err != nil || !ok {
		return "", err
	}
	backup, err := storage.FreeBackupName(ctx, table, t.clock.Now(), func(ctx context.Context, name string) (bool, error) {
		return tableExists(ctx, tx, name)
	})
	if err != nil {
		return "", fmt.Errorf("postgres: backup %s: %w", table, err)
	}
	if err := copyTable(ctx, tx, table, backup); err != nil {
		return "", fmt.Errorf("postgres: backup %s: %w", table, err)
	}
	if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+pgIdent(table)); err != nil {
		return "", fmt.Errorf("postgres: truncate %s: %w", table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("postgres: backup %s: commit: %w", table, err)
	}

	t.logger.Info("table backed up and truncated", log.Fields{log.TableField: table, "backup": backup})
	return backup, nil
}

func (t *Target) RestoreFromBackup(ctx context.Context, table, backup string) error {
	err := pgx.BeginFunc(ctx, t.pool, func(tx pgx.Tx) error {
		return copyTable(ctx, tx, backup, table)
	})
	if err != nil {
		return fmt.Errorf("postgres: restore %s from %s: %w", table, backup, err)
	}
	t.logger.Info("table restored from backup", log.Fields{log.TableField: table, "backup": backup})
	return nil
}

func copyTable(ctx context.Context, q querier, src, dst string) error {
	if _, err := q.Exec(ctx, "CREATE TABLE "+pgIdent(dst)+" (LIKE "+pgIdent(src)+" INCLUDING DEFAULTS)"); err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := q.Exec(ctx, "INSERT INTO "+pgIdent(dst)+" SELECT * FROM "+pgIdent(src)); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return nil
}

func (t *Target) WriteBatch(ctx context.Context, table string, columns []dataset.Column, rows [][]any, mode storage.WriteMode) error {
	if len(columns) == 0 {
		return fmt.Errorf("postgres: write %s: no columns", table)
	}
	names := columnNames(columns)

	if mode == storage.WriteAppend {
		if len(rows) == 0 {
			return nil
		}
		q, args := buildInsertSQL(table, names, rows)
		if _, err := t.pool.Exec(ctx, q, args...); err != nil {
			return fmt.Errorf("postgres: append %s: %w", table, err)
		}
		return nil
	}

	err := pgx.BeginFunc(ctx, t.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+pgIdent(table)); err != nil {
			return fmt.Errorf("drop: %w", err)
		}
		if _, err := tx.Exec(ctx, buildCreateTableSQL(table, columns)); err != nil {
			return fmt.Errorf("create: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		q, args := buildInsertSQL(table, names, rows)
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: create %s: %w", table, err)
	}
	return nil
}

func (t *Target) DropTable(ctx context.Context, table string) error {
	if _, err := t.pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgIdent(table)); err != nil {
		return fmt.Errorf("postgres: drop %s: %w", table, err)
	}
	return nil
}

const structureSQL = `SELECT column_name, data_type, is_nullable = 'YES',
	COALESCE(character_maximum_length, 0), COALESCE(numeric_precision, 0), COALESCE(numeric_scale, 0)
FROM information_schema.columns
WHERE table_name = $1 AND table_schema = COALESCE(NULLIF($2, ''), current_schema())
ORDER BY ordinal_position`

func (t *Target) GetStructure(ctx context.Context, table string) ([]storage.ColumnInfo, error) {
	schema, name := splitQualifiedName(table)
	rows, err := t.pool.Query(ctx, structureSQL, name, schema)
	if err != nil {
		return nil, fmt.Errorf("postgres: structure %s: %w", table, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.ColumnInfo, error) {
		var (
			c                   storage.ColumnInfo
			maxLen, prec, scale int32
		)
		err := row.Scan(&c.Name, &c.Type, &c.Nullable, &maxLen, &prec, &scale)
		c.MaxLength, c.Precision, c.Scale = int64(maxLen), int64(prec), int64(scale)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: structure %s: %w", table, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrTableNotFound, table)
	}
	return out, nil
}

func (t *Target) RowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := t.pool.QueryRow(ctx, "SELECT count(*) FROM "+pgIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count %s: %w", table, err)
	}
	return n, nil
}

// EnsureSummaryTable runs the goose migrations through a database/sql view
// of the pool.
func (t *Target) EnsureSummaryTable(ctx context.Context) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(t.pool)
	defer db.Close()
	return storage.Migrate(ctx, db, goose.DialectPostgres, sub, t.logger)
}

const insertSummarySQL = `INSERT INTO "ETL_SUMMARY"
	("TIMESTAMP", "SOURCE_TYPE", "QUERY_NAME", "TARGET_TABLE", "ROW_COUNT", "ETL_DATE",
	 "SUMMARY_TYPE", "ETL_STATUS", "MES_STATUS", "SAP_STATUS", "MES_ROWS", "SAP_ROWS", "ERROR_MESSAGE")
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

func (t *Target) InsertSummary(ctx context.Context, rec storage.SummaryRecord) error {
	if rec.ETLDate.IsZero() {
		rec.ETLDate = t.clock.Now()
	}
	run := rec.IsRun()
	_, err := t.pool.Exec(ctx, insertSummarySQL,
		rec.Timestamp, rec.SourceType, rec.QueryName, rec.TargetTable, rec.RowCount, rec.ETLDate,
		rec.SummaryType, nullString(rec.ETLStatus),
		nullString(rec.MESStatus), nullString(rec.SAPStatus),
		sql.NullInt64{Int64: rec.MESRows, Valid: run}, sql.NullInt64{Int64: rec.SAPRows, Valid: run},
		nullString(rec.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert summary: %w", err)
	}
	return nil
}

const listSummariesSQL = `SELECT "ID", "TIMESTAMP", "SOURCE_TYPE", "QUERY_NAME", "TARGET_TABLE", "ROW_COUNT",
	"ETL_DATE", "SUMMARY_TYPE", "ETL_STATUS", "MES_STATUS", "SAP_STATUS", "MES_ROWS", "SAP_ROWS", "ERROR_MESSAGE"
FROM "ETL_SUMMARY"
WHERE "ETL_DATE" >= $1
ORDER BY "ETL_DATE" DESC, "ID" DESC`

func (t *Target) ListSummaries(ctx context.Context, since time.Time) ([]storage.SummaryRecord, error) {
	rows, err := t.pool.Query(ctx, listSummariesSQL, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: list summaries: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.SummaryRecord, error) {
		var (
			r                                     storage.SummaryRecord
			ts, src, qname, table, stype          sql.NullString
			status, mesStatus, sapStatus, errText sql.NullString
			count, mesRows, sapRows               sql.NullInt64
		)
		if err := row.Scan(&r.ID, &ts, &src, &qname, &table, &count, &r.ETLDate, &stype,
			&status, &mesStatus, &sapStatus, &mesRows, &sapRows, &errText); err != nil {
			return r, err
		}
		r.Timestamp = ts.String
		r.SourceType, r.QueryName, r.TargetTable, r.SummaryType = src.String, qname.String, table.String, stype.String
		r.RowCount = count.Int64
		r.ETLStatus, r.MESStatus, r.SAPStatus, r.ErrorMessage = status.String, mesStatus.String, sapStatus.String, errText.String
		r.MESRows, r.SAPRows = mesRows.Int64, sapRows.Int64
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list summaries: %w", err)
	}
	return out, nil
}

// pgIdent quotes a possibly schema-qualified name: "rpt.sales" -> "rpt"."sales".
func pgIdent(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func splitQualifiedName(name string) (schema, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func columnType(k dataset.Kind) string {
	switch k {
	case dataset.KindInteger:
		return "BIGINT"
	case dataset.KindFloat:
		return "DOUBLE PRECISION"
	case dataset.KindTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func buildCreateTableSQL(table string, columns []dataset.Column) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = pgx.Identifier{c.Name}.Sanitize() + " " + columnType(c.Kind)
	}
	return "CREATE TABLE " + pgIdent(table) + " (" + strings.Join(defs, ", ") + ")"
}

// buildInsertSQL constructs a single INSERT statement and its args.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgx.Identifier{c}.Sanitize())
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
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

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
