package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"tableauetl/internal/dataset"
)

// columnType maps a dataset kind to a SQL Server column type.
func columnType(k dataset.Kind) string {
	switch k {
	case dataset.KindInteger:
		return "BIGINT"
	case dataset.KindFloat:
		return "FLOAT"
	case dataset.KindTimestamp:
		return "DATETIME2"
	default:
		return "NVARCHAR(MAX)"
	}
}

func buildCreateTableSQL(table string, columns []dataset.Column) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = mssqlIdent(c.Name) + " " + columnType(c.Kind) + " NULL"
	}
	return "CREATE TABLE " + mssqlTableIdent(table) + " (" + strings.Join(defs, ", ") + ")"
}

// dropIfExistsSQL takes the quoted table name as @p1.
func dropIfExistsSQL(table string) string {
	return "IF OBJECT_ID(@p1, N'U') IS NOT NULL DROP TABLE " + mssqlTableIdent(table)
}

// selectIntoSQL copies src into a new table dst.
func selectIntoSQL(src, dst string) string {
	return "SELECT * INTO " + mssqlTableIdent(dst) + " FROM " + mssqlTableIdent(src)
}

// buildInsertSQL builds a single INSERT for all rows, switching to a VALUES
// derived table above maxValuesRows.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	if len(rows) > maxValuesRows {
		return buildInsertSelectSQL(table, columns, rows)
	}
	return buildBulkInsertSQL(table, columns, rows)
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(identList(columns, ""))
	b.WriteString(") VALUES ")
	args := writeValues(&b, columns, rows)
	return b.String(), args
}

// buildInsertSelectSQL inserts from a VALUES derived table:
//
//	INSERT INTO [t] ([a]) SELECT v.[a] FROM (VALUES (@p1), ...) AS v([a])
func buildInsertSelectSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(identList(columns, ""))
	b.WriteString(") SELECT ")
	b.WriteString(identList(columns, "v."))
	b.WriteString(" FROM (VALUES ")
	args := writeValues(&b, columns, rows)
	b.WriteString(") AS v(")
	b.WriteString(identList(columns, ""))
	b.WriteString(")")
	return b.String(), args
}

func writeValues(b *strings.Builder, columns []string, rows [][]any) []any {
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
			fmt.Fprintf(b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return args
}

func identList(columns []string, prefix string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = prefix + mssqlIdent(c)
	}
	return strings.Join(parts, ", ")
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.imports" -> [dbo].[imports]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// splitQualifiedName splits "schema.table". Unqualified names return an
// empty schema.
func splitQualifiedName(name string) (schema, table string) {
	name = strings.TrimSpace(name)
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return strings.TrimSpace(name[:i]), strings.TrimSpace(name[i+1:])
	}
	return "", name
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is the subset of *sql.Tx used inside transactions.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	Commit() error
	Rollback() error
}

type rowScanner interface {
	Scan(dest ...any) error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

type sqlTx struct {
	tx *sql.Tx
}

func (s *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

func (s *sqlTx) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.tx.QueryRowContext(ctx, query, args...)
}

func (s *sqlTx) Commit() error { return s.tx.Commit() }

func (s *sqlTx) Rollback() error { return s.tx.Rollback() }

var (
	_ dbConn     = (*sqlDB)(nil)
	_ txConn     = (*sqlTx)(nil)
	_ rowQueryer = (*sqlDB)(nil)
	_ rowQueryer = (*sqlTx)(nil)
)
