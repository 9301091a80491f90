// Package source reads query results from the upstream MES and SAP databases
// into dataset.ResultSet values.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"tableauetl/internal/dataset"
	"tableauetl/internal/log"
)

// Reader executes a query and returns its full result.
type Reader interface {
	Query(ctx context.Context, sql string) (*dataset.ResultSet, error)
	Close() error
}

// SQLReader is a Reader over a database/sql connection.
type SQLReader struct {
	db      *sql.DB
	timeout time.Duration
	logger  log.Logger
}

// NewSQLReader wraps db. A positive timeout bounds each query including the
// row scan.
func NewSQLReader(db *sql.DB, timeout time.Duration, logger log.Logger) *SQLReader {
	return &SQLReader{
		db:      db,
		timeout: timeout,
		logger:  log.NewLogger(logger).WithFields(log.Fields{log.ModuleField: "source"}),
	}
}

func (r *SQLReader) Query(ctx context.Context, query string) (*dataset.ResultSet, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("source: query: %w", err)
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("source: column types: %w", err)
	}

	n := len(colTypes)
	types := make([]string, n)
	for i, ct := range colTypes {
		types[i] = baseType(ct.DatabaseTypeName())
	}

	scanVals := make([]any, n)
	scanPtrs := make([]any, n)
	for i := range scanVals {
		scanPtrs[i] = &scanVals[i]
	}

	var data [][]any
	for rows.Next() {
		if err := rows.Scan(scanPtrs...); err != nil {
			return nil, fmt.Errorf("source: scan row %d: %w", len(data)+1, err)
		}
		row := make([]any, n)
		for i, v := range scanVals {
			if row[i], err = normalize(v, types[i]); err != nil {
				return nil, fmt.Errorf("source: column %s row %d: %w", colTypes[i].Name(), len(data)+1, err)
			}
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source: read rows: %w", err)
	}

	columns := make([]dataset.Column, n)
	for i, ct := range colTypes {
		kind := dataset.KindFromDatabaseType(types[i])
		if kind == dataset.KindUnknown {
			kind = dataset.InferKind(columnValues(data, i))
		}
		columns[i] = dataset.Column{Name: ct.Name(), Kind: kind, DatabaseType: types[i]}
		coerce(data, i, kind)
	}

	rs, err := dataset.NewResultSet(columns, data)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	r.logger.Debug("query read", log.Fields{
		"rows":        rs.Len(),
		"columns":     n,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return rs, nil
}

func (r *SQLReader) Close() error { return r.db.Close() }

// normalize maps a driver value onto the dataset value set: int64, float64,
// string, time.Time or nil.
func normalize(v any, dbType string) (any, error) {
	switch x := v.(type) {
	case nil, int64, float64, string, time.Time:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case []byte:
		switch dbType {
		case "UNIQUEIDENTIFIER":
			var u mssql.UniqueIdentifier
			if err := u.Scan(x); err != nil {
				return nil, err
			}
			return u.String(), nil
		case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
			return strconv.ParseFloat(string(x), 64)
		}
		return string(x), nil
	default:
		return fmt.Sprint(x), nil
	}
}

// coerce converts values of column i that are valid but not of the column's
// kind, such as integers in a REAL column or numeric strings from drivers that
// return decimals as text.
func coerce(rows [][]any, i int, kind dataset.Kind) {
	for _, row := range rows {
		switch v := row[i].(type) {
		case int64:
			if kind == dataset.KindFloat {
				row[i] = float64(v)
			}
		case string:
			if kind == dataset.KindFloat {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					row[i] = f
				}
			}
		}
	}
}

func columnValues(rows [][]any, i int) []any {
	out := make([]any, len(rows))
	for r, row := range rows {
		out[r] = row[i]
	}
	return out
}

// baseType upper-cases a driver type name and drops any length suffix.
func baseType(name string) string {
	n := strings.ToUpper(strings.TrimSpace(name))
	if i := strings.IndexByte(n, '('); i >= 0 {
		n = strings.TrimSpace(n[:i])
	}
	return n
}
