package dataset

import (
	"strings"
	"time"
)

// Kind is the logical type of a column.
type Kind int

const (
	KindUnknown Kind = iota
	KindInteger
	KindFloat
	KindText
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// Numeric reports whether nulls of this kind are normalized to zero.
func (k Kind) Numeric() bool { return k == KindInteger || k == KindFloat }

// KindFromDatabaseType maps a driver type name (sql.ColumnType.DatabaseTypeName)
// to a Kind. Names are matched case-insensitively and without length suffixes,
// so "NVARCHAR", "varchar(50)" and "TEXT" are all text.
func KindFromDatabaseType(name string) Kind {
	n := strings.ToUpper(strings.TrimSpace(name))
	if i := strings.IndexByte(n, '('); i >= 0 {
		n = strings.TrimSpace(n[:i])
	}
	switch n {
	case "INT", "INTEGER", "BIGINT", "SMALLINT", "TINYINT", "BIT", "BOOL", "BOOLEAN",
		"INT2", "INT4", "INT8", "SERIAL", "BIGSERIAL":
		return KindInteger
	case "FLOAT", "REAL", "DOUBLE", "DOUBLE PRECISION", "FLOAT4", "FLOAT8",
		"DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
		return KindFloat
	case "CHAR", "NCHAR", "VARCHAR", "NVARCHAR", "TEXT", "NTEXT", "BPCHAR",
		"UNIQUEIDENTIFIER", "UUID", "XML", "SQL_VARIANT", "CLOB", "STRING":
		return KindText
	case "DATE", "DATETIME", "DATETIME2", "SMALLDATETIME", "DATETIMEOFFSET", "TIME",
		"TIMESTAMP", "TIMESTAMPTZ":
		return KindTimestamp
	default:
		return KindUnknown
	}
}

// InferKind returns the kind of the first non-nil value, or KindUnknown.
// It is the fallback for drivers that report no type (SQLite expressions).
func InferKind(values []any) Kind {
	for _, v := range values {
		switch v.(type) {
		case nil:
			continue
		case int64, int, int32:
			return KindInteger
		case float64, float32:
			return KindFloat
		case string:
			return KindText
		case time.Time:
			return KindTimestamp
		default:
			return KindUnknown
		}
	}
	return KindUnknown
}
