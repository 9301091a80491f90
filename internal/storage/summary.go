package storage

import "time"

// SummaryTable is the append-only log of query and run outcomes.
const SummaryTable = "ETL_SUMMARY"

// Summary record types.
const (
	SummaryTypeQuery = "QUERY"
	SummaryTypeRun   = "SUMMARY"
)

// TimestampLayout formats the run tag stored in SummaryRecord.Timestamp.
const TimestampLayout = "2006-01-02 15:04:05"

// SummaryRecord is one row of ETL_SUMMARY. The MES and SAP fields are only
// persisted for SUMMARY records; they are NULL on QUERY records.
type SummaryRecord struct {
	ID           int64
	Timestamp    string
	SourceType   string
	QueryName    string
	TargetTable  string
	RowCount     int64
	ETLDate      time.Time
	SummaryType  string
	ETLStatus    string
	MESStatus    string
	SAPStatus    string
	MESRows      int64
	SAPRows      int64
	ErrorMessage string
}

// IsRun reports whether r is a run-level record.
func (r SummaryRecord) IsRun() bool { return r.SummaryType == SummaryTypeRun }

// FormatTimestamp renders a stored TIMESTAMP value. Tables created by older
// tooling keep it as a datetime column.
func FormatTimestamp(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.Format(TimestampLayout)
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return ""
	}
}
