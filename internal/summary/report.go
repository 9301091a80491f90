package summary

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"tableauetl/internal/storage"
)

// recentLimit is the number of executions listed in a report.
const recentLimit = 10

// DailyStat aggregates the records of one calendar day. Executions, MES and
// SAP count attempted queries; queries skipped after a failure are counted in
// Skipped only.
type DailyStat struct {
	Date       time.Time
	Executions int
	MES        int
	SAP        int
	Rows       int64
	Failures   int
	Skipped    int
}

// TableStat is the latest recorded load of one target table.
type TableStat struct {
	Table       string
	LastUpdated time.Time
	RowCount    int64
	Status      string
}

// Report is the execution report over a window of days.
type Report struct {
	GeneratedAt time.Time
	Since       time.Time
	Daily       []DailyStat
	Recent      []storage.SummaryRecord
	Tables      []TableStat
}

// Since returns the start of the report window: midnight days-1 days before now.
func Since(now time.Time, days int) time.Time {
	if days < 1 {
		days = 1
	}
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, -(days - 1))
}

// LoadReport reads the records of the window and builds the report.
func LoadReport(ctx context.Context, repo storage.SummaryRepository, now time.Time, days int) (Report, error) {
	recs, err := repo.ListSummaries(ctx, Since(now, days))
	if err != nil {
		return Report{}, fmt.Errorf("summary: list records: %w", err)
	}
	return BuildReport(recs, now, days), nil
}

// BuildReport computes daily statistics (newest day first), the most recent
// executions, and the latest load of each target table. Records outside the
// window are ignored. Run-level records count towards the recent list only.
func BuildReport(records []storage.SummaryRecord, now time.Time, days int) Report {
	since := Since(now, days)
	loc := now.Location()

	in := make([]storage.SummaryRecord, 0, len(records))
	for _, r := range records {
		if !r.ETLDate.Before(since) {
			in = append(in, r)
		}
	}
	sortNewestFirst(in)

	rep := Report{GeneratedAt: now, Since: since}

	byDay := map[string]*DailyStat{}
	latest := map[string]*TableStat{}
	var dayOrder, tableOrder []string
	for _, r := range in {
		if len(rep.Recent) < recentLimit {
			rep.Recent = append(rep.Recent, r)
		}
		if r.IsRun() {
			continue
		}

		t := r.ETLDate.In(loc)
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		key := day.Format("2006-01-02")
		ds, ok := byDay[key]
		if !ok {
			ds = &DailyStat{Date: day}
			byDay[key] = ds
			dayOrder = append(dayOrder, key)
		}
		if r.ETLStatus == StatusSkipped {
			ds.Skipped++
			continue
		}
		ds.Executions++
		switch r.SourceType {
		case "MES":
			ds.MES++
		case "SAP":
			ds.SAP++
		}
		ds.Rows += r.RowCount
		if r.ETLStatus == StatusFailed {
			ds.Failures++
		}

		// in is newest first, so the first attempted record per table is the latest
		if _, seen := latest[r.TargetTable]; !seen {
			latest[r.TargetTable] = &TableStat{Table: r.TargetTable, LastUpdated: r.ETLDate, RowCount: r.RowCount, Status: r.ETLStatus}
			tableOrder = append(tableOrder, r.TargetTable)
		}
	}

	// records are newest first, so days are too
	for _, key := range dayOrder {
		rep.Daily = append(rep.Daily, *byDay[key])
	}
	for _, name := range tableOrder {
		rep.Tables = append(rep.Tables, *latest[name])
	}
	return rep
}

// Render formats the report as text tables.
func Render(rep Report) (string, error) {
	var b strings.Builder
	b.WriteString(pterm.DefaultSection.Sprintf("ETL report generated %s (since %s)",
		rep.GeneratedAt.Format(storage.TimestampLayout), rep.Since.Format("2006-01-02")))

	b.WriteString(pterm.DefaultSection.WithLevel(2).Sprint("Recent executions"))
	recent := pterm.TableData{{"Timestamp", "Source", "Query", "Target table", "Rows", "Status", "ETL date"}}
	for _, r := range rep.Recent {
		recent = append(recent, []string{
			r.Timestamp, r.SourceType, r.QueryName, r.TargetTable,
			strconv.FormatInt(r.RowCount, 10), r.ETLStatus, r.ETLDate.Format(storage.TimestampLayout),
		})
	}
	if err := renderTable(&b, recent); err != nil {
		return "", err
	}

	b.WriteString(pterm.DefaultSection.WithLevel(2).Sprint("Daily statistics"))
	daily := pterm.TableData{{"Date", "Executions", "MES", "SAP", "Rows", "Failures", "Skipped"}}
	for _, d := range rep.Daily {
		daily = append(daily, []string{
			d.Date.Format("2006-01-02"), strconv.Itoa(d.Executions), strconv.Itoa(d.MES),
			strconv.Itoa(d.SAP), strconv.FormatInt(d.Rows, 10), strconv.Itoa(d.Failures), strconv.Itoa(d.Skipped),
		})
	}
	if err := renderTable(&b, daily); err != nil {
		return "", err
	}

	b.WriteString(pterm.DefaultSection.WithLevel(2).Sprint("Target tables"))
	tables := pterm.TableData{{"Target table", "Last updated", "Rows", "Status"}}
	for _, t := range rep.Tables {
		tables = append(tables, []string{
			t.Table, t.LastUpdated.Format(storage.TimestampLayout), strconv.FormatInt(t.RowCount, 10), t.Status,
		})
	}
	if err := renderTable(&b, tables); err != nil {
		return "", err
	}
	return b.String(), nil
}

func renderTable(b *strings.Builder, data pterm.TableData) error {
	if len(data) == 1 {
		b.WriteString("no records\n")
		return nil
	}
	s, err := pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(data).Srender()
	if err != nil {
		return fmt.Errorf("summary: render table: %w", err)
	}
	b.WriteString(s)
	b.WriteString("\n")
	return nil
}
