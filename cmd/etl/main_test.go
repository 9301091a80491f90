package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/require"
)

const testConfig = `databases:
  mes_db:
    kind: sqlite
    dsn: file:%[1]s/mes.db
  tableau_db:
    kind: sqlite
    dsn: file:%[1]s/tableau.db
runtime:
  batch_size: 2
  max_retry_attempts: 1
  sql_root: sql
queries:
  - name: mes_lots
    sql_file: mes_lots.sql
    target_table: mes_lots_tbl
  - name: sap_materials
    sql_file: sap_materials.sql
    target_table: sap_materials_tbl
`

// setup writes a config with a SQLite MES source holding three lots and a
// SQLite reporting target. SAP is left unconfigured.
func setup(t *testing.T) string {
	t.Helper()
	pterm.DisableStyling()
	dir := t.TempDir()

	db, err := sql.Open("sqlite", "file:"+filepath.Join(dir, "mes.db"))
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE lots (id INTEGER, qty REAL, lot TEXT);
		INSERT INTO lots VALUES (1, 1.5, 'A'), (2, NULL, 'B'), (3, 4.0, NULL);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sql", "mes"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sql", "sap"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sql", "mes", "mes_lots.sql"), []byte("SELECT id, qty, lot FROM lots ORDER BY id"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sql", "sap", "sap_materials.sql"), []byte("SELECT 1 AS id"), 0o644))

	path := filepath.Join(dir, "etl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(testConfig, dir)), 0o600))
	return path
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_MESThenDescribeAndReport(t *testing.T) {
	cfg := setup(t)

	code, out, errOut := run(t, "run", "--mes", "--config", cfg, "--progress", "none")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "MES  succeeded 3")
	require.Contains(t, out, "SAP  skipped   0")

	code, out, errOut = run(t, "describe", "mes_lots_tbl", "--config", cfg)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "COLUMN")
	require.Contains(t, out, "qty")
	require.Contains(t, out, "lot")

	code, out, errOut = run(t, "report", "--days", "3", "--config", cfg)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "mes_lots_tbl")
	require.Contains(t, out, "ETL_COMPLETE")
}

func TestRun_RerunReplacesTable(t *testing.T) {
	cfg := setup(t)

	for i := 0; i < 2; i++ {
		code, out, errOut := run(t, "run", "--mes", "--config", cfg, "--progress", "log")
		require.Equal(t, 0, code, errOut)
		require.Contains(t, out, "MES  succeeded 3")
	}

	db, err := sql.Open("sqlite", "file:"+filepath.Join(filepath.Dir(cfg), "tableau.db"))
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM mes_lots_tbl`).Scan(&n))
	require.Equal(t, 3, n)
}

func TestRun_UnavailableSourceFails(t *testing.T) {
	cfg := setup(t)

	code, out, _ := run(t, "run", "--config", cfg, "--progress", "none")
	require.Equal(t, 1, code)
	require.Contains(t, out, "MES  succeeded 3")
	require.Contains(t, out, "SAP  failed    0")
}

func TestRun_MemoryMetricsPrintedAtExit(t *testing.T) {
	cfg := setup(t)

	code, _, errOut := run(t, "run", "--mes", "--config", cfg, "--progress", "none", "--metrics-backend", "memory")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, errOut, "etl_query_total{source=mes,status=succeeded} 1")
	require.Contains(t, errOut, "etl_batches_total 2")
}

func TestRun_UnknownMetricsBackend(t *testing.T) {
	cfg := setup(t)

	code, _, errOut := run(t, "run", "--config", cfg, "--metrics-backend", "statsd")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, `unknown metrics backend "statsd"`)
}

func TestValidate(t *testing.T) {
	cfg := setup(t)

	code, out, _ := run(t, "validate", "--config", cfg)
	require.Equal(t, 0, code)
	require.Contains(t, out, "warning: databases.sap_db")
	require.Contains(t, out, "configuration ok: 2 databases, 2 queries")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("databases:\n  tableau_db:\n    kind: sqlite\n"), 0o600))
	code, out, errOut := run(t, "validate", "--config", bad)
	require.Equal(t, 1, code)
	require.Contains(t, out, "error: databases.tableau_db.dsn: is required for kind sqlite")
	require.Contains(t, errOut, "invalid configuration")
}

func TestCheck(t *testing.T) {
	cfg := setup(t)

	code, out, errOut := run(t, "check", "--config", cfg)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "mes_db")
	require.Contains(t, out, "tableau_db")
	require.NotContains(t, out, "FAILED")
}

func TestReport_RejectsNonPositiveDays(t *testing.T) {
	cfg := setup(t)

	code, _, errOut := run(t, "report", "--days", "0", "--config", cfg)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "--days must be at least 1")
}

func TestSchedule_InvalidCron(t *testing.T) {
	cfg := setup(t)

	code, _, errOut := run(t, "schedule", "--cron", "not a cron", "--config", cfg)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "invalid spec")
}

func TestSourceFlags_Selected(t *testing.T) {
	require.Equal(t, "MES,SAP", joinSources((&sourceFlags{}).selected()))
	require.Equal(t, "MES,SAP", joinSources((&sourceFlags{all: true, mes: true}).selected()))
	require.Equal(t, "SAP", joinSources((&sourceFlags{sap: true}).selected()))
	require.Equal(t, "MES", joinSources((&sourceFlags{mes: true}).selected()))
}
