// Package config holds the typed configuration of an ETL run: database
// credentials, the target selection, runtime settings and the ordered list of
// query definitions. It is loaded and validated once at process start and is
// read-only afterwards.
package config

import (
	"strings"
	"time"
)

// SourceType tags the upstream system a query reads from. It is the lowercase
// prefix of the query name ("mes_orders" -> mes).
type SourceType string

const (
	SourceMES SourceType = "mes"
	SourceSAP SourceType = "sap"
)

// Sources lists the supported sources in execution order.
var Sources = []SourceType{SourceMES, SourceSAP}

// Label returns the upper-case form stored in summary records ("MES").
func (s SourceType) Label() string { return strings.ToUpper(string(s)) }

// Database returns the conventional databases key for this source ("mes_db").
func (s SourceType) Database() string { return string(s) + "_db" }

// Known reports whether s is one of Sources.
func (s SourceType) Known() bool {
	for _, k := range Sources {
		if k == s {
			return true
		}
	}
	return false
}

// Database kinds. The same names are used as storage backend kinds.
const (
	KindMSSQL    = "mssql"
	KindPostgres = "postgres"
	KindSQLite   = "sqlite"
)

type Config struct {
	Databases map[string]DbConfig `mapstructure:"databases"`
	Target    TargetConfig        `mapstructure:"target"`
	Runtime   RuntimeConfig       `mapstructure:"runtime"`

	// QueriesFile optionally points at a separate query metadata file
	// ({"queries": [...]}). Relative paths resolve against the config file.
	QueriesFile string            `mapstructure:"queries_file"`
	Queries     []QueryDefinition `mapstructure:"queries"`
}

type DbConfig struct {
	// Kind is mssql (default), postgres or sqlite.
	Kind     string `mapstructure:"kind"`
	Server   string `mapstructure:"server"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// DSN overrides the fields above when set; required for postgres and sqlite.
	DSN     string    `mapstructure:"dsn"`
	Options DbOptions `mapstructure:"options"`
}

type DbOptions struct {
	Encrypt                *bool `mapstructure:"encrypt"`
	TrustServerCertificate *bool `mapstructure:"trustServerCertificate"`
}

// KindOrDefault returns Kind, defaulting to mssql.
func (d DbConfig) KindOrDefault() string {
	if d.Kind == "" {
		return KindMSSQL
	}
	return strings.ToLower(d.Kind)
}

type TargetConfig struct {
	// Database names the databases entry used as the reporting target.
	Database string `mapstructure:"database"`
	// Kind selects the storage backend; defaults to the database kind.
	Kind string `mapstructure:"kind"`
}

// RuntimeConfig controls engine and connection behavior.
type RuntimeConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	ProgressInterval int           `mapstructure:"progress_interval"`
	MaxRetryAttempts int           `mapstructure:"max_retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	ConnectTimeout   time.Duration `mapstructure:"connection_timeout"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`
	// SQLRoot is the directory SQL files are resolved under.
	SQLRoot string `mapstructure:"sql_root"`
}

// QueryDefinition is one source query and its destination table.
type QueryDefinition struct {
	Name        string `mapstructure:"name"`
	SQLRef      string `mapstructure:"sql_file"`
	TargetTable string `mapstructure:"target_table"`
}

// SourceType returns the lowercase name prefix before the first underscore.
func (q QueryDefinition) SourceType() SourceType {
	prefix, _, _ := strings.Cut(q.Name, "_")
	return SourceType(strings.ToLower(prefix))
}

// Defaults, taken from the production job this replaces.
const (
	DefaultBatchSize        = 75
	DefaultProgressInterval = 10000
	DefaultMaxRetryAttempts = 3
	DefaultRetryDelay       = 5 * time.Second
	DefaultConnectTimeout   = 30 * time.Second
	DefaultCommandTimeout   = 300 * time.Second
	DefaultSQLServerPort    = 1433
	DefaultTargetDatabase   = "tableau_db"
)

// QueriesFor returns the queries of one source in declared order.
func (c *Config) QueriesFor(s SourceType) []QueryDefinition {
	var out []QueryDefinition
	for _, q := range c.Queries {
		if q.SourceType() == s {
			out = append(out, q)
		}
	}
	return out
}

// TargetDB returns the target database entry.
func (c *Config) TargetDB() (DbConfig, bool) {
	d, ok := c.Databases[c.targetName()]
	return d, ok
}

// TargetKind returns the storage backend kind for the target.
func (c *Config) TargetKind() string {
	if c.Target.Kind != "" {
		return strings.ToLower(c.Target.Kind)
	}
	d, _ := c.TargetDB()
	return d.KindOrDefault()
}

func (c *Config) targetName() string {
	if c.Target.Database != "" {
		return c.Target.Database
	}
	return DefaultTargetDatabase
}
