package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalid is returned by Check when validation reports errors.
var ErrInvalid = errors.New("config: invalid configuration")

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is a dotted location in the config.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string { return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message) }

// Validate checks required fields and cross references. Errors make the
// configuration unusable; warnings describe parts that will not run.
func Validate(cfg *Config) []Issue {
	var issues []Issue
	errf := func(path, format string, a ...any) {
		issues = append(issues, Issue{SeverityError, path, fmt.Sprintf(format, a...)})
	}
	warnf := func(path, format string, a ...any) {
		issues = append(issues, Issue{SeverityWarning, path, fmt.Sprintf(format, a...)})
	}

	names := make([]string, 0, len(cfg.Databases))
	for name := range cfg.Databases {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		validateDB(name, cfg.Databases[name], errf)
	}

	tname := cfg.targetName()
	if _, ok := cfg.Databases[tname]; !ok {
		errf("target.database", "database %q is not configured", tname)
	}
	switch cfg.TargetKind() {
	case KindMSSQL, KindPostgres, KindSQLite:
	default:
		errf("target.kind", "unsupported kind %q", cfg.TargetKind())
	}

	for _, s := range Sources {
		if _, ok := cfg.Databases[s.Database()]; !ok {
			warnf("databases."+s.Database(), "not configured; %s queries will fail when requested", s.Label())
		}
	}

	rt := cfg.Runtime
	if rt.BatchSize < 1 {
		errf("runtime.batch_size", "must be >= 1 (got %d)", rt.BatchSize)
	}
	if rt.ProgressInterval < 0 {
		errf("runtime.progress_interval", "must be >= 0 (got %d)", rt.ProgressInterval)
	}
	if rt.MaxRetryAttempts < 1 {
		errf("runtime.max_retry_attempts", "must be >= 1 (got %d)", rt.MaxRetryAttempts)
	}
	if rt.RetryDelay < 0 || rt.ConnectTimeout < 0 || rt.CommandTimeout < 0 {
		errf("runtime", "durations must not be negative")
	}

	if len(cfg.Queries) == 0 {
		warnf("queries", "no queries configured")
	}
	seen := make(map[string]int, len(cfg.Queries))
	for i, q := range cfg.Queries {
		p := fmt.Sprintf("queries[%d]", i)
		if strings.TrimSpace(q.Name) == "" {
			errf(p+".name", "is required")
		} else if j, dup := seen[q.Name]; dup {
			errf(p+".name", "duplicate of queries[%d] (%q)", j, q.Name)
		} else {
			seen[q.Name] = i
			if !q.SourceType().Known() {
				warnf(p+".name", "%q has no mes_/sap_ prefix and will never run", q.Name)
			}
		}
		if strings.TrimSpace(q.SQLRef) == "" {
			errf(p+".sql_file", "is required")
		}
		if strings.TrimSpace(q.TargetTable) == "" {
			errf(p+".target_table", "is required")
		}
	}
	return issues
}

func validateDB(name string, db DbConfig, errf func(path, format string, a ...any)) {
	p := "databases." + name
	switch db.KindOrDefault() {
	case KindMSSQL:
		if db.DSN != "" {
			return
		}
		required := []struct{ field, val string }{
			{"server", db.Server}, {"database", db.Database}, {"username", db.Username}, {"password", db.Password},
		}
		for _, r := range required {
			if strings.TrimSpace(r.val) == "" {
				errf(p+"."+r.field, "is required")
			}
		}
	case KindPostgres, KindSQLite:
		if db.DSN == "" {
			errf(p+".dsn", "is required for kind %s", db.KindOrDefault())
		}
	default:
		errf(p+".kind", "unsupported kind %q", db.Kind)
	}
}

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Check validates cfg and returns ErrInvalid wrapping the first error.
func Check(cfg *Config) error {
	for _, i := range Validate(cfg) {
		if i.Severity == SeverityError {
			return fmt.Errorf("%w: %s", ErrInvalid, i)
		}
	}
	return nil
}
