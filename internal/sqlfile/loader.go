// Package sqlfile resolves and loads the SQL text of a query definition.
//
// References are resolved under a root directory and must not escape it. A
// reference that does not exist verbatim is searched for in the conventional
// per-source directories and then anywhere below the root by base name.
package sqlfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"tableauetl/internal/log"
)

var (
	ErrEmptySQL   = errors.New("sqlfile: sql is empty")
	ErrUnsafePath = errors.New("sqlfile: path escapes the sql root")
	ErrNotFound   = errors.New("sqlfile: sql file not found")
)

// Keywords that are logged when present. They are legal SQL, so loading
// still succeeds.
var (
	dangerousKeywords = []string{
		"xp_cmdshell",
		"sp_configure",
		"exec master",
		"openrowset",
		"opendatasource",
		"--sp_password",
	}
	suspiciousPatterns = []string{
		"; drop table",
		"; delete from",
		"; truncate table",
		"union select",
	}
)

type Loader struct {
	root   string
	logger log.Logger

	mu    sync.Mutex
	cache map[string]entry
}

type entry struct {
	size  int64
	mtime time.Time
	sql   string
}

func NewLoader(root string, logger log.Logger) (*Loader, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("sqlfile: root %s: %w", root, err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	return &Loader{
		root:   abs,
		logger: log.NewLogger(logger).WithFields(log.Fields{log.ModuleField: "sqlfile"}),
		cache:  map[string]entry{},
	}, nil
}

// Root returns the absolute directory references resolve under.
func (l *Loader) Root() string { return l.root }

// Load resolves ref and returns its decoded SQL text. Results are cached per
// file and reloaded when the file size or modification time changes.
func (l *Loader) Load(ref string) (string, error) {
	path, err := l.Resolve(ref)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("sqlfile: stat %s: %w", path, err)
	}

	l.mu.Lock()
	e, ok := l.cache[path]
	l.mu.Unlock()
	if ok && e.size == info.Size() && e.mtime.Equal(info.ModTime()) {
		return e.sql, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("sqlfile: read %s: %w", path, err)
	}
	sql, err := Decode(raw)
	if err != nil {
		return "", fmt.Errorf("sqlfile: decode %s: %w", path, err)
	}
	if strings.TrimSpace(sql) == "" {
		return "", fmt.Errorf("%w: %s", ErrEmptySQL, path)
	}
	l.inspect(sql, path)

	l.mu.Lock()
	l.cache[path] = entry{size: info.Size(), mtime: info.ModTime(), sql: sql}
	l.mu.Unlock()
	l.logger.Debug("sql file loaded", log.Fields{"path": path, "bytes": len(raw)})
	return sql, nil
}

// Resolve returns the absolute path of ref.
func (l *Loader) Resolve(ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", fmt.Errorf("%w: empty reference", ErrNotFound)
	}
	p := ref
	if !filepath.IsAbs(p) {
		p = filepath.Join(l.root, p)
	}
	p = filepath.Clean(p)
	if !l.within(p) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, ref)
	}
	if isFile(p) {
		return l.confine(ref, p)
	}

	base := filepath.Base(p)
	for _, dir := range candidateDirs(base) {
		c := filepath.Join(l.root, dir, base)
		if isFile(c) {
			l.logger.Debug("sql file found in fallback directory", log.Fields{"ref": ref, "path": c})
			return l.confine(ref, c)
		}
	}

	var found string
	walkErr := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && d.Name() == base && strings.EqualFold(filepath.Ext(path), ".sql") {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil {
		return "", fmt.Errorf("sqlfile: search %s: %w", l.root, walkErr)
	}
	if found == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	l.logger.Debug("sql file found by search", log.Fields{"ref": ref, "path": found})
	return l.confine(ref, found)
}

// confine resolves symlinks in p and rejects files that end up outside the root.
func (l *Loader) confine(ref, p string) (string, error) {
	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("sqlfile: resolve %s: %w", p, err)
	}
	if !l.within(real) {
		l.logger.Warn(nil, "sql file resolves outside the root", log.Fields{"ref": ref, "path": real})
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, ref)
	}
	return real, nil
}

// ClearCache drops every cached file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	n := len(l.cache)
	l.cache = map[string]entry{}
	l.mu.Unlock()
	l.logger.Info("sql cache cleared", log.Fields{"entries": n})
}

// Cached returns the number of cached files.
func (l *Loader) Cached() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cache)
}

// Decode converts raw file bytes to a string, honoring a UTF-8 or UTF-16 byte
// order mark. Files without a BOM are read as UTF-8.
func Decode(raw []byte) (string, error) {
	out, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (l *Loader) inspect(sql, path string) {
	lower := strings.ToLower(sql)
	for _, k := range dangerousKeywords {
		if strings.Contains(lower, k) {
			l.logger.Warn(nil, "sql contains a dangerous keyword", log.Fields{"keyword": k, "path": path})
		}
	}
	for _, p := range suspiciousPatterns {
		if strings.Contains(lower, p) {
			l.logger.Warn(nil, "sql contains a suspicious pattern", log.Fields{"pattern": p, "path": path})
		}
	}
}

func (l *Loader) within(p string) bool {
	rel, err := filepath.Rel(l.root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func candidateDirs(base string) []string {
	lower := strings.ToLower(base)
	switch {
	case strings.HasPrefix(lower, "mes_"):
		return []string{"mes", "MES", "sql", "queries"}
	case strings.HasPrefix(lower, "sap_"):
		return []string{"sap", "SAP", "sql", "queries"}
	default:
		return []string{"sql", "queries", "mes", "sap"}
	}
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
