package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"tableauetl/internal/backoff"
	"tableauetl/internal/config"
	"tableauetl/internal/database"
	"tableauetl/internal/log"
	logzerolog "tableauetl/internal/log/zerolog"
	"tableauetl/internal/metrics"
	"tableauetl/internal/metrics/datadog"
	"tableauetl/internal/pipeline"
	"tableauetl/internal/progress"
	"tableauetl/internal/source"
	"tableauetl/internal/sqlfile"
	"tableauetl/internal/storage"
	"tableauetl/internal/summary"

	// register all backends with the storage factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "tableauetl/internal/storage/all"
)

// errRunFailed is returned when a run completed but a requested source failed.
var errRunFailed = errors.New("etl run failed")

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath     string
	logLevel       string
	jsonLogs       bool
	metricsBackend string
	metricsTags    string
	progressMode   string
}

// app is the wiring shared by the commands: configuration, logger, metrics
// and clock. It is built once per command invocation.
type app struct {
	cfg     *config.Config
	logger  log.Logger
	metrics metrics.Backend
	clock   clockwork.Clock
	stdout  io.Writer
	stderr  io.Writer

	closers []func()
}

func newLogger(opts *globalOptions, stderr io.Writer) log.Logger {
	zl := logzerolog.NewLogger(&logzerolog.Config{LogLevel: opts.logLevel, Out: stderr, JSON: opts.jsonLogs})
	logzerolog.RedirectStdLog(zl)
	return logzerolog.NewStdLogger(zl)
}

// newApp loads and validates the configuration. Warnings are logged; any
// error-severity issue aborts.
func newApp(ctx context.Context, opts *globalOptions, stdout, stderr io.Writer) (*app, error) {
	logger := newLogger(opts, stderr)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	issues := config.Validate(cfg)
	for _, iss := range issues {
		if iss.Severity == config.SeverityWarning {
			logger.Warn(nil, iss.Message, log.Fields{"path": iss.Path})
		}
	}
	if err := config.Check(cfg); err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		clock:  clockwork.NewRealClock(),
		stdout: stdout,
		stderr: stderr,
	}
	if err := a.initMetrics(ctx, opts); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) initMetrics(ctx context.Context, opts *globalOptions) error {
	switch opts.metricsBackend {
	case "", "none":
		a.metrics = metrics.Nop{}
	case "memory":
		m := metrics.NewMemory()
		a.metrics = m
		a.closers = append(a.closers, func() {
			snap := m.Snapshot()
			keys := make([]string, 0, len(snap))
			for k := range snap {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(a.stderr, "%s %g\n", k, snap[k])
			}
		})
	case "datadog":
		tags := datadog.ParseTagsCSV(opts.metricsTags)
		b, err := datadog.NewBackend(ctx, datadog.Options{JobName: "tableau-etl", Tags: tags, FlushEvery: time.Minute})
		if err != nil {
			return err
		}
		a.logger.Info("metrics enabled", log.Fields{"backend": "datadog", "tags": tags})
		a.metrics = b
		a.closers = append(a.closers, func() {
			if err := b.Close(); err != nil {
				a.logger.Warn(err, "metrics: datadog close/flush error")
			}
		})
	default:
		return fmt.Errorf("unknown metrics backend %q (want none, memory or datadog)", opts.metricsBackend)
	}
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// openTarget opens the reporting database with the configured retry policy.
func (a *app) openTarget(ctx context.Context) (storage.Target, error) {
	db, ok := a.cfg.TargetDB()
	if !ok {
		return nil, fmt.Errorf("target database is not configured: %w", config.ErrInvalid)
	}
	rt := a.cfg.Runtime
	dsn, err := db.ConnString(rt.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	var target storage.Target
	attempt := 0
	bo := backoff.NewProvider(backoff.ForAttempts(rt.MaxRetryAttempts, rt.RetryDelay))(ctx)
	err = bo.RetryNotify(func() error {
		attempt++
		t, err := storage.New(ctx, storage.Config{Kind: a.cfg.TargetKind(), DSN: dsn, Clock: a.clock, Logger: a.logger})
		if errors.Is(err, storage.ErrUnsupportedKind) {
			return fmt.Errorf("%w: %w", err, backoff.ErrPermanent)
		}
		target = t
		return err
	}, func(err error, next time.Duration) {
		a.logger.Warn(err, "target connection attempt failed", log.Fields{"attempt": attempt, "retry_in": next.String()})
	})
	if err != nil {
		return nil, fmt.Errorf("target: connect after %d attempt(s): %w", attempt, err)
	}
	return target, nil
}

// runOnce executes one complete run over the selected sources. It returns an
// error only when the run could not start; source failures are reported in
// the summary.
func (a *app) runOnce(ctx context.Context, selected []config.SourceType, progressMode string) (pipeline.RunSummary, error) {
	target, err := a.openTarget(ctx)
	if err != nil {
		return pipeline.RunSummary{}, err
	}
	defer target.Close()

	loader, err := sqlfile.NewLoader(a.cfg.Runtime.SQLRoot, a.logger)
	if err != nil {
		return pipeline.RunSummary{}, err
	}
	observer, err := progress.New(progressMode, a.progressOut(), a.logger)
	if err != nil {
		return pipeline.RunSummary{}, err
	}

	engine := pipeline.NewEngine(target, loader, pipeline.Options{
		BatchSize:        a.cfg.Runtime.BatchSize,
		ProgressInterval: a.cfg.Runtime.ProgressInterval,
		Recorder:         summary.NewRecorder(target, a.metrics, a.clock, a.logger),
		Metrics:          a.metrics,
		Progress:         observer,
		Clock:            a.clock,
		Logger:           a.logger,
	})

	plans := make([]pipeline.SourcePlan, 0, len(config.Sources))
	for _, s := range config.Sources {
		plan := pipeline.SourcePlan{Source: s, Queries: a.cfg.QueriesFor(s), Requested: contains(selected, s)}
		if plan.Requested {
			reader, err := a.openSource(ctx, s)
			if err != nil {
				plan.ConnErr = err
			} else {
				plan.Reader = reader
				defer reader.Close()
			}
		}
		plans = append(plans, plan)
	}

	a.logger.Info("etl run starting", log.Fields{"sources": joinSources(selected)})
	return pipeline.NewCoordinator(engine).Run(ctx, plans), nil
}

// progressOut is the terminal the progress bar draws on.
func (a *app) progressOut() *os.File {
	if f, ok := a.stderr.(*os.File); ok {
		return f
	}
	return os.Stderr
}

func (a *app) openSource(ctx context.Context, s config.SourceType) (source.Reader, error) {
	name := s.Database()
	dbCfg, ok := a.cfg.Databases[name]
	if !ok {
		return nil, fmt.Errorf("database %s is not configured", name)
	}
	db, err := database.Open(ctx, name, dbCfg, a.cfg.Runtime, a.logger)
	if err != nil {
		a.logger.Error(err, "source connection failed", log.Fields{log.SourceField: string(s)})
		return nil, err
	}
	a.logger.Info("connected to source", log.Fields{log.SourceField: string(s)})
	return source.NewSQLReader(db, a.cfg.Runtime.CommandTimeout, a.logger), nil
}

func contains(list []config.SourceType, s config.SourceType) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func joinSources(list []config.SourceType) string {
	parts := make([]string, len(list))
	for i, s := range list {
		parts[i] = s.Label()
	}
	return strings.Join(parts, ",")
}
