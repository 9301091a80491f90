// Package schedule triggers complete pipeline runs on a cron schedule. A run
// that is still in progress when the next tick fires causes that tick to be
// skipped, so runs never overlap.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"tableauetl/internal/log"
)

// Job is one complete run. ctx is cancelled when the scheduler stops.
type Job func(ctx context.Context)

type Scheduler struct {
	spec   string
	cron   *cron.Cron
	id     cron.EntryID
	logger log.Logger

	// ctx is handed to every job and cancelled by Run on shutdown.
	ctx    context.Context
	cancel context.CancelFunc
}

// New parses spec (standard five-field cron, or descriptors such as
// "@hourly" and "@every 30m") and registers job.
func New(spec string, loc *time.Location, job Job, logger log.Logger) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	logger = log.NewLogger(logger).WithFields(log.Fields{log.ModuleField: "schedule"})
	cl := cronLogger{logger: logger}

	s := &Scheduler{spec: spec, logger: logger}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	id, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		logger.Info("scheduled run starting", log.Fields{"spec": spec})
		job(s.ctx)
		logger.Info("scheduled run finished", log.Fields{"duration": time.Since(start)})
	})
	if err != nil {
		return nil, fmt.Errorf("schedule: invalid spec %q: %w", spec, err)
	}
	s.id = id
	return s, nil
}

// Next returns the next activation time after now.
func (s *Scheduler) Next(now time.Time) time.Time {
	return s.cron.Entry(s.id).Schedule.Next(now)
}

// Run starts the scheduler and blocks until ctx is done. It then cancels the
// running job's context and waits for it to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler started", log.Fields{"spec": s.spec, "next": s.Next(time.Now())})

	<-ctx.Done()

	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// cronLogger adapts log.Logger to cron.Logger. Routine cron messages are
// logged at debug level.
type cronLogger struct {
	logger log.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, kvFields(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(err, "cron: "+msg, kvFields(keysAndValues))
}

func kvFields(kv []any) log.Fields {
	f := make(log.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
