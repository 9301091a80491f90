package pipeline

import (
	"context"
	"errors"
	"fmt"

	"tableauetl/internal/config"
	"tableauetl/internal/log"
	"tableauetl/internal/metrics"
	"tableauetl/internal/source"
)

// ErrNotAttempted marks skipped results of queries that were never executed.
var ErrNotAttempted = errors.New("pipeline: query not attempted")

// SourcePlan is one source's share of a run. Reader is nil when the source
// connection could not be opened; ConnErr then says why.
type SourcePlan struct {
	Source    SourceType
	Requested bool
	Queries   []config.QueryDefinition
	Reader    source.Reader
	ConnErr   error
}

// Coordinator runs the queries of each requested source through the engine,
// MES before SAP, stopping a source at its first failed query.
type Coordinator struct {
	engine *Engine
	opts   Options
	logger log.Logger
}

// NewCoordinator shares the engine's recorder, metrics, clock and logger.
func NewCoordinator(engine *Engine) *Coordinator {
	return &Coordinator{
		engine: engine,
		opts:   engine.opts,
		logger: engine.opts.Logger.WithFields(log.Fields{log.ModuleField: "coordinator"}),
	}
}

// RunSource executes queries in order and returns the source status and the
// rows written before the first failure. Queries after a failure are not
// executed; each is recorded as skipped.
func (c *Coordinator) RunSource(ctx context.Context, src SourceType, queries []config.QueryDefinition, reader source.Reader) (Status, int64) {
	logger := c.logger.WithFields(log.Fields{log.SourceField: string(src)})
	if len(queries) == 0 {
		logger.Info("no queries configured")
		return StatusSucceeded, 0
	}

	logger.Info("starting source", log.Fields{"queries": len(queries)})
	var total int64
	for i, q := range queries {
		res := c.engine.Execute(ctx, q, reader)
		if !res.Succeeded {
			logger.Error(res.Err, "query failed; skipping remaining queries", log.Fields{
				log.QueryField: q.Name,
				"skipped":      len(queries) - i - 1,
			})
			c.skip(ctx, src, queries[i+1:], fmt.Errorf("%w: %s failed earlier in the run", ErrNotAttempted, q.Name))
			return StatusFailed, total
		}
		total += res.RowCount
	}
	logger.Info("source completed", log.Fields{"rows": total})
	return StatusSucceeded, total
}

// Run executes the plans in source order and records one run summary.
func (c *Coordinator) Run(ctx context.Context, plans []SourcePlan) RunSummary {
	sum := RunSummary{
		Timestamp: c.opts.Clock.Now(),
		Statuses:  make(map[SourceType]Status, len(config.Sources)),
		Rows:      make(map[SourceType]int64, len(config.Sources)),
	}
	c.opts.Recorder.BeginRun(ctx, sum.Timestamp)

	for _, p := range orderPlans(plans) {
		switch {
		case !p.Requested:
			sum.Statuses[p.Source] = StatusSkipped
		case p.Reader == nil:
			err := p.ConnErr
			if err == nil {
				err = errors.New("no source connection")
			}
			c.logger.Error(err, "source unavailable", log.Fields{log.SourceField: string(p.Source)})
			c.skip(ctx, p.Source, p.Queries, fmt.Errorf("%w: %s connection failed: %w", ErrNotAttempted, p.Source.Label(), err))
			sum.Statuses[p.Source] = StatusFailed
		default:
			sum.Statuses[p.Source], sum.Rows[p.Source] = c.RunSource(ctx, p.Source, p.Queries, p.Reader)
		}
	}

	c.opts.Recorder.RecordRun(ctx, sum)
	fields := log.Fields{"rows": sum.TotalRows()}
	for s, st := range sum.Statuses {
		fields[string(s)] = string(st)
	}
	if sum.Succeeded() {
		c.logger.Info("run completed", fields)
	} else {
		c.logger.Warn(nil, "run completed with failures", fields)
	}
	return sum
}

func (c *Coordinator) skip(ctx context.Context, src SourceType, queries []config.QueryDefinition, reason error) {
	for _, q := range queries {
		c.opts.Metrics.IncCounter(metrics.QueryTotal, 1, metrics.Labels{metrics.LabelSource: string(src), metrics.LabelStatus: "skipped"})
		c.opts.Recorder.RecordQuery(ctx, QueryRunResult{
			QueryName:   q.Name,
			TargetTable: q.TargetTable,
			SourceType:  src,
			Skipped:     true,
			Err:         reason,
		})
	}
}

// orderPlans returns known sources in config.Sources order followed by any
// others in their given order.
func orderPlans(plans []SourcePlan) []SourcePlan {
	out := make([]SourcePlan, 0, len(plans))
	for _, s := range config.Sources {
		for _, p := range plans {
			if p.Source == s {
				out = append(out, p)
			}
		}
	}
	for _, p := range plans {
		if !p.Source.Known() {
			out = append(out, p)
		}
	}
	return out
}
