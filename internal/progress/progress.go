// Package progress reports rows written per query, either as log lines or as
// a terminal progress bar.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"tableauetl/internal/log"
	"tableauetl/internal/pipeline"
)

// Modes accepted by New.
const (
	ModeAuto = "auto"
	ModeBar  = "bar"
	ModeLog  = "log"
	ModeNone = "none"
)

// New returns the observer for mode. ModeAuto picks the bar when out is a
// terminal and log lines otherwise.
func New(mode string, out *os.File, logger log.Logger) (pipeline.ProgressObserver, error) {
	switch mode {
	case "", ModeAuto:
		if out != nil && IsTerminal(out) {
			return NewBar(out), nil
		}
		return NewLogObserver(logger), nil
	case ModeBar:
		return NewBar(out), nil
	case ModeLog:
		return NewLogObserver(logger), nil
	case ModeNone:
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("progress: unknown mode %q", mode)
	}
}

func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

type Nop struct{}

func (Nop) Observe(pipeline.ProgressEvent) {}

// LogObserver logs one info line per interval event and one on completion.
type LogObserver struct {
	logger log.Logger
}

func NewLogObserver(logger log.Logger) *LogObserver {
	return &LogObserver{logger: log.NewLogger(logger).WithFields(log.Fields{log.ModuleField: "progress"})}
}

func (o *LogObserver) Observe(ev pipeline.ProgressEvent) {
	fields := log.Fields{
		log.QueryField: ev.Query,
		log.TableField: ev.Table,
		"written":      ev.Written,
		"total":        ev.Total,
	}
	switch {
	case ev.Done && ev.Err != nil:
		o.logger.Warn(ev.Err, "write aborted", fields)
	case ev.Done:
		o.logger.Info("write completed", fields)
	default:
		fields["percent"] = percent(ev.Written, ev.Total)
		o.logger.Info("rows written", fields)
	}
}

func percent(written, total int) int {
	if total <= 0 {
		return 100
	}
	return written * 100 / total
}

// Bar renders one progress bar per query.
type Bar struct {
	out io.Writer

	mu    sync.Mutex
	query string
	bar   *progressbar.ProgressBar
}

func NewBar(out io.Writer) *Bar {
	if out == nil {
		out = os.Stderr
	}
	return &Bar{out: out}
}

func (b *Bar) Observe(ev pipeline.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bar == nil || b.query != ev.Query {
		b.finish()
		b.query = ev.Query
		b.bar = progressbar.NewOptions(ev.Total,
			progressbar.OptionSetWriter(b.out),
			progressbar.OptionSetDescription(ev.Table),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() { _, _ = fmt.Fprintln(b.out) }),
		)
	}
	_ = b.bar.Set(ev.Written)
	if ev.Done {
		if ev.Err != nil {
			_ = b.bar.Exit()
		} else {
			_ = b.bar.Finish()
		}
		b.bar = nil
		b.query = ""
	}
}

func (b *Bar) finish() {
	if b.bar != nil {
		_ = b.bar.Exit()
		b.bar = nil
	}
}
