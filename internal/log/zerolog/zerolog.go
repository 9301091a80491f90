// Package zerolog adapts github.com/rs/zerolog to the log.Logger interface.
package zerolog

import (
	"io"
	stdlog "log"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	loglib "tableauetl/internal/log"
)

type Config struct {
	// LogLevel is one of trace, debug, info, warn, error. Unknown values
	// leave the logger without a level filter.
	LogLevel string
	// Out defaults to os.Stderr.
	Out io.Writer
	// JSON disables the console writer.
	JSON bool
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "timestamp"
	zerolog.ErrorFieldName = "error.message"
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		return path.Base(file) + ":" + strconv.Itoa(line)
	}
}

// NewLogger builds a zerolog logger that emits a timestamp and the caller's
// file for every event.
func NewLogger(cfg *Config) *zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).
		With().
		Timestamp().
		Caller().
		Logger().
		Level(level)
	return &logger
}

// RedirectStdLog routes the standard library logger (used by database
// drivers) through l.
func RedirectStdLog(l *zerolog.Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(l)
}

type Logger struct {
	zl     *zerolog.Logger
	fields loglib.Fields
}

// if we go over this limit the log line is truncated
const logMaxBytes = 10000

func NewStdLogger(zl *zerolog.Logger) *Logger {
	return &Logger{zl: zl}
}

func (l *Logger) Trace(msg string, fields ...loglib.Fields) {
	withFields(l.zl.Trace(), append(fields, l.fields)...).Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...loglib.Fields) {
	withFields(l.zl.Debug(), append(fields, l.fields)...).Msg(msg)
}

func (l *Logger) Info(msg string, fields ...loglib.Fields) {
	withFields(l.zl.Info(), append(fields, l.fields)...).Msg(msg)
}

func (l *Logger) Warn(err error, msg string, fields ...loglib.Fields) {
	withFields(l.zl.Warn().Err(err), append(fields, l.fields)...).Msg(msg)
}

func (l *Logger) Error(err error, msg string, fields ...loglib.Fields) {
	withFields(l.zl.Error().Err(err), append(fields, l.fields)...).Msg(msg)
}

func (l *Logger) WithFields(fields loglib.Fields) loglib.Logger {
	return &Logger{
		zl:     l.zl,
		fields: loglib.MergeFields(l.fields, fields),
	}
}

func withFields(event *zerolog.Event, fieldMaps ...loglib.Fields) *zerolog.Event {
	for _, m := range fieldMaps {
		for key, value := range m {
			switch v := value.(type) {
			case string:
				event = event.Str(key, v)
			case int:
				event = event.Int(key, v)
			case int64:
				event = event.Int64(key, v)
			case []byte:
				if len(v) > logMaxBytes {
					v = v[:logMaxBytes]
				}
				event = event.Bytes(key, v)
			case time.Time:
				event = event.Time(key, v)
			case time.Duration:
				event = event.Dur(key, v)
			case []string:
				event = event.Strs(key, v)
			default:
				event = event.Interface(key, v)
			}
		}
	}
	return event
}

var _ loglib.Logger = (*Logger)(nil)
