// Package log defines the structured logging interface used across the ETL.
// Components receive a Logger in their constructor; a nil logger is replaced
// by a no-op implementation.
package log

type Logger interface {
	Trace(msg string, fields ...Fields)
	Debug(msg string, fields ...Fields)
	Info(msg string, fields ...Fields)
	Warn(err error, msg string, fields ...Fields)
	Error(err error, msg string, fields ...Fields)
	WithFields(fields Fields) Logger
}

type Fields map[string]any

// Field names shared by the engine, the coordinator and the stores.
const (
	ModuleField = "module"
	QueryField  = "query"
	TableField  = "table"
	SourceField = "source"
)

type NoopLogger struct{}

func (l *NoopLogger) Trace(msg string, fields ...Fields)            {}
func (l *NoopLogger) Debug(msg string, fields ...Fields)            {}
func (l *NoopLogger) Info(msg string, fields ...Fields)             {}
func (l *NoopLogger) Warn(err error, msg string, fields ...Fields)  {}
func (l *NoopLogger) Error(err error, msg string, fields ...Fields) {}
func (l *NoopLogger) WithFields(fields Fields) Logger {
	return l
}

func NewNoopLogger() *NoopLogger {
	return &NoopLogger{}
}

// NewLogger returns l when it is not nil, or a noop logger otherwise.
func NewLogger(l Logger) Logger {
	if l == nil {
		return &NoopLogger{}
	}
	return l
}

func MergeFields(f1, f2 Fields) Fields {
	all := make(Fields, len(f1)+len(f2))
	for _, m := range []Fields{f1, f2} {
		for k, v := range m {
			all[k] = v
		}
	}
	return all
}
