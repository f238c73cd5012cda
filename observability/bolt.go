package observability

import (
	"io"
	"os"

	"github.com/felixgeelhaar/bolt/v3"
)

// LogConfig selects the bolt handler and minimum level.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string
	// Format is json or console.
	Format string
	Output io.Writer
}

func parseLevel(s string) bolt.Level {
	switch s {
	case "trace":
		return bolt.TRACE
	case "debug":
		return bolt.DEBUG
	case "info":
		return bolt.INFO
	case "warn":
		return bolt.WARN
	case "error":
		return bolt.ERROR
	default:
		return bolt.INFO
	}
}

// BoltLogger adapts a bolt.Logger to Logger.
type BoltLogger struct {
	logger *bolt.Logger
	fields []Field
}

// NewBoltLogger builds a Logger writing through bolt.
func NewBoltLogger(cfg LogConfig) *BoltLogger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	var handler bolt.Handler
	if cfg.Format == "json" {
		handler = bolt.NewJSONHandler(out)
	} else {
		handler = bolt.NewConsoleHandler(out)
	}
	return &BoltLogger{logger: bolt.New(handler).SetLevel(parseLevel(cfg.Level))}
}

func (l *BoltLogger) Debug(msg string, fields ...Field) { l.emit(l.logger.Debug(), msg, fields) }
func (l *BoltLogger) Info(msg string, fields ...Field)  { l.emit(l.logger.Info(), msg, fields) }
func (l *BoltLogger) Warn(msg string, fields ...Field)  { l.emit(l.logger.Warn(), msg, fields) }
func (l *BoltLogger) Error(msg string, fields ...Field) { l.emit(l.logger.Error(), msg, fields) }

// With returns a logger that adds fields to every event.
func (l *BoltLogger) With(fields ...Field) Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &BoltLogger{logger: l.logger, fields: merged}
}

func (l *BoltLogger) emit(e *bolt.Event, msg string, fields []Field) {
	if e == nil {
		return
	}
	for _, f := range l.fields {
		e = apply(e, f)
	}
	for _, f := range fields {
		e = apply(e, f)
	}
	e.Msg(msg)
}

func apply(e *bolt.Event, f Field) *bolt.Event {
	switch v := f.Value().(type) {
	case string:
		return e.Str(f.Key(), v)
	case int:
		return e.Int(f.Key(), v)
	case int64:
		return e.Int64(f.Key(), v)
	case bool:
		return e.Bool(f.Key(), v)
	case error:
		if v == nil {
			return e
		}
		return e.Str(f.Key(), v.Error())
	case nil:
		return e
	default:
		return e
	}
}

var _ Logger = (*BoltLogger)(nil)
