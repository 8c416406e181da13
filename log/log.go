// Package log implements support for structured logging.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// log.DefaultCaller + 2 for this package's leveling wrappers (Debug etc. and log).
const defaultCallerUnwind = 5

// Logger is a structured logger.
type Logger struct {
	base   log.Logger // Without the caller prefix, so that the unwind depth can be changed.
	logger log.Logger
	level  Level
	module string
	unwind int
}

// NewDefaultLogger initializes a new logger instance with default settings.
// For usage outside tests, prefer RootLogger() from package `cmd/common`.
func NewDefaultLogger(module string) *Logger {
	logger, err := NewLogger(module, os.Stdout, FmtJSON, LevelInfo)
	if err != nil {
		// Shouldn't happen as NewLogger can only fail if an invalid format is provided.
		panic(err)
	}
	return logger
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{
		base:   log.NewNopLogger(),
		logger: log.NewNopLogger(),
		level:  LevelError,
		module: "nop",
		unwind: defaultCallerUnwind,
	}
}

// NewLogger initializes a new logger instance.
func NewLogger(module string, w io.Writer, format Format, lvl Level) (*Logger, error) {
	var base log.Logger
	switch format {
	case FmtLogfmt:
		base = log.NewLogfmtLogger(log.NewSyncWriter(w))
	case FmtJSON:
		base = log.NewJSONLogger(log.NewSyncWriter(w))
	default:
		return nil, fmt.Errorf("log: unsupported log format: %v", format)
	}
	base = log.WithPrefix(base, "ts", log.DefaultTimestampUTC)

	return &Logger{
		base:   base,
		logger: log.WithPrefix(base, "caller", log.Caller(defaultCallerUnwind)),
		level:  lvl,
		module: module,
		unwind: defaultCallerUnwind,
	}, nil
}

func (l *Logger) log(lvl Level, msg string, keyvals []interface{}) {
	if l.level > lvl {
		return
	}
	keyvals = append([]interface{}{"module", l.module, "msg", msg}, keyvals...)
	var leveled log.Logger
	switch lvl {
	case LevelDebug:
		leveled = level.Debug(l.logger)
	case LevelInfo:
		leveled = level.Info(l.logger)
	case LevelWarn:
		leveled = level.Warn(l.logger)
	default:
		leveled = level.Error(l.logger)
	}
	_ = leveled.Log(keyvals...)
}

// Debug logs the message and key value pairs at the Debug log level.
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.log(LevelDebug, msg, keyvals)
}

// Info logs the message and key value pairs at the Info log level.
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.log(LevelInfo, msg, keyvals)
}

// Warn logs the message and key value pairs at the Warn log level.
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.log(LevelWarn, msg, keyvals)
}

// Error logs the message and key value pairs at the Error log level.
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.log(LevelError, msg, keyvals)
}

// With returns a clone of the logger with the provided key/value pairs
// added as context for all subsequent logs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{
		base:   log.With(l.base, keyvals...),
		logger: log.With(l.logger, keyvals...),
		level:  l.level,
		module: l.module,
		unwind: l.unwind,
	}
}

// WithModule returns a clone of the logger with the provided module
// added as context for all subsequent logs.
func (l *Logger) WithModule(module string) *Logger {
	clone := *l
	clone.module = module
	return &clone
}

// WithCallerUnwind returns a clone of the logger that reports the caller
// `unwind` frames up the stack. Useful when the logger is wrapped by
// another logging facade.
func (l *Logger) WithCallerUnwind(unwind int) *Logger {
	clone := *l
	clone.unwind = unwind
	clone.logger = log.WithPrefix(l.base, "caller", log.Caller(unwind))
	return &clone
}

// Level is the logging level.
func (l *Logger) Level() Level {
	return l.level
}

// writerIntoLogger adapts a Logger into an io.Writer, one log line per write.
type writerIntoLogger struct {
	logger *Logger
}

func (w writerIntoLogger) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// WriterIntoLogger returns an io.Writer that logs everything written to it
// at the Info level. Intended for libraries that accept a stdlib *log.Logger.
func WriterIntoLogger(logger *Logger) io.Writer {
	return writerIntoLogger{logger: logger}
}
