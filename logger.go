package hume

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
)

// LogLevel represents the severity level of a log message
type LogLevel int32

const (
	// LogLevelDebug logs everything including per-attempt and per-frame details
	LogLevelDebug LogLevel = iota
	// LogLevelInfo logs informational messages and above
	LogLevelInfo
	// LogLevelWarn logs warnings and above
	LogLevelWarn
	// LogLevelError logs only errors
	LogLevelError
	// LogLevelOff disables all logging
	LogLevelOff
)

// String returns the string representation of a LogLevel
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a string to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return LogLevelDebug
	case "INFO":
		return LogLevelInfo
	case "WARN", "WARNING":
		return LogLevelWarn
	case "ERROR":
		return LogLevelError
	case "OFF":
		return LogLevelOff
	default:
		return LogLevelInfo
	}
}

func (l LogLevel) slog() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger provides structured logging with configurable levels.
// Events are short snake_case names; fields become slog attributes.
type Logger struct {
	level  atomic.Int32
	prefix string
	out    *slog.Logger
}

// NewLogger creates a new structured logger writing text records to stderr.
func NewLogger(level LogLevel) *Logger {
	return NewLoggerWithWriter(level, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing text records to w.
func NewLoggerWithWriter(level LogLevel, w io.Writer) *Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	return NewLoggerWithHandler(level, h)
}

// NewLoggerWithHandler creates a logger on top of an existing slog handler.
func NewLoggerWithHandler(level LogLevel, h slog.Handler) *Logger {
	l := &Logger{prefix: "hume", out: slog.New(h)}
	l.level.Store(int32(level))
	return l
}

// NewLoggerFromEnv creates a logger with level from HUME_LOG_LEVEL env var
func NewLoggerFromEnv() *Logger {
	return NewLogger(ParseLogLevel(os.Getenv("HUME_LOG_LEVEL")))
}

// SetLevel updates the logger's minimum level
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

// Level returns the current minimum level.
func (l *Logger) Level() LogLevel {
	return LogLevel(l.level.Load())
}

// SetPrefix updates the component name attached to every record
func (l *Logger) SetPrefix(prefix string) {
	l.prefix = prefix
}

// Debug logs debug-level messages
func (l *Logger) Debug(event string, fields map[string]any) {
	l.log(LogLevelDebug, event, fields)
}

// Info logs info-level messages
func (l *Logger) Info(event string, fields map[string]any) {
	l.log(LogLevelInfo, event, fields)
}

// Warn logs warning-level messages
func (l *Logger) Warn(event string, fields map[string]any) {
	l.log(LogLevelWarn, event, fields)
}

// Error logs error-level messages
func (l *Logger) Error(event string, fields map[string]any) {
	l.log(LogLevelError, event, fields)
}

func (l *Logger) log(level LogLevel, event string, fields map[string]any) {
	threshold := l.Level()
	if threshold == LogLevelOff || level < threshold {
		return
	}

	// Stable attribute order keeps log lines diffable.
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]slog.Attr, 0, len(keys)+1)
	attrs = append(attrs, slog.String("component", l.prefix))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	l.out.LogAttrs(context.Background(), level.slog(), event, attrs...)
}

// LoggerFunc creates a logger function compatible with the Config.Logger field
func (l *Logger) LoggerFunc() func(string, map[string]any) {
	return func(event string, fields map[string]any) {
		l.Info(event, fields)
	}
}

// contextualLogger wraps the base Logger with fields attached to every record
type contextualLogger struct {
	*Logger
	context map[string]any
}

// WithContext returns a logger that includes additional context in all log messages
func (l *Logger) WithContext(context map[string]any) *contextualLogger {
	return &contextualLogger{Logger: l, context: context}
}

func (cl *contextualLogger) mergeFields(fields map[string]any) map[string]any {
	merged := make(map[string]any, len(cl.context)+len(fields))
	for k, v := range cl.context {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}

// Debug logs debug-level messages with context
func (cl *contextualLogger) Debug(event string, fields map[string]any) {
	cl.Logger.Debug(event, cl.mergeFields(fields))
}

// Info logs info-level messages with context
func (cl *contextualLogger) Info(event string, fields map[string]any) {
	cl.Logger.Info(event, cl.mergeFields(fields))
}

// Warn logs warning-level messages with context
func (cl *contextualLogger) Warn(event string, fields map[string]any) {
	cl.Logger.Warn(event, cl.mergeFields(fields))
}

// Error logs error-level messages with context
func (cl *contextualLogger) Error(event string, fields map[string]any) {
	cl.Logger.Error(event, cl.mergeFields(fields))
}

// logSink routes records to Config.StructuredLogger, then Config.Logger,
// then nowhere. Every component logs through one of these.
type logSink struct {
	structured *Logger
	fn         func(event string, fields map[string]any)
	context    map[string]any
}

func newLogSink(cfg *Config) logSink {
	return logSink{structured: cfg.StructuredLogger, fn: cfg.Logger}
}

func (s logSink) with(fields map[string]any) logSink {
	merged := make(map[string]any, len(s.context)+len(fields))
	for k, v := range s.context {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	s.context = merged
	return s
}

func (s logSink) emit(level LogLevel, event string, fields map[string]any) {
	if s.structured != nil {
		l := s.structured.WithContext(s.context)
		switch level {
		case LogLevelDebug:
			l.Debug(event, fields)
		case LogLevelWarn:
			l.Warn(event, fields)
		case LogLevelError:
			l.Error(event, fields)
		default:
			l.Info(event, fields)
		}
		return
	}
	if s.fn == nil || level == LogLevelDebug {
		return
	}
	merged := make(map[string]any, len(s.context)+len(fields))
	for k, v := range s.context {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	if level >= LogLevelError {
		event = "ERROR: " + event
	}
	s.fn(event, merged)
}

func (s logSink) debug(event string, fields map[string]any) { s.emit(LogLevelDebug, event, fields) }
func (s logSink) info(event string, fields map[string]any)  { s.emit(LogLevelInfo, event, fields) }
func (s logSink) warn(event string, fields map[string]any)  { s.emit(LogLevelWarn, event, fields) }
func (s logSink) error(event string, fields map[string]any) { s.emit(LogLevelError, event, fields) }
