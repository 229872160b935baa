// Package logging provides the component logger used across botkit.
// It keeps a small leveled API (message plus an optional field map) on top
// of a zap core writing console-formatted lines.
package logging

import (
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var zapLevels = map[Level]zapcore.Level{
	LevelDebug: zapcore.DebugLevel,
	LevelInfo:  zapcore.InfoLevel,
	LevelWarn:  zapcore.WarnLevel,
	LevelError: zapcore.ErrorLevel,
}

// ParseLevel maps a case-sensitive level name to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return Level(s)
	}
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

// Logger writes leveled, component-tagged lines.
// Loggers derived with WithComponent share the level of their parent.
type Logger struct {
	mu        sync.RWMutex
	z         *zap.Logger
	output    io.Writer
	level     zap.AtomicLevel
	component string
}

// New creates a Logger writing to stdout at info level.
func New() *Logger {
	l := &Logger{
		output: os.Stdout,
		level:  zap.NewAtomicLevelAt(zapcore.InfoLevel),
	}
	l.build()
	return l
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	l := &Logger{
		output: io.Discard,
		level:  zap.NewAtomicLevelAt(zapcore.ErrorLevel + 1),
	}
	l.z = zap.NewNop()
	return l
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "component",
		MessageKey:    "msg",
		StacktraceKey: "",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.UTC().Format("2006-01-02T15:04:05.000Z"))
		},
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName: func(name string, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString("[" + name + "]")
		},
	}
}

// build must be called with mu held for writing, or before l is shared.
func (l *Logger) build() {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig()),
		zapcore.Lock(zapcore.AddSync(l.output)),
		l.level,
	)
	z := zap.New(core)
	if l.component != "" {
		z = z.Named(l.component)
	}
	l.z = z
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	child := &Logger{
		output:    l.output,
		level:     l.level,
		component: component,
	}
	child.build()
	return child
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	if zl, ok := zapLevels[level]; ok {
		l.level.SetLevel(zl)
	}
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	l.build()
}

// Zap exposes the underlying zap logger for libraries that want one.
func (l *Logger) Zap() *zap.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.z
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	return l.Zap().Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.DebugLevel, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.InfoLevel, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.WarnLevel, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(zapcore.ErrorLevel, msg, fields...)
}

// zapFields converts a field map to zap fields in key order.
func zapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

func (l *Logger) log(level zapcore.Level, msg string, fields ...map[string]interface{}) {
	z := l.Zap()
	ce := z.Check(level, msg)
	if ce == nil {
		return
	}
	if len(fields) > 0 && fields[0] != nil {
		ce.Write(zapFields(fields[0])...)
		return
	}
	ce.Write()
}
