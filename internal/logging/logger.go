// Package logging provides structured logging for the sync core.
//
// The package-level helpers take a message plus an optional context map, in
// the same shape everywhere in the codebase. Entries are JSON encoded by zap;
// file output is rotated by lumberjack.
package logging

import (
	"io"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Fields is the context attached to a log entry.
type Fields = map[string]interface{}

// Logger provides structured JSON logging.
type Logger struct {
	zl    *zap.Logger
	level zap.AtomicLevel
	sink  io.Closer
}

var (
	// global logger instance
	global *Logger
	mu     sync.RWMutex
)

// Options configures the global logger.
type Options struct {
	Level LogLevel
	// File enables a rotated log file in addition to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Quiet disables the stderr copy.
	Quiet bool
}

// New creates a Logger writing JSON entries to out.
func New(out io.Writer, minLevel LogLevel) *Logger {
	level := zap.NewAtomicLevelAt(toZapLevel(minLevel))
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(out), level)
	return &Logger{zl: zap.New(core), level: level}
}

// Init replaces the global logger with one writing to out.
func Init(out io.Writer, minLevel LogLevel) {
	set(New(out, minLevel))
}

// Configure builds the global logger from options.
func Configure(opts Options) *Logger {
	level := zap.NewAtomicLevelAt(toZapLevel(opts.Level))
	enc := zapcore.NewJSONEncoder(encoderConfig())

	var cores []zapcore.Core
	if !opts.Quiet {
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level))
	}

	l := &Logger{level: level}
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(enc.Clone(), zapcore.AddSync(rotator), level))
		l.sink = rotator
	}

	l.zl = zap.New(zapcore.NewTee(cores...))
	set(l)
	return l
}

// Get returns the global logger instance.
func Get() *Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global = New(os.Stderr, LevelInfo)
	}
	return global
}

// L returns the global zap logger for call sites that prefer typed fields.
func L() *zap.Logger {
	return Get().zl
}

// SetLevel changes the minimum level of the global logger in place.
func SetLevel(level LogLevel) {
	Get().level.SetLevel(toZapLevel(level))
}

func set(l *Logger) {
	mu.Lock()
	old := global
	global = l
	mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Close flushes buffered entries and releases the log file.
func (l *Logger) Close() error {
	_ = l.zl.Sync()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

// Enabled reports whether entries at level are written.
func (l *Logger) Enabled(level LogLevel) bool {
	return l.level.Enabled(toZapLevel(level))
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...Fields) {
	l.zl.Debug(message, contextFields(nil, "", context)...)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...Fields) {
	l.zl.Info(message, contextFields(nil, "", context)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...Fields) {
	l.zl.Warn(message, contextFields(nil, "", context)...)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...Fields) {
	l.zl.Error(message, contextFields(err, "", context)...)
}

// ErrorWithCode logs an error message tagged with an application error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...Fields) {
	l.zl.Error(message, contextFields(err, code, context)...)
}

// contextFields flattens the context maps into a "context" namespace,
// with keys sorted so output is stable.
func contextFields(err error, code string, context []Fields) []zap.Field {
	fields := make([]zap.Field, 0, 4)
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if code != "" {
		fields = append(fields, zap.String("code", code))
	}

	merged := make(Fields)
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return fields
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields = append(fields, zap.Namespace("context"))
	for _, k := range keys {
		fields = append(fields, zap.Any(k, merged[k]))
	}
	return fields
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.MessageKey = "message"
	cfg.LevelKey = "level"
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.CallerKey = ""
	cfg.StacktraceKey = ""
	return cfg
}

func toZapLevel(level LogLevel) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel maps a case-insensitive level name to a LogLevel, defaulting
// to LevelInfo.
func ParseLevel(s string) LogLevel {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Convenience functions using global logger

func Debug(message string, context ...Fields) {
	Get().Debug(message, context...)
}

func Info(message string, context ...Fields) {
	Get().Info(message, context...)
}

func Warn(message string, context ...Fields) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...Fields) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...Fields) {
	Get().ErrorWithCode(message, code, err, context...)
}
