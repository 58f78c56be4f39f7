package logger

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents the severity of a log entry.
type Level = zapcore.Level

const (
	DEBUG = zapcore.DebugLevel
	INFO  = zapcore.InfoLevel
	WARN  = zapcore.WarnLevel
	ERROR = zapcore.ErrorLevel
)

// Logger provides structured JSON logging with optional PII redaction.
// Fields are passed as alternating key/value pairs.
type Logger struct {
	mu        sync.RWMutex
	zl        *zap.Logger
	level     zap.AtomicLevel
	redactPII bool
}

var defaultLogger = New(zap.NewAtomicLevelAt(INFO), true)

// New builds a Logger on zap's production JSON encoder writing to stderr.
func New(level zap.AtomicLevel, redactPII bool) *Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	zl, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		zl = zap.NewNop()
	}
	return &Logger{zl: zl, level: level, redactPII: redactPII}
}

// NewWithCore wraps an existing zap core. Tests use it with zaptest/observer.
func NewWithCore(core zapcore.Core, redactPII bool) *Logger {
	return &Logger{zl: zap.New(core), level: zap.NewAtomicLevelAt(DEBUG), redactPII: redactPII}
}

// Default returns the process-wide logger.
func Default() *Logger { return defaultLogger }

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) { defaultLogger = l }

// ParseLevel maps "debug", "info", "warn" and "error" to a Level; anything else is INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	}
	return INFO
}

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) { defaultLogger.level.SetLevel(l) }

// SetRedactPII enables or disables PII redaction for the default logger.
func SetRedactPII(r bool) {
	defaultLogger.mu.Lock()
	defaultLogger.redactPII = r
	defaultLogger.mu.Unlock()
}

// Sync flushes buffered entries of the default logger.
func Sync() { _ = defaultLogger.zl.Sync() }

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...interface{}) { defaultLogger.log(DEBUG, msg, fields...) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...interface{}) { defaultLogger.log(INFO, msg, fields...) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...interface{}) { defaultLogger.log(WARN, msg, fields...) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...interface{}) { defaultLogger.log(ERROR, msg, fields...) }

// Info emits an INFO-level entry on l.
func (l *Logger) Info(msg string, fields ...interface{}) { l.log(INFO, msg, fields...) }

// Warn emits a WARN-level entry on l.
func (l *Logger) Warn(msg string, fields ...interface{}) { l.log(WARN, msg, fields...) }

// Error emits an ERROR-level entry on l.
func (l *Logger) Error(msg string, fields ...interface{}) { l.log(ERROR, msg, fields...) }

func (l *Logger) log(level Level, msg string, fields ...interface{}) {
	ce := l.zl.Check(level, msg)
	if ce == nil {
		return
	}

	l.mu.RLock()
	redact := l.redactPII
	l.mu.RUnlock()

	zf := make([]zap.Field, 0, len(fields)/2)
	for i := 0; i < len(fields)-1; i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := fmt.Sprintf("%v", fields[i+1])
		if redact {
			val = redactField(key, val)
		}
		zf = append(zf, zap.String(key, val))
	}
	ce.Write(zf...)
}
