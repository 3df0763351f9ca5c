package log

import (
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	zap.ReplaceGlobals(logger)
}

type Level int32

const (
	DEBUG Level = iota
	INFO
	WARNING
	ERROR
	FATAL
)

var logLevel = int32(INFO)

func enabled(level Level) bool {
	return Level(atomic.LoadInt32(&logLevel)) <= level
}

func Debug(format string, args ...interface{}) {
	if enabled(DEBUG) {
		zap.S().Debugf(format, args...)
	}
}

func Info(format string, args ...interface{}) {
	if enabled(INFO) {
		zap.S().Infof(format, args...)
	}
}

func Warn(format string, args ...interface{}) {
	if enabled(WARNING) {
		zap.S().Warnf(format, args...)
	}
}

func Error(format string, args ...interface{}) {
	if enabled(ERROR) {
		zap.S().Errorf(format, args...)
	}
}

func Fatal(format string, args ...interface{}) {
	zap.S().Fatalf(format, args...)
}

// SetLevel changes the minimum level written by the package functions.
// zap's own level is lowered to debug so that the filtering happens here only.
func SetLevel(level Level) {
	atomic.StoreInt32(&logLevel, int32(level))
	if level == DEBUG {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		if logger, err := cfg.Build(); err == nil {
			zap.ReplaceGlobals(logger)
		}
	}
}

// ParseLevel maps a config string to a Level. Unknown values fall back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "fatal":
		return FATAL
	case "error":
		return ERROR
	case "warning", "warn":
		return WARNING
	case "debug":
		return DEBUG
	default:
		return INFO
	}
}

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "debug"
	case INFO:
		return "info"
	case WARNING:
		return "warning"
	case ERROR:
		return "error"
	case FATAL:
		return "fatal"
	}
	return "unknown"
}

// Sync flushes any buffered log entries.
func Sync() {
	_ = zap.L().Sync()
}
