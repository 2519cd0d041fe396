package util

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	processLogger *zap.Logger
	initOnce      sync.Once
)

// NewLogger builds a logger for the environment without touching global state.
// Production logs are sampled JSON with ISO8601 timestamps.
func NewLogger(service, environment, level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if environment == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.DisableStacktrace = true
		cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	switch format {
	case "json":
		cfg.Encoding = "json"
		cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	default:
		cfg.Encoding = "console"
	}
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.InitialFields = map[string]interface{}{
		"service": service,
		"env":     environment,
	}

	return cfg.Build(zap.AddCaller())
}

// Init sets up the process logger for cmd/server bootstrap code. Components
// get their logger injected; only startup and shutdown paths use the
// package helpers below. A logger that cannot be built falls back to a nop
// one so a bad LOG_LEVEL never keeps the service down.
func Init(service, environment, level, format string) *zap.Logger {
	initOnce.Do(func() {
		logger, err := NewLogger(service, environment, level, format)
		if err != nil {
			logger = zap.NewNop()
		}
		processLogger = logger
		zap.ReplaceGlobals(logger)
	})
	return processLogger
}

func bootstrap() *zap.Logger {
	if processLogger == nil {
		return zap.L()
	}
	return processLogger.WithOptions(zap.AddCallerSkip(1))
}

// Sync flushes any buffered log entries
func Sync() {
	if processLogger != nil {
		_ = processLogger.Sync()
	}
}

func Info(msg string, fields ...zap.Field) { bootstrap().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field) { bootstrap().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { bootstrap().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { bootstrap().Fatal(msg, fields...) }

// Field helpers

func String(key, value string) zap.Field { return zap.String(key, value) }
func Bool(key string, value bool) zap.Field { return zap.Bool(key, value) }
func Int(key string, value int) zap.Field { return zap.Int(key, value) }
func Duration(key string, d time.Duration) zap.Field { return zap.Duration(key, d) }

// ErrorField creates an error field (named to avoid clashing with Error)
func ErrorField(err error) zap.Field {
	return zap.Error(err)
}

// AccountID tags a log line with the account it concerns.
func AccountID(id interface{ String() string }) zap.Field {
	return zap.Stringer("account_id", id)
}

// Phone logs a phone number with all but the last digits masked.
func Phone(number string) zap.Field {
	return zap.String("phone", MaskPhone(number))
}
