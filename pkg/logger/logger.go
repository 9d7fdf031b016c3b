package logger

import (
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger atomic.Pointer[zap.Logger]
	once         sync.Once
)

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Encoding   string // json or console
	OutputPath string // stdout, stderr, or file path
	Service    string // service name for log context
	NodeID     string // worker node id, omitted when empty
}

// DefaultConfig returns production-ready defaults
func DefaultConfig(service string) Config {
	return Config{
		Level:      "info",
		Encoding:   "json",
		OutputPath: "stdout",
		Service:    service,
	}
}

// Init initializes the global logger with the given configuration
func Init(cfg Config) (*zap.Logger, error) {
	var err error
	once.Do(func() {
		var l *zap.Logger
		l, err = newLogger(cfg)
		if err == nil {
			globalLogger.Store(l)
		}
	})
	return Get(), err
}

// Get returns the global logger, initializing with defaults if needed
func Get() *zap.Logger {
	if l := globalLogger.Load(); l != nil {
		return l
	}
	l, err := newLogger(DefaultConfig("pipecheck"))
	if err != nil {
		l = zap.NewNop()
	}
	if globalLogger.CompareAndSwap(nil, l) {
		return l
	}
	return globalLogger.Load()
}

// newLogger creates a new zap logger with the given configuration
func newLogger(cfg Config) (*zap.Logger, error) {
	level := parseLevel(cfg.Level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var output zapcore.WriteSyncer
	switch cfg.OutputPath {
	case "", "stdout":
		output = zapcore.AddSync(os.Stdout)
	case "stderr":
		output = zapcore.AddSync(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		output = zapcore.AddSync(file)
	}

	fields := []zap.Field{zap.String("service", cfg.Service)}
	if cfg.NodeID != "" {
		fields = append(fields, zap.String("node_id", cfg.NodeID))
	}

	core := zapcore.NewCore(encoder, output, level)
	return zap.New(core, zap.AddCaller(), zap.Fields(fields...)), nil
}

// parseLevel converts string to zapcore.Level
func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// WithFields returns a new logger with additional fields
func WithFields(fields ...zap.Field) *zap.Logger {
	return Get().With(fields...)
}

// ForJob returns a logger scoped to a check job and its parent.
func ForJob(base *zap.Logger, checkJobID, parentJobID string) *zap.Logger {
	if base == nil {
		base = Get()
	}
	return base.With(zap.String("check_job_id", checkJobID), zap.String("parent_job_id", parentJobID))
}

// Sync flushes any buffered log entries
func Sync() error {
	if l := globalLogger.Load(); l != nil {
		return l.Sync()
	}
	return nil
}
