package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides structured logging with error codes
type Logger interface {
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Close() error
}

// Config holds logger configuration
type Config struct {
	// FilePath is optional; when empty only stdout is written.
	FilePath string
	Verbose  bool
}

type logger struct {
	sugar *zap.SugaredLogger
	close func()
}

// New creates a new logger instance with file and console output
func New(cfg Config) (Logger, error) {
	return newLogger(cfg, zapcore.Lock(os.Stdout))
}

func newLogger(cfg Config, console zapcore.WriteSyncer) (Logger, error) {
	sink := console
	closeSink := func() {}

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, closeFile, err := zap.Open(cfg.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		sink = zapcore.NewMultiWriteSyncer(console, file)
		closeSink = closeFile
	}

	level := zapcore.InfoLevel
	if cfg.Verbose {
		level = zapcore.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, zap.NewAtomicLevelAt(level))
	zl := zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr)))

	return &logger{sugar: zl.Sugar(), close: closeSink}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	return &logger{sugar: zap.NewNop().Sugar(), close: func() {}}
}

// Info logs informational messages
func (l *logger) Info(msg string, args ...any) {
	l.sugar.Infow(msg, args...)
}

// Debug logs debug messages (only when verbose is enabled)
func (l *logger) Debug(msg string, args ...any) {
	l.sugar.Debugw(msg, args...)
}

// Warn logs warning messages
func (l *logger) Warn(msg string, args ...any) {
	l.sugar.Warnw(msg, args...)
}

// Error logs error messages with error codes
func (l *logger) Error(msg string, args ...any) {
	l.sugar.Errorw(msg, args...)
}

// Close flushes buffered entries and closes the log file.
func (l *logger) Close() error {
	// Sync on stdout returns EINVAL/ENOTTY on some platforms.
	_ = l.sugar.Sync()
	l.close()
	return nil
}
