// Package telemetry wires structured logging and metrics through the
// engine by explicit reference, passed into constructors rather than
// reached for as a package-global.
package telemetry

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. levelName is one of
// debug|info|warn|error, matching config.allowedLogLevels.
func NewLogger(levelName string) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		level = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger, nil
}

// NewNop is used by components under test that want a logger whose calls
// are free no-ops, keeping test fixtures cheap.
func NewNop() *zap.Logger { return zap.NewNop() }

// Must builds the process logger like NewLogger but never fails: on a
// construction failure it returns a stderr console logger instead of
// panicking.
func Must(levelName string) *zap.Logger {
	l, err := NewLogger(levelName)
	if err != nil {
		// Fall back to stderr-only logging rather than crash silently.
		fallback := zap.New(zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stderr),
				zapcore.InfoLevel,
		))
		fallback.Warn("falling back to console logger", zap.Error(err))
		return fallback
	}
	return l
}
