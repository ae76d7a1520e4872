// Package logging builds the process zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options select the logger flavor. Level overrides the flavor's default
// level when set ("debug", "info", "warn", "error").
type Options struct {
	Development bool
	Level       string
}

// New builds a console logger for development or a JSON logger for
// production. Both use "ts" as the time key.
func New(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"

	if opts.Level != "" {
		level, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(level)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// ForConnection scopes logger to one connection.
func ForConnection(logger *zap.Logger, connectionID, connectorType string) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.With(zap.String("connection_id", connectionID), zap.String("connector", connectorType))
}
