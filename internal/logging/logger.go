// Package logging builds the zap loggers used across the runlens service.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the root runlens logger. Development mode uses the console
// encoder with colored levels; production emits sampled JSON with ISO8601
// timestamps so log aggregators can sort run lifecycle events reliably.
// Components derive their own scope via logger.Named.
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger.Named("runlens"), nil
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = false
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build(zap.Fields(zap.String("service", "runlens")))
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger.Named("runlens"), nil
}
