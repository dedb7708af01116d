// Package observability provides the zap logger factory and upgrade
// statistics for batch runs.
package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/modelup/modelup/internal/config"
	uperrors "github.com/modelup/modelup/internal/errors"
)

// NewLogger builds a logger writing to stderr from the log section of the
// configuration.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, uperrors.NewConfigError("invalid log.level "+cfg.Level, err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "console"
	}
	if encoding == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		DisableCaller:    true,
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, uperrors.NewConfigError("failed to build logger", err)
	}
	return logger, nil
}
