// Package logging builds the zap loggers used across stocktake.
package logging

import (
	"fmt"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger for env at the given level. "production" yields JSON
// with an ISO8601 "timestamp" key; anything else yields a console logger.
func New(env, level string) (*zap.Logger, error) {
	config, err := configFor(env, level)
	if err != nil {
		return nil, err
	}
	return config.Build()
}

// NewWithWriter is New writing to w instead of stderr.
func NewWithWriter(env, level string, w io.Writer) (*zap.Logger, error) {
	config, err := configFor(env, level)
	if err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	if config.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(config.EncoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(config.EncoderConfig)
	}
	core := zapcore.NewCore(encoder, zapcore.AddSync(w), config.Level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func configFor(env, level string) (zap.Config, error) {
	var config zap.Config
	if env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return zap.Config{}, fmt.Errorf("log level: %w", err)
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}
	return config, nil
}
