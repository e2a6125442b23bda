// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"lizmail/internal/config"
)

// New returns a JSON production logger, or a console logger when Development is set.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		zcfg.Level = level
	}
	zcfg.DisableStacktrace = true
	zcfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	zcfg.EncoderConfig.TimeKey = "ts"
	return zcfg.Build()
}

// Recipient masks the local part of an address for log fields, keeping the first
// character and the domain.
func Recipient(address string) zap.Field {
	for i := 0; i < len(address); i++ {
		if address[i] == '@' {
			if i <= 1 {
				return zap.String("to", address)
			}
			return zap.String("to", address[:1]+"***"+address[i:])
		}
	}
	return zap.String("to", address)
}
