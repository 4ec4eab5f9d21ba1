// Package logging builds the zap loggers used by the commands.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger at debug level when verbose is set, and a
// JSON production logger at info level otherwise.
func New(verbose bool) (*zap.Logger, error) {
	if verbose {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Printf adapts l to the printf-style Logf hooks of libraries such as
// tsnet.
func Printf(l *zap.Logger) func(format string, args ...any) {
	s := l.Sugar()
	return func(format string, args ...any) {
		s.Debugf(format, args...)
	}
}
