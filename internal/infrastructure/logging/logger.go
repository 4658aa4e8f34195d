// Package logging wraps zap.Logger the way crypto-wallet/pkg/logger does:
// a thin struct built from a config, with a chaining Field API and a
// .Named(component) scope, merged with the WithField/WithFields/WithError
// chain style of the root pkg/logger package.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls how the zap core is built.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr
}

// Logger wraps a *zap.Logger with the component/field chaining the rest of
// the module expects.
type Logger struct {
	z *zap.Logger
}

// New builds a Logger from Config.
func New(cfg Config) (*Logger, error) {
	level := parseLevel(cfg.Level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	out := zapcore.AddSync(os.Stdout)
	if cfg.Output == "stderr" {
		out = zapcore.AddSync(os.Stderr)
	}

	core := zapcore.NewCore(encoder, out, level)
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{z: z}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() *Logger {
	return &Logger{z: zap.NewNop()}
}

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

// Named scopes the logger to a component, matching logger.Named("order-service").
func (l *Logger) Named(name string) *Logger {
	return &Logger{z: l.z.Named(name)}
}

// With returns a Logger with the given structured fields attached to every
// subsequent log call.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

// Sync flushes any buffered log entries, called on shutdown.
func (l *Logger) Sync() error {
	return l.z.Sync()
}
