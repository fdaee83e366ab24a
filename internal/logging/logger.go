package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type options struct {
	level  zapcore.Level
	stderr bool
}

// Option tweaks the logger built by New.
type Option func(*options)

// WithLevel sets the minimum level for both sinks.
func WithLevel(l zapcore.Level) Option {
	return func(o *options) { o.level = l }
}

// WithoutStderr keeps output in the log file only.
func WithoutStderr() Option {
	return func(o *options) { o.stderr = false }
}

// New creates a zap logger that writes JSON to the given log file path
// and also writes to stderr. Profile name and PID are included as initial fields.
func New(logPath, profileName string, opts ...Option) (*zap.Logger, error) {
	o := options{level: zapcore.InfoLevel, stderr: true}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(file), o.level),
	}
	if o.stderr {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(os.Stderr), o.level))
	}

	logger := zap.New(zapcore.NewTee(cores...),
		zap.Fields(
			zap.String("profile", profileName),
			zap.Int("pid", os.Getpid()),
		),
	)

	return logger, nil
}
