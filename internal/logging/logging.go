// Package logging builds the service logger and carries request identity
// through context for log correlation.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/dialogd/internal/config"
)

// Option adjusts logger construction.
type Option func(*options)

type options struct {
	writer       io.Writer
	otelProvider log.LoggerProvider
}

// WithWriter redirects log output. Tests use this to capture entries.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithOTELProvider tees log records to the OTLP log exporter in addition to
// the primary output.
func WithOTELProvider(lp log.LoggerProvider) Option {
	return func(o *options) { o.otelProvider = lp }
}

// New builds the service logger. Level and format come from config; output
// defaults to stdout.
func New(cfg config.LogConfig, opts ...Option) (*zap.Logger, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid log config: %w", err)
	}

	o := options{writer: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(newEncoder(cfg.Format), zapcore.AddSync(o.writer), level),
	}
	if o.otelProvider != nil {
		cores = append(cores, otelzap.NewCore("dialogd",
			otelzap.WithLoggerProvider(o.otelProvider),
		))
	}

	core := cores[0]
	if len(cores) > 1 {
		core = zapcore.NewTee(cores...)
	}
	return zap.New(core), nil
}

// newEncoder creates a JSON or console encoder.
func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// Sync flushes buffered entries. Syncing stdout/stderr returns EINVAL or
// ENOTTY on Linux; those are harmless and swallowed.
func Sync(l *zap.Logger) error {
	err := l.Sync()
	if err != nil && isStdoutSyncError(err) {
		return nil
	}
	return err
}

func isStdoutSyncError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINVAL || errno == syscall.ENOTTY
	}
	return false
}
