package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/mcpexec/config"
)

// ServiceName is attached to every production log entry.
const ServiceName = "mcpexec"

type options struct {
	outputPaths []string
}

// Option customizes logger construction.
type Option func(*options)

// WithOutputPaths overrides the sinks (default stderr). Stdout is never a
// safe default: it carries script output and the stdio MCP channel.
func WithOutputPaths(paths ...string) Option {
	return func(o *options) {
		o.outputPaths = paths
	}
}

// NewFromConfig builds the logger described by the logging section.
func NewFromConfig(cfg *config.Config, opts ...Option) (*zap.Logger, error) {
	return New(cfg.Logging.Mode, cfg.Logging.Level, opts...)
}

// New creates a new logger instance based on configuration
func New(mode, level string, opts ...Option) (*zap.Logger, error) {
	o := options{outputPaths: []string{"stderr"}}
	for _, opt := range opts {
		opt(&o)
	}

	var cfg zap.Config
	var fields []zap.Field

	switch mode {
	case "development":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		fields = append(fields, zap.String("service", ServiceName))
	default:
		return nil, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}

	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.OutputPaths = o.outputPaths
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build(zap.Fields(fields...))
}
