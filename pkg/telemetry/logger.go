package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process logger built from LoggingConfig. Library packages
// take the zerolog.Logger returned by Zerolog or Component.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

// NewLogger builds a logger writing to cfg.Output in cfg.Format.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	out, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat(cfg.TimeFormat)}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	zlog := ctx.Logger().Level(ParseLevel(cfg.Level))

	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}
	return &Logger{zlog: zlog}, nil
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output %s: %w", output, err)
	}
	return f, nil
}

func timeFieldFormat(format string) string {
	switch format {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	default:
		return time.RFC3339
	}
}

func consoleTimeFormat(format string) string {
	if format == "unix" || format == "unixms" {
		return time.Kitchen
	}
	return time.RFC3339
}

// ParseLevel converts a level name to a zerolog.Level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(level)
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// Zerolog returns the underlying logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Component returns a child logger tagged with component.
func (l *Logger) Component(component string) zerolog.Logger {
	return l.zlog.With().Str("component", component).Logger()
}

// ForTask returns a child logger tagged with a task's session and strategy.
func (l *Logger) ForTask(sessionID, strategy string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("session", sessionID).Str("strategy", strategy).Logger()}
}

// withSpan tags the logger with the ids of an active span.
func (l *Logger) withSpan(traceID, spanID string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("trace_id", traceID).Str("span_id", spanID).Logger()}
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return NewNopLogger()
}
