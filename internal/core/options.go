package core

import (
	"log/slog"
	"time"

	"flowbase/internal/metrics"
	"flowbase/pkg/domain"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface. A nil function falls
// back to UTC wall time.
type ClockFunc func() time.Time

// Now returns the function's time, or time.Now().UTC() when nil.
func (f ClockFunc) Now() time.Time {
	if f == nil {
		return time.Now().UTC()
	}
	return f()
}

// ErrorFunc receives the aggregated per-connection error logs of a batch
// operation.
type ErrorFunc func(errors map[*Connection][]string)

type options struct {
	logger  domain.Logger
	clock   Clock
	errFn   ErrorFunc
	metrics *metrics.Metrics
}

// Option customizes a Manager.
type Option func(*options)

// WithLogger injects a logger. Defaults to a no-op logger.
func WithLogger(logger domain.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithErrorFunc registers the callback that receives batch error logs.
func WithErrorFunc(fn ErrorFunc) Option {
	return func(o *options) { o.errFn = fn }
}

// WithMetrics wires Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{
		logger: domain.NopLogger{},
		clock:  ClockFunc(nil),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SlogLogger adapts a *slog.Logger to the domain logging interface.
type SlogLogger struct {
	L *slog.Logger
}

// Debug logs at debug level.
func (s SlogLogger) Debug(msg string, args ...any) { s.L.Debug(msg, args...) }

// Info logs at info level.
func (s SlogLogger) Info(msg string, args ...any) { s.L.Info(msg, args...) }

// Warn logs at warn level.
func (s SlogLogger) Warn(msg string, args ...any) { s.L.Warn(msg, args...) }

// Error logs at error level.
func (s SlogLogger) Error(msg string, args ...any) { s.L.Error(msg, args...) }
