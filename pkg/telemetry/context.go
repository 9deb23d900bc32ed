package telemetry

import (
	"context"
	"errors"

	"github.com/openfroyo/kindle/pkg/engine"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and event publisher built from
// one Config.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

var noopSpan = trace.SpanFromContext(context.Background())

// NewTelemetry validates cfg and builds every telemetry component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events := NewEventPublisher(cfg.Events)
	events.Subscribe(LogEvents(logger.Component("events")), nil)
	events.Subscribe(metrics.CountEvent, nil)

	return &Telemetry{Logger: logger, Tracer: tracer, Metrics: metrics, Events: events, Config: cfg}, nil
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryContextKey{}, t))
}

// FromTelemetryContext returns the Telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown drains queued events and flushes the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx))
}

// Operation is one traced and timed unit of work.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation starts a span named name using the Telemetry in ctx. Without
// one the span is a no-op, but the operation is still timed.
func StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) *Operation {
	op := &Operation{Timer: NewTimer()}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		op.Ctx = ctx
		op.Span = noopSpan
		op.Logger = FromContext(ctx)
		return op
	}

	op.Ctx, op.Span = tel.Tracer.StartSpan(ctx, name, attrs...)
	op.Logger = tel.Logger
	if sc := op.Span.SpanContext(); sc.IsValid() {
		op.Logger = op.Logger.withSpan(sc.TraceID().String(), sc.SpanID().String())
	}
	op.Ctx = op.Logger.WithContext(op.Ctx)
	return op
}

// SetAttributes adds attrs to the operation's span.
func (op *Operation) SetAttributes(attrs ...attribute.KeyValue) {
	op.Span.SetAttributes(attrs...)
}

// End ends the span, tagging failures with their error class.
func (op *Operation) End(err error) {
	if err != nil {
		op.Span.SetAttributes(AttrErrorClass.String(string(engine.ClassOf(err))))
	}
	EndSpan(op.Span, err)
}
