// Package observability is a structured-logging and metrics shim over the
// teacher's two logging conventions: core/pkg/observability/observability.go's
// Provider (tracer/meter/RED-metrics wrapper over the OpenTelemetry API) and
// core/pkg/audit/logger.go's AUDIT:-prefixed structured JSON writer.
// This engine has no owned server process shipping spans to a collector, so
// Provider here wires the OpenTelemetry API's no-op default tracer/meter
// (global otel.Tracer/otel.Meter, which work unregistered) rather than the
// teacher's OTLP exporter/SDK plumbing: a caller embedding this engine in a
// service that already runs an SDK-backed TracerProvider/MeterProvider gets
// real spans and metrics for free via otel.SetTracerProvider/SetMeterProvider;
// a bare CLI invocation gets harmless no-ops.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "capengine.cap"

// Config configures a Provider.
type Config struct {
	ServiceName string
	LogLevel    string // "debug", "info", "warn", "error"
	Writer      *os.File
}

// DefaultConfig returns the defaults a bare CLI invocation runs with.
func DefaultConfig() Config {
	return Config{ServiceName: "cap-engine", LogLevel: "info", Writer: os.Stdout}
}

// Provider bundles a structured logger with an OpenTelemetry tracer and
// meter, mirroring the teacher's Provider surface: StartSpan, RecordRequest,
// RecordError, RecordDuration, TrackOperation.
type Provider struct {
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter

	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter
}

// New builds a Provider. It never fails on the logging half; metric
// instrument creation errors from a mis-registered global MeterProvider are
// reported, since the caller likely wants to know its dashboards are broken.
func New(cfg Config) (*Provider, error) {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	level := parseLevel(cfg.LogLevel)
	handler := slog.NewJSONHandler(cfg.Writer, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler).With("service", cfg.ServiceName)

	p := &Provider{
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	var err error
	p.requestCounter, err = p.meter.Int64Counter("cap.requests.total",
		metric.WithDescription("Total number of engine operations processed"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: request counter: %w", err)
	}
	p.errorCounter, err = p.meter.Int64Counter("cap.errors.total",
		metric.WithDescription("Total number of engine operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: error counter: %w", err)
	}
	p.durationHist, err = p.meter.Float64Histogram("cap.operation.duration",
		metric.WithDescription("Engine operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: duration histogram: %w", err)
	}
	p.activeOperations, err = p.meter.Int64UpDownCounter("cap.operations.active",
		metric.WithDescription("Number of currently active engine operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: active operations counter: %w", err)
	}

	return p, nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger returns the provider's structured logger.
func (p *Provider) Logger() *slog.Logger { return p.logger }

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Meter returns the provider's meter.
func (p *Provider) Meter() metric.Meter { return p.meter }

// StartSpan starts a new span under this provider's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// RecordRequest increments the request counter.
func (p *Provider) RecordRequest(ctx context.Context, attrs ...attribute.KeyValue) {
	p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordError increments the error counter, tagging the error's dynamic type.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	allAttrs := append(append([]attribute.KeyValue(nil), attrs...), attribute.String("error.type", fmt.Sprintf("%T", err)))
	p.errorCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
}

// RecordDuration records an operation's duration.
func (p *Provider) RecordDuration(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue) {
	p.durationHist.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// TrackOperation starts a span and the RED metrics for one named operation,
// returning a completion closure the caller defers with the operation's
// terminal error (nil on success).
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
	p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	p.RecordRequest(ctx, attrs...)

	return ctx, func(err error) {
		p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
		p.RecordDuration(ctx, time.Since(start), attrs...)
		if err != nil {
			span.RecordError(err)
			p.RecordError(ctx, err, attrs...)
			p.logger.ErrorContext(ctx, name+" failed", "error", err)
		}
		span.End()
	}
}
