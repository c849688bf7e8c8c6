// Package telemetry provides the OpenTelemetry-based tracer/meter provider
// the fabric drives for every capability invocation: a span per call plus
// the RED-pattern counters (executions, invariant violations, cache hits,
// durations) spec.md's audit surface builds on.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "chainbox",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider manages the trace/meter providers and the fabric's RED metrics:
// executions_total, invariant_violations_total, cache.hit.total, and a
// per-call duration histogram.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	executionsCounter metric.Int64Counter
	invariantCounter  metric.Int64Counter
	cacheHitCounter   metric.Int64Counter
	durationHist      metric.Float64Histogram
}

// New creates a new telemetry provider. If config is nil or Enabled is
// false, it returns a usable no-op Provider rather than an error — spans
// and counters become cheap discards.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "telemetry"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("chainbox.component", "fabric"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry: init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry: init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("chainbox.fabric", trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("chainbox.fabric", metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("telemetry: init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName, "environment", config.Environment, "endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error
	if p.executionsCounter, err = p.meter.Int64Counter("chainbox.executions.total",
		metric.WithDescription("Total capability invocations started"), metric.WithUnit("{execution}")); err != nil {
		return err
	}
	if p.invariantCounter, err = p.meter.Int64Counter("chainbox.invariant_violations.total",
		metric.WithDescription("Invocations that completed without an outcome tag, coerced to FAILURE")); err != nil {
		return err
	}
	if p.cacheHitCounter, err = p.meter.Int64Counter("chainbox.cache.hit.total",
		metric.WithDescription("Capability invocations served from cache")); err != nil {
		return err
	}
	if p.durationHist, err = p.meter.Float64Histogram("chainbox.execution.duration",
		metric.WithDescription("Capability invocation duration in seconds"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	); err != nil {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// StartSpan starts a span named after the capability, satisfying
// executor.Telemetry. A no-op Provider still returns a usable context and
// a no-op end function.
func (p *Provider) StartSpan(ctx context.Context, fn string) (context.Context, func()) {
	if p.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := p.tracer.Start(ctx, fn, trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("chainbox.fn", fn)))
	return ctx, func() { span.End() }
}

// IncExecutions increments the executions_total counter.
func (p *Provider) IncExecutions() {
	if p.executionsCounter != nil {
		p.executionsCounter.Add(context.Background(), 1)
	}
}

// IncInvariantViolation increments the invariant-violation counter: an
// invocation reached its End hook with no Outcome set.
func (p *Provider) IncInvariantViolation() {
	if p.invariantCounter != nil {
		p.invariantCounter.Add(context.Background(), 1)
	}
}

// IncCacheHit increments the cache-hit counter.
func (p *Provider) IncCacheHit() {
	if p.cacheHitCounter != nil {
		p.cacheHitCounter.Add(context.Background(), 1)
	}
}

// RecordDuration records one capability invocation's wall-clock duration.
func (p *Provider) RecordDuration(fn string, d time.Duration) {
	if p.durationHist != nil {
		p.durationHist.Record(context.Background(), d.Seconds(), metric.WithAttributes(attribute.String("chainbox.fn", fn)))
	}
}
