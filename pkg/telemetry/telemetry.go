// Package telemetry provides OpenTelemetry-based tracing and metrics for
// keel. Every lifecycle, registry and scheduler operation wraps itself in a
// span so the full causal chain of a work item (claim -> progress ->
// complete) can be reconstructed from trace id plus parent/child links.
//
// Spans are always exported to a durable JSONL file through a synchronous
// processor (crash-safe, append-only); OTLP gRPC export is optional and
// config-gated.
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

const instrumentationName = "keel.coordination"

// Config configures the telemetry provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	SpanFilePath   string  // durable JSONL span records; "" disables the file exporter
	OTLPEndpoint   string  // optional gRPC endpoint, e.g. "localhost:4317"
	OTLPInsecure   bool    // dev only
	SampleRate     float64 // 0.0 to 1.0, default 1.0
	BatchTimeout   time.Duration
	Enabled        bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "keel",
		ServiceVersion: "0.3.0",
		Environment:    "development",
		SpanFilePath:   "telemetry_spans.jsonl",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider manages the trace and metric providers plus keel's instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	opCounter     metric.Int64Counter
	errCounter    metric.Int64Counter
	durationHist  metric.Float64Histogram
	queueDepth    metric.Int64Gauge
	oldestClaim   metric.Float64Gauge
	offlineAgents metric.Int64Gauge
}

// New creates a provider. With Enabled=false all instrumentation is a no-op.
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

	// The service attributes merge schemaless: pinning a semconv schema URL
	// here conflicts with whatever schema the SDK's default resource carries.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"span_file", config.SpanFilePath,
		"otlp_endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}

	// The span file is written through a synchronous processor: a span is
	// either fully on disk when End returns, or not there at all.
	if p.config.SpanFilePath != "" {
		fileExp, err := NewSpanFileExporter(p.config.SpanFilePath)
		if err != nil {
			return err
		}
		tpOpts = append(tpOpts, sdktrace.WithSyncer(fileExp))
	}

	if p.config.OTLPEndpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
		if p.config.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return fmt.Errorf("create OTLP trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout)))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if p.config.OTLPEndpoint != "" {
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
		if p.config.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return fmt.Errorf("create OTLP metric exporter: %w", err)
		}
		mpOpts = append(mpOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(mpOpts...)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.opCounter, err = p.meter.Int64Counter("keel.operations.total",
		metric.WithDescription("Coordination operations processed"),
		metric.WithUnit("{operation}"))
	if err != nil {
		return err
	}
	p.errCounter, err = p.meter.Int64Counter("keel.errors.total",
		metric.WithDescription("Coordination operation errors"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("keel.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0))
	if err != nil {
		return err
	}
	p.queueDepth, err = p.meter.Int64Gauge("keel.work.queue_depth",
		metric.WithDescription("Active work items"),
		metric.WithUnit("{item}"))
	if err != nil {
		return err
	}
	p.oldestClaim, err = p.meter.Float64Gauge("keel.work.oldest_claim_age",
		metric.WithDescription("Age of the oldest active claim in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	p.offlineAgents, err = p.meter.Int64Gauge("keel.agents.offline",
		metric.WithDescription("Agents past the heartbeat TTL"),
		metric.WithUnit("{agent}"))
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartSpan starts a span under the current context.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// TrackOperation opens a span and records the operation metrics. The
// returned closure ends the span and records duration and error state.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p.opCounter != nil {
		p.opCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			if p.errCounter != nil {
				allAttrs := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
				p.errCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
			}
		}
		span.End()
	}
}

// RecordHealth publishes aggregate health gauges.
func (p *Provider) RecordHealth(ctx context.Context, queueDepth int, oldestClaimAge time.Duration, offlineAgents int) {
	if p.queueDepth != nil {
		p.queueDepth.Record(ctx, int64(queueDepth))
	}
	if p.oldestClaim != nil {
		p.oldestClaim.Record(ctx, oldestClaimAge.Seconds())
	}
	if p.offlineAgents != nil {
		p.offlineAgents.Record(ctx, int64(offlineAgents))
	}
}

// ContextWithRemoteTrace returns a context carrying the given trace id as a
// remote parent, for processes that join a coordination trace started
// elsewhere. An unparsable id is ignored and the context returned unchanged.
func ContextWithRemoteTrace(ctx context.Context, traceIDHex string) context.Context {
	tid, err := trace.TraceIDFromHex(traceIDHex)
	if err != nil {
		return ctx
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid,
		Remote:  true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}
