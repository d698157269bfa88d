// Package observability provides OpenTelemetry tracing and metrics for
// Kinetix: RED metrics for every tracked operation plus a few domain
// counters (attestations issued, evidence rejected, spend decisions).
//
// A nil *Provider, or one built with Enabled=false, is valid and records
// through the global no-op providers.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
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

const instrumentationName = "github.com/kpjmd/Kinetix"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of an OTLP gRPC collector
	SampleRate     float64
	BatchTimeout   time.Duration
	MetricInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns local development defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "kinetix",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	attestations     metric.Int64Counter
	evidenceRejected metric.Int64Counter
	spendDecisions   metric.Int64Counter
}

// New creates a provider. When config.Enabled is false no exporter is
// started and instruments bind to the global (no-op) providers.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if config.Enabled {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
				semconv.DeploymentEnvironment(config.Environment),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
		if err := p.initTraceProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init trace provider: %w", err)
		}
		if err := p.initMetricProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init metric provider: %w", err)
		}
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	if config.Enabled {
		p.logger.InfoContext(ctx, "observability initialized",
			"service", config.ServiceName,
			"environment", config.Environment,
			"endpoint", config.OTLPEndpoint,
			"sample_rate", config.SampleRate,
		)
	} else {
		p.logger.DebugContext(ctx, "observability export disabled")
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
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
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
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
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}
	interval := p.config.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error
	if p.requestCounter, err = p.meter.Int64Counter("kinetix.operations.total",
		metric.WithDescription("Operations started"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return err
	}
	if p.errorCounter, err = p.meter.Int64Counter("kinetix.errors.total",
		metric.WithDescription("Operations that returned an error"),
		metric.WithUnit("{error}"),
	); err != nil {
		return err
	}
	if p.durationHist, err = p.meter.Float64Histogram("kinetix.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	); err != nil {
		return err
	}
	if p.activeOperations, err = p.meter.Int64UpDownCounter("kinetix.operations.active",
		metric.WithDescription("Operations in flight"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return err
	}
	if p.attestations, err = p.meter.Int64Counter("kinetix.attestations.issued",
		metric.WithDescription("Signed receipts issued, by verdict"),
		metric.WithUnit("{receipt}"),
	); err != nil {
		return err
	}
	if p.evidenceRejected, err = p.meter.Int64Counter("kinetix.evidence.rejected",
		metric.WithDescription("Evidence items rejected by validation"),
		metric.WithUnit("{item}"),
	); err != nil {
		return err
	}
	p.spendDecisions, err = p.meter.Int64Counter("kinetix.spend.decisions",
		metric.WithDescription("Spend validation outcomes"),
		metric.WithUnit("{decision}"),
	)
	return err
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
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

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordAttestation counts an issued receipt.
func (p *Provider) RecordAttestation(ctx context.Context, verificationType, status string) {
	if p == nil || p.attestations == nil {
		return
	}
	p.attestations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verification_type", verificationType),
		attribute.String("status", status),
	))
}

// RecordEvidenceRejected counts an evidence item that failed validation.
func (p *Provider) RecordEvidenceRejected(ctx context.Context, platform string) {
	if p == nil || p.evidenceRejected == nil {
		return
	}
	p.evidenceRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("platform", platform)))
}

// RecordSpendDecision counts a spend validation outcome.
func (p *Provider) RecordSpendDecision(ctx context.Context, asset, outcome string) {
	if p == nil || p.spendDecisions == nil {
		return
	}
	p.spendDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("asset", asset),
		attribute.String("outcome", outcome),
	))
}

// TrackOperation starts a span and RED bookkeeping for one operation. The
// returned function must be called with the operation's error when it ends.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	opAttrs := append([]attribute.KeyValue{attribute.String("operation", name)}, attrs...)
	if p != nil && p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, metric.WithAttributes(opAttrs...))
	}
	if p != nil && p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(opAttrs...))
	}

	return ctx, func(err error) {
		if p != nil {
			if p.activeOperations != nil {
				p.activeOperations.Add(ctx, -1, metric.WithAttributes(opAttrs...))
			}
			if p.durationHist != nil {
				p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(opAttrs...))
			}
			if err != nil && p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(
					append(opAttrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...,
				))
			}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
