// Package observability provides the OpenTelemetry providers and the metric
// instruments the decision engine reports into: tick duration, gate decision
// counts, executed actions, and adapter errors by kind.
package observability

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

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults with telemetry disabled; mock
// mode should not require a collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "budgetpilot",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus the engine's
// instruments. A nil or disabled Provider is safe to call; every record
// method no-ops.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	tickDuration  metric.Float64Histogram
	gateDecisions metric.Int64Counter
	actionsTotal  metric.Int64Counter
	adapterErrors metric.Int64Counter
	approvalDepth metric.Int64UpDownCounter
}

// New creates the provider. With Enabled false no exporters are constructed
// and all instruments stay nil.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

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
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("budgetpilot",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("budgetpilot",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
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
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.tickDuration, err = p.meter.Float64Histogram("budgetpilot.tick.duration",
		metric.WithDescription("Decision tick duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return err
	}

	p.gateDecisions, err = p.meter.Int64Counter("budgetpilot.gate.decisions",
		metric.WithDescription("Gate decisions by outcome and rule"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	p.actionsTotal, err = p.meter.Int64Counter("budgetpilot.actions.total",
		metric.WithDescription("Executed actions by outcome"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}

	p.adapterErrors, err = p.meter.Int64Counter("budgetpilot.adapter.errors",
		metric.WithDescription("Adapter errors by platform and kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.approvalDepth, err = p.meter.Int64UpDownCounter("budgetpilot.approvals.pending",
		metric.WithDescription("Proposals currently awaiting approval"),
		metric.WithUnit("{proposal}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
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

// StartSpan starts a span, or returns ctx unchanged when disabled.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if p == nil || p.tracer == nil {
		return trace.NewNoopTracerProvider().Tracer("budgetpilot").Start(ctx, name)
	}
	return p.tracer.Start(ctx, name, opts...)
}

// RecordTick records one completed tick.
func (p *Provider) RecordTick(ctx context.Context, d time.Duration, status string) {
	if p == nil || p.tickDuration == nil {
		return
	}
	p.tickDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("status", status),
	))
}

// RecordDecision records one gate verdict.
func (p *Provider) RecordDecision(ctx context.Context, d contracts.Decision) {
	if p == nil || p.gateDecisions == nil {
		return
	}
	p.gateDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(d.Outcome)),
		attribute.String("rule", d.Rule),
		attribute.String("justification", string(d.Justification)),
	))
}

// RecordAction records one execution attempt's terminal outcome.
func (p *Provider) RecordAction(ctx context.Context, platform contracts.PlatformID, outcome contracts.ActionOutcome) {
	if p == nil || p.actionsTotal == nil {
		return
	}
	p.actionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("platform", string(platform)),
		attribute.String("outcome", string(outcome)),
	))
}

// RecordAdapterError records a tagged adapter failure.
func (p *Provider) RecordAdapterError(ctx context.Context, platform contracts.PlatformID, kind contracts.ErrorKind) {
	if p == nil || p.adapterErrors == nil {
		return
	}
	p.adapterErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("platform", string(platform)),
		attribute.String("kind", string(kind)),
	))
}

// AddApprovalDepth moves the pending-approval gauge by delta.
func (p *Provider) AddApprovalDepth(ctx context.Context, delta int64) {
	if p == nil || p.approvalDepth == nil {
		return
	}
	p.approvalDepth.Add(ctx, delta)
}
