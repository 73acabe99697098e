// Package observability wires OpenTelemetry tracing and RED metrics for the
// control plane, plus a process-local snapshot served at /metrics.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
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

// Config configures the telemetry providers. With an empty OTLPEndpoint no
// exporters are created; the local snapshot still counts.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	Insecure       bool
}

// Provider manages the trace and metric providers and the local snapshot.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram

	startedAt time.Time

	// Local counters backing the /metrics snapshot.
	requests  atomic.Int64
	errors    atomic.Int64
	decisions atomic.Int64
	denials   atomic.Int64
}

// New creates the provider. Exporter setup is skipped when no OTLP
// endpoint is configured.
func New(ctx context.Context, config Config) (*Provider, error) {
	p := &Provider{
		config:    config,
		logger:    slog.Default().With("component", "observability"),
		startedAt: time.Now().UTC(),
	}

	if config.OTLPEndpoint == "" {
		p.logger.InfoContext(ctx, "telemetry export disabled, local metrics only")
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
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("agentguard",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	meter := otel.Meter("agentguard",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if p.requestCounter, err = meter.Int64Counter("agentguard.requests.total",
		metric.WithDescription("Requests processed"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if p.errorCounter, err = meter.Int64Counter("agentguard.errors.total",
		metric.WithDescription("Requests that ended in a 5xx"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if p.durationHist, err = meter.Float64Histogram("agentguard.request.duration",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0)); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName, "endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
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
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

// RecordRequest counts one handled request and its latency.
func (p *Provider) RecordRequest(ctx context.Context, route string, status int, duration time.Duration) {
	if p == nil {
		return
	}
	p.requests.Add(1)
	if status >= 500 {
		p.errors.Add(1)
	}

	attrs := metric.WithAttributes(
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	)
	if p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, attrs)
	}
	if p.errorCounter != nil && status >= 500 {
		p.errorCounter.Add(ctx, 1, attrs)
	}
	if p.durationHist != nil {
		p.durationHist.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordDecision counts one policy decision.
func (p *Provider) RecordDecision(allowed bool) {
	if p == nil {
		return
	}
	p.decisions.Add(1)
	if !allowed {
		p.denials.Add(1)
	}
}

// Snapshot is the JSON body served at /metrics.
type Snapshot struct {
	UptimeSeconds  int64 `json:"uptime_seconds"`
	RequestsTotal  int64 `json:"requests_total"`
	ErrorsTotal    int64 `json:"errors_total"`
	DecisionsTotal int64 `json:"decisions_total"`
	DenialsTotal   int64 `json:"denials_total"`
}

// Snapshot returns current counter values.
func (p *Provider) Snapshot() Snapshot {
	if p == nil {
		return Snapshot{}
	}
	return Snapshot{
		UptimeSeconds:  int64(time.Since(p.startedAt).Seconds()),
		RequestsTotal:  p.requests.Load(),
		ErrorsTotal:    p.errors.Load(),
		DecisionsTotal: p.decisions.Load(),
		DenialsTotal:   p.denials.Load(),
	}
}

// StartSpan starts a span on the configured tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if p == nil || p.tracer == nil {
		return otel.Tracer("agentguard").Start(ctx, name, opts...)
	}
	return p.tracer.Start(ctx, name, opts...)
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}
