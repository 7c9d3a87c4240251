// Package observability provides the OpenTelemetry wiring for the
// gateway: tracing with OTLP export plus RED metrics for gate decisions,
// router calls, and commits.
package observability

import (
	"context"
	"fmt"
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

// Config configures the providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
}

// DefaultConfig returns sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "trustgate",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider holds the trace and metric providers plus the gateway's
// instruments.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer

	GateDecisions  metric.Int64Counter
	RouterCalls    metric.Int64Counter
	Commits        metric.Int64Counter
	RouterDuration metric.Float64Histogram
}

// New builds and registers the global providers. When disabled it returns
// a provider whose instruments are no-ops.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		p := &Provider{tracer: otel.Tracer(cfg.ServiceName)}
		return p, p.initInstruments(otel.Meter(cfg.ServiceName))
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	traceExp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
	)

	metricExp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	p := &Provider{
		tracerProvider: tp,
		meterProvider:  mp,
		tracer:         tp.Tracer(cfg.ServiceName),
	}
	if err := p.initInstruments(mp.Meter(cfg.ServiceName)); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initInstruments(meter metric.Meter) error {
	var err error
	if p.GateDecisions, err = meter.Int64Counter("trustgate.gate.decisions",
		metric.WithDescription("Trust gate decisions by outcome and level")); err != nil {
		return err
	}
	if p.RouterCalls, err = meter.Int64Counter("trustgate.router.calls",
		metric.WithDescription("Tool router calls by tool and outcome")); err != nil {
		return err
	}
	if p.Commits, err = meter.Int64Counter("trustgate.commits",
		metric.WithDescription("Commit boundary executions by tool and outcome")); err != nil {
		return err
	}
	if p.RouterDuration, err = meter.Float64Histogram("trustgate.router.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	return nil
}

// Tracer returns the gateway tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// RecordGateDecision increments the decision counter.
func (p *Provider) RecordGateDecision(ctx context.Context, allowed bool, level, stage string) {
	p.GateDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("allowed", allowed),
		attribute.String("trust_level", level),
		attribute.String("stage", stage),
	))
}

// RecordRouterCall increments the call counter and observes duration.
func (p *Provider) RecordRouterCall(ctx context.Context, tool string, allowed, success bool, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("allowed", allowed),
		attribute.Bool("success", success),
	)
	p.RouterCalls.Add(ctx, 1, attrs)
	p.RouterDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordCommit increments the commit counter.
func (p *Provider) RecordCommit(ctx context.Context, tool string, success bool) {
	p.Commits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("success", success),
	))
}

// Shutdown flushes exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
