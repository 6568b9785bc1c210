// Package observability wires OpenTelemetry tracing and metrics for the Seal
// control plane. Both binaries export over OTLP/gRPC when an endpoint is
// configured; without one the provider is inert and every helper is a no-op,
// so instrumented code paths never need nil checks.
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

	"github.com/mario4tier/suiftly-co-sub006/pkg/version"
)

const scopeName = "suiftly.co/seal"

// Config configures the providers for one binary.
type Config struct {
	ServiceName  string  // "seal-gm" or "seal-lm"
	Environment  string  // development | staging | production
	OTLPEndpoint string  // host:port of the OTLP gRPC collector; empty disables
	SampleRate   float64 // trace sampling ratio, <=0 never, >=1 always
	Insecure     bool    // plaintext collector connection (dev only)
	BatchTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ServiceName == "" {
		out.ServiceName = "seal"
	}
	if out.Environment == "" {
		out.Environment = "development"
	}
	if out.SampleRate == 0 {
		out.SampleRate = 1.0
	}
	if out.BatchTimeout <= 0 {
		out.BatchTimeout = 5 * time.Second
	}
	return out
}

// Provider owns the trace and metric pipelines plus the RED instruments
// shared by the HTTP middleware and the task tracker.
type Provider struct {
	cfg    Config
	log    *slog.Logger
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	tracer trace.Tracer
	meter  metric.Meter

	requests metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
	active   metric.Int64UpDownCounter
}

// New builds a provider. An empty OTLPEndpoint yields a disabled provider
// whose methods are all safe no-ops.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Provider, error) {
	if log == nil {
		log = slog.Default()
	}
	p := &Provider{cfg: cfg.withDefaults(), log: log.With("component", "observability")}

	if p.cfg.OTLPEndpoint == "" {
		p.log.Info("telemetry disabled, no OTLP endpoint configured")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(p.cfg.ServiceName),
			semconv.ServiceVersion(version.Version),
			semconv.DeploymentEnvironment(p.cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraces(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer(scopeName, trace.WithInstrumentationVersion(version.Version))
	p.meter = otel.Meter(scopeName, metric.WithInstrumentationVersion(version.Version))
	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.log.Info("telemetry initialized",
		"service", p.cfg.ServiceName,
		"endpoint", p.cfg.OTLPEndpoint,
		"sample_rate", p.cfg.SampleRate)
	return p, nil
}

func (p *Provider) initTraces(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	if p.cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.cfg.SampleRate)
	}

	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.cfg.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	if p.cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}

	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.mp)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.requests, err = p.meter.Int64Counter("seal.requests.total",
		metric.WithDescription("Requests and tasks processed"),
		metric.WithUnit("{request}"))
	if err != nil {
		return err
	}
	p.errors, err = p.meter.Int64Counter("seal.errors.total",
		metric.WithDescription("Failed requests and tasks"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}
	p.duration, err = p.meter.Float64Histogram("seal.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0))
	if err != nil {
		return err
	}
	p.active, err = p.meter.Int64UpDownCounter("seal.operations.active",
		metric.WithDescription("Operations currently in flight"),
		metric.WithUnit("{operation}"))
	return err
}

// Shutdown flushes and stops both pipelines.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			p.log.Error("trace provider shutdown failed", "err", err)
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			p.log.Error("metric provider shutdown failed", "err", err)
		}
	}
	return nil
}

// Enabled reports whether telemetry export is active.
func (p *Provider) Enabled() bool { return p.tp != nil }

// Tracer returns the binary's tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(scopeName)
	}
	return p.tracer
}

// Track opens a span for a named operation and returns a completion func
// that records duration and outcome. Usable on a disabled provider.
func (p *Provider) Track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))

	if p.active != nil {
		p.active.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if p.requests != nil {
		p.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		if p.active != nil {
			p.active.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.duration != nil {
			p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			if p.errors != nil {
				all := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
				p.errors.Add(ctx, 1, metric.WithAttributes(all...))
			}
		}
		span.End()
	}
}
