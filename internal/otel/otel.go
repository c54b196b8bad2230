// Package otel wires OpenTelemetry tracing and metrics for snapq. When
// disabled every instrument is a no-op, but trace context still crosses the
// broker so enabling tracing on one process is enough to see its spans.
package otel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const ScopeName = "snapq"

// Version is reported as service.version. The binary overrides it at start.
var Version = "dev"

// Exporters accepted in Config.Exporter.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterStdout   = "stdout"
	ExporterNone     = "none"
)

type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	// Endpoint is host:port, or a full URL such as
	// https://collector:4318/v1/traces. Bare host:port is sent in plaintext.
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Provider bundles the tracer and meter handed to components.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       func(context.Context) error
}

// Init sets up OpenTelemetry. The returned Provider must be Shutdown on exit.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if !cfg.Enabled {
		return Noop(), nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return &Provider{
		TracerProvider: tp,
		Tracer:         tp.Tracer(ScopeName),
		Meter:          mp.Meter(ScopeName),
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}, nil
}

// newResource identifies this process. Child-process workers share the
// service name, so the instance id tells them apart.
func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "snapq"
	}
	host, _ := os.Hostname()
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(Version),
			semconv.ServiceInstanceID(fmt.Sprintf("%s-%d", host, os.Getpid())),
			attribute.Int("process.pid", os.Getpid()),
		),
	)
}

// Noop returns a provider whose tracer and meter discard everything.
func Noop() *Provider {
	return &Provider{
		Tracer:   nooptrace.NewTracerProvider().Tracer(ScopeName),
		Meter:    noop.NewMeterProvider().Meter(ScopeName),
		shutdown: func(context.Context) error { return nil },
	}
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPHTTP, "":
		endpoint := cfg.Endpoint
		switch {
		case endpoint == "":
			return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint("localhost:4318"), otlptracehttp.WithInsecure())
		case strings.Contains(endpoint, "://"):
			return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		default:
			return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
		}
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterNone:
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: %s, %s, %s)", cfg.Exporter, ExporterOTLPHTTP, ExporterStdout, ExporterNone)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
