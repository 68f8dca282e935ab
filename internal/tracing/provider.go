package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config holds tracer provider settings.
type Config struct {
	// OTLPEndpoint is the host:port of an OTLP/HTTP collector. Empty
	// disables span export entirely.
	OTLPEndpoint string
	ServiceName  string
	Insecure     bool
}

// NewConfig returns provider settings with export disabled.
func NewConfig() Config {
	return Config{
		ServiceName: "framewire",
		Insecure:    true,
	}
}

// InitProvider installs the global tracer provider. With no endpoint
// configured spans are created but never exported, which keeps child-span
// bookkeeping identical in both modes. The returned func flushes and shuts
// the provider down.
func InitProvider(ctx context.Context, conf Config) (func(context.Context) error, error) {
	if conf.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(conf.OTLPEndpoint)}
	if conf.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to init otlp exporter: %w", err)
	}

	prov := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(conf.ServiceName),
		)),
	)
	otel.SetTracerProvider(prov)
	return prov.Shutdown, nil
}
