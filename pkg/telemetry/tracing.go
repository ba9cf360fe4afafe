package telemetry

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies this package's spans in whatever backend they're
// exported to.
const TracerName = "desim"

// ExporterKind selects which OTel exporter TracerProvider wires up.
type ExporterKind string

const (
	ExporterStdout ExporterKind = "stdout"
	ExporterJaeger ExporterKind = "jaeger"
	ExporterZipkin ExporterKind = "zipkin"
)

// TracerConfig configures the exported destination for step spans.
type TracerConfig struct {
	Kind ExporterKind
	// Endpoint is the collector URL; required for Jaeger and Zipkin,
	// ignored for Stdout.
	Endpoint string
	// Writer receives spans when Kind is ExporterStdout. Defaults to
	// io.Discard if nil (useful for tests that only check span shape).
	Writer io.Writer
}

// NewTracerProvider builds an SDK TracerProvider per cfg.Kind and
// registers it as the global provider via otel.SetTracerProvider, the
// same single-process global-registration style the Prometheus default
// registerer uses.
func NewTracerProvider(cfg TracerConfig) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Kind {
	case ExporterJaeger:
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	case ExporterZipkin:
		exporter, err = zipkin.New(cfg.Endpoint)
	default:
		w := cfg.Writer
		if w == nil {
			w = io.Discard
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w))
	}
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("desim"),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartStep opens a span covering one Simulation.Step/StepUntil/StepBy
// call, tagged with the kind of step being taken.
func StartStep(ctx context.Context, stepKind string) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	return tracer.Start(ctx, "desim.step", trace.WithAttributes(
		attribute.String("desim.step_kind", stepKind),
	))
}

// StartDispatch opens a span covering one scheduled event's dispatch.
func StartDispatch(ctx context.Context, model string) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	return tracer.Start(ctx, "desim.dispatch", trace.WithAttributes(
		attribute.String("desim.model", model),
	))
}
