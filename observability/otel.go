package observability

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Trace exporters understood by NewTracing.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// TracingConfig configures the OpenTelemetry pipeline.
type TracingConfig struct {
	Enabled     bool
	Exporter    string
	ServiceName string
	// Output receives stdout exporter spans; defaults to os.Stdout.
	Output io.Writer
}

// Tracing owns an SDK tracer provider and exposes it as a Tracer.
type Tracing struct {
	provider *sdktrace.TracerProvider
	tracer   Tracer
}

// NewTracing builds the tracer described by cfg. Disabled tracing and the
// none exporter yield a NopTracer.
func NewTracing(cfg TracingConfig) (*Tracing, error) {
	if !cfg.Enabled || cfg.Exporter == "" || cfg.Exporter == ExporterNone {
		return &Tracing{tracer: NopTracer()}, nil
	}
	if cfg.Exporter != ExporterStdout {
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		return nil, fmt.Errorf("stdout exporter: %w", err)
	}
	name := cfg.ServiceName
	if name == "" {
		name = "pdfdesk"
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exp),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
	)
	return &Tracing{provider: tp, tracer: &otelTracer{tracer: tp.Tracer(name)}}, nil
}

func (t *Tracing) Tracer() Tracer { return t.tracer }

// Shutdown flushes and stops the provider.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

type otelTracer struct {
	tracer trace.Tracer
}

func (t *otelTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) SetTag(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprint(v)))
	}
}

func (s *otelSpan) SetError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) Finish() { s.span.End() }
