// Package telemetry wires OpenTelemetry tracing to the process logger:
// finished spans are logged with their duration, attributes and status.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Provider struct {
	provider *sdktrace.TracerProvider
	fallback trace.TracerProvider
}

// NewProvider returns a provider that logs spans through log when enabled,
// or a no-op provider otherwise.
func NewProvider(enabled bool, log *slog.Logger) *Provider {
	if !enabled {
		return &Provider{fallback: noop.NewTracerProvider()}
	}
	if log == nil {
		log = slog.Default()
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&logSpanProcessor{log: log}))
	return &Provider{provider: tp}
}

// Install makes p the global tracer provider.
func (p *Provider) Install() {
	otel.SetTracerProvider(p.tracerProvider())
}

func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tracerProvider().Tracer(name)
}

func (p *Provider) Close() {
	if p == nil || p.provider == nil {
		return
	}
	_ = p.provider.Shutdown(context.Background())
}

func (p *Provider) tracerProvider() trace.TracerProvider {
	if p.provider != nil {
		return p.provider
	}
	return p.fallback
}

type logSpanProcessor struct {
	log *slog.Logger
}

func (p *logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	attrs := []any{
		"span", span.Name(),
		"duration", span.EndTime().Sub(span.StartTime()),
		"trace_id", span.SpanContext().TraceID().String(),
	}
	for _, kv := range span.Attributes() {
		attrs = append(attrs, string(kv.Key), kv.Value.Emit())
	}

	status := span.Status()
	if status.Code == codes.Error {
		attrs = append(attrs, "status", status.Description)
		p.log.Warn("span failed", attrs...)
		return
	}
	p.log.Debug("span finished", attrs...)
}

func (p *logSpanProcessor) Shutdown(context.Context) error {
	return nil
}

func (p *logSpanProcessor) ForceFlush(context.Context) error {
	return nil
}
