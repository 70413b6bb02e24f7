package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/stretchr/testify/assert"
)

func TestSpansAreLogged(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	p := NewProvider(true, log)
	defer p.Close()

	_, span := p.Tracer("test").Start(context.Background(), "command.handle")
	span.SetAttributes(attribute.String("container.id", "abc123"))
	span.End()

	_, failed := p.Tracer("test").Start(context.Background(), "reconcile.event")
	failed.SetStatus(codes.Error, "status lookup failed")
	failed.End()

	out := buf.String()
	assert.Contains(t, out, "span=command.handle")
	assert.Contains(t, out, "container.id=abc123")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, `status="status lookup failed"`)
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p := NewProvider(false, nil)
	defer p.Close()
	_, span := p.Tracer("test").Start(context.Background(), "x")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}
