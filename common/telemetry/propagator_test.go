package telemetry

import (
	"context"
	"net/http"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestNatsRoundTrip(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, sp := tp.Tracer("test").Start(context.Background(), "dispatch")
	defer sp.End()

	msg := nats.NewMsg("subject")
	CtxToNatsMsg(ctx, msg)
	assert.NotEmpty(t, msg.Header.Get(TraceParentHeader))

	remote := trace.SpanContextFromContext(NatsMsgToCtx(context.Background(), msg))
	assert.True(t, remote.IsRemote())
	assert.Equal(t, sp.SpanContext().TraceID(), remote.TraceID())
	assert.Equal(t, sp.SpanContext().SpanID(), remote.SpanID())
}

func TestNoSpanWritesNothing(t *testing.T) {
	msg := &nats.Msg{Subject: "subject"}
	CtxToNatsMsg(context.Background(), msg)
	assert.Empty(t, msg.Header.Get(TraceParentHeader))
	assert.Empty(t, NewNatsMsgCarrier(msg).Keys())
}

func TestHTTPHeader(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, sp := tp.Tracer("test").Start(context.Background(), "dispatch")
	defer sp.End()

	h := http.Header{}
	CtxToHTTPHeader(ctx, h)
	assert.Contains(t, h.Get(TraceParentHeader), sp.SpanContext().TraceID().String())
}
