// Package telemetry carries trace context across the transports tasks are dispatched over.
package telemetry

import (
	"context"
	"net/http"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceParentHeader is the W3C trace context header.
const TraceParentHeader = "traceparent"

// NatsMsgCarrier adapts NATS message headers to a propagation.TextMapCarrier.
type NatsMsgCarrier struct {
	msg *nats.Msg
}

var _ propagation.TextMapCarrier = (*NatsMsgCarrier)(nil)

// NewNatsMsgCarrier returns a carrier over the headers of msg, creating them if absent.
func NewNatsMsgCarrier(msg *nats.Msg) *NatsMsgCarrier {
	if msg.Header == nil {
		msg.Header = nats.Header{}
	}
	return &NatsMsgCarrier{msg: msg}
}

func (c *NatsMsgCarrier) Get(key string) string {
	return c.msg.Header.Get(key)
}

func (c *NatsMsgCarrier) Set(key string, value string) {
	c.msg.Header.Set(key, value)
}

func (c *NatsMsgCarrier) Keys() []string {
	ret := make([]string, 0, len(c.msg.Header))
	for k := range c.msg.Header {
		ret = append(ret, k)
	}
	return ret
}

// propagator returns the global propagator, or W3C trace context when none was installed.
func propagator() propagation.TextMapPropagator {
	p := otel.GetTextMapPropagator()
	if len(p.Fields()) == 0 {
		return propagation.TraceContext{}
	}
	return p
}

// CtxToNatsMsg writes the span context of ctx into the headers of msg.
func CtxToNatsMsg(ctx context.Context, msg *nats.Msg) {
	propagator().Inject(ctx, NewNatsMsgCarrier(msg))
}

// NatsMsgToCtx returns ctx carrying the remote span context found in the headers of msg.
func NatsMsgToCtx(ctx context.Context, msg *nats.Msg) context.Context {
	return propagator().Extract(ctx, NewNatsMsgCarrier(msg))
}

// CtxToHTTPHeader writes the span context of ctx into h.
func CtxToHTTPHeader(ctx context.Context, h http.Header) {
	propagator().Inject(ctx, propagation.HeaderCarrier(h))
}
