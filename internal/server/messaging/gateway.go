package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/ksuid"
	"gitlab.com/shar-workflow/taskflow/common/logx"
	"gitlab.com/shar-workflow/taskflow/model"
	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
	"gitlab.com/shar-workflow/taskflow/server/errors/keys"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultConcurrency is the default bound on dispatches that are queued or in flight.
	DefaultConcurrency = 256
	// DefaultNotifyBuffer is the default capacity of the completion channel.
	DefaultNotifyBuffer = 1024
)

type gatewayOptions struct {
	concurrency  int64
	notifyBuffer int
	registerer   prometheus.Registerer
	transport    Transport
}

// Option configures a Gateway.
type Option func(o *gatewayOptions)

// WithConcurrency bounds the number of queued or in-flight dispatches.
func WithConcurrency(n int64) Option {
	return func(o *gatewayOptions) {
		o.concurrency = n
	}
}

// WithNotifyBuffer sets the capacity of the completion channel.
func WithNotifyBuffer(n int) Option {
	return func(o *gatewayOptions) {
		o.notifyBuffer = n
	}
}

// WithRegisterer registers the gateway metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *gatewayOptions) {
		o.registerer = r
	}
}

// WithTransport attaches a transport at construction.
func WithTransport(t Transport) Option {
	return func(o *gatewayOptions) {
		o.transport = t
	}
}

// Gateway dispatches task messages to endpoints and funnels their completions through a single notifier.
// Until a transport is attached, registrations and dispatches are queued and replayed in order on attach.
type Gateway struct {
	ctx       context.Context
	mu        sync.Mutex
	transport Transport
	pending   *placeholder
	endpoints map[model.EndpointKey]model.Endpoint
	requests  map[int64]*Request
	nextReq   int64
	closed    bool

	sem      *semaphore.Weighted
	sends    sync.WaitGroup
	overflow sync.WaitGroup
	notify   chan *Request
	closing  chan struct{}
	done     chan struct{}
	metrics  *metrics
}

// New creates a gateway and starts its notifier.
func New(ctx context.Context, opts ...Option) (*Gateway, error) {
	o := &gatewayOptions{
		concurrency:  DefaultConcurrency,
		notifyBuffer: DefaultNotifyBuffer,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.concurrency < 1 {
		return nil, fmt.Errorf("gateway concurrency must be positive, got %d", o.concurrency)
	}
	m, err := newMetrics(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("register gateway metrics: %w", err)
	}
	ctx, _ = logx.ContextWith(ctx, "messaging")
	g := &Gateway{
		ctx:       ctx,
		pending:   &placeholder{},
		endpoints: make(map[model.EndpointKey]model.Endpoint),
		requests:  make(map[int64]*Request),
		sem:       semaphore.NewWeighted(o.concurrency),
		notify:    make(chan *Request, o.notifyBuffer),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		metrics:   m,
	}
	go g.notifier()
	if o.transport != nil {
		if err := g.AttachTransport(ctx, o.transport); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// RegisterEndpoint records an endpoint descriptor and registers it with the transport.
func (g *Gateway) RegisterEndpoint(ctx context.Context, ep model.Endpoint) error {
	if ep.ServiceID == "" || ep.EndpointID == "" {
		return fmt.Errorf("register endpoint %s: service and endpoint id are required", ep.Key())
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errors2.ErrGatewayClosed
	}
	if g.transport == nil {
		g.pending.register(ep)
	} else if err := g.transport.Register(ctx, ep); err != nil {
		return fmt.Errorf("register endpoint %s: %w", ep.Key(), err)
	}
	g.endpoints[ep.Key()] = ep
	return nil
}

// UnregisterEndpoint removes an endpoint, reporting whether it was registered.
func (g *Gateway) UnregisterEndpoint(ctx context.Context, ep model.Endpoint) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, ok := g.endpoints[ep.Key()]
	if !ok {
		return false
	}
	delete(g.endpoints, ep.Key())
	if g.transport == nil {
		g.pending.unregister(cur)
	} else if err := g.transport.Unregister(ctx, cur); err != nil {
		logx.FromContext(ctx).Warn("transport failed to unregister endpoint", slog.String(keys.ServiceID, ep.ServiceID), slog.String(keys.EndpointID, ep.EndpointID), "error", err)
	}
	return true
}

// Endpoint looks up a registered endpoint.
func (g *Gateway) Endpoint(serviceID string, endpointID string) (model.Endpoint, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ep, ok := g.endpoints[model.EndpointKey{ServiceID: serviceID, EndpointID: endpointID}]
	return ep, ok
}

// Dispatch queues msg for asynchronous delivery and returns immediately.
// The destination is resolved against the registered endpoints.
// onComplete is called exactly once on the notifier with the outcome.
// When the gateway is at capacity the dispatch is rejected with errors.ErrBackpressure.
func (g *Gateway) Dispatch(ctx context.Context, msg *model.Message, onComplete CompletionFunc) (*Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, errors2.ErrGatewayClosed
	}
	ep, ok := g.endpoints[msg.Destination.Key()]
	if !ok {
		return nil, fmt.Errorf("dispatch to %s: %w", msg.Destination.Key(), errors2.ErrUnknownEndpoint)
	}
	if !g.sem.TryAcquire(1) {
		g.metrics.rejected.Inc()
		return nil, fmt.Errorf("dispatch to %s: %w", ep.Key(), errors2.ErrBackpressure)
	}
	out := *msg
	out.Destination = ep
	if out.CorrelationID == "" {
		out.CorrelationID = ksuid.New().String()
	}
	g.nextReq++
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &Request{
		Handle:        g.nextReq,
		CorrelationID: out.CorrelationID,
		Message:       &out,
		gw:            g,
		onComplete:    onComplete,
		ctx:           sctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	g.requests[r.Handle] = r
	g.metrics.dispatched.Inc()
	g.metrics.inFlight.Inc()
	if g.transport == nil {
		g.pending.send(r)
	} else {
		g.start(g.transport, r)
	}
	logx.FromContext(ctx).Debug("dispatched", slog.Int64(keys.RequestHandle, r.Handle), slog.String(keys.CorrelationID, r.CorrelationID), slog.String(keys.EndpointID, ep.Key().String()))
	return r, nil
}

// Request returns a request that has not yet delivered its completion.
func (g *Gateway) Request(handle int64) (*Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.requests[handle]
	return r, ok
}

// Cancel cancels a request by handle.  See Request.Cancel.
func (g *Gateway) Cancel(handle int64) bool {
	r, ok := g.Request(handle)
	if !ok {
		return false
	}
	return r.Cancel()
}

// AttachTransport installs a transport.  The first transport attached receives the queued
// registrations synchronously, then the queued dispatches in their original order.
// If a registration fails the queue is left intact and no transport is installed,
// so a later attach replays everything again.
func (g *Gateway) AttachTransport(ctx context.Context, t Transport) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errors2.ErrGatewayClosed
	}
	if g.pending == nil {
		g.transport = t
		return nil
	}
	ops := g.pending.ops()
	var sends []*Request
	for _, o := range ops {
		switch o.kind {
		case opRegister:
			if err := t.Register(ctx, o.endpoint); err != nil {
				return fmt.Errorf("replay registration of %s: %w", o.endpoint.Key(), err)
			}
		case opUnregister:
			if err := t.Unregister(ctx, o.endpoint); err != nil {
				return fmt.Errorf("replay unregistration of %s: %w", o.endpoint.Key(), err)
			}
		case opSend:
			sends = append(sends, o.request)
		}
	}
	g.transport = t
	g.pending = nil
	if len(sends) > 0 {
		g.sends.Add(1)
		go func() {
			defer g.sends.Done()
			for _, r := range sends {
				g.sends.Add(1)
				g.send(t, r)
			}
		}()
	}
	logx.FromContext(ctx).Info("transport attached", slog.Int("replayed", len(ops)))
	return nil
}

func (g *Gateway) start(t Transport, r *Request) {
	g.sends.Add(1)
	go g.send(t, r)
}

func (g *Gateway) send(t Transport, r *Request) {
	defer g.sends.Done()
	defer g.sem.Release(1)
	if !r.begin() {
		return
	}
	resp, err := t.Send(r.ctx, r.Message)
	if err != nil {
		var df *errors2.DispatchFailure
		if !errors.As(err, &df) {
			err = &errors2.DispatchFailure{Cause: err}
		}
	}
	g.complete(r, resp, err)
}

// complete records the outcome of a request and queues it for notification.
func (g *Gateway) complete(r *Request, resp *Response, err error) bool {
	if !r.finish(resp, err) {
		return false
	}
	g.metrics.inFlight.Dec()
	switch {
	case err == nil:
		g.metrics.completed.Inc()
	case errors.Is(err, errors2.ErrRequestCancelled):
		g.metrics.cancelled.Inc()
	default:
		g.metrics.failed.Inc()
	}
	select {
	case g.notify <- r:
	default:
		// The notifier itself may be the caller, so never block here.
		g.overflow.Add(1)
		go func() {
			defer g.overflow.Done()
			select {
			case g.notify <- r:
			case <-g.done:
			}
		}()
	}
	return true
}

func (g *Gateway) notifier() {
	defer close(g.done)
	for {
		select {
		case r := <-g.notify:
			g.deliver(r)
		case <-g.closing:
			for {
				select {
				case r := <-g.notify:
					g.deliver(r)
				default:
					return
				}
			}
		}
	}
}

func (g *Gateway) deliver(r *Request) {
	g.mu.Lock()
	delete(g.requests, r.Handle)
	g.mu.Unlock()
	if r.onComplete == nil {
		return
	}
	ctx, log := logx.CorrelationEntrypoint(g.ctx, "messaging", r.CorrelationID)
	defer func() {
		if p := recover(); p != nil {
			log.Error("completion handler panicked", slog.Int64(keys.RequestHandle, r.Handle), "panic", p)
		}
	}()
	r.mu.Lock()
	c := Completion{Request: r, Response: r.resp, Err: r.err}
	r.mu.Unlock()
	r.onComplete(ctx, c)
}

// Close stops accepting work, completes queued dispatches with errors.ErrGatewayClosed,
// waits for in-flight sends and delivers the remaining completions.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	var queued []*Request
	if g.pending != nil {
		for _, o := range g.pending.drain() {
			if o.kind == opSend {
				queued = append(queued, o.request)
			}
		}
	}
	g.mu.Unlock()
	for _, r := range queued {
		g.complete(r, nil, errors2.ErrGatewayClosed)
		g.sem.Release(1)
	}
	waited := make(chan struct{})
	go func() {
		g.sends.Wait()
		g.overflow.Wait()
		close(waited)
	}()
	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = fmt.Errorf("close gateway: %w", ctx.Err())
	}
	close(g.closing)
	<-g.done
	return err
}
