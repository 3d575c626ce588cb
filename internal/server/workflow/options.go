package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/shar-workflow/taskflow/common/authz"
	"gitlab.com/shar-workflow/taskflow/common/expression"
	"gitlab.com/shar-workflow/taskflow/internal/server/messaging"
	"gitlab.com/shar-workflow/taskflow/server/services/storage"
	"go.opentelemetry.io/otel/trace"
)

// DefaultCancelConcurrency bounds the number of instances CancelAll cancels at once.
const DefaultCancelConcurrency = 16

type engineOptions struct {
	models            storage.Backend
	instances         storage.Backend
	nodes             storage.Backend
	storeOpts         []storage.Option
	gateway           *messaging.Gateway
	authorize         authz.Func
	exprEngine        expression.Engine
	registerer        prometheus.Registerer
	tracer            trace.Tracer
	cancelConcurrency int
}

// Option configures an Engine.
type Option interface {
	configure(o *engineOptions)
}

type optionFunc func(o *engineOptions)

func (f optionFunc) configure(o *engineOptions) {
	f(o)
}

// WithBackends sets the storage backends of the model, process instance and node instance stores.
// In-memory backends are used when unset.
func WithBackends(models, instances, nodes storage.Backend) Option {
	return optionFunc(func(o *engineOptions) {
		o.models = models
		o.instances = instances
		o.nodes = nodes
	})
}

// WithStoreOptions passes options to every store the engine creates.
func WithStoreOptions(opts ...storage.Option) Option {
	return optionFunc(func(o *engineOptions) {
		o.storeOpts = append(o.storeOpts, opts...)
	})
}

// WithGateway supplies the messaging gateway activities are dispatched through.
// The engine does not close a supplied gateway.
func WithGateway(g *messaging.Gateway) Option {
	return optionFunc(func(o *engineOptions) {
		o.gateway = g
	})
}

// WithAuthorizer sets the permission check applied before every call.
func WithAuthorizer(f authz.Func) Option {
	return optionFunc(func(o *engineOptions) {
		o.authorize = f
	})
}

// WithExpressionEngine sets the engine used for activity conditions.
func WithExpressionEngine(e expression.Engine) Option {
	return optionFunc(func(o *engineOptions) {
		o.exprEngine = e
	})
}

// WithRegisterer registers engine metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return optionFunc(func(o *engineOptions) {
		o.registerer = r
	})
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(tr trace.Tracer) Option {
	return optionFunc(func(o *engineOptions) {
		o.tracer = tr
	})
}

// WithCancelConcurrency bounds the number of instances CancelAll works on at once.
func WithCancelConcurrency(n int) Option {
	return optionFunc(func(o *engineOptions) {
		o.cancelConcurrency = n
	})
}
