package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gitlab.com/shar-workflow/taskflow/common/authz"
	"gitlab.com/shar-workflow/taskflow/common/expression"
	"gitlab.com/shar-workflow/taskflow/common/logx"
	"gitlab.com/shar-workflow/taskflow/common/version"
	"gitlab.com/shar-workflow/taskflow/internal/server/messaging"
	"gitlab.com/shar-workflow/taskflow/model"
	"gitlab.com/shar-workflow/taskflow/server/errors/keys"
	"gitlab.com/shar-workflow/taskflow/server/services/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
)

// Engine is the process engine façade.
// Every call is authorized first.  Work on a single process instance is serialised.
type Engine struct {
	ctx               context.Context
	tr                trace.Tracer
	models            *storage.Store[model.Process]
	instances         *storage.Store[model.ProcessInstance]
	nodes             *storage.Store[model.NodeInstance]
	gateway           *messaging.Gateway
	ownsGateway       bool
	authorize         authz.Func
	expr              expression.Engine
	locks             *instanceLocks
	metrics           *metrics
	cancelConcurrency int
}

// New creates an engine.  The context is the parent of completion handling and is used to close an owned gateway.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	o := &engineOptions{
		cancelConcurrency: DefaultCancelConcurrency,
	}
	for _, opt := range opts {
		opt.configure(o)
	}
	if o.models == nil {
		o.models = storage.NewMemoryBackend()
	}
	if o.instances == nil {
		o.instances = storage.NewMemoryBackend()
	}
	if o.nodes == nil {
		o.nodes = storage.NewMemoryBackend()
	}
	if o.authorize == nil {
		o.authorize = authz.AllowAll()
	}
	if o.exprEngine == nil {
		o.exprEngine = &expression.ExprEngine{}
	}
	if o.tracer == nil {
		o.tracer = otel.GetTracerProvider().Tracer("taskflow", trace.WithInstrumentationVersion(version.Version))
	}
	if o.cancelConcurrency < 1 {
		return nil, fmt.Errorf("invalid cancel concurrency %d", o.cancelConcurrency)
	}

	ctx, _ = logx.ContextWith(ctx, "engine")
	m, err := newMetrics(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("register engine metrics: %w", err)
	}
	e := &Engine{
		ctx:               ctx,
		tr:                o.tracer,
		authorize:         o.authorize,
		expr:              o.exprEngine,
		locks:             newInstanceLocks(),
		metrics:           m,
		cancelConcurrency: o.cancelConcurrency,
	}
	if e.models, err = storage.New[model.Process]("models", o.models, o.storeOpts...); err != nil {
		return nil, err
	}
	if e.instances, err = storage.New[model.ProcessInstance]("instances", o.instances, o.storeOpts...); err != nil {
		return nil, err
	}
	if e.nodes, err = storage.New[model.NodeInstance]("nodes", o.nodes, o.storeOpts...); err != nil {
		return nil, err
	}
	e.gateway = o.gateway
	if e.gateway == nil {
		gw, err := messaging.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gateway: %w", err)
		}
		e.gateway = gw
		e.ownsGateway = true
	}
	return e, nil
}

// Gateway returns the messaging gateway activities are dispatched through.
func (e *Engine) Gateway() *messaging.Gateway {
	return e.gateway
}

// Close closes an owned gateway, then the stores.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	if e.ownsGateway {
		err = multierr.Append(err, e.gateway.Close(ctx))
	}
	err = multierr.Append(err, e.models.Close())
	err = multierr.Append(err, e.instances.Close())
	err = multierr.Append(err, e.nodes.Close())
	return err
}

func (e *Engine) engineErr(ctx context.Context, msg string, err error, z ...any) error {
	log := logx.FromContext(ctx)
	z = append(z, "error", err.Error())
	log.Error(msg, z...)

	return fmt.Errorf("engine-error: %w", err)
}

// span starts a span for a façade call.  The returned function ends it, recording *err.
func (e *Engine) span(ctx context.Context, name string, err *error) (context.Context, func()) {
	ctx, sp := e.tr.Start(ctx, name)
	return ctx, func() {
		if *err != nil {
			sp.RecordError(*err)
			sp.SetStatus(codes.Error, (*err).Error())
		}
		sp.End()
	}
}

// check asks the authorizer about an action.  Denials and authorizer errors surface as errors.ErrForbidden.
func (e *Engine) check(ctx context.Context, action authz.Action, principal model.Principal, owner model.Principal) error {
	ok, err := e.authorize(ctx, authz.Request{Action: action, Principal: principal, TargetOwner: owner})
	if err != nil {
		return fmt.Errorf("authorize %s for %q: %w: %w", action, principal, errors2.ErrForbidden, err)
	}
	if !ok {
		logx.FromContext(ctx).Debug("denied", slog.String(keys.Action, string(action)), slog.String(keys.Principal, string(principal)))
		return fmt.Errorf("%s for %q: %w", action, principal, errors2.ErrForbidden)
	}
	return nil
}

// checkMissing authorizes an action against a record that could not be loaded,
// so that a denied caller sees errors.ErrForbidden rather than errors.ErrNotFound.
func (e *Engine) checkMissing(ctx context.Context, action authz.Action, principal model.Principal, err error) error {
	if errors.Is(err, errors2.ErrNotFound) {
		if aerr := e.check(ctx, action, principal, ""); aerr != nil {
			return aerr
		}
	}
	return err
}

func (e *Engine) getModel(ctx context.Context, h int64) (*model.Process, error) {
	rec, err := e.models.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	rec.Value.Handle = rec.Handle
	return rec.Value, nil
}

func (e *Engine) getInstance(ctx context.Context, h int64) (storage.Record[model.ProcessInstance], error) {
	rec, err := e.instances.Get(ctx, h)
	if err != nil {
		return rec, err
	}
	pi := rec.Value
	pi.Handle = rec.Handle
	if pi.Live == nil {
		pi.Live = make(map[string]int64)
	}
	if pi.Activated == nil {
		pi.Activated = make(map[string]int64)
	}
	if pi.Reached == nil {
		pi.Reached = make(map[string]bool)
	}
	if pi.Splits == nil {
		pi.Splits = make(map[string][]string)
	}
	return rec, nil
}

func (e *Engine) getNode(ctx context.Context, h int64) (*model.NodeInstance, error) {
	rec, err := e.nodes.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	rec.Value.Handle = rec.Handle
	return rec.Value, nil
}

// updateNode applies fn to a stored node instance.
func (e *Engine) updateNode(ctx context.Context, h int64, fn func(ni *model.NodeInstance) error) (*model.NodeInstance, error) {
	var prev model.TaskState
	rec, err := e.nodes.Update(ctx, h, func(ni *model.NodeInstance) error {
		ni.Handle = h
		prev = ni.State
		return fn(ni)
	})
	if err != nil {
		return nil, err
	}
	rec.Value.Handle = h
	if rec.Value.State != prev {
		e.metrics.node(rec.Value.Kind, rec.Value.State)
	}
	return rec.Value, nil
}
