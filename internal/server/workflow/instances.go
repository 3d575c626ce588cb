package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gitlab.com/shar-workflow/taskflow/common/authz"
	"gitlab.com/shar-workflow/taskflow/common/logx"
	"gitlab.com/shar-workflow/taskflow/model"
	"gitlab.com/shar-workflow/taskflow/server/errors/keys"
	"gitlab.com/shar-workflow/taskflow/server/services/storage"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
)

// StartProcess creates a process instance of a published model and starts it.
// The instance is persisted in the New state before any node is activated,
// so a failure while starting still returns its handle.
func (e *Engine) StartProcess(ctx context.Context, modelHandle int64, name string, vars []byte, principal model.Principal) (h int64, err error) {
	ctx, end := e.span(ctx, "StartProcess", &err)
	defer end()
	ctx, log := logx.ContextWith(ctx, "engine.start")

	proc, err := e.getModel(ctx, modelHandle)
	if err != nil {
		return 0, e.checkMissing(ctx, authz.ActionStartProcess, principal, err)
	}
	if err := e.check(ctx, authz.ActionStartProcess, principal, proc.Owner); err != nil {
		return 0, err
	}
	if !proc.Published {
		return 0, fmt.Errorf("start %q: %w", proc.Name, errors2.ErrModelNotPublished)
	}
	if _, err := model.DecodeVars(ctx, vars); err != nil {
		return 0, fmt.Errorf("start %q: decode variables: %w", proc.Name, err)
	}

	pi := model.NewProcessInstance(modelHandle, name, principal, vars)
	rec, err := e.instances.Put(ctx, modelHandle, pi)
	if err != nil {
		return 0, e.engineErr(ctx, "create process instance", err, slog.Int64(keys.ModelHandle, modelHandle))
	}
	e.metrics.instance(model.InstanceStateNew)
	log.Debug("created process instance", slog.Int64(keys.ProcessInstanceHandle, rec.Handle), slog.String(keys.ModelName, proc.Name))

	if err := e.withInstance(ctx, rec.Handle, func(s *step) error {
		return s.start()
	}); err != nil {
		return rec.Handle, e.engineErr(ctx, "start process instance", err, slog.Int64(keys.ProcessInstanceHandle, rec.Handle))
	}
	return rec.Handle, nil
}

// GetInstance returns a process instance.
func (e *Engine) GetInstance(ctx context.Context, h int64, principal model.Principal) (pi *model.ProcessInstance, err error) {
	ctx, end := e.span(ctx, "GetInstance", &err)
	defer end()

	rec, err := e.getInstance(ctx, h)
	if err != nil {
		return nil, e.checkMissing(ctx, authz.ActionGetInstance, principal, err)
	}
	if err := e.check(ctx, authz.ActionGetInstance, principal, rec.Value.Owner); err != nil {
		return nil, err
	}
	return rec.Value, nil
}

// NodeInstances returns the node instances of a process instance in creation order.
func (e *Engine) NodeInstances(ctx context.Context, h int64, principal model.Principal) (nis []*model.NodeInstance, err error) {
	ctx, end := e.span(ctx, "NodeInstances", &err)
	defer end()

	if _, err := e.GetInstance(ctx, h, principal); err != nil {
		return nil, err
	}
	for rec, err := range e.nodes.ForEach(ctx, storage.OwnedBy[model.NodeInstance](h)) {
		if err != nil {
			return nil, err
		}
		rec.Value.Handle = rec.Handle
		nis = append(nis, rec.Value)
	}
	return nis, nil
}

// GetNodeInstance returns a single node instance.
func (e *Engine) GetNodeInstance(ctx context.Context, h int64, principal model.Principal) (ni *model.NodeInstance, err error) {
	ctx, end := e.span(ctx, "GetNodeInstance", &err)
	defer end()

	ni, err = e.getNode(ctx, h)
	if err != nil {
		return nil, e.checkMissing(ctx, authz.ActionGetInstance, principal, err)
	}
	if _, err := e.GetInstance(ctx, ni.InstanceHandle, principal); err != nil {
		return nil, err
	}
	return ni, nil
}

// CancelInstance cancels a process instance and every live node instance.
// The cancelled records stay readable so late completions and callers can observe the outcome;
// PurgeInstance removes them.
// Cancelling a cancelled instance succeeds.  Cancelling a finished or failed instance is an illegal transition.
func (e *Engine) CancelInstance(ctx context.Context, h int64, principal model.Principal) (err error) {
	ctx, end := e.span(ctx, "CancelInstance", &err)
	defer end()

	rec, err := e.getInstance(ctx, h)
	if err != nil {
		return e.checkMissing(ctx, authz.ActionCancelInstance, principal, err)
	}
	if err := e.check(ctx, authz.ActionCancelInstance, principal, rec.Value.Owner); err != nil {
		return err
	}
	return e.cancel(ctx, h)
}

func (e *Engine) cancel(ctx context.Context, h int64) error {
	return e.withInstance(ctx, h, func(s *step) error {
		switch s.pi.State {
		case model.InstanceStateCancelled:
			return nil
		case model.InstanceStateFinished, model.InstanceStateErrorState:
			return fmt.Errorf("cancel process instance %d in state %s: %w", h, s.pi.State, errors2.ErrIllegalTransition)
		}
		if err := s.transition(model.InstanceStateCancelled); err != nil {
			return err
		}
		return s.cancelLive()
	})
}

// CancelAll cancels every process instance that has not ended, returning the number cancelled.
// Failures are collected rather than stopping the sweep.
func (e *Engine) CancelAll(ctx context.Context, principal model.Principal) (n int, err error) {
	ctx, end := e.span(ctx, "CancelAll", &err)
	defer end()
	ctx, log := logx.ContextWith(ctx, "engine.cancel-all")

	if err := e.check(ctx, authz.ActionCancelAll, principal, ""); err != nil {
		return 0, err
	}
	recs, err := e.instances.Collect(ctx, storage.Filter[model.ProcessInstance]{
		Owner: storage.AnyOwner,
		Match: func(pi *model.ProcessInstance) bool { return !pi.State.Terminal() },
	})
	if err != nil {
		return 0, err
	}

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(e.cancelConcurrency)
	for _, rec := range recs {
		g.Go(func() error {
			cerr := e.cancel(ctx, rec.Handle)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case cerr == nil:
				n++
			case errors.Is(cerr, errors2.ErrIllegalTransition):
				// ended while the sweep was running
			default:
				cerr = fmt.Errorf("cancel process instance %d: %w", rec.Handle, cerr)
				errs = multierr.Append(errs, cerr)
				return cerr
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn("cancelled process instances with failures", slog.Int("count", n), slog.Int("failed", len(multierr.Errors(errs))))
		return n, errs
	}
	log.Info("cancelled process instances", slog.Int("count", n))
	return n, nil
}

// PurgeInstance removes an ended process instance and its node instances.
func (e *Engine) PurgeInstance(ctx context.Context, h int64, principal model.Principal) (err error) {
	ctx, end := e.span(ctx, "PurgeInstance", &err)
	defer end()

	rec, err := e.getInstance(ctx, h)
	if err != nil {
		return e.checkMissing(ctx, authz.ActionPurgeInstance, principal, err)
	}
	if err := e.check(ctx, authz.ActionPurgeInstance, principal, rec.Value.Owner); err != nil {
		return err
	}

	unlock := e.locks.lock(h)
	defer unlock()
	rec, err = e.getInstance(ctx, h)
	if err != nil {
		return err
	}
	if !rec.Value.State.Terminal() {
		return fmt.Errorf("purge process instance %d in state %s: %w", h, rec.Value.State, errors2.ErrInstanceNotDone)
	}
	nodes, err := e.nodes.Collect(ctx, storage.OwnedBy[model.NodeInstance](h))
	if err != nil {
		return err
	}
	for _, ni := range nodes {
		if _, err := e.nodes.Remove(ctx, ni.Handle); err != nil {
			return e.engineErr(ctx, "purge node instance", err, slog.Int64(keys.NodeInstanceHandle, ni.Handle))
		}
	}
	if _, err := e.instances.Remove(ctx, h); err != nil {
		return e.engineErr(ctx, "purge process instance", err, slog.Int64(keys.ProcessInstanceHandle, h))
	}
	return nil
}
