package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"gitlab.com/shar-workflow/taskflow/common/authz"
	"gitlab.com/shar-workflow/taskflow/common/logx"
	"gitlab.com/shar-workflow/taskflow/model"
	"gitlab.com/shar-workflow/taskflow/server/errors/keys"

	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
)

// AddModel validates and publishes a process model, returning its handle.
// A model without an owner is owned by the caller.
func (e *Engine) AddModel(ctx context.Context, proc *model.Process, principal model.Principal) (h int64, err error) {
	ctx, end := e.span(ctx, "AddModel", &err)
	defer end()
	ctx, log := logx.ContextWith(ctx, "engine.add-model")

	if err := e.check(ctx, authz.ActionAddModel, principal, ""); err != nil {
		return 0, err
	}
	if proc.Owner == "" {
		proc.Owner = principal
	}
	proc.Published = false
	if err := proc.Publish(); err != nil {
		return 0, fmt.Errorf("publish %q: %w", proc.Name, err)
	}
	for _, n := range proc.Nodes {
		if n.Kind != model.NodeKindActivity || n.Activity.Condition == "" {
			continue
		}
		if cerr := e.expr.Check(ctx, n.Activity.Condition); cerr != nil {
			proc.Published = false
			return 0, fmt.Errorf("node %s condition: %w: %w", n.ID, errors2.ErrInvalidModel, cerr)
		}
	}
	rec, err := e.models.Put(ctx, 0, proc)
	if err != nil {
		return 0, e.engineErr(ctx, "store process model", err, slog.String(keys.ModelName, proc.Name))
	}
	proc.Handle = rec.Handle
	e.metrics.models.Inc()
	log.Info("published process model", slog.String(keys.ModelName, proc.Name), slog.Int64(keys.ModelHandle, rec.Handle))
	return rec.Handle, nil
}

// GetModel returns a published process model.
func (e *Engine) GetModel(ctx context.Context, h int64, principal model.Principal) (proc *model.Process, err error) {
	ctx, end := e.span(ctx, "GetModel", &err)
	defer end()

	proc, err = e.getModel(ctx, h)
	if err != nil {
		return nil, e.checkMissing(ctx, authz.ActionGetModel, principal, err)
	}
	if err := e.check(ctx, authz.ActionGetModel, principal, proc.Owner); err != nil {
		return nil, err
	}
	return proc, nil
}
