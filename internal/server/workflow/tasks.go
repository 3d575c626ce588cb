package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gitlab.com/shar-workflow/taskflow/common/authz"
	"gitlab.com/shar-workflow/taskflow/common/logx"
	"gitlab.com/shar-workflow/taskflow/internal/server/messaging"
	"gitlab.com/shar-workflow/taskflow/model"
	"gitlab.com/shar-workflow/taskflow/server/errors/keys"

	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
)

// UpdateTaskState moves a node instance along its lifecycle.
// Moving to Complete or Failed behaves as FinishTask or FailTask.
// Updates to node instances of a cancelled process instance are ignored.
func (e *Engine) UpdateTaskState(ctx context.Context, h int64, state model.TaskState, principal model.Principal) (ni *model.NodeInstance, err error) {
	ctx, end := e.span(ctx, "UpdateTaskState", &err)
	defer end()

	switch state {
	case model.TaskStateComplete:
		return e.taskOp(ctx, h, authz.ActionUpdateTaskState, principal, func(s *step) error {
			return s.finish(h, nil)
		})
	case model.TaskStateFailed:
		return e.taskOp(ctx, h, authz.ActionUpdateTaskState, principal, func(s *step) error {
			return s.failNode(h, fmt.Errorf("failed by %s", principal))
		})
	case model.TaskStateCancelled:
		return e.taskOp(ctx, h, authz.ActionUpdateTaskState, principal, func(s *step) error {
			return s.cancelNode(h)
		})
	}
	return e.taskOp(ctx, h, authz.ActionUpdateTaskState, principal, func(s *step) error {
		_, err := e.updateNode(s.ctx, h, func(ni *model.NodeInstance) error {
			return ni.Transition(state)
		})
		return err
	})
}

// FinishTask completes a node instance with a result payload and advances the process instance.
// A payload that decodes as a variable set is merged into the instance variables.
func (e *Engine) FinishTask(ctx context.Context, h int64, payload []byte, principal model.Principal) (ni *model.NodeInstance, err error) {
	ctx, end := e.span(ctx, "FinishTask", &err)
	defer end()

	return e.taskOp(ctx, h, authz.ActionFinishTask, principal, func(s *step) error {
		return s.finish(h, payload)
	})
}

// FailTask fails a node instance, which moves its process instance to ErrorState.
func (e *Engine) FailTask(ctx context.Context, h int64, reason string, principal model.Principal) (ni *model.NodeInstance, err error) {
	ctx, end := e.span(ctx, "FailTask", &err)
	defer end()

	return e.taskOp(ctx, h, authz.ActionFailTask, principal, func(s *step) error {
		return s.failNode(h, errors.New(reason))
	})
}

// taskOp authorizes an operation on a node instance and runs fn under its process instance lock.
func (e *Engine) taskOp(ctx context.Context, h int64, action authz.Action, principal model.Principal, fn func(s *step) error) (*model.NodeInstance, error) {
	ni, err := e.getNode(ctx, h)
	if err != nil {
		return nil, e.checkMissing(ctx, action, principal, err)
	}
	rec, err := e.getInstance(ctx, ni.InstanceHandle)
	if err != nil {
		return nil, err
	}
	if err := e.check(ctx, action, principal, rec.Value.Owner); err != nil {
		return nil, err
	}
	ctx = logx.NewContext(ctx, logx.FromContext(ctx).With(slog.Int64(keys.NodeInstanceHandle, h), slog.String(keys.Principal, string(principal))))
	if err := e.withInstance(ctx, ni.InstanceHandle, func(s *step) error {
		if s.pi.State == model.InstanceStateCancelled {
			s.log().Debug("ignoring task update on cancelled process instance", slog.String(keys.Action, string(action)))
			return nil
		}
		return fn(s)
	}); err != nil {
		return nil, err
	}
	return e.getNode(ctx, h)
}

// onComplete returns the gateway completion handler for a dispatched node instance.
func (e *Engine) onComplete(instance int64, h int64) messaging.CompletionFunc {
	return func(ctx context.Context, c messaging.Completion) {
		ctx, sp := e.tr.Start(ctx, "DispatchComplete")
		defer sp.End()
		ctx = logx.NewContext(ctx, logx.FromContext(ctx).With(slog.Int64(keys.NodeInstanceHandle, h)))
		if err := e.withInstance(ctx, instance, func(s *step) error {
			return s.dispatched(h, c)
		}); err != nil {
			if errors.Is(err, errors2.ErrNotFound) {
				logx.FromContext(ctx).Debug("completion for purged process instance", slog.Int64(keys.ProcessInstanceHandle, instance))
				return
			}
			sp.RecordError(err)
			logx.FromContext(ctx).Error("handle dispatch completion", "error", err, slog.Int64(keys.ProcessInstanceHandle, instance))
		}
	}
}

// dispatched applies the outcome of a dispatch.  Outcomes arriving after the node instance
// or its process instance ended are ignored.
func (s *step) dispatched(h int64, c messaging.Completion) error {
	if s.pi.State != model.InstanceStateActive {
		s.log().Debug("ignoring completion for ended process instance", slog.String(keys.ProcessInstanceState, s.pi.State.String()))
		return nil
	}
	ni, err := s.e.getNode(s.ctx, h)
	if err != nil {
		return err
	}
	if ni.State.Terminal() {
		return nil
	}
	if c.Err != nil {
		if errors.Is(c.Err, errors2.ErrRequestCancelled) {
			return nil
		}
		if errors.Is(c.Err, errors2.ErrGatewayClosed) {
			s.log().Warn("dispatch abandoned by closing gateway", slog.Int64(keys.NodeInstanceHandle, h))
			return nil
		}
		var df *errors2.DispatchFailure
		if !errors.As(c.Err, &df) {
			return s.failNode(h, &errors2.DispatchFailure{Cause: c.Err})
		}
		return s.failNode(h, c.Err)
	}
	n, err := s.node(ni.NodeID)
	if err != nil {
		return err
	}
	if n.Activity.Message.AutoComplete {
		var body []byte
		if c.Response != nil {
			body = c.Response.Body
		}
		return s.finish(h, body)
	}
	if ni.State != model.TaskStateSent {
		return nil
	}
	_, err = s.e.updateNode(s.ctx, h, func(ni *model.NodeInstance) error {
		return ni.Transition(model.TaskStateAcknowledged)
	})
	return err
}
