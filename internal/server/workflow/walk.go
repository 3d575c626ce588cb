package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"time"

	"gitlab.com/shar-workflow/taskflow/common/expression"
	"gitlab.com/shar-workflow/taskflow/common/logx"
	"gitlab.com/shar-workflow/taskflow/model"
	"gitlab.com/shar-workflow/taskflow/server/errors/keys"
	"gitlab.com/shar-workflow/taskflow/server/services/storage"
	"go.uber.org/multierr"

	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
)

const (
	// InstanceHeader carries the process instance handle on dispatched messages.
	InstanceHeader = "taskflow-instance"
	// NodeInstanceHeader carries the node instance handle on dispatched messages.
	NodeInstanceHeader = "taskflow-node-instance"
)

// step is the working set of one process instance while its lock is held.
type step struct {
	e     *Engine
	ctx   context.Context
	rec   storage.Record[model.ProcessInstance]
	pi    *model.ProcessInstance
	proc  *model.Process
	sends []int64
	dirty bool
}

// withInstance runs fn with the instance locked, then persists the instance and sends queued dispatches.
// If fn fails after changing state, the instance is moved to ErrorState.
func (e *Engine) withInstance(ctx context.Context, h int64, fn func(s *step) error) error {
	unlock := e.locks.lock(h)
	defer unlock()

	ctx = logx.NewContext(ctx, logx.FromContext(ctx).With(slog.Int64(keys.ProcessInstanceHandle, h)))
	rec, err := e.getInstance(ctx, h)
	if err != nil {
		return err
	}
	proc, err := e.getModel(ctx, rec.Value.ModelHandle)
	if err != nil {
		return e.engineErr(ctx, "load process model", err, slog.Int64(keys.ModelHandle, rec.Value.ModelHandle))
	}
	s := &step{e: e, ctx: ctx, rec: rec, pi: rec.Value, proc: proc}
	if err := fn(s); err != nil {
		if !s.dirty {
			return err
		}
		if ferr := s.failInstance(err.Error()); ferr != nil {
			err = multierr.Append(err, ferr)
		}
		return multierr.Append(err, s.commit())
	}
	if !s.dirty {
		return nil
	}
	return s.commit()
}

func (s *step) log() *slog.Logger {
	return logx.FromContext(s.ctx)
}

func (s *step) node(id string) (*model.Node, error) {
	n, ok := s.proc.Node(id)
	if !ok {
		return nil, fmt.Errorf("node %q missing from process model %d: %w", id, s.proc.Handle, errors2.ErrNotFound)
	}
	return n, nil
}

func (s *step) transition(to model.InstanceState) error {
	if err := s.pi.Transition(to); err != nil {
		return err
	}
	s.dirty = true
	s.e.metrics.instance(to)
	s.log().Info("process instance "+to.String(), slog.String(keys.ModelName, s.proc.Name))
	return nil
}

// commit persists the instance, then sends queued dispatches until none remain.
func (s *step) commit() error {
	for {
		s.settle()
		s.pi.Modified = time.Now()
		rec, err := s.e.instances.Set(s.ctx, s.rec)
		if err != nil {
			return s.e.engineErr(s.ctx, "persist process instance", err)
		}
		rec.Value.Handle = rec.Handle
		s.rec = rec
		s.pi = rec.Value
		if len(s.sends) == 0 {
			return nil
		}
		if err := s.dispatch(); err != nil {
			return err
		}
	}
}

// settle ends an active instance once it has no live node instance.
func (s *step) settle() {
	if s.pi.State != model.InstanceStateActive || len(s.pi.Live) > 0 {
		return
	}
	to := model.InstanceStateCancelled
	if s.pi.EndSeen {
		to = model.InstanceStateFinished
	}
	if err := s.transition(to); err != nil {
		s.log().Error("settle process instance", "error", err)
	}
}

// start activates every start node of a new instance.
func (s *step) start() error {
	if err := s.transition(model.InstanceStateActive); err != nil {
		return err
	}
	for _, n := range s.proc.StartNodes() {
		if err := s.activate(n, nil); err != nil {
			return err
		}
	}
	return nil
}

// handlesOf returns the node instance handles that stand for a reached node.
// A split has no node instance of its own and stands for whatever fed it.
func (s *step) handlesOf(n *model.Node) ([]int64, error) {
	if n.Kind != model.NodeKindSplit {
		if h, ok := s.pi.Activated[n.ID]; ok {
			return []int64{h}, nil
		}
		return nil, nil
	}
	var ret []int64
	for _, id := range n.Predecessors {
		p, err := s.node(id)
		if err != nil {
			return nil, err
		}
		hs, err := s.handlesOf(p)
		if err != nil {
			return nil, err
		}
		for _, h := range hs {
			if !slices.Contains(ret, h) {
				ret = append(ret, h)
			}
		}
	}
	return ret, nil
}

func (s *step) feeders(n *model.Node) ([]int64, error) {
	var ret []int64
	for _, id := range n.Predecessors {
		p, err := s.node(id)
		if err != nil {
			return nil, err
		}
		hs, err := s.handlesOf(p)
		if err != nil {
			return nil, err
		}
		ret = append(ret, hs...)
	}
	return ret, nil
}

// ready reports whether a non join node can be activated: it has not been, and every predecessor was reached.
func (s *step) ready(n *model.Node) bool {
	if _, ok := s.pi.Activated[n.ID]; ok || s.pi.Reached[n.ID] {
		return false
	}
	for _, p := range n.Predecessors {
		if !s.pi.Reached[p] {
			return false
		}
	}
	return true
}

// advance offers a reached node to each of its successors.
func (s *step) advance(from *model.Node) error {
	for _, id := range from.Successors {
		n, err := s.node(id)
		if err != nil {
			return err
		}
		if err := s.arrive(n, from); err != nil {
			return err
		}
	}
	return nil
}

func (s *step) arrive(n *model.Node, from *model.Node) error {
	switch n.Kind {
	case model.NodeKindJoin:
		return s.arriveJoin(n, from)
	case model.NodeKindSplit:
		if !s.ready(n) {
			return nil
		}
		s.pi.Reached[n.ID] = true
		s.pi.Splits[n.ID] = slices.Clone(n.Successors)
		s.dirty = true
		return s.advance(n)
	default:
		if !s.ready(n) {
			return nil
		}
		preds, err := s.feeders(n)
		if err != nil {
			return err
		}
		return s.activate(n, preds)
	}
}

// arriveJoin records an arrival at a join.  The join activates once min predecessors arrived.
// Later arrivals up to max are appended to its node instance, the rest are dropped.
func (s *step) arriveJoin(n *model.Node, from *model.Node) error {
	js := s.pi.Join(n.ID)
	if js.Has(from.ID) {
		return nil
	}
	minimum, maximum := n.JoinThresholds()
	handles, err := s.handlesOf(from)
	if err != nil {
		return err
	}
	s.dirty = true
	if h, ok := s.pi.Activated[n.ID]; ok {
		if len(js.Arrived) >= maximum {
			s.log().Debug("join saturated, dropping arrival", slog.String(keys.NodeID, n.ID), slog.String("from", from.ID))
			return nil
		}
		js.Add(from.ID, handles...)
		_, err := s.e.updateNode(s.ctx, h, func(ni *model.NodeInstance) error {
			ni.Predecessors = append(ni.Predecessors, handles...)
			return nil
		})
		return err
	}
	js.Add(from.ID, handles...)
	if len(js.Arrived) < minimum {
		return nil
	}
	return s.activate(n, slices.Clone(js.Handles))
}

func (s *step) put(ni *model.NodeInstance) error {
	now := time.Now()
	ni.InstanceHandle = s.pi.Handle
	ni.Created, ni.Modified = now, now
	rec, err := s.e.nodes.Put(s.ctx, s.pi.Handle, ni)
	if err != nil {
		return s.e.engineErr(s.ctx, "create node instance", err, slog.String(keys.NodeID, ni.NodeID))
	}
	ni.Handle = rec.Handle
	s.pi.Activated[ni.NodeID] = ni.Handle
	s.dirty = true
	s.e.metrics.node(ni.Kind, ni.State)
	s.log().Debug("node instance "+ni.State.String(),
		slog.Int64(keys.NodeInstanceHandle, ni.Handle),
		slog.String(keys.NodeID, ni.NodeID),
		slog.String(keys.NodeKind, ni.Kind.String()),
	)
	return nil
}

// activate creates the single node instance of a node.
// Start, join and end nodes complete at once.  Activities are dispatched unless their condition is false.
func (s *step) activate(n *model.Node, preds []int64) error {
	if s.pi.State != model.InstanceStateActive {
		return nil
	}
	ni := &model.NodeInstance{
		NodeID:       n.ID,
		Kind:         n.Kind,
		State:        model.TaskStateSent,
		Predecessors: preds,
	}
	if n.Kind != model.NodeKindActivity {
		ni.State = model.TaskStateComplete
		if err := s.put(ni); err != nil {
			return err
		}
		return s.completed(n)
	}

	ok, err := s.condition(n)
	if err != nil {
		ni.State = model.TaskStateFailed
		ni.Failure = err.Error()
		if err := s.put(ni); err != nil {
			return err
		}
		logx.FromContext(s.ctx).Error("evaluate activity condition", "error", err, slog.String(keys.NodeID, n.ID))
		return s.failInstance(fmt.Sprintf("node %s condition: %s", n.ID, err))
	}
	if !ok {
		ni.State = model.TaskStateCancelled
		return s.put(ni)
	}
	if err := s.put(ni); err != nil {
		return err
	}
	s.pi.Live[n.ID] = ni.Handle
	s.sends = append(s.sends, ni.Handle)
	return nil
}

func (s *step) condition(n *model.Node) (bool, error) {
	if n.Activity.Condition == "" {
		return true, nil
	}
	vars, err := model.DecodeVars(s.ctx, s.pi.Vars)
	if err != nil {
		return false, err
	}
	return expression.Condition(s.ctx, s.e.expr, n.Activity.Condition, vars.Map())
}

// completed marks a node reached and advances past it.
func (s *step) completed(n *model.Node) error {
	delete(s.pi.Live, n.ID)
	s.pi.Reached[n.ID] = true
	if n.Kind == model.NodeKindEnd {
		s.pi.EndSeen = true
	}
	s.dirty = true
	return s.advance(n)
}

// mergeResult merges a result payload into the instance variables when it decodes as a variable set.
func (s *step) mergeResult(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	res := model.NewVars()
	if err := res.Decode(logx.NewContext(s.ctx, slog.New(slog.NewTextHandler(io.Discard, nil))), payload); err != nil {
		s.log().Debug("result is not a variable set", slog.Int("len", len(payload)))
		return nil
	}
	vars, err := model.DecodeVars(s.ctx, s.pi.Vars)
	if err != nil {
		return err
	}
	vars.Merge(res)
	b, err := vars.Encode(s.ctx)
	if err != nil {
		return err
	}
	s.pi.Vars = b
	s.dirty = true
	return nil
}

// finish completes a live activity with a result and advances the graph.
func (s *step) finish(h int64, payload []byte) error {
	ni, err := s.e.updateNode(s.ctx, h, func(ni *model.NodeInstance) error {
		if err := ni.Transition(model.TaskStateComplete); err != nil {
			return err
		}
		ni.Result = payload
		return nil
	})
	if err != nil {
		return err
	}
	s.dirty = true
	if ni.Request != 0 {
		s.e.gateway.Cancel(ni.Request)
	}
	n, err := s.node(ni.NodeID)
	if err != nil {
		return err
	}
	if err := s.mergeResult(payload); err != nil {
		return err
	}
	return s.completed(n)
}

// failNode fails a live node instance and, with it, the process instance.
func (s *step) failNode(h int64, cause error) error {
	ni, err := s.e.updateNode(s.ctx, h, func(ni *model.NodeInstance) error {
		if err := ni.Transition(model.TaskStateFailed); err != nil {
			return err
		}
		ni.Failure = cause.Error()
		return nil
	})
	if err != nil {
		return err
	}
	s.dirty = true
	delete(s.pi.Live, ni.NodeID)
	s.log().Warn("node instance failed", slog.Int64(keys.NodeInstanceHandle, h), slog.String(keys.NodeID, ni.NodeID), "error", cause)
	return s.failInstance(fmt.Sprintf("node %s failed: %s", ni.NodeID, cause))
}

// cancelNode cancels a live node instance, ending its branch.
func (s *step) cancelNode(h int64) error {
	ni, err := s.e.updateNode(s.ctx, h, func(ni *model.NodeInstance) error {
		return ni.Transition(model.TaskStateCancelled)
	})
	if err != nil {
		return err
	}
	s.dirty = true
	delete(s.pi.Live, ni.NodeID)
	if ni.Request != 0 {
		s.e.gateway.Cancel(ni.Request)
	}
	return nil
}

// cancelLive cancels every live node instance and its pending dispatch.
func (s *step) cancelLive() error {
	var err error
	for _, id := range slices.Sorted(maps.Keys(s.pi.Live)) {
		h := s.pi.Live[id]
		if cerr := s.cancelNode(h); cerr != nil {
			if !errors.Is(cerr, errors2.ErrIllegalTransition) {
				err = multierr.Append(err, cerr)
			}
			delete(s.pi.Live, id)
		}
	}
	return err
}

// failInstance moves a non terminal instance to ErrorState.
func (s *step) failInstance(reason string) error {
	if s.pi.State.Terminal() {
		return nil
	}
	s.pi.Failure = reason
	if err := s.transition(model.InstanceStateErrorState); err != nil {
		return err
	}
	return s.cancelLive()
}

func (s *step) message(n *model.Node, ni *model.NodeInstance) *model.Message {
	t := n.Activity.Message
	body := t.Body
	if len(body) == 0 {
		body = s.pi.Vars
	}
	headers := append(slices.Clone(t.Headers),
		model.Header{Name: InstanceHeader, Value: strconv.FormatInt(s.pi.Handle, 10)},
		model.Header{Name: NodeInstanceHeader, Value: strconv.FormatInt(ni.Handle, 10)},
	)
	return &model.Message{
		Destination: model.Endpoint{ServiceID: t.ServiceID, EndpointID: t.EndpointID},
		Method:      t.Method,
		Headers:     headers,
		Body:        body,
		Attachments: t.Attachments,
	}
}

// dispatch sends the activities activated during this step.
// A dispatch the gateway refuses fails its node instance.
func (s *step) dispatch() error {
	sends := s.sends
	s.sends = nil
	for _, h := range sends {
		ni, err := s.e.getNode(s.ctx, h)
		if err != nil {
			return err
		}
		if s.pi.State != model.InstanceStateActive || s.pi.Live[ni.NodeID] != h {
			continue
		}
		n, err := s.node(ni.NodeID)
		if err != nil {
			return err
		}
		req, err := s.e.gateway.Dispatch(s.ctx, s.message(n, ni), s.e.onComplete(s.pi.Handle, h))
		if err != nil {
			var df *errors2.DispatchFailure
			if !errors.As(err, &df) {
				err = &errors2.DispatchFailure{Cause: err}
			}
			if ferr := s.failNode(h, err); ferr != nil {
				return ferr
			}
			continue
		}
		if _, err := s.e.updateNode(s.ctx, h, func(ni *model.NodeInstance) error {
			ni.Request = req.Handle
			return nil
		}); err != nil {
			return err
		}
		s.log().Debug("dispatched", slog.Int64(keys.NodeInstanceHandle, h), slog.Int64(keys.RequestHandle, req.Handle), slog.String(keys.CorrelationID, req.CorrelationID))
	}
	return nil
}
