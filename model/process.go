package model

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
)

// Principal identifies the caller on whose behalf an operation runs.
type Principal string

// Process is a process model.  Once published it must not be modified.
type Process struct {
	Handle    int64
	UUID      uuid.UUID
	Name      string
	Owner     Principal
	Nodes     []*Node
	Published bool

	index map[string]*Node
}

// Node returns the node with the given identifier.
func (p *Process) Node(id string) (*Node, bool) {
	if p.index == nil {
		p.reindex()
	}
	n, ok := p.index[id]
	return n, ok
}

// StartNodes returns the start nodes in model order.
func (p *Process) StartNodes() []*Node {
	var ret []*Node
	for _, n := range p.Nodes {
		if n.Kind == NodeKindStart {
			ret = append(ret, n)
		}
	}
	return ret
}

func (p *Process) reindex() {
	p.index = make(map[string]*Node, len(p.Nodes))
	for _, n := range p.Nodes {
		p.index[n.ID] = n
	}
}

// Publish validates the process graph and marks it as published.
func (p *Process) Publish() error {
	if p.Published {
		return nil
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}
	p.Published = true
	return nil
}

// Validate checks the structural invariants of the process graph.
// All problems are reported together, each wrapping ErrInvalidModel.
func (p *Process) Validate() error {
	var errs []error
	bad := func(format string, a ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{errors2.ErrInvalidModel}, a...)...))
	}
	if p.Name == "" {
		bad("process has no name")
	}
	p.index = make(map[string]*Node, len(p.Nodes))
	for _, n := range p.Nodes {
		if n.ID == "" {
			bad("node with empty id")
			continue
		}
		if _, ok := p.index[n.ID]; ok {
			bad("duplicate node id %q", n.ID)
			continue
		}
		p.index[n.ID] = n
	}
	if len(p.StartNodes()) == 0 {
		bad("process has no start node")
	}
	for _, n := range p.Nodes {
		switch n.Kind {
		case NodeKindStart:
			if len(n.Predecessors) > 0 {
				bad("start node %q has predecessors", n.ID)
			}
		case NodeKindActivity:
			if n.Activity == nil || n.Activity.Message.ServiceID == "" || n.Activity.Message.EndpointID == "" {
				bad("activity %q has no message template", n.ID)
			}
		case NodeKindJoin:
			lo, hi := n.JoinThresholds()
			if lo < 1 || lo > hi || hi > len(n.Predecessors) {
				bad("join %q thresholds min=%d max=%d invalid for %d predecessors", n.ID, lo, hi, len(n.Predecessors))
			}
		case NodeKindSplit:
		case NodeKindEnd:
			if len(n.Successors) > 0 {
				bad("end node %q has successors", n.ID)
			}
		default:
			bad("node %q has unknown kind %s", n.ID, n.Kind)
		}
		if n.Kind != NodeKindStart && len(n.Predecessors) == 0 {
			bad("node %q has no predecessors", n.ID)
		}
		if n.Kind != NodeKindEnd && len(n.Successors) == 0 {
			bad("node %q has no successors", n.ID)
		}
		for _, s := range n.Successors {
			sn, ok := p.index[s]
			if !ok {
				bad("node %q references unknown successor %q", n.ID, s)
			} else if !sn.HasPredecessor(n.ID) {
				bad("node %q lists %q as successor but not the reverse", n.ID, s)
			}
		}
		for _, pr := range n.Predecessors {
			pn, ok := p.index[pr]
			if !ok {
				bad("node %q references unknown predecessor %q", n.ID, pr)
			} else if !pn.HasSuccessor(n.ID) {
				bad("node %q lists %q as predecessor but not the reverse", n.ID, pr)
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if orphans := p.unreachable(); len(orphans) > 0 {
		bad("nodes %v are not reachable from a start node", orphans)
	}
	if cyc := p.cycle(); cyc != "" {
		bad("node %q is part of a cycle", cyc)
	}
	return errors.Join(errs...)
}

func (p *Process) unreachable() []string {
	seen := make(map[string]struct{}, len(p.Nodes))
	var stack []string
	for _, s := range p.StartNodes() {
		stack = append(stack, s.ID)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		stack = append(stack, p.index[id].Successors...)
	}
	var ret []string
	for _, n := range p.Nodes {
		if _, ok := seen[n.ID]; !ok {
			ret = append(ret, n.ID)
		}
	}
	slices.Sort(ret)
	return ret
}

// cycle returns the id of a node on a cycle, or an empty string for an acyclic graph.
func (p *Process) cycle() string {
	indeg := make(map[string]int, len(p.Nodes))
	var ready []string
	for _, n := range p.Nodes {
		indeg[n.ID] = len(n.Predecessors)
		if indeg[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	visited := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		visited++
		for _, s := range p.index[id].Successors {
			indeg[s]--
			if indeg[s] == 0 {
				ready = append(ready, s)
			}
		}
	}
	if visited == len(p.Nodes) {
		return ""
	}
	for _, n := range p.Nodes {
		if indeg[n.ID] > 0 {
			return n.ID
		}
	}
	return ""
}
