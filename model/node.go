package model

import (
	"fmt"
	"strings"
)

// NodeKind identifies the type of a process node.
type NodeKind int

const (
	NodeKindStart    NodeKind = iota + 1 // NodeKindStart begins a process.  It has no predecessors.
	NodeKindActivity                     // NodeKindActivity is dispatched to a remote endpoint as a task.
	NodeKindSplit                        // NodeKindSplit fans out to all of its successors.
	NodeKindJoin                         // NodeKindJoin merges branches once a threshold of predecessors has arrived.
	NodeKindEnd                          // NodeKindEnd terminates a branch.  It has no successors.
)

var nodeKindNames = map[NodeKind]string{
	NodeKindStart:    "start",
	NodeKindActivity: "activity",
	NodeKindSplit:    "split",
	NodeKindJoin:     "join",
	NodeKindEnd:      "end",
}

// String returns the lower case name of the node kind.
func (k NodeKind) String() string {
	if n, ok := nodeKindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseNodeKind converts a node kind name into a NodeKind.
func ParseNodeKind(name string) (NodeKind, error) {
	for k, n := range nodeKindNames {
		if strings.EqualFold(n, name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown node kind %q", name)
}

// Header is a single outbound message header.
type Header struct {
	Name  string
	Value string
}

// MessageTemplate describes the message an activity sends to its endpoint.
type MessageTemplate struct {
	ServiceID   string
	EndpointID  string
	Method      string
	Headers     []Header
	Body        []byte
	Attachments map[string][]byte
	// AutoComplete completes the activity with the response payload when the endpoint answers successfully.
	AutoComplete bool
}

// ActivityData is the kind specific data of an activity node.
type ActivityData struct {
	Message MessageTemplate
	// Condition is an optional boolean expression evaluated over the instance variables.
	Condition string
}

// JoinData is the kind specific data of a join node.
type JoinData struct {
	Min int
	Max int
}

// Node is a single vertex of a process model graph.
// Kind specific data is only set for the matching kind.
type Node struct {
	ID           string
	Name         string
	Kind         NodeKind
	Predecessors []string
	Successors   []string
	Activity     *ActivityData
	Join         *JoinData
}

// HasPredecessor reports whether id is listed as a predecessor.
func (n *Node) HasPredecessor(id string) bool {
	for _, p := range n.Predecessors {
		if p == id {
			return true
		}
	}
	return false
}

// HasSuccessor reports whether id is listed as a successor.
func (n *Node) HasSuccessor(id string) bool {
	for _, s := range n.Successors {
		if s == id {
			return true
		}
	}
	return false
}

// JoinThresholds returns the effective min and max arrival thresholds of a join node.
// Zero values default to the number of predecessors.
func (n *Node) JoinThresholds() (int, int) {
	lo, hi := len(n.Predecessors), len(n.Predecessors)
	if n.Join != nil {
		if n.Join.Min > 0 {
			lo = n.Join.Min
		}
		if n.Join.Max > 0 {
			hi = n.Join.Max
		}
	}
	return lo, hi
}
