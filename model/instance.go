package model

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
)

// InstanceState is the lifecycle state of a process instance.
type InstanceState int

const (
	InstanceStateNew        InstanceState = iota // InstanceStateNew is set when the instance is created, before any node instance exists.
	InstanceStateActive                          // InstanceStateActive is set once the instance has been started.
	InstanceStateFinished                        // InstanceStateFinished is set once every branch has ended or been cancelled.
	InstanceStateCancelled                       // InstanceStateCancelled is set when the instance was cancelled or no branch reached an end.
	InstanceStateErrorState                      // InstanceStateErrorState is set when a node instance failed or the graph could not be evaluated.
)

func (s InstanceState) String() string {
	switch s {
	case InstanceStateNew:
		return "New"
	case InstanceStateActive:
		return "Active"
	case InstanceStateFinished:
		return "Finished"
	case InstanceStateCancelled:
		return "Cancelled"
	case InstanceStateErrorState:
		return "ErrorState"
	}
	return fmt.Sprintf("InstanceState(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s InstanceState) Terminal() bool {
	return s == InstanceStateFinished || s == InstanceStateCancelled || s == InstanceStateErrorState
}

// CanTransition reports whether an instance may move from s to to.
func (s InstanceState) CanTransition(to InstanceState) bool {
	switch s {
	case InstanceStateNew:
		return to == InstanceStateActive || to == InstanceStateCancelled || to == InstanceStateErrorState
	case InstanceStateActive:
		return to.Terminal()
	}
	return false
}

// JoinState tracks arrivals at a join node within one process instance.
type JoinState struct {
	// Arrived holds the ids of predecessor nodes that have completed, in arrival order.
	Arrived []string
	// Handles holds the handles of the node instances that fed the arrivals.
	Handles []int64
}

// Has reports whether a predecessor has already arrived.
func (js *JoinState) Has(id string) bool {
	return slices.Contains(js.Arrived, id)
}

// Add records an arrival.
func (js *JoinState) Add(id string, handles ...int64) {
	js.Arrived = append(js.Arrived, id)
	js.Handles = append(js.Handles, handles...)
}

// ProcessInstance is the execution record of a single process model instantiation.
type ProcessInstance struct {
	Handle      int64
	ModelHandle int64
	UUID        uuid.UUID
	Name        string
	Owner       Principal
	State       InstanceState
	// Vars holds the msgpack encoded instance variables.
	Vars []byte
	// Live maps node ids to the handles of their non terminal node instances.
	Live map[string]int64
	// Activated maps node ids to the handle of the single node instance created for them.
	Activated map[string]int64
	// Reached maps node ids to true once a node instance for them completed successfully.
	Reached map[string]bool
	Joins   map[string]*JoinState
	// Splits records the successors each split fanned out to.
	Splits   map[string][]string
	EndSeen  bool
	Failure  string
	Created  time.Time
	Modified time.Time
}

// NewProcessInstance creates a process instance record in the New state.
func NewProcessInstance(modelHandle int64, name string, owner Principal, vars []byte) *ProcessInstance {
	now := time.Now()
	return &ProcessInstance{
		ModelHandle: modelHandle,
		UUID:        uuid.New(),
		Name:        name,
		Owner:       owner,
		State:       InstanceStateNew,
		Vars:        vars,
		Live:        make(map[string]int64),
		Activated:   make(map[string]int64),
		Reached:     make(map[string]bool),
		Joins:       make(map[string]*JoinState),
		Splits:      make(map[string][]string),
		Created:     now,
		Modified:    now,
	}
}

// Transition moves the instance to a new state.
func (pi *ProcessInstance) Transition(to InstanceState) error {
	if !pi.State.CanTransition(to) {
		return fmt.Errorf("process instance %d %s -> %s: %w", pi.Handle, pi.State, to, errors2.ErrIllegalTransition)
	}
	pi.State = to
	pi.Modified = time.Now()
	return nil
}

// Join returns the join accounting for a node, creating it when absent.
func (pi *ProcessInstance) Join(id string) *JoinState {
	if pi.Joins == nil {
		pi.Joins = make(map[string]*JoinState)
	}
	js, ok := pi.Joins[id]
	if !ok {
		js = &JoinState{}
		pi.Joins[id] = js
	}
	return js
}

// TaskState is the lifecycle state of a node instance.
type TaskState int

const (
	TaskStateSent         TaskState = iota // TaskStateSent is the initial state of a dispatched node instance.
	TaskStateAcknowledged                  // TaskStateAcknowledged is set when the endpoint accepted the task.
	TaskStateTaken                         // TaskStateTaken is set when a performer claimed the task.
	TaskStateStarted                       // TaskStateStarted is set when a performer began work.
	TaskStateComplete                      // TaskStateComplete is terminal and advances the graph.
	TaskStateFailed                        // TaskStateFailed is terminal and fails the process instance.
	TaskStateCancelled                     // TaskStateCancelled is terminal and ends the branch.
)

var taskStateNames = []string{"Sent", "Acknowledged", "Taken", "Started", "Complete", "Failed", "Cancelled"}

func (s TaskState) String() string {
	if s >= 0 && int(s) < len(taskStateNames) {
		return taskStateNames[s]
	}
	return fmt.Sprintf("TaskState(%d)", int(s))
}

// ParseTaskState converts a task state name into a TaskState.
func ParseTaskState(name string) (TaskState, error) {
	for i, n := range taskStateNames {
		if n == name {
			return TaskState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown task state %q", name)
}

// Terminal reports whether the state is Complete, Failed or Cancelled.
func (s TaskState) Terminal() bool {
	return s == TaskStateComplete || s == TaskStateFailed || s == TaskStateCancelled
}

// CanTransition reports whether a node instance may move from s to to.
// Progress along Sent, Acknowledged, Taken, Started, Complete may skip states.
// Any non terminal state may move to Failed or Cancelled.
func (s TaskState) CanTransition(to TaskState) bool {
	if s.Terminal() || to < TaskStateSent || to > TaskStateCancelled {
		return false
	}
	if to == TaskStateFailed || to == TaskStateCancelled {
		return true
	}
	return to > s
}

// NodeInstance is the execution record of one node of one process instance.
type NodeInstance struct {
	Handle         int64
	InstanceHandle int64
	NodeID         string
	Kind           NodeKind
	State          TaskState
	// Predecessors holds the handles of the node instances that fed this one.
	Predecessors []int64
	Result       []byte
	// Request is the gateway handle of a pending dispatch, zero when none.
	Request  int64
	Failure  string
	Created  time.Time
	Modified time.Time
}

// Transition moves the node instance to a new state, leaving it unchanged when the move is illegal.
func (ni *NodeInstance) Transition(to TaskState) error {
	if !ni.State.CanTransition(to) {
		return fmt.Errorf("node instance %d %s -> %s: %w", ni.Handle, ni.State, to, errors2.ErrIllegalTransition)
	}
	ni.State = to
	ni.Modified = time.Now()
	return nil
}
