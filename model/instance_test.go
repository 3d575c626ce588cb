package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/shar-workflow/taskflow/model"
	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
)

func TestTaskStateTransitions(t *testing.T) {
	tests := map[string]struct {
		from  model.TaskState
		to    model.TaskState
		legal bool
	}{
		"sent to acknowledged":      {model.TaskStateSent, model.TaskStateAcknowledged, true},
		"acknowledged to taken":     {model.TaskStateAcknowledged, model.TaskStateTaken, true},
		"taken to started":          {model.TaskStateTaken, model.TaskStateStarted, true},
		"started to complete":       {model.TaskStateStarted, model.TaskStateComplete, true},
		"sent to taken":             {model.TaskStateSent, model.TaskStateTaken, true},
		"taken to complete":         {model.TaskStateTaken, model.TaskStateComplete, true},
		"sent to failed":            {model.TaskStateSent, model.TaskStateFailed, true},
		"started to cancelled":      {model.TaskStateStarted, model.TaskStateCancelled, true},
		"started to taken":          {model.TaskStateStarted, model.TaskStateTaken, false},
		"sent to sent":              {model.TaskStateSent, model.TaskStateSent, false},
		"complete to complete":      {model.TaskStateComplete, model.TaskStateComplete, false},
		"complete to failed":        {model.TaskStateComplete, model.TaskStateFailed, false},
		"failed to cancelled":       {model.TaskStateFailed, model.TaskStateCancelled, false},
		"cancelled to acknowledged": {model.TaskStateCancelled, model.TaskStateAcknowledged, false},
		"out of range":              {model.TaskStateSent, model.TaskState(99), false},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.legal, tt.from.CanTransition(tt.to))
			ni := &model.NodeInstance{State: tt.from}
			err := ni.Transition(tt.to)
			if tt.legal {
				require.NoError(t, err)
				assert.Equal(t, tt.to, ni.State)
			} else {
				require.ErrorIs(t, err, errors2.ErrIllegalTransition)
				assert.Equal(t, tt.from, ni.State)
			}
		})
	}
}

func TestInstanceStateTransitions(t *testing.T) {
	pi := model.NewProcessInstance(1, "p", "alice", nil)
	assert.Equal(t, model.InstanceStateNew, pi.State)
	require.ErrorIs(t, pi.Transition(model.InstanceStateFinished), errors2.ErrIllegalTransition)
	require.NoError(t, pi.Transition(model.InstanceStateActive))
	require.NoError(t, pi.Transition(model.InstanceStateFinished))
	assert.True(t, pi.State.Terminal())
	require.ErrorIs(t, pi.Transition(model.InstanceStateCancelled), errors2.ErrIllegalTransition)
	assert.Equal(t, model.InstanceStateFinished, pi.State)
}

func TestParseTaskState(t *testing.T) {
	s, err := model.ParseTaskState("Taken")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateTaken, s)
	_, err = model.ParseTaskState("Done")
	assert.Error(t, err)
}

func TestJoinState(t *testing.T) {
	pi := &model.ProcessInstance{}
	js := pi.Join("j")
	js.Add("a", 4)
	assert.True(t, pi.Join("j").Has("a"))
	assert.False(t, pi.Join("j").Has("b"))
	assert.Equal(t, []int64{4}, pi.Join("j").Handles)
}
