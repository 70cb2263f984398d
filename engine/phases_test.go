package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/engineerr"
)

func TestTransition_LegalEdgesSucceed(t *testing.T) {
	inst := &Instance{ID: "inst-1", Status: InstancePending}
	require.NoError(t, Transition(inst, InstanceRunning))
	assert.Equal(t, InstanceRunning, inst.Status)

	require.NoError(t, Transition(inst, InstancePaused))
	assert.Equal(t, InstancePaused, inst.Status)

	require.NoError(t, Transition(inst, InstanceRunning))
	require.NoError(t, Transition(inst, InstanceCompleted))
	assert.True(t, inst.Status.IsTerminal())
}

func TestTransition_RejectsIllegalEdge(t *testing.T) {
	inst := &Instance{ID: "inst-1", Status: InstanceCompleted}
	err := Transition(inst, InstanceRunning)
	require.Error(t, err)
	assert.True(t, engineerr.IsKind(err, engineerr.KindConflict))
	assert.Equal(t, InstanceCompleted, inst.Status, "a rejected transition must not mutate the instance")
}

func TestTransition_TerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for _, terminal := range []InstanceStatus{InstanceCompleted, InstanceFailed, InstanceCancelled} {
		for _, target := range []InstanceStatus{InstancePending, InstanceRunning, InstancePaused, InstanceCompleted, InstanceFailed, InstanceCancelled} {
			assert.False(t, terminal.CanTransitionTo(target), "%s must not transition to %s", terminal, target)
		}
	}
}

func TestTransitionNode_FailedNodeCanReturnToReadyForRetry(t *testing.T) {
	ni := &NodeInstance{ID: "ni-1", Status: NodeFailed}
	require.NoError(t, TransitionNode(ni, NodeReady))
	assert.Equal(t, NodeReady, ni.Status)
}

func TestTransitionNode_RejectsSkipFromRunning(t *testing.T) {
	ni := &NodeInstance{ID: "ni-1", Status: NodeRunning}
	err := TransitionNode(ni, NodeSkipped)
	require.Error(t, err)
	assert.True(t, engineerr.IsKind(err, engineerr.KindConflict))
}
