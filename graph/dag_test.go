package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/workflow"
)

// Edge{From: a, To: b} reads "a depends on b", per Edge's own doc comment.

func TestValidateDAG_AcceptsAcyclicGraph(t *testing.T) {
	ids := []string{"a", "b", "c"}
	edges := []workflow.Edge{{From: "b", To: "a"}, {From: "c", To: "b"}}
	assert.NoError(t, ValidateDAG(ids, edges))
}

func TestValidateDAG_RejectsCycle(t *testing.T) {
	ids := []string{"a", "b", "c"}
	edges := []workflow.Edge{{From: "a", To: "b"}, {From: "b", To: "c"}, {From: "c", To: "a"}}
	assert.Error(t, ValidateDAG(ids, edges))
}

func TestValidateDAG_RejectsUnknownDependency(t *testing.T) {
	ids := []string{"a"}
	edges := []workflow.Edge{{From: "a", To: "ghost"}}
	assert.Error(t, ValidateDAG(ids, edges))
}

func TestExecutionOrder_RootsBeforeDependents(t *testing.T) {
	// c depends on b, b depends on a: a must come before b, b before c.
	ids := []string{"c", "b", "a"}
	edges := []workflow.Edge{{From: "c", To: "b"}, {From: "b", To: "a"}}
	order, err := ExecutionOrder(ids, edges)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestExecutionOrder_TiesBrokenByInputOrder(t *testing.T) {
	// Both b and c are roots (no dependencies); input order is b, c, a
	// where a depends on nothing either, so all three are roots in
	// definition order.
	ids := []string{"b", "c", "a"}
	var edges []workflow.Edge
	order, err := ExecutionOrder(ids, edges)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, order)
}

func TestExecutionOrder_DetectsCycle(t *testing.T) {
	ids := []string{"a", "b"}
	edges := []workflow.Edge{{From: "a", To: "b"}, {From: "b", To: "a"}}
	_, err := ExecutionOrder(ids, edges)
	assert.Error(t, err)
}

func TestDepth_RootsAreZeroAndDependentsIncrease(t *testing.T) {
	// a has no deps (depth 0); b depends on a (depth 1); c depends on b
	// (depth 2).
	ids := []string{"a", "b", "c"}
	edges := []workflow.Edge{{From: "b", To: "a"}, {From: "c", To: "b"}}
	depth, err := Depth(ids, edges)
	require.NoError(t, err)
	assert.Equal(t, 0, depth["a"])
	assert.Equal(t, 1, depth["b"])
	assert.Equal(t, 2, depth["c"])
}

func TestDepth_TakesLongestChainAmongMultipleDependencies(t *testing.T) {
	// d depends on both b (depth 1, via a) and c (depth 0, a root), so d's
	// depth must be driven by the longer chain through b, not the shorter
	// one through c.
	ids := []string{"a", "b", "c", "d"}
	edges := []workflow.Edge{
		{From: "b", To: "a"},
		{From: "d", To: "b"},
		{From: "d", To: "c"},
	}
	depth, err := Depth(ids, edges)
	require.NoError(t, err)
	assert.Equal(t, 0, depth["a"])
	assert.Equal(t, 0, depth["c"])
	assert.Equal(t, 1, depth["b"])
	assert.Equal(t, 2, depth["d"])
}

func TestValidateDefinition_FlattensInlineNodesBeforeChecking(t *testing.T) {
	def := &workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "root", Type: workflow.NodeTask, Task: &workflow.TaskSpec{Executor: "noop"}},
			{
				ID:   "fanout",
				Type: workflow.NodeParallel,
				Parallel: &workflow.ParallelSpec{Nodes: []workflow.Node{
					{ID: "branch-a", Type: workflow.NodeTask, Task: &workflow.TaskSpec{Executor: "noop"}, DependsOn: []string{"root"}},
				}},
			},
		},
	}
	assert.NoError(t, ValidateDefinition(def))
}
