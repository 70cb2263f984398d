package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/executor"
	"eve.evalgo.org/workflow"
)

type recordingSink struct {
	mu  sync.Mutex
	all []*NodeInstance
}

func (r *recordingSink) SaveNodeInstance(ctx context.Context, ni *NodeInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, ni)
}

func newTestInterpreter(t *testing.T, executors ...executor.Executor) (*Interpreter, *Scope) {
	t.Helper()
	reg := executor.NewRegistry()
	for _, ex := range executors {
		require.NoError(t, reg.Register(executor.LocalScope, ex))
	}
	scope := NewScope(nil)
	return NewInterpreter(reg, scope, nil, logrus.StandardLogger()), scope
}

func taskNode(id string, dependsOn ...string) workflow.Node {
	return workflow.Node{
		ID:        id,
		Type:      workflow.NodeTask,
		DependsOn: dependsOn,
		Task:      &workflow.TaskSpec{Executor: "ok"},
	}
}

func TestScheduler_RunsLinearChainToCompletion(t *testing.T) {
	ip, _ := newTestInterpreter(t, &incrementExecutor{})
	def := &workflow.Definition{Nodes: []workflow.Node{
		taskNode("a"),
		taskNode("b", "a"),
		taskNode("c", "b"),
	}}
	def.Nodes[0].Task.Executor = "increment"
	def.Nodes[1].Task.Executor = "increment"
	def.Nodes[2].Task.Executor = "increment"

	sch, err := NewScheduler(def, ip, NewInProcessSemaphore(4), 4, logrus.StandardLogger())
	require.NoError(t, err)

	sink := &recordingSink{}
	statuses, err := sch.Run(context.Background(), "inst-1", RootFrame, sink)
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, NodeCompleted, statuses[id])
	}
	assert.GreaterOrEqual(t, len(sink.all), 3)
}

func TestScheduler_DependencyOfFailedNodeNeverRuns(t *testing.T) {
	ip, _ := newTestInterpreter(t, &taskErrorExecutor{}, &incrementExecutor{})
	def := &workflow.Definition{Nodes: []workflow.Node{
		{ID: "a", Type: workflow.NodeTask, Task: &workflow.TaskSpec{Executor: "fails"}},
		{ID: "b", Type: workflow.NodeTask, DependsOn: []string{"a"}, Task: &workflow.TaskSpec{Executor: "increment", Config: map[string]interface{}{"n": 1}}},
	}}

	sch, err := NewScheduler(def, ip, NewInProcessSemaphore(4), 4, logrus.StandardLogger())
	require.NoError(t, err)

	statuses, err := sch.Run(context.Background(), "inst-1", RootFrame, nil)
	require.Error(t, err)
	assert.Equal(t, NodeFailed, statuses["a"])
	assert.NotEqual(t, NodeCompleted, statuses["b"], "a node whose dependency failed must never run")
}

func TestScheduler_BranchSkipsUnchosenArmAndItsDependents(t *testing.T) {
	ip, scope := newTestInterpreter(t, &incrementExecutor{})
	_ = scope.Write(RootFrame, "inputs.flag", false)

	def := &workflow.Definition{Nodes: []workflow.Node{
		{
			ID:   "branch",
			Type: workflow.NodeBranch,
			Branch: &workflow.BranchSpec{
				Arms: []workflow.BranchArm{{When: "${inputs.flag}", NextNodes: []string{"onTrue"}}},
				Else: []string{"onFalse"},
			},
		},
		{ID: "onTrue", Type: workflow.NodeTask, DependsOn: []string{"branch"}, Task: &workflow.TaskSpec{Executor: "increment", Config: map[string]interface{}{"n": 1}}},
		{ID: "onFalse", Type: workflow.NodeTask, DependsOn: []string{"branch"}, Task: &workflow.TaskSpec{Executor: "increment", Config: map[string]interface{}{"n": 2}}},
		{ID: "after", Type: workflow.NodeTask, DependsOn: []string{"onTrue"}, Task: &workflow.TaskSpec{Executor: "increment", Config: map[string]interface{}{"n": 3}}},
	}}

	sch, err := NewScheduler(def, ip, NewInProcessSemaphore(4), 4, logrus.StandardLogger())
	require.NoError(t, err)

	statuses, err := sch.Run(context.Background(), "inst-1", RootFrame, nil)
	require.NoError(t, err)
	assert.Equal(t, NodeCompleted, statuses["branch"])
	assert.Equal(t, NodeSkipped, statuses["onTrue"])
	assert.Equal(t, NodeCompleted, statuses["onFalse"])
	assert.Equal(t, NodeSkipped, statuses["after"], "a node depending only on a skipped node must itself be skipped")
}

func TestScheduler_NodeRunsWhenOnlySomeDependenciesSkipped(t *testing.T) {
	ip, scope := newTestInterpreter(t, &incrementExecutor{})
	_ = scope.Write(RootFrame, "inputs.flag", false)

	def := &workflow.Definition{Nodes: []workflow.Node{
		{
			ID:   "branch",
			Type: workflow.NodeBranch,
			Branch: &workflow.BranchSpec{
				Arms: []workflow.BranchArm{{When: "${inputs.flag}", NextNodes: []string{"onTrue"}}},
				Else: []string{"onFalse"},
			},
		},
		{ID: "onTrue", Type: workflow.NodeTask, DependsOn: []string{"branch"}, Task: &workflow.TaskSpec{Executor: "increment", Config: map[string]interface{}{"n": 1}}},
		{ID: "onFalse", Type: workflow.NodeTask, DependsOn: []string{"branch"}, Task: &workflow.TaskSpec{Executor: "increment", Config: map[string]interface{}{"n": 2}}},
		// "after" depends on both the skipped arm and the completed arm: it
		// must still run since not every dependency was skipped.
		{ID: "after", Type: workflow.NodeTask, DependsOn: []string{"onTrue", "onFalse"}, Task: &workflow.TaskSpec{Executor: "increment", Config: map[string]interface{}{"n": 3}}},
	}}

	sch, err := NewScheduler(def, ip, NewInProcessSemaphore(4), 4, logrus.StandardLogger())
	require.NoError(t, err)

	statuses, err := sch.Run(context.Background(), "inst-1", RootFrame, nil)
	require.NoError(t, err)
	assert.Equal(t, NodeSkipped, statuses["onTrue"])
	assert.Equal(t, NodeCompleted, statuses["onFalse"])
	assert.Equal(t, NodeCompleted, statuses["after"], "a node with at least one completed dependency must run even if a sibling dependency was skipped")
}

func TestOrderByDepth_SortsAscendingThenByDefinitionOrder(t *testing.T) {
	nodes := []workflow.Node{{ID: "z"}, {ID: "a"}, {ID: "m"}}
	depth := map[string]int{"z": 1, "a": 0, "m": 1}
	orderByDepth(nodes, depth)
	ids := []string{nodes[0].ID, nodes[1].ID, nodes[2].ID}
	assert.Equal(t, []string{"a", "z", "m"}, ids)
}

func TestReadyToRun_PropagatesSkipFromDependency(t *testing.T) {
	statuses := map[string]*nodeState{
		"dep": {status: NodeSkipped},
	}
	skipSet := map[string]bool{}
	n := workflow.Node{ID: "child", DependsOn: []string{"dep"}}
	assert.True(t, readyToRun(n, statuses, skipSet))
	assert.True(t, skipSet["child"])
}

func TestReadyToRun_RunsWhenOneDependencyCompletedAndAnotherSkipped(t *testing.T) {
	statuses := map[string]*nodeState{
		"completed": {status: NodeCompleted},
		"skipped":   {status: NodeSkipped},
	}
	skipSet := map[string]bool{}
	n := workflow.Node{ID: "child", DependsOn: []string{"completed", "skipped"}}
	assert.True(t, readyToRun(n, statuses, skipSet))
	assert.False(t, skipSet["child"], "a node with at least one completed dependency must run, not skip")
}

func TestReadyToRun_FalseWhenDependencyStillPending(t *testing.T) {
	statuses := map[string]*nodeState{
		"dep": {status: NodeRunning},
	}
	n := workflow.Node{ID: "child", DependsOn: []string{"dep"}}
	assert.False(t, readyToRun(n, statuses, map[string]bool{}))
}
