package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"eve.evalgo.org/engineerr"
	"eve.evalgo.org/graph"
	"eve.evalgo.org/workflow"
)

// NodeInstanceSink is called by the Scheduler every time a node instance
// changes state, so the caller (the Engine Loop) can persist it and emit
// events without the Scheduler depending on db.Store directly.
type NodeInstanceSink interface {
	SaveNodeInstance(ctx context.Context, ni *NodeInstance)
}

// Scheduler drives one WorkflowInstance's top-level node graph to
// completion: a ready queue ordered by dependency depth (ties broken by
// definition order, per §4.6), dispatched onto a bounded worker pool that
// additionally respects the engine-wide inflight Semaphore (§5), grounded
// on the teacher's worker/pool.go Pool/Worker split.
type Scheduler struct {
	def         *workflow.Definition
	interp      *Interpreter
	sem         Semaphore
	concurrency int
	sink        NodeInstanceSink
	log         logrus.FieldLogger

	depth map[string]int
	deps  map[string][]string // nodeID -> ids it depends on (its DependsOn list)
}

// NewScheduler validates def's DAG shape and returns a Scheduler ready to
// run instances of it. concurrency bounds how many top-level nodes this one
// Run call may have in flight at once, independent of the engine-wide
// Semaphore which bounds the same thing across every instance.
func NewScheduler(def *workflow.Definition, interp *Interpreter, sem Semaphore, concurrency int, log logrus.FieldLogger) (*Scheduler, error) {
	ids := make([]string, 0, len(def.Nodes))
	var edges []workflow.Edge
	deps := make(map[string][]string, len(def.Nodes))

	for _, n := range def.Nodes {
		ids = append(ids, n.ID)
		deps[n.ID] = append(deps[n.ID], n.DependsOn...)
		for _, dep := range n.DependsOn {
			edges = append(edges, workflow.Edge{From: n.ID, To: dep})
		}
	}

	if err := graph.ValidateDAG(ids, edges); err != nil {
		return nil, err
	}
	depth, err := graph.Depth(ids, edges)
	if err != nil {
		return nil, err
	}

	if concurrency < 1 {
		concurrency = len(def.Nodes)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Scheduler{def: def, interp: interp, sem: sem, concurrency: concurrency, log: log, depth: depth, deps: deps}, nil
}

type nodeState struct {
	status NodeStatus
	mu     sync.Mutex
}

// Run drives every node in def to a terminal status, returning the final
// per-node status map. It returns the first node failure once no further
// progress is possible; nodes already dispatched at that point are allowed
// to finish (their results are still recorded) but no new node is started.
func (sch *Scheduler) Run(ctx context.Context, instanceID string, rootFrame int, sink NodeInstanceSink) (map[string]NodeStatus, error) {
	statuses := make(map[string]*nodeState, len(sch.def.Nodes))
	skipSet := make(map[string]bool)
	for _, n := range sch.def.Nodes {
		statuses[n.ID] = &nodeState{status: NodeWaiting}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	var firstErr error
	pool := make(chan struct{}, sch.concurrency)

	dispatch := func(node workflow.Node) {
		defer wg.Done()

		release, err := sch.sem.Acquire(ctx)
		if err != nil {
			mu.Lock()
			statuses[node.ID].status = NodeFailed
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			return
		}
		defer release()

		started := time.Now()
		ni := &NodeInstance{ID: newNodeInstanceID(), WorkflowInstanceID: instanceID, NodeID: node.ID, Status: NodeRunning, StartedAt: &started}
		if sink != nil {
			sink.SaveNodeInstance(ctx, ni)
		}

		outcome, err := sch.interp.Execute(ctx, instanceID, &node, rootFrame)
		finished := time.Now()
		ni.FinishedAt = &finished

		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			statuses[node.ID].status = NodeFailed
			kind := "ExecutorError"
			if e, ok := err.(*engineerr.Error); ok {
				kind = string(e.Kind)
			}
			ni.Status = NodeFailed
			ni.Error = &NodeError{Kind: kind, Message: err.Error(), Retryable: engineerr.Retryable(err)}
			if firstErr == nil {
				firstErr = err
			}
		} else {
			statuses[node.ID].status = NodeCompleted
			ni.Status = NodeCompleted
			ni.Output = outcome.Output
			// A branch's unchosen arms are marked here; the chosen arm needs no
			// special handling since its nodes already depend on this one via
			// DependsOn and become ready through the normal readiness check.
			for _, id := range outcome.SkippedNodeIDs {
				skipSet[id] = true
			}
		}
		if sink != nil {
			sink.SaveNodeInstance(ctx, ni)
		}
	}

	for {
		mu.Lock()
		var ready []workflow.Node
		allTerminal := true
		for _, n := range sch.def.Nodes {
			st := statuses[n.ID]
			if st.status == NodeWaiting {
				allTerminal = false
				if firstErr != nil || !readyToRun(n, statuses, skipSet) {
					continue // a node has failed, or a dependency has not yet reached a terminal status
				}
				// readyToRun may have just discovered (via a dependency that was
				// itself skipped earlier in this same pass) that n must skip too;
				// check skipSet after the call, not before, so that discovery
				// takes effect immediately rather than one pass late.
				if skipSet[n.ID] {
					st.status = NodeSkipped
				} else {
					st.status = NodeReady
					ready = append(ready, n)
				}
			} else if !st.status.IsTerminal() {
				allTerminal = false
			}
		}
		stop := firstErr != nil && len(ready) == 0
		mu.Unlock()

		if len(ready) == 0 {
			if allTerminal || stop {
				break
			}
			// Nothing ready yet but work remains in flight; wait for it.
			wg.Wait()
			continue
		}

		orderByDepth(ready, sch.depth)
		for _, n := range ready {
			node := n
			wg.Add(1)
			pool <- struct{}{}
			go func() {
				defer func() { <-pool }()
				dispatch(node)
			}()
		}
	}

	wg.Wait()

	out := make(map[string]NodeStatus, len(statuses))
	for id, st := range statuses {
		out[id] = st.status
	}
	return out, firstErr
}

// readyToRun reports whether every dependency of n is terminal and none
// failed. n is only skipped (via skipSet) when none of its dependencies
// reached NodeCompleted — a node with at least one completed dependency
// still runs even if a sibling dependency was skipped.
func readyToRun(n workflow.Node, statuses map[string]*nodeState, skipSet map[string]bool) bool {
	completed, skipped := 0, 0
	for _, dep := range n.DependsOn {
		st, ok := statuses[dep]
		if !ok {
			return false
		}
		switch st.status {
		case NodeCompleted:
			completed++
		case NodeSkipped:
			skipped++
		default:
			return false
		}
	}
	if skipped > 0 && completed == 0 {
		skipSet[n.ID] = true
	}
	return true
}

// orderByDepth sorts ready nodes by ascending dependency depth, breaking
// ties by their original definition-order index (§4.6).
func orderByDepth(ready []workflow.Node, depth map[string]int) {
	idx := make(map[string]int, len(ready))
	for i, n := range ready {
		idx[n.ID] = i
	}
	for i := 1; i < len(ready); i++ {
		for j := i; j > 0; j-- {
			a, b := ready[j-1], ready[j]
			if depth[a.ID] > depth[b.ID] || (depth[a.ID] == depth[b.ID] && idx[a.ID] > idx[b.ID]) {
				ready[j-1], ready[j] = ready[j], ready[j-1]
				idx[a.ID], idx[b.ID] = idx[b.ID], idx[a.ID]
			} else {
				break
			}
		}
	}
}
