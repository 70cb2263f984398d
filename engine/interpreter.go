package engine

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"eve.evalgo.org/engineerr"
	"eve.evalgo.org/executor"
	"eve.evalgo.org/workflow"
)

// NodeOutcome is what running one node (possibly a composite Parallel/Loop/
// Branch node) produces. ActivatedNodeIDs/SkippedNodeIDs are populated only
// for Branch nodes (§4.5: "exactly one arm's NextNodes become ready; every
// other arm's NextNodes, and anything reachable only through them, are
// marked skipped").
type NodeOutcome struct {
	Output           interface{}
	ActivatedNodeIDs []string
	SkippedNodeIDs   []string
}

// SubWorkflowRunner resolves and drives a nested workflow instance to
// completion, returning its output mapping. The Interpreter only knows how
// to reach this seam; the Engine Loop supplies the implementation so a
// sub-workflow runs under the same lease/scheduler machinery as its parent
// (§4.5's SubWorkflow variant).
type SubWorkflowRunner interface {
	RunSubWorkflow(ctx context.Context, ref workflow.Ref, inputs map[string]interface{}) (map[string]interface{}, error)
}

// Interpreter executes one node's semantics: resolving its config, calling
// an executor, branching, fanning out a Parallel or Loop body, or invoking
// a nested workflow. It holds no instance-level state of its own; the
// Scheduler supplies ctx/frame per call and persists the resulting
// NodeInstance (§4.5, §4.6).
type Interpreter struct {
	Registry    *executor.Registry
	Scope       *Scope
	SubWorkflow SubWorkflowRunner
	Log         logrus.FieldLogger
}

// NewInterpreter builds an Interpreter bound to one instance's scope and
// executor registry.
func NewInterpreter(reg *executor.Registry, scope *Scope, sub SubWorkflowRunner, log logrus.FieldLogger) *Interpreter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Interpreter{Registry: reg, Scope: scope, SubWorkflow: sub, Log: log}
}

// Execute dispatches node according to its Type. frame is the scope frame
// node's config/conditions are resolved against; Task nodes write their
// output to nodes.<id>.output within frame.
func (ip *Interpreter) Execute(ctx context.Context, instanceID string, node *workflow.Node, frame int) (*NodeOutcome, error) {
	switch node.Type {
	case workflow.NodeTask:
		out, err := ip.runTask(ctx, instanceID, node, frame, 1)
		if err != nil {
			return nil, err
		}
		return &NodeOutcome{Output: out}, nil
	case workflow.NodeBranch:
		return ip.runBranch(node, frame)
	case workflow.NodeParallel:
		out, err := ip.runParallel(ctx, instanceID, node, frame)
		if err != nil {
			return nil, err
		}
		return &NodeOutcome{Output: out}, nil
	case workflow.NodeLoopStatic:
		out, err := ip.runLoopStatic(ctx, instanceID, node, frame)
		if err != nil {
			return nil, err
		}
		return &NodeOutcome{Output: out}, nil
	case workflow.NodeLoopDynamic:
		out, err := ip.runLoopDynamic(ctx, instanceID, node, frame)
		if err != nil {
			return nil, err
		}
		return &NodeOutcome{Output: out}, nil
	case workflow.NodeSubWorkflow:
		out, err := ip.runSubWorkflow(ctx, node, frame)
		if err != nil {
			return nil, err
		}
		return &NodeOutcome{Output: out}, nil
	default:
		return nil, engineerr.Validation("unknown node type %q on node %q", node.Type, node.ID)
	}
}

// runTask resolves the task's config and dispatches to its named executor,
// retrying per node.Retry's ladder when the failure is classified
// retryable, and enforcing node.TimeoutMs as a per-attempt deadline (§4.5:
// "timeout applies per attempt, not to the node as a whole; a retried
// attempt gets a fresh clock").
func (ip *Interpreter) runTask(ctx context.Context, instanceID string, node *workflow.Node, frame int, _ int) (interface{}, error) {
	ex, _, err := ip.Registry.Resolve(node.Task.Executor)
	if err != nil {
		return nil, err
	}

	var policy workflow.RetryPolicy
	if node.Retry != nil {
		policy = *node.Retry
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resolvedConfig, err := ResolveConfig(node.Task.Config, ip.Scope, frame)
		if err != nil {
			return nil, err
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if node.TimeoutMs > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(node.TimeoutMs)*time.Millisecond)
		}

		ec := &executor.ExecutionContext{
			InstanceID: instanceID,
			NodeID:     node.ID,
			Attempt:    attempt,
			Config:     resolvedConfig,
			Logger:     ip.Log.WithFields(logrus.Fields{"instanceId": instanceID, "nodeId": node.ID, "attempt": attempt}),
			StartTime:  time.Now(),
		}

		result, execErr := ex.Execute(attemptCtx, ec)
		if cancel != nil {
			cancel()
		}

		if execErr == nil {
			if err := ip.Scope.WriteNodeOutput(frame, node.ID, result.Output); err != nil {
				return nil, engineerr.Validation("failed to write output for node %q: %v", node.ID, err)
			}
			return result.Output, nil
		}

		lastErr = classifyExecutorError(execErr, attemptCtx, ctx)
		if !engineerr.Retryable(lastErr) || attempt == maxAttempts {
			return nil, lastErr
		}

		delay := backoffDelay(policy, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, engineerr.Timeout("node %q cancelled while waiting to retry: %v", node.ID, ctx.Err())
		}
	}
	return nil, lastErr
}

// classifyExecutorError folds an executor.TaskError's retryable flag and a
// context deadline/cancellation into the shared engineerr taxonomy.
func classifyExecutorError(err error, attemptCtx, parentCtx context.Context) error {
	if parentCtx.Err() != nil {
		return engineerr.Timeout("node cancelled: %v", parentCtx.Err())
	}
	if attemptCtx.Err() != nil {
		return engineerr.Timeout("node attempt timed out: %v", attemptCtx.Err())
	}
	if te, ok := err.(*executor.TaskError); ok {
		return engineerr.Executor(te.Retryable, "%s", te.Message)
	}
	return engineerr.Executor(true, "%v", err)
}

// backoffDelay computes attempt N's wait per the RetryPolicy's exponential
// backoff with jitter (§4.5: "delay = base * multiplier^(attempt-1),
// perturbed by up to +/- jitterFraction so a thundering herd of retries
// from the same failure doesn't re-collide").
func backoffDelay(policy workflow.RetryPolicy, attempt int) time.Duration {
	base := float64(policy.BaseDelayMs)
	if base <= 0 {
		base = 100
	}
	mult := policy.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= mult
	}
	if policy.JitterFraction > 0 {
		jitter := delay * policy.JitterFraction
		delay = delay - jitter + rand.Float64()*2*jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay) * time.Millisecond
}

// truthy coerces a resolved branch condition value to bool per common
// template-language convention: explicit booleans pass through; zero
// numbers, empty strings, nil, and empty collections are false.
func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}

// runBranch evaluates each arm's When expression in order and returns the
// first match's NextNodes as activated; every other arm's NextNodes (and
// Else's, if a match was found) are returned as skipped (§4.5).
func (ip *Interpreter) runBranch(node *workflow.Node, frame int) (*NodeOutcome, error) {
	spec := node.Branch
	var activated []string
	var skipped []string
	matched := false

	for _, arm := range spec.Arms {
		if matched {
			skipped = append(skipped, arm.NextNodes...)
			continue
		}
		val, err := Resolve(arm.When, ip.Scope, frame)
		if err != nil {
			return nil, err
		}
		if truthy(val) {
			activated = append(activated, arm.NextNodes...)
			matched = true
		} else {
			skipped = append(skipped, arm.NextNodes...)
		}
	}

	if matched {
		skipped = append(skipped, spec.Else...)
	} else {
		activated = append(activated, spec.Else...)
	}

	return &NodeOutcome{ActivatedNodeIDs: activated, SkippedNodeIDs: skipped}, nil
}

// runParallel fans node.Parallel.Nodes out into a bounded worker pool, each
// child running in its own child frame so concurrent writes never collide,
// and joins per JoinType (§4.5: all waits for every child; any returns on
// the first child to succeed and race on the first child to finish either
// way, both cancelling the rest).
func (ip *Interpreter) runParallel(ctx context.Context, instanceID string, node *workflow.Node, frame int) (interface{}, error) {
	spec := node.Parallel
	maxConcurrency := spec.MaxConcurrency
	if maxConcurrency < 1 {
		maxConcurrency = len(spec.Nodes)
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type childResult struct {
		nodeID string
		output interface{}
		err    error
	}

	sem := make(chan struct{}, maxConcurrency)
	results := make(chan childResult, len(spec.Nodes))

	for i := range spec.Nodes {
		child := spec.Nodes[i]
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			childFrame := ip.Scope.NewChildFrame(frame, nil)
			outcome, err := ip.Execute(childCtx, instanceID, &child, childFrame)
			if err != nil {
				results <- childResult{nodeID: child.ID, err: err}
				return
			}
			results <- childResult{nodeID: child.ID, output: outcome.Output}
		}()
	}

	outputs := make(map[string]interface{}, len(spec.Nodes))
	var firstErr error
	completed := 0

	for completed < len(spec.Nodes) {
		r := <-results
		completed++
		if r.err != nil {
			if spec.ErrorHandling == workflow.ErrorFailFast && firstErr == nil {
				firstErr = r.err
				cancel()
			} else if firstErr == nil {
				firstErr = r.err
			}
		} else {
			outputs[r.nodeID] = r.output
		}

		switch spec.JoinType {
		case workflow.JoinAny:
			if r.err == nil {
				cancel()
				return outputs, nil
			}
		case workflow.JoinRace:
			cancel()
			return outputs, r.err
		}
	}

	if spec.JoinType == workflow.JoinAll && firstErr != nil && spec.ErrorHandling == workflow.ErrorFailFast {
		return nil, firstErr
	}
	if spec.JoinType == workflow.JoinAny && firstErr != nil {
		return nil, firstErr
	}
	return outputs, nil
}

// runLoopStatic runs node.LoopStatic.Nodes once per iteration (0..Iterations-1),
// each iteration in its own child frame seeded with an index binding, bounded
// by MaxConcurrency. Like runParallel and runLoopDynamic, it cancels a
// derived child context on the first iteration failure so in-flight
// iterations stop writing into the shared Scope once the node is failed.
func (ip *Interpreter) runLoopStatic(ctx context.Context, instanceID string, node *workflow.Node, frame int) (interface{}, error) {
	spec := node.LoopStatic
	maxConcurrency := spec.MaxConcurrency
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, maxConcurrency)
	errCh := make(chan error, spec.Iterations)

	for i := 0; i < spec.Iterations; i++ {
		iteration := i
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			iterFrame := ip.Scope.NewChildFrame(frame, map[string]interface{}{"index": iteration})
			var iterErr error
			for j := range spec.Nodes {
				child := spec.Nodes[j]
				if _, err := ip.Execute(childCtx, instanceID, &child, iterFrame); err != nil {
					iterErr = err
					break
				}
			}
			if iterErr == nil {
				if v, ok := ip.Scope.Resolve(iterFrame, "nodes"); ok {
					_ = ip.Scope.WriteLoopResult(frame, node.ID, iteration, spec.Iterations, v)
				}
			}
			errCh <- iterErr
		}()
	}

	for i := 0; i < spec.Iterations; i++ {
		if err := <-errCh; err != nil {
			cancel()
			return nil, err
		}
	}

	val, _ := ip.Scope.Resolve(frame, fmt.Sprintf("loops.%s.results", node.ID))
	return val, nil
}

// runLoopDynamic resolves SourceExpression to a slice whose length is
// decided at run time, then runs one instantiation of TaskTemplate per
// element, writing into an index-addressed results slot so the Open
// Question on result ordering (pinned in SPEC_FULL.md/DESIGN.md) holds
// under maxConcurrency > 1.
func (ip *Interpreter) runLoopDynamic(ctx context.Context, instanceID string, node *workflow.Node, frame int) (interface{}, error) {
	spec := node.LoopDynamic

	source, err := Resolve(spec.SourceExpression, ip.Scope, frame)
	if err != nil {
		return nil, err
	}
	items, ok := source.([]interface{})
	if !ok {
		return nil, engineerr.Validation("loop %q source expression did not resolve to an array", node.ID)
	}

	maxConcurrency := spec.MaxConcurrency
	if maxConcurrency < 1 {
		maxConcurrency = len(items)
	}
	if maxConcurrency < 1 {
		return []interface{}{}, nil
	}

	sem := make(chan struct{}, maxConcurrency)
	errCh := make(chan error, len(items))
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := range items {
		index := i
		item := items[i]
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			iterFrame := ip.Scope.NewChildFrame(frame, map[string]interface{}{"item": item, "index": index})
			taskNode := *spec.TaskTemplate
			taskNode.ID = fmt.Sprintf("%s[%d]", node.ID, index)

			out, err := ip.runTask(childCtx, instanceID, &taskNode, iterFrame, 1)
			if err != nil {
				if spec.ErrorHandling == workflow.ErrorFailFast {
					cancel()
				}
				errCh <- err
				return
			}
			if werr := ip.Scope.WriteLoopResult(frame, node.ID, index, len(items), out); werr != nil {
				errCh <- engineerr.Validation("failed to record loop result: %v", werr)
				return
			}
			errCh <- nil
		}()
	}

	var firstErr error
	for range items {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil && spec.ErrorHandling == workflow.ErrorFailFast {
		return nil, firstErr
	}

	val, _ := ip.Scope.Resolve(frame, fmt.Sprintf("loops.%s.results", node.ID))
	return val, nil
}

// runSubWorkflow resolves InputMapping against frame and delegates to the
// engine-supplied SubWorkflowRunner, which drives the nested instance under
// the same lease/scheduler machinery as its parent.
func (ip *Interpreter) runSubWorkflow(ctx context.Context, node *workflow.Node, frame int) (interface{}, error) {
	if ip.SubWorkflow == nil {
		return nil, engineerr.Validation("node %q is a sub-workflow but no SubWorkflowRunner is configured", node.ID)
	}
	spec := node.SubWorkflow

	resolvedInputs, err := ResolveConfig(spec.InputMapping, ip.Scope, frame)
	if err != nil {
		return nil, err
	}

	ref := workflow.Ref{Name: spec.DefinitionName, Version: spec.DefinitionVersion}
	out, err := ip.SubWorkflow.RunSubWorkflow(ctx, ref, resolvedInputs)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// newNodeInstanceID generates a fresh NodeInstance identifier; iterationKey
// disambiguates repeated executions of the same node id across loop/parallel
// expansions.
func newNodeInstanceID() string {
	return uuid.NewString()
}
