package engine

import "eve.evalgo.org/engineerr"

// instanceTransitions enumerates the legal WorkflowInstance status edges of
// §4.7. Terminal states (completed, failed, cancelled) have no outgoing
// edges.
var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstancePending:   {InstanceRunning, InstanceFailed, InstanceCancelled},
	InstanceRunning:   {InstancePaused, InstanceCompleted, InstanceFailed, InstanceCancelled},
	InstancePaused:    {InstanceRunning, InstanceCancelled},
}

// CanTransitionTo reports whether moving from s to target is a legal
// WorkflowInstance transition.
func (s InstanceStatus) CanTransitionTo(target InstanceStatus) bool {
	for _, allowed := range instanceTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Transition validates and applies a status change to inst, returning a
// ConflictError if the edge is not legal from the instance's current
// status (§4.7: "an illegal transition, e.g. resuming a completed
// instance, is rejected rather than silently coerced").
func Transition(inst *Instance, target InstanceStatus) error {
	if !inst.Status.CanTransitionTo(target) {
		return engineerr.Conflict("cannot transition workflow instance %q from %q to %q", inst.ID, inst.Status, target)
	}
	inst.Status = target
	return nil
}

// nodeTransitions enumerates the legal NodeInstance status edges of §4.7.
// A failed node with a remaining retry attempt moves back to ready rather
// than staying failed; the interpreter, not this table, decides whether
// retries remain.
var nodeTransitions = map[NodeStatus][]NodeStatus{
	NodeWaiting:   {NodeReady, NodeSkipped, NodeCancelled},
	NodeReady:     {NodeRunning, NodeSkipped, NodeCancelled},
	NodeRunning:   {NodeCompleted, NodeFailed, NodeCancelled},
	NodeFailed:    {NodeReady}, // retried
}

// CanTransitionTo reports whether moving from s to target is a legal
// NodeInstance transition.
func (s NodeStatus) CanTransitionTo(target NodeStatus) bool {
	for _, allowed := range nodeTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// TransitionNode validates and applies a status change to ni.
func TransitionNode(ni *NodeInstance, target NodeStatus) error {
	if !ni.Status.CanTransitionTo(target) {
		return engineerr.Conflict("cannot transition node instance %q from %q to %q", ni.ID, ni.Status, target)
	}
	ni.Status = target
	return nil
}
