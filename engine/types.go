// Package engine implements the runtime half of the workflow execution
// engine: variable scopes, template resolution, the executor dispatch
// loop, the lease-backed instance lifecycle, and the scheduler that drives
// one instance's graph to completion.
package engine

import (
	"time"

	"eve.evalgo.org/workflow"
)

// InstanceStatus is the WorkflowInstance status machine of §4.7.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstancePaused    InstanceStatus = "paused"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether status is one of the absorbing states.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceCancelled:
		return true
	default:
		return false
	}
}

// NodeStatus is the NodeInstance status machine of §4.7.
type NodeStatus string

const (
	NodeWaiting   NodeStatus = "waiting"
	NodeReady     NodeStatus = "ready"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// IsTerminal reports whether a node will not transition further on its own.
// A failed node with remaining retries is handled separately by the
// interpreter (it re-enters ready); as a bare status value "failed" is
// terminal only once retries are exhausted.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	default:
		return false
	}
}

// PauseReason distinguishes a user-initiated pause from a reclaim by the
// Maintenance Worker after a lease went stale (§4.4 step 4).
type PauseReason string

const (
	PauseUser      PauseReason = "user"
	PauseOwnerLost PauseReason = "ownerLost"
)

// Instance is one execution of a Definition.
type Instance struct {
	ID              string
	Definition      workflow.Ref
	Status          InstanceStatus
	InputData       map[string]interface{}
	ContextData     map[string]interface{} // serialized root scope frame
	CurrentNodeID   string
	RetryCount      int
	MaxRetries      int
	LeaseOwner      string
	LastHeartbeatAt *time.Time
	Priority        int
	ExternalID      string
	PauseReason     PauseReason
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// Failure projection (§7 user-visible failure shape).
	FailedNodeID    string
	FailedAttempt   int
	ErrorKind       string
	ErrorMessage    string
	RecoverableHint bool
}

// NodeInstance is one execution of one node in one instance.
type NodeInstance struct {
	ID                 string
	WorkflowInstanceID  string
	NodeID              string
	IterationKey        string // identifies the loop/parallel expansion path; empty for non-loop nodes
	Status              NodeStatus
	Attempt             int
	StartedAt           *time.Time
	FinishedAt          *time.Time
	InputSnapshot       map[string]interface{}
	Output              interface{}
	Error               *NodeError
}

// NodeError is the terminal or in-flight error recorded against an attempt.
type NodeError struct {
	Kind      string
	Message   string
	Retryable bool
}

// Lease records which engine id currently drives an instance.
type Lease struct {
	InstanceID      string
	OwnerID         string
	AcquiredAt      time.Time
	LastHeartbeatAt time.Time
	ExpiresAt       time.Time
}

// Expired reports whether the lease can no longer be considered live as of
// now.
func (l *Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Event is one append-only audit record.
type Event struct {
	ID         string
	InstanceID string
	NodeID     string // empty when the event is instance-scoped
	Kind       string
	Payload    map[string]interface{}
	Ts         time.Time
}

// Common event kinds. The engine loop emits the instance.* kinds; the
// node.*, lease.* and owner.* kinds are declared but nothing in the module
// emits them.
const (
	EventInstanceCreated   = "instance.created"
	EventInstanceStarted   = "instance.started"
	EventInstancePaused    = "instance.paused"
	EventInstanceResumed   = "instance.resumed"
	EventInstanceCompleted = "instance.completed"
	EventInstanceFailed    = "instance.failed"
	EventInstanceCancelled = "instance.cancelled"
	EventNodeStarted       = "node.started"
	EventNodeRetried       = "node.retried"
	EventNodeCompleted     = "node.completed"
	EventNodeFailed        = "node.failed"
	EventNodeSkipped       = "node.skipped"
	EventNodeCancelled     = "node.cancelled"
	EventLeaseAcquired     = "lease.acquired"
	EventLeaseLost         = "lease.lost"
	EventOwnerReclaimed    = "owner.reclaimed"
)
