package db

import (
	"context"
	"time"

	"eve.evalgo.org/engine"
)

// Store is the hot-path persistence contract of §4.1: instance and node
// instance CRUD, lease acquisition/renewal, and the append-only event log.
// PostgresStore is the production implementation; tests may substitute any
// other implementation that honors the same atomicity guarantees (lease
// operations are compare-and-swap, never read-then-write).
type Store interface {
	CreateInstance(ctx context.Context, inst *engine.Instance) error
	LoadInstance(ctx context.Context, id string) (*engine.Instance, error)
	UpdateInstanceStatus(ctx context.Context, inst *engine.Instance) error

	LoadNodeInstances(ctx context.Context, workflowInstanceID string) ([]*engine.NodeInstance, error)
	UpsertNodeInstance(ctx context.Context, ni *engine.NodeInstance) error

	// AcquireLease grants ownership of instanceID to ownerID if the instance
	// is unleased or its existing lease has expired. Returns engineerr with
	// KindConflict if another owner currently holds a live lease.
	AcquireLease(ctx context.Context, instanceID, ownerID string, ttl time.Duration) (*engine.Lease, error)
	// RenewLease extends an existing lease's expiry iff ownerID still holds
	// it. Returns engineerr with KindConflict if ownership was lost.
	RenewLease(ctx context.Context, instanceID, ownerID string, ttl time.Duration) (*engine.Lease, error)
	ReleaseLease(ctx context.Context, instanceID, ownerID string) error
	// ListStaleInstances returns leased, non-terminal instances whose last
	// heartbeat is before olderThan, for the Maintenance Worker's reclaim
	// sweep (§4.4 step 4).
	ListStaleInstances(ctx context.Context, olderThan time.Time, limit int) ([]*engine.Instance, error)

	AppendEvent(ctx context.Context, ev *engine.Event) error
	ListEvents(ctx context.Context, instanceID string, limit, offset int) ([]*engine.Event, error)

	// ListInstances backs the Submission API's List(filter) operation
	// (§6). Any zero-valued filter field is not applied.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*engine.Instance, int, error)
}

// InstanceFilter narrows ListInstances. Limit<=0 defaults to 50.
type InstanceFilter struct {
	Status         string
	ExternalID     string
	DefinitionName string
	Limit          int
	Offset         int
}
