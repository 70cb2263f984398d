package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"eve.evalgo.org/engineerr"
	"eve.evalgo.org/executor"
	"eve.evalgo.org/workflow"
)

// Store is the full persistence contract the Engine Loop needs. It is
// declared here, not imported from db, so the engine package never depends
// on the storage layer's own dependencies (pgx, gorm, aws-sdk); db.Store
// satisfies this interface structurally.
type Store interface {
	CreateInstance(ctx context.Context, inst *Instance) error
	LoadInstance(ctx context.Context, id string) (*Instance, error)
	UpdateInstanceStatus(ctx context.Context, inst *Instance) error
	LoadNodeInstances(ctx context.Context, workflowInstanceID string) ([]*NodeInstance, error)
	UpsertNodeInstance(ctx context.Context, ni *NodeInstance) error
	AcquireLease(ctx context.Context, instanceID, ownerID string, ttl time.Duration) (*Lease, error)
	RenewLease(ctx context.Context, instanceID, ownerID string, ttl time.Duration) (*Lease, error)
	ReleaseLease(ctx context.Context, instanceID, ownerID string) error
	ListStaleInstances(ctx context.Context, olderThan time.Time, limit int) ([]*Instance, error)
	AppendEvent(ctx context.Context, ev *Event) error
	ListEvents(ctx context.Context, instanceID string, limit, offset int) ([]*Event, error)
}

// DefinitionResolver is the subset of db.DefinitionCatalog the engine needs
// to look up a workflow definition by exact or latest-active version.
type DefinitionResolver interface {
	Get(ctx context.Context, ref workflow.Ref) (*workflow.Definition, error)
	GetLatestActive(ctx context.Context, name string) (*workflow.Definition, error)
}

// Config bounds one Engine's lease/concurrency behavior (§4.4, §5, §6's
// configuration keys table).
type Config struct {
	OwnerID                   string
	LeaseTTL                  time.Duration
	HeartbeatInterval         time.Duration
	MaxConcurrencyPerInstance int
}

// EventPublisher fans an appended Event out to an external subscriber
// (the AMQP notification sink). Declared here rather than imported from
// eventbus so engine never depends on the transport's own dependencies;
// eventbus.Sink satisfies this interface structurally.
type EventPublisher interface {
	Publish(ev *Event) error
}

// Engine ties the Store, DefinitionResolver, Executor Registry, global
// Semaphore, and LeaseManager together to drive WorkflowInstances from
// submission to a terminal state (§4.7).
type Engine struct {
	Store       Store
	Definitions DefinitionResolver
	Registry    *executor.Registry
	Sem         Semaphore
	Lease       *LeaseManager
	Config      Config
	Log         logrus.FieldLogger
	EventBus    EventPublisher // may be nil; emit() skips fan-out when unset

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // instanceID -> cancel for an in-flight Run
}

// NewEngine builds an Engine. Sem may be an *InProcessSemaphore (single
// process deployments) or *RedisSemaphore (multi-process).
func NewEngine(store Store, defs DefinitionResolver, reg *executor.Registry, sem Semaphore, cfg Config, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.LeaseTTL / 3
	}
	lm := NewLeaseManager(store, cfg.OwnerID, cfg.LeaseTTL, cfg.HeartbeatInterval, log)
	return &Engine{
		Store: store, Definitions: defs, Registry: reg, Sem: sem, Lease: lm, Config: cfg, Log: log,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Submit creates a new pending WorkflowInstance of the named definition. An
// empty ref.Version resolves to the latest definition with Status "active".
func (e *Engine) Submit(ctx context.Context, ref workflow.Ref, inputs map[string]interface{}, externalID string, priority int) (*Instance, error) {
	def, err := e.resolveDefinition(ctx, ref)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inst := &Instance{
		ID:         uuid.NewString(),
		Definition: workflow.Ref{Name: def.Name, Version: def.Version},
		Status:     InstancePending,
		InputData:  inputs,
		ExternalID: externalID,
		Priority:   priority,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := e.Store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}
	e.emit(ctx, inst.ID, "", EventInstanceCreated, nil)
	return inst, nil
}

func (e *Engine) resolveDefinition(ctx context.Context, ref workflow.Ref) (*workflow.Definition, error) {
	if ref.Version == "" {
		return e.Definitions.GetLatestActive(ctx, ref.Name)
	}
	return e.Definitions.Get(ctx, ref)
}

// Run drives instanceID from its current status to a terminal one (or to
// Paused, if Pause is called concurrently). It acquires the instance's
// lease for the duration of the run and releases it on return. Safe to
// call from any engine process; AcquireLease's compare-and-swap ensures
// only one process drives a given instance at a time.
func (e *Engine) Run(parentCtx context.Context, instanceID string) error {
	inst, err := e.Store.LoadInstance(parentCtx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return engineerr.Conflict("workflow instance %q is already in terminal status %q", instanceID, inst.Status)
	}

	leaseCtx, err := e.Lease.Hold(parentCtx, instanceID)
	if err != nil {
		return err
	}
	defer e.Lease.Release(context.Background(), instanceID)

	ctx, cancel := context.WithCancel(leaseCtx)
	e.registerCancel(instanceID, cancel)
	defer e.clearCancel(instanceID)
	defer cancel()

	startStatus := InstanceRunning
	if inst.Status != InstanceRunning {
		if err := Transition(inst, startStatus); err != nil {
			return err
		}
		if err := e.updateInstanceStatus(ctx, inst); err != nil {
			return err
		}
		e.emit(ctx, instanceID, "", EventInstanceStarted, nil)
	}

	def, err := e.resolveDefinition(ctx, inst.Definition)
	if err != nil {
		return e.fail(ctx, inst, "", err)
	}

	scope := NewScope(inst.InputData)
	if len(inst.ContextData) > 0 {
		for k, v := range inst.ContextData {
			_ = scope.Write(RootFrame, k, v)
		}
	}

	interp := NewInterpreter(e.Registry, scope, &subWorkflowAdapter{engine: e}, e.Log)
	sched, err := NewScheduler(def, interp, e.Sem, e.Config.MaxConcurrencyPerInstance, e.Log)
	if err != nil {
		return e.fail(ctx, inst, "", err)
	}

	sink := &storeSink{store: e.Store, log: e.Log}
	_, runErr := sched.Run(ctx, instanceID, RootFrame, sink)

	inst.ContextData = scope.Snapshot(RootFrame)

	if runErr != nil {
		if leaseCtx.Err() != nil {
			// Lease was lost mid-run (heartbeat failure); leave the instance's
			// status untouched so the Maintenance Worker's reclaim sweep can
			// hand it to another owner instead of this process racing it.
			return engineerr.Conflict("lease lost for instance %q while running: %v", instanceID, runErr)
		}
		if ctx.Err() != nil {
			// Cancelled via Pause/Cancel rather than a genuine node failure.
			return e.finishCancelledOrPaused(context.Background(), inst)
		}
		return e.fail(ctx, inst, "", runErr)
	}

	outputs, err := ComputeOutputs(def, scope, RootFrame)
	if err != nil {
		return e.fail(ctx, inst, "", err)
	}
	inst.ContextData["outputs"] = outputs

	if err := Transition(inst, InstanceCompleted); err != nil {
		return err
	}
	inst.UpdatedAt = time.Now().UTC()
	if err := e.updateInstanceStatus(ctx, inst); err != nil {
		return err
	}
	e.emit(ctx, instanceID, "", EventInstanceCompleted, map[string]interface{}{"outputs": outputs})
	return nil
}

// finishCancelledOrPaused distinguishes a user Pause from a user Cancel by
// the status and reason that Pause/Cancel persisted before cancel() was
// invoked, reloaded here since Run's own copy of the instance predates them.
func (e *Engine) finishCancelledOrPaused(ctx context.Context, inst *Instance) error {
	if latest, err := e.Store.LoadInstance(ctx, inst.ID); err == nil {
		inst.Status, inst.PauseReason = latest.Status, latest.PauseReason
	}
	target := InstanceCancelled
	if inst.PauseReason == PauseUser && inst.Status == InstancePaused {
		target = InstancePaused
	}
	if err := Transition(inst, target); err != nil {
		// Already in the target state (set by Pause/Cancel itself); nothing more to do.
		if !engineerr.IsKind(err, engineerr.KindConflict) {
			return err
		}
	} else {
		inst.UpdatedAt = time.Now().UTC()
		if err := e.updateInstanceStatus(ctx, inst); err != nil {
			return err
		}
	}
	if target == InstancePaused {
		e.emit(context.Background(), inst.ID, "", EventInstancePaused, nil)
	} else {
		e.emit(context.Background(), inst.ID, "", EventInstanceCancelled, nil)
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, inst *Instance, nodeID string, cause error) error {
	inst.FailedNodeID = nodeID
	inst.RecoverableHint = engineerr.Retryable(cause)
	if ee, ok := cause.(*engineerr.Error); ok {
		inst.ErrorKind = string(ee.Kind)
		inst.ErrorMessage = ee.Message
	} else {
		inst.ErrorKind = "ExecutorError"
		inst.ErrorMessage = cause.Error()
	}
	if err := Transition(inst, InstanceFailed); err != nil {
		return err
	}
	inst.UpdatedAt = time.Now().UTC()
	if err := e.updateInstanceStatus(context.Background(), inst); err != nil {
		return err
	}
	e.emit(context.Background(), inst.ID, nodeID, EventInstanceFailed, map[string]interface{}{"error": inst.ErrorMessage})
	return cause
}

// Pause persists the Paused status (reason user) for an instance and, if a
// Run for it is in flight on this process, cancels that run's context,
// which also cancels its in-flight node attempts. It returns a
// ConflictError if the instance's current status cannot move to Paused.
func (e *Engine) Pause(ctx context.Context, instanceID string) error {
	return e.requestStop(ctx, instanceID, InstancePaused, PauseUser)
}

// Cancel requests that a running instance stop and move to Cancelled.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	return e.requestStop(ctx, instanceID, InstanceCancelled, "")
}

func (e *Engine) requestStop(ctx context.Context, instanceID string, target InstanceStatus, reason PauseReason) error {
	inst, err := e.Store.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	inst.PauseReason = reason
	if !inst.Status.CanTransitionTo(target) {
		return engineerr.Conflict("workflow instance %q cannot move to %q from %q", instanceID, target, inst.Status)
	}

	e.mu.Lock()
	cancel, running := e.cancels[instanceID]
	e.mu.Unlock()

	inst.Status = target
	if err := e.updateInstanceStatus(ctx, inst); err != nil {
		return err
	}
	if running {
		cancel()
	}
	return nil
}

// Resume re-enters Run for a Paused instance. The instance's ContextData
// (scope root frame) and already-completed node results are reloaded by
// Run itself via the normal load path.
func (e *Engine) Resume(ctx context.Context, instanceID string) error {
	inst, err := e.Store.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != InstancePaused {
		return engineerr.Conflict("workflow instance %q is not paused (status %q)", instanceID, inst.Status)
	}
	e.emit(ctx, instanceID, "", EventInstanceResumed, nil)
	return e.Run(ctx, instanceID)
}

func (e *Engine) registerCancel(instanceID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[instanceID] = cancel
}

func (e *Engine) clearCancel(instanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, instanceID)
}

// storageRetryAttempts/storageRetryBaseDelay bound the backoff applied to
// persistence calls per spec's "Store errors on state persistence are
// always retried with backoff" (§4.7, §7). Same exponential shape as
// interpreter.go's backoffDelay, without a RetryPolicy since storage retry
// is not governed by a node's own retry config.
const (
	storageRetryAttempts  = 5
	storageRetryBaseDelay = 100 * time.Millisecond
	storageRetryMaxDelay  = 5 * time.Second
)

func storageBackoffDelay(attempt int) time.Duration {
	delay := storageRetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= storageRetryMaxDelay {
			return storageRetryMaxDelay
		}
	}
	return delay
}

// updateInstanceStatus persists inst's current status, retrying retryable
// storage failures with backoff. If every attempt is exhausted, it
// voluntarily releases the instance's lease so a peer may take over
// (§4.7) and logs the condition before returning the last error.
func (e *Engine) updateInstanceStatus(ctx context.Context, inst *Instance) error {
	var lastErr error
retryLoop:
	for attempt := 1; attempt <= storageRetryAttempts; attempt++ {
		lastErr = e.Store.UpdateInstanceStatus(ctx, inst)
		if lastErr == nil {
			return nil
		}
		if !engineerr.Retryable(lastErr) {
			return lastErr
		}
		if attempt == storageRetryAttempts {
			break
		}
		select {
		case <-time.After(storageBackoffDelay(attempt)):
		case <-ctx.Done():
			lastErr = ctx.Err()
			break retryLoop
		}
	}
	e.Log.WithError(lastErr).WithField("instanceId", inst.ID).
		Error("persisting instance status exhausted retries, yielding lease")
	e.Lease.Release(context.Background(), inst.ID)
	return lastErr
}

func (e *Engine) emit(ctx context.Context, instanceID, nodeID, kind string, payload map[string]interface{}) {
	ev := &Event{ID: uuid.NewString(), InstanceID: instanceID, NodeID: nodeID, Kind: kind, Payload: payload, Ts: time.Now().UTC()}
	if err := e.Store.AppendEvent(ctx, ev); err != nil {
		e.Log.WithError(err).Warn("failed to append event")
	}
	if e.EventBus != nil {
		if err := e.EventBus.Publish(ev); err != nil {
			e.Log.WithError(err).Debug("failed to publish event to event bus")
		}
	}
}

// storeSink adapts Store.UpsertNodeInstance to the Scheduler's
// NodeInstanceSink, logging rather than aborting the run on a persistence
// failure: losing one node's audit row should not itself fail the instance.
type storeSink struct {
	store Store
	log   logrus.FieldLogger
}

func (s *storeSink) SaveNodeInstance(ctx context.Context, ni *NodeInstance) {
	if err := s.store.UpsertNodeInstance(ctx, ni); err != nil {
		s.log.WithError(err).WithField("nodeId", ni.NodeID).Warn("failed to persist node instance")
	}
}

// subWorkflowAdapter lets the Interpreter invoke a nested workflow without
// depending on Engine directly (avoids a import cycle risk and keeps
// Interpreter's seam narrow).
type subWorkflowAdapter struct {
	engine *Engine
}

func (a *subWorkflowAdapter) RunSubWorkflow(ctx context.Context, ref workflow.Ref, inputs map[string]interface{}) (map[string]interface{}, error) {
	inst, err := a.engine.Submit(ctx, ref, inputs, "", 0)
	if err != nil {
		return nil, err
	}
	if err := a.engine.Run(ctx, inst.ID); err != nil {
		return nil, err
	}
	final, err := a.engine.Store.LoadInstance(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	if final.Status != InstanceCompleted {
		return nil, engineerr.Executor(false, "sub-workflow %s ended in status %q: %s", ref.String(), final.Status, final.ErrorMessage)
	}
	outputs, _ := final.ContextData["outputs"].(map[string]interface{})
	return outputs, nil
}
