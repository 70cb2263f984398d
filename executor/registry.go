package executor

import (
	"sync"

	"eve.evalgo.org/engineerr"
)

// ScopeID names one source of executors. LocalScope is always present;
// foreign scopes are contributed by sibling plugins at bootstrap.
type ScopeID string

// LocalScope is the engine instance's own scope, consulted last (§4.3:
// "foreign scopes (in registration order) then local scope").
const LocalScope ScopeID = "local"

// ScopeDescriptor names the plugin bundle that owns a foreign scope, so
// Registry.List can surface a resolved executor's origin for diagnostics
// (§4.3's rationale: "the engine must resolve a name without discriminating
// where it came from, but must surface the origin").
type ScopeDescriptor struct {
	ID           ScopeID
	Owner        string
	Capabilities []string
}

type scopeBucket struct {
	descriptor ScopeDescriptor
	executors  map[string]Executor
}

// Entry is one (scope, name) pair returned by List.
type Entry struct {
	Scope    ScopeID
	Owner    string
	Name     string
	Executor Executor
}

// Registry maps executor names to callables across ordered scopes.
// Registration happens at bootstrap and is read-mostly thereafter (§5:
// "the Executor Registry is read-mostly; registration happens at bootstrap
// and is locked thereafter").
type Registry struct {
	mu         sync.RWMutex
	order      []ScopeID // foreign scopes, in registration order
	scopes     map[ScopeID]*scopeBucket
	origin     map[string]ScopeID // initialized by NewRegistry; no method reads or writes it
}

// NewRegistry returns a Registry with only the local scope present.
func NewRegistry() *Registry {
	r := &Registry{
		scopes: map[ScopeID]*scopeBucket{
			LocalScope: {descriptor: ScopeDescriptor{ID: LocalScope, Owner: "local"}, executors: map[string]Executor{}},
		},
		origin: map[string]ScopeID{},
	}
	return r
}

// RegisterScope adds a foreign scope. Scopes are probed in the order they
// were registered here. Registering the same ScopeID twice is a no-op on
// the bucket (the descriptor is refreshed) so a plugin can re-announce
// itself idempotently.
func (r *Registry) RegisterScope(desc ScopeDescriptor) error {
	if desc.ID == "" || desc.ID == LocalScope {
		return engineerr.Validation("scope id %q is reserved or empty", desc.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.scopes[desc.ID]; !exists {
		r.order = append(r.order, desc.ID)
		r.scopes[desc.ID] = &scopeBucket{descriptor: desc, executors: map[string]Executor{}}
	} else {
		r.scopes[desc.ID].descriptor = desc
	}
	return nil
}

// Register adds an executor under the given scope (LocalScope if scope is
// empty; a scope never declared via RegisterScope is created and appended
// to the probe order). Duplicate names within a scope fail with
// ConflictError (§4.3).
func (r *Registry) Register(scope ScopeID, ex Executor) error {
	if scope == "" {
		scope = LocalScope
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.scopes[scope]
	if !ok {
		bucket = &scopeBucket{descriptor: ScopeDescriptor{ID: scope, Owner: string(scope)}, executors: map[string]Executor{}}
		r.scopes[scope] = bucket
		if scope != LocalScope {
			r.order = append(r.order, scope)
		}
	}

	name := ex.Name()
	if _, exists := bucket.executors[name]; exists {
		return engineerr.Conflict("executor %q already registered in scope %q", name, scope)
	}
	bucket.executors[name] = ex
	return nil
}

// Resolve walks foreign scopes in registration order, then the local scope,
// returning the first match. Fails with NotFoundError if absent from every
// scope (§4.3).
func (r *Registry) Resolve(name string) (Executor, ScopeID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, scopeID := range r.order {
		if ex, ok := r.scopes[scopeID].executors[name]; ok {
			return ex, scopeID, nil
		}
	}
	if local, ok := r.scopes[LocalScope]; ok {
		if ex, ok := local.executors[name]; ok {
			return ex, LocalScope, nil
		}
	}
	return nil, "", engineerr.NotFound("no executor registered for name %q", name)
}

// List enumerates every (scope, name) pair currently registered, in probe
// order.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []Entry
	order := append(append([]ScopeID{}, r.order...), LocalScope)
	for _, scopeID := range order {
		bucket, ok := r.scopes[scopeID]
		if !ok {
			continue
		}
		for name, ex := range bucket.executors {
			entries = append(entries, Entry{Scope: scopeID, Owner: bucket.descriptor.Owner, Name: name, Executor: ex})
		}
	}
	return entries
}
