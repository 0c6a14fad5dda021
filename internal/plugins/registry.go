package plugins

import (
	"sync"

	"github.com/streamspace-dev/pluginhost/internal/herrors"
	"github.com/streamspace-dev/pluginhost/internal/logger"
)

// RegistryStatus summarizes the registry's contents for diagnostics.
type RegistryStatus struct {
	Total  int
	Counts map[State]int
}

// Registry is the authoritative, thread-safe map of plugin name to
// (instance, state). Transition validation and write are performed under a
// per-name lock so two callers can never observe the same "from" state and
// both succeed.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]PluginHandler
	states    map[string]State
	nameLocks map[string]*sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		instances: make(map[string]PluginHandler),
		states:    make(map[string]State),
		nameLocks: make(map[string]*sync.Mutex),
	}
}

func (r *Registry) lockFor(name string) *sync.Mutex {
	r.mu.Lock()
	l, ok := r.nameLocks[name]
	if !ok {
		l = &sync.Mutex{}
		r.nameLocks[name] = l
	}
	r.mu.Unlock()
	return l
}

// Register inserts a new plugin instance with state LOADED. Fails with
// AlreadyRegistered if the name already exists.
func (r *Registry) Register(name string, instance PluginHandler) error {
	nl := r.lockFor(name)
	nl.Lock()
	defer nl.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[name]; exists {
		return &herrors.AlreadyRegistered{Name: name}
	}
	r.instances[name] = instance
	r.states[name] = StateLoaded
	return nil
}

// Unregister removes both instance and state. Returns whether it existed.
func (r *Registry) Unregister(name string) bool {
	nl := r.lockFor(name)
	nl.Lock()
	defer nl.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.instances[name]
	delete(r.instances, name)
	delete(r.states, name)
	return exists
}

// Get returns the instance for name, if any.
func (r *Registry) Get(name string) (PluginHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[name]
	return inst, ok
}

// GetAll returns a defensive copy of the instance map.
func (r *Registry) GetAll() map[string]PluginHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]PluginHandler, len(r.instances))
	for k, v := range r.instances {
		out[k] = v
	}
	return out
}

// GetState returns the state for name, defaulting to StateError for unknown
// names. Callers that need to distinguish "unknown" from "really in error"
// must check existence separately via Get or Exists.
func (r *Registry) GetState(name string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[name]
	if !ok {
		return StateError
	}
	return s
}

// Exists reports whether name is currently registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.instances[name]
	return ok
}

// SetState validates and applies a transition. Fails with NotFound if name
// is unknown, and InvalidTransition unless the transition is legal or the
// current state is StateError (recovery is always allowed).
func (r *Registry) SetState(name string, newState State) error {
	nl := r.lockFor(name)
	nl.Lock()
	defer nl.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.states[name]
	if !ok {
		return &herrors.NotFound{Name: name}
	}
	if !CanTransition(cur, newState) {
		return &herrors.InvalidTransition{Name: name, From: cur.String(), To: newState.String()}
	}
	r.states[name] = newState
	return nil
}

// ForceState sets the state unconditionally, bypassing validation. Use only
// during recovery paths; logs at warn level.
func (r *Registry) ForceState(name string, state State) {
	nl := r.lockFor(name)
	nl.Lock()
	defer nl.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.states[name]
	r.states[name] = state
	logger.Component("registry").Warn().
		Str("plugin", name).
		Str("from", prev.String()).
		Str("to", state.String()).
		Msg("forced state transition")
}

// Status returns total count and per-state breakdown.
func (r *Registry) Status() RegistryStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := map[State]int{}
	for _, s := range r.states {
		counts[s]++
	}
	return RegistryStatus{Total: len(r.states), Counts: counts}
}
