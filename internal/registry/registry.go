// Package registry implements the device registry (spec §4.4): a
// process-wide owner of driver factories and Device Entries, indexed both
// by id and by capability.
//
// The capability index is grounded on jangala-dev-devicecode-go's HAL,
// which keys a sparse map by a (domain, kind, name) tuple rather than
// encoding every possible capability as a boolean field on each device
// (other_examples/..._jangala-dev-devicecode-go__services-hal-internal-core-loop.go.go,
// capKey/capIndex). jangala's capKey identifies one globally unique
// capability endpoint per device, so its index is one-to-one; RUDAQ's
// capabilities are generic (many devices can be `movable`), so the index
// here is one-to-many — map[capability.Name]map[DeviceID]any instead of
// map[capKey]DeviceID — but the underlying idea (a sparse capability
// lookup instead of a boolean cross-product) is the same one.
package registry

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"rudaq/internal/capability"
	"rudaq/internal/daqerr"
)

// DeviceID is an opaque, process-unique device identifier.
type DeviceID string

var deviceIDRE = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

func validateDeviceID(id DeviceID) error {
	if !deviceIDRE.MatchString(string(id)) {
		return daqerr.New(daqerr.KindValidation, "registry", fmt.Sprintf("invalid device id %q: must match [a-z0-9_]{1,64}", id))
	}
	return nil
}

// State is a Device Entry's lifecycle state (spec §3).
type State string

const (
	StateRegistered State = "registered"
	StateStaged     State = "staged"
	StateActive     State = "active"
	StateFaulted    State = "faulted"
	StateRetired    State = "retired"
)

// BuildResult is what a Factory produces for a new device: its type tag
// and the capability handles it implements. The registry assigns the id
// and wraps this into an Entry.
type BuildResult struct {
	Type         string
	Capabilities map[capability.Name]any
}

// Factory validates a configuration fragment, attaches to hardware, and
// returns the capability set the resulting device implements. Factories
// are stateless, pure values registered once under a vendor-unique name.
type Factory interface {
	Build(ctx context.Context, configFragment any) (BuildResult, error)
}

// Entry is the registry's owned record for one device.
type Entry struct {
	ID   DeviceID
	Type string

	mu    sync.RWMutex
	state State
	caps  map[capability.Name]any

	inFlight atomic.Int32
}

// State returns the entry's current lifecycle state.
func (e *Entry) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Entry) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Capabilities lists the capability names this entry implements.
func (e *Entry) Capabilities() []capability.Name {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]capability.Name, 0, len(e.caps))
	for name := range e.caps {
		out = append(out, name)
	}
	return out
}

func (e *Entry) narrow(cap capability.Name) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.caps[cap]
	return h, ok
}

// BeginOp and EndOp track in-flight capability calls against this entry,
// so Retire can wait for them to drain (spec §5: "Retired devices wait for
// all outstanding capability calls to finish... before being removed").
// The run engine calls these around every capability invocation.
func (e *Entry) BeginOp() { e.inFlight.Add(1) }
func (e *Entry) EndOp()   { e.inFlight.Add(-1) }
func (e *Entry) InFlight() int32 { return e.inFlight.Load() }

// Registry owns factories and Device Entries for the process.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	entries   map[DeviceID]*Entry
	capIndex  map[capability.Name]map[DeviceID]any
	attachMu  map[DeviceID]*sync.Mutex // serializes factory calls per id (§4.4)
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		entries:   make(map[DeviceID]*Entry),
		capIndex:  make(map[capability.Name]map[DeviceID]any),
		attachMu:  make(map[DeviceID]*sync.Mutex),
	}
}

// RegisterFactory adds a named factory. Registering the same name twice
// replaces the previous factory, matching a config-reload use case.
func (r *Registry) RegisterFactory(name string, f Factory) error {
	if name == "" {
		return daqerr.New(daqerr.KindValidation, "registry.RegisterFactory", "factory name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	return nil
}

func (r *Registry) attachLock(id DeviceID) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.attachMu[id]
	if !ok {
		m = &sync.Mutex{}
		r.attachMu[id] = m
	}
	return m
}

// Instantiate builds a new device via the named factory and registers it
// under id. Fails if id is already registered (§4.4 invariant: at most one
// entry per id), or if no such factory exists.
func (r *Registry) Instantiate(ctx context.Context, factoryName string, id DeviceID, configFragment any) error {
	if err := validateDeviceID(id); err != nil {
		return err
	}

	r.mu.RLock()
	factory, ok := r.factories[factoryName]
	_, exists := r.entries[id]
	r.mu.RUnlock()
	if exists {
		return daqerr.New(daqerr.KindValidation, "registry.Instantiate", fmt.Sprintf("device id %q already registered", id))
	}
	if !ok {
		return daqerr.New(daqerr.KindNotFound, "registry.Instantiate", fmt.Sprintf("no factory named %q", factoryName))
	}

	lock := r.attachLock(id)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the per-id lock: a racing Instantiate for the same id
	// may have completed while we waited.
	r.mu.RLock()
	_, exists = r.entries[id]
	r.mu.RUnlock()
	if exists {
		return daqerr.New(daqerr.KindValidation, "registry.Instantiate", fmt.Sprintf("device id %q already registered", id))
	}

	result, err := factory.Build(ctx, configFragment)
	if err != nil {
		return daqerr.Wrap(daqerr.KindDeviceFatal, "registry.Instantiate", fmt.Sprintf("factory %q failed to build %q", factoryName, id), err)
	}

	entry := &Entry{ID: id, Type: result.Type, state: StateActive, caps: result.Capabilities}

	r.mu.Lock()
	r.entries[id] = entry
	for name, handle := range result.Capabilities {
		byID, ok := r.capIndex[name]
		if !ok {
			byID = make(map[DeviceID]any)
			r.capIndex[name] = byID
		}
		byID[id] = handle
	}
	r.mu.Unlock()
	return nil
}

// Retire waits (bounded by ctx) for the entry's in-flight capability calls
// to drain, then removes it. After Retire returns successfully, Get and
// Narrow for id report not-found.
func (r *Registry) Retire(ctx context.Context, id DeviceID) error {
	lock := r.attachLock(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	entry, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return daqerr.New(daqerr.KindNotFound, "registry.Retire", fmt.Sprintf("device id %q not found", id))
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for entry.InFlight() > 0 {
		select {
		case <-ctx.Done():
			return daqerr.Wrap(daqerr.KindDeviceFatal, "registry.Retire",
				fmt.Sprintf("device id %q: in-flight operations did not drain before deadline", id), ctx.Err())
		case <-ticker.C:
		}
	}

	entry.setState(StateRetired)

	r.mu.Lock()
	delete(r.entries, id)
	for name := range entry.caps {
		if byID, ok := r.capIndex[name]; ok {
			delete(byID, id)
		}
	}
	delete(r.attachMu, id)
	r.mu.Unlock()
	return nil
}

// Get returns the entry registered under id.
func (r *Registry) Get(id DeviceID) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, daqerr.New(daqerr.KindNotFound, "registry.Get", fmt.Sprintf("device id %q not found", id))
	}
	return entry, nil
}

// Narrow resolves id to a capability handle, re-checked on every call (the
// registry never caches this as a boolean on behalf of a client).
func (r *Registry) Narrow(id DeviceID, cap capability.Name) (any, error) {
	entry, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if entry.State() == StateFaulted {
		return nil, daqerr.New(daqerr.KindDeviceFatal, "registry.Narrow", fmt.Sprintf("device id %q is faulted", id))
	}
	handle, ok := entry.narrow(cap)
	if !ok {
		return nil, daqerr.New(daqerr.KindNotFound, "registry.Narrow", fmt.Sprintf("device id %q does not support capability %q", id, cap))
	}
	return handle, nil
}

// MarkFaulted transitions an entry to the faulted state; further Narrow
// calls against it fail fast (spec §7, device-fatal errors).
func (r *Registry) MarkFaulted(id DeviceID) error {
	entry, err := r.Get(id)
	if err != nil {
		return err
	}
	entry.setState(StateFaulted)
	return nil
}

// ListFilter selects a subset of List's results.
type ListFilter struct {
	Capability capability.Name // non-empty: only entries implementing it
	Type       string          // non-empty: only entries with this type tag
}

// ListItem is one row of List's result.
type ListItem struct {
	ID           DeviceID
	Type         string
	Capabilities []capability.Name
	State        State
}

// List enumerates registered entries, optionally filtered.
func (r *Registry) List(filter ListFilter) []ListItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ListItem, 0, len(r.entries))
	for id, entry := range r.entries {
		if filter.Type != "" && entry.Type != filter.Type {
			continue
		}
		if filter.Capability != "" {
			if _, ok := entry.narrow(filter.Capability); !ok {
				continue
			}
		}
		out = append(out, ListItem{ID: id, Type: entry.Type, Capabilities: entry.Capabilities(), State: entry.State()})
	}
	return out
}

// CapabilityItem is one row of ListCapability's result.
type CapabilityItem struct {
	ID     DeviceID
	Handle any
}

// ListCapability returns every (id, handle) pair currently implementing cap.
func (r *Registry) ListCapability(cap capability.Name) []CapabilityItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byID := r.capIndex[cap]
	out := make([]CapabilityItem, 0, len(byID))
	for id, handle := range byID {
		out = append(out, CapabilityItem{ID: id, Handle: handle})
	}
	return out
}
