// Package parameter implements Parameter<T> (spec §4.2): a named,
// validated, observable setting backed by optional hardware read/write
// hooks. Built directly on internal/observable for storage and change
// fan-out; the validate-then-store-then-write-with-rollback algorithm is
// grounded on the teacher's engine/config/unified_config.go pattern of
// validating a candidate config before it replaces the live one, adapted
// here to also drive a hardware side effect that can itself fail and
// require undoing the in-memory store.
package parameter

import (
	"context"
	"fmt"
	"sync"

	"rudaq/internal/daqerr"
	"rudaq/internal/observable"
)

// Validator rejects a candidate value before it is stored.
type Validator[T any] func(v T) error

// HardwareWriter pushes a validated value out to the device. An error
// leaves the parameter's in-memory value rolled back to what it was
// before Set was called.
type HardwareWriter[T any] func(ctx context.Context, v T) error

// HardwareReader pulls the device's current value, used by
// RefreshFromHardware to resynchronize after an out-of-band change.
type HardwareReader[T any] func(ctx context.Context) (T, error)

// Listener is re-exported from observable so callers of this package never
// need to import it directly.
type Listener[T any] = observable.Listener[T]

// Handle is re-exported from observable; see Listener.
type Handle = observable.Handle

// Parameter is a named, observable, optionally hardware-backed value.
type Parameter[T any] struct {
	name        string
	unit        string
	description string

	obs      *observable.Observable[T]
	validate Validator[T]
	hwWrite  HardwareWriter[T]
	hwRead   HardwareReader[T]

	// setMu serializes Set/RefreshFromHardware so the
	// validate-store-write-rollback sequence is atomic with respect to
	// concurrent callers of those two methods.
	setMu sync.Mutex
}

// Builder constructs a Parameter with optional hooks attached before use.
type Builder[T any] struct {
	p *Parameter[T]
}

// NewBuilder starts building a Parameter named name, seeded with initial.
func NewBuilder[T any](name string, initial T) *Builder[T] {
	return &Builder[T]{p: &Parameter[T]{name: name, obs: observable.New(initial)}}
}

func (b *Builder[T]) WithUnit(unit string) *Builder[T] {
	b.p.unit = unit
	return b
}

func (b *Builder[T]) WithDescription(desc string) *Builder[T] {
	b.p.description = desc
	return b
}

func (b *Builder[T]) WithValidator(v Validator[T]) *Builder[T] {
	b.p.validate = v
	return b
}

func (b *Builder[T]) WithHardwareWrite(w HardwareWriter[T]) *Builder[T] {
	b.p.hwWrite = w
	return b
}

func (b *Builder[T]) WithHardwareRead(r HardwareReader[T]) *Builder[T] {
	b.p.hwRead = r
	return b
}

// Build finalizes the Parameter.
func (b *Builder[T]) Build() *Parameter[T] { return b.p }

// Name, Unit, Description report the Parameter's static metadata.
func (p *Parameter[T]) Name() string        { return p.name }
func (p *Parameter[T]) Unit() string        { return p.unit }
func (p *Parameter[T]) Description() string { return p.description }

// Get returns the current in-memory value without touching hardware.
func (p *Parameter[T]) Get() T { return p.obs.Get() }

// Watch registers a change listener; see observable.Observable.Watch.
func (p *Parameter[T]) Watch(fn Listener[T]) Handle { return p.obs.Watch(fn) }

// Unwatch removes a previously registered listener.
func (p *Parameter[T]) Unwatch(h Handle) { p.obs.Unwatch(h) }

// Set validates v, stores it, and (if a hardware writer is attached) pushes
// it to the device. If the hardware write fails, the in-memory value is
// rolled back to what it was before this call and the error is returned.
// Watchers are notified only after the write succeeds; while the write is
// in flight, Get already returns v.
func (p *Parameter[T]) Set(ctx context.Context, v T) error {
	p.setMu.Lock()
	defer p.setMu.Unlock()

	if p.validate != nil {
		if err := p.validate(v); err != nil {
			return daqerr.Wrap(daqerr.KindValidation, "parameter.Set",
				fmt.Sprintf("%s: invalid value", p.name), err)
		}
	}

	old := p.obs.Get()

	if p.hwWrite == nil {
		p.obs.SetCtx(ctx, v)
		return nil
	}

	// Stage v without notifying until the hardware write confirms it —
	// watchers must see at most one change per Set, never a provisional
	// value followed by a rollback.
	p.obs.SetSilent(v)
	if err := p.hwWrite(ctx, v); err != nil {
		p.obs.SetSilent(old)
		return daqerr.Wrap(daqerr.KindDeviceTransient, "parameter.Set",
			fmt.Sprintf("%s: hardware write failed, rolled back", p.name), err)
	}
	p.obs.NotifyCtx(ctx, old, v)
	return nil
}

// RefreshFromHardware reads the device's current value through the
// attached hardware reader and stores it, notifying watchers as with any
// other change. Returns an invariant-violation error if no reader is
// attached — calling it on a write-only or derived parameter is a caller
// bug, not a transient condition.
func (p *Parameter[T]) RefreshFromHardware(ctx context.Context) error {
	p.setMu.Lock()
	defer p.setMu.Unlock()

	if p.hwRead == nil {
		return daqerr.New(daqerr.KindInvariantViolation, "parameter.RefreshFromHardware",
			fmt.Sprintf("%s: no hardware reader configured", p.name))
	}
	v, err := p.hwRead(ctx)
	if err != nil {
		return daqerr.Wrap(daqerr.KindDeviceTransient, "parameter.RefreshFromHardware",
			fmt.Sprintf("%s: hardware read failed", p.name), err)
	}
	p.obs.SetCtx(ctx, v)
	return nil
}
