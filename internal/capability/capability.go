// Package capability defines the closed set of small, async behavioral
// contracts a device may implement (spec §4.3). Each capability is its own
// interface; the registry narrows to one at a time rather than encoding a
// boolean cross-product, grounded on jangala-dev-devicecode-go's
// PinHandle, which narrows a claimed pin to an AsGPIO()/AsPWM()
// function-specific view instead of exposing every possible operation on
// every pin (other_examples/..._jangala-dev-devicecode-go__services-hal-internal-core-resources.go.go).
package capability

import (
	"context"
	"time"

	"rudaq/internal/frame"
)

// Name identifies one of the closed set of capabilities a device may
// implement. The registry stores handles in a sparse map keyed by (device
// id, Name) rather than boolean flags, so new capabilities never require
// a wire-format change (§9 "polymorphism over capability sets").
type Name string

const (
	Movable               Name = "movable"
	Readable               Name = "readable"
	Triggerable            Name = "triggerable"
	FrameProducer          Name = "frame-producer"
	ExposureControllable   Name = "exposure-controllable"
	ShutterControllable    Name = "shutter-controllable"
	WavelengthTunable      Name = "wavelength-tunable"
	EmissionControllable   Name = "emission-controllable"
	Parameterized          Name = "parameterized"
)

// All lists the closed capability set, in the order spec §3 declares it.
func All() []Name {
	return []Name{
		Movable, Readable, Triggerable, FrameProducer, ExposureControllable,
		ShutterControllable, WavelengthTunable, EmissionControllable, Parameterized,
	}
}

// Movable is a positionable axis: a motor, stage, or similar.
type Movable interface {
	MoveAbsolute(ctx context.Context, value float64) error
	MoveRelative(ctx context.Context, delta float64) error
	Position(ctx context.Context) (float64, error)
	Home(ctx context.Context) error
	Stop(ctx context.Context) error
	Limits(ctx context.Context) (min, max float64, err error)
}

// Reading is one sample from a Readable's Stream.
type Reading struct {
	Value     float64
	Timestamp time.Time
}

// Readable is a scalar sensor: a power meter, photodiode, or similar.
type Readable interface {
	Read(ctx context.Context) (float64, error)
	// Stream starts a rate-limited subscription on channel and returns a
	// receive-only channel of Readings plus a cancel function that stops
	// the subscription and releases its resources. Callers must call
	// cancel exactly once.
	Stream(ctx context.Context, rateHz float64, channel string) (readings <-chan Reading, cancel func(), err error)
}

// TriggerMode selects how a Triggerable arms.
type TriggerMode string

const (
	TriggerSoftware TriggerMode = "software"
	TriggerEdge     TriggerMode = "edge"
	TriggerFirst    TriggerMode = "first"
)

// Triggerable arms and fires an external or software trigger line.
type Triggerable interface {
	Arm(ctx context.Context, mode TriggerMode) error
	Trigger(ctx context.Context) error
	Disarm(ctx context.Context) error
}

// FrameProducer is a camera or similar device driving a frame pipeline.
// The dependency runs one way: package frame never imports capability, so
// this interface can reference frame's concrete Handle/View types
// directly instead of round-tripping through interface{}.
type FrameProducer interface {
	StartStream(ctx context.Context) error
	StopStream(ctx context.Context) error
	RegisterPrimaryOutput(capacity int) (<-chan *frame.Handle, error)
	RegisterObserver(cb func(frame.View), decimation, queueDepth int) (frame.ObserverHandle, error)
	UnregisterObserver(handle frame.ObserverHandle)
}

// ExposureControllable sets and reports a camera's exposure time.
type ExposureControllable interface {
	SetExposureMS(ctx context.Context, ms float64) error
	ExposureMS(ctx context.Context) (float64, error)
}

// ShutterState is the reported state of a ShutterControllable.
type ShutterState string

const (
	ShutterOpen   ShutterState = "open"
	ShutterClosed ShutterState = "closed"
)

// ShutterControllable opens and closes a mechanical or electro-optic shutter.
type ShutterControllable interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	State(ctx context.Context) (ShutterState, error)
}

// WavelengthTunable sets and reports a tunable light source's wavelength.
type WavelengthTunable interface {
	SetWavelengthNM(ctx context.Context, nm float64) error
	WavelengthNM(ctx context.Context) (float64, error)
	RangeNM(ctx context.Context) (min, max float64, err error)
}

// EmissionControllable turns a light source's emission on and off.
type EmissionControllable interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	IsOn(ctx context.Context) (bool, error)
}

// Parameterized exposes a device's internal named parameters generically,
// for devices whose full settings surface isn't worth a dedicated
// capability (e.g. vendor-specific camera knobs).
type Parameterized interface {
	ListParameters(ctx context.Context) ([]string, error)
	Get(ctx context.Context, name string) (any, error)
	Set(ctx context.Context, name string, value any) error
}
