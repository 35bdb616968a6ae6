// Package plan implements the Plan model (spec §4.6): a declarative value
// yielding a deterministic, lazily-pulled sequence of Plan Commands, plus
// the concrete plan families the external schema names (grid_scan,
// line_scan, time_series) and the plan_type -> constructor registry §6's
// "Plan descriptor" resolves against.
//
// There is no direct teacher analog for a plan generator; this package
// follows the nearest idiom already established in this codebase -
// internal/registry's Factory (a named constructor resolved from a
// string key, validating its input before building) - applied here to
// plan_type instead of driver type.
package plan

import (
	"fmt"
	"time"

	"rudaq/internal/daqerr"
)

// CommandKind is one of the seven Plan Command variants (spec §4.6).
type CommandKind string

const (
	CmdMove         CommandKind = "move"
	CmdRead         CommandKind = "read"
	CmdTrigger      CommandKind = "trigger"
	CmdAcquire      CommandKind = "acquire"
	CmdSetParameter CommandKind = "set_parameter"
	CmdWait         CommandKind = "wait"
	CmdCheckpoint   CommandKind = "checkpoint"
)

// Command is one step of a plan. Only the fields relevant to Kind are
// populated; the run engine switches on Kind to decide which to read.
//
// A read command names a read group: every device whose current value
// should land as a field in the same Event (e.g. a motor's own readback
// alongside a detector's reading for the same scan point), matching the
// way the line-scan and grid-scan examples in spec §8 expect one Event per
// point rather than one per device.
type Command struct {
	Kind CommandKind

	DeviceID string  // move, trigger, set_parameter
	Value    float64 // move: absolute target

	ReadDeviceIDs []string // read: devices sampled together into one Event

	AcquireDeviceID string  // acquire: camera device id
	ExposureMS      float64 // acquire

	ParameterName  string // set_parameter
	ParameterValue any    // set_parameter

	Duration time.Duration // wait

	Label string // checkpoint
}

// Move builds a move command.
func Move(deviceID string, value float64) Command {
	return Command{Kind: CmdMove, DeviceID: deviceID, Value: value}
}

// Read builds a read command over a read group.
func Read(deviceIDs ...string) Command {
	return Command{Kind: CmdRead, ReadDeviceIDs: deviceIDs}
}

// Trigger builds a trigger command.
func Trigger(deviceID string) Command {
	return Command{Kind: CmdTrigger, DeviceID: deviceID}
}

// Acquire builds an acquire command.
func Acquire(deviceID string, exposureMS float64) Command {
	return Command{Kind: CmdAcquire, AcquireDeviceID: deviceID, ExposureMS: exposureMS}
}

// SetParameter builds a set_parameter command.
func SetParameter(deviceID, name string, value any) Command {
	return Command{Kind: CmdSetParameter, DeviceID: deviceID, ParameterName: name, ParameterValue: value}
}

// Wait builds a wait command.
func Wait(d time.Duration) Command {
	return Command{Kind: CmdWait, Duration: d}
}

// Checkpoint builds a checkpoint command.
func Checkpoint(label string) Command {
	return Command{Kind: CmdCheckpoint, Label: label}
}

// Sequence is a lazy, finite, pull-based stream of Commands. The engine
// calls Next until it returns ok=false.
type Sequence interface {
	Next() (Command, bool)
}

// sliceSequence serves pre-built Commands one at a time. Every concrete
// plan in this package is deterministic given its parameters, so building
// the full slice up front costs nothing the engine doesn't already pay for
// by pulling every element anyway; Sequence still models the spec's "lazy
// pull" contract so the engine never assumes it can index a plan directly.
type sliceSequence struct {
	cmds []Command
	idx  int
}

func newSliceSequence(cmds []Command) *sliceSequence { return &sliceSequence{cmds: cmds} }

func (s *sliceSequence) Next() (Command, bool) {
	if s.idx >= len(s.cmds) {
		return Command{}, false
	}
	c := s.cmds[s.idx]
	s.idx++
	return c, true
}

// Plan is a declarative, named command source, deterministic given its
// parameter map (spec §4.6).
type Plan interface {
	Name() string
	Parameters() map[string]any
	Metadata() map[string]string
	Commands() Sequence
}

type basePlan struct {
	name       string
	parameters map[string]any
	metadata   map[string]string
	cmds       []Command
}

func (p *basePlan) Name() string                 { return p.name }
func (p *basePlan) Parameters() map[string]any    { return p.parameters }
func (p *basePlan) Metadata() map[string]string   { return p.metadata }
func (p *basePlan) Commands() Sequence            { return newSliceSequence(p.cmds) }

func linspace(start, stop float64, points int) []float64 {
	out := make([]float64, points)
	if points == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(points-1)
	for i := 0; i < points; i++ {
		out[i] = start + step*float64(i)
	}
	return out
}

// NewLineScan builds a line_scan plan: move device through points evenly
// spaced points between start and stop (inclusive), reading device (its own
// readback) and detector together at each point.
func NewLineScan(device string, start, stop float64, points int, detector string, params map[string]any, metadata map[string]string) (Plan, error) {
	if device == "" || detector == "" {
		return nil, daqerr.New(daqerr.KindValidation, "plan.NewLineScan", "device and detector must be set")
	}
	if points < 1 {
		return nil, daqerr.New(daqerr.KindValidation, "plan.NewLineScan", "points must be >= 1")
	}

	positions := linspace(start, stop, points)
	cmds := make([]Command, 0, points*2)
	for _, pos := range positions {
		cmds = append(cmds, Move(device, pos))
		cmds = append(cmds, Read(device, detector))
	}

	return &basePlan{name: "line_scan", parameters: params, metadata: metadata, cmds: cmds}, nil
}

// NewGridScan builds a grid_scan plan: a nested sweep over x and y, snake
// ordered by default (each y row reverses x direction) to minimize travel.
func NewGridScan(xDevice string, xStart, xStop float64, xPoints int, yDevice string, yStart, yStop float64, yPoints int, detector string, params map[string]any, metadata map[string]string) (Plan, error) {
	if xDevice == "" || yDevice == "" || detector == "" {
		return nil, daqerr.New(daqerr.KindValidation, "plan.NewGridScan", "x_device, y_device, and detector must be set")
	}
	if xPoints < 1 || yPoints < 1 {
		return nil, daqerr.New(daqerr.KindValidation, "plan.NewGridScan", "x_points and y_points must be >= 1")
	}

	xPositions := linspace(xStart, xStop, xPoints)
	yPositions := linspace(yStart, yStop, yPoints)

	cmds := make([]Command, 0, xPoints*yPoints*3)
	for yi, yv := range yPositions {
		cmds = append(cmds, Move(yDevice, yv))
		xOrder := xPositions
		if yi%2 == 1 {
			xOrder = reversed(xPositions)
		}
		for _, xv := range xOrder {
			cmds = append(cmds, Move(xDevice, xv))
			cmds = append(cmds, Read(xDevice, yDevice, detector))
		}
	}

	return &basePlan{name: "grid_scan", parameters: params, metadata: metadata, cmds: cmds}, nil
}

func reversed(in []float64) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

// NewTimeSeries builds a time_series plan: read detector samples times,
// waiting interval between consecutive reads.
func NewTimeSeries(detector string, interval time.Duration, samples int, params map[string]any, metadata map[string]string) (Plan, error) {
	if detector == "" {
		return nil, daqerr.New(daqerr.KindValidation, "plan.NewTimeSeries", "detector must be set")
	}
	if samples < 1 {
		return nil, daqerr.New(daqerr.KindValidation, "plan.NewTimeSeries", "samples must be >= 1")
	}

	cmds := make([]Command, 0, samples*2)
	for i := 0; i < samples; i++ {
		if i > 0 {
			cmds = append(cmds, Wait(interval))
		}
		cmds = append(cmds, Read(detector))
	}

	return &basePlan{name: "time_series", parameters: params, metadata: metadata, cmds: cmds}, nil
}

// Descriptor is the external wire schema a client submits to queue a plan
// (spec §6): a plan_type string resolved against a Registry, a parameter
// map, a device_mapping from role name to device id, and free-form
// metadata.
type Descriptor struct {
	PlanType      string
	Parameters    map[string]any
	DeviceMapping map[string]string
	Metadata      map[string]string
}

func stringRole(d Descriptor, role string) (string, error) {
	v, ok := d.DeviceMapping[role]
	if !ok || v == "" {
		return "", daqerr.New(daqerr.KindValidation, "plan.Descriptor", fmt.Sprintf("device_mapping missing role %q", role))
	}
	return v, nil
}

func floatParam(d Descriptor, name string) (float64, error) {
	v, ok := d.Parameters[name]
	if !ok {
		return 0, daqerr.New(daqerr.KindValidation, "plan.Descriptor", fmt.Sprintf("parameters missing %q", name))
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, daqerr.New(daqerr.KindValidation, "plan.Descriptor", fmt.Sprintf("parameter %q is not numeric", name))
	}
}

func intParam(d Descriptor, name string) (int, error) {
	f, err := floatParam(d, name)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// Constructor builds a Plan from a Descriptor, validating its parameters
// and device_mapping.
type Constructor func(d Descriptor) (Plan, error)

func buildLineScan(d Descriptor) (Plan, error) {
	device, err := stringRole(d, "device")
	if err != nil {
		return nil, err
	}
	detector, err := stringRole(d, "detector")
	if err != nil {
		return nil, err
	}
	start, err := floatParam(d, "start")
	if err != nil {
		return nil, err
	}
	stop, err := floatParam(d, "stop")
	if err != nil {
		return nil, err
	}
	points, err := intParam(d, "points")
	if err != nil {
		return nil, err
	}
	return NewLineScan(device, start, stop, points, detector, d.Parameters, d.Metadata)
}

func buildGridScan(d Descriptor) (Plan, error) {
	xDevice, err := stringRole(d, "x_device")
	if err != nil {
		return nil, err
	}
	yDevice, err := stringRole(d, "y_device")
	if err != nil {
		return nil, err
	}
	detector, err := stringRole(d, "detector")
	if err != nil {
		return nil, err
	}
	xStart, err := floatParam(d, "x_start")
	if err != nil {
		return nil, err
	}
	xStop, err := floatParam(d, "x_stop")
	if err != nil {
		return nil, err
	}
	xPoints, err := intParam(d, "x_points")
	if err != nil {
		return nil, err
	}
	yStart, err := floatParam(d, "y_start")
	if err != nil {
		return nil, err
	}
	yStop, err := floatParam(d, "y_stop")
	if err != nil {
		return nil, err
	}
	yPoints, err := intParam(d, "y_points")
	if err != nil {
		return nil, err
	}
	return NewGridScan(xDevice, xStart, xStop, xPoints, yDevice, yStart, yStop, yPoints, detector, d.Parameters, d.Metadata)
}

func buildTimeSeries(d Descriptor) (Plan, error) {
	detector, err := stringRole(d, "detector")
	if err != nil {
		return nil, err
	}
	intervalMS, err := floatParam(d, "interval_ms")
	if err != nil {
		return nil, err
	}
	samples, err := intParam(d, "samples")
	if err != nil {
		return nil, err
	}
	return NewTimeSeries(detector, time.Duration(intervalMS*float64(time.Millisecond)), samples, d.Parameters, d.Metadata)
}

// Registry maps plan_type strings to Constructors, the resolution step
// spec §6 names ("Engine resolves plan_type against a plan registry that
// maps the string to a constructor").
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry returns a Registry preloaded with the three built-in plan
// families (grid_scan, line_scan, time_series).
func NewRegistry() *Registry {
	r := &Registry{constructors: make(map[string]Constructor)}
	r.Register("line_scan", buildLineScan)
	r.Register("grid_scan", buildGridScan)
	r.Register("time_series", buildTimeSeries)
	return r
}

// Register adds or replaces the constructor for planType.
func (r *Registry) Register(planType string, c Constructor) {
	r.constructors[planType] = c
}

// Build resolves d.PlanType and constructs the Plan.
func (r *Registry) Build(d Descriptor) (Plan, error) {
	c, ok := r.constructors[d.PlanType]
	if !ok {
		return nil, daqerr.New(daqerr.KindNotFound, "plan.Registry.Build", fmt.Sprintf("unknown plan_type %q", d.PlanType))
	}
	return c(d)
}
