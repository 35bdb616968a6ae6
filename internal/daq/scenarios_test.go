package daq_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rudaq/internal/capability"
	"rudaq/internal/daq"
	"rudaq/internal/daqerr"
	"rudaq/internal/document"
	"rudaq/internal/mockdevice"
	"rudaq/internal/plan"
	"rudaq/internal/registry"
	"rudaq/internal/runengine"
)

// trackingMeter reads a motor's own position with a small fixed offset,
// standing in for spec §8 scenario 1's "meter returns position + Gaussian
// noise" with a deterministic value instead of an actual random draw.
type trackingMeter struct {
	motor  *mockdevice.Motor
	offset float64
}

func (m *trackingMeter) Read(ctx context.Context) (float64, error) {
	pos, err := m.motor.Position(ctx)
	if err != nil {
		return 0, err
	}
	return pos + m.offset, nil
}

func (m *trackingMeter) Stream(ctx context.Context, rateHz float64, channel string) (<-chan capability.Reading, func(), error) {
	ch := make(chan capability.Reading)
	return ch, func() { close(ch) }, nil
}

type trackingMeterFactory struct{ meter *trackingMeter }

func (f trackingMeterFactory) Build(ctx context.Context, cfg any) (registry.BuildResult, error) {
	return registry.BuildResult{
		Type:         "tracking-meter",
		Capabilities: map[capability.Name]any{capability.Readable: f.meter},
	}, nil
}

func drainRun(t *testing.T, d *daq.Daemon, runUID string) []document.Document {
	t.Helper()
	sub := d.Engine().Subscribe(document.Filter{RunUID: runUID}, 1024)
	defer sub.Unsubscribe()

	var docs []document.Document
	for {
		select {
		case doc := <-sub.Documents():
			docs = append(docs, doc)
			if doc.Kind == document.KindStop {
				return docs
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for run to finish")
		}
	}
}

// Scenario 1 (spec §8): single-device line scan.
func TestScenarioLineScan(t *testing.T) {
	d := daq.New(daq.Options{})
	motor := mockdevice.NewMotor(mockdevice.MotorConfig{Min: 0, Max: 100})
	require.NoError(t, d.Registry().RegisterFactory("tracking-motor", constFactory{typ: "tracking-motor", caps: map[capability.Name]any{
		capability.Movable:  motor,
		capability.Readable: motor,
	}}))
	require.NoError(t, d.Registry().Instantiate(context.Background(), "tracking-motor", "motor", nil))

	meter := &trackingMeter{motor: motor, offset: 0.02}
	require.NoError(t, d.Registry().RegisterFactory("tracking-meter", trackingMeterFactory{meter: meter}))
	require.NoError(t, d.Registry().Instantiate(context.Background(), "tracking-meter", "meter", nil))

	runUID, err := d.QueuePlan(plan.Descriptor{
		PlanType:      "line_scan",
		Parameters:    map[string]any{"start": 0.0, "stop": 10.0, "points": 11},
		DeviceMapping: map[string]string{"device": "motor", "detector": "meter"},
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	docs := drainRun(t, d, runUID)
	require.GreaterOrEqual(t, len(docs), 1+1+11+1)

	require.Equal(t, document.KindStart, docs[0].Kind)
	require.Equal(t, document.KindDescriptor, docs[1].Kind)
	require.Len(t, docs[1].Descriptor.Fields, 2)
	assert.Equal(t, "motor", docs[1].Descriptor.Fields[0].Name)
	assert.Equal(t, "meter", docs[1].Descriptor.Fields[1].Name)

	events := docs[2 : len(docs)-1]
	require.Len(t, events, 11)
	for i, doc := range events {
		require.Equal(t, document.KindEvent, doc.Kind)
		require.Equal(t, uint64(i), doc.Event.Seq)
		wantMotor := float64(i)
		assert.InDelta(t, wantMotor, doc.Event.Values["motor"], 1e-9)
		assert.InDelta(t, wantMotor+0.02, doc.Event.Values["meter"], 1e-9)
	}

	stop := docs[len(docs)-1]
	require.Equal(t, document.KindStop, stop.Kind)
	assert.Equal(t, "success", stop.Stop.ExitStatus.Status)
	assert.Equal(t, 11, stop.Stop.NumEvents)
}

// constFactory wires one pre-built set of capability handles under a fixed
// type name, letting tests register hand-built devices (e.g. a shared
// *mockdevice.Motor instance two factories both reference) without a bespoke
// factory type per test.
type constFactory struct {
	typ  string
	caps map[capability.Name]any
}

func (f constFactory) Build(ctx context.Context, cfg any) (registry.BuildResult, error) {
	return registry.BuildResult{Type: f.typ, Capabilities: f.caps}, nil
}

// Scenario 2 (spec §8): 2-D grid scan visited in snake order.
func TestScenarioGridScanSnakeOrder(t *testing.T) {
	d := daq.New(daq.Options{})
	x := mockdevice.NewMotor(mockdevice.MotorConfig{Min: 0, Max: 100})
	y := mockdevice.NewMotor(mockdevice.MotorConfig{Min: 0, Max: 100})
	det := &trackingMeter{motor: x, offset: 0}

	require.NoError(t, d.Registry().RegisterFactory("x", constFactory{typ: "mock-motor", caps: map[capability.Name]any{capability.Movable: x, capability.Readable: x}}))
	require.NoError(t, d.Registry().RegisterFactory("y", constFactory{typ: "mock-motor", caps: map[capability.Name]any{capability.Movable: y, capability.Readable: y}}))
	require.NoError(t, d.Registry().RegisterFactory("det", trackingMeterFactory{meter: det}))
	require.NoError(t, d.Registry().Instantiate(context.Background(), "x", "x", nil))
	require.NoError(t, d.Registry().Instantiate(context.Background(), "y", "y", nil))
	require.NoError(t, d.Registry().Instantiate(context.Background(), "det", "det", nil))

	runUID, err := d.QueuePlan(plan.Descriptor{
		PlanType: "grid_scan",
		Parameters: map[string]any{
			"x_start": 0.0, "x_stop": 2.0, "x_points": 3,
			"y_start": 0.0, "y_stop": 1.0, "y_points": 2,
		},
		DeviceMapping: map[string]string{"x_device": "x", "y_device": "y", "detector": "det"},
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	docs := drainRun(t, d, runUID)
	var events []document.Document
	for _, doc := range docs {
		if doc.Kind == document.KindEvent {
			events = append(events, doc)
		}
	}
	require.Len(t, events, 6)

	wantXY := [][2]float64{{0, 0}, {1, 0}, {2, 0}, {2, 1}, {1, 1}, {0, 1}}
	for i, doc := range events {
		assert.InDelta(t, wantXY[i][0], doc.Event.Values["x"], 1e-9, "point %d x", i)
		assert.InDelta(t, wantXY[i][1], doc.Event.Values["y"], 1e-9, "point %d y", i)
	}

	stop := docs[len(docs)-1]
	require.Equal(t, document.KindStop, stop.Kind)
	assert.Equal(t, "success", stop.Stop.ExitStatus.Status)
}

// Scenario 3 (spec §8): abort mid-scan, motor left readable and unfaulted.
func TestScenarioAbortDuringScan(t *testing.T) {
	d := daq.New(daq.Options{})
	motor := mockdevice.NewMotor(mockdevice.MotorConfig{Min: 0, Max: 1000, MoveLatency: 100 * time.Millisecond})
	det := &trackingMeter{motor: motor, offset: 0}

	require.NoError(t, d.Registry().RegisterFactory("motor", constFactory{typ: "mock-motor", caps: map[capability.Name]any{capability.Movable: motor, capability.Readable: motor}}))
	require.NoError(t, d.Registry().RegisterFactory("det", trackingMeterFactory{meter: det}))
	require.NoError(t, d.Registry().Instantiate(context.Background(), "motor", "motor", nil))
	require.NoError(t, d.Registry().Instantiate(context.Background(), "det", "det", nil))

	runUID, err := d.QueuePlan(plan.Descriptor{
		PlanType:      "line_scan",
		Parameters:    map[string]any{"start": 0.0, "stop": 99.0, "points": 100},
		DeviceMapping: map[string]string{"device": "motor", "detector": "det"},
	})
	require.NoError(t, err)

	sub := d.Engine().Subscribe(document.Filter{RunUID: runUID, Kinds: []document.Kind{document.KindEvent, document.KindStop}}, 1024)
	defer sub.Unsubscribe()

	require.NoError(t, d.Start(context.Background()))
	time.Sleep(250 * time.Millisecond)
	require.NoError(t, d.Engine().Abort())

	var numEvents int
	var stop document.Document
	deadline := time.After(500 * time.Millisecond)
loop:
	for {
		select {
		case doc := <-sub.Documents():
			if doc.Kind == document.KindEvent {
				numEvents++
			}
			if doc.Kind == document.KindStop {
				stop = doc
				break loop
			}
		case <-deadline:
			t.Fatal("expected Stop within 500ms of abort")
		}
	}

	assert.Equal(t, "abort", stop.Stop.ExitStatus.Status)
	assert.GreaterOrEqual(t, numEvents, 2)
	assert.LessOrEqual(t, numEvents, 3)

	state, _ := d.Engine().State()
	assert.Equal(t, runengine.StateReady, state)

	entry, err := d.Registry().Get("motor")
	require.NoError(t, err)
	assert.NotEqual(t, registry.StateFaulted, entry.State())

	pos, err := motor.Position(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pos, 0.0)
}

// Scenario 6 (spec §8): retiring a device mid-run blocks until its current
// command finishes, and the run still ends with a Stop document.
func TestScenarioRetireDuringUse(t *testing.T) {
	d := daq.New(daq.Options{})
	motor := mockdevice.NewMotor(mockdevice.MotorConfig{Min: 0, Max: 1000, MoveLatency: 150 * time.Millisecond})
	det := &trackingMeter{motor: motor, offset: 0}

	require.NoError(t, d.Registry().RegisterFactory("motor_a", constFactory{typ: "mock-motor", caps: map[capability.Name]any{capability.Movable: motor, capability.Readable: motor}}))
	require.NoError(t, d.Registry().RegisterFactory("det", trackingMeterFactory{meter: det}))
	require.NoError(t, d.Registry().Instantiate(context.Background(), "motor_a", "motor_a", nil))
	require.NoError(t, d.Registry().Instantiate(context.Background(), "det", "det", nil))

	runUID, err := d.QueuePlan(plan.Descriptor{
		PlanType:      "line_scan",
		Parameters:    map[string]any{"start": 0.0, "stop": 5.0, "points": 6},
		DeviceMapping: map[string]string{"device": "motor_a", "detector": "det"},
	})
	require.NoError(t, err)

	sub := d.Engine().Subscribe(document.Filter{RunUID: runUID, Kinds: []document.Kind{document.KindStop}}, 1)
	require.NoError(t, d.Start(context.Background()))

	// Give the run time to enter its first move before retire races it.
	time.Sleep(20 * time.Millisecond)

	retireStart := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	retireErr := d.Registry().Retire(ctx, "motor_a")
	retireElapsed := time.Since(retireStart)

	// Retire either succeeds once the in-flight move drains, or the plan's
	// next command fails fast against the now-retired device; either way it
	// must have actually waited for the in-flight operation rather than
	// racing straight through.
	assert.GreaterOrEqual(t, retireElapsed, 100*time.Millisecond)
	if retireErr != nil {
		assert.True(t, daqerr.Is(retireErr, daqerr.KindDeviceFatal) || daqerr.Is(retireErr, daqerr.KindNotFound))
	}

	select {
	case doc := <-sub.Documents():
		require.Equal(t, document.KindStop, doc.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("expected a Stop document even after the device was retired mid-run")
	}
}
