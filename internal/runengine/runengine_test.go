package runengine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rudaq/internal/buffer"
	"rudaq/internal/capability"
	"rudaq/internal/document"
	"rudaq/internal/frame"
	"rudaq/internal/limits"
	"rudaq/internal/plan"
	"rudaq/internal/registry"
	"rudaq/internal/runengine"
)

// fakeMotor is a Movable and Readable (its own position readback) that
// records every position it is moved to.
type fakeMotor struct{ pos float64 }

func (m *fakeMotor) MoveAbsolute(ctx context.Context, v float64) error { m.pos = v; return nil }
func (m *fakeMotor) MoveRelative(ctx context.Context, d float64) error { m.pos += d; return nil }
func (m *fakeMotor) Position(ctx context.Context) (float64, error)     { return m.pos, nil }
func (m *fakeMotor) Home(ctx context.Context) error                    { m.pos = 0; return nil }
func (m *fakeMotor) Stop(ctx context.Context) error                    { return nil }
func (m *fakeMotor) Limits(ctx context.Context) (float64, float64, error) {
	return 0, 100, nil
}
func (m *fakeMotor) Read(ctx context.Context) (float64, error) { return m.pos, nil }
func (m *fakeMotor) Stream(ctx context.Context, rateHz float64, channel string) (<-chan capability.Reading, func(), error) {
	ch := make(chan capability.Reading)
	return ch, func() { close(ch) }, nil
}

// fakeMeter is a Readable returning a fixed value.
type fakeMeter struct{ value float64 }

func (m *fakeMeter) Read(ctx context.Context) (float64, error) { return m.value, nil }
func (m *fakeMeter) Stream(ctx context.Context, rateHz float64, channel string) (<-chan capability.Reading, func(), error) {
	ch := make(chan capability.Reading)
	return ch, func() { close(ch) }, nil
}

type motorFactory struct{ motor *fakeMotor }

func (f motorFactory) Build(ctx context.Context, cfg any) (registry.BuildResult, error) {
	return registry.BuildResult{Type: "fake-motor", Capabilities: map[capability.Name]any{capability.Movable: f.motor, capability.Readable: f.motor}}, nil
}

type meterFactory struct{ meter *fakeMeter }

func (f meterFactory) Build(ctx context.Context, cfg any) (registry.BuildResult, error) {
	return registry.BuildResult{Type: "fake-meter", Capabilities: map[capability.Name]any{capability.Readable: f.meter}}, nil
}

func newTestEngine(t *testing.T) (*runengine.Engine, *document.Bus, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.RegisterFactory("fake-motor", motorFactory{motor: &fakeMotor{}}))
	require.NoError(t, reg.RegisterFactory("fake-meter", meterFactory{meter: &fakeMeter{value: 1.5}}))
	require.NoError(t, reg.Instantiate(context.Background(), "fake-motor", "motor", nil))
	require.NoError(t, reg.Instantiate(context.Background(), "fake-meter", "meter", nil))

	bus := document.New(document.Options{})
	eng := runengine.New(reg, bus, limits.Default(), runengine.Options{})
	return eng, bus, reg
}

// linearPlan is a minimal test-only Plan, used where a construction shape
// the builtin line_scan/grid_scan/time_series families don't produce (e.g.
// two acquires against the same device) is needed.
type linearPlan struct {
	name string
	cmds []plan.Command
}

func (p *linearPlan) Name() string               { return p.name }
func (p *linearPlan) Parameters() map[string]any  { return nil }
func (p *linearPlan) Metadata() map[string]string { return nil }
func (p *linearPlan) Commands() plan.Sequence     { return &linearSeq{cmds: p.cmds} }

type linearSeq struct {
	cmds []plan.Command
	idx  int
}

func (s *linearSeq) Next() (plan.Command, bool) {
	if s.idx >= len(s.cmds) {
		return plan.Command{}, false
	}
	c := s.cmds[s.idx]
	s.idx++
	return c, true
}

func drainDocuments(t *testing.T, sub *document.Subscription, timeout time.Duration) []document.Document {
	t.Helper()
	var out []document.Document
	for {
		select {
		case d, ok := <-sub.Documents():
			if !ok {
				return out
			}
			out = append(out, d)
			if d.Kind == document.KindStop {
				return out
			}
		case <-time.After(timeout):
			t.Fatal("timed out waiting for documents")
		}
	}
}

func TestQueueAndStartRunsLineScanToCompletion(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	planRegistry := plan.NewRegistry()

	runUID, err := eng.QueuePlan(planRegistry, plan.Descriptor{
		PlanType:      "line_scan",
		Parameters:    map[string]any{"start": 0.0, "stop": 2.0, "points": 3},
		DeviceMapping: map[string]string{"device": "motor", "detector": "meter"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, runUID)

	sub := eng.Subscribe(document.Filter{RunUID: runUID}, 32)
	require.NoError(t, eng.Start(context.Background()))

	docs := drainDocuments(t, sub, time.Second)
	require.NotEmpty(t, docs)
	assert.Equal(t, document.KindStart, docs[0].Kind)
	assert.Equal(t, document.KindDescriptor, docs[1].Kind)

	last := docs[len(docs)-1]
	require.Equal(t, document.KindStop, last.Kind)
	assert.Equal(t, "success", last.Stop.ExitStatus.Status)
	assert.Equal(t, 3, last.Stop.NumEvents)

	require.Eventually(t, func() bool {
		state, _ := eng.State()
		return state == runengine.StateReady
	}, time.Second, time.Millisecond)
}

// gatedMeter blocks its first Read until gate is closed, giving a test a
// deterministic window in which the run is known to still be in-flight.
type gatedMeter struct {
	gate  chan struct{}
	value float64
}

func (m *gatedMeter) Read(ctx context.Context) (float64, error) {
	select {
	case <-m.gate:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return m.value, nil
}
func (m *gatedMeter) Stream(ctx context.Context, rateHz float64, channel string) (<-chan capability.Reading, func(), error) {
	ch := make(chan capability.Reading)
	return ch, func() { close(ch) }, nil
}

type gatedMeterFactory struct{ meter *gatedMeter }

func (f gatedMeterFactory) Build(ctx context.Context, cfg any) (registry.BuildResult, error) {
	return registry.BuildResult{Type: "gated-meter", Capabilities: map[capability.Name]any{capability.Readable: f.meter}}, nil
}

func TestPauseDoesNotCancelInFlightCommandAndResumeContinues(t *testing.T) {
	reg := registry.New()
	meter := &gatedMeter{gate: make(chan struct{}), value: 1.0}
	require.NoError(t, reg.RegisterFactory("gated-meter", gatedMeterFactory{meter: meter}))
	require.NoError(t, reg.Instantiate(context.Background(), "gated-meter", "meter", nil))

	bus := document.New(document.Options{})
	eng := runengine.New(reg, bus, limits.Default(), runengine.Options{})
	planRegistry := plan.NewRegistry()

	runUID, err := eng.QueuePlan(planRegistry, plan.Descriptor{
		PlanType:      "time_series",
		Parameters:    map[string]any{"interval_ms": 1.0, "samples": 2},
		DeviceMapping: map[string]string{"detector": "meter"},
	})
	require.NoError(t, err)

	sub := eng.Subscribe(document.Filter{RunUID: runUID}, 32)
	require.NoError(t, eng.Start(context.Background()))

	// The first read is parked on meter's gate, so the run cannot have
	// finished here (it is mid-read or has not yet reached its first
	// command); pausing must succeed without disturbing it.
	require.NoError(t, eng.Pause())
	state, _ := eng.State()
	assert.Equal(t, runengine.StatePaused, state)

	close(meter.gate)
	require.NoError(t, eng.Resume())

	docs := drainDocuments(t, sub, time.Second)
	last := docs[len(docs)-1]
	require.Equal(t, document.KindStop, last.Kind)
	assert.Equal(t, "success", last.Stop.ExitStatus.Status)
	assert.Equal(t, 2, last.Stop.NumEvents)
}

func TestAbortReturnsEngineToReadyWithAbortExitStatus(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	planRegistry := plan.NewRegistry()

	runUID, err := eng.QueuePlan(planRegistry, plan.Descriptor{
		PlanType:      "time_series",
		Parameters:    map[string]any{"interval_ms": 50.0, "samples": 100},
		DeviceMapping: map[string]string{"detector": "meter"},
	})
	require.NoError(t, err)

	sub := eng.Subscribe(document.Filter{RunUID: runUID}, 256)
	require.NoError(t, eng.Start(context.Background()))

	require.NoError(t, eng.Abort())

	docs := drainDocuments(t, sub, time.Second)
	last := docs[len(docs)-1]
	require.Equal(t, document.KindStop, last.Kind)
	assert.Equal(t, "abort", last.Stop.ExitStatus.Status)

	require.Eventually(t, func() bool {
		state, current := eng.State()
		return state == runengine.StateReady && current == ""
	}, time.Second, time.Millisecond)
}

// fakeCamera is a FrameProducer backed by a real frame.Pipeline, driven by a
// test Source that emits one frame per Dequeue call. Grounded the same way
// internal/frame's own tests drive a Pipeline (chanSource in frame_test.go).
type fakeCamera struct {
	pipeline *frame.Pipeline
	src      *pushSource
}

func (c *fakeCamera) StartStream(ctx context.Context) error { return c.pipeline.StartStream(ctx, c.src) }
func (c *fakeCamera) StopStream(ctx context.Context) error  { return c.pipeline.StopStream() }
func (c *fakeCamera) RegisterPrimaryOutput(capacity int) (<-chan *frame.Handle, error) {
	return c.pipeline.RegisterPrimaryOutput(capacity)
}
func (c *fakeCamera) RegisterObserver(cb func(frame.View), decimation, queueDepth int) (frame.ObserverHandle, error) {
	return c.pipeline.RegisterObserver(cb, decimation, queueDepth)
}
func (c *fakeCamera) UnregisterObserver(h frame.ObserverHandle) { c.pipeline.UnregisterObserver(h) }

type pushSource struct {
	ready chan struct{}
	n     int
}

func newPushSource() *pushSource { return &pushSource{ready: make(chan struct{}, 64)} }
func (s *pushSource) push()      { s.ready <- struct{}{} }
func (s *pushSource) Ready() <-chan struct{} { return s.ready }
func (s *pushSource) Dequeue(ctx context.Context, dst []byte) (frame.Meta, int, error) {
	s.n++
	n := copy(dst, []byte("frame"))
	return frame.Meta{Width: 2, Height: 2, BitDepth: 8, FrameNumber: uint64(s.n)}, n, nil
}

type cameraFactory struct{ cam *fakeCamera }

func (f cameraFactory) Build(ctx context.Context, cfg any) (registry.BuildResult, error) {
	return registry.BuildResult{Type: "fake-camera", Capabilities: map[capability.Name]any{capability.FrameProducer: f.cam}}, nil
}

func TestAcquireReusesCachedPrimaryOutputAcrossTwoAcquires(t *testing.T) {
	eng, _, reg := newTestEngine(t)

	pool, err := buffer.New(4, 64, buffer.Options{})
	require.NoError(t, err)
	pipeline := frame.New("cam", pool, frame.Options{AcquireTimeout: 200 * time.Millisecond})
	src := newPushSource()
	cam := &fakeCamera{pipeline: pipeline, src: src}
	require.NoError(t, reg.RegisterFactory("fake-camera", cameraFactory{cam: cam}))
	require.NoError(t, reg.Instantiate(context.Background(), "fake-camera", "cam", nil))

	p := &linearPlan{name: "acquire_twice", cmds: []plan.Command{
		plan.Acquire("cam", 0),
		plan.Acquire("cam", 0),
	}}
	planRegistry := plan.NewRegistry()
	planRegistry.Register("acquire_twice", func(d plan.Descriptor) (plan.Plan, error) { return p, nil })

	runUID, err := eng.QueuePlan(planRegistry, plan.Descriptor{PlanType: "acquire_twice"})
	require.NoError(t, err)

	sub := eng.Subscribe(document.Filter{RunUID: runUID}, 32)
	require.NoError(t, eng.Start(context.Background()))

	go func() {
		src.push()
		src.push()
	}()

	docs := drainDocuments(t, sub, 2*time.Second)
	last := docs[len(docs)-1]
	require.Equal(t, document.KindStop, last.Kind)
	assert.Equal(t, "success", last.Stop.ExitStatus.Status)
	assert.Equal(t, 2, last.Stop.NumEvents)
}
