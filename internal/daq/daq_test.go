package daq_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rudaq/internal/capability"
	"rudaq/internal/daq"
	"rudaq/internal/document"
	"rudaq/internal/mockdevice"
	"rudaq/internal/plan"
	"rudaq/internal/registry"
	"rudaq/internal/runengine"
)

func TestQueuePlanRejectedAfterShutdownBegins(t *testing.T) {
	d := daq.New(daq.Options{ShutdownTimeout: time.Second})
	require.NoError(t, mockdevice.RegisterFactories(d.Registry()))
	require.NoError(t, d.Registry().Instantiate(context.Background(), mockdevice.FactoryMotor, "motor", nil))

	require.NoError(t, d.Shutdown(context.Background()))

	_, err := d.QueuePlan(plan.Descriptor{
		PlanType:      "line_scan",
		Parameters:    map[string]any{"start": 0.0, "stop": 1.0, "points": 2},
		DeviceMapping: map[string]string{"device": "motor"},
	})
	require.Error(t, err)
}

func TestShutdownWithNoActiveRunRetiresEveryDevice(t *testing.T) {
	d := daq.New(daq.Options{ShutdownTimeout: time.Second})
	require.NoError(t, mockdevice.RegisterFactories(d.Registry()))
	require.NoError(t, d.Registry().Instantiate(context.Background(), mockdevice.FactoryMotor, "motor", nil))
	require.NoError(t, d.Registry().Instantiate(context.Background(), mockdevice.FactoryMeter, "meter", nil))

	require.NoError(t, d.Shutdown(context.Background()))

	assert.Empty(t, d.Registry().List(registry.ListFilter{}))
}

// gatedMeterFactory wires a single pre-built gatedMeter instance into a
// Daemon's registry, the way a real vendor factory would wrap one attached
// piece of hardware.
type gatedMeterFactory struct{ meter *gatedMeter }

func (f gatedMeterFactory) Build(ctx context.Context, cfg any) (registry.BuildResult, error) {
	return registry.BuildResult{
		Type:         "gated-meter",
		Capabilities: map[capability.Name]any{capability.Readable: f.meter},
	}, nil
}

// gatedMeter is a Readable whose Read blocks until closeGate, giving the
// shutdown test a deterministic window in which a run is known to still be
// in-flight when Shutdown is called.
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

func TestShutdownAbortsActiveRunAndWaitsForStopBeforeRetiring(t *testing.T) {
	d := daq.New(daq.Options{ShutdownTimeout: 2 * time.Second})
	meter := &gatedMeter{gate: make(chan struct{}), value: 1.0}
	require.NoError(t, d.Registry().RegisterFactory("gated-meter", gatedMeterFactory{meter: meter}))
	require.NoError(t, d.Registry().Instantiate(context.Background(), "gated-meter", "meter", nil))

	runUID, err := d.QueuePlan(plan.Descriptor{
		PlanType:      "time_series",
		Parameters:    map[string]any{"interval_ms": 1.0, "samples": 1000},
		DeviceMapping: map[string]string{"detector": "meter"},
	})
	require.NoError(t, err)

	sub := d.Engine().Subscribe(document.Filter{RunUID: runUID, Kinds: []document.Kind{document.KindStop}}, 1)
	require.NoError(t, d.Start(context.Background()))

	// The first read is parked on meter's gate, so the run is guaranteed to
	// still be mid-command when Shutdown is called; Shutdown must still abort
	// it and wait for its Stop document before retiring the device.
	require.NoError(t, d.Shutdown(context.Background()))

	select {
	case doc := <-sub.Documents():
		require.Equal(t, document.KindStop, doc.Kind)
		assert.Equal(t, "abort", doc.Stop.ExitStatus.Status)
	default:
		t.Fatal("expected Shutdown to have already delivered a Stop document before returning")
	}

	state, _ := d.Engine().State()
	assert.Equal(t, runengine.StateReady, state)
	assert.Empty(t, d.Registry().List(registry.ListFilter{}))
}
