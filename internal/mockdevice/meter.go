package mockdevice

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"rudaq/internal/capability"
	"rudaq/internal/registry"
)

// MeterConfig parameterizes a simulated scalar sensor: a sine wave around
// Baseline with the given Amplitude, sampled once per Read call.
type MeterConfig struct {
	Baseline, Amplitude float64
	PeriodMS            int64
}

// DefaultMeterConfig returns a steady reading with a slow, small wobble.
func DefaultMeterConfig() MeterConfig {
	return MeterConfig{Baseline: 1.0, Amplitude: 0.05, PeriodMS: 1000}
}

// Meter is a simulated power-meter-style sensor: Read returns the
// instantaneous value of a deterministic sine wave (useful for assertions
// in tests without any randomness), Stream delivers it on a ticker.
type Meter struct {
	cfg     MeterConfig
	reads   atomic.Int64
	started time.Time
}

// NewMeter builds a Meter. started anchors the simulated wave's phase.
func NewMeter(cfg MeterConfig) *Meter {
	return &Meter{cfg: cfg, started: time.Now()}
}

func (m *Meter) valueAt(t time.Time) float64 {
	if m.cfg.PeriodMS <= 0 {
		return m.cfg.Baseline
	}
	phase := float64(t.Sub(m.started).Milliseconds()%m.cfg.PeriodMS) / float64(m.cfg.PeriodMS)
	return m.cfg.Baseline + m.cfg.Amplitude*math.Sin(2*math.Pi*phase)
}

func (m *Meter) Read(ctx context.Context) (float64, error) {
	m.reads.Add(1)
	return m.valueAt(time.Now()), nil
}

// Stream starts a ticker-driven subscription at rateHz, ignoring channel
// (no sub-channel routing in the simulated device). cancel stops the
// ticker and closes the returned channel exactly once.
func (m *Meter) Stream(ctx context.Context, rateHz float64, channel string) (<-chan capability.Reading, func(), error) {
	if rateHz <= 0 {
		rateHz = 10
	}
	out := make(chan capability.Reading, 16)
	ticker := time.NewTicker(time.Duration(float64(time.Second) / rateHz))
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case t := <-ticker.C:
				reading := capability.Reading{Value: m.valueAt(t), Timestamp: t}
				select {
				case out <- reading:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()

	var closeOnce atomic.Bool
	cancel := func() {
		if closeOnce.CompareAndSwap(false, true) {
			close(done)
		}
	}
	return out, cancel, nil
}

// MeterFactory builds Meters from a MeterConfig configuration fragment (or
// DefaultMeterConfig if none is supplied).
type MeterFactory struct{}

func (MeterFactory) Build(ctx context.Context, configFragment any) (registry.BuildResult, error) {
	cfg := DefaultMeterConfig()
	if c, ok := configFragment.(MeterConfig); ok {
		cfg = c
	}
	return registry.BuildResult{
		Type:         "mock-meter",
		Capabilities: map[capability.Name]any{capability.Readable: NewMeter(cfg)},
	}, nil
}
