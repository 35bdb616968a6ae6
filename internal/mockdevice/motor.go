// Package mockdevice implements the simulated backends behind the
// motor/meter/camera/shutter capability handles spec §8's end-to-end
// scenarios exercise, so plans can run against them without real hardware.
// Motor and Shutter are backed by a rudaq/internal/parameter.Parameter and
// Camera by a rudaq/internal/frame.Pipeline, not a bare struct field — the
// same building blocks a vendor driver would use, just without the SDK
// call at the bottom. Meter computes its reading directly.
package mockdevice

import (
	"context"
	"fmt"
	"time"

	"rudaq/internal/capability"
	"rudaq/internal/daqerr"
	"rudaq/internal/parameter"
	"rudaq/internal/registry"
)

// MotorConfig bounds a simulated axis's travel. MoveLatency, if positive,
// simulates the settling time a real stage would take per move — useful
// for exercising abort-mid-move timing without a real motor.
type MotorConfig struct {
	Min, Max, Home float64
	MoveLatency    time.Duration
}

// DefaultMotorConfig returns a generously bounded axis.
func DefaultMotorConfig() MotorConfig { return MotorConfig{Min: -1000, Max: 1000, Home: 0} }

// Motor is a simulated positionable axis: moves complete instantly unless
// MotorConfig.MoveLatency is set, backed
// by a validated parameter.Parameter so out-of-range targets are rejected
// the same way a real motor's soft limits would reject them.
type Motor struct {
	position    *parameter.Parameter[float64]
	min, max    float64
	home        float64
	moveLatency time.Duration
}

// NewMotor builds a Motor at its configured home position.
func NewMotor(cfg MotorConfig) *Motor {
	m := &Motor{min: cfg.Min, max: cfg.Max, home: cfg.Home, moveLatency: cfg.MoveLatency}
	m.position = parameter.NewBuilder("position", cfg.Home).
		WithUnit("mm").
		WithValidator(func(v float64) error {
			if v < m.min || v > m.max {
				return daqerr.New(daqerr.KindValidation, "mockdevice.Motor",
					fmt.Sprintf("position %v out of range [%v, %v]", v, m.min, m.max))
			}
			return nil
		}).
		Build()
	return m
}

// settle simulates the move's settling time, returning early if ctx is
// cancelled first (an aborted move leaves the device mid-travel, not
// faulted — spec §8 scenario 3).
func (m *Motor) settle(ctx context.Context) error {
	if m.moveLatency <= 0 {
		return nil
	}
	timer := time.NewTimer(m.moveLatency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Motor) MoveAbsolute(ctx context.Context, v float64) error {
	if err := m.settle(ctx); err != nil {
		return err
	}
	return m.position.Set(ctx, v)
}

func (m *Motor) MoveRelative(ctx context.Context, delta float64) error {
	if err := m.settle(ctx); err != nil {
		return err
	}
	return m.position.Set(ctx, m.position.Get()+delta)
}

func (m *Motor) Position(ctx context.Context) (float64, error) { return m.position.Get(), nil }
func (m *Motor) Home(ctx context.Context) error                { return m.position.Set(ctx, m.home) }
func (m *Motor) Stop(ctx context.Context) error                { return nil }

func (m *Motor) Limits(ctx context.Context) (float64, float64, error) { return m.min, m.max, nil }

// Read satisfies capability.Readable, reading back the axis's encoder
// position the way a line_scan plan's per-point Read(device, detector)
// command expects of the device it just moved.
func (m *Motor) Read(ctx context.Context) (float64, error) { return m.position.Get(), nil }

// Stream satisfies capability.Readable; the simulated encoder has no
// independent subscription feed, so this returns a channel that never
// delivers a reading and is closed when the returned cancel func is called.
func (m *Motor) Stream(ctx context.Context, rateHz float64, channel string) (<-chan capability.Reading, func(), error) {
	ch := make(chan capability.Reading)
	return ch, func() { close(ch) }, nil
}

// MotorFactory builds Motors from a MotorConfig configuration fragment (or
// DefaultMotorConfig if none is supplied).
type MotorFactory struct{}

func (MotorFactory) Build(ctx context.Context, configFragment any) (registry.BuildResult, error) {
	cfg := DefaultMotorConfig()
	if c, ok := configFragment.(MotorConfig); ok {
		cfg = c
	}
	m := NewMotor(cfg)
	return registry.BuildResult{
		Type: "mock-motor",
		Capabilities: map[capability.Name]any{
			capability.Movable:  m,
			capability.Readable: m,
		},
	}, nil
}
