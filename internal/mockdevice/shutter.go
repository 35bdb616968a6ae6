package mockdevice

import (
	"context"
	"time"

	"rudaq/internal/capability"
	"rudaq/internal/parameter"
	"rudaq/internal/registry"
)

// ShutterConfig sets how long Trigger holds the shutter open.
type ShutterConfig struct {
	PulseMS int64
}

// DefaultShutterConfig returns a short 5ms pulse.
func DefaultShutterConfig() ShutterConfig { return ShutterConfig{PulseMS: 5} }

// Shutter is a simulated mechanical shutter: open/close state plus a
// Triggerable pulse (open, hold, close) used by plans that arm-and-fire a
// shutter rather than driving it open/closed directly.
type Shutter struct {
	state   *parameter.Parameter[capability.ShutterState]
	pulseMS int64
}

// NewShutter builds a Shutter, closed by default.
func NewShutter(cfg ShutterConfig) *Shutter {
	return &Shutter{
		state:   parameter.NewBuilder("shutter_state", capability.ShutterClosed).Build(),
		pulseMS: cfg.PulseMS,
	}
}

func (s *Shutter) Open(ctx context.Context) error  { return s.state.Set(ctx, capability.ShutterOpen) }
func (s *Shutter) Close(ctx context.Context) error { return s.state.Set(ctx, capability.ShutterClosed) }
func (s *Shutter) State(ctx context.Context) (capability.ShutterState, error) {
	return s.state.Get(), nil
}

// Arm is a no-op for the simulated shutter; every mode fires the same pulse.
func (s *Shutter) Arm(ctx context.Context, mode capability.TriggerMode) error { return nil }

// Trigger opens the shutter, holds for pulseMS, then closes it.
func (s *Shutter) Trigger(ctx context.Context) error {
	if err := s.Open(ctx); err != nil {
		return err
	}
	select {
	case <-time.After(time.Duration(s.pulseMS) * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.Close(ctx)
}

func (s *Shutter) Disarm(ctx context.Context) error { return nil }

// ShutterFactory builds Shutters from a ShutterConfig configuration
// fragment (or DefaultShutterConfig if none is supplied).
type ShutterFactory struct{}

func (ShutterFactory) Build(ctx context.Context, configFragment any) (registry.BuildResult, error) {
	cfg := DefaultShutterConfig()
	if c, ok := configFragment.(ShutterConfig); ok {
		cfg = c
	}
	sh := NewShutter(cfg)
	return registry.BuildResult{
		Type: "mock-shutter",
		Capabilities: map[capability.Name]any{
			capability.ShutterControllable: sh,
			capability.Triggerable:         sh,
		},
	}, nil
}
