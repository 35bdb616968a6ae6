package mockdevice

import (
	"context"
	"time"

	"rudaq/internal/buffer"
	"rudaq/internal/capability"
	"rudaq/internal/daqerr"
	"rudaq/internal/frame"
	"rudaq/internal/parameter"
	"rudaq/internal/registry"
)

// CameraConfig sizes a simulated camera's frames and buffer pool.
type CameraConfig struct {
	Width, Height, BitDepth int
	BufferCount             int
	BufferBytes             int64
	ExposureMS              float64
}

// DefaultCameraConfig returns a small, fast-producing simulated sensor.
func DefaultCameraConfig() CameraConfig {
	return CameraConfig{Width: 64, Height: 64, BitDepth: 16, BufferCount: 8, BufferBytes: 1 << 16, ExposureMS: 10}
}

// syntheticSource is a frame.Source that manufactures one deterministic
// frame per simulated exposure interval, grounded the same way
// internal/frame's own tests drive a Pipeline (frame_test.go's chanSource),
// except the tick is self-paced by exposureMS instead of test-pushed.
type syntheticSource struct {
	ready                   chan struct{}
	width, height, bitDepth int
	exposureMS              func() float64
	counter                 int
}

func newSyntheticSource(width, height, bitDepth int, exposureMS func() float64) *syntheticSource {
	return &syntheticSource{ready: make(chan struct{}, 1), width: width, height: height, bitDepth: bitDepth, exposureMS: exposureMS}
}

func (s *syntheticSource) run(ctx context.Context) {
	for {
		ms := s.exposureMS()
		if ms <= 0 {
			ms = 10
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(ms * float64(time.Millisecond))):
		}
		select {
		case s.ready <- struct{}{}:
		default:
		}
	}
}

func (s *syntheticSource) Ready() <-chan struct{} { return s.ready }

func (s *syntheticSource) Dequeue(ctx context.Context, dst []byte) (frame.Meta, int, error) {
	s.counter++
	n := s.width * s.height * (s.bitDepth / 8)
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = byte(s.counter + i)
	}
	return frame.Meta{
		Width: s.width, Height: s.height, BitDepth: s.bitDepth,
		Timestamp: time.Now(), ExposureMS: s.exposureMS(),
	}, n, nil
}

// Camera is a simulated frame-producing device: a real frame.Pipeline over
// a self-ticking synthetic source, with exposure time as an observable
// rudaq/internal/parameter.Parameter so SetExposureMS both validates and
// changes the source's tick interval.
type Camera struct {
	pipeline *frame.Pipeline
	src      *syntheticSource
	exposure *parameter.Parameter[float64]
}

// NewCamera builds a Camera with its own dedicated buffer pool.
func NewCamera(name string, cfg CameraConfig) (*Camera, error) {
	pool, err := buffer.New(cfg.BufferCount, cfg.BufferBytes, buffer.Options{})
	if err != nil {
		return nil, err
	}
	exposure := parameter.NewBuilder("exposure_ms", cfg.ExposureMS).
		WithUnit("ms").
		WithValidator(func(v float64) error {
			if v <= 0 {
				return daqerr.New(daqerr.KindValidation, "mockdevice.Camera", "exposure_ms must be positive")
			}
			return nil
		}).
		Build()
	pipeline := frame.New(name, pool, frame.Options{AcquireTimeout: 250 * time.Millisecond})
	src := newSyntheticSource(cfg.Width, cfg.Height, cfg.BitDepth, exposure.Get)
	return &Camera{pipeline: pipeline, src: src, exposure: exposure}, nil
}

func (c *Camera) StartStream(ctx context.Context) error {
	go c.src.run(ctx)
	return c.pipeline.StartStream(ctx, c.src)
}

func (c *Camera) StopStream(ctx context.Context) error { return c.pipeline.StopStream() }

func (c *Camera) RegisterPrimaryOutput(capacity int) (<-chan *frame.Handle, error) {
	return c.pipeline.RegisterPrimaryOutput(capacity)
}

func (c *Camera) RegisterObserver(cb func(frame.View), decimation, queueDepth int) (frame.ObserverHandle, error) {
	return c.pipeline.RegisterObserver(cb, decimation, queueDepth)
}

func (c *Camera) UnregisterObserver(h frame.ObserverHandle) { c.pipeline.UnregisterObserver(h) }

func (c *Camera) SetExposureMS(ctx context.Context, ms float64) error { return c.exposure.Set(ctx, ms) }
func (c *Camera) ExposureMS(ctx context.Context) (float64, error)     { return c.exposure.Get(), nil }

// CameraFactory builds Cameras from a CameraConfig configuration fragment
// (or DefaultCameraConfig if none is supplied).
type CameraFactory struct{}

func (CameraFactory) Build(ctx context.Context, configFragment any) (registry.BuildResult, error) {
	cfg := DefaultCameraConfig()
	if c, ok := configFragment.(CameraConfig); ok {
		cfg = c
	}
	cam, err := NewCamera("mock-camera", cfg)
	if err != nil {
		return registry.BuildResult{}, daqerr.Wrap(daqerr.KindDeviceFatal, "mockdevice.CameraFactory", "failed to build camera", err)
	}
	return registry.BuildResult{
		Type: "mock-camera",
		Capabilities: map[capability.Name]any{
			capability.FrameProducer:        cam,
			capability.ExposureControllable: cam,
		},
	}, nil
}
