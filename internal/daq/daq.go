// Package daq implements the Daemon facade (spec E.3): the seam an
// adapter would call into, assembling the registry, run engine, document
// bus, and limits into one value with Start/Shutdown lifecycle methods.
// It is not a transport — no wire format, no listener — exactly as the
// teacher's engine.Engine is the seam its CLI calls into rather than a
// server itself.
package daq

import (
	"context"
	"sync/atomic"
	"time"

	"rudaq/internal/capability"
	"rudaq/internal/config"
	"rudaq/internal/daqerr"
	"rudaq/internal/document"
	"rudaq/internal/plan"
	"rudaq/internal/recovery"
	"rudaq/internal/registry"
	"rudaq/internal/runengine"
	"rudaq/internal/telemetry/logging"
	"rudaq/internal/telemetry/metrics"
)

// Options configures a new Daemon.
type Options struct {
	Config          config.Config
	Logger          logging.Logger
	Metrics         metrics.Provider
	Recovery        *recovery.Manager
	PlanRegistry    *plan.Registry
	Timeouts        runengine.Timeouts
	ShutdownTimeout time.Duration
}

// Daemon owns one Registry, one RunEngine, and one document Bus for the
// process, mirroring the teacher's Engine (one pipeline, one rate
// limiter, one resource manager per process).
type Daemon struct {
	registry     *registry.Registry
	bus          *document.Bus
	engine       *runengine.Engine
	planRegistry *plan.Registry

	log             logging.Logger
	shutdownTimeout time.Duration

	accepting atomic.Bool
}

// New assembles a Daemon ready to accept device registrations and queued
// plans. It does not start the run engine itself — call Start on the
// returned Daemon's Engine once devices are registered.
func New(opts Options) *Daemon {
	if opts.Config == (config.Config{}) {
		opts.Config = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = logging.New(nil)
	}
	mp := opts.Metrics
	if mp == nil {
		mp = metrics.NewNoopProvider()
	}
	recov := opts.Recovery
	if recov == nil {
		rc := opts.Config.Retry
		policy := recovery.Policy{
			MaxRetries: rc.MaxRetries, InitialBackoff: rc.InitialBackoff, BackoffMultiplier: rc.BackoffMultiplier,
		}
		recov = recovery.NewManager(policy, rc.CircuitThreshold, rc.CircuitWindow, rc.CircuitCooldown)
	}
	planRegistry := opts.PlanRegistry
	if planRegistry == nil {
		planRegistry = plan.NewRegistry()
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	reg := registry.New()
	bus := document.New(document.Options{Logger: log, Metrics: mp})
	engine := runengine.New(reg, bus, opts.Config.Limits, runengine.Options{
		Timeouts: opts.Timeouts, Logger: log, Metrics: mp, Recovery: recov,
	})

	d := &Daemon{
		registry: reg, bus: bus, engine: engine, planRegistry: planRegistry,
		log: log, shutdownTimeout: shutdownTimeout,
	}
	d.accepting.Store(true)
	return d
}

// Registry exposes the Daemon's device registry for adapter-layer device
// registration (§4.4 operations: Instantiate, Retire, List, ...).
func (d *Daemon) Registry() *registry.Registry { return d.registry }

// Bus exposes the document bus for subscribe_documents (§6).
func (d *Daemon) Bus() *document.Bus { return d.bus }

// Engine exposes the run engine for start/pause/resume/abort/state (§6).
func (d *Daemon) Engine() *runengine.Engine { return d.engine }

// PlanRegistry exposes the plan_type -> constructor registry QueuePlan
// resolves descriptors against.
func (d *Daemon) PlanRegistry() *plan.Registry { return d.planRegistry }

// QueuePlan resolves and enqueues a plan, unless the Daemon has begun
// shutting down (§5 phase 1: "stop accepting new plans").
func (d *Daemon) QueuePlan(descriptor plan.Descriptor) (string, error) {
	if !d.accepting.Load() {
		return "", daqerr.New(daqerr.KindInvariantViolation, "daq.QueuePlan", "daemon is shutting down, not accepting new plans")
	}
	return d.engine.QueuePlan(d.planRegistry, descriptor)
}

// Start begins executing the oldest queued plan.
func (d *Daemon) Start(ctx context.Context) error { return d.engine.Start(ctx) }

// Shutdown runs spec §5's five ordered phases, bounded overall by the
// Daemon's configured ShutdownTimeout: (1) stop accepting new plans, (2)
// abort an active run and wait for its Stop document, (3) stop every
// frame-producing device's stream, (4) retire every device (waiting for
// in-flight capability calls to drain), (5) drop the buffer pool last.
// There is no Daemon-level buffer pool to free in phase 5: each camera
// owns its pool inside its own frame.Pipeline (§4.5), so it is released
// as a consequence of that device's Retire call in phase 4 — phase 5 is
// therefore an ordering guarantee (retire devices before anything else
// that might still reference their pools), not a separate free.
// Exceeding the timeout is fatal and logged, matching spec §5.
func (d *Daemon) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.shutdownTimeout)
	defer cancel()

	// Phase 1: stop accepting new plans.
	d.accepting.Store(false)

	// Phase 2: abort the active run, if any, and wait for its Stop.
	if err := d.abortActiveRunAndWait(ctx); err != nil {
		d.log.ErrorCtx(ctx, "shutdown: phase 2 failed", "error", err)
		return err
	}

	// Phase 3: stop every frame stream.
	for _, item := range d.registry.ListCapability(capability.FrameProducer) {
		producer, ok := item.Handle.(capability.FrameProducer)
		if !ok {
			continue
		}
		if err := producer.StopStream(ctx); err != nil {
			d.log.WarnCtx(ctx, "shutdown: stop_stream failed", "device_id", string(item.ID), "error", err)
		}
	}

	// Phase 4: retire every device (waits for in-flight calls to drain).
	for _, item := range d.registry.List(registry.ListFilter{}) {
		if err := d.registry.Retire(ctx, item.ID); err != nil {
			d.log.ErrorCtx(ctx, "shutdown: retire failed", "device_id", string(item.ID), "error", err)
			return err
		}
	}

	// Phase 5: see doc comment above — nothing left to do here.
	return nil
}

func (d *Daemon) abortActiveRunAndWait(ctx context.Context) error {
	state, runUID := d.engine.State()
	if state == runengine.StateReady || runUID == "" {
		return nil
	}

	sub := d.engine.Subscribe(document.Filter{RunUID: runUID, Kinds: []document.Kind{document.KindStop}}, 1)
	defer sub.Unsubscribe()

	if err := d.engine.Abort(); err != nil && !daqerr.Is(err, daqerr.KindInvariantViolation) {
		return err
	}

	select {
	case <-sub.Documents():
		return nil
	case <-ctx.Done():
		return daqerr.Wrap(daqerr.KindInvariantViolation, "daq.Shutdown", "timed out waiting for active run to stop", ctx.Err())
	}
}
