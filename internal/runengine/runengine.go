// Package runengine implements the Run Engine (spec §4.6): the single
// logical command-consumption task that pulls Commands from one Plan at a
// time, drives them through the registry's capability handles, and emits
// Documents onto the bus.
//
// The state machine and single-consumer goroutine shape are grounded on
// the teacher's internal/pipeline/pipeline.go: one owned context/cancel
// pair gating every stage, a single goroutine pulling from a queue,
// ctx.Done() checked at every suspension point, and Stop()-style graceful
// shutdown that waits for the in-flight unit of work before returning.
package runengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"rudaq/internal/capability"
	"rudaq/internal/daqerr"
	"rudaq/internal/document"
	"rudaq/internal/frame"
	"rudaq/internal/limits"
	"rudaq/internal/plan"
	"rudaq/internal/recovery"
	"rudaq/internal/registry"
	"rudaq/internal/telemetry/logging"
	"rudaq/internal/telemetry/metrics"
)

// State is one of the five engine states (spec §4.6).
type State string

const (
	StateReady    State = "ready"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Timeouts holds the per-command-class default timeouts (spec §4.6).
// Acquisition's effective timeout is Acquisition + the command's
// exposure duration.
type Timeouts struct {
	Motion      time.Duration
	Read        time.Duration
	Acquisition time.Duration
}

// DefaultTimeouts returns spec §4.6's stated defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{Motion: 60 * time.Second, Read: 2 * time.Second, Acquisition: 10 * time.Second}
}

// queuedRun is a plan waiting to execute, with its run_uid already assigned
// at queue time so a client can subscribe before calling start().
//
// Resolves an apparent conflict in spec §4.6/§6: §6 lists
// "queue_plan(plan_descriptor) -> run_uid" (an id returned immediately),
// while §4.6's state table says "start() ... assigns a fresh run UID".
// Assigning at queue time and having start() merely pop the queue in FIFO
// order is the only reading under which a client can hold a valid run_uid
// to subscribe with before the run actually begins.
type queuedRun struct {
	runUID string
	plan   plan.Plan
}

// Engine is the Run Engine: one command-consumption task, a FIFO plan
// queue, and the shared Registry/Bus/recovery.Manager it drives through.
type Engine struct {
	registry *registry.Registry
	bus      *document.Bus
	recov    *recovery.Manager
	lim      limits.Limits
	timeouts Timeouts
	log      logging.Logger

	mu      sync.Mutex
	state   State
	queue   []queuedRun
	current string // run_uid of the active run, if any

	pauseCh  chan struct{} // closed to wake a paused loop; replaced each pause
	abortCh  chan struct{} // closed to signal abort of the current run
	shutdown bool

	acquireMu      sync.Mutex
	primaryOutputs map[string]<-chan *frame.Handle

	runsStarted metrics.Counter
	runsFailed  metrics.Counter
	eventsTotal metrics.Counter
}

// Options configures a new Engine.
type Options struct {
	Timeouts Timeouts
	Logger   logging.Logger
	Metrics  metrics.Provider
	Recovery *recovery.Manager
}

// New constructs an Engine in the Ready state with an empty queue.
func New(reg *registry.Registry, bus *document.Bus, lim limits.Limits, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = logging.New(nil)
	}
	mp := opts.Metrics
	if mp == nil {
		mp = metrics.NewNoopProvider()
	}
	timeouts := opts.Timeouts
	if timeouts == (Timeouts{}) {
		timeouts = DefaultTimeouts()
	}
	recov := opts.Recovery
	if recov == nil {
		recov = recovery.NewManager(recovery.DefaultPolicy(), 5, 30*time.Second, 10*time.Second)
	}
	return &Engine{
		registry:       reg,
		bus:            bus,
		recov:          recov,
		lim:            lim,
		timeouts:       timeouts,
		log:            log,
		state:          StateReady,
		primaryOutputs: make(map[string]<-chan *frame.Handle),
		runsStarted: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "rudaq", Subsystem: "run_engine", Name: "runs_started_total", Help: "runs started",
		}}),
		runsFailed: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "rudaq", Subsystem: "run_engine", Name: "runs_failed_total", Help: "runs ending in error or abort",
		}}),
		eventsTotal: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "rudaq", Subsystem: "run_engine", Name: "events_total", Help: "Events emitted across all runs",
		}}),
	}
}

// QueuePlan resolves descriptor against planRegistry, assigns a fresh
// time-ordered run_uid, and enqueues it. Does not change engine state.
func (e *Engine) QueuePlan(planRegistry *plan.Registry, descriptor plan.Descriptor) (string, error) {
	if err := e.lim.CheckPlanParams(len(descriptor.Parameters)); err != nil {
		return "", err
	}
	p, err := planRegistry.Build(descriptor)
	if err != nil {
		return "", err
	}
	n := 0
	for seq := p.Commands(); n <= e.lim.MaxCommandQueue; n++ {
		if _, ok := seq.Next(); !ok {
			break
		}
	}
	if err := e.lim.CheckCommandQueue(n); err != nil {
		return "", daqerr.Wrap(daqerr.KindValidation, "runengine.QueuePlan", "plan has too many commands", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	id, err := uuid.NewV7()
	if err != nil {
		return "", daqerr.Wrap(daqerr.KindInvariantViolation, "runengine.QueuePlan", "run_uid generation failed", err)
	}
	runUID := id.String()
	e.queue = append(e.queue, queuedRun{runUID: runUID, plan: p})
	return runUID, nil
}

// Start pops the oldest queued plan and begins executing it on a new
// goroutine. Fails if the engine isn't Ready or the queue is empty.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateReady {
		e.mu.Unlock()
		return daqerr.New(daqerr.KindInvariantViolation, "runengine.Start", fmt.Sprintf("engine not ready (state=%s)", e.state))
	}
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return daqerr.New(daqerr.KindValidation, "runengine.Start", "queue is empty")
	}
	run := e.queue[0]
	e.queue = e.queue[1:]
	e.state = StateRunning
	e.current = run.runUID
	e.pauseCh = make(chan struct{})
	e.abortCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	abortCh := e.abortCh
	e.mu.Unlock()

	e.runsStarted.Inc(1)
	done := make(chan struct{})
	go func() {
		select {
		case <-abortCh:
			cancel()
		case <-done:
		}
	}()
	go func() {
		defer cancel()
		defer close(done)
		e.runLoop(runCtx, run)
	}()
	return nil
}

// Pause requests a cooperative pause at the next safe point (top of the
// command loop). It does not cancel an in-flight command.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return daqerr.New(daqerr.KindInvariantViolation, "runengine.Pause", fmt.Sprintf("cannot pause from state=%s", e.state))
	}
	e.state = StatePaused
	return nil
}

// Resume wakes a paused engine and continues executing the next command.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return daqerr.New(daqerr.KindInvariantViolation, "runengine.Resume", fmt.Sprintf("cannot resume from state=%s", e.state))
	}
	e.state = StateRunning
	close(e.pauseCh)
	e.pauseCh = make(chan struct{})
	return nil
}

// Abort immediately cancels the in-flight run. The run's Stop document is
// emitted with exit_status=abort; the engine returns to Ready once cleanup
// finishes (spec §8 scenario 3: "engine back in ready").
func (e *Engine) Abort() error {
	e.mu.Lock()
	if e.state != StateRunning && e.state != StatePaused {
		e.mu.Unlock()
		return daqerr.New(daqerr.KindInvariantViolation, "runengine.Abort", fmt.Sprintf("cannot abort from state=%s", e.state))
	}
	wasPaused := e.state == StatePaused
	e.state = StateStopping
	abortCh := e.abortCh
	pauseCh := e.pauseCh
	e.mu.Unlock()

	close(abortCh)
	if wasPaused {
		// wake the paused loop so it observes ctx.Done() promptly instead of
		// waiting for a resume() that will never come.
		close(pauseCh)
	}
	return nil
}

// State reports the engine's current state and the active run_uid, if any.
func (e *Engine) State() (State, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.current
}

// Subscribe delegates to the underlying document Bus (spec §6
// subscribe_documents).
func (e *Engine) Subscribe(filter document.Filter, queueDepth int) *document.Subscription {
	return e.bus.Subscribe(filter, queueDepth)
}

func (e *Engine) finishRun(runUID string, status document.ExitStatus, numEvents int) {
	e.bus.Publish(document.NewStop(document.Stop{RunUID: runUID, Timestamp: time.Now(), ExitStatus: status, NumEvents: numEvents}))
	if status.Status != "success" {
		e.runsFailed.Inc(1)
	}
	e.mu.Lock()
	e.current = ""
	e.state = StateReady
	e.mu.Unlock()
}

// runLoop is the single logical command-consumption task for one run.
func (e *Engine) runLoop(ctx context.Context, run queuedRun) {
	e.bus.Publish(document.NewStart(document.Start{
		RunUID: run.runUID, PlanName: run.plan.Name(), Timestamp: time.Now(),
		Parameters: run.plan.Parameters(), Metadata: run.plan.Metadata(),
	}))

	const streamName = "primary"
	descriptorEmitted := false

	seq, fail := e.drive(ctx, run, streamName, &descriptorEmitted)
	e.mu.Lock()
	aborted := e.state == StateStopping
	e.mu.Unlock()
	switch {
	case ctx.Err() != nil || aborted:
		e.finishRun(run.runUID, document.Abort(), int(seq))
	case fail != nil:
		e.finishRun(run.runUID, document.Error(fail.Error()), int(seq))
	default:
		e.finishRun(run.runUID, document.Success(), int(seq))
	}
}

// drive pulls and executes Commands until the plan is exhausted, the
// context is cancelled, or a command fails unrecoverably.
func (e *Engine) drive(ctx context.Context, run queuedRun, streamName string, descriptorEmitted *bool) (seq uint64, failErr error) {
	commands := run.plan.Commands()
	for {
		if ctx.Err() != nil {
			return seq, nil
		}
		if err := e.awaitSafePoint(ctx); err != nil {
			return seq, nil
		}

		cmd, ok := commands.Next()
		if !ok {
			return seq, nil
		}

		e.mu.Lock()
		stopping := e.state == StateStopping
		e.mu.Unlock()
		if stopping {
			return seq, nil
		}

		nextSeq, err := e.execute(ctx, run.runUID, streamName, descriptorEmitted, seq, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return nextSeq, nil
			}
			return nextSeq, err
		}
		seq = nextSeq
	}
}

// awaitSafePoint blocks while the engine is Paused, waking on resume or
// abort. It is the only point in the loop where a pause takes effect,
// matching §4.6's "does not cancel an in-flight command."
func (e *Engine) awaitSafePoint(ctx context.Context) error {
	for {
		e.mu.Lock()
		state := e.state
		pauseCh := e.pauseCh
		e.mu.Unlock()
		if state != StatePaused {
			return nil
		}
		select {
		case <-pauseCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) execute(ctx context.Context, runUID, streamName string, descriptorEmitted *bool, seq uint64, cmd plan.Command) (uint64, error) {
	switch cmd.Kind {
	case plan.CmdMove:
		cctx, cancel := context.WithTimeout(ctx, e.timeouts.Motion)
		defer cancel()
		err := e.recov.Execute(cctx, cmd.DeviceID, func(ctx context.Context) error {
			h, err := e.registry.Narrow(registry.DeviceID(cmd.DeviceID), capability.Movable)
			if err != nil {
				return err
			}
			return e.trackOp(registry.DeviceID(cmd.DeviceID), func() error {
				return h.(capability.Movable).MoveAbsolute(ctx, cmd.Value)
			})
		})
		return seq, err

	case plan.CmdTrigger:
		cctx, cancel := context.WithTimeout(ctx, e.timeouts.Motion)
		defer cancel()
		err := e.recov.Execute(cctx, cmd.DeviceID, func(ctx context.Context) error {
			h, err := e.registry.Narrow(registry.DeviceID(cmd.DeviceID), capability.Triggerable)
			if err != nil {
				return err
			}
			return e.trackOp(registry.DeviceID(cmd.DeviceID), func() error {
				return h.(capability.Triggerable).Trigger(ctx)
			})
		})
		return seq, err

	case plan.CmdSetParameter:
		cctx, cancel := context.WithTimeout(ctx, e.timeouts.Motion)
		defer cancel()
		err := e.recov.Execute(cctx, cmd.DeviceID, func(ctx context.Context) error {
			h, err := e.registry.Narrow(registry.DeviceID(cmd.DeviceID), capability.Parameterized)
			if err != nil {
				return err
			}
			return e.trackOp(registry.DeviceID(cmd.DeviceID), func() error {
				return h.(capability.Parameterized).Set(ctx, cmd.ParameterName, cmd.ParameterValue)
			})
		})
		return seq, err

	case plan.CmdWait:
		timer := time.NewTimer(cmd.Duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return seq, nil
		case <-timer.C:
			return seq, nil
		}

	case plan.CmdCheckpoint:
		e.log.InfoCtx(ctx, "run checkpoint", "run_uid", runUID, "label", cmd.Label)
		return seq, nil

	case plan.CmdRead:
		return e.executeRead(ctx, runUID, streamName, descriptorEmitted, seq, cmd)

	case plan.CmdAcquire:
		return e.executeAcquire(ctx, runUID, streamName, descriptorEmitted, seq, cmd)

	default:
		return seq, daqerr.New(daqerr.KindInvariantViolation, "runengine.execute", fmt.Sprintf("unknown command kind %q", cmd.Kind))
	}
}

// trackOp marks id's registry entry in-flight for the duration of fn, so
// Registry.Retire blocks until any command this engine is mid-dispatch on
// that device has finished (spec §8 scenario 6: "retire blocks until the
// current move completes or its timeout elapses").
func (e *Engine) trackOp(id registry.DeviceID, fn func() error) error {
	entry, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	entry.BeginOp()
	defer entry.EndOp()
	return fn()
}

func (e *Engine) executeRead(ctx context.Context, runUID, streamName string, descriptorEmitted *bool, seq uint64, cmd plan.Command) (uint64, error) {
	if !*descriptorEmitted {
		fields := make([]document.Field, 0, len(cmd.ReadDeviceIDs))
		for _, id := range cmd.ReadDeviceIDs {
			fields = append(fields, document.Field{Name: id, Type: document.FieldReal, Units: ""})
		}
		e.bus.Publish(document.NewDescriptor(document.Descriptor{RunUID: runUID, StreamName: streamName, Fields: fields}))
		*descriptorEmitted = true
	}

	values := make(map[string]any, len(cmd.ReadDeviceIDs))
	for _, id := range cmd.ReadDeviceIDs {
		cctx, cancel := context.WithTimeout(ctx, e.timeouts.Read)
		var v float64
		err := e.recov.Execute(cctx, id, func(ctx context.Context) error {
			h, err := e.registry.Narrow(registry.DeviceID(id), capability.Readable)
			if err != nil {
				return err
			}
			return e.trackOp(registry.DeviceID(id), func() error {
				v, err = h.(capability.Readable).Read(ctx)
				return err
			})
		})
		cancel()
		if err != nil {
			return seq, err
		}
		values[id] = v
	}

	e.bus.Publish(document.NewEvent(document.Event{RunUID: runUID, StreamName: streamName, Seq: seq, Timestamp: time.Now(), Values: values}))
	e.eventsTotal.Inc(1)
	return seq + 1, nil
}

// primaryOutputFor returns the (lazily registered and started) primary
// output channel for a frame-producing device, shared across every acquire
// command against that device regardless of which run issued it — the
// underlying frame.Pipeline rejects a second RegisterPrimaryOutput/
// StartStream just as it rejects a second caller of either, so the engine
// caches the one registration it's allowed instead of retrying it per call.
//
// The stream is started against context.Background(), deliberately not the
// calling command's own ctx: that ctx is scoped to one command's timeout
// (or one run's abort), and this stream is meant to outlive it and be
// reused by every later acquire against the same device. daq.Shutdown
// stops it explicitly via producer.StopStream, which is the only way this
// stream's lifetime ends.
func (e *Engine) primaryOutputFor(deviceID string, producer capability.FrameProducer) (<-chan *frame.Handle, error) {
	e.acquireMu.Lock()
	defer e.acquireMu.Unlock()
	if ch, ok := e.primaryOutputs[deviceID]; ok {
		return ch, nil
	}
	ch, err := producer.RegisterPrimaryOutput(1)
	if err != nil {
		return nil, err
	}
	if err := producer.StartStream(context.Background()); err != nil {
		return nil, err
	}
	e.primaryOutputs[deviceID] = ch
	return ch, nil
}

func (e *Engine) executeAcquire(ctx context.Context, runUID, streamName string, descriptorEmitted *bool, seq uint64, cmd plan.Command) (uint64, error) {
	if !*descriptorEmitted {
		e.bus.Publish(document.NewDescriptor(document.Descriptor{
			RunUID: runUID, StreamName: streamName,
			Fields: []document.Field{{Name: cmd.AcquireDeviceID, Type: document.FieldImageU16}},
		}))
		*descriptorEmitted = true
	}

	timeout := e.timeouts.Acquisition + time.Duration(cmd.ExposureMS*float64(time.Millisecond))
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var values map[string]any
	err := e.recov.Execute(cctx, cmd.AcquireDeviceID, func(ctx context.Context) error {
		return e.trackOp(registry.DeviceID(cmd.AcquireDeviceID), func() error {
			return e.doAcquire(ctx, cmd, &values)
		})
	})
	if err != nil {
		return seq, err
	}

	e.bus.Publish(document.NewEvent(document.Event{RunUID: runUID, StreamName: streamName, Seq: seq, Timestamp: time.Now(), Values: values}))
	e.eventsTotal.Inc(1)
	return seq + 1, nil
}

// doAcquire narrows cmd.AcquireDeviceID's capability handles, sets its
// exposure if it supports ExposureControllable, and pulls one frame from
// its primary output, writing the resulting Event values into *values.
func (e *Engine) doAcquire(ctx context.Context, cmd plan.Command, values *map[string]any) error {
	h, err := e.registry.Narrow(registry.DeviceID(cmd.AcquireDeviceID), capability.ExposureControllable)
	if err == nil {
		_ = h.(capability.ExposureControllable).SetExposureMS(ctx, cmd.ExposureMS)
	}

	producerAny, err := e.registry.Narrow(registry.DeviceID(cmd.AcquireDeviceID), capability.FrameProducer)
	if err != nil {
		return err
	}
	producer := producerAny.(capability.FrameProducer)

	primary, err := e.primaryOutputFor(cmd.AcquireDeviceID, producer)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case handle, ok := <-primary:
		if !ok {
			return daqerr.New(daqerr.KindDeviceFatal, "runengine.executeAcquire", "primary output closed")
		}
		meta := handle.Meta()
		handle.Release()
		*values = map[string]any{
			cmd.AcquireDeviceID: map[string]any{
				"frame_number": meta.FrameNumber,
				"width":        meta.Width,
				"height":       meta.Height,
			},
		}
		return nil
	}
}
