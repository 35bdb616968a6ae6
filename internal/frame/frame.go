// Package frame implements the zero-allocation frame pipeline (spec §4.5):
// a per-producer pre-allocated buffer pool feeding exactly one primary
// consumer channel and N best-effort, decimating observers, with a
// defined fallback and drop policy under backpressure.
//
// The producer loop is grounded on go4vl's captureFrames
// (other_examples/..._go4vl__device-capture_frames.go.go): a select over a
// hardware-ready channel and ctx.Done(), dequeuing into a pooled buffer,
// non-blocking send to a primary channel with an explicit drop-and-count
// path when the consumer is too slow. dastard's blockingRead loop
// (other_examples/..._dastard__data_source.go.go) grounds the companion
// Source contract for vendor SDKs whose dequeue call is blocking and
// non-cancellable: implementations run that call on their own goroutine
// and respect ctx only at the next suspension point, exactly as §9's
// "async cancellation of SDK calls" design note prescribes.
package frame

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"rudaq/internal/buffer"
	"rudaq/internal/daqerr"
	"rudaq/internal/limits"
	"rudaq/internal/telemetry/logging"
	"rudaq/internal/telemetry/metrics"
)

// Meta is the inline metadata carried alongside every frame's bytes.
type Meta struct {
	Width, Height int
	BitDepth      int
	// FrameNumber is a 64-bit monotone counter assigned per stream by the
	// pipeline itself; it never wraps in any realistic run, unlike the
	// hardware's own counter (§9 "frame-number overflow").
	FrameNumber uint64
	// HWFrameNumber is the driver SDK's own counter, which may be 32-bit
	// signed and wrap; carried through unmodified for diagnostics.
	HWFrameNumber int32
	Timestamp     time.Time
	ExposureMS    float64
	RegionOffsetX int
	RegionOffsetY int
	TemperatureC  *float64
	BinX, BinY    int
	ActualLen     int
}

// View is a borrowed, non-owning snapshot over a live Handle's bytes,
// valid only for the duration of the callback it was handed to. Observers
// that need to keep data past that point must copy it.
type View struct {
	meta  Meta
	bytes []byte
}

func (v View) Meta() Meta    { return v.meta }
func (v View) Bytes() []byte { return v.bytes }

// Handle is a reference-counted frame: one reference held by the producer
// while it dispatches the frame, one more taken on the primary consumer's
// behalf when the primary send succeeds, plus one more for each observer
// callback in flight, so the
// backing buffer is not returned to the pool — or, for a heap-fallback
// frame, left for the garbage collector — until every borrower is done
// with it. Release must be called exactly once per owner/borrower.
type Handle struct {
	meta Meta
	buf  *buffer.Buffer // nil for a heap-fallback frame
	heap []byte         // non-nil only for a heap-fallback frame
	refs atomic.Int32
}

func newPoolHandle(buf *buffer.Buffer, meta Meta) *Handle {
	h := &Handle{buf: buf, meta: meta}
	h.refs.Store(1)
	return h
}

func newHeapHandle(data []byte, meta Meta) *Handle {
	h := &Handle{heap: data, meta: meta}
	h.refs.Store(1)
	return h
}

// Meta returns the frame's metadata.
func (h *Handle) Meta() Meta { return h.meta }

// Bytes returns the frame's live bytes (length ActualLen).
func (h *Handle) Bytes() []byte {
	if h.buf != nil {
		return h.buf.Bytes()[:h.meta.ActualLen]
	}
	return h.heap[:h.meta.ActualLen]
}

// View returns a borrowed snapshot suitable for handing to an observer.
func (h *Handle) View() View { return View{meta: h.meta, bytes: h.Bytes()} }

func (h *Handle) retain() { h.refs.Add(1) }

// Release drops one reference. The last releaser returns a pool-backed
// buffer to its pool; a heap-fallback frame is simply abandoned to the
// garbage collector.
func (h *Handle) Release() {
	if h.refs.Add(-1) != 0 {
		return
	}
	if h.buf != nil {
		h.buf.Release()
	}
}

// ObserverHandle is the opaque token returned by RegisterObserver (spec §3
// "Observer Handle"), used only for Unregister.
type ObserverHandle uint64

// Source is the driver side of the pipeline: it signals frame availability
// and dequeues bytes into a caller-provided buffer. Implementations whose
// underlying SDK call is blocking and non-cancellable should run Dequeue's
// blocking portion on a dedicated goroutine and only honor ctx at its next
// natural suspension point (§9).
type Source interface {
	// Ready yields once per frame available to dequeue, mirroring
	// v4l2.WaitForRead in the grounding example.
	Ready() <-chan struct{}
	// Dequeue copies the next ready frame into dst and returns its
	// metadata (Width/Height/BitDepth/HWFrameNumber/Timestamp/... populated
	// by the driver; FrameNumber and ActualLen are filled in by the
	// pipeline). actualLen is the number of live bytes written into dst.
	Dequeue(ctx context.Context, dst []byte) (meta Meta, actualLen int, err error)
}

type observerEntry struct {
	id         ObserverHandle
	decimation int
	counter    uint64 // mutated only by the single producer goroutine
	queue      chan *Handle
	done       chan struct{}
	drops      metrics.Counter
}

// Pipeline is the per-producer frame data path: one buffer pool, one
// primary consumer channel, a set of observers.
type Pipeline struct {
	name string
	pool *buffer.Pool
	lim  limits.Limits

	acquireTimeout time.Duration

	log     logging.Logger
	metrics metrics.Provider

	mu        sync.RWMutex
	primary   chan *Handle
	streaming bool
	cancel    context.CancelFunc
	observers map[ObserverHandle]*observerEntry
	nextObsID atomic.Uint64

	frameCounter atomic.Uint64
	warnLimiter  rateLimiter

	framesProduced   metrics.Counter
	poolHits         metrics.Counter
	heapFallbacks    metrics.Counter
	primaryDelivered metrics.Counter
	primaryDrops     metrics.Counter
	poolHighWater    metrics.Gauge
}

// Options configures a Pipeline.
type Options struct {
	AcquireTimeout time.Duration // absolute duration; zero or negative means 100ms (not derived from the source's frame interval)
	Logger         logging.Logger
	Metrics        metrics.Provider
	Limits         limits.Limits
}

// New creates a Pipeline drawing buffers from pool.
func New(name string, pool *buffer.Pool, opts Options) *Pipeline {
	mp := opts.Metrics
	if mp == nil {
		mp = metrics.NewNoopProvider()
	}
	lg := opts.Logger
	if lg == nil {
		lg = logging.New(nil)
	}
	lim := opts.Limits
	if lim == (limits.Limits{}) {
		lim = limits.Default()
	}
	timeout := opts.AcquireTimeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	p := &Pipeline{
		name:           name,
		pool:           pool,
		lim:            lim,
		acquireTimeout: timeout,
		log:            lg,
		metrics:        mp,
		observers:      make(map[ObserverHandle]*observerEntry),
	}
	labels := []string{"producer"}
	p.framesProduced = mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "rudaq", Subsystem: "frame_pipeline", Name: "frames_produced_total", Help: "frames produced", Labels: labels,
	}})
	p.poolHits = mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "rudaq", Subsystem: "frame_pipeline", Name: "pool_hits_total", Help: "frames filled from a pool buffer", Labels: labels,
	}})
	p.heapFallbacks = mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "rudaq", Subsystem: "frame_pipeline", Name: "heap_fallbacks_total", Help: "frames filled into a heap-allocated buffer after a pool acquire timeout", Labels: labels,
	}})
	p.primaryDelivered = mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "rudaq", Subsystem: "frame_pipeline", Name: "primary_delivered_total", Help: "frames delivered to the primary consumer", Labels: labels,
	}})
	p.primaryDrops = mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "rudaq", Subsystem: "frame_pipeline", Name: "primary_drops_total", Help: "frames dropped because the primary channel was full", Labels: labels,
	}})
	p.poolHighWater = mp.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "rudaq", Subsystem: "frame_pipeline", Name: "pool_high_water_mark", Help: "highest observed number of buffers simultaneously in use", Labels: labels,
	}})
	return p
}

// RegisterPrimaryOutput creates the single primary consumer channel. Only
// the first call succeeds: any later call is rejected whether or not a
// stream is running, since StopStream does not clear the registration.
func (p *Pipeline) RegisterPrimaryOutput(capacity int) (<-chan *Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.primary != nil {
		return nil, daqerr.New(daqerr.KindValidation, "frame.RegisterPrimaryOutput", "primary consumer already registered")
	}
	if capacity <= 0 {
		capacity = 1
	}
	p.primary = make(chan *Handle, capacity)
	return p.primary, nil
}

// RegisterObserver registers a best-effort observer callback. decimation=N
// delivers only every N-th frame to this observer; decimation<=1 delivers
// every frame. Rejected once max_observer_count would be exceeded (§8).
func (p *Pipeline) RegisterObserver(cb func(View), decimation, queueDepth int) (ObserverHandle, error) {
	if decimation <= 0 {
		decimation = 1
	}
	if queueDepth <= 0 {
		queueDepth = 4
	}
	p.mu.Lock()
	if err := p.lim.CheckObserverCount(len(p.observers) + 1); err != nil {
		p.mu.Unlock()
		return 0, err
	}
	id := ObserverHandle(p.nextObsID.Add(1))
	e := &observerEntry{id: id, decimation: decimation, queue: make(chan *Handle, queueDepth), done: make(chan struct{})}
	e.drops = p.metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "rudaq", Subsystem: "frame_pipeline", Name: "observer_drops_total",
		Help: "frames dropped for a single observer because its queue was full", Labels: []string{"producer", "observer"},
	}})
	p.observers[id] = e
	p.mu.Unlock()
	go p.runObserver(e, cb)
	return id, nil
}

// UnregisterObserver removes an observer. Any frames already queued for it
// are released without invoking the callback.
func (p *Pipeline) UnregisterObserver(h ObserverHandle) {
	p.mu.Lock()
	e, ok := p.observers[h]
	if ok {
		delete(p.observers, h)
	}
	p.mu.Unlock()
	if ok {
		close(e.done)
	}
}

func (p *Pipeline) runObserver(e *observerEntry, cb func(View)) {
	for {
		select {
		case h, ok := <-e.queue:
			if !ok {
				return
			}
			select {
			case <-e.done:
				h.Release()
				continue
			default:
			}
			invokeObserver(p.log, cb, h)
		case <-e.done:
			for {
				select {
				case h := <-e.queue:
					h.Release()
				default:
					return
				}
			}
		}
	}
}

func invokeObserver(log logging.Logger, cb func(View), h *Handle) {
	defer h.Release()
	defer func() {
		if r := recover(); r != nil {
			log.ErrorCtx(context.Background(), "frame observer callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	cb(h.View())
}

// StartStream launches the producer loop against src until ctx is done or
// StopStream is called. RegisterPrimaryOutput must be called first.
func (p *Pipeline) StartStream(ctx context.Context, src Source) error {
	p.mu.Lock()
	if p.streaming {
		p.mu.Unlock()
		return daqerr.New(daqerr.KindValidation, "frame.StartStream", "stream already running")
	}
	if p.primary == nil {
		p.mu.Unlock()
		return daqerr.New(daqerr.KindInvariantViolation, "frame.StartStream", "no primary consumer registered")
	}
	streamCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.streaming = true
	p.mu.Unlock()

	go p.run(streamCtx, src)
	return nil
}

// StopStream cancels the producer loop. Idempotent.
func (p *Pipeline) StopStream() error {
	p.mu.Lock()
	if !p.streaming {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.streaming = false
	p.mu.Unlock()
	cancel()
	return nil
}

func (p *Pipeline) run(ctx context.Context, src Source) {
	for {
		select {
		case <-src.Ready():
			if stop := p.produceOne(ctx, src); stop {
				_ = p.StopStream()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// produceOne implements the six-step per-frame algorithm of spec §4.5.
// It returns true if the primary channel was found closed and the stream
// must shut down.
func (p *Pipeline) produceOne(ctx context.Context, src Source) (stopStream bool) {
	handle, ok := p.fillFrame(ctx, src)
	if !ok {
		return false
	}
	p.framesProduced.Inc(1, p.name)
	p.poolHighWater.Set(float64(p.pool.Size()-p.pool.Available()), p.name)

	sent, closed := p.trySendPrimary(handle)
	switch {
	case closed:
		p.log.ErrorCtx(ctx, fmt.Sprintf("%s: primary channel closed, stopping stream", p.name))
		handle.Release()
		return true
	case sent:
		p.primaryDelivered.Inc(1, p.name)
	default:
		p.primaryDrops.Inc(1, p.name)
		p.log.WarnCtx(ctx, fmt.Sprintf("%s: primary channel full, dropping frame", p.name))
	}

	p.dispatchObservers(handle)
	// Release the producer/primary-transfer reference. If the frame was
	// dropped above this is the last reference and the buffer returns to
	// the pool immediately; if it was sent or handed to observers, theirs
	// keep it alive until they finish with it.
	handle.Release()
	return false
}

func (p *Pipeline) fillFrame(ctx context.Context, src Source) (*Handle, bool) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	buf, err := p.pool.Acquire(acquireCtx)
	cancel()
	if err == nil {
		meta, n, derr := src.Dequeue(ctx, buf.Bytes())
		if derr != nil {
			buf.Release()
			p.log.WarnCtx(ctx, fmt.Sprintf("%s: dequeue failed", p.name), "error", derr.Error())
			return nil, false
		}
		meta.ActualLen = n
		meta.FrameNumber = p.frameCounter.Add(1)
		p.poolHits.Inc(1, p.name)
		return newPoolHandle(buf, meta), true
	}

	// Pool exhausted within the acquire window: fall back to a one-off
	// heap buffer so the frame is not lost, per the backpressure contract.
	heapBuf := make([]byte, heapFallbackSize(p))
	meta, n, derr := src.Dequeue(ctx, heapBuf)
	if derr != nil {
		p.log.WarnCtx(ctx, fmt.Sprintf("%s: dequeue failed during heap fallback", p.name), "error", derr.Error())
		return nil, false
	}
	meta.ActualLen = n
	meta.FrameNumber = p.frameCounter.Add(1)
	p.heapFallbacks.Inc(1, p.name)
	if p.warnLimiter.allow() {
		p.log.WarnCtx(ctx, fmt.Sprintf("%s: buffer pool exhausted, using heap fallback", p.name))
	}
	return newHeapHandle(heapBuf, meta), true
}

func heapFallbackSize(p *Pipeline) int64 {
	// Every buffer in a pool is the same fixed size; TryAcquire a
	// just-released one to learn it rather than threading the size
	// through Options, respecting the pool as the single source of truth.
	if b, ok := p.pool.TryAcquire(); ok {
		n := int64(b.Len())
		b.Release()
		return n
	}
	return 8 << 20 // spec's nominal ~8 MB frame size, used only if the pool is fully drained
}

// trySendPrimary attempts a non-blocking handoff of h to the primary
// channel. A successful send retains h on the consumer's behalf — the
// caller's own reference is released separately once this returns, per
// produceOne's accounting — so the buffer isn't returned to the pool out
// from under a consumer that hasn't read it yet.
func (p *Pipeline) trySendPrimary(h *Handle) (sent, closed bool) {
	h.retain()
	ok := false
	defer func() {
		if r := recover(); r != nil {
			closed = true
		}
		if !ok {
			h.Release()
		}
	}()
	p.mu.RLock()
	ch := p.primary
	p.mu.RUnlock()
	select {
	case ch <- h:
		ok = true
		sent = true
	default:
	}
	return
}

func (p *Pipeline) dispatchObservers(h *Handle) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.observers {
		e.counter++
		if e.counter%uint64(e.decimation) != 0 {
			continue
		}
		h.retain()
		select {
		case e.queue <- h:
		default:
			h.Release()
			e.drops.Inc(1, p.name, strconv.FormatUint(uint64(e.id), 10))
		}
	}
}

// rateLimiter implements §4.5 step 4's "at most one warning per second
// plus every 100th occurrence" policy.
type rateLimiter struct {
	mu    sync.Mutex
	last  time.Time
	count uint64
}

func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	if time.Since(r.last) >= time.Second {
		r.last = time.Now()
		return true
	}
	return r.count%100 == 0
}
