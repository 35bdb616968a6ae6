// Package buffer implements the frame buffer pool (spec §4.1): a fixed set
// of pre-allocated, fixed-size byte buffers handed out to producers and
// returned automatically when a consumer is done with them. The free list
// is a buffered channel, the same idiom the teacher uses for its in-flight
// semaphore in engine/resources/manager.go's Acquire/Release — the Go
// runtime serves blocked channel receivers in the order they started
// waiting, which gives acquirers first-come-first-served fairness without
// any extra bookkeeping.
package buffer

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"rudaq/internal/daqerr"
	"rudaq/internal/telemetry/logging"
	"rudaq/internal/telemetry/metrics"
)

// Pool hands out fixed-size Buffers drawn from a pre-allocated backing
// store. It never grows: once Size buffers are in circulation, further
// acquires wait for a release (or the caller's context/timeout expires).
type Pool struct {
	bufBytes int64
	size     int
	free     chan *Buffer

	log     logging.Logger
	metrics metrics.Provider

	waitHist  metrics.Histogram
	available metrics.Gauge
	leaked    metrics.Counter
}

// Options configures a Pool. Metrics and Logger default to no-ops so a
// Pool is usable standalone in tests.
type Options struct {
	Logger  logging.Logger
	Metrics metrics.Provider
}

// New pre-allocates size buffers of bufBytes each and returns a Pool
// holding all of them free.
func New(size int, bufBytes int64, opts Options) (*Pool, error) {
	if size <= 0 {
		return nil, daqerr.New(daqerr.KindValidation, "buffer.New", "pool size must be positive")
	}
	if bufBytes <= 0 {
		return nil, daqerr.New(daqerr.KindValidation, "buffer.New", "buffer size must be positive")
	}
	mp := opts.Metrics
	if mp == nil {
		mp = metrics.NewNoopProvider()
	}
	lg := opts.Logger
	if lg == nil {
		lg = logging.New(nil)
	}
	p := &Pool{
		bufBytes: bufBytes,
		size:     size,
		free:     make(chan *Buffer, size),
		log:      lg,
		metrics:  mp,
		waitHist: mp.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "rudaq", Subsystem: "buffer_pool", Name: "acquire_wait_seconds",
			Help: "time spent blocked waiting for a free buffer",
		}}),
		available: mp.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "rudaq", Subsystem: "buffer_pool", Name: "available",
			Help: "number of buffers currently free",
		}}),
		leaked: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "rudaq", Subsystem: "buffer_pool", Name: "leaked_total",
			Help: "buffers reclaimed by the garbage collector instead of an explicit Release",
		}}),
	}
	for i := 0; i < size; i++ {
		b := &Buffer{pool: p, data: make([]byte, bufBytes)}
		p.free <- b
	}
	p.available.Set(float64(size))
	return p, nil
}

// Size returns the total number of buffers the pool was created with.
func (p *Pool) Size() int { return p.size }

// Available returns the number of buffers currently free. Racy by nature
// (another goroutine may acquire immediately after this returns) — useful
// for metrics and tests, not for synchronization.
func (p *Pool) Available() int { return len(p.free) }

// Acquire blocks until a buffer is free or ctx is done. Blocked acquirers
// are served in FCFS order by the Go runtime's channel-receiver queue.
func (p *Pool) Acquire(ctx context.Context) (*Buffer, error) {
	start := time.Now()
	select {
	case b := <-p.free:
		p.waitHist.Observe(time.Since(start).Seconds())
		p.available.Set(float64(len(p.free)))
		b.armFinalizer()
		return b, nil
	case <-ctx.Done():
		return nil, daqerr.Wrap(daqerr.KindCancelled, "buffer.Acquire", "context done while waiting for a buffer", ctx.Err())
	}
}

// TryAcquire returns immediately: a free buffer, or false if none is free.
func (p *Pool) TryAcquire() (*Buffer, bool) {
	select {
	case b := <-p.free:
		p.available.Set(float64(len(p.free)))
		b.armFinalizer()
		return b, true
	default:
		return nil, false
	}
}

// TryAcquireWithTimeout waits up to timeout for a free buffer.
func (p *Pool) TryAcquireWithTimeout(timeout time.Duration) (*Buffer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	b, err := p.Acquire(ctx)
	if err != nil {
		return nil, daqerr.Wrap(daqerr.KindResourceExhaustion, "buffer.TryAcquireWithTimeout",
			fmt.Sprintf("no buffer available within %s", timeout), err)
	}
	return b, nil
}

func (p *Pool) release(b *Buffer) {
	runtime.SetFinalizer(b, nil)
	select {
	case p.free <- b:
	default:
		// Should never happen: a buffer can only be released once (guarded
		// by Buffer.released) and the channel has exactly `size` capacity.
	}
	p.available.Set(float64(len(p.free)))
}

// Buffer is a fixed-size byte buffer checked out of a Pool. Release
// returns it to the pool; Release is idempotent and wait-free (a single
// non-blocking channel send). Callers that forget to Release leak the
// buffer until the garbage collector runs the finalizer armed at acquire
// time, which returns it and records the leak on the pool's metrics.
type Buffer struct {
	pool     *Pool
	data     []byte
	released atomic.Bool
}

// Bytes returns the buffer's backing storage. The returned slice is valid
// until Release is called; using it afterward is a use-after-free bug in
// the caller, the same contract as a C buffer handed out by a capture SDK.
func (b *Buffer) Bytes() []byte { return b.data }

// Len reports the buffer's fixed capacity in bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Release returns the buffer to its pool. Safe to call more than once;
// only the first call has an effect.
func (b *Buffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	b.pool.release(b)
}

func (b *Buffer) armFinalizer() {
	b.released.Store(false)
	runtime.SetFinalizer(b, func(leaked *Buffer) {
		if leaked.released.CompareAndSwap(false, true) {
			leaked.pool.leaked.Inc(1)
			leaked.pool.log.WarnCtx(context.Background(), "buffer reclaimed by GC without explicit Release")
			leaked.pool.release(leaked)
		}
	})
}
