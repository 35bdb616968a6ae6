package document

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"rudaq/internal/telemetry/logging"
	"rudaq/internal/telemetry/metrics"
)

// ErrOverflow is delivered to a subscriber's Err channel (best-effort, then
// the subscription is closed) when its document queue could not keep up and
// was disconnected rather than allowed to block the engine (spec §4.7).
var ErrOverflow = errors.New("document bus: subscriber queue overflowed, disconnected")

// Filter narrows a subscription to a run_uid and/or a set of Kinds. A zero
// Filter matches every document published.
type Filter struct {
	RunUID string
	Kinds  []Kind
}

func (f Filter) matches(d Document) bool {
	if f.RunUID != "" && f.RunUID != d.RunUID() {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == d.Kind {
			return true
		}
	}
	return false
}

// Subscription is a live handle returned by Bus.Subscribe. Callers range
// over Documents() and must call Unsubscribe when done; a disconnect due to
// overflow delivers one value on Err() before Documents() closes.
type Subscription struct {
	id     uint64
	bus    *Bus
	filter Filter
	ch     chan Document
	errCh  chan error
	once   sync.Once
}

// Documents returns the channel of documents matching this subscription's
// filter, in publication order. The channel closes when Unsubscribe is
// called or the subscriber is disconnected for overflow.
func (s *Subscription) Documents() <-chan Document { return s.ch }

// Err receives ErrOverflow exactly once if this subscription is
// disconnected for falling behind. It is closed on any disconnect,
// including Unsubscribe.
func (s *Subscription) Err() <-chan error { return s.errCh }

// Unsubscribe stops delivery and releases the subscription's queue.
func (s *Subscription) Unsubscribe() { s.bus.remove(s.id, nil) }

func (s *Subscription) disconnect(err error) {
	s.once.Do(func() {
		if err != nil {
			select {
			case s.errCh <- err:
			default:
			}
		}
		close(s.errCh)
		close(s.ch)
	})
}

// runState tracks active_runs() bookkeeping: a run is active from its Start
// document until its Stop document is published.
type runState struct {
	PlanName  string
	StartedAt time.Time
}

// RunInfo is one row of Bus.ActiveRuns's result.
type RunInfo struct {
	RunUID    string
	PlanName  string
	StartedAt time.Time
}

// Bus is an in-memory publish/subscribe hub for Documents, keyed implicitly
// by run_uid via Filter. Publish is engine-only; everything else may be
// called concurrently from any number of clients.
//
// The non-blocking, recover-guarded delivery attempt and the
// "disconnect-rather-than-block" policy are grounded on the teacher's
// pipeline result-delivery helpers (internal/pipeline/pipeline.go,
// deliverResult/enqueueExtraction: a select against ctx.Done() wrapped in a
// recover for a send on a channel that may already be torn down), adapted
// here from "retry the whole pipeline on backpressure" to "drop this one
// slow subscriber and keep every other reader moving."
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID atomic.Uint64

	runs map[string]runState

	log     logging.Logger
	dropped metrics.Counter
	active  metrics.Gauge
}

// Options configures a Bus's observability hooks.
type Options struct {
	Logger  logging.Logger
	Metrics metrics.Provider
}

// New creates an empty Bus.
func New(opts Options) *Bus {
	log := opts.Logger
	if log == nil {
		log = logging.New(nil)
	}
	mp := opts.Metrics
	if mp == nil {
		mp = metrics.NewNoopProvider()
	}
	return &Bus{
		subs: make(map[uint64]*Subscription),
		runs: make(map[string]runState),
		log:  log,
		dropped: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "rudaq", Subsystem: "document_bus", Name: "subscribers_dropped_total",
			Help: "subscribers disconnected for falling behind",
		}}),
		active: mp.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "rudaq", Subsystem: "document_bus", Name: "active_runs",
			Help: "number of runs with a Start but no Stop yet",
		}}),
	}
}

// Subscribe registers a new subscription matching filter, with a bounded
// queue of queueDepth documents. A full queue triggers disconnect, not
// blocking publish.
func (b *Bus) Subscribe(filter Filter, queueDepth int) *Subscription {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	id := b.nextID.Add(1)
	sub := &Subscription{
		id:     id,
		bus:    b,
		filter: filter,
		ch:     make(chan Document, queueDepth),
		errCh:  make(chan error, 1),
	}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	return sub
}

func (b *Bus) remove(id uint64, err error) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		sub.disconnect(err)
	}
}

// Publish delivers d to every matching subscriber. Used only by the run
// engine (spec §4.7). Delivery is in publication order per subscriber;
// across subscribers there is no ordering guarantee beyond that.
func (b *Bus) Publish(d Document) {
	b.mu.Lock()
	switch d.Kind {
	case KindStart:
		b.runs[d.Start.RunUID] = runState{PlanName: d.Start.PlanName, StartedAt: d.Start.Timestamp}
		b.active.Set(float64(len(b.runs)))
	case KindStop:
		delete(b.runs, d.Stop.RunUID)
		b.active.Set(float64(len(b.runs)))
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.matches(d) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if !b.trySend(sub, d) {
			b.dropped.Inc(1)
			b.log.WarnCtx(context.Background(), "document bus: subscriber disconnected, queue overflowed", "subscription_id", sub.id)
			b.remove(sub.id, ErrOverflow)
		}
	}
}

// trySend attempts a single non-blocking delivery, recovering from a send on
// a channel that raced closed out from under it (the subscriber was removed
// between the snapshot above and this send).
func (b *Bus) trySend(sub *Subscription, d Document) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()
	select {
	case sub.ch <- d:
		return true
	default:
		return false
	}
}

// ActiveRuns lists runs that have emitted a Start but not yet a Stop.
func (b *Bus) ActiveRuns() []RunInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]RunInfo, 0, len(b.runs))
	for uid, rs := range b.runs {
		out = append(out, RunInfo{RunUID: uid, PlanName: rs.PlanName, StartedAt: rs.StartedAt})
	}
	return out
}

// SubscriberCount reports the number of live subscriptions, for diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
