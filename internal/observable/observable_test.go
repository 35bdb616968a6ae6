package observable_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rudaq/internal/observable"
)

func TestGetSetRoundTrip(t *testing.T) {
	o := observable.New(1.0)
	assert.Equal(t, 1.0, o.Get())
	o.Set(2.5)
	assert.Equal(t, 2.5, o.Get())
}

func TestWatchFiresInRegistrationOrder(t *testing.T) {
	o := observable.New(0)
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		o.Watch(func(ctx context.Context, old, new int) {
			order = append(order, i)
		})
	}
	o.Set(1)
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestUnwatchStopsNotifications(t *testing.T) {
	o := observable.New(0)
	calls := 0
	h := o.Watch(func(ctx context.Context, old, new int) { calls++ })
	o.Set(1)
	require.Equal(t, 1, calls)
	o.Unwatch(h)
	o.Set(2)
	assert.Equal(t, 1, calls, "unwatched listener must not fire again")
}

func TestUnwatchUnknownHandleIsNoop(t *testing.T) {
	o := observable.New(0)
	assert.NotPanics(t, func() { o.Unwatch(observable.Handle(999)) })
}

func TestCyclicDispatchTerminates(t *testing.T) {
	a := observable.New(0)
	b := observable.New(0)
	a.Watch(func(ctx context.Context, old, new int) { b.SetCtx(ctx, new+1) })
	b.Watch(func(ctx context.Context, old, new int) { a.SetCtx(ctx, new+1) })

	done := make(chan struct{})
	go func() {
		a.Set(1)
		close(done)
	}()
	select {
	case <-done:
	default:
	}
	<-done // must return, not hang or overflow the stack
}

func TestWatcherCount(t *testing.T) {
	o := observable.New(0)
	assert.Equal(t, 0, o.WatcherCount())
	h1 := o.Watch(func(context.Context, int, int) {})
	o.Watch(func(context.Context, int, int) {})
	assert.Equal(t, 2, o.WatcherCount())
	o.Unwatch(h1)
	assert.Equal(t, 1, o.WatcherCount())
}
