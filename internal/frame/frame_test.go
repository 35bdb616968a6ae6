package frame_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rudaq/internal/buffer"
	"rudaq/internal/frame"
)

// chanSource is a test Source driven entirely by the test goroutine.
type chanSource struct {
	ready chan struct{}
	data  [][]byte
	idx   int
	mu    sync.Mutex
}

func newChanSource() *chanSource { return &chanSource{ready: make(chan struct{}, 64)} }

func (s *chanSource) push(data []byte) {
	s.mu.Lock()
	s.data = append(s.data, data)
	s.mu.Unlock()
	s.ready <- struct{}{}
}

func (s *chanSource) Ready() <-chan struct{} { return s.ready }

func (s *chanSource) Dequeue(ctx context.Context, dst []byte) (frame.Meta, int, error) {
	s.mu.Lock()
	d := s.data[s.idx]
	s.idx++
	s.mu.Unlock()
	n := copy(dst, d)
	return frame.Meta{Width: 4, Height: 4, BitDepth: 16, Timestamp: time.Now()}, n, nil
}

func TestRegisterPrimaryOutputOnlyOnce(t *testing.T) {
	pool, err := buffer.New(4, 64, buffer.Options{})
	require.NoError(t, err)
	p := frame.New("cam0", pool, frame.Options{})

	_, err = p.RegisterPrimaryOutput(4)
	require.NoError(t, err)

	_, err = p.RegisterPrimaryOutput(4)
	assert.Error(t, err, "second registration must be rejected")
}

func TestProducerDeliversToPrimary(t *testing.T) {
	pool, err := buffer.New(4, 64, buffer.Options{})
	require.NoError(t, err)
	p := frame.New("cam0", pool, frame.Options{AcquireTimeout: 50 * time.Millisecond})

	primary, err := p.RegisterPrimaryOutput(4)
	require.NoError(t, err)

	src := newChanSource()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.StartStream(ctx, src))

	src.push([]byte("hello"))

	select {
	case h := <-primary:
		assert.Equal(t, "hello", string(h.Bytes()))
		h.Release()
	case <-time.After(time.Second):
		t.Fatal("frame not delivered to primary consumer")
	}

	require.NoError(t, p.StopStream())
}

func TestObserverReceivesDecimatedFrames(t *testing.T) {
	pool, err := buffer.New(4, 64, buffer.Options{})
	require.NoError(t, err)
	p := frame.New("cam0", pool, frame.Options{AcquireTimeout: 50 * time.Millisecond})

	primary, err := p.RegisterPrimaryOutput(8)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	_, err = p.RegisterObserver(func(v frame.View) {
		mu.Lock()
		seen = append(seen, string(v.Bytes()))
		mu.Unlock()
	}, 2, 4)
	require.NoError(t, err)

	src := newChanSource()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.StartStream(ctx, src))

	for i := 0; i < 4; i++ {
		src.push([]byte{byte('a' + i)})
	}
	for i := 0; i < 4; i++ {
		select {
		case h := <-primary:
			h.Release()
		case <-time.After(time.Second):
			t.Fatal("primary did not receive all frames")
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 10*time.Millisecond, "decimation=2 over 4 frames should deliver exactly 2")

	require.NoError(t, p.StopStream())
}

func TestHeapFallbackWhenPoolExhausted(t *testing.T) {
	pool, err := buffer.New(1, 8, buffer.Options{})
	require.NoError(t, err)
	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	p := frame.New("cam0", pool, frame.Options{AcquireTimeout: 10 * time.Millisecond})
	primary, err := p.RegisterPrimaryOutput(4)
	require.NoError(t, err)

	src := newChanSource()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.StartStream(ctx, src))

	src.push([]byte("overflow"))

	select {
	case h := <-primary:
		assert.Equal(t, "overflow", string(h.Bytes()))
		h.Release()
	case <-time.After(time.Second):
		t.Fatal("heap-fallback frame never reached primary consumer")
	}

	require.NoError(t, p.StopStream())
}
