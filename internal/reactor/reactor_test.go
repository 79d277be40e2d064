package reactor_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/salvo/internal/reactor"
)

func runLoop(t *testing.T, name string) *reactor.Loop {
	t.Helper()
	l := reactor.New(name)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

func TestDoRunsInOrder(t *testing.T) {
	l := runLoop(t, "order")

	var (
		mu  sync.Mutex
		got []int
	)
	for i := range 100 {
		l.Do(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	require.NoError(t, reactor.Barrier(context.Background(), l))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

type repeater struct {
	remaining int
	calls     atomic.Int32
}

func (r *repeater) Handle() bool {
	r.calls.Add(1)
	r.remaining--
	return r.remaining > 0
}

func TestHandlerRequeue(t *testing.T) {
	l := runLoop(t, "requeue")

	r := &repeater{remaining: 3}
	l.Post(r)

	require.Eventually(t, func() bool { return r.calls.Load() == 3 }, time.Second, time.Millisecond)
	require.NoError(t, reactor.Barrier(context.Background(), l))
	assert.Equal(t, int32(3), r.calls.Load())
}

func TestBarrierAcrossLoops(t *testing.T) {
	a := runLoop(t, "a")
	b := runLoop(t, "b")

	var n atomic.Int32
	for range 10 {
		a.Do(func() { n.Add(1) })
		b.Do(func() { n.Add(1) })
	}
	require.NoError(t, reactor.Barrier(context.Background(), a, b))
	assert.Equal(t, int32(20), n.Load())
}

func TestBarrierContextCanceled(t *testing.T) {
	l := reactor.New("idle") // never run

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := reactor.Barrier(ctx, l)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEveryStops(t *testing.T) {
	l := runLoop(t, "ticker")

	var n atomic.Int32
	stop := l.Every(5*time.Millisecond, func() { n.Add(1) })
	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)

	stop()
	stop()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, reactor.Barrier(context.Background(), l))
	after := n.Load()
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, reactor.Barrier(context.Background(), l))
	assert.Equal(t, after, n.Load())
}
