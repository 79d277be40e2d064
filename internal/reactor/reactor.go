// Package reactor provides the goroutine-owned run loop that the control and
// I/O roles of a block execute on. A Loop serializes every handler posted to
// it onto a single goroutine, so state touched only from handlers needs no
// locking.
package reactor

import (
	"context"
	"sync"
	"time"
)

// Handler is a unit of work posted to a Loop. Handle returns true when it
// wants to be invoked again; the loop re-queues it behind any work that is
// already pending.
type Handler interface {
	Handle() bool
}

// HandlerFunc adapts a plain function to a one-shot Handler.
type HandlerFunc func()

// Handle runs f and never asks to be re-invoked.
func (f HandlerFunc) Handle() bool {
	f()
	return false
}

// Loop runs posted handlers in FIFO order on the goroutine that calls Run.
type Loop struct {
	name string

	mu      sync.Mutex
	pending []Handler
	wake    chan struct{}
}

// New creates a Loop. The name is used for diagnostics only.
func New(name string) *Loop {
	return &Loop{
		name: name,
		wake: make(chan struct{}, 1),
	}
}

// Name returns the loop name.
func (l *Loop) Name() string {
	return l.name
}

// Post queues h for execution on the loop goroutine. It never blocks.
func (l *Loop) Post(h Handler) {
	l.mu.Lock()
	l.pending = append(l.pending, h)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do queues fn for execution on the loop goroutine.
func (l *Loop) Do(fn func()) {
	l.Post(HandlerFunc(fn))
}

// Run executes handlers until ctx is canceled. Handlers still queued when
// ctx is canceled are discarded.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}

		for {
			batch := l.take()
			if len(batch) == 0 {
				break
			}
			for _, h := range batch {
				if h.Handle() {
					l.Post(h)
				}
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

func (l *Loop) take() []Handler {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := l.pending
	l.pending = nil
	return batch
}

// Every posts fn to the loop once per period until the returned stop
// function is called. Ticks that fall due while the loop is busy are
// coalesced by the underlying ticker.
func (l *Loop) Every(period time.Duration, fn func()) (stop func()) {
	ticker := time.NewTicker(period)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				l.Do(fn)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}

// Barrier blocks until every loop has executed all work posted to it before
// the call, or until ctx is done.
func Barrier(ctx context.Context, loops ...*Loop) error {
	var wg sync.WaitGroup
	wg.Add(len(loops))
	for _, l := range loops {
		l.Do(wg.Done)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
