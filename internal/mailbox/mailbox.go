// Package mailbox implements the typed, single-consumer message queue used to
// hand work between the control goroutine and the I/O goroutine of a block.
//
// Any goroutine may Send. Delivery happens only on the goroutine running the
// owning reactor.Loop: the first Send into an unscheduled mailbox posts the
// mailbox itself to the loop, and the loop drains it by calling Handle.
package mailbox

import (
	"context"
	"sync"

	"github.com/seantiz/salvo/internal/reactor"
)

// Poster is the part of reactor.Loop a mailbox needs.
type Poster interface {
	Post(h reactor.Handler)
}

// Bound decides whether a drain may deliver another message, given the number
// already delivered during the current invocation.
type Bound func(delivered int) bool

// Unbounded always continues, so each invocation drains the whole queue.
func Unbounded(int) bool { return true }

// Cap limits each drain invocation to n messages.
func Cap(n int) Bound {
	return func(delivered int) bool { return delivered < n }
}

// Mailbox is a FIFO of *T envelopes with pooled allocation.
type Mailbox[T any] struct {
	poster Poster
	pool   sync.Pool

	mu        sync.Mutex
	queue     []*T
	scheduled bool

	deliver func(*T)
	bound   Bound

	signals chan struct{}
}

// New creates a mailbox that schedules its drains on p.
func New[T any](p Poster) *Mailbox[T] {
	m := &Mailbox[T]{
		poster:  p,
		bound:   Unbounded,
		signals: make(chan struct{}, 1),
	}
	m.pool.New = func() any { return new(T) }
	return m
}

// SetMessageDelegate installs the function invoked once per delivered
// envelope. The envelope is recycled when fn returns, so fn must not retain it.
func (m *Mailbox[T]) SetMessageDelegate(fn func(*T)) {
	m.mu.Lock()
	m.deliver = fn
	m.mu.Unlock()
}

// SetBound replaces the drain predicate.
func (m *Mailbox[T]) SetBound(b Bound) {
	m.mu.Lock()
	m.bound = b
	m.mu.Unlock()
}

// Allocate returns a zeroed envelope owned by the caller until it is sent.
func (m *Mailbox[T]) Allocate() *T {
	return m.pool.Get().(*T)
}

// Send appends msg and, if no drain is already scheduled, posts exactly one
// wake-up to the owning loop. Ownership of msg passes to the mailbox.
func (m *Mailbox[T]) Send(msg *T) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	post := !m.scheduled
	m.scheduled = true
	m.mu.Unlock()

	if post {
		m.poster.Post(m)
	}
}

// IsEmpty reports whether no message is queued.
func (m *Mailbox[T]) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) == 0
}

// Len returns the number of queued messages.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Handle drains the queue on the owning goroutine. It returns true when the
// bound stopped the drain early; the scheduled flag then stays set and the
// loop invokes Handle again.
//
// The scheduled flag is cleared under the same lock as the empty check, so a
// Send racing with the end of a drain either lands in the queue before the
// check or observes scheduled == false and posts a fresh wake-up.
func (m *Mailbox[T]) Handle() bool {
	m.mu.Lock()
	deliver, bound := m.deliver, m.bound
	m.mu.Unlock()

	for n := 0; bound(n); n++ {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.scheduled = false
			m.mu.Unlock()
			return false
		}
		msg := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		if deliver != nil {
			deliver(msg)
		}
		m.release(msg)
	}
	return true
}

// Drain runs one drain invocation and reports whether messages remain.
// It is meant for owners that drive the mailbox without a loop.
func (m *Mailbox[T]) Drain() (more bool) {
	m.Handle()
	return !m.IsEmpty()
}

func (m *Mailbox[T]) release(msg *T) {
	var zero T
	*msg = zero
	m.pool.Put(msg)
}

// Signal wakes one Wait. Called on the owning goroutine once a control
// message has been fully processed. Signals that arrive with no waiter are
// latched, and repeated unobserved signals coalesce.
func (m *Mailbox[T]) Signal() {
	select {
	case m.signals <- struct{}{}:
	default:
	}
}

// Wait blocks until Signal is called.
func (m *Mailbox[T]) Wait() {
	<-m.signals
}

// WaitContext blocks until Signal is called or ctx is done.
func (m *Mailbox[T]) WaitContext(ctx context.Context) error {
	select {
	case <-m.signals:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
