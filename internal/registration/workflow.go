// Package registration drives bulk register and unregister runs over a pool
// of entities. A Workflow lives on the control goroutine: it decides which
// entities to dispatch for each grant and folds their results into an
// aggregate State.
package registration

import (
	"errors"
	"time"

	"github.com/seantiz/salvo/internal/client"
	"github.com/seantiz/salvo/internal/model"
	"github.com/seantiz/salvo/internal/stats"
)

// ErrActive is returned by Begin while a workflow is already running.
var ErrActive = errors.New("registration workflow already running")

// Hooks connect a Workflow to its block. Nil hooks are skipped.
type Hooks struct {
	// Dispatch hands a batch of entity indices to the lifecycle manager.
	Dispatch func(op Op, entities []int)
	// Stop halts the registration rate strategy.
	Stop func()
	// StateChanged fires on every aggregate state change.
	StateChanged func(from, to State)
	// Completed fires exactly once per workflow run.
	Completed func()
}

// Workflow is the registration state machine.
type Workflow struct {
	total   int
	retries int
	acc     *stats.Accumulator
	hooks   Hooks

	state   State
	op      Op
	running bool

	next        int
	outstanding int
	spawned     int
	budget      map[int]int
	retryQ      []int
}

// New creates a workflow over total entities with the given per-entity retry
// budget.
func New(total, retries int, acc *stats.Accumulator, hooks Hooks) *Workflow {
	return &Workflow{
		total:   max(total, 0),
		retries: max(retries, 0),
		acc:     acc,
		hooks:   hooks,
		budget:  make(map[int]int),
	}
}

// State returns the aggregate state.
func (w *Workflow) State() State { return w.state }

// Running reports whether a run is in progress.
func (w *Workflow) Running() bool { return w.running }

// Op returns the direction of the current or last run.
func (w *Workflow) Op() Op { return w.op }

// Outstanding returns the number of dispatched, unresolved entities.
func (w *Workflow) Outstanding() int { return w.outstanding }

// Spawned returns the number of dispatches in the current run, retries
// included.
func (w *Workflow) Spawned() int { return w.spawned }

// Remaining returns the number of entities not yet dispatched, queued
// retries included.
func (w *Workflow) Remaining() int { return w.total - w.next + len(w.retryQ) }

// Total returns the entity pool size.
func (w *Workflow) Total() int { return w.total }

// Begin resets the per-run indices and enters Registering or Unregistering.
func (w *Workflow) Begin(op Op) error {
	if w.running {
		return ErrActive
	}
	w.op = op
	w.next, w.outstanding, w.spawned = 0, 0, 0
	w.retryQ = w.retryQ[:0]
	clear(w.budget)
	w.running = true

	if op == OpRegister {
		w.setState(Registering)
	} else {
		w.setState(Unregistering)
	}
	w.checkComplete()
	return nil
}

// Grant dispatches up to n entities, queued retries first. It returns the
// number dispatched.
func (w *Workflow) Grant(n int) int {
	if !w.running || n <= 0 {
		return 0
	}
	var batch []int
	for n > 0 && len(w.retryQ) > 0 {
		batch = append(batch, w.retryQ[0])
		w.retryQ = w.retryQ[1:]
		n--
	}
	for n > 0 && w.next < w.total {
		batch = append(batch, w.next)
		w.next++
		n--
	}
	if len(batch) == 0 {
		return 0
	}

	w.outstanding += len(batch)
	w.spawned += len(batch)
	w.acc.Update(func(s *model.Stats) { s.RegistrationAttempts += uint64(len(batch)) })
	if w.hooks.Dispatch != nil {
		w.hooks.Dispatch(w.op, batch)
	}
	return len(batch)
}

// Requeue returns entities the lifecycle manager could not dispatch. They are
// retried on a later grant without spending their retry budget.
func (w *Workflow) Requeue(entities []int) {
	if !w.running || len(entities) == 0 {
		return
	}
	w.outstanding -= len(entities)
	w.spawned -= len(entities)
	w.acc.Update(func(s *model.Stats) { s.RegistrationAttempts -= uint64(len(entities)) })
	w.retryQ = append(append([]int(nil), entities...), w.retryQ...)
}

// Resolve folds one entity result into the workflow.
func (w *Workflow) Resolve(entity int, res client.Result, latency time.Duration) Resolution {
	if !w.running {
		return Ignored
	}
	w.outstanding--

	var r Resolution
	switch {
	case res.OK:
		w.acc.RecordResponse(latency)
		r = ResolvedSucceeded
	case res.Retryable && w.budget[entity] < w.retries:
		w.budget[entity]++
		w.retryQ = append(w.retryQ, entity)
		r = ResolvedRetrying
	default:
		w.acc.Update(func(s *model.Stats) { s.RegistrationFailures++ })
		if w.state != Failed {
			w.setState(Failed)
		}
		r = ResolvedFailed
	}

	w.checkComplete()
	return r
}

// Cancel ends a running workflow as Canceled. It reports whether a run was
// canceled.
func (w *Workflow) Cancel() bool {
	if !w.running {
		return false
	}
	w.finish(Canceled)
	return true
}

func (w *Workflow) checkComplete() {
	if !w.running || w.outstanding > 0 || w.next < w.total || len(w.retryQ) > 0 {
		return
	}
	switch {
	case w.state == Failed:
		w.finish(Failed)
	case w.op == OpRegister:
		w.finish(Succeeded)
	default:
		w.finish(NotRegistered)
	}
}

func (w *Workflow) finish(to State) {
	w.running = false
	w.retryQ = w.retryQ[:0]
	if w.hooks.Stop != nil {
		w.hooks.Stop()
	}
	if w.state != to {
		w.setState(to)
	}
	if w.hooks.Completed != nil {
		w.hooks.Completed()
	}
}

func (w *Workflow) setState(to State) {
	from := w.state
	w.state = to
	if w.hooks.StateChanged != nil {
		w.hooks.StateChanged(from, to)
	}
}
